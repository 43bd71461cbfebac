package models

import "testing"

func TestParseMessageID(t *testing.T) {
	id, err := ParseMessageID(" 1234567890123456789 ")
	if err != nil {
		t.Fatalf("ParseMessageID() error = %v", err)
	}
	if id.String() != "1234567890123456789" {
		t.Errorf("String() = %q", id.String())
	}
	if _, err := ParseMessageID("abc"); err == nil {
		t.Error("expected error for non-numeric id")
	}
}

func TestAttachmentMediaType(t *testing.T) {
	tests := []struct {
		contentType string
		image, text bool
	}{
		{"image/png", true, false},
		{"text/plain; charset=utf-8", false, true},
		{"IMAGE/JPEG", true, false},
		{"application/pdf", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		a := Attachment{ContentType: tt.contentType}
		if a.IsImage() != tt.image || a.IsText() != tt.text {
			t.Errorf("%q: IsImage=%v IsText=%v", tt.contentType, a.IsImage(), a.IsText())
		}
	}
}

func TestTurnIsEmpty(t *testing.T) {
	tests := []struct {
		name string
		turn Turn
		want bool
	}{
		{"zero", Turn{Role: RoleUser}, true},
		{"text", TextTurn(RoleUser, "hi"), false},
		{"empty parts", Turn{Parts: []ContentPart{{Type: PartText}}}, true},
		{"image only", Turn{Parts: []ContentPart{{Type: PartImage, ImageURL: "data:image/png;base64,AA"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.turn.IsEmpty(); got != tt.want {
				t.Errorf("IsEmpty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTurnWithText(t *testing.T) {
	turn := Turn{Role: RoleUser, Parts: []ContentPart{
		{Type: PartText, Text: "old"},
		{Type: PartImage, ImageURL: "data:x"},
	}}
	got := turn.WithText("new")
	if got.PlainText() != "new" || !got.HasImages() {
		t.Fatalf("WithText() = %+v", got)
	}
	if turn.Parts[0].Text != "old" {
		t.Error("WithText mutated the receiver")
	}
}
