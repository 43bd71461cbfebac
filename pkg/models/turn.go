package models

import "strings"

// Role indicates the author type of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType is the kind of a content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one element of a multi-part turn. Image parts carry a
// self-contained data URL.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
}

// Turn is one role-tagged unit of context sent to or received from a model.
// Exactly one of Text and Parts is used.
type Turn struct {
	Role      Role          `json:"role"`
	Text      string        `json:"text,omitempty"`
	Parts     []ContentPart `json:"parts,omitempty"`
	SpeakerID string        `json:"speaker_id,omitempty"`
}

// TextTurn builds a plain text turn.
func TextTurn(role Role, text string) Turn {
	return Turn{Role: role, Text: text}
}

// IsEmpty reports whether the turn carries no content.
func (t Turn) IsEmpty() bool {
	if t.Text != "" {
		return false
	}
	for _, p := range t.Parts {
		if p.Text != "" || p.ImageURL != "" {
			return false
		}
	}
	return true
}

// HasImages reports whether any part is an image.
func (t Turn) HasImages() bool {
	for _, p := range t.Parts {
		if p.Type == PartImage {
			return true
		}
	}
	return false
}

// PlainText returns the textual content of the turn.
func (t Turn) PlainText() string {
	if len(t.Parts) == 0 {
		return t.Text
	}
	var b strings.Builder
	for _, p := range t.Parts {
		if p.Type != PartText || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// WithText returns a copy of the turn whose textual content is replaced.
func (t Turn) WithText(text string) Turn {
	if len(t.Parts) == 0 {
		t.Text = text
		return t
	}
	parts := make([]ContentPart, 0, len(t.Parts)+1)
	if text != "" {
		parts = append(parts, ContentPart{Type: PartText, Text: text})
	}
	for _, p := range t.Parts {
		if p.Type != PartText {
			parts = append(parts, p)
		}
	}
	t.Parts = parts
	return t
}

// Capabilities describes what the active model variant accepts.
type Capabilities struct {
	Images bool
	Names  bool
}
