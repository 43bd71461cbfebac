package discord

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/haasonsaas/llmcord/internal/channels"
	"github.com/haasonsaas/llmcord/pkg/models"
)

// mockDiscordSession is a mock implementation for testing
type mockDiscordSession struct {
	mu          sync.Mutex
	openErrs    []error
	openCalls   int
	closeCalled bool
	sends       []*discordgo.MessageSend
	edits       []*discordgo.MessageEdit
	typing      []string
	status      string
	messages    map[string]*discordgo.Message
	history     []*discordgo.Message
	historyArgs []string
	channels    map[string]discordgo.ChannelType
	sendErr     error
	sendErrs    []error
	sendCalls   int
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalls++
	if len(m.openErrs) > 0 {
		err := m.openErrs[0]
		m.openErrs = m.openErrs[1:]
		return err
	}
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.closeCalled = true
	return nil
}

func (m *mockDiscordSession) AddHandler(handler interface{}) func() {
	return func() {}
}

func (m *mockDiscordSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		return nil, err
	}
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sends = append(m.sends, data)
	return &discordgo.Message{ID: strconv.Itoa(5000 + len(m.sends)), ChannelID: channelID}, nil
}

func (m *mockDiscordSession) ChannelMessageEditComplex(e *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, e)
	return &discordgo.Message{ID: e.ID, ChannelID: e.Channel}, nil
}

func (m *mockDiscordSession) ChannelMessage(channelID, messageID string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	if msg, ok := m.messages[messageID]; ok {
		return msg, nil
	}
	return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}}
}

func (m *mockDiscordSession) ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error) {
	m.historyArgs = append(m.historyArgs, beforeID)
	var out []*discordgo.Message
	started := beforeID == ""
	for _, msg := range m.history {
		if !started {
			started = msg.ID == beforeID
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *mockDiscordSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	m.typing = append(m.typing, channelID)
	return nil
}

func (m *mockDiscordSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if t, ok := m.channels[channelID]; ok {
		return &discordgo.Channel{ID: channelID, Type: t}, nil
	}
	return nil, errors.New("unknown channel")
}

func (m *mockDiscordSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: "dm-" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(state string) error {
	m.status = state
	return nil
}

func newTestAdapter(t *testing.T, mock *mockDiscordSession) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{Token: "test-token", RateLimit: 1000, RateBurst: 1000, Status: "hello"})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	a.session = mock
	return a
}

func TestConfigValidate(t *testing.T) {
	var cfg Config
	err := cfg.Validate()
	if channels.GetErrorCode(err) != channels.ErrCodeConfig {
		t.Fatalf("missing token: got %v", err)
	}

	cfg.Token = "x"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.MaxConnectAttempts != 5 || cfg.QueueSize != 100 || cfg.Logger == nil {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestAdapterStartStop(t *testing.T) {
	mock := &mockDiscordSession{}
	a := newTestAdapter(t, mock)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.Connected() {
		t.Error("expected connected after start")
	}
	if err := a.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !mock.closeCalled {
		t.Error("expected session.Close")
	}
	if _, ok := <-a.Messages(); ok {
		t.Error("messages channel should be closed")
	}
}

func TestAdapterConnectRetries(t *testing.T) {
	mock := &mockDiscordSession{openErrs: []error{errors.New("gateway 502")}}
	a := newTestAdapter(t, mock)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if mock.openCalls != 2 {
		t.Errorf("open calls = %d, want 2", mock.openCalls)
	}
}

func TestHandleReady(t *testing.T) {
	mock := &mockDiscordSession{}
	a := newTestAdapter(t, mock)

	var got string
	a.OnReady(func(id string) { got = id })
	a.handleReady(nil, &discordgo.Ready{User: &discordgo.User{ID: "42"}})

	if got != "42" || a.BotUserID() != "42" {
		t.Errorf("ready id = %q, BotUserID = %q", got, a.BotUserID())
	}
	if mock.status != "hello" {
		t.Errorf("status = %q", mock.status)
	}
}

func TestHandleMessageCreate(t *testing.T) {
	mock := &mockDiscordSession{channels: map[string]discordgo.ChannelType{"c1": discordgo.ChannelTypeGuildPublicThread}}
	a := newTestAdapter(t, mock)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	event := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "100",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "<@42> hello",
		Author:    &discordgo.User{ID: "u1", Username: "alice"},
		Member:    &discordgo.Member{Roles: []string{"r1"}},
		Mentions:  []*discordgo.User{{ID: "42"}},
	}}
	a.handleMessageCreate(nil, event)
	a.handleMessageCreate(nil, event)

	select {
	case msg := <-a.Messages():
		if msg.ID != 100 || msg.ChannelType != models.ChannelPublicThread {
			t.Errorf("msg = %+v", msg)
		}
		if len(msg.Author.RoleIDs) != 1 || !msg.MentionsUser("42") {
			t.Errorf("roles/mentions not converted: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
	select {
	case msg := <-a.Messages():
		t.Errorf("duplicate delivered: %+v", msg)
	default:
	}
}

func TestConvertDiscordMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := &discordgo.Message{
		ID:        "200",
		ChannelID: "c1",
		Content:   "look",
		Timestamp: ts,
		Author:    &discordgo.User{ID: "u1", Username: "bob", Bot: true},
		Embeds:    []*discordgo.MessageEmbed{{Title: "t", Description: "d"}},
		Attachments: []*discordgo.MessageAttachment{{
			ID: "a1", Filename: "cat.png", ContentType: "image/png", URL: "https://cdn/cat.png", Size: 10,
		}},
		MessageReference: &discordgo.MessageReference{MessageID: "150", ChannelID: "c0"},
	}

	msg := convertDiscordMessage(m, models.ChannelDM)
	if msg == nil {
		t.Fatal("nil message")
	}
	if msg.ReplyTo != 150 || msg.ReplyChannelID != "c0" {
		t.Errorf("reply = %d/%s", msg.ReplyTo, msg.ReplyChannelID)
	}
	if !msg.CreatedAt.Equal(ts) || !msg.Author.Bot || !msg.IsDM() {
		t.Errorf("msg = %+v", msg)
	}
	if len(msg.Embeds) != 1 || msg.Embeds[0].Description != "d" {
		t.Errorf("embeds = %+v", msg.Embeds)
	}
	if len(msg.Attachments) != 1 || !msg.Attachments[0].IsImage() {
		t.Errorf("attachments = %+v", msg.Attachments)
	}

	if convertDiscordMessage(&discordgo.Message{ID: "1"}, models.ChannelText) != nil {
		t.Error("message without author should be dropped")
	}
	if convertDiscordMessage(&discordgo.Message{ID: "x", Author: &discordgo.User{}}, models.ChannelText) != nil {
		t.Error("message with invalid id should be dropped")
	}
}

func TestSendAndEdit(t *testing.T) {
	mock := &mockDiscordSession{}
	a := newTestAdapter(t, mock)
	ctx := context.Background()

	id, err := a.Send(ctx, "c1", 99, models.Outbound{Embed: &models.OutboundEmbed{
		Description: "hi",
		Color:       models.ColorIncomplete,
		Fields:      []models.EmbedField{{Name: "warning"}},
	}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != 5001 {
		t.Errorf("id = %d", id)
	}
	sent := mock.sends[0]
	if sent.Reference == nil || sent.Reference.MessageID != "99" {
		t.Errorf("reference = %+v", sent.Reference)
	}
	if len(sent.Embeds) != 1 || sent.Embeds[0].Color != models.ColorIncomplete || len(sent.Embeds[0].Fields) != 1 {
		t.Errorf("embed = %+v", sent.Embeds)
	}
	if sent.AllowedMentions == nil || len(sent.AllowedMentions.Parse) != 0 {
		t.Error("replies must not ping")
	}

	if err := a.Edit(ctx, "c1", id, models.Outbound{Text: "done"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	edit := mock.edits[0]
	if edit.ID != "5001" || edit.Content == nil || *edit.Content != "done" || edit.Embeds != nil {
		t.Errorf("edit = %+v", edit)
	}

	if _, err := a.SendFile(ctx, "c1", 0, "reply.mp3", "audio/mpeg", []byte("data"), "listen"); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if len(mock.sends[1].Files) != 1 || mock.sends[1].Reference != nil {
		t.Errorf("file send = %+v", mock.sends[1])
	}

	if err := a.SendDM(ctx, "u9", "private"); err != nil {
		t.Fatalf("SendDM: %v", err)
	}
	if mock.sends[2].Content != "private" {
		t.Errorf("dm = %+v", mock.sends[2])
	}
}

func TestSendErrorClassified(t *testing.T) {
	mock := &mockDiscordSession{sendErr: &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}}
	a := newTestAdapter(t, mock)

	_, err := a.SendText(context.Background(), "c1", 0, "x")
	if channels.GetErrorCode(err) != channels.ErrCodeAuthentication {
		t.Errorf("code = %s (%v)", channels.GetErrorCode(err), err)
	}
	if mock.sendCalls != 1 {
		t.Errorf("send calls = %d, permanent errors should not be retried", mock.sendCalls)
	}
}

func TestSendRetriesTransientErrors(t *testing.T) {
	mock := &mockDiscordSession{sendErrs: []error{
		&discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusBadGateway}},
	}}
	a := newTestAdapter(t, mock)

	id, err := a.SendText(context.Background(), "c1", 0, "x")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if id == 0 || mock.sendCalls != 2 || len(mock.sends) != 1 {
		t.Errorf("id = %d, calls = %d, sends = %d", id, mock.sendCalls, len(mock.sends))
	}
}

func TestFetchMessage(t *testing.T) {
	mock := &mockDiscordSession{
		messages: map[string]*discordgo.Message{
			"300": {ID: "300", ChannelID: "c1", Author: &discordgo.User{ID: "u1"}, Content: "earlier"},
		},
		channels: map[string]discordgo.ChannelType{"c1": discordgo.ChannelTypeGuildText},
	}
	a := newTestAdapter(t, mock)

	msg, err := a.FetchMessage(context.Background(), "c1", 300)
	if err != nil {
		t.Fatalf("FetchMessage: %v", err)
	}
	if msg.Content != "earlier" || msg.ChannelType != models.ChannelText {
		t.Errorf("msg = %+v", msg)
	}

	_, err = a.FetchMessage(context.Background(), "c1", 301)
	if channels.GetErrorCode(err) != channels.ErrCodeNotFound {
		t.Errorf("missing message: %v", err)
	}
}

func TestHistoryPages(t *testing.T) {
	mock := &mockDiscordSession{channels: map[string]discordgo.ChannelType{"c1": discordgo.ChannelTypeGuildText}}
	for i := 250; i > 0; i-- {
		mock.history = append(mock.history, &discordgo.Message{
			ID: strconv.Itoa(i), ChannelID: "c1", Author: &discordgo.User{ID: "u1"},
		})
	}
	a := newTestAdapter(t, mock)

	msgs, err := a.History(context.Background(), "c1", 0, 150)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 150 {
		t.Fatalf("got %d messages, want 150", len(msgs))
	}
	if msgs[0].ID != 250 || msgs[149].ID != 101 {
		t.Errorf("order = %d..%d", msgs[0].ID, msgs[149].ID)
	}
	if len(mock.historyArgs) != 2 || mock.historyArgs[1] != "151" {
		t.Errorf("pages = %v", mock.historyArgs)
	}
}

func TestChannelTypeFallback(t *testing.T) {
	a := newTestAdapter(t, &mockDiscordSession{})
	if got := a.channelType("unknown", ""); got != models.ChannelDM {
		t.Errorf("no guild: %s", got)
	}
	if got := a.channelType("unknown2", "g1"); got != models.ChannelText {
		t.Errorf("guild: %s", got)
	}
}
