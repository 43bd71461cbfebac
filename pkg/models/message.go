package models

import (
	"strconv"
	"strings"
	"time"
)

// MessageID is a platform message identifier. Discord snowflakes grow
// monotonically, so ordering by ID orders messages by creation time.
type MessageID uint64

// ParseMessageID parses a decimal snowflake.
func ParseMessageID(s string) (MessageID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return MessageID(v), nil
}

func (id MessageID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ChannelType classifies the channel a message arrived in.
type ChannelType string

const (
	ChannelText          ChannelType = "text"
	ChannelDM            ChannelType = "dm"
	ChannelPublicThread  ChannelType = "public_thread"
	ChannelPrivateThread ChannelType = "private_thread"
	ChannelOther         ChannelType = "other"
)

// Author identifies who wrote a message.
type Author struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Bot      bool     `json:"bot,omitempty"`
	RoleIDs  []string `json:"role_ids,omitempty"`
}

// Attachment represents a file attached to a message.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url"`
	Size        int64  `json:"size,omitempty"`
}

// MediaType returns the top-level MIME type ("image", "text", "audio"...).
func (a Attachment) MediaType() string {
	ct := strings.ToLower(a.ContentType)
	if i := strings.IndexByte(ct, '/'); i > 0 {
		return ct[:i]
	}
	return ct
}

func (a Attachment) IsImage() bool { return a.MediaType() == "image" }
func (a Attachment) IsText() bool  { return a.MediaType() == "text" }
func (a Attachment) IsAudio() bool { return a.MediaType() == "audio" }
func (a Attachment) IsVideo() bool { return a.MediaType() == "video" }

// Embed is the subset of a rich embed that carries conversational text.
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Message is a transport-neutral inbound or outbound chat message.
type Message struct {
	ID          MessageID    `json:"id"`
	ChannelID   string       `json:"channel_id"`
	GuildID     string       `json:"guild_id,omitempty"`
	ChannelType ChannelType  `json:"channel_type"`
	Author      Author       `json:"author"`
	Content     string       `json:"content"`
	Embeds      []Embed      `json:"embeds,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// ReplyTo is the message this one replies to; zero when it is not a reply.
	ReplyTo MessageID `json:"reply_to,omitempty"`
	// ReplyChannelID is the channel of the replied-to message when it differs
	// from ChannelID, as for thread starters.
	ReplyChannelID string    `json:"reply_channel_id,omitempty"`
	Mentions       []string  `json:"mentions,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (m *Message) IsReply() bool { return m.ReplyTo != 0 }

func (m *Message) IsDM() bool { return m.ChannelType == ChannelDM }

// MentionsUser reports whether userID is among the message's mentions.
func (m *Message) MentionsUser(userID string) bool {
	for _, id := range m.Mentions {
		if id == userID {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the message carries no text, embeds or files.
func (m *Message) IsEmpty() bool {
	return strings.TrimSpace(m.Content) == "" && len(m.Embeds) == 0 && len(m.Attachments) == 0
}
