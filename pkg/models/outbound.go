package models

// Embed colors used for streamed replies.
const (
	ColorComplete   = 0x1F8B4C
	ColorIncomplete = 0xE67E22
)

// Outbound is the content of a message the bot sends or edits. When Embed is
// set, Text is ignored by transports that support embeds.
type Outbound struct {
	Text  string
	Embed *OutboundEmbed
}

// OutboundEmbed is a rich embed.
type OutboundEmbed struct {
	Description string
	Color       int
	Fields      []EmbedField
}

// EmbedField is a titled line in an embed.
type EmbedField struct {
	Name  string
	Value string
}
