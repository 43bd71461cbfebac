// Package memory remembers facts and conversation snippets about users and
// guilds and feeds them back to the model.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/plugins"
	"github.com/haasonsaas/llmcord/pkg/models"
)

const (
	DefaultMaxShortTerm    = 10
	DefaultMaxMemories     = 100
	DefaultMaxContextChars = 6000
	DefaultRetentionDays   = 7

	// Stored snippets are clipped to this many characters.
	snippetChars = 200
	// Short-term history is pruned every pruneEvery recorded messages.
	pruneEvery = 20
)

const header = "\n\n--- Memory Context ---\n"

const footer = "\n--- End Memory Context ---\n\n" +
	"Use this information naturally when relevant. When users are mentioned, you have context about them too. " +
	"Don't explicitly mention you're using memory unless asked."

// Settings configure the plugin.
type Settings struct {
	Path            string   `json:"path"`
	ModeratorIDs    []string `json:"moderator_ids"`
	MaxShortTerm    int      `json:"max_short_term"`
	MaxMemories     int      `json:"max_memories"`
	MaxContextChars int      `json:"max_context_chars"`
	RetentionDays   int      `json:"retention_days"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"moderator_ids": {"type": "array", "items": {"type": "string"}},
		"max_short_term": {"type": "integer", "minimum": 1},
		"max_memories": {"type": "integer", "minimum": 1},
		"max_context_chars": {"type": "integer", "minimum": 100},
		"retention_days": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

type Plugin struct {
	host     *plugins.Host
	store    *Store
	settings Settings
	now      func() time.Time

	mu        sync.RWMutex
	botUserID string
}

func New() plugins.Plugin { return &Plugin{now: time.Now} }

func (p *Plugin) Info() plugins.Info {
	return plugins.Info{
		ID:          "memory",
		Name:        "Memory System",
		Version:     "2.0",
		Description: "Remembers facts, memories and recent conversation per user and server",
	}
}

func (p *Plugin) Schema() string { return settingsSchema }

func (p *Plugin) Register(reg *hooks.Registry, host *plugins.Host) error {
	p.host = host
	p.settings = Settings{
		Path:            "memory.db",
		MaxShortTerm:    DefaultMaxShortTerm,
		MaxMemories:     DefaultMaxMemories,
		MaxContextChars: DefaultMaxContextChars,
		RetentionDays:   DefaultRetentionDays,
	}
	if err := host.Decode(&p.settings); err != nil {
		return err
	}

	store, err := OpenStore(p.settings.Path, Limits{
		ShortTerm: p.settings.MaxShortTerm,
		Memories:  p.settings.MaxMemories,
	})
	if err != nil {
		return err
	}
	store.now = p.now
	p.store = store

	reg.OnReady(p.ready, host.Source(), hooks.WithName("memory.ready"))
	reg.OnMessage(p.recordMessage, host.Source(), hooks.WithName("memory.record"))
	reg.BeforeLLM(p.inject, host.Source(), hooks.WithName("memory.inject"))
	reg.AfterLLM(p.recordReply, host.Source(), hooks.WithName("memory.reply"))

	if err := p.registerCommands(reg); err != nil {
		store.Close()
		return err
	}
	return nil
}

// Close closes the database.
func (p *Plugin) Close() error {
	if p.store == nil {
		return nil
	}
	return p.store.Close()
}

func (p *Plugin) ready(_ context.Context, client hooks.Client) error {
	p.mu.Lock()
	p.botUserID = client.BotUserID()
	p.mu.Unlock()
	return nil
}

func (p *Plugin) recordMessage(ctx context.Context, msg *models.Message) (hooks.Verdict, error) {
	text := strings.TrimSpace(msg.Content)
	if msg.Author.Bot || text == "" || strings.HasPrefix(text, p.host.CommandPrefix) {
		return hooks.Continue, nil
	}
	_, err := p.store.AddExchange(ctx, msg.Author.ID, msg.ChannelID, string(models.RoleUser), clip(text, snippetChars))
	return hooks.Continue, err
}

func (p *Plugin) recordReply(ctx context.Context, msg *models.Message, reply string) error {
	if strings.TrimSpace(reply) == "" {
		return nil
	}
	total, err := p.store.AddExchange(ctx, msg.Author.ID, msg.ChannelID, string(models.RoleAssistant), clip(reply, snippetChars))
	if err != nil {
		return err
	}
	if total%pruneEvery == 0 {
		cutoff := p.now().AddDate(0, 0, -p.settings.RetentionDays)
		n, err := p.store.PruneExchanges(ctx, msg.Author.ID, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			p.host.Logger.DebugContext(ctx, "pruned short-term memory", "user_id", msg.Author.ID, "removed", n)
		}
	}
	return nil
}

// inject appends the memory block to the system turn, adding one when the
// conversation has none.
func (p *Plugin) inject(ctx context.Context, turns []models.Turn, msg *models.Message) ([]models.Turn, error) {
	block, err := p.contextFor(ctx, msg)
	if err != nil || block == "" {
		return nil, err
	}
	injection := header + block + footer

	out := slices.Clone(turns)
	if len(out) > 0 && out[0].Role == models.RoleSystem {
		out[0] = out[0].WithText(out[0].PlainText() + injection)
		return out, nil
	}
	system := models.TextTurn(models.RoleSystem, strings.TrimSpace(injection))
	return append([]models.Turn{system}, out...), nil
}

func (p *Plugin) contextFor(ctx context.Context, msg *models.Message) (string, error) {
	var lines []string

	if msg.GuildID != "" {
		facts, err := p.store.Facts(ctx, ScopeGuild, msg.GuildID)
		if err != nil {
			return "", err
		}
		if len(facts) > 0 {
			lines = append(lines, "Server Info: "+joinFacts(facts, 10))
		}
		mems, err := p.store.Memories(ctx, ScopeGuild, msg.GuildID, 3)
		if err != nil {
			return "", err
		}
		if len(mems) > 0 {
			lines = append(lines, "Server Context: "+joinMemories(mems))
		}
	}

	facts, err := p.store.Facts(ctx, ScopeUser, msg.Author.ID)
	if err != nil {
		return "", err
	}
	if len(facts) > 0 {
		lines = append(lines, "User Profile: "+joinFacts(facts, 0))
	}

	for _, id := range p.mentioned(msg, 3) {
		facts, err := p.store.Facts(ctx, ScopeUser, id)
		if err != nil {
			return "", err
		}
		if len(facts) > 0 {
			lines = append(lines, fmt.Sprintf("About <@%s>: %s", id, joinFacts(facts, 0)))
		}
	}

	mems, err := p.store.Memories(ctx, ScopeUser, msg.Author.ID, 5)
	if err != nil {
		return "", err
	}
	if len(mems) > 0 {
		lines = append(lines, "Important Context: "+joinMemories(mems))
	}

	recent, err := p.store.Exchanges(ctx, msg.Author.ID, 5)
	if err != nil {
		return "", err
	}
	if len(recent) > 0 {
		parts := make([]string, len(recent))
		for i, e := range recent {
			parts[i] = e.Role + ": " + e.Content
		}
		lines = append(lines, "Recent Conversation: "+strings.Join(parts, " → "))
	}

	return clip(strings.Join(lines, "\n"), p.settings.MaxContextChars), nil
}

// mentioned returns up to limit mentioned users other than the author and
// the bot.
func (p *Plugin) mentioned(msg *models.Message, limit int) []string {
	p.mu.RLock()
	self := p.botUserID
	p.mu.RUnlock()

	var out []string
	for _, id := range msg.Mentions {
		if id == msg.Author.ID || id == self || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out
}

func (p *Plugin) isModerator(userID string) bool {
	return slices.Contains(p.settings.ModeratorIDs, userID)
}

func joinFacts(facts []Fact, limit int) string {
	if limit > 0 && len(facts) > limit {
		facts = facts[:limit]
	}
	parts := make([]string, len(facts))
	for i, f := range facts {
		parts[i] = f.Key + ": " + f.Value
	}
	return strings.Join(parts, ", ")
}

func joinMemories(mems []Memory) string {
	parts := make([]string, len(mems))
	for i, m := range mems {
		parts[i] = m.Content
	}
	return strings.Join(parts, " | ")
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
