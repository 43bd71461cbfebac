package bot

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/observability"
	"github.com/haasonsaas/llmcord/pkg/models"
)

// Message outcomes recorded in metrics.
const (
	outcomeIgnored  = "ignored"
	outcomeFiltered = "filtered"
	outcomeStopped  = "stopped"
	outcomeCommand  = "command"
	outcomeReplied  = "replied"
	outcomeEmpty    = "empty"
	outcomeFailed   = "failed"
)

// Handle runs one inbound message through the loop.
func (b *Bot) Handle(ctx context.Context, msg *models.Message) {
	botID := b.BotUserID()
	if msg == nil || (botID != "" && msg.Author.ID == botID) {
		return
	}
	ctx = observability.WithMessage(ctx, msg.ChannelID, msg.ID.String(), msg.Author.ID)
	ctx, span := b.deps.Tracer.TraceMessage(ctx, msg.ChannelID, msg.ID.String())
	defer span.End()

	hot := b.state()
	count := b.countMessage(msg.ChannelID)

	if strings.HasPrefix(strings.TrimSpace(msg.Content), "//") {
		b.deps.Metrics.RecordMessage(outcomeIgnored)
		return
	}

	fromPeer := b.conversing(hot, msg)
	if msg.Author.Bot && !fromPeer {
		b.deps.Metrics.RecordMessage(outcomeIgnored)
		return
	}
	if !fromPeer && !b.triggered(ctx, hot, msg, count) {
		b.deps.Metrics.RecordMessage(outcomeIgnored)
		return
	}
	if !allowed(hot, msg) {
		b.logger.DebugContext(ctx, "message filtered", "channel_type", msg.ChannelType)
		b.deps.Metrics.RecordMessage(outcomeFiltered)
		return
	}
	if !b.deps.Registry.DispatchMessage(ctx, msg) {
		b.deps.Metrics.RecordMessage(outcomeStopped)
		return
	}

	if name, args, ok := hooks.ParseCommand(msg.Content, b.config.CommandPrefix); ok {
		if b.command(ctx, msg, name, args) {
			b.deps.Metrics.RecordMessage(outcomeCommand)
			return
		}
	}

	b.respond(ctx, msg, false)
	if fromPeer {
		b.endExchange(msg.ChannelID)
	}
}

func (b *Bot) countMessage(channelID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[channelID]++
	return b.counts[channelID]
}

// conversing reports whether msg comes from a peer bot during an active
// converse session in its channel.
func (b *Bot) conversing(hot *hotState, msg *models.Message) bool {
	if !slices.Contains(hot.otherBots, msg.Author.ID) {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.converse[msg.ChannelID] > 0
}

func (b *Bot) endExchange(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.converse[channelID] <= 1 {
		delete(b.converse, channelID)
		return
	}
	b.converse[channelID]--
}

// triggered reports whether msg asks for a reply.
func (b *Bot) triggered(ctx context.Context, hot *hotState, msg *models.Message, count int) bool {
	botID := b.BotUserID()
	switch {
	case botID != "" && msg.MentionsUser(botID):
		return true
	case strings.HasPrefix(strings.TrimSpace(msg.Content), b.config.CommandPrefix):
		return true
	case hot.unpromptedEvery > 0 && count%hot.unpromptedEvery == 0:
		b.logger.DebugContext(ctx, "unprompted trigger", "count", count)
		return true
	}
	for _, re := range hot.names {
		if re.MatchString(msg.Content) {
			return true
		}
	}
	for _, re := range hot.keywords {
		if re.MatchString(msg.Content) {
			return true
		}
	}
	return msg.IsReply() && b.repliesToBot(ctx, msg)
}

// repliesToBot checks the cached node of the referenced message before
// asking the transport.
func (b *Bot) repliesToBot(ctx context.Context, msg *models.Message) bool {
	if node, ok := b.deps.Store.Get(msg.ReplyTo); ok && node.TryAcquire() {
		computed, role := node.Computed(), node.Entry().Turn.Role
		node.Release()
		if computed {
			return role == models.RoleAssistant
		}
	}

	channelID := msg.ChannelID
	if msg.ReplyChannelID != "" {
		channelID = msg.ReplyChannelID
	}
	ref, err := b.deps.Transport.FetchMessage(ctx, channelID, msg.ReplyTo)
	if err != nil {
		b.logger.WarnContext(ctx, "referenced message fetch failed", "reply_to", msg.ReplyTo, "error", err)
		return false
	}
	return ref.Author.ID == b.BotUserID()
}

// allowed applies channel, role and channel type restrictions.
func allowed(hot *hotState, msg *models.Message) bool {
	if len(hot.channels) > 0 && !slices.Contains(hot.channels, msg.ChannelID) {
		return false
	}
	if len(hot.roles) > 0 && !msg.IsDM() {
		if !slices.ContainsFunc(msg.Author.RoleIDs, func(id string) bool {
			return slices.Contains(hot.roles, id)
		}) {
			return false
		}
	}
	if len(hot.channelTypes) > 0 && !slices.Contains(hot.channelTypes, msg.ChannelType) {
		return false
	}
	return true
}

// command runs a custom or built-in command and reports whether the
// message was consumed.
func (b *Bot) command(ctx context.Context, msg *models.Message, name, args string) bool {
	found, err := b.deps.Registry.RunCommand(ctx, name, msg, msg.Author.ID)
	if found {
		if err != nil {
			b.logger.ErrorContext(ctx, "command failed", "command", name, "error", err)
			b.reply(ctx, msg, commandFailure)
		}
		return true
	}

	switch name {
	case "plugins":
		b.reply(ctx, msg, b.pluginList())
	case "converse":
		b.startConverse(ctx, msg, args)
	case "new":
		fresh := *msg
		fresh.Content = args
		fresh.ReplyTo = 0
		b.respond(ctx, &fresh, true)
	default:
		b.logger.DebugContext(ctx, "unknown command", "command", name)
	}
	return true
}

func (b *Bot) pluginList() string {
	if len(b.deps.Plugins) == 0 {
		return "No plugins loaded."
	}
	var sb strings.Builder
	sb.WriteString("**Loaded Plugins:**\n")
	for _, p := range b.deps.Plugins {
		version := p.Version
		if version == "" {
			version = "1.0"
		}
		desc := p.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&sb, "• **%s** v%s: %s\n", p.Name, version, desc)
	}
	return sb.String()
}

func (b *Bot) startConverse(ctx context.Context, msg *models.Message, args string) {
	fields := strings.Fields(args)
	if len(fields) != 1 {
		b.reply(ctx, msg, fmt.Sprintf("Usage: %sconverse <number>", b.config.CommandPrefix))
		return
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		b.reply(ctx, msg, "Please provide a valid number.")
		return
	}
	if n < 1 || n > MaxConverseExchanges {
		b.reply(ctx, msg, fmt.Sprintf("Please specify a number between 1 and %d.", MaxConverseExchanges))
		return
	}
	if len(b.state().otherBots) == 0 {
		b.reply(ctx, msg, "No other bots are configured to talk to.")
		return
	}

	b.mu.Lock()
	b.converse[msg.ChannelID] = n
	b.mu.Unlock()
	b.logger.InfoContext(ctx, "converse started", "exchanges", n)
	b.reply(ctx, msg, fmt.Sprintf("Starting conversation between bots for %d exchanges!", n))
}

// ConverseRemaining returns the exchanges left in a channel's session.
func (b *Bot) ConverseRemaining(channelID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.converse[channelID]
}

func (b *Bot) reply(ctx context.Context, msg *models.Message, text string) {
	if _, err := b.deps.Transport.SendText(ctx, msg.ChannelID, msg.ID, text); err != nil {
		b.logger.WarnContext(ctx, "reply failed", "error", err)
	}
}
