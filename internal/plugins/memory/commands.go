package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/pkg/models"
)

type command struct {
	names []string
	desc  string
	fn    hooks.CommandFunc
}

func (p *Plugin) commands() []command {
	return []command{
		{[]string{"memhelp", "helpmemory"}, "Show memory commands", p.help},
		{[]string{"setfact"}, "Remember a fact about you", p.setFact},
		{[]string{"setglobal"}, "Set a server fact (moderators)", p.setGlobal},
		{[]string{"remember"}, "Remember something about you", p.remember},
		{[]string{"rememberglobal"}, "Remember something about the server (moderators)", p.rememberGlobal},
		{[]string{"profile", "myprofile"}, "Show what is remembered about you", p.profile},
		{[]string{"global"}, "Show what is remembered about the server", p.global},
		{[]string{"forget"}, "Forget a fact, or everything with 'all confirm'", p.forget},
		{[]string{"memstats", "memorystats"}, "Show memory statistics", p.stats},
		{[]string{"cc", "clearcontext"}, "Clear your recent conversation context", p.clearContext},
		{[]string{"dp", "deleteprofile"}, "Delete a memory by number, or everything with 'all confirm'", p.deleteProfile},
		{[]string{"deleteglobal"}, "Delete a server fact or memory (moderators)", p.deleteGlobal},
		{[]string{"profilemod"}, "Show a user's profile (moderators)", p.profileMod},
		{[]string{"ccmod", "clearcontextmod"}, "Clear a user's context (moderators)", p.clearContextMod},
	}
}

func (p *Plugin) registerCommands(reg *hooks.Registry) error {
	for _, c := range p.commands() {
		for _, name := range c.names {
			if err := reg.RegisterCommand(name, c.fn, p.host.CommandSource(), hooks.CommandDescription(c.desc)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Plugin) help(ctx context.Context, msg *models.Message, _ string) error {
	var b strings.Builder
	b.WriteString("🧠 **Memory Commands**\n")
	for _, c := range p.commands() {
		fmt.Fprintf(&b, "`%s%s`: %s\n", p.host.CommandPrefix, strings.Join(c.names, "`/`"+p.host.CommandPrefix), c.desc)
	}
	p.host.Reply(ctx, msg, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (p *Plugin) setFact(ctx context.Context, msg *models.Message, userID string) error {
	key, value, ok := splitKeyValue(p.host.Args(msg))
	if !ok {
		p.host.Reply(ctx, msg, p.usage("setfact <key> <value>"))
		return nil
	}
	if err := p.store.SetFact(ctx, ScopeUser, userID, key, value); err != nil {
		return err
	}
	p.host.Reply(ctx, msg, fmt.Sprintf("✅ Remembered your **%s**: %s", strings.ToLower(key), value))
	return nil
}

func (p *Plugin) setGlobal(ctx context.Context, msg *models.Message, userID string) error {
	if !p.guildModerator(ctx, msg, userID) {
		return nil
	}
	key, value, ok := splitKeyValue(p.host.Args(msg))
	if !ok {
		p.host.Reply(ctx, msg, p.usage("setglobal <key> <value>"))
		return nil
	}
	if err := p.store.SetFact(ctx, ScopeGuild, msg.GuildID, key, value); err != nil {
		return err
	}
	p.host.Reply(ctx, msg, fmt.Sprintf("✅ Server fact **%s** set to: %s", strings.ToLower(key), value))
	return nil
}

func (p *Plugin) remember(ctx context.Context, msg *models.Message, userID string) error {
	return p.addMemory(ctx, msg, ScopeUser, userID, "remember <text> [importance 1-10]")
}

func (p *Plugin) rememberGlobal(ctx context.Context, msg *models.Message, userID string) error {
	if !p.guildModerator(ctx, msg, userID) {
		return nil
	}
	return p.addMemory(ctx, msg, ScopeGuild, msg.GuildID, "rememberglobal <text> [importance 1-10]")
}

func (p *Plugin) addMemory(ctx context.Context, msg *models.Message, scope Scope, owner, usage string) error {
	text, importance := splitImportance(p.host.Args(msg))
	if text == "" {
		p.host.Reply(ctx, msg, p.usage(usage))
		return nil
	}
	added, err := p.store.AddMemory(ctx, scope, owner, text, importance)
	if err != nil {
		return err
	}
	if !added {
		p.host.Reply(ctx, msg, "ℹ️ I already remember that.")
		return nil
	}
	p.host.Reply(ctx, msg, fmt.Sprintf("✅ I'll remember that (importance %d/10).", importance))
	return nil
}

func (p *Plugin) profile(ctx context.Context, msg *models.Message, userID string) error {
	text, err := p.formatProfile(ctx, userID)
	if err != nil {
		return err
	}
	p.host.Reply(ctx, msg, text)
	return nil
}

func (p *Plugin) global(ctx context.Context, msg *models.Message, _ string) error {
	if msg.GuildID == "" {
		p.host.Reply(ctx, msg, "❌ Server memory only works in servers.")
		return nil
	}
	facts, err := p.store.Facts(ctx, ScopeGuild, msg.GuildID)
	if err != nil {
		return err
	}
	mems, err := p.store.Memories(ctx, ScopeGuild, msg.GuildID, 0)
	if err != nil {
		return err
	}
	if len(facts) == 0 && len(mems) == 0 {
		p.host.Reply(ctx, msg, "🌐 No server memory yet.")
		return nil
	}
	p.host.Reply(ctx, msg, "🌐 **Server Memory**"+formatEntries(facts, mems))
	return nil
}

func (p *Plugin) forget(ctx context.Context, msg *models.Message, userID string) error {
	args := strings.Fields(p.host.Args(msg))
	switch {
	case len(args) == 0:
		p.host.Reply(ctx, msg, p.usage("forget <key>")+" or `"+p.host.CommandPrefix+"forget all confirm`")
	case strings.EqualFold(args[0], "all"):
		if len(args) < 2 || !strings.EqualFold(args[1], "confirm") {
			p.host.Reply(ctx, msg, fmt.Sprintf("⚠️ This deletes everything I remember about you. Run `%sforget all confirm` to proceed.", p.host.CommandPrefix))
			return nil
		}
		if err := p.store.DeleteUser(ctx, userID); err != nil {
			return err
		}
		p.host.Reply(ctx, msg, "🗑️ I've forgotten everything about you.")
	default:
		ok, err := p.store.DeleteFact(ctx, ScopeUser, userID, args[0])
		if err != nil {
			return err
		}
		if !ok {
			p.host.Reply(ctx, msg, fmt.Sprintf("❌ No fact named **%s**.", strings.ToLower(args[0])))
			return nil
		}
		p.host.Reply(ctx, msg, fmt.Sprintf("🗑️ Forgot your **%s**.", strings.ToLower(args[0])))
	}
	return nil
}

func (p *Plugin) stats(ctx context.Context, msg *models.Message, userID string) error {
	st, err := p.store.Stats(ctx, userID)
	if err != nil {
		return err
	}
	last := "never"
	if !st.LastInteraction.IsZero() {
		last = st.LastInteraction.UTC().Format("2006-01-02 15:04 UTC")
	}
	p.host.Reply(ctx, msg, fmt.Sprintf(
		"📊 **Memory Stats**\nRecent messages: %d/%d\nFacts: %d\nMemories: %d/%d\nTotal messages: %d\nLast interaction: %s",
		st.ShortTerm, p.settings.MaxShortTerm, st.Facts, st.Memories, p.settings.MaxMemories, st.TotalMessages, last))
	return nil
}

func (p *Plugin) clearContext(ctx context.Context, msg *models.Message, userID string) error {
	if err := p.store.ClearExchanges(ctx, userID); err != nil {
		return err
	}
	p.host.Reply(ctx, msg, "🧹 Cleared your recent conversation context.")
	return nil
}

func (p *Plugin) deleteProfile(ctx context.Context, msg *models.Message, userID string) error {
	args := strings.Fields(p.host.Args(msg))
	if len(args) == 0 {
		p.host.Reply(ctx, msg, p.usage("deleteprofile <number>")+" or `"+p.host.CommandPrefix+"deleteprofile all confirm`")
		return nil
	}
	if strings.EqualFold(args[0], "all") {
		if len(args) < 2 || !strings.EqualFold(args[1], "confirm") {
			p.host.Reply(ctx, msg, fmt.Sprintf("⚠️ This deletes your whole profile. Run `%sdeleteprofile all confirm` to proceed.", p.host.CommandPrefix))
			return nil
		}
		if err := p.store.DeleteUser(ctx, userID); err != nil {
			return err
		}
		p.host.Reply(ctx, msg, "🗑️ Your profile has been deleted.")
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		p.host.Reply(ctx, msg, "❌ Give the memory number shown by `"+p.host.CommandPrefix+"profile`.")
		return nil
	}
	ok, err := p.store.DeleteMemory(ctx, ScopeUser, userID, n)
	if err != nil {
		return err
	}
	if !ok {
		p.host.Reply(ctx, msg, fmt.Sprintf("❌ No memory #%d.", n))
		return nil
	}
	p.host.Reply(ctx, msg, fmt.Sprintf("🗑️ Deleted memory #%d.", n))
	return nil
}

// deleteGlobal removes a server memory by number or a server fact by key.
func (p *Plugin) deleteGlobal(ctx context.Context, msg *models.Message, userID string) error {
	if !p.guildModerator(ctx, msg, userID) {
		return nil
	}
	arg := strings.TrimSpace(p.host.Args(msg))
	if arg == "" {
		p.host.Reply(ctx, msg, p.usage("deleteglobal <key|number>"))
		return nil
	}

	var ok bool
	var err error
	if n, convErr := strconv.Atoi(arg); convErr == nil {
		ok, err = p.store.DeleteMemory(ctx, ScopeGuild, msg.GuildID, n)
	} else {
		ok, err = p.store.DeleteFact(ctx, ScopeGuild, msg.GuildID, arg)
	}
	if err != nil {
		return err
	}
	if !ok {
		p.host.Reply(ctx, msg, fmt.Sprintf("❌ Nothing named **%s** in server memory.", arg))
		return nil
	}
	p.host.Reply(ctx, msg, fmt.Sprintf("🗑️ Deleted **%s** from server memory.", arg))
	return nil
}

func (p *Plugin) profileMod(ctx context.Context, msg *models.Message, userID string) error {
	target, ok := p.moderatorTarget(ctx, msg, userID, "profilemod <@user>")
	if !ok {
		return nil
	}
	return p.profile(ctx, msg, target)
}

func (p *Plugin) clearContextMod(ctx context.Context, msg *models.Message, userID string) error {
	target, ok := p.moderatorTarget(ctx, msg, userID, "ccmod <@user>")
	if !ok {
		return nil
	}
	if err := p.store.ClearExchanges(ctx, target); err != nil {
		return err
	}
	p.host.Reply(ctx, msg, fmt.Sprintf("🧹 Cleared recent context for <@%s>.", target))
	return nil
}

func (p *Plugin) moderatorTarget(ctx context.Context, msg *models.Message, userID, usage string) (string, bool) {
	if !p.isModerator(userID) {
		p.host.Reply(ctx, msg, "❌ This command is for moderators only.")
		return "", false
	}
	target := parseUserID(p.host.Args(msg))
	if target == "" {
		p.host.Reply(ctx, msg, p.usage(usage))
		return "", false
	}
	return target, true
}

// guildModerator reports whether userID may change server memory here,
// replying with the reason when not.
func (p *Plugin) guildModerator(ctx context.Context, msg *models.Message, userID string) bool {
	if msg.GuildID == "" {
		p.host.Reply(ctx, msg, "❌ Server memory only works in servers.")
		return false
	}
	if !p.isModerator(userID) {
		p.host.Reply(ctx, msg, "❌ Only moderators can change server memory.")
		return false
	}
	return true
}

func (p *Plugin) formatProfile(ctx context.Context, userID string) (string, error) {
	facts, err := p.store.Facts(ctx, ScopeUser, userID)
	if err != nil {
		return "", err
	}
	mems, err := p.store.Memories(ctx, ScopeUser, userID, 0)
	if err != nil {
		return "", err
	}
	if len(facts) == 0 && len(mems) == 0 {
		return fmt.Sprintf("📋 No profile data for <@%s> yet.", userID), nil
	}
	return fmt.Sprintf("📋 **Profile for <@%s>**", userID) + formatEntries(facts, mems), nil
}

func formatEntries(facts []Fact, mems []Memory) string {
	var b strings.Builder
	if len(facts) > 0 {
		b.WriteString("\n\n**Facts:**")
		for _, f := range facts {
			fmt.Fprintf(&b, "\n• %s: %s", f.Key, f.Value)
		}
	}
	if len(mems) > 0 {
		b.WriteString("\n\n**Memories:**")
		for i, m := range mems {
			fmt.Fprintf(&b, "\n%d. [%d/10] %s", i+1, m.Importance, m.Content)
		}
	}
	return b.String()
}

func (p *Plugin) usage(form string) string {
	return "❌ Usage: `" + p.host.CommandPrefix + form + "`"
}

func splitKeyValue(args string) (key, value string, ok bool) {
	key, value, _ = strings.Cut(strings.TrimSpace(args), " ")
	value = strings.TrimSpace(value)
	return key, value, key != "" && value != ""
}

// splitImportance takes a trailing 1-10 number off text; the default
// importance is 5.
func splitImportance(args string) (string, int) {
	args = strings.TrimSpace(args)
	i := strings.LastIndexByte(args, ' ')
	if i < 0 {
		return args, 5
	}
	n, err := strconv.Atoi(args[i+1:])
	if err != nil || n < 1 || n > 10 {
		return args, 5
	}
	return strings.TrimSpace(args[:i]), n
}

// parseUserID accepts "<@123>", "<@!123>" or a bare ID.
func parseUserID(arg string) string {
	arg = strings.TrimSpace(arg)
	if f := strings.Fields(arg); len(f) > 0 {
		arg = f[0]
	}
	arg = strings.TrimPrefix(arg, "<@")
	arg = strings.TrimPrefix(arg, "!")
	arg = strings.TrimSuffix(arg, ">")
	if _, err := strconv.ParseUint(arg, 10, 64); err != nil {
		return ""
	}
	return arg
}
