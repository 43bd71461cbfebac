// Package birthday remembers members' birthdays and congratulates them on
// a cron schedule.
package birthday

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/plugins"
	"github.com/haasonsaas/llmcord/pkg/models"
)

const (
	DefaultSchedule = "0 9 * * *"
	DefaultPath     = "birthdays.json"
	DefaultMessage  = "🎂 Happy Birthday, <@%s>! Have a wonderful day!"
)

var parser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Settings configure the plugin.
type Settings struct {
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone"`
	// ChannelID receives announcements; when empty members get a DM.
	ChannelID string `json:"channel_id"`
	Path      string `json:"path"`
	// Message is a format string taking the user ID.
	Message string `json:"message"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"schedule": {"type": "string", "minLength": 1},
		"timezone": {"type": "string"},
		"channel_id": {"type": "string"},
		"path": {"type": "string"},
		"message": {"type": "string", "pattern": "%s"}
	},
	"additionalProperties": false
}`

// state is the persisted file.
type state struct {
	// Birthdays maps user ID to "MM-DD".
	Birthdays map[string]string `json:"birthdays"`
	// Announced maps user ID to the last year congratulated.
	Announced map[string]int `json:"announced"`
}

type Plugin struct {
	host     *plugins.Host
	settings Settings
	loc      *time.Location
	cron     *cron.Cron
	now      func() time.Time

	mu    sync.Mutex
	state state
}

func New() plugins.Plugin { return &Plugin{now: time.Now} }

func (p *Plugin) Info() plugins.Info {
	return plugins.Info{
		ID:          "birthday",
		Name:        "Birthdays",
		Version:     "1.0",
		Description: "Congratulates members on their birthday",
	}
}

func (p *Plugin) Schema() string { return settingsSchema }

func (p *Plugin) Register(reg *hooks.Registry, host *plugins.Host) error {
	p.host = host
	p.settings = Settings{Schedule: DefaultSchedule, Path: DefaultPath, Message: DefaultMessage}
	if err := host.Decode(&p.settings); err != nil {
		return err
	}

	p.loc = time.Local
	if p.settings.Timezone != "" {
		loc, err := time.LoadLocation(p.settings.Timezone)
		if err != nil {
			return fmt.Errorf("birthday: timezone: %w", err)
		}
		p.loc = loc
	}
	if err := p.load(); err != nil {
		return err
	}

	p.cron = cron.New(cron.WithParser(parser), cron.WithLocation(p.loc))
	if _, err := p.cron.AddFunc(p.settings.Schedule, p.run); err != nil {
		return fmt.Errorf("birthday: invalid schedule %q: %w", p.settings.Schedule, err)
	}

	reg.OnReady(func(context.Context, hooks.Client) error {
		p.cron.Start()
		return nil
	}, host.Source(), hooks.WithName("birthday.start"))

	if err := reg.RegisterCommand("setbirthday", p.set, host.CommandSource(),
		hooks.CommandDescription("Set your birthday (MM-DD)")); err != nil {
		return err
	}
	return reg.RegisterCommand("birthdays", p.list, host.CommandSource(),
		hooks.CommandDescription("List known birthdays"))
}

// Close stops the schedule and waits for a running announcement.
func (p *Plugin) Close() error {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
	return nil
}

func (p *Plugin) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := p.Announce(ctx, p.now().In(p.loc)); err != nil {
		p.host.Logger.Warn("birthday announcement failed", "error", err)
	}
}

// Announce congratulates everyone whose birthday is on now's date and who
// has not been congratulated this year. Feb 29 birthdays are celebrated on
// Feb 28 in common years.
func (p *Plugin) Announce(ctx context.Context, now time.Time) error {
	today := now.Format("01-02")
	leapless := today == "02-28" && !isLeap(now.Year())

	p.mu.Lock()
	var due []string
	for id, day := range p.state.Birthdays {
		if (day == today || (leapless && day == "02-29")) && p.state.Announced[id] != now.Year() {
			due = append(due, id)
		}
	}
	p.mu.Unlock()
	sort.Strings(due)

	var errs []error
	for _, id := range due {
		text := fmt.Sprintf(p.settings.Message, id)
		var err error
		if p.settings.ChannelID != "" {
			_, err = p.host.Replier.SendText(ctx, p.settings.ChannelID, 0, text)
		} else {
			err = p.host.Replier.SendDM(ctx, id, text)
		}
		if err != nil {
			p.host.Logger.WarnContext(ctx, "could not send birthday message", "user_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		p.mu.Lock()
		p.state.Announced[id] = now.Year()
		p.mu.Unlock()
	}
	if len(due) > 0 {
		if err := p.save(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Plugin) set(ctx context.Context, msg *models.Message, userID string) error {
	day, ok := parseDay(p.host.Args(msg))
	if !ok {
		p.host.Reply(ctx, msg, "❌ Usage: `"+p.host.CommandPrefix+"setbirthday MM-DD`")
		return nil
	}
	p.mu.Lock()
	p.state.Birthdays[userID] = day
	p.mu.Unlock()
	if err := p.save(); err != nil {
		return err
	}
	p.host.Reply(ctx, msg, fmt.Sprintf("🎂 Got it! Your birthday is %s.", displayDay(day)))
	return nil
}

func (p *Plugin) list(ctx context.Context, msg *models.Message, _ string) error {
	p.mu.Lock()
	type entry struct{ id, day string }
	entries := make([]entry, 0, len(p.state.Birthdays))
	for id, day := range p.state.Birthdays {
		entries = append(entries, entry{id, day})
	}
	p.mu.Unlock()

	if len(entries) == 0 {
		p.host.Reply(ctx, msg, "No birthdays known yet.")
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].day != entries[j].day {
			return entries[i].day < entries[j].day
		}
		return entries[i].id < entries[j].id
	})
	var b strings.Builder
	b.WriteString("🎂 **Birthdays:**")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n• <@%s>: %s", e.id, displayDay(e.day))
	}
	p.host.Reply(ctx, msg, b.String())
	return nil
}

func (p *Plugin) load() error {
	p.state = state{Birthdays: map[string]string{}, Announced: map[string]int{}}
	data, err := os.ReadFile(p.settings.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("birthday: read %s: %w", p.settings.Path, err)
	}
	if err := json.Unmarshal(data, &p.state); err != nil {
		return fmt.Errorf("birthday: decode %s: %w", p.settings.Path, err)
	}
	if p.state.Birthdays == nil {
		p.state.Birthdays = map[string]string{}
	}
	if p.state.Announced == nil {
		p.state.Announced = map[string]int{}
	}
	return nil
}

func (p *Plugin) save() error {
	p.mu.Lock()
	data, err := json.MarshalIndent(p.state, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(p.settings.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := p.settings.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, p.settings.Path)
}

// parseDay accepts MM-DD or YYYY-MM-DD and returns MM-DD.
func parseDay(arg string) (string, bool) {
	arg = strings.TrimSpace(arg)
	for _, layout := range []string{"01-02", "2006-01-02"} {
		if t, err := time.Parse(layout, arg); err == nil {
			return t.Format("01-02"), true
		}
	}
	return "", false
}

func displayDay(day string) string {
	t, err := time.Parse("01-02", day)
	if err != nil {
		return day
	}
	return t.Format("January 2")
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
