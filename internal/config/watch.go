package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// coldSections returns the sections that need a restart to change, with
// the hot-reloadable fields cleared.
func coldSections(c *Config) map[string]any {
	d := c.Discord
	d.Status = ""
	d.AllowedChannelIDs = nil
	d.AllowedRoleIDs = nil
	d.AllowedChannelTypes = nil
	d.Triggers = TriggerConfig{}
	d.OtherBotIDs = nil

	l := c.LLM
	l.SystemPrompt = ""
	l.ExtraAPIParameters = nil

	return map[string]any{
		"discord": d,
		"llm":     l,
		"cache":   c.Cache,
		"render":  c.Render,
		"hooks":   c.Hooks,
		"offload": c.Offload,
		"plugins": c.Plugins,
		"logging": c.Logging,
		"metrics": c.Metrics,
		"tracing": c.Tracing,
	}
}

// RestartRequired lists the sections whose changes between old and next
// only take effect after a restart. Status, allowed IDs and channel types,
// triggers, other bot IDs, the system prompt and extra API parameters are
// applied live.
func RestartRequired(old, next *Config) []string {
	a, b := coldSections(old), coldSections(next)
	var changed []string
	for _, name := range []string{"discord", "llm", "cache", "render", "hooks", "offload", "plugins", "logging", "metrics", "tracing"} {
		if !reflect.DeepEqual(a[name], b[name]) {
			changed = append(changed, name)
		}
	}
	return changed
}

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(*Config)
	logger   *slog.Logger
	current  *Config
}

// NewWatcher creates a watcher for path. onChange receives every config
// that loads and validates; invalid edits are logged and skipped.
func NewWatcher(path string, current *Config, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     abs,
		debounce: 250 * time.Millisecond,
		onChange: onChange,
		logger:   logger.With("component", "config"),
		current:  current,
	}, nil
}

// Run watches until ctx is done. The directory is watched rather than the
// file because editors often replace files on save.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "error", err)
		return
	}
	if cold := RestartRequired(w.current, next); len(cold) > 0 {
		w.logger.Warn("config changes require a restart", "sections", cold)
	}
	w.current = next
	w.logger.Info("config reloaded")
	if w.onChange != nil {
		w.onChange(next)
	}
}
