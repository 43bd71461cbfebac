package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/llmcord/internal/config"
	"github.com/haasonsaas/llmcord/internal/hooks"
)

// Record describes a loaded plugin.
type Record struct {
	Info Info
	// Commands the plugin registered, sorted by name.
	Commands []string
}

// Loaded is the set of plugins registered at startup.
type Loaded struct {
	Records []Record
	closers []io.Closer
}

// Close releases plugin resources in reverse load order.
func (l *Loaded) Close() error {
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load builds every enabled plugin named in entries, validates its
// settings and registers it. Plugins load in ID order so command
// conflicts resolve the same way on every start. base supplies the shared
// host fields.
func Load(catalog map[string]Factory, entries map[string]config.PluginConfig, reg *hooks.Registry, base Host) (*Loaded, error) {
	if base.Logger == nil {
		base.Logger = slog.Default()
	}

	ids := make([]string, 0, len(entries))
	for id, entry := range entries {
		if entry.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	loaded := &Loaded{}
	for _, id := range ids {
		factory, ok := catalog[id]
		if !ok {
			loaded.Close()
			return nil, fmt.Errorf("plugins.%s: unknown plugin", id)
		}
		p := factory()
		settings := entries[id].Settings
		if err := ValidateSettings(p.Schema(), settings); err != nil {
			loaded.Close()
			return nil, fmt.Errorf("plugins.%s: %w", id, err)
		}

		host := base
		host.ID = id
		host.Settings = settings
		host.Logger = base.Logger.With("plugin", id)

		before := commandNames(reg, id)
		if err := p.Register(reg, &host); err != nil {
			loaded.Close()
			return nil, fmt.Errorf("plugins.%s: register: %w", id, err)
		}
		if c, ok := p.(io.Closer); ok {
			loaded.closers = append(loaded.closers, c)
		}

		info := p.Info()
		if info.ID == "" {
			info.ID = id
		}
		rec := Record{Info: info}
		for _, c := range reg.Commands() {
			if c.Source == id && !before[c.Name] {
				rec.Commands = append(rec.Commands, c.Name)
			}
		}
		loaded.Records = append(loaded.Records, rec)
		base.Logger.Info("plugin loaded", "plugin", id, "version", info.Version, "commands", len(rec.Commands))
	}
	return loaded, nil
}

func commandNames(reg *hooks.Registry, source string) map[string]bool {
	names := make(map[string]bool)
	for _, c := range reg.Commands() {
		if c.Source == source {
			names[c.Name] = true
		}
	}
	return names
}

// ValidateSettings checks settings against a JSON schema. An empty schema
// accepts anything.
func ValidateSettings(schema string, settings map[string]any) error {
	if strings.TrimSpace(schema) == "" {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile settings schema: %w", err)
	}

	if settings == nil {
		settings = map[string]any{}
	}
	// YAML decoding yields int and map[string]any values the validator
	// does not accept; a JSON round trip normalizes them.
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("settings invalid: %w", err)
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(schema string) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(schema); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := jsonschema.CompileString("settings.schema.json", schema)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(schema, compiled)
	return compiled, nil
}
