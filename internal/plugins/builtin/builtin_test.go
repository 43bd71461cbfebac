package builtin

import (
	"strings"
	"testing"

	"github.com/haasonsaas/llmcord/internal/plugins"
)

func TestCatalog(t *testing.T) {
	for id, factory := range Catalog() {
		p := factory()
		if got := p.Info().ID; got != id {
			t.Errorf("catalog key %q builds plugin %q", id, got)
		}
		if p.Schema() == "" {
			continue
		}
		// Unknown keys are rejected by every schema, which also proves it
		// compiles.
		err := plugins.ValidateSettings(p.Schema(), map[string]any{"no_such_setting": true})
		if err == nil || !strings.Contains(err.Error(), "settings invalid") {
			t.Errorf("%s: err = %v, want a validation failure", id, err)
		}
	}
}
