// Package faces stores face encodings of server members and recognizes
// them in posted images. Encoding is delegated to an external tool that
// prints a JSON list of encodings, one per face, for the image it is given.
package faces

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/plugins"
	"github.com/haasonsaas/llmcord/internal/process"
	"github.com/haasonsaas/llmcord/pkg/models"
)

const (
	DefaultDir       = "faces"
	DefaultTolerance = 0.6
	DefaultMaxBytes  = 10 << 20
)

// Settings configure the plugin.
type Settings struct {
	// Command runs as: command args... encode <image>.
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	Dir       string   `json:"dir"`
	Tolerance float64  `json:"tolerance"`
	AdminIDs  []string `json:"admin_ids"`
	MaxBytes  int64    `json:"max_bytes"`
}

const settingsSchema = `{
	"type": "object",
	"required": ["command"],
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"args": {"type": "array", "items": {"type": "string"}},
		"dir": {"type": "string"},
		"tolerance": {"type": "number", "exclusiveMinimum": 0, "maximum": 1},
		"admin_ids": {"type": "array", "items": {"type": "string"}},
		"max_bytes": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

var (
	validName = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	askers    = []string{"who is this", "who is in this image"}
)

type Plugin struct {
	host     *plugins.Host
	settings Settings
	store    *store
}

func New() plugins.Plugin { return &Plugin{} }

func (p *Plugin) Info() plugins.Info {
	return plugins.Info{
		ID:          "faces",
		Name:        "Facial Recognition",
		Version:     "1.0",
		Description: "Stores and recognizes faces",
	}
}

func (p *Plugin) Schema() string { return settingsSchema }

func (p *Plugin) Register(reg *hooks.Registry, host *plugins.Host) error {
	p.host = host
	p.settings = Settings{Dir: DefaultDir, Tolerance: DefaultTolerance, MaxBytes: DefaultMaxBytes}
	if err := host.Decode(&p.settings); err != nil {
		return err
	}
	if host.Pool == nil {
		return fmt.Errorf("faces: offload pool required")
	}
	st, err := newStore(p.settings.Dir)
	if err != nil {
		return err
	}
	p.store = st

	reg.OnMessage(p.onMessage, host.Source(), hooks.WithName("faces.ask"))
	for _, c := range []struct {
		name, desc string
		fn         hooks.CommandFunc
	}{
		{"setimage", "Store the attached face for you, or for a name (admins)", p.setImage},
		{"listfaces", "List stored faces (admins)", p.listFaces},
		{"matchimage", "Find who is in the attached image", p.matchImage},
		{"matchface", "Find who is in the attached image", p.matchImage},
		{"deleteimage", "Delete a stored face (admins)", p.deleteImage},
	} {
		if err := reg.RegisterCommand(c.name, c.fn, host.CommandSource(), hooks.CommandDescription(c.desc)); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plugin) onMessage(ctx context.Context, msg *models.Message) (hooks.Verdict, error) {
	text := strings.ToLower(msg.Content)
	if len(msg.Attachments) == 0 || !slices.ContainsFunc(askers, func(a string) bool { return strings.Contains(text, a) }) {
		return hooks.Continue, nil
	}
	return hooks.Stop, p.matchImage(ctx, msg, msg.Author.ID)
}

func (p *Plugin) setImage(ctx context.Context, msg *models.Message, userID string) error {
	target := userID
	if arg := strings.TrimSpace(p.host.Args(msg)); arg != "" {
		if !p.isAdmin(userID) {
			p.host.Reply(ctx, msg, "❌ Only admins can set an image for someone else.")
			return nil
		}
		name, ok := faceName(arg)
		if !ok {
			p.host.Reply(ctx, msg, "❌ Names may only use letters, digits, dots, dashes and underscores.")
			return nil
		}
		target = name
	}
	att, ok := p.image(ctx, msg)
	if !ok {
		return nil
	}

	encs, err := p.encode(ctx, att)
	if err != nil {
		return err
	}
	if len(encs) == 0 {
		p.host.Reply(ctx, msg, "❌ Could not store the face. Make sure the image is clear.")
		return nil
	}
	if len(encs) > 1 {
		p.host.Logger.InfoContext(ctx, "multiple faces found, using the first", "faces", len(encs))
	}
	n, err := p.store.Add(target, encs[0])
	if err != nil {
		return err
	}
	p.host.Reply(ctx, msg, fmt.Sprintf("✅ Face image stored for %s (%d image(s)).", display(target), n))
	return nil
}

func (p *Plugin) listFaces(ctx context.Context, msg *models.Message, userID string) error {
	if !p.requireAdmin(ctx, msg, userID) {
		return nil
	}
	profiles, err := p.store.Profiles()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		p.host.Reply(ctx, msg, "No faces stored yet.")
		return nil
	}
	var b strings.Builder
	b.WriteString("**Stored faces:**")
	for _, pr := range profiles {
		fmt.Fprintf(&b, "\n• %s: %d image(s)", display(pr.Name), len(pr.Encodings))
	}
	p.host.Reply(ctx, msg, b.String())
	return nil
}

func (p *Plugin) matchImage(ctx context.Context, msg *models.Message, _ string) error {
	att, ok := p.image(ctx, msg)
	if !ok {
		return nil
	}
	probes, err := p.encode(ctx, att)
	if err != nil {
		return err
	}
	profiles, err := p.store.Profiles()
	if err != nil {
		return err
	}
	m, ok := Best(profiles, probes, p.settings.Tolerance)
	if !ok {
		p.host.Reply(ctx, msg, "No match found.")
		return nil
	}
	p.host.Reply(ctx, msg, fmt.Sprintf("Match found: %s with %.1f%% confidence.", display(m.Name), m.Confidence))
	return nil
}

func (p *Plugin) deleteImage(ctx context.Context, msg *models.Message, userID string) error {
	if !p.requireAdmin(ctx, msg, userID) {
		return nil
	}
	name, ok := faceName(p.host.Args(msg))
	if !ok {
		p.host.Reply(ctx, msg, "❌ Usage: `"+p.host.CommandPrefix+"deleteimage <name>`")
		return nil
	}
	deleted, err := p.store.Delete(name)
	if err != nil {
		return err
	}
	if !deleted {
		p.host.Reply(ctx, msg, fmt.Sprintf("No image profile found for %s.", display(name)))
		return nil
	}
	p.host.Reply(ctx, msg, fmt.Sprintf("🗑️ Image profile for %s has been deleted.", display(name)))
	return nil
}

// image returns the first image attachment, replying when there is none.
func (p *Plugin) image(ctx context.Context, msg *models.Message) (models.Attachment, bool) {
	for _, att := range msg.Attachments {
		if att.IsImage() {
			return att, true
		}
	}
	p.host.Reply(ctx, msg, "❌ Please attach an image to use this command.")
	return models.Attachment{}, false
}

// encode runs the face tool on the attachment and returns one encoding per
// face found.
func (p *Plugin) encode(ctx context.Context, att models.Attachment) ([]Encoding, error) {
	data, err := p.host.Fetcher.Fetch(ctx, att.URL, p.settings.MaxBytes)
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "faces-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	image := filepath.Join(dir, "probe"+strings.ToLower(filepath.Ext(att.Filename)))
	if err := os.WriteFile(image, data, 0o600); err != nil {
		return nil, err
	}
	args := append(slices.Clone(p.settings.Args), "encode", image)
	out, err := p.host.Pool.Run(ctx, process.LaneFaces, process.Command{Path: p.settings.Command, Args: args})
	if err != nil {
		return nil, err
	}
	var encs []Encoding
	if err := json.Unmarshal(out.Stdout, &encs); err != nil {
		return nil, fmt.Errorf("decode face tool output: %w", err)
	}
	return encs, nil
}

func (p *Plugin) isAdmin(userID string) bool {
	return slices.Contains(p.settings.AdminIDs, userID)
}

func (p *Plugin) requireAdmin(ctx context.Context, msg *models.Message, userID string) bool {
	if p.isAdmin(userID) {
		return true
	}
	p.host.Reply(ctx, msg, "❌ Only admins can use this command.")
	return false
}

// faceName accepts a mention or a file-safe name.
func faceName(arg string) (string, bool) {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return "", false
	}
	name := strings.Trim(fields[0], "<@!>")
	if _, err := process.SanitizeArgument(name); err != nil || !validName.MatchString(name) {
		return "", false
	}
	return name, true
}

// display renders user IDs as mentions and anything else verbatim.
func display(name string) string {
	for _, r := range name {
		if r < '0' || r > '9' {
			return "**" + name + "**"
		}
	}
	return "<@" + name + ">"
}
