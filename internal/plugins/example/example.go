// Package example is a minimal plugin showing the command and hook
// contract.
package example

import (
	"context"
	"fmt"

	"github.com/haasonsaas/llmcord/internal/hooks"
	"github.com/haasonsaas/llmcord/internal/plugins"
	"github.com/haasonsaas/llmcord/pkg/models"
)

type Plugin struct {
	host *plugins.Host
}

func New() plugins.Plugin { return &Plugin{} }

func (p *Plugin) Info() plugins.Info {
	return plugins.Info{
		ID:          "example",
		Name:        "Example Plugin",
		Version:     "1.0",
		Description: "A template showing how to create plugins",
	}
}

func (p *Plugin) Schema() string { return "" }

func (p *Plugin) Register(reg *hooks.Registry, host *plugins.Host) error {
	p.host = host
	reg.OnReady(func(ctx context.Context, client hooks.Client) error {
		host.Logger.InfoContext(ctx, "example plugin ready", "bot_user_id", client.BotUserID())
		return nil
	}, host.Source(), hooks.WithName("example.ready"))

	if err := reg.RegisterCommand("hello", p.hello, host.CommandSource(),
		hooks.CommandDescription("Say hello")); err != nil {
		return err
	}
	return reg.RegisterCommand("plugininfo", p.info, host.CommandSource(),
		hooks.CommandDescription("Describe the example plugin"))
}

func (p *Plugin) hello(ctx context.Context, msg *models.Message, userID string) error {
	p.host.Reply(ctx, msg, fmt.Sprintf("Hello <@%s>! This is a custom command from a plugin!", userID))
	return nil
}

func (p *Plugin) info(ctx context.Context, msg *models.Message, _ string) error {
	p.host.Reply(ctx, msg, "This is an example plugin showing how to create custom commands!")
	return nil
}
