// Package hooks provides the extension points plugins use to intercept the
// message lifecycle.
package hooks

import (
	"context"

	"github.com/haasonsaas/llmcord/pkg/models"
)

// Point names an extension point.
type Point string

const (
	PointBotReady          Point = "on_bot_ready"
	PointMessageReceived   Point = "on_message_received"
	PointProcessAttachment Point = "process_attachment"
	PointBeforeLLMCall     Point = "before_llm_call"
	PointAfterLLMResponse  Point = "after_llm_response"
)

// Points lists every extension point in lifecycle order.
var Points = []Point{
	PointBotReady,
	PointMessageReceived,
	PointProcessAttachment,
	PointBeforeLLMCall,
	PointAfterLLMResponse,
}

// Client is the connected chat client handed to ready hooks.
type Client interface {
	BotUserID() string
}

// Verdict is returned by message hooks.
type Verdict int

const (
	// Continue lets normal processing go on.
	Continue Verdict = iota
	// Stop skips normal processing of the message. Hooks already scheduled
	// in the same dispatch still run.
	Stop
)

// AttachmentResult is a claimed attachment. ImageData is a base64 payload.
type AttachmentResult struct {
	Caption   string
	ImageData string
	MediaType string
}

// Empty reports whether the result carries nothing.
func (r *AttachmentResult) Empty() bool {
	return r == nil || (r.Caption == "" && r.ImageData == "")
}

type (
	// ReadyHook runs once the client has connected.
	ReadyHook func(ctx context.Context, client Client) error

	// MessageHook sees every accepted inbound message.
	MessageHook func(ctx context.Context, msg *models.Message) (Verdict, error)

	// AttachmentHook may claim an image attachment. Returning nil leaves it
	// unclaimed.
	AttachmentHook func(ctx context.Context, att models.Attachment, acceptsImages bool, msg *models.Message) (*AttachmentResult, error)

	// BeforeLLMHook may replace the outgoing turns. Returning nil keeps them.
	BeforeLLMHook func(ctx context.Context, turns []models.Turn, msg *models.Message) ([]models.Turn, error)

	// AfterLLMHook observes the final reply text.
	AfterLLMHook func(ctx context.Context, msg *models.Message, reply string) error

	// CommandFunc handles an in-chat command and produces its own reply.
	CommandFunc func(ctx context.Context, msg *models.Message, userID string) error
)

// Priority orders hooks within a point; lower runs first. Hooks with equal
// priority run in registration order.
type Priority int

const (
	PriorityHighest Priority = -1000
	PriorityHigh    Priority = -100
	PriorityNormal  Priority = 0
	PriorityLow     Priority = 100
	PriorityLowest  Priority = 1000
)

// Registration is one registered hook.
type Registration struct {
	ID       string
	Point    Point
	Name     string
	Source   string
	Priority Priority

	fn any
}

// Command is one registered command.
type Command struct {
	Name        string
	Source      string
	Description string
	Fn          CommandFunc
}
