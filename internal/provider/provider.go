// Package provider abstracts the model backend the gateway forwards
// authorized conversations to.
package provider

import (
	"context"
	"encoding/json"

	"github.com/goclaw-ai/goclaw/internal/protocol"
)

// Request is one conversation turn sent to the backend. Messages carry
// the full history including tool results from earlier iterations.
type Request struct {
	SessionID string
	Messages  []protocol.ChatMessage
}

// ToolCall is a tool invocation requested by the backend.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// EventKind discriminates stream events.
type EventKind int

const (
	EventChunk EventKind = iota
	EventToolCall
	EventDone
)

// Event is one element of a response stream. The stream ends with exactly
// one EventDone; tool calls suspend the stream until the caller loops the
// result back in a new Request.
type Event struct {
	Kind     EventKind
	Chunk    string
	ToolCall *ToolCall
}

// Provider streams responses for conversation requests.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req Request) (<-chan Event, error)
}
