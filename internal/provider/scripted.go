package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/goclaw-ai/goclaw/internal/protocol"
)

// Scripted is a deterministic provider used when no real backend is
// configured, and by tests. It answers with short echoes and recognizes
// three directives in the last user message:
//
//	run <command>   → shell tool call
//	read <path>     → read_file tool call
//	fetch <url>     → web_fetch tool call
//
// After a tool result arrives it summarizes the result and finishes.
type Scripted struct{}

func (Scripted) Name() string { return "scripted" }

func (Scripted) Chat(ctx context.Context, req Request) (<-chan Event, error) {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		for _, ev := range script(req) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func script(req Request) []Event {
	lastUser := ""
	lastTool := ""
	for _, msg := range req.Messages {
		switch msg.Role {
		case "user":
			lastUser = msg.Content
			lastTool = ""
		case "tool":
			lastTool = msg.Content
		}
	}

	if lastTool != "" {
		return []Event{
			{Kind: EventChunk, Chunk: "Tool finished: "},
			{Kind: EventChunk, Chunk: summarize(lastTool)},
			{Kind: EventDone},
		}
	}

	if call := directive(lastUser); call != nil {
		return []Event{
			{Kind: EventChunk, Chunk: "Working on it."},
			{Kind: EventToolCall, ToolCall: call},
			{Kind: EventDone},
		}
	}

	return []Event{
		{Kind: EventChunk, Chunk: "You said: "},
		{Kind: EventChunk, Chunk: summarize(lastUser)},
		{Kind: EventDone},
	}
}

func directive(content string) *ToolCall {
	trimmed := strings.TrimSpace(content)
	for prefix, spec := range map[string]struct{ tool, arg string }{
		"run ":   {"shell", "command"},
		"read ":  {"read_file", "path"},
		"fetch ": {"web_fetch", "url"},
	} {
		if strings.HasPrefix(trimmed, prefix) {
			value := strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
			if value == "" {
				return nil
			}
			args, _ := json.Marshal(map[string]string{spec.arg: value})
			return &ToolCall{
				ID:        uuid.NewString(),
				Name:      spec.tool,
				Arguments: args,
			}
		}
	}
	return nil
}

func summarize(content string) string {
	content = strings.TrimSpace(content)
	if len(content) > 200 {
		return content[:200] + "…"
	}
	if content == "" {
		return "(empty)"
	}
	return content
}

// ByName returns the provider registered under name, falling back to the
// scripted provider for empty or unknown names.
func ByName(name string) Provider {
	switch name {
	case "", "scripted":
		return Scripted{}
	default:
		return Scripted{}
	}
}

// HistoryWithToolResult appends a tool result turn to a conversation, the
// shape the tool loop feeds back into Chat.
func HistoryWithToolResult(messages []protocol.ChatMessage, call *ToolCall, result string, isError bool) []protocol.ChatMessage {
	content := result
	if isError {
		content = fmt.Sprintf("error: %s", result)
	}
	next := make([]protocol.ChatMessage, len(messages), len(messages)+1)
	copy(next, messages)
	return append(next, protocol.ChatMessage{Role: "tool", Content: content})
}
