package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw-ai/goclaw/internal/protocol"
)

func collect(t *testing.T, p Provider, req Request) []Event {
	t.Helper()
	stream, err := p.Chat(context.Background(), req)
	require.NoError(t, err)
	var events []Event
	for ev := range stream {
		events = append(events, ev)
	}
	return events
}

func TestScriptedEchoesPlainMessages(t *testing.T) {
	events := collect(t, Scripted{}, Request{
		Messages: []protocol.ChatMessage{{Role: "user", Content: "hello there"}},
	})

	require.NotEmpty(t, events)
	assert.Equal(t, EventDone, events[len(events)-1].Kind)

	var text string
	for _, ev := range events {
		if ev.Kind == EventChunk {
			text += ev.Chunk
		}
	}
	assert.Contains(t, text, "hello there")
}

func TestScriptedEmitsToolCallForRunDirective(t *testing.T) {
	events := collect(t, Scripted{}, Request{
		Messages: []protocol.ChatMessage{{Role: "user", Content: "run ls -la"}},
	})

	var call *ToolCall
	for _, ev := range events {
		if ev.Kind == EventToolCall {
			call = ev.ToolCall
		}
	}
	require.NotNil(t, call)
	assert.Equal(t, "shell", call.Name)
	assert.NotEmpty(t, call.ID)
	assert.Contains(t, string(call.Arguments), "ls -la")
}

func TestScriptedSummarizesToolResult(t *testing.T) {
	history := HistoryWithToolResult(
		[]protocol.ChatMessage{{Role: "user", Content: "run uname"}},
		&ToolCall{ID: "t1", Name: "shell"},
		"Linux",
		false,
	)
	events := collect(t, Scripted{}, Request{Messages: history})

	var text string
	for _, ev := range events {
		if ev.Kind == EventChunk {
			text += ev.Chunk
		}
	}
	assert.Contains(t, text, "Linux")
	assert.Equal(t, EventDone, events[len(events)-1].Kind)
}

func TestScriptedFetchDirective(t *testing.T) {
	events := collect(t, Scripted{}, Request{
		Messages: []protocol.ChatMessage{{Role: "user", Content: "fetch https://example.com/data"}},
	})

	var call *ToolCall
	for _, ev := range events {
		if ev.Kind == EventToolCall {
			call = ev.ToolCall
		}
	}
	require.NotNil(t, call)
	assert.Equal(t, "web_fetch", call.Name)
}
