package hooks

import (
	"fmt"

	"github.com/goclaw-ai/goclaw/internal/audit"
	"github.com/goclaw-ai/goclaw/internal/metrics"
)

// MetricsHook maintains the Prometheus counters tied to lifecycle events.
type MetricsHook struct{}

func (MetricsHook) Name() string { return "metrics" }

func (MetricsHook) Events() []Event {
	return []Event{
		EventConnection, EventDisconnection,
		EventAuthSuccess, EventAuthFailure,
		EventAfterToolCall, EventAfterProviderCall,
		EventConfigReload, EventSecurityEvent,
	}
}

func (MetricsHook) Handle(hctx *Context) Outcome {
	switch hctx.Event {
	case EventConnection:
		metrics.ConnOpened()
	case EventDisconnection:
		metrics.ConnClosed()
	case EventAuthSuccess:
		metrics.IncAuthAttempt("success")
	case EventAuthFailure:
		metrics.IncAuthAttempt("failure")
	case EventAfterToolCall:
		metrics.IncToolCall(metaString(hctx, "tool"), metaString(hctx, "result"))
	case EventAfterProviderCall:
		metrics.IncProviderRequest(metaString(hctx, "provider"), metaString(hctx, "result"))
	case EventConfigReload:
		metrics.IncConfigReload(metaString(hctx, "result"))
	case EventSecurityEvent:
		metrics.IncSecurityEvent(metaString(hctx, "category"))
	}
	return Continue()
}

// AuditHook records lifecycle events to the audit trail.
type AuditHook struct {
	Writer *audit.Writer
}

func (AuditHook) Name() string { return "audit" }

func (AuditHook) Events() []Event {
	return []Event{
		EventStartup, EventShutdown,
		EventConnection, EventDisconnection,
		EventAuthSuccess, EventAuthFailure,
		EventBeforeToolCall, EventAfterToolCall,
		EventConfigReload, EventSecurityEvent,
	}
}

func (h AuditHook) Handle(hctx *Context) Outcome {
	if h.Writer == nil {
		return Continue()
	}
	// Record errors are swallowed: audit failure must not stop the
	// operation being audited.
	_ = h.Writer.Record(string(hctx.Event), hctx.ConnectionID, hctx.Metadata)
	return Continue()
}

func metaString(hctx *Context, key string) string {
	if hctx.Metadata == nil {
		return ""
	}
	switch v := hctx.Metadata[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
