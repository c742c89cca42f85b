// Package hooks dispatches lifecycle events to an ordered set of
// observers. Observer faults are contained at the dispatch boundary and
// never propagate to the caller.
package hooks

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Event names a lifecycle moment.
type Event string

const (
	EventStartup            Event = "startup"
	EventShutdown           Event = "shutdown"
	EventConnection         Event = "connection"
	EventDisconnection      Event = "disconnection"
	EventAuthSuccess        Event = "auth_success"
	EventAuthFailure        Event = "auth_failure"
	EventBeforeToolCall     Event = "before_tool_call"
	EventAfterToolCall      Event = "after_tool_call"
	EventBeforeProviderCall Event = "before_provider_call"
	EventAfterProviderCall  Event = "after_provider_call"
	EventConfigReload       Event = "config_reload"
	EventSecurityEvent      Event = "security_event"
)

// Context is the payload handed to each observer for one dispatch. It is
// built per dispatch and discarded afterwards; ModifyContext outcomes
// merge into Metadata before the next observer runs.
type Context struct {
	Event        Event
	ConnectionID string
	Metadata     map[string]any
}

// OutcomeKind discriminates observer decisions.
type OutcomeKind int

const (
	KindContinue OutcomeKind = iota
	KindAbort
	KindModify
)

// Outcome is an observer's decision for one event.
type Outcome struct {
	Kind    OutcomeKind
	Reason  string
	Changes map[string]any
}

// Continue lets the operation proceed unchanged.
func Continue() Outcome { return Outcome{Kind: KindContinue} }

// Abort stops the operation in progress with a reason.
func Abort(reason string) Outcome { return Outcome{Kind: KindAbort, Reason: reason} }

// Modify merges changes into the dispatch context and proceeds.
func Modify(changes map[string]any) Outcome { return Outcome{Kind: KindModify, Changes: changes} }

// Observer receives the events it declares interest in. New observer
// kinds implement this interface; the dispatcher never changes.
type Observer interface {
	Name() string
	Events() []Event
	Handle(hctx *Context) Outcome
}

// Registry holds observers in registration order. Registration happens
// during startup, before the server accepts connections, so dispatch
// reads the observer list without locking.
type Registry struct {
	observers []Observer
	byEvent   map[Event][]Observer
	log       *logrus.Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byEvent: make(map[Event][]Observer),
		log:     logrus.WithField("component", "hooks"),
	}
}

// Register appends an observer. Built-ins register first; custom
// observers follow in the order they are added.
func (r *Registry) Register(o Observer) {
	r.observers = append(r.observers, o)
	for _, ev := range o.Events() {
		r.byEvent[ev] = append(r.byEvent[ev], o)
	}
}

// Observers returns the registered observer names, in order.
func (r *Registry) Observers() []string {
	names := make([]string, len(r.observers))
	for i, o := range r.observers {
		names[i] = o.Name()
	}
	return names
}

// Dispatch invokes every observer subscribed to the event in registration
// order. The first Abort short-circuits the rest and is returned; Modify
// outcomes merge into hctx.Metadata; a panicking observer is logged and
// degrades to Continue for that observer only.
func (r *Registry) Dispatch(hctx *Context) Outcome {
	for _, o := range r.byEvent[hctx.Event] {
		outcome := r.safeHandle(o, hctx)
		switch outcome.Kind {
		case KindAbort:
			r.log.WithFields(logrus.Fields{
				"observer": o.Name(),
				"event":    hctx.Event,
				"reason":   outcome.Reason,
			}).Warn("hooks: observer aborted operation")
			return outcome
		case KindModify:
			if hctx.Metadata == nil {
				hctx.Metadata = make(map[string]any, len(outcome.Changes))
			}
			for k, v := range outcome.Changes {
				hctx.Metadata[k] = v
			}
		}
	}
	return Continue()
}

func (r *Registry) safeHandle(o Observer, hctx *Context) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithFields(logrus.Fields{
				"observer": o.Name(),
				"event":    hctx.Event,
				"panic":    fmt.Sprintf("%v", rec),
			}).Error("hooks: observer fault isolated")
			outcome = Continue()
		}
	}()
	return o.Handle(hctx)
}
