package security

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// Action is the configured response to a detection.
type Action string

const (
	ActionIgnore   Action = "ignore"
	ActionWarn     Action = "warn"
	ActionBlock    Action = "block"
	ActionSanitize Action = "sanitize"
)

// ParseAction maps a config string to an Action, defaulting to warn for
// unknown values.
func ParseAction(s string) Action {
	switch Action(s) {
	case ActionIgnore, ActionWarn, ActionBlock, ActionSanitize:
		return Action(s)
	default:
		return ActionWarn
	}
}

func (a Action) verdict() Verdict {
	switch a {
	case ActionBlock:
		return VerdictBlock
	case ActionSanitize:
		return VerdictSanitize
	case ActionWarn:
		return VerdictWarn
	default:
		return VerdictAllow
	}
}

// Config holds the safety policy for one layer instance. A layer is built
// per config snapshot; evaluation itself never consults mutable state, so
// results are deterministic for identical input and config.
type Config struct {
	SSRFEnabled     bool
	AllowPrivateIPs bool
	DenyCIDRs       []string
	InjectionAction Action
	Sensitivity     float64
	LeakAction      Action
	MaxInputLen     int
	DNSTimeout      time.Duration
}

// Result is the combined outcome of an evaluation. Content carries the
// possibly rewritten text and is meaningful for every verdict except
// Block. Event is nil exactly when the verdict is Allow.
type Result struct {
	Verdict Verdict
	Content string
	Event   *Event
}

// Layer runs the SSRF, prompt-injection and leak checks under one policy.
type Layer struct {
	cfg   Config
	guard PromptGuard
	leaks LeakDetector
	ssrf  *SSRFValidator
	log   *logrus.Entry
	emit  func(*Event)

	ssrfOpts []SSRFOption
}

// LayerOption adjusts layer construction.
type LayerOption func(*Layer)

// WithEmitter registers a callback invoked once per non-allow verdict,
// after logging. The gateway wires this to hook dispatch and metrics.
func WithEmitter(fn func(*Event)) LayerOption {
	return func(l *Layer) { l.emit = fn }
}

// WithLogger overrides the layer's log entry.
func WithLogger(entry *logrus.Entry) LayerOption {
	return func(l *Layer) { l.log = entry }
}

// WithSSRFOptions forwards options to the embedded SSRF validator.
func WithSSRFOptions(opts ...SSRFOption) LayerOption {
	return func(l *Layer) { l.ssrfOpts = opts }
}

// NewLayer builds a layer from cfg. Invalid deny CIDRs fail construction
// rather than silently shrinking the deny list.
func NewLayer(cfg Config, opts ...LayerOption) (*Layer, error) {
	l := &Layer{
		cfg: cfg,
		log: logrus.WithField("component", "safety"),
	}
	for _, opt := range opts {
		opt(l)
	}

	ssrfOpts := l.ssrfOpts
	if cfg.DNSTimeout > 0 {
		ssrfOpts = append(ssrfOpts, WithDNSTimeout(cfg.DNSTimeout))
	}
	ssrf, err := NewSSRFValidator(cfg.AllowPrivateIPs, cfg.DenyCIDRs, ssrfOpts...)
	if err != nil {
		return nil, err
	}
	l.ssrf = ssrf
	return l, nil
}

// EvaluateMessage runs the input-length, prompt-injection and leak checks
// on one inbound message. The strongest triggered action decides the
// verdict; a block short-circuits everything downstream.
func (l *Layer) EvaluateMessage(connectionID, content string) Result {
	if l.cfg.MaxInputLen > 0 && len(content) > l.cfg.MaxInputLen {
		return l.finishLength(connectionID, content)
	}

	injection := l.checkInjection(connectionID, content)
	if injection.Verdict == VerdictBlock {
		return l.finish(injection)
	}
	leak := l.checkLeak(connectionID, content)
	if leak.Verdict == VerdictBlock {
		return l.finish(leak)
	}

	// Neither check blocked; the stronger remaining verdict wins, and a
	// double sanitize applies both transforms.
	if injection.Verdict == VerdictSanitize && leak.Verdict == VerdictSanitize {
		injection.Content = l.leaks.Redact(injection.Content)
		injection.Event.Patterns = append(injection.Event.Patterns, leak.Event.Patterns...)
		return l.finish(injection)
	}
	if severity(leak.Verdict) > severity(injection.Verdict) {
		return l.finish(leak)
	}
	if injection.Verdict == VerdictAllow {
		return Result{Verdict: VerdictAllow, Content: content}
	}
	return l.finish(injection)
}

// EvaluateOutput runs the leak check on content leaving the gateway:
// provider response chunks and tool results. Injection scanning is
// input-direction only.
func (l *Layer) EvaluateOutput(connectionID, content string) Result {
	r := l.checkLeak(connectionID, content)
	if r.Verdict == VerdictAllow {
		return Result{Verdict: VerdictAllow, Content: content}
	}
	return l.finish(r)
}

// EvaluateURL validates an outbound fetch target. DNS resolution is the
// only network call the layer ever makes, and any resolution failure
// rejects the URL.
func (l *Layer) EvaluateURL(ctx context.Context, connectionID, rawURL string) Result {
	if !l.cfg.SSRFEnabled {
		return Result{Verdict: VerdictAllow, Content: rawURL}
	}
	if err := l.ssrf.ValidateURL(ctx, rawURL); err != nil {
		ev := newEvent(CategorySSRF, VerdictBlock, []string{err.Error()}, 1.0, connectionID)
		return l.finish(Result{Verdict: VerdictBlock, Event: ev})
	}
	return Result{Verdict: VerdictAllow, Content: rawURL}
}

func (l *Layer) checkInjection(connectionID, content string) Result {
	if l.cfg.InjectionAction == ActionIgnore {
		return Result{Verdict: VerdictAllow, Content: content}
	}

	scan := l.guard.Scan(content)
	if !scan.Suspicious() || scan.Score < l.cfg.Sensitivity {
		return Result{Verdict: VerdictAllow, Content: content}
	}

	category := CategoryPromptInjection
	if scan.CommandOnly() {
		category = CategoryCommandInjection
	}
	verdict := l.cfg.InjectionAction.verdict()
	out := content
	if verdict == VerdictSanitize {
		out = SanitizePrompt(content)
	}
	return Result{
		Verdict: verdict,
		Content: out,
		Event:   newEvent(category, verdict, scan.Patterns, scan.Score, connectionID),
	}
}

func (l *Layer) checkLeak(connectionID, content string) Result {
	if l.cfg.LeakAction == ActionIgnore {
		return Result{Verdict: VerdictAllow, Content: content}
	}

	hits := l.leaks.Detect(content)
	if len(hits) == 0 {
		return Result{Verdict: VerdictAllow, Content: content}
	}

	verdict := l.cfg.LeakAction.verdict()
	out := content
	if verdict == VerdictSanitize {
		out = l.leaks.Redact(content)
	}
	return Result{
		Verdict: verdict,
		Content: out,
		Event:   newEvent(CategoryLeak, verdict, hits, 1.0, connectionID),
	}
}

func (l *Layer) finishLength(connectionID, content string) Result {
	verdict := l.cfg.InjectionAction.verdict()
	if verdict == VerdictAllow {
		return Result{Verdict: VerdictAllow, Content: content}
	}
	out := content
	if verdict == VerdictSanitize {
		// Never cut a multi-byte rune in half.
		cut := l.cfg.MaxInputLen
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		out = content[:cut]
	}
	ev := newEvent(CategoryPromptInjection, verdict, []string{"input_length"}, 1.0, connectionID)
	return l.finish(Result{Verdict: verdict, Content: out, Event: ev})
}

func (l *Layer) finish(r Result) Result {
	if r.Event == nil {
		return r
	}
	l.log.WithFields(logrus.Fields{
		"category":   r.Event.Category,
		"verdict":    r.Verdict.String(),
		"score":      r.Event.Score,
		"patterns":   r.Event.Patterns,
		"connection": r.Event.ConnectionID,
	}).Warn("safety: detection")
	if l.emit != nil {
		l.emit(r.Event)
	}
	return r
}

func severity(v Verdict) int {
	switch v {
	case VerdictBlock:
		return 3
	case VerdictSanitize:
		return 2
	case VerdictWarn:
		return 1
	default:
		return 0
	}
}
