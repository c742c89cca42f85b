package security

import (
	"time"

	"github.com/google/uuid"
)

// Category identifies the defense that produced a verdict.
type Category string

const (
	CategorySSRF             Category = "ssrf"
	CategoryPromptInjection  Category = "prompt_injection"
	CategoryCommandInjection Category = "command_injection"
	CategoryLeak             Category = "leak"
	CategoryRateLimit        Category = "rate_limit"
)

// Verdict is the combined outcome of a safety evaluation.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictWarn
	VerdictBlock
	VerdictSanitize
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictWarn:
		return "warn"
	case VerdictBlock:
		return "block"
	case VerdictSanitize:
		return "sanitize"
	default:
		return "unknown"
	}
}

// Event records a non-allow verdict for audit and hook dispatch. Patterns
// name what matched; the offending content itself is never carried, so an
// event can be logged without re-leaking a detected secret.
type Event struct {
	ID           string    `json:"id"`
	Category     Category  `json:"category"`
	Verdict      Verdict   `json:"verdict"`
	Patterns     []string  `json:"patterns,omitempty"`
	Score        float64   `json:"score"`
	ConnectionID string    `json:"connection_id,omitempty"`
	At           time.Time `json:"at"`
}

func newEvent(category Category, verdict Verdict, patterns []string, score float64, connectionID string) *Event {
	return &Event{
		ID:           uuid.NewString(),
		Category:     category,
		Verdict:      verdict,
		Patterns:     patterns,
		Score:        score,
		ConnectionID: connectionID,
		At:           time.Now().UTC(),
	}
}
