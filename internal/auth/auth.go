package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/goclaw-ai/goclaw/internal/identity"
)

// Method selects how clients prove their identity.
type Method string

const (
	MethodNone     Method = ""
	MethodPassword Method = "password"
	MethodTOTP     Method = "totp"
	MethodWebAuthn Method = "webauthn"
)

// ErrBadCredential is returned for any failed verification. Callers must
// not distinguish failure causes to the client.
var ErrBadCredential = errors.New("auth: invalid credential")

// ErrChallengeExpired is returned when a response arrives after the
// challenge TTL.
var ErrChallengeExpired = errors.New("auth: challenge expired")

// Challenge is one outstanding authentication round. Payload carries
// method-specific data for the client (WebAuthn assertion options);
// session holds server-side ceremony state.
type Challenge struct {
	Method    Method
	IssuedAt  time.Time
	ExpiresAt time.Time
	Payload   json.RawMessage

	session any
}

// Expired reports whether the challenge TTL has passed.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Config describes an authenticator.
type Config struct {
	Method         Method
	ChallengeTTL   time.Duration
	WebAuthnRPID   string
	WebAuthnOrigin string
}

// Authenticator issues challenges and verifies responses for the
// configured method.
type Authenticator struct {
	cfg   Config
	store *identity.Store
	wa    *webAuthnBroker
	now   func() time.Time
}

// New builds an authenticator over the identity store. With MethodNone
// every connection is authorized immediately after the handshake.
func New(cfg Config, store *identity.Store) (*Authenticator, error) {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 120 * time.Second
	}
	a := &Authenticator{cfg: cfg, store: store, now: time.Now}

	switch cfg.Method {
	case MethodNone, MethodPassword, MethodTOTP:
	case MethodWebAuthn:
		broker, err := newWebAuthnBroker(cfg.WebAuthnRPID, cfg.WebAuthnOrigin, store)
		if err != nil {
			return nil, err
		}
		a.wa = broker
	default:
		return nil, fmt.Errorf("auth: unknown method %q", cfg.Method)
	}
	return a, nil
}

// Required reports whether clients must authenticate at all.
func (a *Authenticator) Required() bool {
	return a.cfg.Method != MethodNone
}

// Method returns the configured method.
func (a *Authenticator) Method() Method {
	return a.cfg.Method
}

// Challenge opens a new authentication round.
func (a *Authenticator) Challenge(ctx context.Context) (*Challenge, error) {
	issued := a.now()
	ch := &Challenge{
		Method:    a.cfg.Method,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(a.cfg.ChallengeTTL),
	}
	if a.cfg.Method == MethodWebAuthn {
		payload, session, err := a.wa.beginLogin(ctx)
		if err != nil {
			return nil, err
		}
		ch.Payload = payload
		ch.session = session
	}
	return ch, nil
}

// Verify checks a client response against an open challenge. Expired
// challenges fail without touching stored credentials.
func (a *Authenticator) Verify(ctx context.Context, ch *Challenge, response string) error {
	if ch == nil {
		return ErrBadCredential
	}
	if ch.Expired(a.now()) {
		return ErrChallengeExpired
	}

	switch ch.Method {
	case MethodPassword:
		return a.verifyPassword(ctx, response)
	case MethodTOTP:
		return a.verifyTOTP(ctx, response)
	case MethodWebAuthn:
		return a.wa.finishLogin(ctx, ch.session, response)
	default:
		return ErrBadCredential
	}
}

func (a *Authenticator) verifyPassword(ctx context.Context, password string) error {
	hash, err := a.store.PasswordHash(ctx)
	if err != nil {
		return ErrBadCredential
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrBadCredential
	}
	return nil
}

// HashPassword produces the bcrypt hash persisted in the identity store.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}
