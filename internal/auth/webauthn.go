package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/goclaw-ai/goclaw/internal/identity"
)

// operatorUser adapts the identity store's passkeys to the webauthn.User
// interface. The gateway has a single operator identity.
type operatorUser struct {
	credentials []webauthn.Credential
}

func (operatorUser) WebAuthnID() []byte          { return []byte("goclaw-operator") }
func (operatorUser) WebAuthnName() string        { return "operator" }
func (operatorUser) WebAuthnDisplayName() string { return "Gateway Operator" }
func (u operatorUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

type webAuthnBroker struct {
	wa    *webauthn.WebAuthn
	store *identity.Store
}

func newWebAuthnBroker(rpID, origin string, store *identity.Store) (*webAuthnBroker, error) {
	if rpID == "" || origin == "" {
		return nil, fmt.Errorf("auth: webauthn requires rp id and origin")
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "goclaw gateway",
		RPID:          rpID,
		RPOrigins:     []string{origin},
	})
	if err != nil {
		return nil, fmt.Errorf("auth: init webauthn: %w", err)
	}
	return &webAuthnBroker{wa: wa, store: store}, nil
}

func (b *webAuthnBroker) user(ctx context.Context) (operatorUser, error) {
	keys, err := b.store.Passkeys(ctx)
	if err != nil {
		return operatorUser{}, err
	}
	user := operatorUser{}
	for _, key := range keys {
		var cred webauthn.Credential
		if err := json.Unmarshal(key.Credential, &cred); err != nil {
			return operatorUser{}, fmt.Errorf("auth: decode passkey %s: %w", key.ID, err)
		}
		user.credentials = append(user.credentials, cred)
	}
	return user, nil
}

func (b *webAuthnBroker) beginLogin(ctx context.Context) (json.RawMessage, *webauthn.SessionData, error) {
	user, err := b.user(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(user.credentials) == 0 {
		return nil, nil, fmt.Errorf("auth: no passkeys enrolled")
	}
	options, session, err := b.wa.BeginLogin(user)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: begin webauthn login: %w", err)
	}
	payload, err := json.Marshal(options)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: marshal assertion options: %w", err)
	}
	return payload, session, nil
}

func (b *webAuthnBroker) finishLogin(ctx context.Context, session any, response string) error {
	sess, ok := session.(*webauthn.SessionData)
	if !ok || sess == nil {
		return ErrBadCredential
	}
	parsed, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(response))
	if err != nil {
		return ErrBadCredential
	}
	user, err := b.user(ctx)
	if err != nil {
		return ErrBadCredential
	}
	if _, err := b.wa.ValidateLogin(user, *sess, parsed); err != nil {
		return ErrBadCredential
	}
	return nil
}

// BeginPasskeyEnrollment starts a WebAuthn registration ceremony and
// returns the creation options for the client.
func (a *Authenticator) BeginPasskeyEnrollment(ctx context.Context) (json.RawMessage, *webauthn.SessionData, error) {
	if a.wa == nil {
		return nil, nil, fmt.Errorf("auth: webauthn not configured")
	}
	user, err := a.wa.user(ctx)
	if err != nil {
		return nil, nil, err
	}
	options, session, err := a.wa.wa.BeginRegistration(user)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: begin webauthn registration: %w", err)
	}
	payload, err := json.Marshal(options)
	if err != nil {
		return nil, nil, fmt.Errorf("auth: marshal creation options: %w", err)
	}
	return payload, session, nil
}

// FinishPasskeyEnrollment validates the attestation response and persists
// the new credential.
func (a *Authenticator) FinishPasskeyEnrollment(ctx context.Context, session *webauthn.SessionData, name, response string) error {
	if a.wa == nil || session == nil {
		return fmt.Errorf("auth: webauthn not configured")
	}
	parsed, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(response))
	if err != nil {
		return fmt.Errorf("auth: parse attestation: %w", err)
	}
	user, err := a.wa.user(ctx)
	if err != nil {
		return err
	}
	cred, err := a.wa.wa.CreateCredential(user, *session, parsed)
	if err != nil {
		return fmt.Errorf("auth: validate attestation: %w", err)
	}
	serialized, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("auth: serialize credential: %w", err)
	}
	id := base64.RawURLEncoding.EncodeToString(cred.ID)
	return a.store.AddPasskey(ctx, id, name, serialized)
}
