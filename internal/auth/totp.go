package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

func totpOptions() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

func (a *Authenticator) verifyTOTP(ctx context.Context, code string) error {
	secret, err := a.store.TOTPSecret(ctx)
	if err != nil {
		return ErrBadCredential
	}
	ok, err := totp.ValidateCustom(code, secret, a.now().UTC(), totpOptions())
	if err != nil || !ok {
		return ErrBadCredential
	}
	return nil
}

// EnrollTOTP generates a fresh secret, persists it and returns the
// otpauth:// provisioning URL for the client's authenticator app.
func (a *Authenticator) EnrollTOTP(ctx context.Context, account string) (string, error) {
	if account == "" {
		account = "operator"
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "goclaw",
		AccountName: account,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("auth: generate totp secret: %w", err)
	}
	if err := a.store.SetTOTPSecret(ctx, key.Secret()); err != nil {
		return "", err
	}
	return key.URL(), nil
}

// GenerateTOTPCode computes the code for a secret at a point in time.
// Used by the CLI client and by tests.
func GenerateTOTPCode(secret string, at time.Time) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at.UTC(), totpOptions())
	if err != nil {
		return "", fmt.Errorf("auth: generate totp code: %w", err)
	}
	return code, nil
}
