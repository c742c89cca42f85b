package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw-ai/goclaw/internal/identity"
)

func openIdentity(t *testing.T) *identity.Store {
	t.Helper()
	store, err := identity.Open(identity.Options{DBPath: filepath.Join(t.TempDir(), "identity.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTrackerLocksOutAtExactlyMaxFailures(t *testing.T) {
	current := time.Now()
	tracker := NewTracker(DefaultPolicy()).WithClock(func() time.Time { return current })

	for i := 1; i <= 9; i++ {
		locked := tracker.RecordFailure()
		assert.False(t, locked, "failure %d must not lock", i)
		assert.False(t, tracker.LockedOut())
	}

	locked := tracker.RecordFailure()
	assert.True(t, locked, "failure 10 must lock")
	assert.True(t, tracker.LockedOut())
}

func TestTrackerLockoutWindowExpires(t *testing.T) {
	current := time.Now()
	tracker := NewTracker(DefaultPolicy()).WithClock(func() time.Time { return current })

	for i := 0; i < 10; i++ {
		tracker.RecordFailure()
	}
	assert.True(t, tracker.LockedOut())
	assert.Greater(t, tracker.RemainingLockout(), time.Duration(0))

	current = current.Add(31 * time.Second)
	assert.False(t, tracker.LockedOut())
	assert.Equal(t, 0, tracker.Failures())
}

func TestTrackerDelaySchedule(t *testing.T) {
	tracker := NewTracker(DefaultPolicy())

	expect := []struct {
		failures int
		delay    time.Duration
	}{
		{0, 0},
		{1, 0},
		{2, 0},
		{3, 500 * time.Millisecond},
		{4, time.Second},
		{5, 2 * time.Second},
		{6, 4 * time.Second},
		{7, 8 * time.Second},
		{8, 8 * time.Second},
		{9, 8 * time.Second},
	}
	for _, tc := range expect {
		tracker.failures = tc.failures
		assert.Equal(t, tc.delay, tracker.Delay(), "failures=%d", tc.failures)
	}
}

func TestTrackerSuccessResetsStreak(t *testing.T) {
	tracker := NewTracker(DefaultPolicy())

	tracker.RecordFailure()
	tracker.RecordFailure()
	tracker.RecordSuccess()
	assert.Equal(t, 0, tracker.Failures())
	assert.Equal(t, time.Duration(0), tracker.Delay())
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateUnauthenticated: "unauthenticated",
		StateChallengeIssued: "challenge_issued",
		StateAuthenticated:   "authenticated",
		StateLockedOut:       "locked_out",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestPasswordVerification(t *testing.T) {
	store := openIdentity(t)
	ctx := context.Background()

	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	require.NoError(t, store.SetPasswordHash(ctx, hash))

	a, err := New(Config{Method: MethodPassword}, store)
	require.NoError(t, err)

	ch, err := a.Challenge(ctx)
	require.NoError(t, err)

	assert.NoError(t, a.Verify(ctx, ch, "correct horse battery staple"))
	assert.ErrorIs(t, a.Verify(ctx, ch, "wrong password"), ErrBadCredential)
}

func TestTOTPVerification(t *testing.T) {
	store := openIdentity(t)
	ctx := context.Background()

	a, err := New(Config{Method: MethodTOTP}, store)
	require.NoError(t, err)

	url, err := a.EnrollTOTP(ctx, "operator")
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://totp/")

	secret, err := store.TOTPSecret(ctx)
	require.NoError(t, err)

	code, err := GenerateTOTPCode(secret, time.Now())
	require.NoError(t, err)

	ch, err := a.Challenge(ctx)
	require.NoError(t, err)
	assert.NoError(t, a.Verify(ctx, ch, code))
	assert.ErrorIs(t, a.Verify(ctx, ch, "000000"), ErrBadCredential)
}

func TestExpiredChallengeRejectedWithoutEvaluation(t *testing.T) {
	store := openIdentity(t)
	ctx := context.Background()

	hash, err := HashPassword("secret")
	require.NoError(t, err)
	require.NoError(t, store.SetPasswordHash(ctx, hash))

	a, err := New(Config{Method: MethodPassword, ChallengeTTL: 120 * time.Second}, store)
	require.NoError(t, err)

	current := time.Now()
	a.now = func() time.Time { return current }

	ch, err := a.Challenge(ctx)
	require.NoError(t, err)

	current = current.Add(121 * time.Second)
	assert.ErrorIs(t, a.Verify(ctx, ch, "secret"), ErrChallengeExpired)
}

func TestMethodNoneRequiresNothing(t *testing.T) {
	a, err := New(Config{Method: MethodNone}, nil)
	require.NoError(t, err)
	assert.False(t, a.Required())
}

func TestUnknownMethodRejected(t *testing.T) {
	_, err := New(Config{Method: "voice"}, nil)
	assert.Error(t, err)
}

func TestWebAuthnRequiresRPSettings(t *testing.T) {
	store := openIdentity(t)
	_, err := New(Config{Method: MethodWebAuthn}, store)
	assert.Error(t, err)
}

func TestWebAuthnChallengeWithoutPasskeysFails(t *testing.T) {
	store := openIdentity(t)
	a, err := New(Config{
		Method:         MethodWebAuthn,
		WebAuthnRPID:   "localhost",
		WebAuthnOrigin: "https://localhost:9443",
	}, store)
	require.NoError(t, err)

	_, err = a.Challenge(context.Background())
	assert.Error(t, err)
}
