package csrf

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	store := NewStore(time.Hour)

	token, err := store.Issue("conn-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, store.Validate("conn-1", token))
}

func TestTokenBoundToConnection(t *testing.T) {
	store := NewStore(time.Hour)

	tokenA, err := store.Issue("conn-a")
	require.NoError(t, err)
	_, err = store.Issue("conn-b")
	require.NoError(t, err)

	assert.True(t, store.Validate("conn-a", tokenA))
	assert.False(t, store.Validate("conn-b", tokenA))
	assert.False(t, store.Validate("conn-unknown", tokenA))
}

func TestRotateInvalidatesOldTokenImmediately(t *testing.T) {
	store := NewStore(time.Hour)

	old, err := store.Issue("conn-1")
	require.NoError(t, err)
	fresh, err := store.Rotate("conn-1")
	require.NoError(t, err)

	assert.NotEqual(t, old, fresh)
	assert.False(t, store.Validate("conn-1", old))
	assert.True(t, store.Validate("conn-1", fresh))
}

func TestExpiredTokenRejectedAndRemoved(t *testing.T) {
	current := time.Now()
	store := NewStore(time.Minute, WithClock(func() time.Time { return current }))

	token, err := store.Issue("conn-1")
	require.NoError(t, err)
	assert.True(t, store.Validate("conn-1", token))

	current = current.Add(2 * time.Minute)
	assert.False(t, store.Validate("conn-1", token))
	assert.Equal(t, 0, store.Len())
}

func TestSweepRemovesOnlyExpiredEntries(t *testing.T) {
	current := time.Now()
	store := NewStore(time.Minute, WithClock(func() time.Time { return current }))

	_, err := store.Issue("old")
	require.NoError(t, err)

	current = current.Add(30 * time.Second)
	freshToken, err := store.Issue("fresh")
	require.NoError(t, err)

	current = current.Add(45 * time.Second)
	removed := store.Sweep()

	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
	assert.True(t, store.Validate("fresh", freshToken))
}

func TestRemoveDropsEntry(t *testing.T) {
	store := NewStore(time.Hour)

	token, err := store.Issue("conn-1")
	require.NoError(t, err)
	store.Remove("conn-1")
	assert.False(t, store.Validate("conn-1", token))
}

func TestConcurrentIssueValidateSweep(t *testing.T) {
	store := NewStore(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%8))
			for j := 0; j < 100; j++ {
				token, err := store.Issue(id)
				if err != nil {
					t.Error(err)
					return
				}
				store.Validate(id, token)
				store.Sweep()
			}
		}(i)
	}
	wg.Wait()
}

func TestTokensAreUnique(t *testing.T) {
	store := NewStore(time.Hour)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		token, err := store.Issue("conn")
		require.NoError(t, err)
		_, dup := seen[token]
		assert.False(t, dup)
		seen[token] = struct{}{}
	}
}
