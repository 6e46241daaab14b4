package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(config Config) (*Breaker, *time.Time) {
	b := New(config)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5})

	for i := 0; i < 4; i++ {
		b.RecordFailure("openai")
		assert.NoError(t, b.Allow("openai"), "circuit must stay closed below threshold")
	}

	b.RecordFailure("openai")
	err := b.Allow("openai")
	require.Error(t, err)

	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "openai", openErr.Key)
	assert.Equal(t, StateOpen, b.CurrentState("openai"))
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 2, Cooldown: time.Minute})

	b.RecordFailure("openai")
	b.RecordFailure("openai")
	require.Error(t, b.Allow("openai"))

	// Cooldown not yet elapsed.
	*now = now.Add(30 * time.Second)
	require.Error(t, b.Allow("openai"))

	// Cooldown elapsed: one trial request is admitted, further requests
	// are rejected while the trial is outstanding.
	*now = now.Add(31 * time.Second)
	assert.NoError(t, b.Allow("openai"))
	assert.Error(t, b.Allow("openai"))
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, Cooldown: time.Minute})

	b.RecordFailure("openai")
	*now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow("openai"))

	b.RecordSuccess("openai")
	assert.Equal(t, StateClosed, b.CurrentState("openai"))
	assert.NoError(t, b.Allow("openai"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, Cooldown: time.Minute})

	b.RecordFailure("openai")
	*now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow("openai"))

	b.RecordFailure("openai")
	assert.Equal(t, StateOpen, b.CurrentState("openai"))
	assert.Error(t, b.Allow("openai"))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	b.RecordFailure("openai")
	b.RecordFailure("openai")
	b.RecordSuccess("openai")
	b.RecordFailure("openai")
	b.RecordFailure("openai")

	assert.NoError(t, b.Allow("openai"), "non-consecutive failures must not open the circuit")
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	b.RecordFailure("openai")
	assert.Error(t, b.Allow("openai"))
	assert.NoError(t, b.Allow("openrouter"))
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	b.RecordFailure("openai")
	require.Error(t, b.Allow("openai"))

	b.Reset("openai")
	assert.NoError(t, b.Allow("openai"))
}
