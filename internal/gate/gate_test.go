package gate

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/models"
)

func TestGate_SingleFlight(t *testing.T) {
	g := New(0)

	lease, err := g.Acquire("a@example.com", models.SourceSchedule)
	require.NoError(t, err)
	require.NotNil(t, lease)

	_, err = g.Acquire("a@example.com", models.SourceSchedule)
	assert.ErrorIs(t, err, catserrors.ErrBusy)

	g.Release(lease)

	lease2, err := g.Acquire("a@example.com", models.SourceSchedule)
	require.NoError(t, err)
	assert.NotNil(t, lease2)
}

func TestGate_IndependentAccounts(t *testing.T) {
	g := New(0)

	l1, err := g.Acquire("a@example.com", models.SourceSchedule)
	require.NoError(t, err)
	l2, err := g.Acquire("b@example.com", models.SourceSchedule)
	require.NoError(t, err)

	assert.NotNil(t, l1)
	assert.NotNil(t, l2)
}

func TestGate_ManualRateLimit(t *testing.T) {
	g := New(100 * time.Millisecond)

	lease, err := g.Acquire("a@example.com", models.SourceManual)
	require.NoError(t, err)
	g.Release(lease)

	_, err = g.Acquire("a@example.com", models.SourceManual)
	require.Error(t, err)
	var tooSoon *catserrors.TooSoon
	require.ErrorAs(t, err, &tooSoon)
	assert.GreaterOrEqual(t, tooSoon.SecondsRemaining, 1)

	time.Sleep(110 * time.Millisecond)
	lease2, err := g.Acquire("a@example.com", models.SourceManual)
	require.NoError(t, err)
	assert.NotNil(t, lease2)
}

func TestGate_ScheduleBypassesRateLimit(t *testing.T) {
	g := New(time.Hour)

	l1, err := g.Acquire("a@example.com", models.SourceManual)
	require.NoError(t, err)
	g.Release(l1)

	// Scheduled runs are not subject to the manual-trigger cooldown.
	l2, err := g.Acquire("a@example.com", models.SourceSchedule)
	require.NoError(t, err)
	assert.NotNil(t, l2)
}

func TestGate_ConcurrentAcquireOnlyOneWins(t *testing.T) {
	g := New(0)

	const attempts = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			if _, err := g.Acquire("a@example.com", models.SourceSchedule); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}
