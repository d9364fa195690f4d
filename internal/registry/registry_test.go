package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catemails/engine/internal/models"
)

func TestRegistry_StartAndGetCurrent(t *testing.T) {
	r := New(10)
	now := time.Now()

	r.Start("run-1", "a@example.com", now)
	s := r.GetCurrent("a@example.com")
	require.NotNil(t, s)
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, models.StateConnecting, s.State)

	assert.Nil(t, r.GetCurrent("missing@example.com"))
}

func TestRegistry_UpdateCounters(t *testing.T) {
	r := New(10)
	r.Start("run-1", "a@example.com", time.Now())

	r.SetState("a@example.com", models.StateFetching, "fetch")
	r.IncrementCategorized("a@example.com", 3)
	r.IncrementDeleted("a@example.com", 1)
	r.SetProgress("a@example.com", 3, 10)

	s := r.GetCurrent("a@example.com")
	require.NotNil(t, s)
	assert.Equal(t, models.StateFetching, s.State)
	assert.Equal(t, 3, s.Counters.EmailsCategorized)
	assert.Equal(t, 1, s.Counters.EmailsDeleted)
	assert.Equal(t, models.Progress{Current: 3, Total: 10}, s.Progress)
}

func TestRegistry_IncrementZeroOrNegativeIsNoop(t *testing.T) {
	r := New(10)
	r.Start("run-1", "a@example.com", time.Now())
	r.IncrementCategorized("a@example.com", 5)

	r.IncrementCategorized("a@example.com", 0)
	r.IncrementCategorized("a@example.com", -2)

	s := r.GetCurrent("a@example.com")
	require.NotNil(t, s)
	assert.Equal(t, 5, s.Counters.EmailsCategorized)
}

func TestRegistry_CompleteMovesToRing(t *testing.T) {
	r := New(10)
	r.Start("run-1", "a@example.com", time.Now())
	r.Complete("a@example.com", true, "", time.Now())

	assert.Nil(t, r.GetCurrent("a@example.com"))
	recent := r.RecentRuns(10)
	require.Len(t, recent, 1)
	assert.Equal(t, models.StateCompleted, recent[0].State)
}

func TestRegistry_RingEviction(t *testing.T) {
	r := New(3)
	for i := 0; i < 5; i++ {
		addr := fmt.Sprintf("acct-%d@example.com", i)
		r.Start(fmt.Sprintf("run-%d", i), addr, time.Now())
		r.Complete(addr, true, "", time.Now())
	}
	recent := r.RecentRuns(10)
	require.Len(t, recent, 3)
	// Most recent first.
	assert.Equal(t, "run-4", recent[0].RunID)
	assert.Equal(t, "run-3", recent[1].RunID)
	assert.Equal(t, "run-2", recent[2].RunID)
}

func TestRegistry_Statistics(t *testing.T) {
	r := New(10)
	r.Start("run-1", "a@example.com", time.Now())
	r.Complete("a@example.com", true, "", time.Now())
	r.Start("run-2", "b@example.com", time.Now())
	r.Complete("b@example.com", false, "boom", time.Now())

	stats := r.Statistics()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 1, stats.Error)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.0001)
}

// TestRegistry_ConcurrentIncrements stresses a single account's counters
// under concurrent writers at increasing scale, verifying the single-mutex
// design never loses an increment.
func TestRegistry_ConcurrentIncrements(t *testing.T) {
	for _, k := range []int{10, 100, 5000} {
		k := k
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			r := New(10)
			r.Start("run-1", "a@example.com", time.Now())

			var wg sync.WaitGroup
			wg.Add(k)
			for i := 0; i < k; i++ {
				go func() {
					defer wg.Done()
					r.IncrementCategorized("a@example.com", 1)
				}()
			}
			wg.Wait()

			s := r.GetCurrent("a@example.com")
			require.NotNil(t, s)
			assert.Equal(t, k, s.Counters.EmailsCategorized)
		})
	}
}

func TestRegistry_ActiveAccounts(t *testing.T) {
	r := New(10)
	r.Start("run-1", "a@example.com", time.Now())
	r.Start("run-2", "b@example.com", time.Now())

	accounts := r.ActiveAccounts()
	assert.ElementsMatch(t, []string{"a@example.com", "b@example.com"}, accounts)
}
