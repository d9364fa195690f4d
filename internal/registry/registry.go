// Package registry implements the Status Registry (spec.md §4.B): the live
// in-memory mirror of the currently running account pipelines plus a
// bounded ring of recently completed runs, guarded by a single mutex.
package registry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/catemails/engine/internal/models"
)

// DefaultRingSize is the default bound on RecentRuns history.
const DefaultRingSize = 50

var activeRunsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "catemails_registry_active_runs",
	Help: "Number of account pipelines currently tracked as running",
})

// Registry tracks the live AccountStatus for every account currently
// processing, plus a bounded ring of the most recently completed runs.
// All access goes through a single mutex: contention is acceptable because
// every critical section is O(1) (spec.md §5).
type Registry struct {
	mu       sync.Mutex
	active   map[string]*models.AccountStatus
	ring     []*models.AccountStatus
	ringSize int
	ringPos  int
}

// New returns an empty Registry with the given ring size, or
// DefaultRingSize if size <= 0.
func New(size int) *Registry {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Registry{
		active:   make(map[string]*models.AccountStatus),
		ring:     make([]*models.AccountStatus, 0, size),
		ringSize: size,
	}
}

// Start records a new run as active for account, replacing any prior
// active entry for the same account.
func (r *Registry) Start(runID, account string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active[account] = &models.AccountStatus{
		RunID:          runID,
		AccountAddress: account,
		StartTime:      at,
		State:          models.StateConnecting,
		LastUpdated:    at,
	}
	activeRunsGauge.Set(float64(len(r.active)))
}

// Update applies a mutating function to the active status for account, if
// one exists. The callback runs under the registry's lock and must not
// block or call back into the Registry.
func (r *Registry) Update(account string, fn func(s *models.AccountStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[account]
	if !ok {
		return
	}
	fn(s)
	s.LastUpdated = time.Now()
}

// SetState transitions the active run's state and current step.
func (r *Registry) SetState(account string, state models.RunState, step string) {
	r.Update(account, func(s *models.AccountStatus) {
		s.State = state
		s.CurrentStep = step
	})
}

// SetProgress updates the {current,total} progress pair for the active run.
func (r *Registry) SetProgress(account string, current, total int) {
	r.Update(account, func(s *models.AccountStatus) {
		s.Progress = models.Progress{Current: current, Total: total}
	})
}

// IncrementCategorized adds delta to the active run's categorized counter.
// A zero or negative delta is a no-op (spec.md §4.B).
func (r *Registry) IncrementCategorized(account string, delta int) {
	if delta <= 0 {
		return
	}
	r.Update(account, func(s *models.AccountStatus) { s.Counters.EmailsCategorized += delta })
}

// IncrementSkipped adds delta to the active run's skipped counter. A zero
// or negative delta is a no-op (spec.md §4.B).
func (r *Registry) IncrementSkipped(account string, delta int) {
	if delta <= 0 {
		return
	}
	r.Update(account, func(s *models.AccountStatus) { s.Counters.EmailsSkipped += delta })
}

// IncrementDeleted adds delta to the active run's deleted counter. A zero
// or negative delta is a no-op (spec.md §4.B).
func (r *Registry) IncrementDeleted(account string, delta int) {
	if delta <= 0 {
		return
	}
	r.Update(account, func(s *models.AccountStatus) { s.Counters.EmailsDeleted += delta })
}

// IncrementArchived adds delta to the active run's archived counter. A zero
// or negative delta is a no-op (spec.md §4.B).
func (r *Registry) IncrementArchived(account string, delta int) {
	if delta <= 0 {
		return
	}
	r.Update(account, func(s *models.AccountStatus) { s.Counters.EmailsArchived += delta })
}

// IncrementErrored adds delta to the active run's errored counter. A zero
// or negative delta is a no-op (spec.md §4.B).
func (r *Registry) IncrementErrored(account string, delta int) {
	if delta <= 0 {
		return
	}
	r.Update(account, func(s *models.AccountStatus) { s.Counters.EmailsErrored += delta })
}

// IncrementProcessed adds delta to the active run's processed counter. A
// zero or negative delta is a no-op (spec.md §4.B).
func (r *Registry) IncrementProcessed(account string, delta int) {
	if delta <= 0 {
		return
	}
	r.Update(account, func(s *models.AccountStatus) { s.Counters.EmailsProcessed += delta })
}

// SetFound sets the active run's found counter once fetch completes.
func (r *Registry) SetFound(account string, found int) {
	r.Update(account, func(s *models.AccountStatus) { s.Counters.EmailsFound = found })
}

// Complete marks the account's run finished (successfully or not), moves it
// into the recent-runs ring, and clears it from active.
func (r *Registry) Complete(account string, success bool, errMsg string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[account]
	if !ok {
		return
	}
	s.EndTime = &at
	s.LastUpdated = at
	if success {
		s.State = models.StateCompleted
	} else {
		s.State = models.StateError
		s.ErrorMessage = errMsg
	}

	r.pushRing(s.Clone())
	delete(r.active, account)
	activeRunsGauge.Set(float64(len(r.active)))
}

// pushRing appends to the bounded ring, evicting the oldest entry once full.
// Must be called with mu held.
func (r *Registry) pushRing(s *models.AccountStatus) {
	if len(r.ring) < r.ringSize {
		r.ring = append(r.ring, s)
		return
	}
	r.ring[r.ringPos] = s
	r.ringPos = (r.ringPos + 1) % r.ringSize
}

// GetCurrent returns a snapshot of the active status for account, or nil if
// no run is active.
func (r *Registry) GetCurrent(account string) *models.AccountStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.active[account]
	if !ok {
		return nil
	}
	return s.Clone()
}

// ActiveAccounts returns the addresses of all accounts with a run currently
// active.
func (r *Registry) ActiveAccounts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.active))
	for addr := range r.active {
		out = append(out, addr)
	}
	return out
}

// RecentRuns returns up to limit of the most recently completed runs,
// newest first. limit <= 0 returns all retained runs.
func (r *Registry) RecentRuns(limit int) []*models.AccountStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.ring)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]*models.AccountStatus, 0, limit)
	// Walk backwards from the most-recently-written slot.
	idx := r.ringPos - 1
	if len(r.ring) < r.ringSize {
		idx = len(r.ring) - 1
	}
	for i := 0; i < limit; i++ {
		if idx < 0 {
			idx = len(r.ring) - 1
		}
		out = append(out, r.ring[idx].Clone())
		idx--
	}
	return out
}

// Statistics aggregates over the retained recent-runs ring.
func (r *Registry) Statistics() models.Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats models.Statistics
	var totalDuration time.Duration
	for _, s := range r.ring {
		stats.Total++
		if s.State == models.StateCompleted {
			stats.Success++
		} else if s.State == models.StateError {
			stats.Error++
		}
		if s.EndTime != nil {
			totalDuration += s.EndTime.Sub(s.StartTime)
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Success) / float64(stats.Total)
		stats.AvgDurationSec = totalDuration.Seconds() / float64(stats.Total)
	}
	return stats
}
