// Package gate implements the Rate Gate & Single-Flight Map (spec.md §4.D):
// it ensures at most one pipeline run is in flight per account, and that
// manually-triggered runs honor the configured minimum interval.
package gate

import (
	"sync"
	"time"

	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/models"
)

// Lease represents a held slot for an account; Release must be called
// exactly once to free it.
type Lease struct {
	account string
	source  models.LeaseSource
	gate    *Gate
}

// Account is the address the lease was acquired for.
func (l *Lease) Account() string { return l.account }

// Gate guards the in-flight set and the last-manual-trigger timestamps
// behind a single mutex (spec.md §5): both maps are small and every
// critical section is O(1), so contention is not a concern.
type Gate struct {
	mu          sync.Mutex
	inFlight    map[string]bool
	lastManual  map[string]time.Time
	minInterval time.Duration
}

// New returns a Gate enforcing minInterval between manual (API-triggered)
// runs for the same account. minInterval <= 0 disables the rate limit.
func New(minInterval time.Duration) *Gate {
	return &Gate{
		inFlight:    make(map[string]bool),
		lastManual:  make(map[string]time.Time),
		minInterval: minInterval,
	}
}

// Acquire attempts to lease account for a pipeline run from source. It
// returns catserrors.ErrBusy if a run is already in flight, or a
// *catserrors.TooSoon-wrapped error if source is SourceManual and
// minInterval has not yet elapsed since the last manual trigger.
func (g *Gate) Acquire(account string, source models.LeaseSource) (*Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight[account] {
		return nil, catserrors.ErrBusy
	}

	if source == models.SourceManual && g.minInterval > 0 {
		if last, ok := g.lastManual[account]; ok {
			elapsed := time.Since(last)
			if elapsed < g.minInterval {
				remaining := int((g.minInterval - elapsed).Seconds())
				if remaining < 1 {
					remaining = 1
				}
				return nil, catserrors.NewTooSoon(remaining)
			}
		}
		g.lastManual[account] = time.Now()
	}

	g.inFlight[account] = true
	return &Lease{account: account, source: source, gate: g}, nil
}

// Release frees the account's in-flight slot. Safe to call once per Lease;
// a nil lease is a no-op.
func (g *Gate) Release(l *Lease) {
	if l == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, l.account)
}

// InFlight reports whether account currently holds a lease.
func (g *Gate) InFlight(account string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[account]
}
