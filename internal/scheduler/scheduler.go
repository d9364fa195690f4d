// Package scheduler implements the Scheduler (spec.md §4.F): a single
// long-lived driver that sweeps active accounts on a fixed interval,
// processing them sequentially, with per-account exponential backoff on
// repeated failure. Built on robfig/cron/v3's `@every` schedule rather
// than a hand-rolled ticker loop, following the rest of the retrieved
// pack's scheduling idiom.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/gate"
	"github.com/catemails/engine/internal/models"
)

const (
	backoffCap = 30 * time.Minute
)

// AccountSource supplies the set of active accounts to sweep.
type AccountSource interface {
	ActiveAccounts(ctx context.Context) ([]models.Account, error)
}

// Runner executes one pipeline invocation for account, returning its
// terminal error (nil on success).
type Runner interface {
	Run(ctx context.Context, account models.Account) (runID string, err error)
}

// Scheduler drives periodic sweeps over active accounts.
type Scheduler struct {
	cron         *cron.Cron
	entryID      cron.EntryID
	interval     time.Duration
	accounts     AccountSource
	runner       Runner
	gate         *gate.Gate
	log          *zap.Logger

	mu        sync.Mutex
	running   bool
	backoff   map[string]time.Duration
	nextEligible map[string]time.Time

	stopCh chan struct{}
}

// New returns a Scheduler that sweeps every interval.
func New(interval time.Duration, accounts AccountSource, runner Runner, g *gate.Gate, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		interval:     interval,
		accounts:     accounts,
		runner:       runner,
		gate:         g,
		log:          log,
		backoff:      make(map[string]time.Duration),
		nextEligible: make(map[string]time.Time),
	}
}

// Start launches the scheduler's cron entry. Sweeps run on goroutines the
// cron library starts, not on the caller's goroutine; a tick that arrives
// while the previous sweep is still running is skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := fmt.Sprintf("@every %s", s.interval.String())
	id, err := s.cron.AddFunc(spec, s.sweep)
	if err != nil {
		return fmt.Errorf("scheduler: invalid interval %s: %w", s.interval, err)
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

// sweep processes every active account sequentially (spec.md §4.F: "no
// concurrent accounts across the scheduler").
func (s *Scheduler) sweep() {
	ctx := context.Background()
	accounts, err := s.accounts.ActiveAccounts(ctx)
	if err != nil {
		s.log.Error("scheduler: failed to list active accounts", zap.Error(err))
		return
	}

	for _, account := range accounts {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if !s.eligible(account.Address) {
			continue
		}

		lease, err := s.gate.Acquire(account.Address, models.SourceSchedule)
		if err != nil {
			if !catserrors.Is(err, catserrors.ErrBusy) {
				s.log.Warn("scheduler: unexpected lease error", zap.String("account", account.Address), zap.Error(err))
			}
			continue
		}

		_, runErr := s.runner.Run(ctx, account)
		s.gate.Release(lease)
		s.recordOutcome(account.Address, runErr == nil)
	}
}

// eligible reports whether account's backoff window has elapsed.
func (s *Scheduler) eligible(account string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.nextEligible[account]
	if !ok {
		return true
	}
	return !time.Now().Before(next)
}

// recordOutcome doubles the account's backoff on failure (capped at
// backoffCap) and resets it on success.
func (s *Scheduler) recordOutcome(account string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if success {
		delete(s.backoff, account)
		delete(s.nextEligible, account)
		return
	}

	cur := s.backoff[account]
	if cur == 0 {
		cur = s.interval
	} else {
		cur *= 2
	}
	if cur > backoffCap {
		cur = backoffCap
	}
	s.backoff[account] = cur
	s.nextEligible[account] = time.Now().Add(cur)
}

// Stop gracefully stops the scheduler: the current account (if any)
// finishes before this returns. Safe to call if not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
}

// Running reports whether the scheduler is currently active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextExecutionAt returns the next time the cron entry is scheduled to
// fire, or the zero time if not running.
func (s *Scheduler) NextExecutionAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil || !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}
