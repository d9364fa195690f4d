package pipelinetest

import (
	"context"
	"sync"

	"github.com/catemails/engine/internal/audit"
	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/models"
)

// FakeAuditStore is an in-memory stand-in for *audit.Store, sufficient for
// exercising the pipeline's audit interactions without Postgres.
type FakeAuditStore struct {
	mu sync.Mutex

	runs      map[string]*models.ProcessingRun
	processed map[string]map[string]bool
	nextID    int

	Aggregates []models.AggregateDeltas

	// StartRunErr, while set, is returned by every StartRun call.
	StartRunErr error
}

func NewFakeAuditStore() *FakeAuditStore {
	return &FakeAuditStore{
		runs:      make(map[string]*models.ProcessingRun),
		processed: make(map[string]map[string]bool),
	}
}

func (f *FakeAuditStore) StartRun(ctx context.Context, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartRunErr != nil {
		return "", f.StartRunErr
	}
	f.nextID++
	runID := account + "-run-" + itoa(f.nextID)
	f.runs[runID] = &models.ProcessingRun{
		RunID:          runID,
		AccountAddress: account,
		State:          models.StateConnecting,
	}
	return runID, nil
}

func (f *FakeAuditStore) UpdateCounters(ctx context.Context, runID string, d audit.CounterDeltas) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return catserrors.ErrInvalidState
	}
	r.Counters.EmailsFound += d.Found
	r.Counters.EmailsProcessed += d.Processed
	r.Counters.EmailsCategorized += d.Categorized
	r.Counters.EmailsSkipped += d.Skipped
	r.Counters.EmailsDeleted += d.Deleted
	r.Counters.EmailsArchived += d.Archived
	r.Counters.EmailsErrored += d.Errored
	if d.CurrentStep != "" {
		r.CurrentStep = d.CurrentStep
	}
	if d.State != "" {
		r.State = d.State
	}
	return nil
}

func (f *FakeAuditStore) CompleteRun(ctx context.Context, runID string, final models.Counters, success bool, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return catserrors.ErrInvalidState
	}
	r.Counters = final
	r.ErrorMessage = errMsg
	if success {
		r.State = models.StateCompleted
	} else {
		r.State = models.StateError
	}
	return nil
}

func (f *FakeAuditStore) UpsertAggregates(ctx context.Context, account string, deltas models.AggregateDeltas) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Aggregates = append(f.Aggregates, deltas)
	return nil
}

func (f *FakeAuditStore) MarkProcessed(ctx context.Context, account, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processed[account] == nil {
		f.processed[account] = make(map[string]bool)
	}
	f.processed[account][msgID] = true
	return nil
}

func (f *FakeAuditStore) FilterUnprocessed(ctx context.Context, account string, msgIDs []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := f.processed[account]
	out := make([]string, 0, len(msgIDs))
	for _, id := range msgIDs {
		if seen == nil || !seen[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// Run returns the current state of runID, for test assertions.
func (f *FakeAuditStore) Run(runID string) *models.ProcessingRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[runID]
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
