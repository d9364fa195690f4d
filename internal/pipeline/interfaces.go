package pipeline

import (
	"context"
	"time"

	"github.com/catemails/engine/internal/audit"
	"github.com/catemails/engine/internal/models"
	"github.com/catemails/engine/internal/publisher"
)

// MailStore is the narrow external collaborator the Pipeline depends on to
// reach a mailbox (spec.md §6.4). Concrete adapters live under
// internal/mailstore.
type MailStore interface {
	// Connect authenticates against cred and returns a session-scoped
	// handle usable for the remainder of this invocation.
	Connect(ctx context.Context, cred models.Credential) error
	// FetchSince returns envelopes whose internal date is >= since.
	FetchSince(ctx context.Context, since time.Time) ([]models.Envelope, error)
	// Label applies a label (creating it lazily) to msgID.
	Label(ctx context.Context, msgID, label string) error
	// Delete permanently removes msgID.
	Delete(ctx context.Context, msgID string) error
	// Archive removes msgID from the inbox without deleting it.
	Archive(ctx context.Context, msgID string) error
	// Close releases the session. Must be safe to call more than once.
	Close() error
}

// Classifier assigns a category to a message's cleaned text. May be slow;
// the pipeline bounds it with retries and a timeout (spec.md §6.4).
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

// Policy supplies the allow-list, block-list, and blocked-category set
// consulted once per run (spec.md §6.4).
type Policy interface {
	Allowed(ctx context.Context) (map[string]bool, error)
	Blocked(ctx context.Context) (map[string]bool, error)
	BlockedCategories(ctx context.Context) (map[string]models.Action, error)
}

// AuditStore is the subset of *audit.Store the pipeline needs.
type AuditStore interface {
	StartRun(ctx context.Context, account string) (string, error)
	UpdateCounters(ctx context.Context, runID string, deltas audit.CounterDeltas) error
	CompleteRun(ctx context.Context, runID string, final models.Counters, success bool, errMsg string) error
	UpsertAggregates(ctx context.Context, account string, deltas models.AggregateDeltas) error
	MarkProcessed(ctx context.Context, account, msgID string) error
	FilterUnprocessed(ctx context.Context, account string, msgIDs []string) ([]string, error)
}

// CounterDeltas is an alias for audit.CounterDeltas, kept local so pipeline
// call sites don't need to import audit directly.
type CounterDeltas = audit.CounterDeltas

// StatusSink is the subset of internal/registry.Registry the pipeline
// mutates as it progresses.
type StatusSink interface {
	Start(runID, account string, at time.Time)
	SetState(account string, state models.RunState, step string)
	SetProgress(account string, current, total int)
	SetFound(account string, found int)
	IncrementProcessed(account string, delta int)
	IncrementCategorized(account string, delta int)
	IncrementSkipped(account string, delta int)
	IncrementDeleted(account string, delta int)
	IncrementArchived(account string, delta int)
	IncrementErrored(account string, delta int)
	Complete(account string, success bool, errMsg string, at time.Time)
}

// EventPublisher is the subset of *publisher.Publisher the pipeline
// notifies on every state change.
type EventPublisher interface {
	Publish(ev publisher.Event)
}
