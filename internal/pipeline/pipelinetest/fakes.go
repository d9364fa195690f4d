// Package pipelinetest provides in-memory test doubles for the Pipeline's
// external collaborators (MailStore, Classifier, Policy), used by
// pipeline_test.go and callers exercising the pipeline end-to-end without a
// real mailbox, classifier service, or database.
package pipelinetest

import (
	"context"
	"sync"
	"time"

	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/models"
)

// FakeMailStore is a scripted MailStore: Connect either succeeds or
// returns a canned error; FetchSince returns FetchErr, or else the
// configured envelopes on every call. Label/Delete/Archive record calls for
// assertions.
type FakeMailStore struct {
	mu sync.Mutex

	ConnectErr error
	Envelopes  []models.Envelope
	FetchErr   error

	Labeled  []string
	Deleted  []string
	Archived []string
	Closed   bool
}

func (f *FakeMailStore) Connect(ctx context.Context, cred models.Credential) error {
	return f.ConnectErr
}

func (f *FakeMailStore) FetchSince(ctx context.Context, since time.Time) ([]models.Envelope, error) {
	if f.FetchErr != nil {
		return nil, f.FetchErr
	}
	return f.Envelopes, nil
}

func (f *FakeMailStore) Label(ctx context.Context, msgID, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Labeled = append(f.Labeled, msgID+":"+label)
	return nil
}

func (f *FakeMailStore) Delete(ctx context.Context, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, msgID)
	return nil
}

func (f *FakeMailStore) Archive(ctx context.Context, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Archived = append(f.Archived, msgID)
	return nil
}

func (f *FakeMailStore) Close() error {
	f.Closed = true
	return nil
}

// FakeClassifier returns a scripted category for every call, or fails
// FailCount times before succeeding (or always, if FailCount < 0).
type FakeClassifier struct {
	mu sync.Mutex

	Category string
	Err      error
	FailCount int // -1 means always fail
	calls     int
}

func (f *FakeClassifier) Classify(ctx context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.FailCount < 0 || f.calls <= f.FailCount {
		if f.Err != nil {
			return "", f.Err
		}
		return "", catserrors.ErrClassifier
	}
	return f.Category, nil
}

// Calls returns how many times Classify was invoked.
func (f *FakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakePolicy returns static allow/block/blocked-category sets.
type FakePolicy struct {
	AllowedSet     map[string]bool
	BlockedSet     map[string]bool
	BlockedCatsSet map[string]models.Action
}

func (f *FakePolicy) Allowed(ctx context.Context) (map[string]bool, error) {
	return f.AllowedSet, nil
}

func (f *FakePolicy) Blocked(ctx context.Context) (map[string]bool, error) {
	return f.BlockedSet, nil
}

func (f *FakePolicy) BlockedCategories(ctx context.Context) (map[string]models.Action, error) {
	return f.BlockedCatsSet, nil
}
