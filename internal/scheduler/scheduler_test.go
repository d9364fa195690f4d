package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catemails/engine/internal/gate"
	"github.com/catemails/engine/internal/models"
)

type fakeAccountSource struct {
	accounts []models.Account
}

func (f *fakeAccountSource) ActiveAccounts(ctx context.Context) ([]models.Account, error) {
	return f.accounts, nil
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, account models.Account) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, account.Address)
	return "run-1", f.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestScheduler_SweepsAllAccounts(t *testing.T) {
	src := &fakeAccountSource{accounts: []models.Account{
		{Address: "a@example.com"}, {Address: "b@example.com"},
	}}
	runner := &fakeRunner{}
	g := gate.New(0)
	s := New(50*time.Millisecond, src, runner, g, nil)

	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return runner.callCount() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Running())
}

func TestScheduler_StopIsGraceful(t *testing.T) {
	src := &fakeAccountSource{accounts: []models.Account{{Address: "a@example.com"}}}
	runner := &fakeRunner{}
	g := gate.New(0)
	s := New(50*time.Millisecond, src, runner, g, nil)

	require.NoError(t, s.Start())
	require.Eventually(t, func() bool { return runner.callCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
}

func TestScheduler_BackoffSkipsFailingAccount(t *testing.T) {
	src := &fakeAccountSource{accounts: []models.Account{{Address: "a@example.com"}}}
	runner := &fakeRunner{err: assertError{}}
	g := gate.New(0)
	s := New(20*time.Millisecond, src, runner, g, nil)

	require.NoError(t, s.Start())
	defer s.Stop()

	time.Sleep(150 * time.Millisecond)
	calls := runner.callCount()
	// Backoff should prevent every tick from re-running the failing account.
	assert.Less(t, calls, 7)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
