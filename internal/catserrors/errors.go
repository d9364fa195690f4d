// Package catserrors defines the error taxonomy shared by the account
// pipeline, rate gate, and audit store, following the reference backend's
// convention of wrapping sentinel errors with github.com/pkg/errors rather
// than encoding error kind as a string.
package catserrors

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Sentinel errors. Wrap with errors.Wrap/Wrapf to attach context; unwrap
// with errors.Is or errors.Cause.
var (
	// ErrAuth indicates invalid or rejected credentials at Connect.
	ErrAuth = stderrors.New("catemails: authentication failed")
	// ErrNetwork indicates a transient failure reaching the mail provider.
	ErrNetwork = stderrors.New("catemails: network error")
	// ErrBusy indicates a lease is already held for the account.
	ErrBusy = stderrors.New("catemails: pipeline already running for account")
	// ErrTooSoon indicates a manual trigger arrived before minInterval
	// elapsed since the last manual trigger for the account.
	ErrTooSoon = stderrors.New("catemails: manual trigger rate limited")
	// ErrInvalidState indicates an operation was attempted on a
	// terminal or unknown run.
	ErrInvalidState = stderrors.New("catemails: invalid run state transition")
	// ErrClassifier indicates the classifier is unavailable; callers
	// fall back to category Other and continue the run.
	ErrClassifier = stderrors.New("catemails: classifier unavailable")
	// ErrStorage indicates an audit-store write failed; the run aborts.
	ErrStorage = stderrors.New("catemails: audit store failure")
	// ErrCancelled indicates the pipeline's context was cancelled.
	ErrCancelled = stderrors.New("catemails: cancelled")
	// ErrUnknownAccount indicates the referenced account does not exist.
	ErrUnknownAccount = stderrors.New("catemails: unknown account")
	// ErrAccountExists indicates an account with that address is already
	// registered.
	ErrAccountExists = stderrors.New("catemails: account already exists")
	// ErrOAuthState indicates an oauth_state token failed verification or
	// was already consumed/expired.
	ErrOAuthState = stderrors.New("catemails: invalid or expired oauth state")
)

// Is reports whether err (or anything it wraps) is target, delegating to
// errors.Is so pkg/errors-wrapped sentinels unwrap correctly.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// TooSoon carries the remaining cooldown for an ErrTooSoon response.
type TooSoon struct {
	SecondsRemaining int
}

func (t *TooSoon) Error() string {
	return ErrTooSoon.Error()
}

func (t *TooSoon) Unwrap() error {
	return ErrTooSoon
}

// NewTooSoon wraps ErrTooSoon with the seconds remaining before the next
// manual trigger is accepted.
func NewTooSoon(secondsRemaining int) error {
	return &TooSoon{SecondsRemaining: secondsRemaining}
}
