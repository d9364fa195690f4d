// Package mailstore selects the concrete MailStore adapter — Gmail OAuth
// or generic IMAP app-password — for an account based on its credential
// variant (spec.md §9 "Credential polymorphism").
package mailstore

import (
	"context"
	"time"

	"github.com/catemails/engine/internal/mailstore/gmailstore"
	"github.com/catemails/engine/internal/mailstore/imapstore"
	"github.com/catemails/engine/internal/models"
)

// Session is the narrow interface both adapters satisfy; it mirrors
// pipeline.MailStore structurally so either adapter can be passed directly
// to pipeline.New's mailStoreFor callback without this package importing
// pipeline.
type Session interface {
	Connect(ctx context.Context, cred models.Credential) error
	FetchSince(ctx context.Context, since time.Time) ([]models.Envelope, error)
	Label(ctx context.Context, msgID, label string) error
	Delete(ctx context.Context, msgID string) error
	Archive(ctx context.Context, msgID string) error
	Close() error
}

// Selector builds the right Session for an account's credential kind.
type Selector struct {
	gmail *gmailstore.Factory
	imap  *imapstore.Factory
}

// NewSelector returns a Selector backed by the given per-provider
// factories. Either factory may be nil if that credential kind is unused.
func NewSelector(gmail *gmailstore.Factory, imap *imapstore.Factory) *Selector {
	return &Selector{gmail: gmail, imap: imap}
}

// For returns a fresh, unconnected Session appropriate for cred.Kind.
func (s *Selector) For(cred models.Credential) Session {
	switch cred.Kind {
	case models.CredentialOAuth:
		return s.gmail.New()
	default:
		return s.imap.New()
	}
}
