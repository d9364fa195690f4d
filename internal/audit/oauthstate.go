package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/models"
	"github.com/catemails/engine/internal/oauthstate"
)

// SaveOAuthState records a signed state token against the account address it
// binds, so ConsumeOAuthState can look the address up once the provider
// redirects back with an authorization code.
func (s *Store) SaveOAuthState(ctx context.Context, token, account string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_state (token, account_address, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (token) DO NOTHING`,
		token, models.CanonicalAddress(account))
	if err != nil {
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	return nil
}

// ConsumeOAuthState deletes and returns the account address bound to token.
// A row older than oauthstate.DefaultTTL is treated as expired even though
// the token's own signature already carries an expiry, since an abandoned
// handshake should never hold the row open indefinitely.
func (s *Store) ConsumeOAuthState(ctx context.Context, token string) (string, error) {
	var account string
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM oauth_state WHERE token = $1
		RETURNING account_address, created_at`, token).Scan(&account, &createdAt)
	if err == sql.ErrNoRows {
		return "", catserrors.ErrOAuthState
	}
	if err != nil {
		return "", errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	if time.Since(createdAt) > oauthstate.DefaultTTL {
		return "", catserrors.ErrOAuthState
	}
	return account, nil
}

// UpsertOAuthCredential links refreshToken to account, creating the account
// (active) if it doesn't exist yet, or replacing its OAuth credential arm if
// it does, clearing any stale access-token cache so the next Connect
// refreshes from scratch.
func (s *Store) UpsertOAuthCredential(ctx context.Context, account, refreshToken string) error {
	addr := models.CanonicalAddress(account)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_accounts
			(address, active, credential_kind, oauth_refresh_token, oauth_access_token, oauth_access_expiry, created_at, updated_at)
		VALUES ($1, TRUE, $2, $3, NULL, NULL, now(), now())
		ON CONFLICT (address) DO UPDATE SET
			credential_kind = EXCLUDED.credential_kind,
			oauth_refresh_token = EXCLUDED.oauth_refresh_token,
			oauth_access_token = NULL,
			oauth_access_expiry = NULL,
			active = TRUE,
			updated_at = now()`,
		addr, string(models.CredentialOAuth), refreshToken)
	if err != nil {
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	return nil
}
