package audit

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/models"
)

// RegisterAccount inserts a new email_accounts row. Returns
// catserrors.ErrAccountExists if the address is already registered.
func (s *Store) RegisterAccount(ctx context.Context, account models.Account) error {
	addr := models.CanonicalAddress(account.Address)

	var imapUser, imapPass, oauthRefresh, oauthAccess sql.NullString
	var oauthExpiry sql.NullTime
	switch account.Credential.Kind {
	case models.CredentialIMAPPassword:
		imapUser = sql.NullString{String: account.Credential.IMAPUsername, Valid: true}
		imapPass = sql.NullString{String: account.Credential.IMAPAppPassword, Valid: true}
	case models.CredentialOAuth:
		oauthRefresh = sql.NullString{String: account.Credential.OAuthRefreshToken, Valid: true}
		if account.Credential.AccessTokenCache != nil {
			oauthAccess = sql.NullString{String: account.Credential.AccessTokenCache.AccessToken, Valid: true}
			oauthExpiry = sql.NullTime{Time: account.Credential.AccessTokenCache.Expiry, Valid: true}
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_accounts
			(address, active, credential_kind, imap_username, imap_app_password,
			 oauth_refresh_token, oauth_access_token, oauth_access_expiry, created_at, updated_at)
		VALUES ($1, TRUE, $2, $3, $4, $5, $6, $7, now(), now())`,
		addr, string(account.Credential.Kind), imapUser, imapPass, oauthRefresh, oauthAccess, oauthExpiry)
	if err != nil {
		if isUniqueViolation(err) {
			return catserrors.ErrAccountExists
		}
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	return nil
}

// GetAccount returns the account at addr, or catserrors.ErrUnknownAccount.
func (s *Store) GetAccount(ctx context.Context, addr string) (models.Account, error) {
	addr = models.CanonicalAddress(addr)
	row := s.db.QueryRowContext(ctx, `
		SELECT address, active, last_scan_at, credential_kind, imap_username, imap_app_password,
			oauth_refresh_token, oauth_access_token, oauth_access_expiry, created_at, updated_at
		FROM email_accounts WHERE address = $1`, addr)
	return scanAccount(row)
}

// ListAccounts returns every registered account.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, active, last_scan_at, credential_kind, imap_username, imap_app_password,
			oauth_refresh_token, oauth_access_token, oauth_access_expiry, created_at, updated_at
		FROM email_accounts ORDER BY address`)
	if err != nil {
		return nil, errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ActiveAccounts returns every account with active=true, satisfying
// scheduler.AccountSource.
func (s *Store) ActiveAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, active, last_scan_at, credential_kind, imap_username, imap_app_password,
			oauth_refresh_token, oauth_access_token, oauth_access_expiry, created_at, updated_at
		FROM email_accounts WHERE active = TRUE ORDER BY address`)
	if err != nil {
		return nil, errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// DeactivateAccount flips active to false without deleting history.
func (s *Store) DeactivateAccount(ctx context.Context, addr string) error {
	addr = models.CanonicalAddress(addr)
	res, err := s.db.ExecContext(ctx, `UPDATE email_accounts SET active = FALSE, updated_at = now() WHERE address = $1`, addr)
	if err != nil {
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	if n == 0 {
		return catserrors.ErrUnknownAccount
	}
	return nil
}

// DeleteAccount cascades: removes the account and every dependent record.
func (s *Store) DeleteAccount(ctx context.Context, addr string) error {
	addr = models.CanonicalAddress(addr)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM dedup_ledger WHERE account_address = $1`,
		`DELETE FROM category_aggregates WHERE account_address = $1`,
		`DELETE FROM sender_aggregates WHERE account_address = $1`,
		`DELETE FROM domain_aggregates WHERE account_address = $1`,
		`DELETE FROM run_timeline WHERE run_id IN (SELECT run_id FROM processing_runs WHERE account_address = $1)`,
		`DELETE FROM processing_runs WHERE account_address = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, addr); err != nil {
			return errors.Wrap(catserrors.ErrStorage, err.Error())
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM email_accounts WHERE address = $1`, addr)
	if err != nil {
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	if n == 0 {
		return catserrors.ErrUnknownAccount
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	return nil
}

// TouchLastScan updates last_scan_at to now for addr.
func (s *Store) TouchLastScan(ctx context.Context, addr string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE email_accounts SET last_scan_at = now(), updated_at = now() WHERE address = $1`,
		models.CanonicalAddress(addr))
	if err != nil {
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (models.Account, error) {
	var a models.Account
	var lastScan sql.NullTime
	var kind string
	var imapUser, imapPass, oauthRefresh, oauthAccess sql.NullString
	var oauthExpiry sql.NullTime

	err := row.Scan(&a.Address, &a.Active, &lastScan, &kind, &imapUser, &imapPass,
		&oauthRefresh, &oauthAccess, &oauthExpiry, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.Account{}, catserrors.ErrUnknownAccount
	}
	if err != nil {
		return models.Account{}, errors.Wrap(catserrors.ErrStorage, err.Error())
	}

	if lastScan.Valid {
		a.LastScanAt = lastScan.Time
	}
	a.Credential.Kind = models.CredentialKind(kind)
	a.Credential.IMAPUsername = imapUser.String
	a.Credential.IMAPAppPassword = imapPass.String
	a.Credential.OAuthRefreshToken = oauthRefresh.String
	if oauthAccess.Valid {
		a.Credential.AccessTokenCache = &models.CachedToken{
			AccessToken: oauthAccess.String,
		}
		if oauthExpiry.Valid {
			a.Credential.AccessTokenCache.Expiry = oauthExpiry.Time
		}
	}
	return a, nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the error RegisterAccount maps to ErrAccountExists.
func isUniqueViolation(err error) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	return ok && pqErr.Code == "23505"
}
