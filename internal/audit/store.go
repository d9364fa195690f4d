// Package audit implements the durable Audit Store (spec.md §4.A): per-run
// records, per-account aggregates, and the dedup ledger, backed by
// Postgres via database/sql and github.com/lib/pq.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/catemails/engine/internal/catserrors"
	"github.com/catemails/engine/internal/models"
)

var (
	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catemails_audit_operation_duration_seconds",
		Help:    "Duration of audit store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	opErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catemails_audit_operation_errors_total",
		Help: "Total number of audit store operation errors",
	}, []string{"operation"})
)

// Filter narrows ListRuns (spec.md §4.A).
type Filter struct {
	Account string
	Since   time.Time
	State   models.RunState
	Limit   int
}

// ConnectionStatus is returned by GetConnectionStatus.
type ConnectionStatus struct {
	Connected bool
	Message   string
	Error     string
}

// Store is the Postgres-backed Audit Store.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres at dsn, runs idempotent migrations, and
// returns a ready Store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "audit: open database")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "audit: ping database")
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, errors.Wrap(err, "audit: migrate")
	}
	return s, nil
}

// NewWithDB wraps an already-open *sql.DB, for tests using sqlmock or a
// local Postgres instance.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS email_accounts (
			address TEXT PRIMARY KEY,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			last_scan_at TIMESTAMPTZ,
			credential_kind TEXT NOT NULL,
			imap_username TEXT,
			imap_app_password TEXT,
			oauth_refresh_token TEXT,
			oauth_access_token TEXT,
			oauth_access_expiry TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS processing_runs (
			run_id TEXT PRIMARY KEY,
			account_address TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			state TEXT NOT NULL,
			current_step TEXT NOT NULL DEFAULT '',
			emails_found INTEGER NOT NULL DEFAULT 0,
			emails_processed INTEGER NOT NULL DEFAULT 0,
			emails_categorized INTEGER NOT NULL DEFAULT 0,
			emails_skipped INTEGER NOT NULL DEFAULT 0,
			emails_deleted INTEGER NOT NULL DEFAULT 0,
			emails_archived INTEGER NOT NULL DEFAULT 0,
			emails_errored INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_runs_account_start ON processing_runs (account_address, start_time DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_runs_state ON processing_runs (state)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_runs_start ON processing_runs (start_time DESC)`,
		`CREATE TABLE IF NOT EXISTS run_timeline (
			id SERIAL PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES processing_runs(run_id) ON DELETE CASCADE,
			state TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS category_aggregates (
			account_address TEXT NOT NULL,
			day TEXT NOT NULL,
			category TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			archived INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (account_address, day, category)
		)`,
		`CREATE TABLE IF NOT EXISTS sender_aggregates (
			account_address TEXT NOT NULL,
			day TEXT NOT NULL,
			sender TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			archived INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (account_address, day, sender)
		)`,
		`CREATE TABLE IF NOT EXISTS domain_aggregates (
			account_address TEXT NOT NULL,
			day TEXT NOT NULL,
			domain TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			archived INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (account_address, day, domain)
		)`,
		`CREATE TABLE IF NOT EXISTS dedup_ledger (
			account_address TEXT NOT NULL,
			message_id TEXT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (account_address, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS oauth_state (
			token TEXT PRIMARY KEY,
			account_address TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// StartRun inserts a new processing_runs row in state=connecting, the
// pipeline's first step; there is no separate "started" state. The row's
// state column is not changed again until CompleteRun.
func (s *Store) StartRun(ctx context.Context, account string) (string, error) {
	timer := prometheus.NewTimer(opDuration.WithLabelValues("start_run"))
	defer timer.ObserveDuration()

	runID, err := models.GenerateRunID()
	if err != nil {
		opErrors.WithLabelValues("start_run").Inc()
		return "", errors.Wrap(err, "generate run id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		opErrors.WithLabelValues("start_run").Inc()
		return "", errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO processing_runs (run_id, account_address, start_time, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		runID, account, now, models.StateConnecting, now)
	if err != nil {
		opErrors.WithLabelValues("start_run").Inc()
		return "", errors.Wrap(catserrors.ErrStorage, err.Error())
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO run_timeline (run_id, state, at) VALUES ($1, $2, $3)`,
		runID, models.StateConnecting, now); err != nil {
		opErrors.WithLabelValues("start_run").Inc()
		return "", errors.Wrap(catserrors.ErrStorage, err.Error())
	}

	if err := tx.Commit(); err != nil {
		opErrors.WithLabelValues("start_run").Inc()
		return "", errors.Wrap(catserrors.ErrStorage, err.Error())
	}

	return runID, nil
}

// CounterDeltas names the additive fields UpdateCounters may apply; zero
// fields are no-ops, never subtracted.
type CounterDeltas struct {
	Found       int
	Processed   int
	Categorized int
	Skipped     int
	Deleted     int
	Archived    int
	Errored     int
	CurrentStep string
	State       models.RunState // optional: record a timeline transition
}

// UpdateCounters merges additive counter deltas and the current step into
// an in-progress run via a single additive UPDATE, never a read-modify-write
// in application code (spec.md §5).
func (s *Store) UpdateCounters(ctx context.Context, runID string, d CounterDeltas) error {
	timer := prometheus.NewTimer(opDuration.WithLabelValues("update_counters"))
	defer timer.ObserveDuration()

	res, err := s.db.ExecContext(ctx, `
		UPDATE processing_runs SET
			emails_found = emails_found + $2,
			emails_processed = emails_processed + $3,
			emails_categorized = emails_categorized + $4,
			emails_skipped = emails_skipped + $5,
			emails_deleted = emails_deleted + $6,
			emails_archived = emails_archived + $7,
			emails_errored = emails_errored + $8,
			current_step = CASE WHEN $9 <> '' THEN $9 ELSE current_step END,
			updated_at = now()
		WHERE run_id = $1 AND end_time IS NULL`,
		runID, d.Found, d.Processed, d.Categorized, d.Skipped, d.Deleted, d.Archived, d.Errored, d.CurrentStep)
	if err != nil {
		opErrors.WithLabelValues("update_counters").Inc()
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		opErrors.WithLabelValues("update_counters").Inc()
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	if n == 0 {
		opErrors.WithLabelValues("update_counters").Inc()
		return catserrors.ErrInvalidState
	}

	if d.State != "" {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO run_timeline (run_id, state, at) VALUES ($1, $2, now())`,
			runID, d.State); err != nil {
			opErrors.WithLabelValues("update_counters").Inc()
			return errors.Wrap(catserrors.ErrStorage, err.Error())
		}
	}
	return nil
}

// CompleteRun closes a run exactly once with the final state and counters.
func (s *Store) CompleteRun(ctx context.Context, runID string, final models.Counters, success bool, errMsg string) error {
	timer := prometheus.NewTimer(opDuration.WithLabelValues("complete_run"))
	defer timer.ObserveDuration()

	state := models.StateCompleted
	if !success {
		state = models.StateError
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		opErrors.WithLabelValues("complete_run").Inc()
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE processing_runs SET
			end_time = $2,
			state = $3,
			emails_found = $4,
			emails_processed = $5,
			emails_categorized = $6,
			emails_skipped = $7,
			emails_deleted = $8,
			emails_archived = $9,
			emails_errored = $10,
			error_message = $11,
			updated_at = $2
		WHERE run_id = $1 AND end_time IS NULL`,
		runID, now, state,
		final.EmailsFound, final.EmailsProcessed, final.EmailsCategorized, final.EmailsSkipped,
		final.EmailsDeleted, final.EmailsArchived, final.EmailsErrored, errMsg)
	if err != nil {
		opErrors.WithLabelValues("complete_run").Inc()
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	n, err := res.RowsAffected()
	if err != nil {
		opErrors.WithLabelValues("complete_run").Inc()
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	if n == 0 {
		opErrors.WithLabelValues("complete_run").Inc()
		return catserrors.ErrInvalidState
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO run_timeline (run_id, state, at) VALUES ($1, $2, $3)`,
		runID, state, now); err != nil {
		opErrors.WithLabelValues("complete_run").Inc()
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}

	if err := tx.Commit(); err != nil {
		opErrors.WithLabelValues("complete_run").Inc()
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	return nil
}

// ListRuns returns runs matching filter, most recent first, capped at 100.
func (s *Store) ListRuns(ctx context.Context, f Filter) ([]models.ProcessingRun, error) {
	timer := prometheus.NewTimer(opDuration.WithLabelValues("list_runs"))
	defer timer.ObserveDuration()

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `SELECT run_id, account_address, start_time, end_time, state, current_step,
			emails_found, emails_processed, emails_categorized, emails_skipped,
			emails_deleted, emails_archived, emails_errored, error_message, created_at, updated_at
		FROM processing_runs WHERE 1=1`
	args := []interface{}{}
	argN := 1
	if f.Account != "" {
		query += fmt.Sprintf(" AND account_address = $%d", argN)
		args = append(args, f.Account)
		argN++
	}
	if !f.Since.IsZero() {
		query += fmt.Sprintf(" AND start_time >= $%d", argN)
		args = append(args, f.Since)
		argN++
	}
	if f.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argN)
		args = append(args, string(f.State))
		argN++
	}
	query += fmt.Sprintf(" ORDER BY start_time DESC LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		opErrors.WithLabelValues("list_runs").Inc()
		return nil, errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	defer rows.Close()

	var runs []models.ProcessingRun
	for rows.Next() {
		var r models.ProcessingRun
		var endTime sql.NullTime
		var state, errMsg string
		if err := rows.Scan(&r.RunID, &r.AccountAddress, &r.StartTime, &endTime, &state, &r.CurrentStep,
			&r.Counters.EmailsFound, &r.Counters.EmailsProcessed, &r.Counters.EmailsCategorized,
			&r.Counters.EmailsSkipped, &r.Counters.EmailsDeleted, &r.Counters.EmailsArchived,
			&r.Counters.EmailsErrored, &errMsg, &r.CreatedAt, &r.UpdatedAt); err != nil {
			opErrors.WithLabelValues("list_runs").Inc()
			return nil, errors.Wrap(catserrors.ErrStorage, err.Error())
		}
		r.State = models.RunState(state)
		r.ErrorMessage = errMsg
		if endTime.Valid {
			t := endTime.Time
			r.EndTime = &t
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		opErrors.WithLabelValues("list_runs").Inc()
		return nil, errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	return runs, nil
}

// UpsertAggregates idempotently applies per-(account,day,key) additive
// deltas to the category/sender/domain aggregate tables.
func (s *Store) UpsertAggregates(ctx context.Context, account string, deltas models.AggregateDeltas) error {
	timer := prometheus.NewTimer(opDuration.WithLabelValues("upsert_aggregates"))
	defer timer.ObserveDuration()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		opErrors.WithLabelValues("upsert_aggregates").Inc()
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	defer tx.Rollback()

	for category, c := range deltas.Category {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO category_aggregates (account_address, day, category, count, deleted, archived)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account_address, day, category) DO UPDATE SET
				count = category_aggregates.count + $4,
				deleted = category_aggregates.deleted + $5,
				archived = category_aggregates.archived + $6`,
			account, deltas.Day, category, c.EmailsCategorized, c.EmailsDeleted, c.EmailsArchived); err != nil {
			opErrors.WithLabelValues("upsert_aggregates").Inc()
			return errors.Wrap(catserrors.ErrStorage, err.Error())
		}
	}
	for sender, c := range deltas.Sender {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sender_aggregates (account_address, day, sender, count, deleted, archived)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account_address, day, sender) DO UPDATE SET
				count = sender_aggregates.count + $4,
				deleted = sender_aggregates.deleted + $5,
				archived = sender_aggregates.archived + $6`,
			account, deltas.Day, sender, c.EmailsCategorized, c.EmailsDeleted, c.EmailsArchived); err != nil {
			opErrors.WithLabelValues("upsert_aggregates").Inc()
			return errors.Wrap(catserrors.ErrStorage, err.Error())
		}
	}
	for domain, c := range deltas.Domain {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO domain_aggregates (account_address, day, domain, count, deleted, archived)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account_address, day, domain) DO UPDATE SET
				count = domain_aggregates.count + $4,
				deleted = domain_aggregates.deleted + $5,
				archived = domain_aggregates.archived + $6`,
			account, deltas.Day, domain, c.EmailsCategorized, c.EmailsDeleted, c.EmailsArchived); err != nil {
			opErrors.WithLabelValues("upsert_aggregates").Inc()
			return errors.Wrap(catserrors.ErrStorage, err.Error())
		}
	}

	if err := tx.Commit(); err != nil {
		opErrors.WithLabelValues("upsert_aggregates").Inc()
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	return nil
}

// TopCategories returns the top categories by count for an account across
// all recorded days, used by GET /api/accounts/{addr}/categories/top.
func (s *Store) TopCategories(ctx context.Context, account string, limit int) (map[string]int, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, SUM(count) AS total FROM category_aggregates
		WHERE account_address = $1
		GROUP BY category
		ORDER BY total DESC
		LIMIT $2`, account, limit)
	if err != nil {
		return nil, errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var category string
		var total int
		if err := rows.Scan(&category, &total); err != nil {
			return nil, errors.Wrap(catserrors.ErrStorage, err.Error())
		}
		out[category] = total
	}
	return out, rows.Err()
}

// MarkProcessed records that account has processed msgId, for future
// FilterUnprocessed calls.
func (s *Store) MarkProcessed(ctx context.Context, account, msgID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dedup_ledger (account_address, message_id) VALUES ($1, $2)
		ON CONFLICT (account_address, message_id) DO NOTHING`, account, msgID)
	if err != nil {
		opErrors.WithLabelValues("mark_processed").Inc()
		return errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	return nil
}

// FilterUnprocessed reduces msgIDs to the subset not yet in the dedup
// ledger for account.
func (s *Store) FilterUnprocessed(ctx context.Context, account string, msgIDs []string) ([]string, error) {
	if len(msgIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id FROM dedup_ledger WHERE account_address = $1 AND message_id = ANY($2)`,
		account, pq.Array(msgIDs))
	if err != nil {
		opErrors.WithLabelValues("filter_unprocessed").Inc()
		return nil, errors.Wrap(catserrors.ErrStorage, err.Error())
	}
	defer rows.Close()

	seen := make(map[string]bool, len(msgIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(catserrors.ErrStorage, err.Error())
		}
		seen[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(catserrors.ErrStorage, err.Error())
	}

	unprocessed := make([]string, 0, len(msgIDs))
	for _, id := range msgIDs {
		if !seen[id] {
			unprocessed = append(unprocessed, id)
		}
	}
	return unprocessed, nil
}

// GetConnectionStatus reports whether the underlying database connection is
// healthy, for GET /api/health.
func (s *Store) GetConnectionStatus(ctx context.Context) ConnectionStatus {
	if err := s.db.PingContext(ctx); err != nil {
		return ConnectionStatus{Connected: false, Message: "unreachable", Error: err.Error()}
	}
	return ConnectionStatus{Connected: true, Message: "ok"}
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
