/**
 * @description
 * Wallet and ledger persistence. The ledger is append-only; the wallet row's
 * balance column is a cache of the fold over posted entries, recomputed inside
 * every posting transaction so it can never drift from the entries.
 *
 * Idempotence: CreateLedgerEntry is keyed on (task_id, type) via a partial
 * unique index, so re-delivered completion events return the existing entry
 * instead of double-crediting.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldops/dispatch-service/internal/domain"
)

const entryColumns = `
	id, wallet_id, amount, type, status, task_id, reverses_entry_id, memo, created_at, posted_at
`

func scanEntry(row pgx.Row) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(
		&e.ID, &e.WalletID, &e.Amount, &e.Type, &e.Status, &e.TaskID,
		&e.ReversesEntryID, &e.Memo, &e.CreatedAt, &e.PostedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (r *PostgresRepository) FindOrCreateWallet(ctx context.Context, collectorID uuid.UUID, currency string) (*domain.WalletAccount, error) {
	query := `
		INSERT INTO wallet_accounts (id, collector_id, currency, balance, lifetime_earned, lifetime_paid_out, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, 0, NOW(), NOW())
		ON CONFLICT (collector_id) DO UPDATE SET updated_at = wallet_accounts.updated_at
		RETURNING id, collector_id, currency, balance, lifetime_earned, lifetime_paid_out, created_at, updated_at
	`
	var w domain.WalletAccount
	err := r.db.QueryRow(ctx, query, uuid.New(), collectorID, currency).Scan(
		&w.ID, &w.CollectorID, &w.Currency, &w.Balance, &w.LifetimeEarned, &w.LifetimePaidOut, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find or create wallet: %w", err)
	}
	return &w, nil
}

func (r *PostgresRepository) findWallet(ctx context.Context, where string, arg any) (*domain.WalletAccount, error) {
	query := `
		SELECT id, collector_id, currency, balance, lifetime_earned, lifetime_paid_out, created_at, updated_at
		FROM wallet_accounts
		WHERE ` + where
	var w domain.WalletAccount
	err := r.db.QueryRow(ctx, query, arg).Scan(
		&w.ID, &w.CollectorID, &w.Currency, &w.Balance, &w.LifetimeEarned, &w.LifetimePaidOut, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find wallet: %w", err)
	}
	return &w, nil
}

func (r *PostgresRepository) FindWalletByCollector(ctx context.Context, collectorID uuid.UUID) (*domain.WalletAccount, error) {
	return r.findWallet(ctx, "collector_id = $1", collectorID)
}

func (r *PostgresRepository) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.WalletAccount, error) {
	return r.findWallet(ctx, "id = $1", walletID)
}

// CreateLedgerEntry inserts a pending entry. When the entry carries a task id,
// the (task_id, type) pair is the idempotency key: a duplicate insert returns
// the existing entry with created=false and no balance effect.
func (r *PostgresRepository) CreateLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) (*domain.LedgerEntry, bool, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Status == "" {
		entry.Status = domain.EntryStatusPending
	}
	insertQuery := `
		INSERT INTO ledger_entries (id, wallet_id, amount, type, status, task_id, reverses_entry_id, memo, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (task_id, type) WHERE task_id IS NOT NULL DO NOTHING
		RETURNING ` + entryColumns + `
	`
	created, err := scanEntry(r.db.QueryRow(ctx, insertQuery,
		entry.ID, entry.WalletID, entry.Amount, entry.Type, entry.Status,
		entry.TaskID, entry.ReversesEntryID, entry.Memo,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to create ledger entry: %w", err)
	}

	// Conflict path: fetch the existing entry for this (task, type).
	existingQuery := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE task_id = $1 AND type = $2
	`
	existing, err := scanEntry(r.db.QueryRow(ctx, existingQuery, entry.TaskID, entry.Type))
	if err != nil {
		return nil, false, fmt.Errorf("failed to load existing ledger entry: %w", err)
	}
	return existing, false, nil
}

func (r *PostgresRepository) FindLedgerEntryByID(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE id = $1`
	return scanEntry(r.db.QueryRow(ctx, query, entryID))
}

// PostLedgerEntry transitions a pending entry to posted and recomputes the
// wallet balance as the fold over posted entries, all in one transaction.
// Returns the posted entry and the new balance.
func (r *PostgresRepository) PostLedgerEntry(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, int64, error) {
	return r.postEntry(ctx, entryID, false)
}

// PostHoldEntry posts a payout hold with an overdraft guard: when the fold
// after posting would be negative, the whole transaction rolls back and
// ErrInsufficientBalance is returned, the entry still pending. The guard runs
// under the wallet row lock, so concurrent holds against the same balance are
// admitted one at a time.
func (r *PostgresRepository) PostHoldEntry(ctx context.Context, entryID uuid.UUID) (*domain.LedgerEntry, int64, error) {
	return r.postEntry(ctx, entryID, true)
}

func (r *PostgresRepository) postEntry(ctx context.Context, entryID uuid.UUID, refuseOverdraft bool) (*domain.LedgerEntry, int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to begin posting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the wallet row through the entry to serialize per-wallet postings.
	lockQuery := `
		SELECT e.status, e.wallet_id
		FROM ledger_entries e
		JOIN wallet_accounts w ON w.id = e.wallet_id
		WHERE e.id = $1
		FOR UPDATE OF w
	`
	var status string
	var walletID uuid.UUID
	if err := tx.QueryRow(ctx, lockQuery, entryID).Scan(&status, &walletID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to lock entry for posting: %w", err)
	}
	if status != domain.EntryStatusPending {
		return nil, 0, ErrEntryNotPending
	}

	postQuery := `
		UPDATE ledger_entries
		SET status = $1, posted_at = NOW()
		WHERE id = $2
		RETURNING ` + entryColumns + `
	`
	entry, err := scanEntry(tx.QueryRow(ctx, postQuery, domain.EntryStatusPosted, entryID))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to post ledger entry: %w", err)
	}

	balance, err := foldAndStampBalance(ctx, tx, walletID)
	if err != nil {
		return nil, 0, err
	}
	if refuseOverdraft && balance < 0 {
		return nil, 0, ErrInsufficientBalance
	}

	// Lifetime aggregates for the wallet screens.
	switch {
	case entry.Amount > 0 && entry.Type == domain.EntryTypeEarning:
		if _, err := tx.Exec(ctx,
			`UPDATE wallet_accounts SET lifetime_earned = lifetime_earned + $1 WHERE id = $2`,
			entry.Amount, walletID); err != nil {
			return nil, 0, fmt.Errorf("failed to update lifetime earned: %w", err)
		}
	case entry.Type == domain.EntryTypePayoutPaid:
		if _, err := tx.Exec(ctx,
			`UPDATE wallet_accounts SET lifetime_paid_out = lifetime_paid_out + $1 WHERE id = $2`,
			-entry.Amount, walletID); err != nil {
			return nil, 0, fmt.Errorf("failed to update lifetime paid out: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("failed to commit posting: %w", err)
	}
	return entry, balance, nil
}

// foldAndStampBalance recomputes the balance from posted entries and stamps it
// on the wallet row. Callers must hold the wallet row lock.
func foldAndStampBalance(ctx context.Context, tx pgx.Tx, walletID uuid.UUID) (int64, error) {
	var balance int64
	foldQuery := `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE wallet_id = $1 AND status = $2
	`
	if err := tx.QueryRow(ctx, foldQuery, walletID, domain.EntryStatusPosted).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to fold wallet balance: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE wallet_accounts SET balance = $1, updated_at = NOW() WHERE id = $2`,
		balance, walletID); err != nil {
		return 0, fmt.Errorf("failed to stamp wallet balance: %w", err)
	}
	return balance, nil
}

// MarkLedgerEntryFailed resolves a pending entry as failed; the balance is
// untouched because failed entries never entered the fold.
func (r *PostgresRepository) MarkLedgerEntryFailed(ctx context.Context, entryID uuid.UUID) error {
	query := `
		UPDATE ledger_entries
		SET status = $1
		WHERE id = $2 AND status = $3
	`
	tag, err := r.db.Exec(ctx, query, domain.EntryStatusFailed, entryID, domain.EntryStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark entry failed: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrEntryNotPending
	}
	return nil
}

// ReverseLedgerEntry creates a posted reversal entry linked to the original and
// marks the original reversed. The original row's amount is never touched; the
// pair nets to zero in the fold.
func (r *PostgresRepository) ReverseLedgerEntry(ctx context.Context, entryID uuid.UUID, memo string) (*domain.LedgerEntry, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reversal transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	lockQuery := `
		SELECT e.wallet_id, e.amount, e.status
		FROM ledger_entries e
		JOIN wallet_accounts w ON w.id = e.wallet_id
		WHERE e.id = $1
		FOR UPDATE OF w
	`
	var walletID uuid.UUID
	var amount int64
	var status string
	if err := tx.QueryRow(ctx, lockQuery, entryID).Scan(&walletID, &amount, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock entry for reversal: %w", err)
	}
	if status != domain.EntryStatusPosted {
		return nil, ErrEntryNotPosted
	}

	insertQuery := `
		INSERT INTO ledger_entries (id, wallet_id, amount, type, status, reverses_entry_id, memo, created_at, posted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING ` + entryColumns + `
	`
	reversal, err := scanEntry(tx.QueryRow(ctx, insertQuery,
		uuid.New(), walletID, -amount, domain.EntryTypeReversal, domain.EntryStatusPosted, entryID, memo,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to insert reversal entry: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE ledger_entries SET status = $1 WHERE id = $2`,
		domain.EntryStatusReversed, entryID); err != nil {
		return nil, fmt.Errorf("failed to mark entry reversed: %w", err)
	}

	if _, err := foldAndStampBalance(ctx, tx, walletID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reversal: %w", err)
	}
	return reversal, nil
}

// RecomputeWalletBalance re-derives the balance from posted entries on demand.
// The cached wallet balance must always survive this recomputation unchanged.
func (r *PostgresRepository) RecomputeWalletBalance(ctx context.Context, walletID uuid.UUID) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin recompute transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT 1 FROM wallet_accounts WHERE id = $1 FOR UPDATE`, walletID); err != nil {
		return 0, fmt.Errorf("failed to lock wallet for recompute: %w", err)
	}
	balance, err := foldAndStampBalance(ctx, tx, walletID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit recompute: %w", err)
	}
	return balance, nil
}

func (r *PostgresRepository) GetWalletSummary(ctx context.Context, collectorID uuid.UUID) (*domain.WalletSummary, error) {
	query := `
		SELECT w.collector_id, w.currency, w.balance, w.lifetime_earned, w.lifetime_paid_out,
		       COALESCE(SUM(e.amount) FILTER (WHERE e.status = $1 AND e.amount > 0), 0) AS pending_earnings
		FROM wallet_accounts w
		LEFT JOIN ledger_entries e ON e.wallet_id = w.id
		WHERE w.collector_id = $2
		GROUP BY w.id
	`
	var s domain.WalletSummary
	err := r.db.QueryRow(ctx, query, domain.EntryStatusPending, collectorID).Scan(
		&s.CollectorID, &s.Currency, &s.Balance, &s.LifetimeEarned, &s.LifetimePaidOut, &s.PendingEarnings,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get wallet summary: %w", err)
	}
	return &s, nil
}

func (r *PostgresRepository) ListLedgerEntriesByWallet(ctx context.Context, walletID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, walletID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) CreatePayoutRequest(ctx context.Context, req *domain.PayoutRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Status == "" {
		req.Status = domain.PayoutStatusRequested
	}
	query := `
		INSERT INTO payout_requests (id, wallet_id, amount, method, status, hold_entry_id, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING requested_at
	`
	err := r.db.QueryRow(ctx, query, req.ID, req.WalletID, req.Amount, req.Method, req.Status, req.HoldEntryID).
		Scan(&req.RequestedAt)
	if err != nil {
		return fmt.Errorf("failed to create payout request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) FindPayoutRequestByID(ctx context.Context, payoutID uuid.UUID) (*domain.PayoutRequest, error) {
	query := `
		SELECT id, wallet_id, amount, method, status, hold_entry_id, requested_at, resolved_at
		FROM payout_requests
		WHERE id = $1
	`
	var p domain.PayoutRequest
	err := r.db.QueryRow(ctx, query, payoutID).Scan(
		&p.ID, &p.WalletID, &p.Amount, &p.Method, &p.Status, &p.HoldEntryID, &p.RequestedAt, &p.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find payout request: %w", err)
	}
	return &p, nil
}

// ResolvePayoutRequest moves a requested payout to a terminal status exactly once.
func (r *PostgresRepository) ResolvePayoutRequest(ctx context.Context, payoutID uuid.UUID, status string, resolvedAt time.Time) (bool, error) {
	query := `
		UPDATE payout_requests
		SET status = $1, resolved_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`
	tag, err := r.db.Exec(ctx, query, status, resolvedAt, payoutID,
		domain.PayoutStatusRequested, domain.PayoutStatusApproved)
	if err != nil {
		return false, fmt.Errorf("failed to resolve payout request: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
