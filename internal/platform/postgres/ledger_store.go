package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
	"github.com/phrazzld/conjure-api/internal/ledger"
	"github.com/phrazzld/conjure-api/internal/store"
)

const entryColumns = `id, owner_id, amount, reason, reference, note, balance_before, balance_after, created_at`

// LedgerStore implements ledger.Store on PostgreSQL. Every balance change
// locks the owner's account row, so concurrent reservations for one owner
// serialize in the database.
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore creates a LedgerStore.
func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

var _ ledger.Store = (*LedgerStore)(nil)

func scanEntry(row rowScanner) (domain.LedgerEntry, error) {
	var (
		e      domain.LedgerEntry
		reason string
	)
	err := row.Scan(&e.ID, &e.OwnerID, &e.Amount, &reason, &e.Reference, &e.Note,
		&e.BalanceBefore, &e.BalanceAfter, &e.CreatedAt)
	e.Reason = domain.EntryReason(reason)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, err
}

// lockBalance returns the owner's balance with the account row locked.
func lockBalance(ctx context.Context, tx *sql.Tx, ownerID uuid.UUID) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM ledger_accounts WHERE owner_id = $1 FOR UPDATE`, ownerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock ledger account: %w", MapError(err))
	}
	return balance, nil
}

// appendEntry writes entry and moves the account balance to its BalanceAfter.
func appendEntry(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.OwnerID, e.Amount, string(e.Reason), e.Reference, e.Note,
		e.BalanceBefore, e.BalanceAfter, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", MapError(err))
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE ledger_accounts SET balance = $2, updated_at = $3 WHERE owner_id = $1`,
		e.OwnerID, e.BalanceAfter, e.CreatedAt)
	if err != nil {
		if IsCheckConstraintViolation(err) {
			return ledger.ErrInsufficientBalance
		}
		return fmt.Errorf("failed to update balance: %w", MapError(err))
	}
	return nil
}

// EnsureAccount implements ledger.Store.
func (s *LedgerStore) EnsureAccount(ctx context.Context, ownerID uuid.UUID, initial int64) (int64, error) {
	var balance int64
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_accounts (owner_id, balance) VALUES ($1, 0) ON CONFLICT (owner_id) DO NOTHING`,
			ownerID)
		if err != nil {
			return fmt.Errorf("failed to create ledger account: %w", MapError(err))
		}
		created, err := res.RowsAffected()
		if err != nil {
			return err
		}

		if balance, err = lockBalance(ctx, tx, ownerID); err != nil {
			return err
		}
		if created == 1 && initial > 0 {
			e := domain.NewLedgerEntry(ownerID, initial, domain.ReasonGrant, "", balance)
			if err := appendEntry(ctx, tx, e); err != nil {
				return err
			}
			balance = e.BalanceAfter
		}
		return nil
	})
	return balance, err
}

// Balance implements ledger.Store.
func (s *LedgerStore) Balance(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM ledger_accounts WHERE owner_id = $1`, ownerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", MapError(err))
	}
	return balance, nil
}

// Reserve implements ledger.Store.
func (s *LedgerStore) Reserve(
	ctx context.Context,
	ownerID uuid.UUID,
	amount int64,
	ref string,
) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, ledger.ErrInvalidAmount
	}
	if ref == "" {
		return domain.LedgerEntry{}, ledger.ErrEmptyReference
	}

	var entry domain.LedgerEntry
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		balance, err := lockBalance(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		existing, err := scanEntry(tx.QueryRowContext(ctx, `SELECT e.id, e.owner_id, e.amount, e.reason,
				e.reference, e.note, e.balance_before, e.balance_after, e.created_at
			FROM ledger_reservations r JOIN ledger_entries e ON e.id = r.reserve_entry
			WHERE r.owner_id = $1 AND r.ref = $2`, ownerID, ref))
		switch {
		case err == nil:
			entry = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to look up reservation: %w", MapError(err))
		}

		if balance < amount {
			return ledger.ErrInsufficientBalance
		}

		entry = domain.NewLedgerEntry(ownerID, -amount, domain.ReasonReserve, ref, balance)
		if err := appendEntry(ctx, tx, entry); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO ledger_reservations
			(owner_id, ref, amount, state, reserve_entry, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			ownerID, ref, amount, string(domain.ReservationHeld), entry.ID, entry.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to record reservation: %w", MapError(err))
		}
		return nil
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

// Commit implements ledger.Store.
func (s *LedgerStore) Commit(ctx context.Context, ownerID uuid.UUID, ref string) (*domain.LedgerEntry, error) {
	return s.settle(ctx, ownerID, ref, domain.ReservationCommitted, "")
}

// Refund implements ledger.Store.
func (s *LedgerStore) Refund(ctx context.Context, ownerID uuid.UUID, ref, note string) (*domain.LedgerEntry, error) {
	return s.settle(ctx, ownerID, ref, domain.ReservationRefunded, note)
}

func (s *LedgerStore) settle(
	ctx context.Context,
	ownerID uuid.UUID,
	ref string,
	to domain.ReservationState,
	note string,
) (*domain.LedgerEntry, error) {
	var settled *domain.LedgerEntry
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		balance, err := lockBalance(ctx, tx, ownerID)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		var (
			amount int64
			state  string
		)
		err = tx.QueryRowContext(ctx, `SELECT amount, state FROM ledger_reservations
			WHERE owner_id = $1 AND ref = $2 FOR UPDATE`, ownerID, ref).Scan(&amount, &state)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to lock reservation: %w", MapError(err))
		}
		if domain.ReservationState(state) != domain.ReservationHeld {
			return nil
		}

		var e domain.LedgerEntry
		if to == domain.ReservationRefunded {
			e = domain.NewLedgerEntry(ownerID, amount, domain.ReasonRefund, ref, balance)
		} else {
			e = domain.NewLedgerEntry(ownerID, 0, domain.ReasonCommit, ref, balance)
		}
		e.Note = note
		if err := appendEntry(ctx, tx, e); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE ledger_reservations SET state = $3, settled_at = $4
			WHERE owner_id = $1 AND ref = $2`, ownerID, ref, string(to), e.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to settle reservation: %w", MapError(err))
		}
		settled = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

// Credit implements ledger.Store.
func (s *LedgerStore) Credit(
	ctx context.Context,
	ownerID uuid.UUID,
	amount int64,
	reason domain.EntryReason,
	ref string,
) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, ledger.ErrInvalidAmount
	}

	var entry domain.LedgerEntry
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_accounts (owner_id, balance) VALUES ($1, 0) ON CONFLICT (owner_id) DO NOTHING`,
			ownerID)
		if err != nil {
			return fmt.Errorf("failed to create ledger account: %w", MapError(err))
		}
		balance, err := lockBalance(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		entry = domain.NewLedgerEntry(ownerID, amount, reason, ref, balance)
		return appendEntry(ctx, tx, entry)
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

// Entries implements ledger.Store.
func (s *LedgerStore) Entries(ctx context.Context, ownerID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	if _, err := s.Balance(ctx, ownerID); err != nil {
		return nil, err
	}

	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE owner_id = $1 ORDER BY created_at DESC, id`
	args := []any{ownerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanReservation(row rowScanner) (ledger.Reservation, error) {
	var (
		r       ledger.Reservation
		state   string
		settled sql.NullTime
	)
	if err := row.Scan(&r.OwnerID, &r.Ref, &r.Amount, &state, &r.CreatedAt, &settled); err != nil {
		return ledger.Reservation{}, err
	}
	r.State = domain.ReservationState(state)
	r.CreatedAt = r.CreatedAt.UTC()
	if settled.Valid {
		t := settled.Time.UTC()
		r.SettledAt = &t
	}
	return r, nil
}

// Reservation implements ledger.Store.
func (s *LedgerStore) Reservation(ctx context.Context, ownerID uuid.UUID, ref string) (*ledger.Reservation, error) {
	r, err := scanReservation(s.db.QueryRowContext(ctx, `SELECT owner_id, ref, amount, state, created_at, settled_at
		FROM ledger_reservations WHERE owner_id = $1 AND ref = $2`, ownerID, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation: %w", MapError(err))
	}
	return &r, nil
}

// HeldReservations implements ledger.Store.
func (s *LedgerStore) HeldReservations(ctx context.Context, ownerID uuid.UUID) ([]ledger.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT owner_id, ref, amount, state, created_at, settled_at
		FROM ledger_reservations WHERE owner_id = $1 AND state = 'held' ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list held reservations: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var held []ledger.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		held = append(held, r)
	}
	return held, rows.Err()
}
