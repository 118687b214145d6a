package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
)

// Ledger is the service used by the scheduler, reconciler and API to move
// tokens. It creates accounts lazily with the configured initial grant.
type Ledger struct {
	store        Store
	initialGrant int64
	logger       *slog.Logger
}

// New creates a Ledger over store.
func New(store Store, initialGrant int64, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:        store,
		initialGrant: initialGrant,
		logger:       logger.With("component", "ledger"),
	}
}

// ReservationRef builds the reference used for one dispatch attempt.
func ReservationRef(taskID uuid.UUID, attempt int) string {
	return fmt.Sprintf("%s/%d", taskID, attempt)
}

// NextReservationRef returns the reference for an attempt given the last
// reference recorded on the task. An attempt that is run again after a
// restart gets a numbered suffix ("<task>/<attempt>~2") so it never reuses
// a reference that was already settled.
func NextReservationRef(taskID uuid.UUID, attempt int, previous string) string {
	base := ReservationRef(taskID, attempt)
	if previous == base {
		return base + "~2"
	}
	if rest, ok := strings.CutPrefix(previous, base+"~"); ok {
		if n, err := strconv.Atoi(rest); err == nil && n > 0 {
			return fmt.Sprintf("%s~%d", base, n+1)
		}
	}
	return base
}

// EnsureAccount makes sure the owner has an account and returns its balance.
func (l *Ledger) EnsureAccount(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	balance, err := l.store.EnsureAccount(ctx, ownerID, l.initialGrant)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure ledger account: %w", err)
	}
	return balance, nil
}

// Balance returns the owner's balance, creating the account if needed.
func (l *Ledger) Balance(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	return l.EnsureAccount(ctx, ownerID)
}

// CanAfford reports whether the owner currently has at least amount tokens.
// It does not reserve anything.
func (l *Ledger) CanAfford(ctx context.Context, ownerID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return nil
	}
	balance, err := l.EnsureAccount(ctx, ownerID)
	if err != nil {
		return err
	}
	if balance < amount {
		return ErrInsufficientBalance
	}
	return nil
}

// Reserve deducts amount under ref.
func (l *Ledger) Reserve(
	ctx context.Context,
	ownerID uuid.UUID,
	amount int64,
	ref string,
) (domain.LedgerEntry, error) {
	if _, err := l.EnsureAccount(ctx, ownerID); err != nil {
		return domain.LedgerEntry{}, err
	}

	entry, err := l.store.Reserve(ctx, ownerID, amount, ref)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return domain.LedgerEntry{}, err
		}
		return domain.LedgerEntry{}, fmt.Errorf("failed to reserve tokens: %w", err)
	}

	l.logger.DebugContext(ctx, "tokens reserved",
		slog.String("owner_id", ownerID.String()),
		slog.String("ref", ref),
		slog.Int64("amount", amount),
		slog.Int64("balance_after", entry.BalanceAfter))
	return entry, nil
}

// Commit finalizes the reservation under ref. Settled or unknown references
// are a no-op.
func (l *Ledger) Commit(ctx context.Context, ownerID uuid.UUID, ref string) error {
	entry, err := l.store.Commit(ctx, ownerID, ref)
	if err != nil {
		return fmt.Errorf("failed to commit reservation %s: %w", ref, err)
	}
	if entry != nil {
		l.logger.DebugContext(ctx, "reservation committed",
			slog.String("owner_id", ownerID.String()),
			slog.String("ref", ref))
	}
	return nil
}

// Refund returns the tokens held under ref. Settled or unknown references
// are a no-op.
func (l *Ledger) Refund(ctx context.Context, ownerID uuid.UUID, ref, reason string) error {
	entry, err := l.store.Refund(ctx, ownerID, ref, reason)
	if err != nil {
		return fmt.Errorf("failed to refund reservation %s: %w", ref, err)
	}
	if entry != nil {
		l.logger.InfoContext(ctx, "reservation refunded",
			slog.String("owner_id", ownerID.String()),
			slog.String("ref", ref),
			slog.Int64("amount", entry.Amount),
			slog.String("reason", reason))
	}
	return nil
}

// Credit tops up the owner's balance.
func (l *Ledger) Credit(
	ctx context.Context,
	ownerID uuid.UUID,
	amount int64,
	ref string,
) (domain.LedgerEntry, error) {
	if _, err := l.EnsureAccount(ctx, ownerID); err != nil {
		return domain.LedgerEntry{}, err
	}
	entry, err := l.store.Credit(ctx, ownerID, amount, domain.ReasonCredit, ref)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("failed to credit account: %w", err)
	}
	return entry, nil
}

// Entries returns the owner's most recent ledger entries.
func (l *Ledger) Entries(ctx context.Context, ownerID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	entries, err := l.store.Entries(ctx, ownerID, limit)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, nil
}

// Reservation returns the ledger's view of the reservation under ref.
func (l *Ledger) Reservation(ctx context.Context, ownerID uuid.UUID, ref string) (*Reservation, error) {
	return l.store.Reservation(ctx, ownerID, ref)
}

// HeldReservations returns the owner's outstanding reservations.
func (l *Ledger) HeldReservations(ctx context.Context, ownerID uuid.UUID) ([]Reservation, error) {
	return l.store.HeldReservations(ctx, ownerID)
}
