package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
)

// Reservation is the ledger-side record of a held charge.
type Reservation struct {
	Ref       string                  `json:"ref"`
	OwnerID   uuid.UUID               `json:"owner_id"`
	Amount    int64                   `json:"amount"`
	State     domain.ReservationState `json:"state"`
	CreatedAt time.Time               `json:"created_at"`
	SettledAt *time.Time              `json:"settled_at,omitempty"`
}

// Store is the durable side of the ledger. Implementations must serialize
// balance changes per owner so that the check-then-deduct in Reserve is
// atomic, and must write the balance together with its audit entry.
type Store interface {
	// EnsureAccount creates the owner's account with the given initial
	// balance if it does not exist yet. A grant entry is recorded for a
	// positive initial balance. It returns the current balance.
	EnsureAccount(ctx context.Context, ownerID uuid.UUID, initial int64) (int64, error)

	// Balance returns the owner's balance or ErrAccountNotFound.
	Balance(ctx context.Context, ownerID uuid.UUID) (int64, error)

	// Reserve deducts amount under ref, failing with ErrInsufficientBalance
	// when the balance would go negative. Reserving an existing ref returns
	// the original entry without deducting again.
	Reserve(ctx context.Context, ownerID uuid.UUID, amount int64, ref string) (domain.LedgerEntry, error)

	// Commit finalizes a held reservation. It returns nil when the
	// reservation is already settled or unknown.
	Commit(ctx context.Context, ownerID uuid.UUID, ref string) (*domain.LedgerEntry, error)

	// Refund credits back a held reservation. It returns nil when the
	// reservation is already settled or unknown.
	Refund(ctx context.Context, ownerID uuid.UUID, ref, note string) (*domain.LedgerEntry, error)

	// Credit adds amount to the owner's balance, creating the account if needed.
	Credit(
		ctx context.Context,
		ownerID uuid.UUID,
		amount int64,
		reason domain.EntryReason,
		ref string,
	) (domain.LedgerEntry, error)

	// Entries returns the owner's most recent entries, newest first.
	Entries(ctx context.Context, ownerID uuid.UUID, limit int) ([]domain.LedgerEntry, error)

	// Reservation returns the reservation recorded under ref.
	Reservation(ctx context.Context, ownerID uuid.UUID, ref string) (*Reservation, error)

	// HeldReservations returns the owner's reservations that are still held.
	HeldReservations(ctx context.Context, ownerID uuid.UUID) ([]Reservation, error)
}
