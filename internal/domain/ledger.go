package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntryReason classifies a ledger entry.
type EntryReason string

// Ledger entry reasons
const (
	ReasonGrant   EntryReason = "grant"
	ReasonCredit  EntryReason = "credit"
	ReasonReserve EntryReason = "reserve"
	ReasonCommit  EntryReason = "commit"
	ReasonRefund  EntryReason = "refund"
)

// LedgerEntry is one append-only movement on an owner's token balance.
// Amount is signed: reservations are negative, refunds and credits positive,
// commits zero.
type LedgerEntry struct {
	ID            uuid.UUID   `json:"id"`
	OwnerID       uuid.UUID   `json:"owner_id"`
	Amount        int64       `json:"amount"`
	Reason        EntryReason `json:"reason"`
	Reference     string      `json:"reference,omitempty"`
	Note          string      `json:"note,omitempty"`
	BalanceBefore int64       `json:"balance_before"`
	BalanceAfter  int64       `json:"balance_after"`
	CreatedAt     time.Time   `json:"created_at"`
}

// NewLedgerEntry builds an entry moving balance by amount.
func NewLedgerEntry(
	ownerID uuid.UUID,
	amount int64,
	reason EntryReason,
	reference string,
	balanceBefore int64,
) LedgerEntry {
	return LedgerEntry{
		ID:            uuid.New(),
		OwnerID:       ownerID,
		Amount:        amount,
		Reason:        reason,
		Reference:     reference,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceBefore + amount,
		CreatedAt:     time.Now().UTC(),
	}
}
