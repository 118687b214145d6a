package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
)

type account struct {
	mu           sync.Mutex
	balance      int64
	entries      []domain.LedgerEntry
	reservations map[string]*Reservation
	reserveEntry map[string]domain.LedgerEntry
}

// MemoryStore is an in-process Store. Each owner has its own mutex so
// concurrent generations for one owner serialize while different owners
// proceed in parallel.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*account
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[uuid.UUID]*account)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) lookup(ownerID uuid.UUID) (*account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[ownerID]
	return acc, ok
}

// getOrCreate returns the owner's account and whether it was just created.
// A newly created account is returned with its mutex held.
func (s *MemoryStore) getOrCreate(ownerID uuid.UUID) (*account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[ownerID]; ok {
		return acc, false
	}
	acc := &account{
		reservations: make(map[string]*Reservation),
		reserveEntry: make(map[string]domain.LedgerEntry),
	}
	acc.mu.Lock()
	s.accounts[ownerID] = acc
	return acc, true
}

func (a *account) append(entry domain.LedgerEntry) domain.LedgerEntry {
	a.balance = entry.BalanceAfter
	a.entries = append(a.entries, entry)
	return entry
}

// EnsureAccount implements Store.
func (s *MemoryStore) EnsureAccount(_ context.Context, ownerID uuid.UUID, initial int64) (int64, error) {
	acc, created := s.getOrCreate(ownerID)
	if !created {
		acc.mu.Lock()
		defer acc.mu.Unlock()
		return acc.balance, nil
	}
	// getOrCreate hands back a new account already locked.
	defer acc.mu.Unlock()
	if initial > 0 {
		acc.append(domain.NewLedgerEntry(ownerID, initial, domain.ReasonGrant, "", 0))
	}
	return acc.balance, nil
}

// Balance implements Store.
func (s *MemoryStore) Balance(_ context.Context, ownerID uuid.UUID) (int64, error) {
	acc, ok := s.lookup(ownerID)
	if !ok {
		return 0, ErrAccountNotFound
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance, nil
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(
	_ context.Context,
	ownerID uuid.UUID,
	amount int64,
	ref string,
) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, ErrInvalidAmount
	}
	if ref == "" {
		return domain.LedgerEntry{}, ErrEmptyReference
	}
	acc, ok := s.lookup(ownerID)
	if !ok {
		return domain.LedgerEntry{}, ErrAccountNotFound
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	if entry, exists := acc.reserveEntry[ref]; exists {
		return entry, nil
	}
	if acc.balance < amount {
		return domain.LedgerEntry{}, ErrInsufficientBalance
	}

	entry := acc.append(domain.NewLedgerEntry(ownerID, -amount, domain.ReasonReserve, ref, acc.balance))
	acc.reserveEntry[ref] = entry
	acc.reservations[ref] = &Reservation{
		Ref:       ref,
		OwnerID:   ownerID,
		Amount:    amount,
		State:     domain.ReservationHeld,
		CreatedAt: entry.CreatedAt,
	}
	return entry, nil
}

// Commit implements Store.
func (s *MemoryStore) Commit(_ context.Context, ownerID uuid.UUID, ref string) (*domain.LedgerEntry, error) {
	return s.settle(ownerID, ref, domain.ReservationCommitted, "")
}

// Refund implements Store.
func (s *MemoryStore) Refund(
	_ context.Context,
	ownerID uuid.UUID,
	ref, note string,
) (*domain.LedgerEntry, error) {
	return s.settle(ownerID, ref, domain.ReservationRefunded, note)
}

func (s *MemoryStore) settle(
	ownerID uuid.UUID,
	ref string,
	to domain.ReservationState,
	note string,
) (*domain.LedgerEntry, error) {
	acc, ok := s.lookup(ownerID)
	if !ok {
		return nil, nil
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	res, ok := acc.reservations[ref]
	if !ok || res.State != domain.ReservationHeld {
		return nil, nil
	}

	var entry domain.LedgerEntry
	if to == domain.ReservationRefunded {
		entry = domain.NewLedgerEntry(ownerID, res.Amount, domain.ReasonRefund, ref, acc.balance)
	} else {
		entry = domain.NewLedgerEntry(ownerID, 0, domain.ReasonCommit, ref, acc.balance)
	}
	entry.Note = note
	acc.append(entry)

	now := entry.CreatedAt
	res.State = to
	res.SettledAt = &now
	return &entry, nil
}

// Credit implements Store.
func (s *MemoryStore) Credit(
	_ context.Context,
	ownerID uuid.UUID,
	amount int64,
	reason domain.EntryReason,
	ref string,
) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, ErrInvalidAmount
	}
	acc, created := s.getOrCreate(ownerID)
	if !created {
		acc.mu.Lock()
	}
	defer acc.mu.Unlock()

	return acc.append(domain.NewLedgerEntry(ownerID, amount, reason, ref, acc.balance)), nil
}

// Entries implements Store.
func (s *MemoryStore) Entries(_ context.Context, ownerID uuid.UUID, limit int) ([]domain.LedgerEntry, error) {
	acc, ok := s.lookup(ownerID)
	if !ok {
		return nil, ErrAccountNotFound
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	out := make([]domain.LedgerEntry, 0, len(acc.entries))
	for i := len(acc.entries) - 1; i >= 0; i-- {
		out = append(out, acc.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Reservation implements Store.
func (s *MemoryStore) Reservation(_ context.Context, ownerID uuid.UUID, ref string) (*Reservation, error) {
	acc, ok := s.lookup(ownerID)
	if !ok {
		return nil, ErrReservationNotFound
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	res, ok := acc.reservations[ref]
	if !ok {
		return nil, ErrReservationNotFound
	}
	c := *res
	return &c, nil
}

// HeldReservations implements Store.
func (s *MemoryStore) HeldReservations(_ context.Context, ownerID uuid.UUID) ([]Reservation, error) {
	acc, ok := s.lookup(ownerID)
	if !ok {
		return nil, nil
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	var held []Reservation
	for _, res := range acc.reservations {
		if res.State == domain.ReservationHeld {
			held = append(held, *res)
		}
	}
	sort.Slice(held, func(i, j int) bool {
		return held[i].CreatedAt.Before(held[j].CreatedAt)
	})
	return held, nil
}
