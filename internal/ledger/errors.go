package ledger

import "errors"

var (
	// ErrInsufficientBalance is returned when an owner cannot cover a reservation.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidAmount is returned for non-positive reservation or credit amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrAccountNotFound is returned when an owner has no ledger account.
	ErrAccountNotFound = errors.New("ledger account not found")

	// ErrReservationNotFound is returned when no reservation exists for a reference.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrEmptyReference is returned when a reservation reference is empty.
	ErrEmptyReference = errors.New("reservation reference cannot be empty")
)
