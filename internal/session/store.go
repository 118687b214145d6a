package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/domain"
)

// ErrNotFound is returned when an owner has no live session.
var ErrNotFound = errors.New("session not found")

// DefaultTTL is the inactivity window after which a session expires.
const DefaultTTL = 15 * time.Minute

// Store holds at most one session per owner.
type Store interface {
	// Set replaces the owner's session and refreshes its activity time.
	Set(ctx context.Context, s *domain.Session) error

	// Get returns the owner's live session or ErrNotFound.
	Get(ctx context.Context, ownerID uuid.UUID) (*domain.Session, error)

	// Clear removes the owner's session. Clearing a missing session is not an error.
	Clear(ctx context.Context, ownerID uuid.UUID) error
}
