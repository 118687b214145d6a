// Package auth issues and validates the owner tokens that front-ends send
// with every API call. A token names the owner on whose behalf tasks are
// submitted and tokens are charged.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/conjure-api/internal/config"
	"github.com/phrazzld/conjure-api/internal/platform/logger"
)

const (
	// TokenTypeOwner marks tokens that act on behalf of an owner.
	TokenTypeOwner = "owner"

	issuer    = "conjure-api"
	clockSkew = 2 * time.Minute
)

// JWTService issues and validates owner tokens.
type JWTService interface {
	// GenerateToken signs a token for ownerID. A zero lifetime uses the
	// configured default.
	GenerateToken(ctx context.Context, ownerID uuid.UUID, lifetime time.Duration) (string, error)

	// ValidateToken verifies signature, expiry and type and returns the claims.
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// Claims are the validated contents of an owner token.
type Claims struct {
	OwnerID   uuid.UUID
	TokenType string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type ownerClaims struct {
	OwnerID   uuid.UUID `json:"oid"`
	TokenType string    `json:"type"`
	jwt.RegisteredClaims
}

type hmacJWTService struct {
	signingKey []byte
	lifetime   time.Duration
	now        func() time.Time
}

var _ JWTService = (*hmacJWTService)(nil)

// NewJWTService creates an HS256 JWTService.
func NewJWTService(cfg config.AuthConfig) (JWTService, error) {
	return newJWTService(cfg.JWTSecret, time.Duration(cfg.TokenLifetimeMinutes)*time.Minute, time.Now)
}

func newJWTService(secret string, lifetime time.Duration, now func() time.Time) (*hmacJWTService, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters")
	}
	if lifetime <= 0 {
		return nil, fmt.Errorf("token lifetime must be positive")
	}
	return &hmacJWTService{signingKey: []byte(secret), lifetime: lifetime, now: now}, nil
}

// GenerateToken implements JWTService.
func (s *hmacJWTService) GenerateToken(ctx context.Context, ownerID uuid.UUID, lifetime time.Duration) (string, error) {
	if ownerID == uuid.Nil {
		return "", fmt.Errorf("owner id cannot be empty")
	}
	if lifetime <= 0 {
		lifetime = s.lifetime
	}

	now := s.now()
	claims := ownerClaims{
		OwnerID:   ownerID,
		TokenType: TokenTypeOwner,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   ownerID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		logger.FromContext(ctx).ErrorContext(ctx, "failed to sign owner token",
			"error", err,
			"owner_id", ownerID)
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken implements JWTService.
func (s *hmacJWTService) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	log := logger.FromContext(ctx)
	if token == "" {
		return nil, ErrMissingToken
	}

	now := s.now()
	parsed, err := jwt.ParseWithClaims(token, &ownerClaims{},
		func(*jwt.Token) (interface{}, error) { return s.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(issuer),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			log.DebugContext(ctx, "token expired")
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
			log.DebugContext(ctx, "token not yet valid")
			return nil, ErrTokenNotYetValid
		default:
			log.DebugContext(ctx, "token rejected", "error_type", fmt.Sprintf("%T", err))
			return nil, ErrInvalidToken
		}
	}

	claims, ok := parsed.Claims.(*ownerClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != TokenTypeOwner {
		return nil, ErrWrongTokenType
	}
	if claims.OwnerID == uuid.Nil {
		return nil, ErrInvalidToken
	}

	return &Claims{
		OwnerID:   claims.OwnerID,
		TokenType: claims.TokenType,
		ID:        claims.ID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
