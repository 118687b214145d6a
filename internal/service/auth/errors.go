package auth

import "errors"

var (
	// ErrInvalidToken is returned for malformed tokens and bad signatures.
	ErrInvalidToken = errors.New("invalid authentication token")

	// ErrExpiredToken is returned for tokens past their exp claim.
	ErrExpiredToken = errors.New("authentication token has expired")

	// ErrTokenNotYetValid is returned for tokens whose iat or nbf is in the future.
	ErrTokenNotYetValid = errors.New("authentication token not yet valid")

	// ErrMissingToken is returned when no bearer token was sent.
	ErrMissingToken = errors.New("authentication token is missing")

	// ErrWrongTokenType is returned when a token was issued for another purpose.
	ErrWrongTokenType = errors.New("wrong token type")
)
