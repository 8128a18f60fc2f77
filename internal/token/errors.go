package token

import "errors"

var (
	ErrExpired          = errors.New("token expired")
	ErrMalformed        = errors.New("token malformed")
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrClaimsRejected covers issuer, audience, not-before and purpose mismatches.
	ErrClaimsRejected = errors.New("token claims rejected")
)
