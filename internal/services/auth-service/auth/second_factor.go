package auth

import (
	"context"
	"errors"

	domainauth "github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/NordCoder/authcore/internal/totp"
)

type TOTPSecrets interface {
	TOTPSecret(ctx context.Context, principalID string) (string, error)
}

// TOTPVerifier checks authenticator-app codes against the principal's provisioned secret.
type TOTPVerifier struct {
	secrets   TOTPSecrets
	validator *totp.Validator
}

var _ domainauth.SecondFactorVerifier = (*TOTPVerifier)(nil)

func NewTOTPVerifier(secrets TOTPSecrets, v *totp.Validator) *TOTPVerifier {
	return &TOTPVerifier{secrets: secrets, validator: v}
}

func (t *TOTPVerifier) VerifySecondFactor(ctx context.Context, principalID, code string) (bool, error) {
	secret, err := t.secrets.TOTPSecret(ctx, principalID)
	if errors.Is(err, domainauth.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.validator.Validate(secret, code)
}
