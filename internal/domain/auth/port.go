package auth

import "context"

type RefreshTokenRepo interface {
	Create(ctx context.Context, t *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	// RevokeActive flips a single non-revoked row to revoked. It reports false when the row
	// was missing or already revoked, which callers treat as a lost race.
	RevokeActive(ctx context.Context, tokenHash string, rev Revocation) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, rev Revocation) (int64, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*RefreshToken, error)
}

type PermissionRepo interface {
	RolesByName(ctx context.Context, names []string) ([]Role, error)
	EnabledGrants(ctx context.Context, roleIDs []string) ([]PermissionGrant, error)
	SetGrant(ctx context.Context, roleName, code string, enabled bool) error
}

// PrincipalStore is the capability surface of the external identity collaborator.
type PrincipalStore interface {
	FindByID(ctx context.Context, id string) (*Principal, error)
	FindByName(ctx context.Context, name string) (*Principal, error)
	CheckPassword(ctx context.Context, id, password string) (bool, error)
	IsLockedOut(ctx context.Context, id string) (bool, error)
	GetRoles(ctx context.Context, id string) ([]string, error)
	RecordFailedLogin(ctx context.Context, id string) error
	ResetFailedLogins(ctx context.Context, id string) error
}

// SecondFactorVerifier checks the code presented in the second login step.
type SecondFactorVerifier interface {
	VerifySecondFactor(ctx context.Context, principalID, code string) (bool, error)
}

type AlertNotificationRepo interface {
	// Record reports false when the alert was already recorded for the channel.
	Record(ctx context.Context, n *AlertNotification) (bool, error)
	Sent(ctx context.Context, alertKey, channel string) (bool, error)
	ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*AlertNotification, error)
}
