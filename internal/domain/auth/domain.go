package auth

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Principal is an authenticated identity as seen by the token core.
type Principal struct {
	ID               string
	Name             string
	DisplayName      string
	Email            string
	Active           bool
	Suspended        bool
	TwoFactorEnabled bool
	Roles            []string
}

// CanHoldSession reports whether tokens may be minted for the principal.
func (p *Principal) CanHoldSession() bool {
	return p != nil && p.Active && !p.Suspended
}

type RefreshToken struct {
	ID                string
	UserID            string
	TokenHash         string
	AccessTokenID     string
	CreatedAt         time.Time
	CreatedByIP       string
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
	Revoked           bool
	RevokedAt         *time.Time
	RevokedByIP       string
	RevokedReason     string
	ReplacedByHash    string
}

// Active reports whether the token is neither revoked nor past either expiry at now.
func (t *RefreshToken) Active(now time.Time) bool {
	return !t.Revoked && !t.Expired(now)
}

func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt) || !now.Before(t.AbsoluteExpiresAt)
}

// Revocation describes who revoked a refresh token and why.
type Revocation struct {
	At             time.Time
	IP             string
	Reason         RevokeReason
	ReplacedByHash string
}

type RevokeReason string

const (
	ReasonRotated           RevokeReason = "rotated"
	ReasonLogout            RevokeReason = "logout"
	ReasonLogoutAll         RevokeReason = "logout_all"
	ReasonReuseDetected     RevokeReason = "reuse_detected"
	ReasonPrincipalInactive RevokeReason = "principal_inactive"
	ReasonAdmin             RevokeReason = "admin"
)

type Role struct {
	ID          string
	Name        string
	Description string
}

type PermissionGrant struct {
	RoleID         string
	PermissionCode string
	Enabled        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SecurityAlert is emitted when a revoked refresh token is presented again.
type SecurityAlert struct {
	PrincipalID     string    `json:"principal_id"`
	PresentedToken  string    `json:"presented_token_id"`
	RevokedCount    int64     `json:"revoked_count"`
	IP              string    `json:"ip"`
	DetectedAt      time.Time `json:"detected_at"`
	ChainLength     int       `json:"chain_length"`
	OriginalRevoked string    `json:"original_revoked_reason"`
}

// Key identifies one theft detection across redeliveries.
func (a SecurityAlert) Key() string { return a.PrincipalID + ":" + a.PresentedToken }

// AlertNotification records that the owner of an alert was told about it.
type AlertNotification struct {
	ID          int64
	AlertKey    string
	PrincipalID string
	Channel     string
	SentAt      time.Time
	Payload     string
}
