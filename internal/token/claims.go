package token

import "github.com/golang-jwt/jwt/v5"

const (
	PurposeTwoFactor     = "2fa-pending"
	PurposeExternalLogin = "external-login"
)

// Claims is the payload of both access tokens and state tokens.
// Role and permission are emitted as arrays even with a single element.
type Claims struct {
	Roles       []string `json:"role,omitempty"`
	Permissions []string `json:"permission,omitempty"`
	Name        string   `json:"name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Purpose     string   `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) HasPermission(code string) bool {
	for _, p := range c.Permissions {
		if p == code {
			return true
		}
	}
	return false
}
