package token

import (
	"fmt"
	"time"
)

// TwoFactorAudience scopes intermediate login-state tokens. It must never equal the API audience.
const TwoFactorAudience = "authcore.two-factor"

const StateTTL = 5 * time.Minute

// StateTokens issues short-lived tokens that carry a subject between two login steps.
type StateTokens struct {
	signer *Signer
}

func NewStateTokens(s *Signer) *StateTokens { return &StateTokens{signer: s} }

func (t *StateTokens) IssueState(subjectID string) (string, error) {
	return t.issue(subjectID, PurposeTwoFactor)
}

func (t *StateTokens) VerifyState(compact string) (string, error) {
	return t.verify(compact, PurposeTwoFactor)
}

// IssueExternalLoginCode mints the authorization code handed out after an external-provider login.
func (t *StateTokens) IssueExternalLoginCode(subjectID string) (string, error) {
	return t.issue(subjectID, PurposeExternalLogin)
}

func (t *StateTokens) VerifyExternalLoginCode(compact string) (string, error) {
	return t.verify(compact, PurposeExternalLogin)
}

func (t *StateTokens) issue(subjectID, purpose string) (string, error) {
	if subjectID == "" {
		return "", fmt.Errorf("issue %s token: empty subject", purpose)
	}
	c := Claims{Purpose: purpose}
	c.Subject = subjectID
	return t.signer.Mint(c, TwoFactorAudience, StateTTL)
}

func (t *StateTokens) verify(compact, purpose string) (string, error) {
	c, err := t.signer.Verify(compact, TwoFactorAudience, 0)
	if err != nil {
		return "", err
	}
	if c.Purpose != purpose {
		return "", fmt.Errorf("%w: purpose %q", ErrClaimsRejected, c.Purpose)
	}
	return c.Subject, nil
}
