package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domainauth "github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/NordCoder/authcore/internal/permission"
	"github.com/NordCoder/authcore/internal/services/auth-service/session"
	"github.com/NordCoder/authcore/internal/token"
	"github.com/NordCoder/authcore/internal/totp"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testIssuer   = "authcore-test"
	testAudience = "authcore.api"
	testPassword = "correct horse battery"
	testTOTP     = "JBSWY3DPEHPK3PXP"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fakePrincipals struct {
	mu       sync.Mutex
	byID     map[string]*domainauth.Principal
	password map[string]string
	failed   map[string]int
	locked   map[string]bool
	totp     map[string]string
}

func newFakePrincipals(ps ...*domainauth.Principal) *fakePrincipals {
	f := &fakePrincipals{
		byID:     map[string]*domainauth.Principal{},
		password: map[string]string{},
		failed:   map[string]int{},
		locked:   map[string]bool{},
		totp:     map[string]string{},
	}
	for _, p := range ps {
		cp := *p
		f.byID[p.ID] = &cp
		f.password[p.ID] = testPassword
		if p.TwoFactorEnabled {
			f.totp[p.ID] = testTOTP
		}
	}
	return f
}

func (f *fakePrincipals) FindByID(_ context.Context, id string) (*domainauth.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byID[id]
	if !ok {
		return nil, domainauth.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakePrincipals) FindByName(_ context.Context, name string) (*domainauth.Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.byID {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domainauth.ErrNotFound
}

func (f *fakePrincipals) CheckPassword(_ context.Context, id, pw string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.password[id] == pw, nil
}

func (f *fakePrincipals) IsLockedOut(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked[id], nil
}

func (f *fakePrincipals) GetRoles(_ context.Context, id string) ([]string, error) {
	p, err := f.FindByID(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return p.Roles, nil
}

func (f *fakePrincipals) RecordFailedLogin(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id]++
	if f.failed[id] >= 3 {
		f.locked[id] = true
	}
	return nil
}

func (f *fakePrincipals) ResetFailedLogins(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = 0
	return nil
}

func (f *fakePrincipals) TOTPSecret(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.totp[id]
	if !ok {
		return "", domainauth.ErrNotFound
	}
	return s, nil
}

type revokeAllCall struct {
	PrincipalID string
	Reason      domainauth.RevokeReason
}

// fakeSessions mints real access tokens so the bearer middleware can be exercised end to end.
type fakeSessions struct {
	mu         sync.Mutex
	signer     *token.Signer
	clock      *fakeClock
	issued     []string
	rotations  map[string]session.RotateResult
	revokedOne []string
	revokeAll  []revokeAllCall
	list       []*domainauth.RefreshToken
	failIssue  error
}

func (f *fakeSessions) IssuePair(_ context.Context, p *domainauth.Principal, _ string) (*session.Pair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIssue != nil {
		return nil, f.failIssue
	}
	if !p.CanHoldSession() {
		return nil, session.ErrPrincipalInactive
	}
	f.issued = append(f.issued, p.ID)
	access, err := f.signer.Mint(token.Claims{
		Roles:            p.Roles,
		Permissions:      permission.DefaultGrants[p.Roles[0]],
		Name:             p.Name,
		Email:            p.Email,
		RegisteredClaims: jwt.RegisteredClaims{Subject: p.ID, ID: "jti-" + p.ID},
	}, testAudience, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	return &session.Pair{
		AccessToken:      access,
		RefreshToken:     "refresh-" + p.ID,
		ExpiresIn:        900,
		RefreshExpiresAt: f.clock.Now().Add(time.Hour),
	}, nil
}

func (f *fakeSessions) Rotate(_ context.Context, raw, _ string) (session.RotateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if raw == "boom" {
		return session.RotateResult{}, errors.New("db down")
	}
	if res, ok := f.rotations[raw]; ok {
		return res, nil
	}
	return session.RotateResult{Outcome: session.OutcomeTokenNotFound}, nil
}

func (f *fakeSessions) RevokeOne(_ context.Context, raw, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokedOne = append(f.revokedOne, raw)
	return nil
}

func (f *fakeSessions) RevokeAll(_ context.Context, id, _ string, reason domainauth.RevokeReason) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "not-a-uuid" {
		// what the store reports for an id Postgres cannot parse
		return 0, fmt.Errorf("revoke all for principal: %w", domainauth.ErrNotFound)
	}
	f.revokeAll = append(f.revokeAll, revokeAllCall{PrincipalID: id, Reason: reason})
	return 2, nil
}

func (f *fakeSessions) ListSessions(context.Context, string) ([]*domainauth.RefreshToken, error) {
	return f.list, nil
}

func (f *fakeSessions) ParseAccess(compact string) (*token.Claims, error) {
	return f.signer.Verify(compact, testAudience, 0)
}

type fakeGrants struct {
	calls []string
}

func (g *fakeGrants) SetGrant(_ context.Context, role, code string, enabled bool) error {
	if role == "ghost" {
		return domainauth.ErrNotFound
	}
	state := "off"
	if enabled {
		state = "on"
	}
	g.calls = append(g.calls, role+"/"+code+"/"+state)
	return nil
}

var (
	seller = &domainauth.Principal{
		ID: "11111111-1111-4111-8111-111111111111", Name: "seller1", Email: "s@example.com",
		Active: true, Roles: []string{"seller"},
	}
	admin = &domainauth.Principal{
		ID: "22222222-2222-4222-8222-222222222222", Name: "root", Email: "root@example.com",
		Active: true, Roles: []string{"admin"},
	}
	twoFA = &domainauth.Principal{
		ID: "33333333-3333-4333-8333-333333333333", Name: "careful", Email: "c@example.com",
		Active: true, TwoFactorEnabled: true, Roles: []string{"buyer"},
	}
	suspended = &domainauth.Principal{
		ID: "44444444-4444-4444-8444-444444444444", Name: "gone", Active: true, Suspended: true,
		Roles: []string{"user"},
	}
)

type fixture struct {
	uc         *Usecase
	principals *fakePrincipals
	sessions   *fakeSessions
	grants     *fakeGrants
	states     *token.StateTokens
	clock      *fakeClock
	signer     *token.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	signer, err := token.NewSigner(token.SignerConfig{Secret: []byte(testSecret), Issuer: testIssuer, Now: clk.Now})
	require.NoError(t, err)

	principals := newFakePrincipals(seller, admin, twoFA, suspended)
	sessions := &fakeSessions{signer: signer, clock: clk, rotations: map[string]session.RotateResult{}}
	states := token.NewStateTokens(signer)

	uc := NewUseCase(UsecaseDeps{
		Principals:   principals,
		Sessions:     sessions,
		States:       states,
		SecondFactor: NewTOTPVerifier(principals, totp.NewValidator(totp.DefaultConfig(), clk.Now)),
	})
	return &fixture{
		uc: uc, principals: principals, sessions: sessions, grants: &fakeGrants{},
		states: states, clock: clk, signer: signer,
	}
}
