package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/NordCoder/authcore/internal/domain/outbox"
	"github.com/NordCoder/authcore/internal/permission"
	"github.com/NordCoder/authcore/internal/token"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testIssuer   = "authcore-test"
	testAudience = "authcore.api"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// memTokens mirrors the conditional-update semantics of the SQL repository.
type memTokens struct {
	mu     sync.Mutex
	rows   map[string]*auth.RefreshToken // by hash
	seq    int
	failOn string

	// findGate, when set, is waited on by every FindByHash call.
	findGate *sync.WaitGroup
}

func newMemTokens() *memTokens { return &memTokens{rows: map[string]*auth.RefreshToken{}} }

func (m *memTokens) Create(_ context.Context, t *auth.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "create" {
		return errors.New("disk full")
	}
	if _, ok := m.rows[t.TokenHash]; ok {
		return errors.New("duplicate hash")
	}
	m.seq++
	cp := *t
	if cp.ID == "" {
		cp.ID = fmt.Sprintf("rt-%03d", m.seq)
		t.ID = cp.ID
	}
	m.rows[t.TokenHash] = &cp
	return nil
}

func (m *memTokens) FindByHash(_ context.Context, hash string) (*auth.RefreshToken, error) {
	if m.findGate != nil {
		m.findGate.Done()
		m.findGate.Wait()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "find" {
		return nil, errors.New("connection reset")
	}
	t, ok := m.rows[hash]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memTokens) RevokeActive(_ context.Context, hash string, rev auth.Revocation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[hash]
	if !ok || t.Revoked {
		return false, nil
	}
	revoke(t, rev)
	if rev.ReplacedByHash != "" {
		t.ReplacedByHash = rev.ReplacedByHash
	}
	return true, nil
}

func (m *memTokens) RevokeAllForUser(_ context.Context, userID string, rev auth.Revocation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.rows {
		if t.UserID == userID && !t.Revoked {
			revoke(t, rev)
			n++
		}
	}
	return n, nil
}

func (m *memTokens) ListActiveByUser(_ context.Context, userID string) ([]*auth.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*auth.RefreshToken
	for _, t := range m.rows {
		if t.UserID == userID && !t.Revoked {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memTokens) byRaw(raw string) *auth.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.rows[HashToken(raw)]
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func (m *memTokens) activeFor(userID string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.rows {
		if t.UserID == userID && t.Active(now) {
			n++
		}
	}
	return n
}

func (m *memTokens) snapshot() map[string]auth.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]auth.RefreshToken, len(m.rows))
	for k, v := range m.rows {
		out[k] = *v
	}
	return out
}

func (m *memTokens) restore(s map[string]auth.RefreshToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[string]*auth.RefreshToken, len(s))
	for k, v := range s {
		v := v
		m.rows[k] = &v
	}
}

func revoke(t *auth.RefreshToken, rev auth.Revocation) {
	at := rev.At
	t.Revoked = true
	t.RevokedAt = &at
	t.RevokedByIP = rev.IP
	t.RevokedReason = string(rev.Reason)
}

// memTx serializes transactions and rolls the token and alert stores back when fn fails.
type memTx struct {
	mu     sync.Mutex
	tokens *memTokens
	alerts *memAlerts
}

func (x *memTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	tokSnap := x.tokens.snapshot()
	alertSnap := x.alerts.snapshot()
	if err := fn(ctx); err != nil {
		x.tokens.restore(tokSnap)
		x.alerts.restore(alertSnap)
		return err
	}
	return nil
}

type memAlerts struct {
	mu   sync.Mutex
	keys []string
	data map[string][]byte
	fail bool
}

func newMemAlerts() *memAlerts { return &memAlerts{data: map[string][]byte{}} }

func (a *memAlerts) Enqueue(_ context.Context, key string, kind outbox.Kind, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return errors.New("outbox unavailable")
	}
	if kind != outbox.KindSecurityAlert {
		return errors.New("unexpected kind")
	}
	if _, ok := a.data[key]; ok {
		return nil
	}
	a.keys = append(a.keys, key)
	a.data[key] = data
	return nil
}

func (a *memAlerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.keys)
}

func (a *memAlerts) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.keys...)
}

func (a *memAlerts) restore(keys []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	keep := map[string]bool{}
	for _, k := range keys {
		keep[k] = true
	}
	for k := range a.data {
		if !keep[k] {
			delete(a.data, k)
		}
	}
	a.keys = keys
}

type memPrincipals struct {
	mu sync.Mutex
	m  map[string]*auth.Principal
}

func (p *memPrincipals) FindByID(_ context.Context, id string) (*auth.Principal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.m[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *pr
	return &cp, nil
}

func (p *memPrincipals) suspend(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[id].Suspended = true
}

// memGrants backs a real permission.Resolver.
type memGrants struct {
	roles  map[string]string
	grants map[string][]string
}

func (g *memGrants) RolesByName(_ context.Context, names []string) ([]auth.Role, error) {
	var out []auth.Role
	for _, n := range names {
		if id, ok := g.roles[strings.ToLower(n)]; ok {
			out = append(out, auth.Role{ID: id, Name: n})
		}
	}
	return out, nil
}

func (g *memGrants) EnabledGrants(_ context.Context, ids []string) ([]auth.PermissionGrant, error) {
	var out []auth.PermissionGrant
	for _, id := range ids {
		for _, c := range g.grants[id] {
			out = append(out, auth.PermissionGrant{RoleID: id, PermissionCode: c, Enabled: true})
		}
	}
	return out, nil
}

func (g *memGrants) SetGrant(context.Context, string, string, bool) error { return nil }

type harness struct {
	mgr        *Manager
	clock      *fakeClock
	tokens     *memTokens
	alerts     *memAlerts
	principals *memPrincipals
	signer     *token.Signer
	cfg        Config
}

var (
	alice = &auth.Principal{
		ID: "8a4d4a3e-0000-4000-8000-000000000001", Name: "alice", DisplayName: "Alice",
		Email: "alice@example.com", Active: true, Roles: []string{"Seller"},
	}
	bob = &auth.Principal{
		ID: "8a4d4a3e-0000-4000-8000-000000000002", Name: "bob", Email: "bob@example.com",
		Active: true, Roles: []string{"buyer"},
	}
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	signer, err := token.NewSigner(token.SignerConfig{Secret: []byte(testSecret), Issuer: testIssuer, Now: clk.Now})
	require.NoError(t, err)

	grants := &memGrants{
		roles: map[string]string{"seller": "r-seller"},
		grants: map[string][]string{
			"r-seller": {permission.AuctionCreate, permission.AuctionUpdate, permission.AuctionCancel, permission.BidRead},
		},
	}
	resolver, err := permission.NewResolver(grants, permission.Opts{Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(resolver.Close)

	tokens := newMemTokens()
	alerts := newMemAlerts()
	principals := &memPrincipals{m: map[string]*auth.Principal{}}
	for _, p := range []*auth.Principal{alice, bob} {
		cp := *p
		principals.m[p.ID] = &cp
	}

	cfg := Config{
		APIAudience:  testAudience,
		AccessTTL:    15 * time.Minute,
		AccessLeeway: 5 * time.Second,
		SlidingTTL:   7 * 24 * time.Hour,
		AbsoluteTTL:  10 * 24 * time.Hour,
		Now:          clk.Now,
	}
	mgr := NewManager(Deps{
		Tokens:      tokens,
		Principals:  principals,
		Permissions: resolver,
		Signer:      signer,
		Tx:          &memTx{tokens: tokens, alerts: alerts},
		Alerts:      alerts,
		Logger:      zap.NewNop(),
	}, cfg)

	return &harness{mgr: mgr, clock: clk, tokens: tokens, alerts: alerts, principals: principals, signer: signer, cfg: cfg}
}

func (h *harness) login(t *testing.T, p *auth.Principal) *Pair {
	t.Helper()
	pair, err := h.mgr.IssuePair(context.Background(), p, "198.51.100.7")
	require.NoError(t, err)
	return pair
}

func (h *harness) rotate(t *testing.T, raw string) RotateResult {
	t.Helper()
	res, err := h.mgr.Rotate(context.Background(), raw, "198.51.100.7")
	require.NoError(t, err)
	return res
}
