package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/NordCoder/authcore/internal/domain/outbox"
	"github.com/NordCoder/authcore/internal/obs"
	"github.com/NordCoder/authcore/internal/token"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var ErrPrincipalInactive = errors.New("principal cannot hold a session")

// maxChainWalk bounds the replaced_by_hash walk; a rotation chain longer than this is not expected.
const maxChainWalk = 1000

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTokenNotFound
	OutcomeTokenExpired
	OutcomeSecurityTermination
	OutcomePrincipalInactive
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTokenNotFound:
		return "token_not_found"
	case OutcomeTokenExpired:
		return "token_expired"
	case OutcomeSecurityTermination:
		return "security_termination"
	case OutcomePrincipalInactive:
		return "principal_inactive"
	default:
		return "unknown"
	}
}

type Pair struct {
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int64
	RefreshExpiresAt time.Time
}

// RotateResult carries a Pair only when Outcome is OutcomeOK.
type RotateResult struct {
	Outcome Outcome
	Pair    *Pair
}

type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type PrincipalFinder interface {
	FindByID(ctx context.Context, id string) (*auth.Principal, error)
}

type PermissionSource interface {
	ResolveForRoles(ctx context.Context, roles []string) []string
}

type AlertQueue interface {
	Enqueue(ctx context.Context, key string, kind outbox.Kind, data []byte) error
}

type Config struct {
	APIAudience  string
	AccessTTL    time.Duration
	AccessLeeway time.Duration
	SlidingTTL   time.Duration
	AbsoluteTTL  time.Duration
	Now          func() time.Time
}

type Deps struct {
	Tokens      auth.RefreshTokenRepo
	Principals  PrincipalFinder
	Permissions PermissionSource
	Signer      *token.Signer
	Tx          Transactor
	Alerts      AlertQueue
	Logger      *zap.Logger
}

// Manager owns the refresh token lifecycle: issue, rotate, detect reuse, revoke.
type Manager struct {
	tokens  auth.RefreshTokenRepo
	users   PrincipalFinder
	perms   PermissionSource
	signer  *token.Signer
	tx      Transactor
	alerts  AlertQueue
	log     *zap.Logger
	cfg     Config
	nowFunc func() time.Time
}

func NewManager(d Deps, cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		tokens:  d.Tokens,
		users:   d.Principals,
		perms:   d.Permissions,
		signer:  d.Signer,
		tx:      d.Tx,
		alerts:  d.Alerts,
		log:     log.With(zap.String("component", "session.manager")),
		cfg:     cfg,
		nowFunc: now,
	}
}

// IssuePair mints an access token and a fresh refresh chain for p.
// The refresh row is stored before anything is returned.
func (m *Manager) IssuePair(ctx context.Context, p *auth.Principal, ip string) (*Pair, error) {
	ctx, span := otel.Tracer("session").Start(ctx, "session.issue")
	defer span.End()

	if !p.CanHoldSession() {
		return nil, ErrPrincipalInactive
	}
	now := m.nowFunc()
	pair, row, err := m.mint(ctx, p, ip, now, now.Add(m.cfg.AbsoluteTTL))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := m.tx.WithTx(ctx, func(ctx context.Context) error {
		return m.tokens.Create(ctx, row)
	}); err != nil {
		span.RecordError(err)
		obs.WithTrace(ctx, m.log).Error("persist refresh token", zap.String("principal_id", p.ID), zap.Error(err))
		return nil, fmt.Errorf("persist refresh token: %w", err)
	}
	issuedTotal.Inc()
	return pair, nil
}

// Rotate exchanges raw for a new pair. Expected failures are reported as outcomes; the error
// is reserved for store or signing failures.
func (m *Manager) Rotate(ctx context.Context, raw, ip string) (res RotateResult, err error) {
	ctx, span := otel.Tracer("session").Start(ctx, "session.rotate")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			rotationsTotal.WithLabelValues(res.Outcome.String()).Inc()
			span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
		}
		span.End()
	}()

	if raw == "" {
		return RotateResult{Outcome: OutcomeTokenNotFound}, nil
	}
	hash := HashToken(raw)
	log := obs.WithTrace(ctx, m.log)

	cur, err := m.tokens.FindByHash(ctx, hash)
	if errors.Is(err, auth.ErrNotFound) {
		return RotateResult{Outcome: OutcomeTokenNotFound}, nil
	}
	if err != nil {
		return RotateResult{}, fmt.Errorf("find refresh token: %w", err)
	}

	now := m.nowFunc()
	switch {
	case cur.Revoked:
		if err := m.terminate(ctx, cur, hash, ip, now); err != nil {
			return RotateResult{}, err
		}
		return RotateResult{Outcome: OutcomeSecurityTermination}, nil
	case cur.Expired(now):
		return RotateResult{Outcome: OutcomeTokenExpired}, nil
	}

	p, err := m.users.FindByID(ctx, cur.UserID)
	if err != nil && !errors.Is(err, auth.ErrNotFound) {
		return RotateResult{}, fmt.Errorf("load principal: %w", err)
	}
	if !p.CanHoldSession() {
		if _, err := m.revokeAll(ctx, cur.UserID, ip, auth.ReasonPrincipalInactive, now); err != nil {
			return RotateResult{}, err
		}
		log.Info("refresh for inactive principal", zap.String("principal_id", cur.UserID))
		return RotateResult{Outcome: OutcomePrincipalInactive}, nil
	}

	pair, next, err := m.mint(ctx, p, ip, now, cur.AbsoluteExpiresAt)
	if err != nil {
		return RotateResult{}, err
	}

	lost := false
	err = m.tx.WithTx(ctx, func(ctx context.Context) error {
		ok, err := m.tokens.RevokeActive(ctx, hash, auth.Revocation{
			At: now, IP: ip, Reason: auth.ReasonRotated, ReplacedByHash: next.TokenHash,
		})
		if err != nil {
			return fmt.Errorf("revoke rotated token: %w", err)
		}
		if !ok {
			lost = true
			return nil
		}
		if err := m.tokens.Create(ctx, next); err != nil {
			return fmt.Errorf("persist rotated token: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Error("rotate refresh token", zap.String("principal_id", cur.UserID), zap.Error(err))
		return RotateResult{}, err
	}
	if lost {
		log.Debug("concurrent rotation lost", zap.String("token_id", cur.ID))
		return RotateResult{Outcome: OutcomeTokenNotFound}, nil
	}
	revokedTotal.WithLabelValues(string(auth.ReasonRotated)).Inc()
	return RotateResult{Outcome: OutcomeOK, Pair: pair}, nil
}

// terminate handles the replay of an already revoked token: every descendant of the presented
// token and every remaining session of the principal is revoked and an alert is queued, in one
// transaction.
func (m *Manager) terminate(ctx context.Context, presented *auth.RefreshToken, hash, ip string, now time.Time) error {
	rev := auth.Revocation{At: now, IP: ip, Reason: auth.ReasonReuseDetected}
	var (
		walked int
		bulk   int64
	)
	err := m.tx.WithTx(ctx, func(ctx context.Context) error {
		walked, bulk = 0, 0
		next := presented.ReplacedByHash
		for steps := 0; next != "" && steps < maxChainWalk; steps++ {
			t, err := m.tokens.FindByHash(ctx, next)
			if errors.Is(err, auth.ErrNotFound) {
				break
			}
			if err != nil {
				return fmt.Errorf("walk chain: %w", err)
			}
			if !t.Revoked {
				ok, err := m.tokens.RevokeActive(ctx, t.TokenHash, rev)
				if err != nil {
					return fmt.Errorf("revoke descendant: %w", err)
				}
				if ok {
					walked++
				}
			}
			next = t.ReplacedByHash
		}

		n, err := m.tokens.RevokeAllForUser(ctx, presented.UserID, rev)
		if err != nil {
			return fmt.Errorf("revoke all for principal: %w", err)
		}
		bulk = n

		data, err := json.Marshal(auth.SecurityAlert{
			PrincipalID:     presented.UserID,
			PresentedToken:  presented.ID,
			RevokedCount:    int64(walked) + bulk,
			IP:              ip,
			DetectedAt:      now,
			ChainLength:     walked,
			OriginalRevoked: presented.RevokedReason,
		})
		if err != nil {
			return fmt.Errorf("marshal alert: %w", err)
		}
		// Replays of the same token collapse onto one alert.
		if err := m.alerts.Enqueue(ctx, "reuse:"+hash, outbox.KindSecurityAlert, data); err != nil {
			return fmt.Errorf("enqueue alert: %w", err)
		}
		return nil
	})
	if err != nil {
		obs.WithTrace(ctx, m.log).Error("security termination failed",
			zap.String("principal_id", presented.UserID), zap.Error(err))
		return err
	}

	reuseChainLength.Observe(float64(walked))
	revokedTotal.WithLabelValues(string(auth.ReasonReuseDetected)).Add(float64(int64(walked) + bulk))
	obs.WithTrace(ctx, m.log).Warn("refresh token reuse detected",
		zap.String("principal_id", presented.UserID),
		zap.String("token_id", presented.ID),
		zap.String("ip", ip),
		zap.Int("chain_revoked", walked),
		zap.Int64("bulk_revoked", bulk),
	)
	return nil
}

// RevokeOne revokes the token if it is still active. Unknown or already revoked tokens are not an error.
func (m *Manager) RevokeOne(ctx context.Context, raw, ip string) error {
	if raw == "" {
		return nil
	}
	ctx, span := otel.Tracer("session").Start(ctx, "session.revoke_one")
	defer span.End()

	var ok bool
	err := m.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		ok, err = m.tokens.RevokeActive(ctx, HashToken(raw), auth.Revocation{
			At: m.nowFunc(), IP: ip, Reason: auth.ReasonLogout,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	if ok {
		revokedTotal.WithLabelValues(string(auth.ReasonLogout)).Inc()
	}
	return nil
}

// RevokeAll revokes every active refresh token of the principal and returns how many were touched.
func (m *Manager) RevokeAll(ctx context.Context, principalID, ip string, reason auth.RevokeReason) (int64, error) {
	ctx, span := otel.Tracer("session").Start(ctx, "session.revoke_all")
	defer span.End()

	n, err := m.revokeAll(ctx, principalID, ip, reason, m.nowFunc())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("revoked", n))
	return n, nil
}

func (m *Manager) revokeAll(ctx context.Context, principalID, ip string, reason auth.RevokeReason, now time.Time) (int64, error) {
	var n int64
	err := m.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		n, err = m.tokens.RevokeAllForUser(ctx, principalID, auth.Revocation{At: now, IP: ip, Reason: reason})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("revoke all for principal: %w", err)
	}
	revokedTotal.WithLabelValues(string(reason)).Add(float64(n))
	return n, nil
}

func (m *Manager) ListSessions(ctx context.Context, principalID string) ([]*auth.RefreshToken, error) {
	return m.tokens.ListActiveByUser(ctx, principalID)
}

// ParseAccess verifies an access token against the API audience. Purpose-scoped tokens are
// never bearer credentials, whatever audience they carry.
func (m *Manager) ParseAccess(compact string) (*token.Claims, error) {
	c, err := m.signer.Verify(compact, m.cfg.APIAudience, m.cfg.AccessLeeway)
	if err != nil {
		return nil, err
	}
	if c.Purpose != "" {
		return nil, fmt.Errorf("%w: purpose %q", token.ErrClaimsRejected, c.Purpose)
	}
	return c, nil
}

// mint builds the pair and the row to persist. The refresh row expires at the sliding
// deadline capped by absolute, which is inherited unchanged along a rotation chain.
func (m *Manager) mint(ctx context.Context, p *auth.Principal, ip string, now, absolute time.Time) (*Pair, *auth.RefreshToken, error) {
	raw, err := newRawToken()
	if err != nil {
		return nil, nil, err
	}
	jti := uuid.NewString()
	access, err := m.signer.Mint(token.Claims{
		Roles:            p.Roles,
		Permissions:      m.perms.ResolveForRoles(ctx, p.Roles),
		Name:             p.Name,
		Email:            p.Email,
		RegisteredClaims: jwt.RegisteredClaims{Subject: p.ID, ID: jti},
	}, m.cfg.APIAudience, m.cfg.AccessTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("mint access token: %w", err)
	}

	expires := now.Add(m.cfg.SlidingTTL)
	if expires.After(absolute) {
		expires = absolute
	}
	row := &auth.RefreshToken{
		UserID:            p.ID,
		TokenHash:         HashToken(raw),
		AccessTokenID:     jti,
		CreatedAt:         now,
		CreatedByIP:       ip,
		ExpiresAt:         expires,
		AbsoluteExpiresAt: absolute,
	}
	return &Pair{
		AccessToken:      access,
		RefreshToken:     raw,
		ExpiresIn:        int64(m.cfg.AccessTTL / time.Second),
		RefreshExpiresAt: expires,
	}, row, nil
}
