package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domainauth "github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/NordCoder/authcore/internal/obs"
	"github.com/NordCoder/authcore/internal/ratelimit"
	"github.com/NordCoder/authcore/internal/services/auth-service/session"
	"github.com/NordCoder/authcore/internal/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	ErrInvalidCredentials  = errors.New("invalid name or password")
	ErrLockedOut           = errors.New("account temporarily locked")
	ErrThrottled           = errors.New("too many attempts")
	ErrInvalidSecondFactor = errors.New("invalid second factor")
	// ErrUnauthorized covers every rejected state token or external login code.
	ErrUnauthorized = errors.New("unauthorized")
)

var signIns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "authcore_sign_in_total",
	Help: "Sign-in attempts by step and result.",
}, []string{"step", "result"})

// Sessions is the part of the lifecycle manager the auth flows depend on.
type Sessions interface {
	IssuePair(ctx context.Context, p *domainauth.Principal, ip string) (*session.Pair, error)
	Rotate(ctx context.Context, raw, ip string) (session.RotateResult, error)
	RevokeOne(ctx context.Context, raw, ip string) error
	RevokeAll(ctx context.Context, principalID, ip string, reason domainauth.RevokeReason) (int64, error)
	ListSessions(ctx context.Context, principalID string) ([]*domainauth.RefreshToken, error)
	ParseAccess(compact string) (*token.Claims, error)
}

type SignInResult struct {
	Pair              *session.Pair
	TwoFactorRequired bool
	StateToken        string
}

type Usecase struct {
	principals domainauth.PrincipalStore
	sessions   Sessions
	states     *token.StateTokens
	second     domainauth.SecondFactorVerifier
	limiter    ratelimit.Limiter
	log        *zap.Logger
}

type UsecaseDeps struct {
	Principals   domainauth.PrincipalStore
	Sessions     Sessions
	States       *token.StateTokens
	SecondFactor domainauth.SecondFactorVerifier
	Limiter      ratelimit.Limiter
	Logger       *zap.Logger
}

func NewUseCase(d UsecaseDeps) *Usecase {
	lim := d.Limiter
	if lim == nil {
		lim = ratelimit.Noop{}
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Usecase{
		principals: d.Principals,
		sessions:   d.Sessions,
		states:     d.States,
		second:     d.SecondFactor,
		limiter:    lim,
		log:        log.With(zap.String("component", "auth.usecase")),
	}
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SignIn checks the password and either issues a pair or, for two-factor principals,
// a state token for the second step.
func (u *Usecase) SignIn(ctx context.Context, name, password, ip string) (*SignInResult, error) {
	name = normalizeName(name)
	log := obs.WithTrace(ctx, u.log).With(zap.String("name", name), zap.String("ip", ip))
	if name == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	if err := u.allow(ctx, "signin:"+name); err != nil {
		signIns.WithLabelValues("password", "throttled").Inc()
		return nil, err
	}

	p, err := u.principals.FindByName(ctx, name)
	if errors.Is(err, domainauth.ErrNotFound) {
		signIns.WithLabelValues("password", "unknown").Inc()
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}

	locked, err := u.principals.IsLockedOut(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("lockout check: %w", err)
	}
	if locked {
		signIns.WithLabelValues("password", "locked").Inc()
		log.Info("sign-in while locked out")
		return nil, ErrLockedOut
	}

	ok, err := u.principals.CheckPassword(ctx, p.ID, password)
	if err != nil {
		return nil, fmt.Errorf("check password: %w", err)
	}
	if !ok {
		if err := u.principals.RecordFailedLogin(ctx, p.ID); err != nil {
			log.Warn("record failed login", zap.Error(err))
		}
		signIns.WithLabelValues("password", "bad_password").Inc()
		return nil, ErrInvalidCredentials
	}
	if !p.CanHoldSession() {
		signIns.WithLabelValues("password", "inactive").Inc()
		return nil, ErrInvalidCredentials
	}
	if err := u.principals.ResetFailedLogins(ctx, p.ID); err != nil {
		log.Warn("reset failed logins", zap.Error(err))
	}
	u.resetThrottle(ctx, "signin:"+name)

	if p.TwoFactorEnabled {
		state, err := u.states.IssueState(p.ID)
		if err != nil {
			return nil, fmt.Errorf("issue state token: %w", err)
		}
		signIns.WithLabelValues("password", "two_factor").Inc()
		return &SignInResult{TwoFactorRequired: true, StateToken: state}, nil
	}

	pair, err := u.sessions.IssuePair(ctx, p, ip)
	if err != nil {
		return nil, err
	}
	signIns.WithLabelValues("password", "ok").Inc()
	log.Info("signed in", zap.String("principal_id", p.ID))
	return &SignInResult{Pair: pair}, nil
}

// CompleteTwoFactor finishes a login started by SignIn.
func (u *Usecase) CompleteTwoFactor(ctx context.Context, stateToken, code, ip string) (*session.Pair, error) {
	subject, err := u.states.VerifyState(stateToken)
	if err != nil {
		signIns.WithLabelValues("two_factor", "bad_state").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if err := u.allow(ctx, "2fa:"+subject); err != nil {
		signIns.WithLabelValues("two_factor", "throttled").Inc()
		return nil, err
	}

	p, err := u.activePrincipal(ctx, subject)
	if err != nil {
		return nil, err
	}
	ok, err := u.second.VerifySecondFactor(ctx, p.ID, code)
	if err != nil {
		return nil, fmt.Errorf("verify second factor: %w", err)
	}
	if !ok {
		if err := u.principals.RecordFailedLogin(ctx, p.ID); err != nil {
			obs.WithTrace(ctx, u.log).Warn("record failed login", zap.String("principal_id", p.ID), zap.Error(err))
		}
		signIns.WithLabelValues("two_factor", "bad_code").Inc()
		return nil, ErrInvalidSecondFactor
	}
	u.resetThrottle(ctx, "2fa:"+subject)

	pair, err := u.sessions.IssuePair(ctx, p, ip)
	if err != nil {
		return nil, err
	}
	signIns.WithLabelValues("two_factor", "ok").Inc()
	return pair, nil
}

// IssueExternalLoginCode hands an authenticated principal a short-lived code another client can
// exchange for its own session.
func (u *Usecase) IssueExternalLoginCode(ctx context.Context, principalID string) (string, error) {
	if _, err := u.activePrincipal(ctx, principalID); err != nil {
		return "", err
	}
	return u.states.IssueExternalLoginCode(principalID)
}

func (u *Usecase) ExchangeExternalLoginCode(ctx context.Context, code, ip string) (*session.Pair, error) {
	subject, err := u.states.VerifyExternalLoginCode(code)
	if err != nil {
		signIns.WithLabelValues("external", "bad_code").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	p, err := u.activePrincipal(ctx, subject)
	if err != nil {
		return nil, err
	}
	pair, err := u.sessions.IssuePair(ctx, p, ip)
	if err != nil {
		return nil, err
	}
	signIns.WithLabelValues("external", "ok").Inc()
	return pair, nil
}

func (u *Usecase) activePrincipal(ctx context.Context, id string) (*domainauth.Principal, error) {
	p, err := u.principals.FindByID(ctx, id)
	if errors.Is(err, domainauth.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}
	if !p.CanHoldSession() {
		return nil, ErrUnauthorized
	}
	return p, nil
}

// resetThrottle clears the counter after a success; a failure only leaves the window to expire.
func (u *Usecase) resetThrottle(ctx context.Context, key string) {
	if err := u.limiter.Reset(ctx, key); err != nil {
		obs.WithTrace(ctx, u.log).Warn("reset throttle", zap.String("key", key), zap.Error(err))
	}
}

// allow fails open when the limiter backend is down.
func (u *Usecase) allow(ctx context.Context, key string) error {
	err := u.limiter.Allow(ctx, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ratelimit.ErrLimited):
		return ErrThrottled
	default:
		obs.WithTrace(ctx, u.log).Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
		return nil
	}
}
