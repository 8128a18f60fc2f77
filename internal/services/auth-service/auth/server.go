package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	domainauth "github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/NordCoder/authcore/internal/obs"
	"github.com/NordCoder/authcore/internal/permission"
	"github.com/NordCoder/authcore/internal/services/auth-service/session"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// sessionInvalid is the only body a client sees for any refresh or bearer failure.
const sessionInvalid = "session is no longer valid, please sign in again"

const refreshHeader = "X-Refresh-Token"

type GrantAdmin interface {
	SetGrant(ctx context.Context, role, code string, enabled bool) error
}

type Server struct {
	log          *zap.Logger
	uc           *Usecase
	sessions     Sessions
	grants       GrantAdmin
	cookieName   string
	cookieDomain string
	cookiePath   string
	cookieSecure bool
	now          func() time.Time
}

type Opts struct {
	Logger       *zap.Logger
	CookieName   string
	CookieDomain string
	CookiePath   string
	CookieSecure bool
	Now          func() time.Time
}

func NewServer(uc *Usecase, sessions Sessions, grants GrantAdmin, o Opts) *Server {
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if o.CookieName == "" {
		o.CookieName = "refresh_token"
	}
	if o.CookiePath == "" {
		o.CookiePath = "/"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Server{
		log:          log.With(zap.String("component", "auth.http")),
		uc:           uc,
		sessions:     sessions,
		grants:       grants,
		cookieName:   o.CookieName,
		cookieDomain: o.CookieDomain,
		cookiePath:   o.CookiePath,
		cookieSecure: o.CookieSecure,
		now:          o.Now,
	}
}

func (s *Server) Register(r gin.IRouter) {
	a := r.Group("/v1/auth")
	a.POST("/sign-in", s.SignIn)
	a.POST("/two-factor", s.TwoFactor)
	a.POST("/external/exchange", s.ExchangeExternal)
	a.POST("/refresh", s.Refresh)
	a.POST("/logout", s.Logout)

	authed := a.Group("", s.RequireBearer())
	authed.POST("/logout-all", s.LogoutAll)
	authed.GET("/me", s.Me)
	authed.GET("/sessions", s.Sessions)
	authed.POST("/external/code", s.IssueExternalCode)

	admin := r.Group("/v1/admin", s.RequireBearer())
	admin.POST("/principals/:id/revoke", RequirePermission(permission.SessionRevoke), s.RevokePrincipal)
	admin.PUT("/roles/:role/permissions/:code", RequirePermission(permission.RoleManage), s.setGrant(true))
	admin.DELETE("/roles/:role/permissions/:code", RequirePermission(permission.RoleManage), s.setGrant(false))
}

type pairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type signInRequest struct {
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) SignIn(c *gin.Context) {
	var req signInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and password are required"})
		return
	}
	res, err := s.uc.SignIn(c.Request.Context(), req.Name, req.Password, c.ClientIP())
	if err != nil {
		s.fail(c, err)
		return
	}
	if res.TwoFactorRequired {
		c.JSON(http.StatusOK, gin.H{"two_factor_required": true, "state_token": res.StateToken})
		return
	}
	s.writePair(c, res.Pair)
}

type twoFactorRequest struct {
	StateToken string `json:"state_token" binding:"required"`
	Code       string `json:"code" binding:"required"`
}

func (s *Server) TwoFactor(c *gin.Context) {
	var req twoFactorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "state_token and code are required"})
		return
	}
	pair, err := s.uc.CompleteTwoFactor(c.Request.Context(), req.StateToken, req.Code, c.ClientIP())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writePair(c, pair)
}

type exchangeRequest struct {
	Code string `json:"code" binding:"required"`
}

func (s *Server) ExchangeExternal(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}
	pair, err := s.uc.ExchangeExternalLoginCode(c.Request.Context(), req.Code, c.ClientIP())
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writePair(c, pair)
}

func (s *Server) IssueExternalCode(c *gin.Context) {
	claims := ClaimsFrom(c)
	code, err := s.uc.IssueExternalLoginCode(c.Request.Context(), claims.Subject)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code})
}

func (s *Server) Refresh(c *gin.Context) {
	ctx := c.Request.Context()
	res, err := s.sessions.Rotate(ctx, s.refreshFrom(c), c.ClientIP())
	if err != nil {
		obs.WithTrace(ctx, s.log).Error("refresh", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if res.Outcome != session.OutcomeOK {
		s.clearRefreshCookie(c)
		obs.WithTrace(ctx, s.log).Info("refresh rejected", zap.Stringer("outcome", res.Outcome), zap.String("ip", c.ClientIP()))
		unauthorized(c)
		return
	}
	s.writePair(c, res.Pair)
}

func (s *Server) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.sessions.RevokeOne(ctx, s.refreshFrom(c), c.ClientIP()); err != nil {
		obs.WithTrace(ctx, s.log).Warn("logout", zap.Error(err))
	}
	s.clearRefreshCookie(c)
	c.Status(http.StatusNoContent)
}

func (s *Server) LogoutAll(c *gin.Context) {
	claims := ClaimsFrom(c)
	n, err := s.sessions.RevokeAll(c.Request.Context(), claims.Subject, c.ClientIP(), domainauth.ReasonLogoutAll)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.clearRefreshCookie(c)
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}

func (s *Server) Me(c *gin.Context) {
	claims := ClaimsFrom(c)
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time.UTC()
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          claims.Subject,
		"name":        claims.Name,
		"email":       claims.Email,
		"roles":       nonNil(claims.Roles),
		"permissions": nonNil(claims.Permissions),
		"expires_at":  exp,
	})
}

type sessionView struct {
	ID                string    `json:"id"`
	CreatedAt         time.Time `json:"created_at"`
	CreatedByIP       string    `json:"created_by_ip,omitempty"`
	ExpiresAt         time.Time `json:"expires_at"`
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`
	Current           bool      `json:"current"`
}

func (s *Server) Sessions(c *gin.Context) {
	claims := ClaimsFrom(c)
	rows, err := s.sessions.ListSessions(c.Request.Context(), claims.Subject)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]sessionView, 0, len(rows))
	for _, r := range rows {
		out = append(out, sessionView{
			ID:                r.ID,
			CreatedAt:         r.CreatedAt.UTC(),
			CreatedByIP:       r.CreatedByIP,
			ExpiresAt:         r.ExpiresAt.UTC(),
			AbsoluteExpiresAt: r.AbsoluteExpiresAt.UTC(),
			Current:           r.AccessTokenID == claims.ID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) RevokePrincipal(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	n, err := s.sessions.RevokeAll(c.Request.Context(), id, c.ClientIP(), domainauth.ReasonAdmin)
	if errors.Is(err, domainauth.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "principal not found"})
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	obs.WithTrace(c.Request.Context(), s.log).Info("admin revoked sessions",
		zap.String("principal_id", id), zap.String("by", ClaimsFrom(c).Subject), zap.Int64("revoked", n))
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}

func (s *Server) setGrant(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := s.grants.SetGrant(c.Request.Context(), c.Param("role"), c.Param("code"), enabled)
		if errors.Is(err, domainauth.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "role not found"})
			return
		}
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) writePair(c *gin.Context, p *session.Pair) {
	s.setRefreshCookie(c, p)
	c.JSON(http.StatusOK, pairResponse{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    p.ExpiresIn,
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrThrottled):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many attempts, try again later"})
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrLockedOut):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid name or password"})
	case errors.Is(err, ErrInvalidSecondFactor), errors.Is(err, ErrUnauthorized),
		errors.Is(err, session.ErrPrincipalInactive):
		unauthorized(c)
	default:
		obs.WithTrace(c.Request.Context(), s.log).Error("request failed",
			zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": sessionInvalid})
}

// refreshFrom prefers the HttpOnly cookie, then the header, then a JSON body.
func (s *Server) refreshFrom(c *gin.Context) string {
	if v, err := c.Cookie(s.cookieName); err == nil && v != "" {
		return v
	}
	if v := strings.TrimSpace(c.GetHeader(refreshHeader)); v != "" {
		return v
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if c.Request.ContentLength != 0 && c.ShouldBindJSON(&body) == nil {
		return strings.TrimSpace(body.RefreshToken)
	}
	return ""
}

func (s *Server) setRefreshCookie(c *gin.Context, p *session.Pair) {
	maxAge := int(p.RefreshExpiresAt.Sub(s.now()).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     s.cookieName,
		Value:    p.RefreshToken,
		Path:     s.cookiePath,
		Domain:   s.cookieDomain,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAge,
		Expires:  p.RefreshExpiresAt.UTC(),
	})
}

func (s *Server) clearRefreshCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     s.cookiePath,
		Domain:   s.cookieDomain,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0).UTC(),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
