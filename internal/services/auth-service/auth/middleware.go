package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/NordCoder/authcore/internal/obs"
	"github.com/NordCoder/authcore/internal/token"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const claimsKey = "authcore.claims"

// RequireBearer verifies the access token and stores its claims on the context.
func (s *Server) RequireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c)
			return
		}
		claims, err := s.sessions.ParseAccess(raw)
		if err != nil {
			obs.WithTrace(c.Request.Context(), s.log).Debug("bearer rejected", zap.Error(err))
			unauthorized(c)
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequirePermission must run after RequireBearer. Permissions come from the token snapshot.
func RequirePermission(code string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := ClaimsFrom(c)
		if claims == nil || !claims.HasPermission(code) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func ClaimsFrom(c *gin.Context) *token.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*token.Claims)
	return claims
}

func bearer(header string) (string, bool) {
	scheme, raw, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

// RequestLogger writes one line per request through zap.
func RequestLogger(l *zap.Logger) gin.HandlerFunc {
	log := l.With(zap.String("component", "http"))
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		rl := obs.WithTrace(c.Request.Context(), log)
		switch {
		case status >= 500:
			rl.Error("request", fields...)
		case status >= 400:
			rl.Info("request", fields...)
		default:
			rl.Debug("request", fields...)
		}
	}
}
