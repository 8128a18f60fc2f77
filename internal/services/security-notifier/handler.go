package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/NordCoder/authcore/internal/obs"
	"github.com/NordCoder/authcore/internal/obs/retry"
	"go.uber.org/zap"
)

const channelEmail = "email"

type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type PrincipalReader interface {
	FindByID(ctx context.Context, id string) (*auth.Principal, error)
}

type Handler struct {
	Principals PrincipalReader
	Store      auth.AlertNotificationRepo
	Out        EmailSender
	Retry      retry.Policy
	Now        func() time.Time
	Log        *zap.Logger
}

// HandleAlert emails the principal once per alert. Alerts that can never be delivered are
// dropped with a log line; transient failures are returned so the consumer redelivers the alert.
func (h *Handler) HandleAlert(ctx context.Context, a auth.SecurityAlert) error {
	log := obs.WithTrace(ctx, h.logger()).With(
		zap.String("principal_id", a.PrincipalID),
		zap.String("token_id", a.PresentedToken),
	)
	if a.PrincipalID == "" {
		alerts.WithLabelValues("invalid").Inc()
		log.Warn("alert without principal")
		return nil
	}

	sent, err := h.Store.Sent(ctx, a.Key(), channelEmail)
	if err != nil {
		return fmt.Errorf("check sent: %w", err)
	}
	if sent {
		alerts.WithLabelValues("duplicate").Inc()
		log.Debug("alert already notified")
		return nil
	}

	p, err := h.Principals.FindByID(ctx, a.PrincipalID)
	if errors.Is(err, auth.ErrNotFound) {
		alerts.WithLabelValues("unknown_principal").Inc()
		log.Warn("alert for unknown principal")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get principal: %w", err)
	}
	if strings.TrimSpace(p.Email) == "" {
		alerts.WithLabelValues("no_address").Inc()
		log.Warn("principal has no email address")
		return nil
	}

	subject := "Your sessions were signed out"
	body := renderBody(p, a)
	if err := retry.Do(ctx, func() error { return h.Out.Send(ctx, p.Email, subject, body) }, h.Retry); err != nil {
		alerts.WithLabelValues("send_failed").Inc()
		return fmt.Errorf("send email: %w", err)
	}
	alerts.WithLabelValues("sent").Inc()

	n := &auth.AlertNotification{
		AlertKey:    a.Key(),
		PrincipalID: p.ID,
		Channel:     channelEmail,
		SentAt:      h.now().UTC(),
		Payload:     body,
	}
	if _, err := h.Store.Record(ctx, n); err != nil {
		// the mail is out; a redelivery may send it twice
		log.Warn("record notification", zap.Error(err))
	}
	log.Info("security alert notified", zap.String("to", obs.Redact(p.Email)))
	return nil
}

func renderBody(p *auth.Principal, a auth.SecurityAlert) string {
	name := p.DisplayName
	if name == "" {
		name = p.Name
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	fmt.Fprintf(&b, "At %s a sign-in token that had already been used was presented again", a.DetectedAt.UTC().Format(time.RFC3339))
	if a.IP != "" {
		fmt.Fprintf(&b, " from %s", a.IP)
	}
	b.WriteString(".\n\n")
	fmt.Fprintf(&b, "As a precaution all of your sessions were signed out (%d in total).\n", a.RevokedCount)
	b.WriteString("If this was not you, change your password after signing in again.\n")
	return b.String()
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) logger() *zap.Logger {
	if h.Log != nil {
		return h.Log
	}
	return zap.NewNop()
}
