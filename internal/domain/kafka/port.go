package kafka

import (
	"context"

	"github.com/NordCoder/authcore/internal/domain/auth"
)

const TopicSecurityAlerts = "authcore.security.alerts"

type SecurityEvents interface {
	PublishSecurityAlert(ctx context.Context, alert auth.SecurityAlert) error
}
