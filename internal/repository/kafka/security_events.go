package kafka

import (
	"context"
	"errors"

	"github.com/NordCoder/authcore/internal/domain/auth"
	domainkafka "github.com/NordCoder/authcore/internal/domain/kafka"
)

var _ domainkafka.SecurityEvents = (*SecurityEventsKafka)(nil)

// SecurityEventsKafka keys alerts by principal so one principal's alerts stay ordered.
type SecurityEventsKafka struct {
	p *Producer
}

func NewSecurityEventsKafka(p *Producer) *SecurityEventsKafka { return &SecurityEventsKafka{p: p} }

func (e *SecurityEventsKafka) PublishSecurityAlert(ctx context.Context, alert auth.SecurityAlert) error {
	if alert.PrincipalID == "" {
		return errors.New("security alert without principal")
	}
	return e.p.PublishJSON(ctx, []byte(alert.PrincipalID), alert)
}
