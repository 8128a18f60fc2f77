package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/jackc/pgx/v5"
)

var _ auth.AlertNotificationRepo = (*AlertNotificationRepo)(nil)

type AlertNotificationRepo struct{ db *DB }

func NewAlertNotificationRepo(db *DB) *AlertNotificationRepo { return &AlertNotificationRepo{db: db} }

const (
	qNotifInsert = `
INSERT INTO alert_notifications (alert_key, user_id, channel, sent_at, payload)
VALUES ($1, $2, $3, COALESCE($4, now()), $5)
ON CONFLICT (alert_key, channel) DO NOTHING
RETURNING id, sent_at;`

	qNotifSent = `
SELECT EXISTS (SELECT 1 FROM alert_notifications WHERE alert_key = $1 AND channel = $2);`

	qNotifByUser = `
SELECT id, alert_key, user_id::text, channel, sent_at, payload
FROM alert_notifications
WHERE user_id = $1
ORDER BY sent_at DESC
LIMIT $2;`
)

func (r *AlertNotificationRepo) Record(ctx context.Context, n *auth.AlertNotification) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	err := r.db.q(ctx).QueryRow(ctx, qNotifInsert,
		n.AlertKey,
		n.PrincipalID,
		n.Channel,
		nullTime(n.SentAt),
		n.Payload,
	).Scan(&n.ID, &n.SentAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapErr("insert alert notification", err)
	}
	return true, nil
}

func (r *AlertNotificationRepo) Sent(ctx context.Context, alertKey, channel string) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var ok bool
	if err := r.db.q(ctx).QueryRow(ctx, qNotifSent, alertKey, channel).Scan(&ok); err != nil {
		return false, mapErr("alert notification exists", err)
	}
	return ok, nil
}

func (r *AlertNotificationRepo) ListByPrincipal(ctx context.Context, principalID string, limit int) ([]*auth.AlertNotification, error) {
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.q(ctx).Query(ctx, qNotifByUser, principalID, limit)
	if err != nil {
		return nil, mapErr("query alert notifications", err)
	}
	defer rows.Close()

	out := make([]*auth.AlertNotification, 0, limit)
	for rows.Next() {
		var n auth.AlertNotification
		if err := rows.Scan(&n.ID, &n.AlertKey, &n.PrincipalID, &n.Channel, &n.SentAt, &n.Payload); err != nil {
			return nil, fmt.Errorf("scan alert notification: %w", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
