package postgres

import (
	"context"
	"time"

	"github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
)

var _ auth.RefreshTokenRepo = (*RefreshTokenRepo)(nil)

type RefreshTokenRepo struct{ db *DB }

func NewRefreshTokenRepo(db *DB) *RefreshTokenRepo { return &RefreshTokenRepo{db: db} }

const rtColumns = `id, user_id, token_hash, access_token_id, created_at, created_by_ip,
       expires_at, absolute_expires_at, is_revoked, revoked_at, revoked_by_ip,
       revoked_reason, replaced_by_hash`

const (
	qRTCreate = `
INSERT INTO refresh_tokens (id, user_id, token_hash, access_token_id, created_at, created_by_ip,
                            expires_at, absolute_expires_at, is_revoked)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE);`

	qRTByHash = `
SELECT ` + rtColumns + `
FROM refresh_tokens
WHERE token_hash = $1;`

	qRTRevokeActive = `
UPDATE refresh_tokens
SET is_revoked       = TRUE,
    revoked_at       = $2,
    revoked_by_ip    = $3,
    revoked_reason   = $4,
    replaced_by_hash = COALESCE($5, replaced_by_hash)
WHERE token_hash = $1 AND is_revoked = FALSE;`

	qRTRevokeAllForUser = `
UPDATE refresh_tokens
SET is_revoked     = TRUE,
    revoked_at     = $2,
    revoked_by_ip  = $3,
    revoked_reason = $4
WHERE user_id = $1 AND is_revoked = FALSE;`

	qRTListActive = `
SELECT ` + rtColumns + `
FROM refresh_tokens
WHERE user_id = $1
  AND is_revoked = FALSE
  AND expires_at > $2
  AND absolute_expires_at > $2
ORDER BY created_at DESC;`
)

func (r *RefreshTokenRepo) Create(ctx context.Context, t *auth.RefreshToken) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if t.ID == "" {
		t.ID = ulid.Make().String()
	}
	_, err := r.db.q(ctx).Exec(ctx, qRTCreate,
		t.ID, t.UserID, t.TokenHash, nullable(t.AccessTokenID), t.CreatedAt, nullable(t.CreatedByIP),
		t.ExpiresAt, t.AbsoluteExpiresAt,
	)
	return mapErr("refresh insert", err)
}

func (r *RefreshTokenRepo) FindByHash(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	t, err := scanRefresh(r.db.q(ctx).QueryRow(ctx, qRTByHash, tokenHash))
	if err != nil {
		return nil, mapErr("refresh by hash", err)
	}
	return t, nil
}

// RevokeActive is the compare-and-set step of rotation: only a non-revoked row is touched.
func (r *RefreshTokenRepo) RevokeActive(ctx context.Context, tokenHash string, rev auth.Revocation) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx, qRTRevokeActive,
		tokenHash, rev.At, nullable(rev.IP), string(rev.Reason), nullable(rev.ReplacedByHash))
	if err != nil {
		return false, mapErr("refresh revoke", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *RefreshTokenRepo) RevokeAllForUser(ctx context.Context, userID string, rev auth.Revocation) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx, qRTRevokeAllForUser, userID, rev.At, nullable(rev.IP), string(rev.Reason))
	if err != nil {
		return 0, mapErr("refresh revoke all", err)
	}
	return tag.RowsAffected(), nil
}

func (r *RefreshTokenRepo) ListActiveByUser(ctx context.Context, userID string) ([]*auth.RefreshToken, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.q(ctx).Query(ctx, qRTListActive, userID, time.Now().UTC())
	if err != nil {
		return nil, mapErr("refresh list", err)
	}
	defer rows.Close()

	var out []*auth.RefreshToken
	for rows.Next() {
		t, err := scanRefresh(rows)
		if err != nil {
			return nil, mapErr("refresh scan", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanRefresh(row pgx.Row) (*auth.RefreshToken, error) {
	var (
		t                              auth.RefreshToken
		accessID, createdIP, revokedIP *string
		revokedReason, replacedBy      *string
	)
	if err := row.Scan(
		&t.ID, &t.UserID, &t.TokenHash, &accessID, &t.CreatedAt, &createdIP,
		&t.ExpiresAt, &t.AbsoluteExpiresAt, &t.Revoked, &t.RevokedAt, &revokedIP,
		&revokedReason, &replacedBy,
	); err != nil {
		return nil, err
	}
	t.AccessTokenID = deref(accessID)
	t.CreatedByIP = deref(createdIP)
	t.RevokedByIP = deref(revokedIP)
	t.RevokedReason = deref(revokedReason)
	t.ReplacedByHash = deref(replacedBy)
	return &t, nil
}
