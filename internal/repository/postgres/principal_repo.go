package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NordCoder/authcore/internal/domain/auth"
	"github.com/NordCoder/authcore/internal/password"
	"go.uber.org/zap"
)

var _ auth.PrincipalStore = (*PrincipalRepo)(nil)

type LockoutPolicy struct {
	MaxFailed int           `mapstructure:"max_failed"`
	LockFor   time.Duration `mapstructure:"lock_for"`
}

// PrincipalRepo reads identities owned by the user service. Only login bookkeeping is written here.
type PrincipalRepo struct {
	db      *DB
	hasher  *password.Hasher
	lockout LockoutPolicy
	log     *zap.Logger
}

func NewPrincipalRepo(db *DB, hasher *password.Hasher, lockout LockoutPolicy, log *zap.Logger) *PrincipalRepo {
	if lockout.MaxFailed <= 0 {
		lockout.MaxFailed = 5
	}
	if lockout.LockFor <= 0 {
		lockout.LockFor = 15 * time.Minute
	}
	return &PrincipalRepo{
		db: db, hasher: hasher, lockout: lockout,
		log: log.With(zap.String("component", "pg.principals")),
	}
}

const principalColumns = `u.id, u.name, COALESCE(u.display_name, ''), u.email, u.is_active, u.is_suspended,
       u.two_factor_enabled`

const (
	qPrincipalByID = `
SELECT ` + principalColumns + `
FROM users u
WHERE u.id = $1;`

	qPrincipalByName = `
SELECT ` + principalColumns + `
FROM users u
WHERE lower(u.name) = lower($1);`

	qPrincipalRoles = `
SELECT r.name
FROM user_roles ur
JOIN roles r ON r.id = ur.role_id
WHERE ur.user_id = $1
ORDER BY r.name;`

	qPasswordHash = `SELECT password_hash FROM users WHERE id = $1;`

	qUpdatePasswordHash = `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1;`

	qLockedOut = `SELECT COALESCE(locked_until > now(), FALSE) FROM users WHERE id = $1;`

	qRecordFailed = `
UPDATE users
SET failed_attempts = failed_attempts + 1,
    locked_until    = CASE WHEN failed_attempts + 1 >= $2
                           THEN now() + make_interval(secs => $3)
                           ELSE locked_until END,
    updated_at      = now()
WHERE id = $1;`

	qResetFailed = `
UPDATE users
SET failed_attempts = 0, locked_until = NULL, updated_at = now()
WHERE id = $1 AND (failed_attempts > 0 OR locked_until IS NOT NULL);`

	qTOTPSecret = `SELECT COALESCE(totp_secret, '') FROM users WHERE id = $1 AND two_factor_enabled = TRUE;`
)

func (r *PrincipalRepo) FindByID(ctx context.Context, id string) (*auth.Principal, error) {
	return r.find(ctx, qPrincipalByID, id)
}

func (r *PrincipalRepo) FindByName(ctx context.Context, name string) (*auth.Principal, error) {
	return r.find(ctx, qPrincipalByName, name)
}

func (r *PrincipalRepo) find(ctx context.Context, query, arg string) (*auth.Principal, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var p auth.Principal
	if err := r.db.q(ctx).QueryRow(ctx, query, arg).Scan(
		&p.ID, &p.Name, &p.DisplayName, &p.Email, &p.Active, &p.Suspended, &p.TwoFactorEnabled,
	); err != nil {
		return nil, mapErr("principal find", err)
	}
	roles, err := r.roles(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	p.Roles = roles
	return &p, nil
}

func (r *PrincipalRepo) GetRoles(ctx context.Context, id string) ([]string, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()
	return r.roles(ctx, id)
}

func (r *PrincipalRepo) roles(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.q(ctx).Query(ctx, qPrincipalRoles, id)
	if err != nil {
		return nil, mapErr("principal roles", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, mapErr("principal roles scan", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// CheckPassword verifies against the stored hash and upgrades weak or legacy hashes on success.
func (r *PrincipalRepo) CheckPassword(ctx context.Context, id, pw string) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var encoded string
	if err := r.db.q(ctx).QueryRow(ctx, qPasswordHash, id).Scan(&encoded); err != nil {
		return false, mapErr("password hash", err)
	}
	ok, err := r.hasher.Verify(pw, encoded)
	if err != nil {
		return false, fmt.Errorf("verify password: %w", err)
	}
	if ok && r.hasher.NeedsRehash(encoded) {
		if upgraded, err := r.hasher.Hash(pw); err == nil {
			if _, err := r.db.q(ctx).Exec(ctx, qUpdatePasswordHash, id, upgraded); err != nil {
				r.log.Warn("password rehash", zap.String("user_id", id), zap.Error(err))
			}
		} else if !errors.Is(err, password.ErrTooShort) {
			r.log.Warn("password rehash", zap.String("user_id", id), zap.Error(err))
		}
	}
	return ok, nil
}

func (r *PrincipalRepo) IsLockedOut(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var locked bool
	if err := r.db.q(ctx).QueryRow(ctx, qLockedOut, id).Scan(&locked); err != nil {
		return false, mapErr("lockout", err)
	}
	return locked, nil
}

func (r *PrincipalRepo) RecordFailedLogin(ctx context.Context, id string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.q(ctx).Exec(ctx, qRecordFailed, id, r.lockout.MaxFailed, r.lockout.LockFor.Seconds())
	return mapErr("record failed login", err)
}

func (r *PrincipalRepo) ResetFailedLogins(ctx context.Context, id string) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	_, err := r.db.q(ctx).Exec(ctx, qResetFailed, id)
	return mapErr("reset failed logins", err)
}

// TOTPSecret returns the base32 secret, or ErrNotFound when two-factor is not enabled.
func (r *PrincipalRepo) TOTPSecret(ctx context.Context, id string) (string, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var secret string
	if err := r.db.q(ctx).QueryRow(ctx, qTOTPSecret, id).Scan(&secret); err != nil {
		return "", mapErr("totp secret", err)
	}
	if secret == "" {
		return "", ErrNotFound
	}
	return secret, nil
}
