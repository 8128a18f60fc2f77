package postgres

import (
	"context"

	"github.com/NordCoder/authcore/internal/domain/auth"
)

var _ auth.PermissionRepo = (*PermissionRepo)(nil)

type PermissionRepo struct{ db *DB }

func NewPermissionRepo(db *DB) *PermissionRepo { return &PermissionRepo{db: db} }

const (
	qRolesByName = `
SELECT id, name, COALESCE(description, '')
FROM roles
WHERE lower(name) = ANY($1::text[]);`

	qEnabledGrants = `
SELECT role_id, permission_code, enabled, created_at, updated_at
FROM role_permissions
WHERE role_id = ANY($1::uuid[]) AND enabled = TRUE;`

	// grants are disabled, never deleted
	qUpsertGrant = `
INSERT INTO role_permissions (role_id, permission_code, enabled, created_at, updated_at)
SELECT id, $2, $3, now(), now()
FROM roles
WHERE lower(name) = $1
ON CONFLICT (role_id, permission_code)
DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now();`
)

func (r *PermissionRepo) RolesByName(ctx context.Context, names []string) ([]auth.Role, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.q(ctx).Query(ctx, qRolesByName, names)
	if err != nil {
		return nil, mapErr("roles by name", err)
	}
	defer rows.Close()

	var out []auth.Role
	for rows.Next() {
		var role auth.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description); err != nil {
			return nil, mapErr("roles scan", err)
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (r *PermissionRepo) EnabledGrants(ctx context.Context, roleIDs []string) ([]auth.PermissionGrant, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	rows, err := r.db.q(ctx).Query(ctx, qEnabledGrants, roleIDs)
	if err != nil {
		return nil, mapErr("enabled grants", err)
	}
	defer rows.Close()

	var out []auth.PermissionGrant
	for rows.Next() {
		var g auth.PermissionGrant
		if err := rows.Scan(&g.RoleID, &g.PermissionCode, &g.Enabled, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, mapErr("grants scan", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *PermissionRepo) SetGrant(ctx context.Context, roleName, code string, enabled bool) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tag, err := r.db.q(ctx).Exec(ctx, qUpsertGrant, roleName, code, enabled)
	if err != nil {
		return mapErr("grant upsert", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
