package repo

import (
	"context"
	"database/sql"

	"governor/internal/config"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) AssignOrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID, role string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO org_roles(org_id, actor_id, role) VALUES (?,?,?)`, orgID, actorID, role)
	return err
}

func (r Repo) RevokeOrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID, role string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM org_roles WHERE org_id=? AND actor_id=? AND role=?`, orgID, actorID, role)
	return err
}

// SyncRolePermissions replaces the role/permission table with the configured roles.
func (r Repo) SyncRolePermissions(ctx context.Context, tx *sql.Tx, roles map[string]config.RBACRole) error {
	if _, err := r.q(tx).ExecContext(ctx, `DELETE FROM role_permissions`); err != nil {
		return err
	}
	for role, def := range roles {
		for _, perm := range def.Permissions {
			if _, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role, permission) VALUES (?,?)`, role, perm); err != nil {
				return err
			}
		}
	}
	return nil
}

// ActorOrgRoles lists the roles an actor holds in one org.
func (r Repo) ActorOrgRoles(ctx context.Context, tx *sql.Tx, orgID, actorID string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT role FROM org_roles WHERE org_id=? AND actor_id=? ORDER BY role`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
