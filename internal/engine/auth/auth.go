package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Permissions checked by the engine and the HTTP layer.
const (
	PermOrgManage       = "org.manage"
	PermAgentManage     = "agent.manage"
	PermActionSubmit    = "action.submit"
	PermApprovalRead    = "approval.read"
	PermApprovalResolve = "approval.resolve"
	PermSoulPropose     = "soul.propose"
	PermSoulRollback    = "soul.rollback"
	PermMessageSend     = "message.send"
	PermMessageRead     = "message.read"
	PermMessageUpdate   = "message.update"
	PermEventsRead      = "events.read"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
	OrgID      string
}

func (e ForbiddenError) Error() string {
	if e.OrgID == "" {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required on org %s", e.Permission, e.OrgID)
}

// Service provides RBAC helpers backed by SQL. A role held on an org also
// applies to every org below it.
type Service struct {
	DB *sql.DB
}

func (s Service) q(tx *sql.Tx) interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
} {
	if tx != nil {
		return tx
	}
	return s.DB
}

const ancestors = `WITH RECURSIVE chain(id, parent_id) AS (
  SELECT id, parent_id FROM organizations WHERE id=?
  UNION ALL
  SELECT o.id, o.parent_id FROM organizations o JOIN chain c ON o.id=c.parent_id
)`

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, orgID, actorID, perm string) (bool, error) {
	if actorID == "" {
		return false, errors.New("actor_id required")
	}
	row := s.q(tx).QueryRowContext(ctx, ancestors+`
SELECT 1 FROM org_roles r
JOIN role_permissions rp ON rp.role=r.role
WHERE r.org_id IN (SELECT id FROM chain) AND r.actor_id=? AND rp.permission=? LIMIT 1`,
		orgID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError when the actor lacks perm on orgID.
func (s Service) Require(ctx context.Context, tx *sql.Tx, orgID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, tx, orgID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm, OrgID: orgID}
	}
	return nil
}

// ActorPermissions lists permissions the actor holds on orgID, inherited ones included.
func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, orgID, actorID string) ([]string, error) {
	rows, err := s.q(tx).QueryContext(ctx, ancestors+`
SELECT DISTINCT rp.permission
FROM org_roles r
JOIN role_permissions rp ON rp.role=r.role
WHERE r.org_id IN (SELECT id FROM chain) AND r.actor_id=?
ORDER BY rp.permission`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// ActorRoles lists roles held directly on orgID or on its ancestors.
func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, orgID, actorID string) ([]string, error) {
	rows, err := s.q(tx).QueryContext(ctx, ancestors+`
SELECT DISTINCT role FROM org_roles WHERE org_id IN (SELECT id FROM chain) AND actor_id=? ORDER BY role`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
