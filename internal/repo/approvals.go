package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"governor/internal/domain"
)

const approvalColumns = `id,kind,agent_id,org_id,COALESCE(session_id,''),action,payload_kind,payload_json,original_payload_json,
risk_tier,static_risk,factors_json,status,approver_org_id,approver_layer,created_at,expires_at,resolved_at,
COALESCE(resolver,''),COALESCE(channel,''),always_allow,result_json,COALESCE(error,'')`

func scanApproval(row rowScanner) (domain.ApprovalRecord, error) {
	var a domain.ApprovalRecord
	var payload, factors string
	var original, resolvedAt, result sql.NullString
	var always int
	err := row.Scan(&a.ID, &a.Kind, &a.AgentID, &a.OrgID, &a.SessionID, &a.Action, &a.PayloadKind, &payload, &original,
		&a.RiskTier, &a.StaticRisk, &factors, &a.Status, &a.ApproverOrgID, &a.ApproverLayer, &a.CreatedAt, &a.ExpiresAt, &resolvedAt,
		&a.Resolver, &a.Channel, &always, &result, &a.Error)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Payload = json.RawMessage(payload)
	if original.Valid {
		a.OriginalPayload = json.RawMessage(original.String)
	}
	if result.Valid {
		a.Result = json.RawMessage(result.String)
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.String
	}
	if a.Factors, err = decodeList(factors); err != nil {
		return a, fmt.Errorf("approval %s factors: %w", a.ID, err)
	}
	a.AlwaysAllow = always == 1
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, tx *sql.Tx, a domain.ApprovalRecord) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO approvals(
id,kind,agent_id,org_id,session_id,action,payload_kind,payload_json,risk_tier,static_risk,factors_json,status,
approver_org_id,approver_layer,created_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Kind, a.AgentID, a.OrgID, nullable(a.SessionID), a.Action, a.PayloadKind, string(a.Payload),
		a.RiskTier, a.StaticRisk, encodeList(a.Factors), a.Status, a.ApproverOrgID, a.ApproverLayer, a.CreatedAt, a.ExpiresAt)
	return err
}

func (r Repo) GetApproval(ctx context.Context, tx *sql.Tx, id string) (domain.ApprovalRecord, error) {
	return scanApproval(r.q(tx).QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id=?`, id))
}

type ApprovalFilter struct {
	AgentID string
	// OrgID matches records raised in the org or routed to it for approval.
	OrgID  string
	Status domain.ApprovalStatus
	Kind   domain.RecordKind
	Limit  int
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilter) ([]domain.ApprovalRecord, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.OrgID != "" {
		clauses = append(clauses, "(org_id=? OR approver_org_id=?)")
		args = append(args, f.OrgID, f.OrgID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ApprovalRecord
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ApprovalUpdate lists the columns a transition writes alongside status.
// Nil fields are left untouched.
type ApprovalUpdate struct {
	ResolvedAt      *string
	Resolver        *string
	Channel         *string
	AlwaysAllow     *bool
	Payload         json.RawMessage
	OriginalPayload json.RawMessage
	Result          json.RawMessage
	Error           *string
}

// TransitionApproval moves a record from one status to another only if it is
// still in the from status. It reports whether the row changed.
func (r Repo) TransitionApproval(ctx context.Context, tx *sql.Tx, id string, from, to domain.ApprovalStatus, u ApprovalUpdate) (bool, error) {
	sets := []string{"status=?"}
	args := []any{to}
	if u.ResolvedAt != nil {
		sets = append(sets, "resolved_at=?")
		args = append(args, *u.ResolvedAt)
	}
	if u.Resolver != nil {
		sets = append(sets, "resolver=?")
		args = append(args, *u.Resolver)
	}
	if u.Channel != nil {
		sets = append(sets, "channel=?")
		args = append(args, nullable(*u.Channel))
	}
	if u.AlwaysAllow != nil {
		sets = append(sets, "always_allow=?")
		args = append(args, boolInt(*u.AlwaysAllow))
	}
	if u.Payload != nil {
		sets = append(sets, "payload_json=?")
		args = append(args, string(u.Payload))
	}
	if u.OriginalPayload != nil {
		sets = append(sets, "original_payload_json=?")
		args = append(args, string(u.OriginalPayload))
	}
	if u.Result != nil {
		sets = append(sets, "result_json=?")
		args = append(args, string(u.Result))
	}
	if u.Error != nil {
		sets = append(sets, "error=?")
		args = append(args, nullable(*u.Error))
	}
	args = append(args, id, from)
	res, err := r.q(tx).ExecContext(ctx, `UPDATE approvals SET `+strings.Join(sets, ", ")+` WHERE id=? AND status=?`, args...)
	return applied(res, err)
}

// AnnotateApproval sets the result annotation on a terminal record.
func (r Repo) AnnotateApproval(ctx context.Context, tx *sql.Tx, id string, result json.RawMessage) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE approvals SET result_json=? WHERE id=? AND status IN ('rejected','expired','succeeded','failed')`,
		string(result), id)
	return applied(res, err)
}

// DueForExpiry lists proposed records whose expiry is at or before now.
func (r Repo) DueForExpiry(ctx context.Context, now string, limit int) ([]string, error) {
	query := `SELECT id FROM approvals WHERE status='proposed' AND expires_at<=? ORDER BY expires_at, id`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
