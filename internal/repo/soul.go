package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"governor/internal/domain"
)

func (r Repo) InsertSoulProposal(ctx context.Context, tx *sql.Tx, p domain.SoulProposal, normalized string) error {
	evidence, err := json.Marshal(p.Evidence)
	if err != nil {
		return err
	}
	if p.Evidence == nil {
		evidence = []byte("[]")
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO soul_proposals(
approval_id,agent_id,field,operation,previous_value,proposed_value,normalized_value,justification,evidence_json,source,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ApprovalID, p.AgentID, p.Field, p.Operation, nullable(p.PreviousValue), p.ProposedValue, normalized,
		p.Justification, string(evidence), p.Source, p.CreatedAt)
	return err
}

func (r Repo) GetSoulProposal(ctx context.Context, tx *sql.Tx, approvalID string) (domain.SoulProposal, error) {
	var p domain.SoulProposal
	var evidence string
	err := r.q(tx).QueryRowContext(ctx, `SELECT approval_id,agent_id,field,operation,COALESCE(previous_value,''),proposed_value,
justification,evidence_json,source,created_at FROM soul_proposals WHERE approval_id=?`, approvalID).
		Scan(&p.ApprovalID, &p.AgentID, &p.Field, &p.Operation, &p.PreviousValue, &p.ProposedValue,
			&p.Justification, &evidence, &p.Source, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if p.Evidence, err = decodeList(evidence); err != nil {
		return p, err
	}
	return p, nil
}

// CountProposalsSince counts proposals an agent created at or after since.
func (r Repo) CountProposalsSince(ctx context.Context, tx *sql.Tx, agentID, since string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM soul_proposals WHERE agent_id=? AND created_at>=?`, agentID, since).Scan(&n)
	return n, err
}

// RejectedValuesSince returns normalized values of rejected proposals on the
// same field and operation resolved at or after since.
func (r Repo) RejectedValuesSince(ctx context.Context, tx *sql.Tx, agentID string, field domain.SoulField, op domain.SoulOperation, since string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT sp.normalized_value FROM soul_proposals sp
JOIN approvals a ON a.id=sp.approval_id
WHERE sp.agent_id=? AND sp.field=? AND sp.operation=? AND a.status='rejected' AND COALESCE(a.resolved_at,a.created_at)>=?`,
		agentID, field, op, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r Repo) InsertSoulVersion(ctx context.Context, tx *sql.Tx, v domain.SoulVersion) error {
	var prev any
	if len(v.Previous) > 0 {
		prev = string(v.Previous)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO soul_versions(agent_id,version,soul_json,previous_json,change,proposal_id,created_at)
VALUES (?,?,?,?,?,?,?)`, v.AgentID, v.Version, string(v.Soul), prev, v.Change, nullable(v.ProposalID), v.CreatedAt)
	return err
}

const soulVersionColumns = `agent_id,version,soul_json,previous_json,change,COALESCE(proposal_id,''),created_at`

func scanSoulVersion(row rowScanner) (domain.SoulVersion, error) {
	var v domain.SoulVersion
	var soul string
	var prev sql.NullString
	err := row.Scan(&v.AgentID, &v.Version, &soul, &prev, &v.Change, &v.ProposalID, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Soul = json.RawMessage(soul)
	if prev.Valid {
		v.Previous = json.RawMessage(prev.String)
	}
	return v, nil
}

func (r Repo) GetSoulVersion(ctx context.Context, tx *sql.Tx, agentID string, version int) (domain.SoulVersion, error) {
	return scanSoulVersion(r.q(tx).QueryRowContext(ctx, `SELECT `+soulVersionColumns+` FROM soul_versions WHERE agent_id=? AND version=?`, agentID, version))
}

// ListSoulVersions returns versions newest first.
func (r Repo) ListSoulVersions(ctx context.Context, agentID string, limit int) ([]domain.SoulVersion, error) {
	query := `SELECT ` + soulVersionColumns + ` FROM soul_versions WHERE agent_id=? ORDER BY version DESC`
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SoulVersion
	for rows.Next() {
		v, err := scanSoulVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
