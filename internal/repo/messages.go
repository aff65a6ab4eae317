package repo

import (
	"context"
	"database/sql"
	"strings"

	"governor/internal/domain"
)

const messageColumns = `id,kind,source_agent_id,source_org_id,source_layer,target_org_id,target_layer,COALESCE(severity,''),body,status,created_at,updated_at`

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	err := row.Scan(&m.ID, &m.Kind, &m.SourceAgentID, &m.SourceOrgID, &m.SourceLayer, &m.TargetOrgID, &m.TargetLayer,
		&m.Severity, &m.Body, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO messages(
id,kind,source_agent_id,source_org_id,source_layer,target_org_id,target_layer,severity,body,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Kind, m.SourceAgentID, m.SourceOrgID, m.SourceLayer, m.TargetOrgID, m.TargetLayer,
		nullable(string(m.Severity)), m.Body, m.Status, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMessage(ctx context.Context, tx *sql.Tx, id string) (domain.Message, error) {
	return scanMessage(r.q(tx).QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
}

type MessageFilter struct {
	TargetOrgID string
	SourceOrgID string
	Kind        domain.MessageKind
	Status      domain.MessageStatus
	Limit       int
}

func (r Repo) ListMessages(ctx context.Context, f MessageFilter) ([]domain.Message, error) {
	var clauses []string
	var args []any
	if f.TargetOrgID != "" {
		clauses = append(clauses, "target_org_id=?")
		args = append(args, f.TargetOrgID)
	}
	if f.SourceOrgID != "" {
		clauses = append(clauses, "source_org_id=?")
		args = append(args, f.SourceOrgID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + messageColumns + ` FROM messages`
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
	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TransitionMessage updates status only if the message is still in from.
func (r Repo) TransitionMessage(ctx context.Context, tx *sql.Tx, id string, from, to domain.MessageStatus, now string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE messages SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	return applied(res, err)
}
