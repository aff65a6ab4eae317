package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"governor/internal/config"
	"governor/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when set so reads inside a transaction never wait on the pool.
func (r Repo) q(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

// --- organizations ---

const orgColumns = `id,slug,name,parent_id,kind,trust_tier,approval_mode,approval_routing,active,created_at`

func scanOrg(row rowScanner) (domain.Organization, error) {
	var o domain.Organization
	var parent sql.NullString
	var active int
	err := row.Scan(&o.ID, &o.Slug, &o.Name, &parent, &o.Kind, &o.TrustTier, &o.ApprovalMode, &o.ApprovalRouting, &active, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if parent.Valid {
		o.ParentID = &parent.String
	}
	o.Active = active == 1
	return o, nil
}

func (r Repo) InsertOrg(ctx context.Context, tx *sql.Tx, o domain.Organization) error {
	var parent any
	if o.ParentID != nil {
		parent = *o.ParentID
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO organizations(`+orgColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.Slug, o.Name, parent, o.Kind, o.TrustTier, o.ApprovalMode, o.ApprovalRouting, boolInt(o.Active), o.CreatedAt)
	return err
}

func (r Repo) GetOrg(ctx context.Context, tx *sql.Tx, id string) (domain.Organization, error) {
	return scanOrg(r.q(tx).QueryRowContext(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id=?`, id))
}

func (r Repo) GetOrgBySlug(ctx context.Context, tx *sql.Tx, slug string) (domain.Organization, error) {
	return scanOrg(r.q(tx).QueryRowContext(ctx, `SELECT `+orgColumns+` FROM organizations WHERE slug=?`, slug))
}

// ListOrgs returns all orgs, or the direct children of parentID when set.
func (r Repo) ListOrgs(ctx context.Context, tx *sql.Tx, parentID string) ([]domain.Organization, error) {
	query := `SELECT ` + orgColumns + ` FROM organizations`
	var args []any
	if parentID != "" {
		query += ` WHERE parent_id=?`
		args = append(args, parentID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// OrgChain returns the org followed by its ancestors up to the root.
func (r Repo) OrgChain(ctx context.Context, tx *sql.Tx, id string) ([]domain.Organization, error) {
	var chain []domain.Organization
	seen := map[string]bool{}
	cur := id
	for cur != "" {
		if seen[cur] {
			return nil, fmt.Errorf("organization hierarchy cycle at %s", cur)
		}
		seen[cur] = true
		o, err := r.GetOrg(ctx, tx, cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, o)
		if o.ParentID == nil {
			break
		}
		cur = *o.ParentID
	}
	return chain, nil
}

func (r Repo) UpdateOrgSettings(ctx context.Context, tx *sql.Tx, id string, mode domain.ApprovalMode, tier domain.TrustTier, routing domain.ApprovalRouting) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE organizations SET
approval_mode=COALESCE(NULLIF(?,''),approval_mode),
trust_tier=COALESCE(NULLIF(?,''),trust_tier),
approval_routing=COALESCE(NULLIF(?,''),approval_routing)
WHERE id=?`, string(mode), string(tier), string(routing), id)
	return expectOne(res, err)
}

// DeactivateOrg marks the org and its agents inactive. Nothing is deleted.
func (r Repo) DeactivateOrg(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE organizations SET active=0 WHERE id=?`, id)
	if err := expectOne(res, err); err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `UPDATE agents SET active=0 WHERE org_id=?`, id)
	return err
}

// --- agents ---

const agentColumns = `id,org_id,name,role,autonomy,allow_list_json,block_list_json,policy_rev,soul_json,soul_version,active,created_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	var allowJSON, blockJSON, soulJSON string
	var active int
	err := row.Scan(&a.ID, &a.OrgID, &a.Name, &a.Role, &a.Autonomy, &allowJSON, &blockJSON, &a.PolicyRev, &soulJSON, &a.SoulVersion, &active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if a.AllowList, err = decodeList(allowJSON); err != nil {
		return a, fmt.Errorf("agent %s allow list: %w", a.ID, err)
	}
	if a.BlockList, err = decodeList(blockJSON); err != nil {
		return a, fmt.Errorf("agent %s block list: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(soulJSON), &a.Soul); err != nil {
		return a, fmt.Errorf("agent %s soul: %w", a.ID, err)
	}
	a.Active = active == 1
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	soulJSON, err := json.Marshal(a.Soul)
	if err != nil {
		return err
	}
	if a.SoulVersion == 0 {
		a.SoulVersion = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OrgID, a.Name, a.Role, a.Autonomy, encodeList(a.AllowList), encodeList(a.BlockList), a.PolicyRev,
		string(soulJSON), a.SoulVersion, boolInt(a.Active), a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context, tx *sql.Tx, orgID string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if orgID != "" {
		query += ` WHERE org_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r Repo) UpdateAutonomy(ctx context.Context, tx *sql.Tx, id string, level domain.AutonomyLevel) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET autonomy=? WHERE id=?`, level, id)
	return expectOne(res, err)
}

// UpdatePolicyLists writes allow/block lists only if policy_rev is still expectedRev.
func (r Repo) UpdatePolicyLists(ctx context.Context, tx *sql.Tx, id string, allow, block []string, expectedRev int) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET allow_list_json=?, block_list_json=?, policy_rev=policy_rev+1 WHERE id=? AND policy_rev=?`,
		encodeList(allow), encodeList(block), id, expectedRev)
	return applied(res, err)
}

// UpdateSoul writes a new soul only if soul_version is still expectedVersion.
func (r Repo) UpdateSoul(ctx context.Context, tx *sql.Tx, id string, soulJSON []byte, expectedVersion, newVersion int) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET soul_json=?, soul_version=? WHERE id=? AND soul_version=?`,
		string(soulJSON), newVersion, id, expectedVersion)
	return applied(res, err)
}

// --- tool usage ---

func (r Repo) ToolUseCount(ctx context.Context, tx *sql.Tx, agentID, action string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT count FROM tool_usage WHERE agent_id=? AND action=?`, agentID, action).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (r Repo) RecordToolUse(ctx context.Context, tx *sql.Tx, agentID, action, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tool_usage(agent_id,action,count,last_used_at) VALUES (?,?,1,?)
ON CONFLICT(agent_id,action) DO UPDATE SET count=count+1, last_used_at=excluded.last_used_at`, agentID, action, now)
	return err
}

// --- governance config ---

func (r Repo) GetGovernanceConfig(ctx context.Context) (*config.Config, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM governance_config WHERE id=1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(data))
}

func (r Repo) UpsertGovernanceConfig(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO governance_config(id,config_yaml,updated_at) VALUES (1,?,?)
ON CONFLICT(id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`,
		string(data), domain.FormatTime(time.Now()))
	return err
}

// --- events ---

type EventFilter struct {
	OrgID      string
	Type       string
	EntityKind string
	EntityID   string
	AfterID    int64
	Limit      int
}

// ListEvents returns events newest first, or oldest first after a cursor.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	order := "DESC"
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
		order = "ASC"
	}
	query := `SELECT id,ts,type,COALESCE(org_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query += fmt.Sprintf(" ORDER BY id %s LIMIT ?", order)
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OrgID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

func encodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func decodeList(data string) ([]string, error) {
	if data == "" {
		return []string{}, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func applied(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func expectOne(res sql.Result, err error) error {
	ok, err := applied(res, err)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}
