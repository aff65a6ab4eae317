package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"governor/internal/config"
	"governor/internal/domain"
	"governor/internal/engine/auth"
	"governor/internal/events"
	"governor/internal/executor"
	"governor/internal/layer"
	"governor/internal/ledger"
	"governor/internal/metrics"
	"governor/internal/policy"
	"governor/internal/repo"
	"governor/internal/risk"
	"governor/internal/soul"
)

// Engine wires the classifier, policy, ledger, router and soul governor
// behind one facade shared by the CLI and the HTTP API.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Auth       auth.Service
	Config     *config.Config
	Classifier *risk.Classifier
	Executor   executor.Executor
	Publisher  events.Publisher
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	classifier, err := risk.New(cfg)
	if err != nil {
		return Engine{}, fmt.Errorf("risk classifier: %w", err)
	}
	var exec executor.Executor = executor.Unconfigured{}
	if cfg.Executor.URL != "" {
		exec = executor.NewHTTP(cfg.Executor.URL, cfg.Executor.TimeoutSeconds)
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Auth:       auth.Service{DB: db},
		Config:     cfg,
		Classifier: classifier,
		Executor:   exec,
		Publisher:  events.Discard{},
		Now:        time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// writer follows the engine clock unless Events carries its own.
func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

func (e Engine) publish(evts ...domain.Event) {
	if e.Publisher == nil {
		return
	}
	for _, evt := range evts {
		e.Publisher.Publish(evt)
	}
}

func (e Engine) Router() layer.Router {
	return layer.Router{Repo: e.Repo, Events: e.writer(), Publisher: e.Publisher, Config: e.Config, Logger: e.Logger, Now: e.Now}
}

func (e Engine) Ledger() ledger.Ledger {
	return ledger.Ledger{Repo: e.Repo, Events: e.writer(), Publisher: e.Publisher, Logger: e.Logger, Now: e.Now}
}

func (e Engine) Soul() soul.Governor {
	return soul.Governor{
		Repo:      e.Repo,
		Events:    e.writer(),
		Publisher: e.Publisher,
		Ledger:    e.Ledger(),
		Router:    e.Router(),
		Config:    e.Config,
		Logger:    e.Logger,
		Now:       e.Now,
	}
}

func (e Engine) listLimit(limit int) int {
	if limit > 0 {
		return limit
	}
	if e.Config != nil && e.Config.Approvals.DefaultListLimit > 0 {
		return e.Config.Approvals.DefaultListLimit
	}
	return 50
}

func (e Engine) actionTTL() time.Duration {
	if e.Config != nil && e.Config.Approvals.ActionTTL > 0 {
		return e.Config.Approvals.ActionTTL
	}
	return 24 * time.Hour
}

// --- actions ---

type DecisionKind string

const (
	Executed DecisionKind = "executed"
	Queued   DecisionKind = "queued"
	Blocked  DecisionKind = "blocked"
)

// ActionRequest is one tool call an agent wants to make.
type ActionRequest struct {
	AgentID   string          `json:"agent_id"`
	SessionID string          `json:"session_id,omitempty"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ActorID   string          `json:"-"`
}

// Decision is what SubmitAction did with a request.
type Decision struct {
	Kind       DecisionKind     `json:"kind" enum:"executed,queued,blocked"`
	Reason     string           `json:"reason"`
	ApprovalID string           `json:"approval_id,omitempty"`
	Result     *executor.Result `json:"result,omitempty"`
	Assessment risk.Assessment  `json:"assessment"`
}

// SubmitAction authorizes the action for the agent's layer, classifies it,
// and executes, queues or blocks it according to the autonomy policy.
func (e Engine) SubmitAction(ctx context.Context, req ActionRequest) (Decision, error) {
	if strings.TrimSpace(req.Action) == "" {
		return Decision{}, errors.New("action is required")
	}
	p, err := e.Router().Place(ctx, nil, req.AgentID)
	if err != nil {
		return Decision{}, err
	}
	if !p.Agent.Active || !p.Org().Active {
		return Decision{}, fmt.Errorf("agent %s is inactive", req.AgentID)
	}
	static := e.Classifier.StaticRisk(req.Action)
	if err := e.Router().Filter().Authorize(p.Layer, req.Action, static); err != nil {
		return Decision{}, err
	}
	kind := domain.PayloadKind(e.Config.Action(req.Action).Payload)
	if kind == "" {
		kind = domain.PayloadGeneric
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}
	payload, err := domain.DecodePayload(kind, req.Payload)
	if err != nil {
		return Decision{}, fmt.Errorf("invalid payload for %s: %w", req.Action, err)
	}
	uses, err := e.Repo.ToolUseCount(ctx, nil, req.AgentID, req.Action)
	if err != nil {
		return Decision{}, err
	}
	assessment := e.Classifier.Classify(req.Action, payload, risk.History{PriorUses: uses})
	verdict := policy.Decide(policy.InputFor(p.Agent, p.Org(), req.Action, assessment.Static, assessment.Tier))
	e.Metrics.Decision(ctx, string(verdict.Decision), verdict.Reason)
	e.logger().Debug("action decided", "agent_id", req.AgentID, "action", req.Action,
		"decision", verdict.Decision, "reason", verdict.Reason, "tier", assessment.Tier)

	out := Decision{Reason: verdict.Reason, Assessment: assessment}
	switch verdict.Decision {
	case domain.DecisionExecute:
		res, err := e.executeNow(ctx, p, req, kind)
		if err != nil {
			return Decision{}, err
		}
		out.Kind = Executed
		out.Result = &res
	case domain.DecisionQueue:
		approverOrg, approverLayer := p.Approver()
		rec, err := e.Ledger().Create(ctx, ledger.Request{
			Kind:          domain.RecordAction,
			AgentID:       p.Agent.ID,
			OrgID:         p.Agent.OrgID,
			SessionID:     req.SessionID,
			Action:        req.Action,
			PayloadKind:   kind,
			Payload:       req.Payload,
			RiskTier:      assessment.Tier,
			StaticRisk:    assessment.Static,
			Factors:       assessment.Factors,
			ApproverOrgID: approverOrg,
			ApproverLayer: approverLayer,
			TTL:           e.actionTTL(),
			ActorID:       actorOr(req.ActorID, req.AgentID),
		})
		if err != nil {
			return Decision{}, err
		}
		out.Kind = Queued
		out.ApprovalID = rec.ID
	default:
		if err := e.recordBlocked(ctx, p, req, verdict.Reason); err != nil {
			return Decision{}, err
		}
		out.Kind = Blocked
	}
	return out, nil
}

// executeNow runs an action the policy let through and records the use.
// Executor failures are part of the result, not an engine error.
func (e Engine) executeNow(ctx context.Context, p layer.Placement, req ActionRequest, kind domain.PayloadKind) (executor.Result, error) {
	res, runErr := e.Executor.Execute(ctx, req.Action, req.Payload)
	if runErr != nil {
		res = executor.Result{Success: false, Error: runErr.Error()}
	}
	status := domain.StatusSucceeded
	if !res.Success {
		status = domain.StatusFailed
	}
	e.Metrics.Execution(ctx, string(domain.RecordAction), string(status))

	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	now := domain.FormatTime(e.now().UTC())
	if err := e.Repo.RecordToolUse(ctx, tx, p.Agent.ID, req.Action, now); err != nil {
		return res, fmt.Errorf("record tool use: %w", err)
	}
	payload := events.EventPayload{"action": req.Action, "payload_kind": kind, "success": res.Success, "session_id": req.SessionID}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	evt, err := e.writer().Append(ctx, tx, events.Entry{
		Type:       events.ActionExecuted,
		OrgID:      p.Agent.OrgID,
		EntityKind: "agent",
		EntityID:   p.Agent.ID,
		ActorID:    actorOr(req.ActorID, req.AgentID),
		Payload:    payload,
	})
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	e.publish(evt)
	return res, nil
}

func (e Engine) recordBlocked(ctx context.Context, p layer.Placement, req ActionRequest, reason string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	evt, err := e.writer().Append(ctx, tx, events.Entry{
		Type:       events.ActionBlocked,
		OrgID:      p.Agent.OrgID,
		EntityKind: "agent",
		EntityID:   p.Agent.ID,
		ActorID:    actorOr(req.ActorID, req.AgentID),
		Payload:    events.EventPayload{"action": req.Action, "reason": reason, "session_id": req.SessionID},
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(evt)
	return nil
}

// --- approvals ---

// ResolveRequest is a human decision on a pending record.
type ResolveRequest struct {
	ID            string          `json:"id"`
	Outcome       ledger.Outcome  `json:"outcome"`
	Resolver      string          `json:"resolver"`
	Channel       string          `json:"channel,omitempty"`
	AlwaysAllow   bool            `json:"always_allow,omitempty"`
	EditedPayload json.RawMessage `json:"edited_payload,omitempty"`
}

// Resolve applies a decision. Approved records run immediately: actions go
// through the executor, soul proposals through the soul governor.
func (e Engine) Resolve(ctx context.Context, req ResolveRequest) (ledger.Transition, error) {
	l := e.Ledger()
	tr, err := l.Resolve(ctx, ledger.Resolution{
		ID:            req.ID,
		Outcome:       req.Outcome,
		Resolver:      req.Resolver,
		Channel:       req.Channel,
		AlwaysAllow:   req.AlwaysAllow,
		EditedPayload: req.EditedPayload,
	})
	if err != nil {
		return tr, err
	}
	e.Metrics.Resolution(ctx, string(req.Outcome), tr.Applied)
	if !tr.Applied {
		if tr.Reason == ledger.ReasonExpired {
			e.Metrics.Expired(ctx, 1)
		}
		return tr, nil
	}
	if tr.Record.Status != domain.StatusApproved {
		return tr, nil
	}
	run := e.runAction
	if tr.Record.Kind == domain.RecordSoul {
		run = e.Soul().Apply
	}
	done, err := l.Execute(ctx, tr.Record.ID, run)
	if err != nil {
		return tr, fmt.Errorf("execute approval %s: %w", tr.Record.ID, err)
	}
	e.Metrics.Execution(ctx, string(done.Record.Kind), string(done.Record.Status))
	if done.Applied {
		tr.Record = done.Record
	}
	return tr, nil
}

// runAction is the ledger runner for approved action records.
func (e Engine) runAction(ctx context.Context, rec domain.ApprovalRecord) (json.RawMessage, error) {
	res, err := e.Executor.Execute(ctx, rec.Action, rec.Payload)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return res.Data, err
	}
	if rerr := e.Repo.RecordToolUse(ctx, nil, rec.AgentID, rec.Action, domain.FormatTime(e.now().UTC())); rerr != nil {
		e.logger().Warn("tool use not recorded", "agent_id", rec.AgentID, "action", rec.Action, "error", rerr)
	}
	return res.Data, nil
}

func (e Engine) GetApproval(ctx context.Context, id string) (domain.ApprovalRecord, error) {
	return e.Ledger().Get(ctx, id)
}

// ListPending returns proposed records for an agent or an approver org.
func (e Engine) ListPending(ctx context.Context, agentID, orgID string, limit int) ([]domain.ApprovalRecord, error) {
	return e.Ledger().ListPending(ctx, agentID, orgID, e.listLimit(limit))
}

// GetHistory returns an agent's approval records newest first.
func (e Engine) GetHistory(ctx context.Context, agentID string, limit int) ([]domain.ApprovalRecord, error) {
	if _, err := e.Repo.GetAgent(ctx, nil, agentID); err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}
	return e.Ledger().History(ctx, agentID, e.listLimit(limit))
}

// Annotate attaches a note to a terminal record.
func (e Engine) Annotate(ctx context.Context, id string, note json.RawMessage, actorID string) (bool, error) {
	return e.Ledger().Annotate(ctx, id, note, actorID)
}

// SweepExpired expires every overdue proposed record.
func (e Engine) SweepExpired(ctx context.Context) ([]string, error) {
	ids, err := e.Ledger().ExpireSweep(ctx, e.now())
	e.Metrics.Expired(ctx, len(ids))
	return ids, err
}

// --- self-modification ---

func (e Engine) ProposeSoulChange(ctx context.Context, p soul.Proposal) (soul.Result, error) {
	res, err := e.Soul().Propose(ctx, p)
	if err != nil {
		return res, err
	}
	if res.Gated {
		e.Metrics.Gate(ctx, res.Reason)
	}
	return res, nil
}

func (e Engine) Rollback(ctx context.Context, agentID string, version int, actorID string) (domain.SoulVersion, error) {
	return e.Soul().Rollback(ctx, agentID, version, actorID)
}

func (e Engine) SoulHistory(ctx context.Context, agentID string, limit int) ([]domain.SoulVersion, error) {
	return e.Soul().History(ctx, agentID, e.listLimit(limit))
}

// --- hierarchy ---

type OrgCreateOptions struct {
	ID              string
	Slug            string
	Name            string
	ParentID        string
	Kind            domain.OrgKind
	TrustTier       domain.TrustTier
	ApprovalMode    domain.ApprovalMode
	ApprovalRouting domain.ApprovalRouting
	ActorID         string
}

// CreateOrg inserts an org and makes the creating actor its owner.
func (e Engine) CreateOrg(ctx context.Context, opts OrgCreateOptions) (domain.Organization, error) {
	if strings.TrimSpace(opts.Slug) == "" {
		return domain.Organization{}, errors.New("slug is required")
	}
	if opts.Kind == "" {
		opts.Kind = domain.OrgClient
	}
	if opts.TrustTier == "" {
		opts.TrustTier = domain.TrustNew
	}
	if opts.ApprovalMode == "" {
		opts.ApprovalMode = domain.ModeDangerous
	}
	if opts.ApprovalRouting == "" {
		opts.ApprovalRouting = domain.RouteSelf
	}
	if !opts.Kind.Valid() || !opts.TrustTier.Valid() || !opts.ApprovalMode.Valid() {
		return domain.Organization{}, fmt.Errorf("invalid org settings: kind=%s trust=%s mode=%s", opts.Kind, opts.TrustTier, opts.ApprovalMode)
	}
	if opts.ApprovalRouting != domain.RouteSelf && opts.ApprovalRouting != domain.RouteParent {
		return domain.Organization{}, fmt.Errorf("invalid approval routing %q", opts.ApprovalRouting)
	}
	if opts.Name == "" {
		opts.Name = opts.Slug
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := domain.FormatTime(e.now().UTC())
	o := domain.Organization{
		ID:              opts.ID,
		Slug:            opts.Slug,
		Name:            opts.Name,
		Kind:            opts.Kind,
		TrustTier:       opts.TrustTier,
		ApprovalMode:    opts.ApprovalMode,
		ApprovalRouting: opts.ApprovalRouting,
		Active:          true,
		CreatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()
	if opts.ParentID != "" {
		parent, err := e.Repo.GetOrg(ctx, tx, opts.ParentID)
		if err != nil {
			return domain.Organization{}, fmt.Errorf("parent org %s: %w", opts.ParentID, err)
		}
		if !parent.Active {
			return domain.Organization{}, fmt.Errorf("parent org %s is inactive", parent.ID)
		}
		o.ParentID = &parent.ID
	}
	if err := e.Repo.InsertOrg(ctx, tx, o); err != nil {
		return domain.Organization{}, fmt.Errorf("insert org: %w", err)
	}
	if opts.ActorID != "" {
		if err := e.Repo.EnsureActor(ctx, tx, opts.ActorID, now); err != nil {
			return domain.Organization{}, fmt.Errorf("ensure actor: %w", err)
		}
		if err := e.Repo.AssignOrgRole(ctx, tx, o.ID, opts.ActorID, "owner"); err != nil {
			return domain.Organization{}, fmt.Errorf("assign owner: %w", err)
		}
	}
	evt, err := e.writer().Append(ctx, tx, events.Entry{
		Type:       events.OrgCreated,
		OrgID:      o.ID,
		EntityKind: "org",
		EntityID:   o.ID,
		ActorID:    opts.ActorID,
		Payload:    events.EventPayload{"slug": o.Slug, "kind": o.Kind, "parent_id": opts.ParentID, "trust_tier": o.TrustTier},
	})
	if err != nil {
		return domain.Organization{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, err
	}
	e.publish(evt)
	return o, nil
}

func (e Engine) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	return e.Repo.GetOrg(ctx, nil, id)
}

func (e Engine) ListOrgs(ctx context.Context, parentID string) ([]domain.Organization, error) {
	return e.Repo.ListOrgs(ctx, nil, parentID)
}

// DeactivateOrg marks an org and its agents inactive. Pending records are kept.
func (e Engine) DeactivateOrg(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeactivateOrg(ctx, tx, id); err != nil {
		return fmt.Errorf("org %s: %w", id, err)
	}
	evt, err := e.writer().Append(ctx, tx, events.Entry{
		Type:       events.OrgDeactivated,
		OrgID:      id,
		EntityKind: "org",
		EntityID:   id,
		ActorID:    actorID,
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.publish(evt)
	return nil
}

// UpdateOrgSettings changes approval mode, trust tier or routing. Empty values
// leave the field unchanged.
func (e Engine) UpdateOrgSettings(ctx context.Context, id string, mode domain.ApprovalMode, tier domain.TrustTier, routing domain.ApprovalRouting, actorID string) (domain.Organization, error) {
	if mode != "" && !mode.Valid() {
		return domain.Organization{}, fmt.Errorf("invalid approval mode %q", mode)
	}
	if tier != "" && !tier.Valid() {
		return domain.Organization{}, fmt.Errorf("invalid trust tier %q", tier)
	}
	if routing != "" && routing != domain.RouteSelf && routing != domain.RouteParent {
		return domain.Organization{}, fmt.Errorf("invalid approval routing %q", routing)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Organization{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateOrgSettings(ctx, tx, id, mode, tier, routing); err != nil {
		return domain.Organization{}, fmt.Errorf("org %s: %w", id, err)
	}
	o, err := e.Repo.GetOrg(ctx, tx, id)
	if err != nil {
		return domain.Organization{}, err
	}
	evt, err := e.writer().Append(ctx, tx, events.Entry{
		Type:       events.OrgUpdated,
		OrgID:      id,
		EntityKind: "org",
		EntityID:   id,
		ActorID:    actorID,
		Payload:    events.EventPayload{"approval_mode": o.ApprovalMode, "trust_tier": o.TrustTier, "approval_routing": o.ApprovalRouting},
	})
	if err != nil {
		return domain.Organization{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Organization{}, err
	}
	e.publish(evt)
	return o, nil
}

type AgentCreateOptions struct {
	ID       string
	OrgID    string
	Name     string
	Role     domain.AgentRole
	Autonomy domain.AutonomyLevel
	Soul     domain.Soul
	ActorID  string
}

// CreateAgent inserts an agent, deriving its autonomy from the org trust tier
// when none is given, and stores its first soul version.
func (e Engine) CreateAgent(ctx context.Context, opts AgentCreateOptions) (domain.Agent, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Agent{}, errors.New("name is required")
	}
	if opts.Role == "" {
		opts.Role = domain.RoleCustomerFacing
	}
	if !opts.Role.Valid() {
		return domain.Agent{}, fmt.Errorf("invalid role %q", opts.Role)
	}
	if opts.Autonomy != "" && !opts.Autonomy.Valid() {
		return domain.Agent{}, fmt.Errorf("invalid autonomy %q", opts.Autonomy)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	org, err := e.Repo.GetOrg(ctx, tx, opts.OrgID)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("org %s: %w", opts.OrgID, err)
	}
	if !org.Active {
		return domain.Agent{}, fmt.Errorf("org %s is inactive", org.ID)
	}
	if opts.Role == domain.RoleSystem && org.Kind != domain.OrgPlatform {
		return domain.Agent{}, layer.PolicyViolation{Layer: layer.Platform, Reason: "system agents belong to the platform org"}
	}
	autonomy := opts.Autonomy
	if autonomy == "" {
		autonomy = e.Config.DefaultAutonomy(org.TrustTier)
	}
	a := domain.Agent{
		ID:          opts.ID,
		OrgID:       org.ID,
		Name:        opts.Name,
		Role:        opts.Role,
		Autonomy:    autonomy,
		AllowList:   []string{},
		BlockList:   []string{},
		Soul:        opts.Soul.Clone(),
		SoulVersion: 1,
		Active:      true,
		CreatedAt:   domain.FormatTime(e.now().UTC()),
	}
	if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	if err := e.Soul().Bootstrap(ctx, tx, a); err != nil {
		return domain.Agent{}, fmt.Errorf("bootstrap soul: %w", err)
	}
	evt, err := e.writer().Append(ctx, tx, events.Entry{
		Type:       events.AgentCreated,
		OrgID:      org.ID,
		EntityKind: "agent",
		EntityID:   a.ID,
		ActorID:    opts.ActorID,
		Payload:    events.EventPayload{"name": a.Name, "role": a.Role, "autonomy": a.Autonomy},
	})
	if err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	e.publish(evt)
	return a, nil
}

func (e Engine) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	return e.Repo.GetAgent(ctx, nil, id)
}

func (e Engine) ListAgents(ctx context.Context, orgID string) ([]domain.Agent, error) {
	return e.Repo.ListAgents(ctx, nil, orgID)
}

// SetAutonomy changes an agent's autonomy level.
func (e Engine) SetAutonomy(ctx context.Context, agentID string, level domain.AutonomyLevel, actorID string) (domain.Agent, error) {
	if !level.Valid() {
		return domain.Agent{}, fmt.Errorf("invalid autonomy %q", level)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAutonomy(ctx, tx, agentID, level); err != nil {
		return domain.Agent{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	a, err := e.Repo.GetAgent(ctx, tx, agentID)
	if err != nil {
		return domain.Agent{}, err
	}
	evt, err := e.writer().Append(ctx, tx, events.Entry{
		Type:       events.AgentUpdated,
		OrgID:      a.OrgID,
		EntityKind: "agent",
		EntityID:   a.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"autonomy": level},
	})
	if err != nil {
		return domain.Agent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, err
	}
	e.publish(evt)
	return a, nil
}

// ListKind names one of an agent's policy lists.
type ListKind string

const (
	AllowList ListKind = "allow"
	BlockList ListKind = "block"
)

// EditPolicyList adds or removes an action on the allow or block list. The
// write is a compare-and-set on policy_rev, retried when another writer won.
// Adding an action to one list removes it from the other.
func (e Engine) EditPolicyList(ctx context.Context, agentID string, list ListKind, action string, remove bool, actorID string) (domain.Agent, error) {
	if list != AllowList && list != BlockList {
		return domain.Agent{}, fmt.Errorf("invalid list %q", list)
	}
	if strings.TrimSpace(action) == "" {
		return domain.Agent{}, errors.New("action is required")
	}
	const retries = 5
	for attempt := 0; attempt < retries; attempt++ {
		a, changed, ok, err := e.editPolicyListOnce(ctx, agentID, list, action, remove, actorID)
		if err != nil {
			return domain.Agent{}, err
		}
		if ok || !changed {
			return a, nil
		}
	}
	return domain.Agent{}, fmt.Errorf("agent %s: policy lists changed concurrently", agentID)
}

func (e Engine) editPolicyListOnce(ctx context.Context, agentID string, list ListKind, action string, remove bool, actorID string) (domain.Agent, bool, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Agent{}, false, false, err
	}
	defer tx.Rollback()
	a, err := e.Repo.GetAgent(ctx, tx, agentID)
	if err != nil {
		return domain.Agent{}, false, false, fmt.Errorf("agent %s: %w", agentID, err)
	}
	allow, block := slices.Clone(a.AllowList), slices.Clone(a.BlockList)
	target, other := &allow, &block
	if list == BlockList {
		target, other = &block, &allow
	}
	if remove {
		*target = slices.DeleteFunc(*target, func(s string) bool { return s == action })
	} else {
		if !slices.Contains(*target, action) {
			*target = append(*target, action)
		}
		*other = slices.DeleteFunc(*other, func(s string) bool { return s == action })
	}
	if slices.Equal(allow, a.AllowList) && slices.Equal(block, a.BlockList) {
		return a, false, true, nil
	}
	ok, err := e.Repo.UpdatePolicyLists(ctx, tx, a.ID, allow, block, a.PolicyRev)
	if err != nil || !ok {
		return domain.Agent{}, true, false, err
	}
	payload := events.EventPayload{"list": list}
	if remove {
		payload["removed"] = action
	} else {
		payload["added"] = action
	}
	evt, err := e.writer().Append(ctx, tx, events.Entry{
		Type:       events.PolicyListChanged,
		OrgID:      a.OrgID,
		EntityKind: "agent",
		EntityID:   a.ID,
		ActorID:    actorID,
		Payload:    payload,
	})
	if err != nil {
		return domain.Agent{}, true, false, err
	}
	if a, err = e.Repo.GetAgent(ctx, tx, a.ID); err != nil {
		return domain.Agent{}, true, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Agent{}, true, false, err
	}
	e.publish(evt)
	return a, true, true, nil
}

// --- messages ---

func (e Engine) Escalate(ctx context.Context, agentID, summary string, severity domain.Severity) (domain.Message, error) {
	return e.Router().Escalate(ctx, agentID, summary, severity)
}

func (e Engine) Delegate(ctx context.Context, agentID, targetSlug, instruction string) (domain.Message, error) {
	return e.Router().Delegate(ctx, agentID, targetSlug, instruction)
}

func (e Engine) ShareInsight(ctx context.Context, agentID, insight string) (domain.Message, error) {
	return e.Router().ShareInsight(ctx, agentID, insight)
}

func (e Engine) ListMessages(ctx context.Context, f repo.MessageFilter) ([]domain.Message, error) {
	f.Limit = e.listLimit(f.Limit)
	return e.Repo.ListMessages(ctx, f)
}

func (e Engine) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return e.Repo.GetMessage(ctx, nil, id)
}

func (e Engine) UpdateMessage(ctx context.Context, id string, to domain.MessageStatus, actorID string) (domain.Message, error) {
	return e.Router().Transition(ctx, id, to, actorID)
}

// --- events ---

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	f.Limit = e.listLimit(f.Limit)
	return e.Repo.ListEvents(ctx, f)
}

func actorOr(actorID, fallback string) string {
	if actorID != "" {
		return actorID
	}
	return fallback
}
