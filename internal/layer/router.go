// Package layer places agents in the organization hierarchy, filters the tools
// each layer may use, and routes escalations, delegations and insights.
package layer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"governor/internal/config"
	"governor/internal/domain"
	"governor/internal/events"
	"governor/internal/repo"
)

const (
	Platform       = 1
	Agency         = 2
	SubOrg         = 3
	CustomerFacing = 4
)

// PolicyViolation reports an action the agent's layer may not use, or a
// routing request its layer may not make.
type PolicyViolation struct {
	Layer  int
	Action string
	Reason string
}

func (e PolicyViolation) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("layer %d: %s", e.Layer, e.Reason)
	}
	return fmt.Sprintf("layer %d may not use %s: %s", e.Layer, e.Action, e.Reason)
}

// TransitionError reports a message status change that is not allowed.
type TransitionError struct {
	From domain.MessageStatus
	To   domain.MessageStatus
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("invalid message transition %s -> %s", e.From, e.To)
}

var ErrNoUpstream = errors.New("no upstream organization")

// Of returns the layer of an agent given its org followed by its ancestors.
func Of(role domain.AgentRole, chain []domain.Organization) int {
	if len(chain) == 0 {
		return CustomerFacing
	}
	if role == domain.RoleSystem || chain[0].Kind == domain.OrgPlatform {
		return Platform
	}
	if role == domain.RoleCustomerFacing {
		return CustomerFacing
	}
	return coordinatorLayer(chain)
}

// coordinatorLayer is the layer a coordinator in chain[0] would hold.
func coordinatorLayer(chain []domain.Organization) int {
	if len(chain) == 0 {
		return Platform
	}
	if chain[0].Kind == domain.OrgPlatform {
		return Platform
	}
	for _, anc := range chain[1:] {
		if anc.Kind != domain.OrgPlatform {
			return SubOrg
		}
	}
	return Agency
}

// Filter holds the per-layer tool restrictions.
type Filter struct {
	customerSafe []string
	agencyOnly   []string
	platformOnly []string
}

func NewFilter(cfg config.LayerConfig) Filter {
	return Filter{customerSafe: cfg.CustomerSafe, agencyOnly: cfg.AgencyOnly, platformOnly: cfg.PlatformOnly}
}

// Authorize checks the layer's tool availability. Static risk decides whether a
// layer 4 action counts as a read.
func (f Filter) Authorize(layer int, action string, static domain.StaticRisk) error {
	if layer > Platform && slices.Contains(f.platformOnly, action) {
		return PolicyViolation{Layer: layer, Action: action, Reason: "platform-only action"}
	}
	if layer > Agency && slices.Contains(f.agencyOnly, action) {
		return PolicyViolation{Layer: layer, Action: action, Reason: "agency-only action"}
	}
	if layer == CustomerFacing && static != domain.RiskRead && !slices.Contains(f.customerSafe, action) {
		return PolicyViolation{Layer: layer, Action: action, Reason: "not a customer-safe write"}
	}
	return nil
}

// Placement is an agent resolved against the hierarchy.
type Placement struct {
	Agent domain.Agent
	Chain []domain.Organization
	Layer int
}

func (p Placement) Org() domain.Organization { return p.Chain[0] }

// Approver picks the org and layer that reviews this agent's queued actions.
func (p Placement) Approver() (string, int) {
	org := p.Org()
	if p.Layer == Platform {
		return org.ID, Platform
	}
	if org.ApprovalRouting == domain.RouteParent && len(p.Chain) > 1 {
		return p.Chain[1].ID, coordinatorLayer(p.Chain[1:])
	}
	return org.ID, coordinatorLayer(p.Chain)
}

type Router struct {
	Repo      repo.Repo
	Events    events.Writer
	Publisher events.Publisher
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time
}

func (r Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r Router) Filter() Filter {
	if r.Config == nil {
		return Filter{}
	}
	return NewFilter(r.Config.Layers)
}

// Place loads an agent and its org chain. tx may be nil.
func (r Router) Place(ctx context.Context, tx *sql.Tx, agentID string) (Placement, error) {
	agent, err := r.Repo.GetAgent(ctx, tx, agentID)
	if err != nil {
		return Placement{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	chain, err := r.Repo.OrgChain(ctx, tx, agent.OrgID)
	if err != nil {
		return Placement{}, fmt.Errorf("org chain for %s: %w", agentID, err)
	}
	return Placement{Agent: agent, Chain: chain, Layer: Of(agent.Role, chain)}, nil
}

// Escalate sends an advisory upward: layer 4 to its own org's coordinator
// layer, layer 3 to the parent org.
func (r Router) Escalate(ctx context.Context, agentID, summary string, severity domain.Severity) (domain.Message, error) {
	if strings.TrimSpace(summary) == "" {
		return domain.Message{}, errors.New("summary is required")
	}
	if severity == "" {
		severity = domain.SeverityMedium
	}
	if !severity.Valid() {
		return domain.Message{}, fmt.Errorf("invalid severity %q", severity)
	}
	p, err := r.Place(ctx, nil, agentID)
	if err != nil {
		return domain.Message{}, err
	}
	var targetOrg string
	var targetLayer int
	switch p.Layer {
	case CustomerFacing:
		targetOrg, targetLayer = p.Org().ID, coordinatorLayer(p.Chain)
	case SubOrg:
		targetOrg, targetLayer = p.Chain[1].ID, coordinatorLayer(p.Chain[1:])
	default:
		return domain.Message{}, PolicyViolation{Layer: p.Layer, Reason: "only layers 3 and 4 may escalate"}
	}
	return r.send(ctx, p, domain.MessageEscalation, targetOrg, targetLayer, severity, summary)
}

// Delegate sends an instruction from a layer 2 coordinator to a direct child org.
func (r Router) Delegate(ctx context.Context, agentID, targetSlug, instruction string) (domain.Message, error) {
	if strings.TrimSpace(instruction) == "" {
		return domain.Message{}, errors.New("instruction is required")
	}
	p, err := r.Place(ctx, nil, agentID)
	if err != nil {
		return domain.Message{}, err
	}
	if p.Layer != Agency {
		return domain.Message{}, PolicyViolation{Layer: p.Layer, Reason: "only layer 2 may delegate"}
	}
	target, err := r.Repo.GetOrgBySlug(ctx, nil, targetSlug)
	if err != nil {
		return domain.Message{}, fmt.Errorf("target org %s: %w", targetSlug, err)
	}
	if target.ParentID == nil || *target.ParentID != p.Org().ID {
		return domain.Message{}, PolicyViolation{Layer: p.Layer, Reason: fmt.Sprintf("%s is not a direct sub-organization", targetSlug)}
	}
	return r.send(ctx, p, domain.MessageDelegation, target.ID, SubOrg, "", instruction)
}

// ShareInsight forwards an observation one level up. Failures are logged and
// returned but never gate the caller's work.
func (r Router) ShareInsight(ctx context.Context, agentID, insight string) (domain.Message, error) {
	msg, err := r.shareInsight(ctx, agentID, insight)
	if err != nil {
		r.logger().Warn("insight not delivered", "agent_id", agentID, "error", err)
	}
	return msg, err
}

func (r Router) shareInsight(ctx context.Context, agentID, insight string) (domain.Message, error) {
	if strings.TrimSpace(insight) == "" {
		return domain.Message{}, errors.New("insight is required")
	}
	p, err := r.Place(ctx, nil, agentID)
	if err != nil {
		return domain.Message{}, err
	}
	switch p.Layer {
	case CustomerFacing:
		return r.send(ctx, p, domain.MessageInsight, p.Org().ID, coordinatorLayer(p.Chain), "", insight)
	case Platform:
		return domain.Message{}, ErrNoUpstream
	}
	if len(p.Chain) > 1 {
		return r.send(ctx, p, domain.MessageInsight, p.Chain[1].ID, coordinatorLayer(p.Chain[1:]), "", insight)
	}
	platform, err := r.platformOrg(ctx)
	if err != nil {
		return domain.Message{}, err
	}
	return r.send(ctx, p, domain.MessageInsight, platform.ID, Platform, "", insight)
}

func (r Router) platformOrg(ctx context.Context) (domain.Organization, error) {
	orgs, err := r.Repo.ListOrgs(ctx, nil, "")
	if err != nil {
		return domain.Organization{}, err
	}
	for _, o := range orgs {
		if o.Kind == domain.OrgPlatform {
			return o, nil
		}
	}
	return domain.Organization{}, ErrNoUpstream
}

// send persists the message. A deactivated target does not stop delivery; the
// message stays pending until someone acts on it.
func (r Router) send(ctx context.Context, p Placement, kind domain.MessageKind, targetOrg string, targetLayer int, severity domain.Severity, body string) (domain.Message, error) {
	now := domain.FormatTime(r.now())
	m := domain.Message{
		ID:            uuid.NewString(),
		Kind:          kind,
		SourceAgentID: p.Agent.ID,
		SourceOrgID:   p.Org().ID,
		SourceLayer:   p.Layer,
		TargetOrgID:   targetOrg,
		TargetLayer:   targetLayer,
		Severity:      severity,
		Body:          body,
		Status:        domain.MessagePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	if err := r.Repo.InsertMessage(ctx, tx, m); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	evt, err := r.Events.Append(ctx, tx, events.Entry{
		Type:       events.MessageCreated,
		OrgID:      targetOrg,
		EntityKind: "message",
		EntityID:   m.ID,
		ActorID:    p.Agent.ID,
		Payload: events.EventPayload{
			"kind":          m.Kind,
			"source_org_id": m.SourceOrgID,
			"source_layer":  m.SourceLayer,
			"target_layer":  m.TargetLayer,
			"severity":      m.Severity,
		},
	})
	if err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	r.publish(evt)
	return m, nil
}

func ensureMessageTransition(from, to domain.MessageStatus) error {
	switch from {
	case domain.MessagePending:
		if to == domain.MessageAcknowledged {
			return nil
		}
	case domain.MessageAcknowledged:
		if to == domain.MessageResolved || to == domain.MessageDismissed {
			return nil
		}
	}
	return TransitionError{From: from, To: to}
}

// Transition moves a message along pending -> acknowledged -> resolved|dismissed.
func (r Router) Transition(ctx context.Context, id string, to domain.MessageStatus, actorID string) (domain.Message, error) {
	tx, err := r.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	m, err := r.Repo.GetMessage(ctx, tx, id)
	if err != nil {
		return domain.Message{}, err
	}
	if err := ensureMessageTransition(m.Status, to); err != nil {
		return domain.Message{}, err
	}
	now := domain.FormatTime(r.now())
	ok, err := r.Repo.TransitionMessage(ctx, tx, id, m.Status, to, now)
	if err != nil {
		return domain.Message{}, err
	}
	if !ok {
		return domain.Message{}, TransitionError{From: m.Status, To: to}
	}
	evt, err := r.Events.Append(ctx, tx, events.Entry{
		Type:       events.MessageUpdated,
		OrgID:      m.TargetOrgID,
		EntityKind: "message",
		EntityID:   id,
		ActorID:    actorID,
		Payload:    events.EventPayload{"from": m.Status, "to": to},
	})
	if err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	r.publish(evt)
	m.Status = to
	m.UpdatedAt = now
	return m, nil
}

func (r Router) publish(evt domain.Event) {
	if r.Publisher != nil {
		r.Publisher.Publish(evt)
	}
}
