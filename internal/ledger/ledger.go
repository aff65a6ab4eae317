// Package ledger owns the approval record lifecycle:
// proposed -> approved|rejected|expired, approved -> executing -> succeeded|failed.
//
// Every transition is a compare-and-set on the current status, so concurrent
// resolvers and the expiry sweep never both win.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"governor/internal/domain"
	"governor/internal/events"
	"governor/internal/repo"
)

// Reasons reported when a transition does not apply.
const (
	ReasonNotPending   = "not_pending"
	ReasonNotApproved  = "not_approved"
	ReasonExpired      = "expired"
	ReasonEditRejected = "edit_on_reject"
)

type Outcome string

const (
	Approve Outcome = "approve"
	Reject  Outcome = "reject"
)

func (o Outcome) Valid() bool { return o == Approve || o == Reject }

const policyWriteRetries = 5

var ErrEditUnsupported = errors.New("soul proposals cannot be edited")

// Transition is the result of a state change request. Applied=false is a
// normal outcome when another resolver got there first.
type Transition struct {
	Applied bool                  `json:"applied"`
	Reason  string                `json:"reason,omitempty"`
	Record  domain.ApprovalRecord `json:"record"`
}

// Request describes a queued action or proposal.
type Request struct {
	Kind          domain.RecordKind
	AgentID       string
	OrgID         string
	SessionID     string
	Action        string
	PayloadKind   domain.PayloadKind
	Payload       json.RawMessage
	RiskTier      domain.RiskTier
	StaticRisk    domain.StaticRisk
	Factors       []string
	ApproverOrgID string
	ApproverLayer int
	TTL           time.Duration
	ActorID       string
	// Attach runs inside the creating transaction after the record is written.
	Attach func(ctx context.Context, tx *sql.Tx, rec domain.ApprovalRecord) error
}

// Resolution is a human decision arriving from any channel.
type Resolution struct {
	ID            string
	Outcome       Outcome
	Resolver      string
	Channel       string
	AlwaysAllow   bool
	EditedPayload json.RawMessage
}

// Runner performs an approved record's effect and returns its result payload.
type Runner func(ctx context.Context, rec domain.ApprovalRecord) (json.RawMessage, error)

type Ledger struct {
	Repo      repo.Repo
	Events    events.Writer
	Publisher events.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

func (l Ledger) instant() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// now is truncated to the stored timestamp precision so expiry comparisons
// on stored strings agree with comparisons on time values.
func (l Ledger) now() time.Time {
	return l.instant().Truncate(time.Second)
}

// expiryFor rounds created+ttl up to the stored precision, so a record never
// expires before its full TTL has elapsed.
func expiryFor(created time.Time, ttl time.Duration) time.Time {
	exp := created.Add(ttl)
	if t := exp.Truncate(time.Second); !t.Equal(exp) {
		return t.Add(time.Second)
	}
	return exp
}

func (l Ledger) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Ledger) publish(evts ...domain.Event) {
	if l.Publisher == nil {
		return
	}
	for _, evt := range evts {
		l.Publisher.Publish(evt)
	}
}

// Create writes a proposed record with its expiry fixed at creation time.
func (l Ledger) Create(ctx context.Context, req Request) (domain.ApprovalRecord, error) {
	if req.TTL <= 0 {
		return domain.ApprovalRecord{}, fmt.Errorf("approval ttl must be positive")
	}
	if req.Kind == "" {
		req.Kind = domain.RecordAction
	}
	instant := l.instant()
	now := instant.Truncate(time.Second)
	rec := domain.ApprovalRecord{
		ID:            uuid.NewString(),
		Kind:          req.Kind,
		AgentID:       req.AgentID,
		OrgID:         req.OrgID,
		SessionID:     req.SessionID,
		Action:        req.Action,
		PayloadKind:   req.PayloadKind,
		Payload:       req.Payload,
		RiskTier:      req.RiskTier,
		StaticRisk:    req.StaticRisk,
		Factors:       req.Factors,
		Status:        domain.StatusProposed,
		ApproverOrgID: req.ApproverOrgID,
		ApproverLayer: req.ApproverLayer,
		CreatedAt:     domain.FormatTime(now),
		ExpiresAt:     domain.FormatTime(expiryFor(instant, req.TTL)),
	}
	if rec.Factors == nil {
		rec.Factors = []string{}
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("{}")
	}
	tx, err := l.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRecord{}, err
	}
	defer tx.Rollback()
	if err := l.Repo.InsertApproval(ctx, tx, rec); err != nil {
		return domain.ApprovalRecord{}, fmt.Errorf("insert approval: %w", err)
	}
	if req.Attach != nil {
		if err := req.Attach(ctx, tx, rec); err != nil {
			return domain.ApprovalRecord{}, err
		}
	}
	evt, err := l.Events.Append(ctx, tx, events.Entry{
		Type:       events.ApprovalCreated,
		OrgID:      rec.ApproverOrgID,
		EntityKind: "approval",
		EntityID:   rec.ID,
		ActorID:    req.ActorID,
		Payload: events.EventPayload{
			"kind":           rec.Kind,
			"agent_id":       rec.AgentID,
			"org_id":         rec.OrgID,
			"action":         rec.Action,
			"risk_tier":      rec.RiskTier,
			"factors":        rec.Factors,
			"approver_layer": rec.ApproverLayer,
			"expires_at":     rec.ExpiresAt,
		},
	})
	if err != nil {
		return domain.ApprovalRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRecord{}, err
	}
	l.publish(evt)
	return rec, nil
}

// Resolve approves or rejects a proposed record. A record that is no longer
// proposed yields Applied=false with ReasonNotPending. A proposed record past
// its expiry is expired instead.
func (l Ledger) Resolve(ctx context.Context, res Resolution) (Transition, error) {
	if !res.Outcome.Valid() {
		return Transition{}, fmt.Errorf("invalid outcome %q", res.Outcome)
	}
	if res.Resolver == "" {
		return Transition{}, errors.New("resolver is required")
	}
	tx, err := l.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return Transition{}, err
	}
	defer tx.Rollback()
	rec, err := l.Repo.GetApproval(ctx, tx, res.ID)
	if err != nil {
		return Transition{}, fmt.Errorf("approval %s: %w", res.ID, err)
	}
	if rec.Status != domain.StatusProposed {
		return Transition{Reason: ReasonNotPending, Record: rec}, nil
	}
	now := l.now()
	expires, err := domain.ParseTime(rec.ExpiresAt)
	if err != nil {
		return Transition{}, fmt.Errorf("approval %s expiry: %w", rec.ID, err)
	}
	if !now.Before(expires) {
		rec, evt, ok, err := l.expire(ctx, tx, rec, now)
		if err != nil {
			return Transition{}, err
		}
		if !ok {
			return l.notPending(ctx, tx, res.ID)
		}
		if err := tx.Commit(); err != nil {
			return Transition{}, err
		}
		l.publish(evt)
		return Transition{Reason: ReasonExpired, Record: rec}, nil
	}

	resolvedAt := domain.FormatTime(now)
	update := repo.ApprovalUpdate{
		ResolvedAt:  &resolvedAt,
		Resolver:    &res.Resolver,
		Channel:     &res.Channel,
		AlwaysAllow: &res.AlwaysAllow,
	}
	to := domain.StatusRejected
	if res.Outcome == Approve {
		to = domain.StatusApproved
	}
	if len(res.EditedPayload) > 0 {
		if res.Outcome != Approve {
			return Transition{Reason: ReasonEditRejected, Record: rec}, nil
		}
		if rec.Kind != domain.RecordAction {
			return Transition{}, ErrEditUnsupported
		}
		if _, err := domain.DecodePayload(rec.PayloadKind, res.EditedPayload); err != nil {
			return Transition{}, fmt.Errorf("edited payload: %w", err)
		}
		update.OriginalPayload = rec.Payload
		update.Payload = res.EditedPayload
	}
	ok, err := l.Repo.TransitionApproval(ctx, tx, rec.ID, domain.StatusProposed, to, update)
	if err != nil {
		return Transition{}, err
	}
	if !ok {
		return l.notPending(ctx, tx, res.ID)
	}

	var out []domain.Event
	if to == domain.StatusApproved && res.AlwaysAllow && rec.Kind == domain.RecordAction {
		evt, changed, err := l.allow(ctx, tx, rec, res.Resolver)
		if err != nil {
			return Transition{}, err
		}
		if changed {
			out = append(out, evt)
		}
	}
	payload := events.EventPayload{
		"status":       to,
		"resolver":     res.Resolver,
		"channel":      res.Channel,
		"always_allow": res.AlwaysAllow,
		"edited":       update.Payload != nil,
	}
	evt, err := l.Events.Append(ctx, tx, events.Entry{
		Type:       events.ApprovalResolved,
		OrgID:      rec.ApproverOrgID,
		EntityKind: "approval",
		EntityID:   rec.ID,
		ActorID:    res.Resolver,
		Payload:    payload,
	})
	if err != nil {
		return Transition{}, err
	}
	out = append([]domain.Event{evt}, out...)
	rec, err = l.Repo.GetApproval(ctx, tx, rec.ID)
	if err != nil {
		return Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return Transition{}, err
	}
	l.publish(out...)
	return Transition{Applied: true, Record: rec}, nil
}

// ResolveWithEdit approves a record with a substituted payload; the original
// is kept for audit.
func (l Ledger) ResolveWithEdit(ctx context.Context, id string, edited json.RawMessage, resolver, channel string) (Transition, error) {
	if len(edited) == 0 {
		return Transition{}, errors.New("edited payload is required")
	}
	return l.Resolve(ctx, Resolution{ID: id, Outcome: Approve, Resolver: resolver, Channel: channel, EditedPayload: edited})
}

func (l Ledger) notPending(ctx context.Context, tx *sql.Tx, id string) (Transition, error) {
	rec, err := l.Repo.GetApproval(ctx, tx, id)
	if err != nil {
		return Transition{}, err
	}
	return Transition{Reason: ReasonNotPending, Record: rec}, nil
}

// allow adds the record's action to the agent allow list with set semantics.
func (l Ledger) allow(ctx context.Context, tx *sql.Tx, rec domain.ApprovalRecord, actorID string) (domain.Event, bool, error) {
	for attempt := 0; attempt < policyWriteRetries; attempt++ {
		agent, err := l.Repo.GetAgent(ctx, tx, rec.AgentID)
		if err != nil {
			return domain.Event{}, false, err
		}
		if slices.Contains(agent.AllowList, rec.Action) {
			return domain.Event{}, false, nil
		}
		allow := append(slices.Clone(agent.AllowList), rec.Action)
		ok, err := l.Repo.UpdatePolicyLists(ctx, tx, agent.ID, allow, agent.BlockList, agent.PolicyRev)
		if err != nil {
			return domain.Event{}, false, err
		}
		if !ok {
			continue
		}
		evt, err := l.Events.Append(ctx, tx, events.Entry{
			Type:       events.PolicyListChanged,
			OrgID:      agent.OrgID,
			EntityKind: "agent",
			EntityID:   agent.ID,
			ActorID:    actorID,
			Payload:    events.EventPayload{"list": "allow", "added": rec.Action, "approval_id": rec.ID},
		})
		return evt, true, err
	}
	return domain.Event{}, false, fmt.Errorf("agent %s: policy lists changed concurrently", rec.AgentID)
}

func (l Ledger) expire(ctx context.Context, tx *sql.Tx, rec domain.ApprovalRecord, now time.Time) (domain.ApprovalRecord, domain.Event, bool, error) {
	resolvedAt := domain.FormatTime(now)
	resolver := domain.ResolverExpired
	ok, err := l.Repo.TransitionApproval(ctx, tx, rec.ID, domain.StatusProposed, domain.StatusExpired, repo.ApprovalUpdate{
		ResolvedAt: &resolvedAt,
		Resolver:   &resolver,
	})
	if err != nil || !ok {
		return rec, domain.Event{}, false, err
	}
	evt, err := l.Events.Append(ctx, tx, events.Entry{
		Type:       events.ApprovalExpired,
		OrgID:      rec.ApproverOrgID,
		EntityKind: "approval",
		EntityID:   rec.ID,
		ActorID:    domain.ResolverExpired,
		Payload:    events.EventPayload{"expires_at": rec.ExpiresAt, "agent_id": rec.AgentID},
	})
	if err != nil {
		return rec, domain.Event{}, false, err
	}
	rec.Status = domain.StatusExpired
	rec.Resolver = resolver
	rec.ResolvedAt = &resolvedAt
	return rec, evt, true, nil
}

// ExpireSweep expires every proposed record whose expiry is at or before now
// and returns the ids it transitioned. Records resolved concurrently are skipped.
func (l Ledger) ExpireSweep(ctx context.Context, now time.Time) ([]string, error) {
	now = now.UTC().Truncate(time.Second)
	ids, err := l.Repo.DueForExpiry(ctx, domain.FormatTime(now), 0)
	if err != nil {
		return nil, err
	}
	var (
		expired []string
		errs    []error
	)
	for _, id := range ids {
		ok, err := l.expireOne(ctx, id, now)
		if err != nil {
			l.logger().Error("expire approval", "approval_id", id, "error", err)
			errs = append(errs, fmt.Errorf("expire %s: %w", id, err))
			continue
		}
		if ok {
			expired = append(expired, id)
		}
	}
	if len(expired) > 0 {
		l.logger().Info("approvals expired", "count", len(expired))
	}
	return expired, errors.Join(errs...)
}

func (l Ledger) expireOne(ctx context.Context, id string, now time.Time) (bool, error) {
	tx, err := l.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	rec, err := l.Repo.GetApproval(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if rec.Status != domain.StatusProposed {
		return false, nil
	}
	_, evt, ok, err := l.expire(ctx, tx, rec, now)
	if err != nil || !ok {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	l.publish(evt)
	return true, nil
}

// Execute runs an approved record. The runner is called outside any
// transaction; its failure marks the record failed and is never retried.
func (l Ledger) Execute(ctx context.Context, id string, run Runner) (Transition, error) {
	tx, err := l.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return Transition{}, err
	}
	defer tx.Rollback()
	rec, err := l.Repo.GetApproval(ctx, tx, id)
	if err != nil {
		return Transition{}, fmt.Errorf("approval %s: %w", id, err)
	}
	if rec.Status != domain.StatusApproved {
		return Transition{Reason: ReasonNotApproved, Record: rec}, nil
	}
	ok, err := l.Repo.TransitionApproval(ctx, tx, id, domain.StatusApproved, domain.StatusExecuting, repo.ApprovalUpdate{})
	if err != nil {
		return Transition{}, err
	}
	if !ok {
		return Transition{Reason: ReasonNotApproved, Record: rec}, nil
	}
	if err := tx.Commit(); err != nil {
		return Transition{}, err
	}
	rec.Status = domain.StatusExecuting

	result, runErr := run(ctx, rec)

	to := domain.StatusSucceeded
	update := repo.ApprovalUpdate{Result: result}
	if runErr != nil {
		to = domain.StatusFailed
		msg := runErr.Error()
		update.Error = &msg
		l.logger().Warn("approved action failed", "approval_id", id, "action", rec.Action, "error", runErr)
	}
	// The runner may have been cancelled with ctx; the outcome is still recorded.
	ctx = context.WithoutCancel(ctx)
	tx, err = l.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return Transition{}, err
	}
	defer tx.Rollback()
	ok, err = l.Repo.TransitionApproval(ctx, tx, id, domain.StatusExecuting, to, update)
	if err != nil {
		return Transition{}, err
	}
	if !ok {
		return Transition{}, fmt.Errorf("approval %s left executing state unexpectedly", id)
	}
	payload := events.EventPayload{"status": to, "action": rec.Action, "agent_id": rec.AgentID}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	evt, err := l.Events.Append(ctx, tx, events.Entry{
		Type:       events.ApprovalExecuted,
		OrgID:      rec.ApproverOrgID,
		EntityKind: "approval",
		EntityID:   id,
		Payload:    payload,
	})
	if err != nil {
		return Transition{}, err
	}
	rec, err = l.Repo.GetApproval(ctx, tx, id)
	if err != nil {
		return Transition{}, err
	}
	if err := tx.Commit(); err != nil {
		return Transition{}, err
	}
	l.publish(evt)
	return Transition{Applied: true, Record: rec}, nil
}

// Annotate attaches an execution-result note to a terminal record. It is the
// only change a terminal record accepts.
func (l Ledger) Annotate(ctx context.Context, id string, note json.RawMessage, actorID string) (bool, error) {
	if !json.Valid(note) {
		return false, errors.New("annotation must be valid JSON")
	}
	tx, err := l.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	rec, err := l.Repo.GetApproval(ctx, tx, id)
	if err != nil {
		return false, err
	}
	ok, err := l.Repo.AnnotateApproval(ctx, tx, id, note)
	if err != nil || !ok {
		return false, err
	}
	evt, err := l.Events.Append(ctx, tx, events.Entry{
		Type:       events.ApprovalAnnotated,
		OrgID:      rec.ApproverOrgID,
		EntityKind: "approval",
		EntityID:   id,
		ActorID:    actorID,
	})
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	l.publish(evt)
	return true, nil
}

func (l Ledger) Get(ctx context.Context, id string) (domain.ApprovalRecord, error) {
	return l.Repo.GetApproval(ctx, nil, id)
}

// ListPending returns proposed records raised by the agent or visible to the org.
func (l Ledger) ListPending(ctx context.Context, agentID, orgID string, limit int) ([]domain.ApprovalRecord, error) {
	return l.Repo.ListApprovals(ctx, repo.ApprovalFilter{AgentID: agentID, OrgID: orgID, Status: domain.StatusProposed, Limit: limit})
}

// History returns an agent's records newest first.
func (l Ledger) History(ctx context.Context, agentID string, limit int) ([]domain.ApprovalRecord, error) {
	return l.Repo.ListApprovals(ctx, repo.ApprovalFilter{AgentID: agentID, Limit: limit})
}
