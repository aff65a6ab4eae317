// Package soul governs changes an agent proposes to its own configuration.
// Proposals pass a rate limit and a duplicate gate, become approval records,
// and once approved are applied as a new configuration version.
package soul

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
	"unicode"
	"unicode/utf8"

	"github.com/gowebpki/jcs"

	"governor/internal/config"
	"governor/internal/domain"
	"governor/internal/events"
	"governor/internal/layer"
	"governor/internal/ledger"
	"governor/internal/repo"
)

// Gate reasons.
const (
	GateRateLimited     = "rate_limited"
	GateSimilarRejected = "similar_rejected"
)

const (
	SourceReflection = "reflection"
	SourceOwner      = "owner"
)

// InvalidChangeError reports a proposal that does not fit the target field.
type InvalidChangeError struct {
	Field  domain.SoulField
	Reason string
}

func (e InvalidChangeError) Error() string {
	return fmt.Sprintf("invalid change to %s: %s", e.Field, e.Reason)
}

var ErrConflict = errors.New("soul changed concurrently")

type gateError struct{ reason string }

func (e gateError) Error() string { return e.reason }

type Proposal struct {
	AgentID       string               `json:"agent_id"`
	SessionID     string               `json:"session_id,omitempty"`
	Field         domain.SoulField     `json:"field"`
	Operation     domain.SoulOperation `json:"operation"`
	Value         string               `json:"value"`
	Justification string               `json:"justification"`
	Evidence      []string             `json:"evidence,omitempty"`
	Source        string               `json:"source,omitempty"`
	ActorID       string               `json:"-"`
}

// Result is either a gated outcome or the approval record that now awaits review.
type Result struct {
	Gated    bool                   `json:"gated"`
	Reason   string                 `json:"reason,omitempty"`
	Approval *domain.ApprovalRecord `json:"approval,omitempty"`
}

type Governor struct {
	Repo      repo.Repo
	Events    events.Writer
	Publisher events.Publisher
	Ledger    ledger.Ledger
	Router    layer.Router
	Config    *config.Config
	Logger    *slog.Logger
	Now       func() time.Time
}

func (g Governor) now() time.Time {
	t := time.Now()
	if g.Now != nil {
		t = g.Now()
	}
	return t.UTC()
}

func (g Governor) settings() config.SoulConfig {
	s := config.Default().Soul
	if g.Config != nil {
		s = g.Config.Soul
	}
	if s.WriteRetries <= 0 {
		s.WriteRetries = 3
	}
	if s.PrefixLength <= 0 {
		s.PrefixLength = 12
	}
	return s
}

func (g Governor) ttl() time.Duration {
	if g.Config != nil && g.Config.Approvals.SelfModTTL > 0 {
		return g.Config.Approvals.SelfModTTL
	}
	return 72 * time.Hour
}

// Canonical returns the JCS form of a soul; every stored snapshot uses it so
// equal configurations are byte-identical.
func Canonical(s domain.Soul) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

// Normalize folds case, whitespace and surrounding punctuation for the
// duplicate gate.
func Normalize(v string) string {
	v = strings.ToLower(strings.Join(strings.Fields(v), " "))
	return strings.TrimFunc(v, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) })
}

// Similar reports whether two normalized values are near-identical: equal,
// or the shorter is a prefix of the longer and at least minPrefix runes long.
func Similar(a, b string, minPrefix int) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	short, long := a, b
	if utf8.RuneCountInString(short) > utf8.RuneCountInString(long) {
		short, long = long, short
	}
	if utf8.RuneCountInString(short) < minPrefix {
		return false
	}
	return strings.HasPrefix(long, short)
}

// ValidateChange checks a change against the current soul.
func ValidateChange(s domain.Soul, field domain.SoulField, op domain.SoulOperation, value string) error {
	if !field.Scalar() && !field.List() {
		return InvalidChangeError{Field: field, Reason: "unknown field"}
	}
	if strings.TrimSpace(value) == "" {
		return InvalidChangeError{Field: field, Reason: "value is required"}
	}
	switch op {
	case domain.OpAdd, domain.OpRemove:
		if !field.List() {
			return InvalidChangeError{Field: field, Reason: fmt.Sprintf("%s needs a list field", op)}
		}
		if op == domain.OpRemove && !slices.Contains(*s.List(field), value) {
			return InvalidChangeError{Field: field, Reason: "value not present"}
		}
	case domain.OpModify:
		if !field.Scalar() {
			return InvalidChangeError{Field: field, Reason: "modify needs a scalar field"}
		}
	default:
		return InvalidChangeError{Field: field, Reason: fmt.Sprintf("unknown operation %q", op)}
	}
	return nil
}

// ApplyChange returns a copy of s with the change applied. Adding an existing
// value and removing a missing one leave the list unchanged.
func ApplyChange(s domain.Soul, field domain.SoulField, op domain.SoulOperation, value string) (domain.Soul, error) {
	out := s.Clone()
	switch op {
	case domain.OpAdd:
		list := out.List(field)
		if list == nil {
			return s, InvalidChangeError{Field: field, Reason: "add needs a list field"}
		}
		if !slices.Contains(*list, value) {
			*list = append(*list, value)
		}
	case domain.OpRemove:
		list := out.List(field)
		if list == nil {
			return s, InvalidChangeError{Field: field, Reason: "remove needs a list field"}
		}
		*list = slices.DeleteFunc(*list, func(v string) bool { return v == value })
	case domain.OpModify:
		ptr := out.Scalar(field)
		if ptr == nil {
			return s, InvalidChangeError{Field: field, Reason: "modify needs a scalar field"}
		}
		*ptr = value
	default:
		return s, InvalidChangeError{Field: field, Reason: fmt.Sprintf("unknown operation %q", op)}
	}
	return out, nil
}

// Propose gates a proposal and, if it passes, queues it for approval. Gated
// proposals are results, not errors.
func (g Governor) Propose(ctx context.Context, p Proposal) (Result, error) {
	if p.Source == "" {
		p.Source = SourceReflection
	}
	if p.Source != SourceReflection && p.Source != SourceOwner {
		return Result{}, fmt.Errorf("invalid source %q", p.Source)
	}
	if strings.TrimSpace(p.Justification) == "" {
		return Result{}, errors.New("justification is required")
	}
	pl, err := g.Router.Place(ctx, nil, p.AgentID)
	if err != nil {
		return Result{}, err
	}
	if err := ValidateChange(pl.Agent.Soul, p.Field, p.Operation, p.Value); err != nil {
		return Result{}, err
	}
	var previous string
	if p.Operation == domain.OpModify {
		previous = *pl.Agent.Soul.Scalar(p.Field)
	}
	now := g.now()
	cfg := g.settings()
	normalized := Normalize(p.Value)
	payload, err := json.Marshal(map[string]any{
		"field":          p.Field,
		"operation":      p.Operation,
		"previous_value": previous,
		"proposed_value": p.Value,
		"justification":  p.Justification,
		"evidence":       p.Evidence,
	})
	if err != nil {
		return Result{}, err
	}
	approverOrg, approverLayer := pl.Approver()
	rec, err := g.Ledger.Create(ctx, ledger.Request{
		Kind:          domain.RecordSoul,
		AgentID:       p.AgentID,
		OrgID:         pl.Agent.OrgID,
		SessionID:     p.SessionID,
		Action:        "soul." + string(p.Field),
		PayloadKind:   domain.PayloadSoulChange,
		Payload:       payload,
		RiskTier:      domain.TierHigh,
		StaticRisk:    domain.RiskWrite,
		ApproverOrgID: approverOrg,
		ApproverLayer: approverLayer,
		TTL:           g.ttl(),
		ActorID:       p.ActorID,
		Attach: func(ctx context.Context, tx *sql.Tx, rec domain.ApprovalRecord) error {
			if reason, err := g.gate(ctx, tx, p, normalized, now, cfg); err != nil || reason != "" {
				if err != nil {
					return err
				}
				return gateError{reason: reason}
			}
			return g.Repo.InsertSoulProposal(ctx, tx, domain.SoulProposal{
				ApprovalID:    rec.ID,
				AgentID:       p.AgentID,
				Field:         p.Field,
				Operation:     p.Operation,
				PreviousValue: previous,
				ProposedValue: p.Value,
				Justification: p.Justification,
				Evidence:      p.Evidence,
				Source:        p.Source,
				CreatedAt:     domain.FormatTime(now),
			}, normalized)
		},
	})
	var ge gateError
	if errors.As(err, &ge) {
		g.recordGate(ctx, pl, p, ge.reason)
		return Result{Gated: true, Reason: ge.reason}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Approval: &rec}, nil
}

func (g Governor) gate(ctx context.Context, tx *sql.Tx, p Proposal, normalized string, now time.Time, cfg config.SoulConfig) (string, error) {
	if cfg.RateLimit > 0 {
		n, err := g.Repo.CountProposalsSince(ctx, tx, p.AgentID, domain.FormatTime(now.Add(-cfg.RateWindow)))
		if err != nil {
			return "", err
		}
		if n >= cfg.RateLimit {
			return GateRateLimited, nil
		}
	}
	rejected, err := g.Repo.RejectedValuesSince(ctx, tx, p.AgentID, p.Field, p.Operation, domain.FormatTime(now.Add(-cfg.DuplicateWindow)))
	if err != nil {
		return "", err
	}
	for _, v := range rejected {
		if Similar(v, normalized, cfg.PrefixLength) {
			return GateSimilarRejected, nil
		}
	}
	return "", nil
}

func (g Governor) recordGate(ctx context.Context, pl layer.Placement, p Proposal, reason string) {
	err := func() error {
		tx, err := g.Repo.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		evt, err := g.Events.Append(ctx, tx, events.Entry{
			Type:       events.SoulGated,
			OrgID:      pl.Agent.OrgID,
			EntityKind: "agent",
			EntityID:   p.AgentID,
			ActorID:    p.ActorID,
			Payload:    events.EventPayload{"reason": reason, "field": p.Field, "operation": p.Operation},
		})
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		if g.Publisher != nil {
			g.Publisher.Publish(evt)
		}
		return nil
	}()
	if err != nil {
		g.logger().Warn("gated proposal not recorded", "agent_id", p.AgentID, "reason", reason, "error", err)
	}
}

func (g Governor) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

// Apply is the ledger runner for approved soul records. It writes the change
// as a new version, retrying when the version moved underneath it.
func (g Governor) Apply(ctx context.Context, rec domain.ApprovalRecord) (json.RawMessage, error) {
	prop, err := g.Repo.GetSoulProposal(ctx, nil, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("proposal %s: %w", rec.ID, err)
	}
	change := fmt.Sprintf("%s %s", prop.Operation, prop.Field)
	for attempt := 0; attempt < g.settings().WriteRetries; attempt++ {
		v, ok, err := g.write(ctx, prop.AgentID, rec.ID, change, events.SoulApplied, actorOf(rec), func(cur domain.Soul) ([]byte, error) {
			next, err := ApplyChange(cur, prop.Field, prop.Operation, prop.ProposedValue)
			if err != nil {
				return nil, err
			}
			return Canonical(next)
		})
		if err != nil {
			return nil, err
		}
		if ok {
			return json.Marshal(map[string]any{"version": v.Version})
		}
	}
	return nil, ErrConflict
}

func actorOf(rec domain.ApprovalRecord) string {
	if rec.Resolver != "" {
		return rec.Resolver
	}
	return rec.AgentID
}

// Rollback restores the snapshot of target as a new version.
func (g Governor) Rollback(ctx context.Context, agentID string, target int, actorID string) (domain.SoulVersion, error) {
	snap, err := g.Repo.GetSoulVersion(ctx, nil, agentID, target)
	if err != nil {
		return domain.SoulVersion{}, fmt.Errorf("soul version %d: %w", target, err)
	}
	change := fmt.Sprintf("rollback to %d", target)
	for attempt := 0; attempt < g.settings().WriteRetries; attempt++ {
		v, ok, err := g.write(ctx, agentID, "", change, events.SoulRolledBack, actorID, func(domain.Soul) ([]byte, error) {
			return snap.Soul, nil
		})
		if err != nil {
			return domain.SoulVersion{}, err
		}
		if ok {
			return v, nil
		}
	}
	return domain.SoulVersion{}, ErrConflict
}

// write performs one optimistic version bump. ok is false when another writer
// moved the version first.
func (g Governor) write(ctx context.Context, agentID, proposalID, change, eventType, actorID string, next func(domain.Soul) ([]byte, error)) (domain.SoulVersion, bool, error) {
	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SoulVersion{}, false, err
	}
	defer tx.Rollback()
	agent, err := g.Repo.GetAgent(ctx, tx, agentID)
	if err != nil {
		return domain.SoulVersion{}, false, err
	}
	prev, err := Canonical(agent.Soul)
	if err != nil {
		return domain.SoulVersion{}, false, err
	}
	data, err := next(agent.Soul)
	if err != nil {
		return domain.SoulVersion{}, false, err
	}
	version := agent.SoulVersion + 1
	ok, err := g.Repo.UpdateSoul(ctx, tx, agentID, data, agent.SoulVersion, version)
	if err != nil || !ok {
		return domain.SoulVersion{}, false, err
	}
	v := domain.SoulVersion{
		AgentID:    agentID,
		Version:    version,
		Soul:       data,
		Previous:   prev,
		Change:     change,
		ProposalID: proposalID,
		CreatedAt:  domain.FormatTime(g.now()),
	}
	if err := g.Repo.InsertSoulVersion(ctx, tx, v); err != nil {
		return domain.SoulVersion{}, false, err
	}
	evt, err := g.Events.Append(ctx, tx, events.Entry{
		Type:       eventType,
		OrgID:      agent.OrgID,
		EntityKind: "agent",
		EntityID:   agentID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"version": version, "change": change, "proposal_id": proposalID},
	})
	if err != nil {
		return domain.SoulVersion{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SoulVersion{}, false, err
	}
	if g.Publisher != nil {
		g.Publisher.Publish(evt)
	}
	return v, true, nil
}

// Bootstrap stores version 1 for a newly created agent inside tx.
func (g Governor) Bootstrap(ctx context.Context, tx *sql.Tx, agent domain.Agent) error {
	data, err := Canonical(agent.Soul)
	if err != nil {
		return err
	}
	if _, err := g.Repo.UpdateSoul(ctx, tx, agent.ID, data, 1, 1); err != nil {
		return err
	}
	return g.Repo.InsertSoulVersion(ctx, tx, domain.SoulVersion{
		AgentID:   agent.ID,
		Version:   1,
		Soul:      data,
		Change:    "bootstrap",
		CreatedAt: domain.FormatTime(g.now()),
	})
}

// History lists an agent's configuration versions newest first.
func (g Governor) History(ctx context.Context, agentID string, limit int) ([]domain.SoulVersion, error) {
	return g.Repo.ListSoulVersions(ctx, agentID, limit)
}
