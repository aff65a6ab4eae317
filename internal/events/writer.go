package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"governor/internal/domain"
)

// Event types written by the governance engine.
const (
	ApprovalCreated   = "approval.created"
	ApprovalResolved  = "approval.resolved"
	ApprovalExpired   = "approval.expired"
	ApprovalExecuted  = "approval.executed"
	ApprovalAnnotated = "approval.annotated"
	ActionExecuted    = "action.executed"
	ActionBlocked     = "action.blocked"
	PolicyListChanged = "agent.policy_list.changed"
	SoulGated         = "soul.proposal.gated"
	SoulApplied       = "soul.applied"
	SoulRolledBack    = "soul.rolled_back"
	MessageCreated    = "message.created"
	MessageUpdated    = "message.status.changed"
	OrgCreated        = "org.created"
	OrgUpdated        = "org.updated"
	OrgDeactivated    = "org.deactivated"
	AgentCreated      = "agent.created"
	AgentUpdated      = "agent.updated"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one audit record before it is persisted.
type Entry struct {
	Type       string
	OrgID      string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes the entry inside tx and returns the stored event.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := domain.FormatTime(now())
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	if e.ActorID == "" {
		e.ActorID = "system"
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,org_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.OrgID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return domain.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		ID:         id,
		TS:         ts,
		Type:       e.Type,
		OrgID:      e.OrgID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    string(data),
	}, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Publisher receives events after their transaction commits. Implementations
// must not block the caller.
type Publisher interface {
	Publish(evt domain.Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(domain.Event) {}
