package server

import (
	"encoding/json"

	"governor/internal/domain"
	"governor/internal/engine"
	"governor/internal/executor"
	"governor/internal/ledger"
)

// Request payloads

type SubmitActionRequest struct {
	SessionID string         `json:"session_id,omitempty"`
	Action    string         `json:"action" minLength:"1"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type ResolveApprovalRequest struct {
	Outcome       string         `json:"outcome" enum:"approve,reject"`
	Channel       string         `json:"channel,omitempty"`
	AlwaysAllow   bool           `json:"always_allow,omitempty"`
	EditedPayload map[string]any `json:"edited_payload,omitempty"`
}

type AnnotateApprovalRequest struct {
	Note map[string]any `json:"note"`
}

type SoulProposalRequest struct {
	SessionID     string   `json:"session_id,omitempty"`
	Field         string   `json:"field" enum:"tone,persona,language,rules,boundaries,goals,learnings"`
	Operation     string   `json:"operation" enum:"add,modify,remove"`
	Value         string   `json:"value"`
	Justification string   `json:"justification" minLength:"1"`
	Evidence      []string `json:"evidence,omitempty"`
	Source        string   `json:"source,omitempty" enum:"reflection,owner"`
}

type SoulRollbackRequest struct {
	Version int `json:"version" minimum:"1"`
}

type EscalationRequest struct {
	Summary  string `json:"summary" minLength:"1"`
	Severity string `json:"severity,omitempty" enum:"low,medium,high,critical"`
}

type DelegationRequest struct {
	TargetSlug  string `json:"target_slug" minLength:"1"`
	Instruction string `json:"instruction" minLength:"1"`
}

type InsightRequest struct {
	Insight string `json:"insight" minLength:"1"`
}

type MessageStatusRequest struct {
	Status string `json:"status" enum:"acknowledged,resolved,dismissed"`
}

type CreateOrgRequest struct {
	ID              string `json:"id,omitempty"`
	Slug            string `json:"slug" minLength:"1"`
	Name            string `json:"name,omitempty"`
	ParentID        string `json:"parent_id,omitempty"`
	Kind            string `json:"kind,omitempty" enum:"platform,agency,client"`
	TrustTier       string `json:"trust_tier,omitempty" enum:"new,established,trusted"`
	ApprovalMode    string `json:"approval_mode,omitempty" enum:"all,dangerous,none"`
	ApprovalRouting string `json:"approval_routing,omitempty" enum:"self,parent"`
}

type UpdateOrgRequest struct {
	TrustTier       string `json:"trust_tier,omitempty" enum:"new,established,trusted"`
	ApprovalMode    string `json:"approval_mode,omitempty" enum:"all,dangerous,none"`
	ApprovalRouting string `json:"approval_routing,omitempty" enum:"self,parent"`
}

type CreateAgentRequest struct {
	ID       string      `json:"id,omitempty"`
	Name     string      `json:"name" minLength:"1"`
	Role     string      `json:"role,omitempty" enum:"system,coordinator,customer_facing"`
	Autonomy string      `json:"autonomy,omitempty" enum:"draft_only,supervised,semi_autonomous,autonomous"`
	Soul     domain.Soul `json:"soul,omitempty"`
}

type AutonomyRequest struct {
	Autonomy string `json:"autonomy" enum:"draft_only,supervised,semi_autonomous,autonomous"`
}

type PolicyListRequest struct {
	List   string `json:"list" enum:"allow,block"`
	Action string `json:"action" minLength:"1"`
	Remove bool   `json:"remove,omitempty"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DecisionResponse struct {
	Kind       string          `json:"kind" enum:"executed,queued,blocked"`
	Reason     string          `json:"reason"`
	ApprovalID string          `json:"approval_id,omitempty"`
	Result     *ResultResponse `json:"result,omitempty"`
	RiskTier   string          `json:"risk_tier" enum:"low,medium,high"`
	StaticRisk string          `json:"static_risk" enum:"read,write,destructive"`
	Factors    []string        `json:"factors"`
}

type ResultResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ApprovalResponse struct {
	ID              string   `json:"id"`
	Kind            string   `json:"kind" enum:"action,soul"`
	AgentID         string   `json:"agent_id"`
	OrgID           string   `json:"org_id"`
	SessionID       string   `json:"session_id,omitempty"`
	Action          string   `json:"action"`
	PayloadKind     string   `json:"payload_kind"`
	Payload         any      `json:"payload"`
	OriginalPayload any      `json:"original_payload,omitempty"`
	RiskTier        string   `json:"risk_tier" enum:"low,medium,high"`
	StaticRisk      string   `json:"static_risk" enum:"read,write,destructive"`
	Factors         []string `json:"factors"`
	Status          string   `json:"status" enum:"proposed,approved,rejected,expired,executing,succeeded,failed"`
	ApproverOrgID   string   `json:"approver_org_id"`
	ApproverLayer   int      `json:"approver_layer"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	ExpiresAt       string   `json:"expires_at" format:"date-time"`
	ResolvedAt      string   `json:"resolved_at,omitempty"`
	Resolver        string   `json:"resolver,omitempty"`
	Channel         string   `json:"channel,omitempty"`
	AlwaysAllow     bool     `json:"always_allow"`
	Result          any      `json:"result,omitempty"`
	Error           string   `json:"error,omitempty"`
}

type TransitionResponse struct {
	Applied bool             `json:"applied"`
	Reason  string           `json:"reason,omitempty"`
	Record  ApprovalResponse `json:"record"`
}

type SoulProposalResponse struct {
	Gated    bool              `json:"gated"`
	Reason   string            `json:"reason,omitempty"`
	Approval *ApprovalResponse `json:"approval,omitempty"`
}

type SoulVersionResponse struct {
	Version    int    `json:"version"`
	Soul       any    `json:"soul"`
	Previous   any    `json:"previous,omitempty"`
	Change     string `json:"change"`
	ProposalID string `json:"proposal_id,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	OrgID       string   `json:"org_id,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mapping helpers

func decisionResponse(d engine.Decision) DecisionResponse {
	return DecisionResponse{
		Kind:       string(d.Kind),
		Reason:     d.Reason,
		ApprovalID: d.ApprovalID,
		Result:     resultResponse(d.Result),
		RiskTier:   string(d.Assessment.Tier),
		StaticRisk: string(d.Assessment.Static),
		Factors:    nonNilSlice(d.Assessment.Factors),
	}
}

func resultResponse(r *executor.Result) *ResultResponse {
	if r == nil {
		return nil
	}
	return &ResultResponse{Success: r.Success, Data: decodeRaw(r.Data), Error: r.Error}
}

func approvalResponse(a domain.ApprovalRecord) ApprovalResponse {
	res := ApprovalResponse{
		ID:              a.ID,
		Kind:            string(a.Kind),
		AgentID:         a.AgentID,
		OrgID:           a.OrgID,
		SessionID:       a.SessionID,
		Action:          a.Action,
		PayloadKind:     string(a.PayloadKind),
		Payload:         decodeRaw(a.Payload),
		OriginalPayload: decodeRaw(a.OriginalPayload),
		RiskTier:        string(a.RiskTier),
		StaticRisk:      string(a.StaticRisk),
		Factors:         nonNilSlice(a.Factors),
		Status:          string(a.Status),
		ApproverOrgID:   a.ApproverOrgID,
		ApproverLayer:   a.ApproverLayer,
		CreatedAt:       a.CreatedAt,
		ExpiresAt:       a.ExpiresAt,
		Resolver:        a.Resolver,
		Channel:         a.Channel,
		AlwaysAllow:     a.AlwaysAllow,
		Result:          decodeRaw(a.Result),
		Error:           a.Error,
	}
	if a.ResolvedAt != nil {
		res.ResolvedAt = *a.ResolvedAt
	}
	return res
}

func mapApprovals(items []domain.ApprovalRecord) []ApprovalResponse {
	out := make([]ApprovalResponse, 0, len(items))
	for _, a := range items {
		out = append(out, approvalResponse(a))
	}
	return out
}

func transitionResponse(t ledger.Transition) TransitionResponse {
	return TransitionResponse{Applied: t.Applied, Reason: t.Reason, Record: approvalResponse(t.Record)}
}

func soulVersionResponse(v domain.SoulVersion) SoulVersionResponse {
	return SoulVersionResponse{
		Version:    v.Version,
		Soul:       decodeRaw(v.Soul),
		Previous:   decodeRaw(v.Previous),
		Change:     v.Change,
		ProposalID: v.ProposalID,
		CreatedAt:  v.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		OrgID:      e.OrgID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeRaw(json.RawMessage(e.Payload)),
	}
}

// JSON helpers

func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var tmp any
	if err := json.Unmarshal(raw, &tmp); err != nil {
		return nil
	}
	return tmp
}

func encodeMap(m map[string]any) (json.RawMessage, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
