package domain

import (
	"encoding/json"
	"time"
)

// TimeFormat is the canonical timestamp encoding for persisted records.
const TimeFormat = time.RFC3339

// FormatTime renders t in UTC with TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a persisted timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

type StaticRisk string

const (
	RiskRead        StaticRisk = "read"
	RiskWrite       StaticRisk = "write"
	RiskDestructive StaticRisk = "destructive"
)

func (r StaticRisk) Valid() bool {
	switch r {
	case RiskRead, RiskWrite, RiskDestructive:
		return true
	}
	return false
}

type RiskTier string

const (
	TierLow    RiskTier = "low"
	TierMedium RiskTier = "medium"
	TierHigh   RiskTier = "high"
)

// Rank orders tiers so callers can compare them.
func (t RiskTier) Rank() int {
	switch t {
	case TierLow:
		return 0
	case TierMedium:
		return 1
	case TierHigh:
		return 2
	}
	return -1
}

type AutonomyLevel string

const (
	AutonomyDraftOnly      AutonomyLevel = "draft_only"
	AutonomySupervised     AutonomyLevel = "supervised"
	AutonomySemiAutonomous AutonomyLevel = "semi_autonomous"
	AutonomyAutonomous     AutonomyLevel = "autonomous"
)

func (a AutonomyLevel) Valid() bool {
	switch a {
	case AutonomyDraftOnly, AutonomySupervised, AutonomySemiAutonomous, AutonomyAutonomous:
		return true
	}
	return false
}

type TrustTier string

const (
	TrustNew         TrustTier = "new"
	TrustEstablished TrustTier = "established"
	TrustTrusted     TrustTier = "trusted"
)

func (t TrustTier) Valid() bool {
	switch t {
	case TrustNew, TrustEstablished, TrustTrusted:
		return true
	}
	return false
}

// ApprovalMode is the org-wide override applied on top of agent autonomy.
type ApprovalMode string

const (
	ModeAll       ApprovalMode = "all"
	ModeDangerous ApprovalMode = "dangerous"
	ModeNone      ApprovalMode = "none"
)

func (m ApprovalMode) Valid() bool {
	switch m {
	case ModeAll, ModeDangerous, ModeNone:
		return true
	}
	return false
}

type ApprovalRouting string

const (
	RouteSelf   ApprovalRouting = "self"
	RouteParent ApprovalRouting = "parent"
)

type OrgKind string

const (
	OrgPlatform OrgKind = "platform"
	OrgAgency   OrgKind = "agency"
	OrgClient   OrgKind = "client"
)

func (k OrgKind) Valid() bool {
	switch k {
	case OrgPlatform, OrgAgency, OrgClient:
		return true
	}
	return false
}

type AgentRole string

const (
	RoleSystem         AgentRole = "system"
	RoleCoordinator    AgentRole = "coordinator"
	RoleCustomerFacing AgentRole = "customer_facing"
)

func (r AgentRole) Valid() bool {
	switch r {
	case RoleSystem, RoleCoordinator, RoleCustomerFacing:
		return true
	}
	return false
}

type Decision string

const (
	DecisionExecute Decision = "execute"
	DecisionQueue   Decision = "queue"
	DecisionBlock   Decision = "block"
)

type ApprovalStatus string

const (
	StatusProposed  ApprovalStatus = "proposed"
	StatusApproved  ApprovalStatus = "approved"
	StatusRejected  ApprovalStatus = "rejected"
	StatusExpired   ApprovalStatus = "expired"
	StatusExecuting ApprovalStatus = "executing"
	StatusSucceeded ApprovalStatus = "succeeded"
	StatusFailed    ApprovalStatus = "failed"
)

func (s ApprovalStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

type RecordKind string

const (
	RecordAction RecordKind = "action"
	RecordSoul   RecordKind = "soul"
)

// ResolverExpired marks records closed by the expiry sweep.
const ResolverExpired = "system_expired"

type Organization struct {
	ID              string          `json:"id"`
	Slug            string          `json:"slug"`
	Name            string          `json:"name"`
	ParentID        *string         `json:"parent_id,omitempty"`
	Kind            OrgKind         `json:"kind" enum:"platform,agency,client"`
	TrustTier       TrustTier       `json:"trust_tier" enum:"new,established,trusted"`
	ApprovalMode    ApprovalMode    `json:"approval_mode" enum:"all,dangerous,none"`
	ApprovalRouting ApprovalRouting `json:"approval_routing" enum:"self,parent"`
	Active          bool            `json:"active"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
}

type Agent struct {
	ID          string        `json:"id"`
	OrgID       string        `json:"org_id"`
	Name        string        `json:"name"`
	Role        AgentRole     `json:"role" enum:"system,coordinator,customer_facing"`
	Autonomy    AutonomyLevel `json:"autonomy" enum:"draft_only,supervised,semi_autonomous,autonomous"`
	AllowList   []string      `json:"allow_list"`
	BlockList   []string      `json:"block_list"`
	PolicyRev   int           `json:"policy_rev"`
	Soul        Soul          `json:"soul"`
	SoulVersion int           `json:"soul_version"`
	Active      bool          `json:"active"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
}

type ApprovalRecord struct {
	ID              string          `json:"id"`
	Kind            RecordKind      `json:"kind" enum:"action,soul"`
	AgentID         string          `json:"agent_id"`
	OrgID           string          `json:"org_id"`
	SessionID       string          `json:"session_id,omitempty"`
	Action          string          `json:"action"`
	PayloadKind     PayloadKind     `json:"payload_kind"`
	Payload         json.RawMessage `json:"payload"`
	OriginalPayload json.RawMessage `json:"original_payload,omitempty"`
	RiskTier        RiskTier        `json:"risk_tier" enum:"low,medium,high"`
	StaticRisk      StaticRisk      `json:"static_risk" enum:"read,write,destructive"`
	Factors         []string        `json:"factors"`
	Status          ApprovalStatus  `json:"status" enum:"proposed,approved,rejected,expired,executing,succeeded,failed"`
	ApproverOrgID   string          `json:"approver_org_id"`
	ApproverLayer   int             `json:"approver_layer"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	ExpiresAt       string          `json:"expires_at" format:"date-time"`
	ResolvedAt      *string         `json:"resolved_at,omitempty" format:"date-time"`
	Resolver        string          `json:"resolver,omitempty"`
	Channel         string          `json:"channel,omitempty"`
	AlwaysAllow     bool            `json:"always_allow"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
}

type SoulOperation string

const (
	OpAdd    SoulOperation = "add"
	OpModify SoulOperation = "modify"
	OpRemove SoulOperation = "remove"
)

type SoulProposal struct {
	ApprovalID    string        `json:"approval_id"`
	AgentID       string        `json:"agent_id"`
	Field         SoulField     `json:"field"`
	Operation     SoulOperation `json:"operation" enum:"add,modify,remove"`
	PreviousValue string        `json:"previous_value,omitempty"`
	ProposedValue string        `json:"proposed_value"`
	Justification string        `json:"justification"`
	Evidence      []string      `json:"evidence,omitempty"`
	Source        string        `json:"source" enum:"reflection,owner"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
}

type SoulVersion struct {
	AgentID    string          `json:"agent_id"`
	Version    int             `json:"version"`
	Soul       json.RawMessage `json:"soul"`
	Previous   json.RawMessage `json:"previous,omitempty"`
	Change     string          `json:"change"`
	ProposalID string          `json:"proposal_id,omitempty"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
}

type MessageKind string

const (
	MessageEscalation MessageKind = "escalation"
	MessageDelegation MessageKind = "delegation"
	MessageInsight    MessageKind = "insight"
)

type MessageStatus string

const (
	MessagePending      MessageStatus = "pending"
	MessageAcknowledged MessageStatus = "acknowledged"
	MessageResolved     MessageStatus = "resolved"
	MessageDismissed    MessageStatus = "dismissed"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Message is an escalation, delegation or insight routed between orgs.
type Message struct {
	ID            string        `json:"id"`
	Kind          MessageKind   `json:"kind" enum:"escalation,delegation,insight"`
	SourceAgentID string        `json:"source_agent_id"`
	SourceOrgID   string        `json:"source_org_id"`
	SourceLayer   int           `json:"source_layer"`
	TargetOrgID   string        `json:"target_org_id"`
	TargetLayer   int           `json:"target_layer"`
	Severity      Severity      `json:"severity,omitempty"`
	Body          string        `json:"body"`
	Status        MessageStatus `json:"status" enum:"pending,acknowledged,resolved,dismissed"`
	CreatedAt     string        `json:"created_at" format:"date-time"`
	UpdatedAt     string        `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

type APIKey struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty"`
	RevokedAt  string `json:"revoked_at,omitempty"`
}
