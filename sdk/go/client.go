package governorsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Governor HTTP API client. Agent runtimes use it to
// submit actions and proposals; review tools use it to resolve approvals.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Decision is the engine's answer to a submitted action.
type Decision struct {
	Kind       string   `json:"kind"`
	Reason     string   `json:"reason"`
	ApprovalID string   `json:"approval_id,omitempty"`
	Result     *Result  `json:"result,omitempty"`
	RiskTier   string   `json:"risk_tier"`
	StaticRisk string   `json:"static_risk"`
	Factors    []string `json:"factors"`
}

// Executed, Queued and Blocked are the possible Decision kinds.
const (
	Executed = "executed"
	Queued   = "queued"
	Blocked  = "blocked"
)

type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Approval represents an approval ledger record (partial).
type Approval struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	AgentID       string         `json:"agent_id"`
	OrgID         string         `json:"org_id"`
	Action        string         `json:"action"`
	Payload       map[string]any `json:"payload"`
	RiskTier      string         `json:"risk_tier"`
	Factors       []string       `json:"factors"`
	Status        string         `json:"status"`
	ApproverOrgID string         `json:"approver_org_id"`
	ExpiresAt     string         `json:"expires_at"`
	Resolver      string         `json:"resolver,omitempty"`
	Result        any            `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Transition is returned by Resolve. Applied=false with a reason is a normal
// outcome when the record was already resolved or has expired.
type Transition struct {
	Applied bool     `json:"applied"`
	Reason  string   `json:"reason,omitempty"`
	Record  Approval `json:"record"`
}

// SoulChange proposes an edit to the agent's own configuration.
type SoulChange struct {
	SessionID     string   `json:"session_id,omitempty"`
	Field         string   `json:"field"`
	Operation     string   `json:"operation"`
	Value         string   `json:"value"`
	Justification string   `json:"justification"`
	Evidence      []string `json:"evidence,omitempty"`
	Source        string   `json:"source,omitempty"`
}

type SoulProposal struct {
	Gated    bool      `json:"gated"`
	Reason   string    `json:"reason,omitempty"`
	Approval *Approval `json:"approval,omitempty"`
}

// Message is an escalation, delegation or insight.
type Message struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	SourceOrgID string `json:"source_org_id"`
	TargetOrgID string `json:"target_org_id"`
	Severity    string `json:"severity,omitempty"`
	Body        string `json:"body"`
	Status      string `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OrgID      string         `json:"org_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

type apiErrorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsPolicyViolation reports whether err is the server refusing an action the
// agent's layer may not use.
func IsPolicyViolation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "policy_violation"
}

// SubmitAction asks the engine whether agentID may run action now.
func (c *Client) SubmitAction(ctx context.Context, agentID, sessionID, action string, payload any) (Decision, error) {
	body := map[string]any{
		"session_id": sessionID,
		"action":     action,
		"payload":    payload,
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, agentPath(agentID, "actions"), body, &resp)
	return resp, err
}

// Pending lists pending approvals routed to orgID.
func (c *Client) Pending(ctx context.Context, orgID string, limit int) ([]Approval, error) {
	q := url.Values{"org_id": {orgID}}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, "v1/approvals?"+q.Encode(), nil, &resp)
	return resp, err
}

// Approval fetches one record.
func (c *Client) Approval(ctx context.Context, id string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodGet, "v1/approvals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Resolve approves or rejects a pending record. editedPayload may be nil.
func (c *Client) Resolve(ctx context.Context, id, outcome string, alwaysAllow bool, editedPayload map[string]any) (Transition, error) {
	body := map[string]any{
		"outcome":      outcome,
		"channel":      "sdk",
		"always_allow": alwaysAllow,
	}
	if editedPayload != nil {
		body["edited_payload"] = editedPayload
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, "v1/approvals/"+url.PathEscape(id)+"/resolve", body, &resp)
	return resp, err
}

// ProposeSoulChange submits a self-modification proposal.
func (c *Client) ProposeSoulChange(ctx context.Context, agentID string, change SoulChange) (SoulProposal, error) {
	var resp SoulProposal
	err := c.do(ctx, http.MethodPost, agentPath(agentID, "soul/proposals"), change, &resp)
	return resp, err
}

// Escalate sends an issue upward.
func (c *Client) Escalate(ctx context.Context, agentID, summary, severity string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, agentPath(agentID, "escalations"), map[string]any{"summary": summary, "severity": severity}, &resp)
	return resp, err
}

// Delegate sends an instruction to a sub-organization by slug.
func (c *Client) Delegate(ctx context.Context, agentID, targetSlug, instruction string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, agentPath(agentID, "delegations"), map[string]any{"target_slug": targetSlug, "instruction": instruction}, &resp)
	return resp, err
}

// ShareInsight sends an insight one level up.
func (c *Client) ShareInsight(ctx context.Context, agentID, insight string) (Message, error) {
	var resp Message
	err := c.do(ctx, http.MethodPost, agentPath(agentID, "insights"), map[string]any{"insight": insight}, &resp)
	return resp, err
}

// EventsPage returns a page of an org's events. Pass the previous page's
// NextCursor to receive only newer events.
func (c *Client) EventsPage(ctx context.Context, orgID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{"org_id": {orgID}}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, "v1/events?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env apiErrorBody
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func agentPath(agentID, p string) string {
	return fmt.Sprintf("v1/agents/%s/%s", url.PathEscape(agentID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
