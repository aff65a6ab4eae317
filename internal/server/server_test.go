package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governor/internal/config"
	"governor/internal/db"
	"governor/internal/domain"
	"governor/internal/engine"
	"governor/internal/executor"
	"governor/internal/migrate"
	"governor/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	e, err := engine.New(conn, cfg)
	require.NoError(t, err)
	require.NoError(t, e.Repo.SyncRolePermissions(context.Background(), nil, cfg.RBAC.Roles))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return now }
	e.Executor = executor.Func(func(context.Context, string, json.RawMessage) (executor.Result, error) {
		return executor.Result{Success: true, Data: json.RawMessage(`{"ok":true}`)}, nil
	})
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{
		JWTSecret:              testSecret,
		AllowLegacyActorHeader: true,
		DevLogin:               true,
	}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func as(actor string) map[string]string { return map[string]string{"X-Actor-Id": actor} }

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

// hierarchy builds platform > agency > client owned by root and returns the
// client org with a coordinator agent in it.
func hierarchy(t *testing.T, srv *testServer) (domain.Organization, domain.Agent) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id":    "root",
		"permissions": []string{"org.manage"},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	token := decode[DevLoginResponse](t, data).Token

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs", map[string]any{
		"slug": "platform", "kind": "platform", "trust_tier": "trusted",
	}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	platform := decode[domain.Organization](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs", map[string]any{
		"slug": "agency", "kind": "agency", "parent_id": platform.ID, "trust_tier": "trusted",
	}, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	agency := decode[domain.Organization](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs", map[string]any{
		"slug": "client", "kind": "client", "parent_id": agency.ID, "trust_tier": "established",
	}, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	org := decode[domain.Organization](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs/"+org.ID+"/agents", map[string]any{
		"name": "Coordinator", "role": "coordinator",
	}, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	agent := decode[domain.Agent](t, data)
	require.Equal(t, domain.AutonomySemiAutonomous, agent.Autonomy)
	return org, agent
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Contains(t, string(data), `"unauthorized"`)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, as("ops"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ops", decode[WhoAmIResponse](t, data).ActorID)
}

func TestTopLevelOrgNeedsGrantedPermission(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/orgs", map[string]any{"slug": "platform", "kind": "platform"}, as("root"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Contains(t, string(data), `"forbidden"`)
}

func TestQueuedActionResolvedOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	org, agent := hierarchy(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/"+agent.ID+"/actions", map[string]any{
		"action":  "create_contact",
		"payload": map[string]any{"name": "Ada", "email": "ada@example.com"},
	}, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	dec := decode[DecisionResponse](t, data)
	require.Equal(t, "queued", dec.Kind)
	require.NotEmpty(t, dec.ApprovalID)
	assert.Equal(t, "high", dec.RiskTier)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/approvals?org_id="+org.ID, nil, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	pending := decode[[]ApprovalResponse](t, data)
	require.Len(t, pending, 1)
	assert.Equal(t, org.ID, pending[0].ApproverOrgID)

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/approvals/"+dec.ApprovalID+"/resolve", map[string]any{"outcome": "approve"}, as("stranger"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/approvals/"+dec.ApprovalID+"/resolve", map[string]any{"outcome": "approve"}, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	tr := decode[TransitionResponse](t, data)
	assert.True(t, tr.Applied)
	assert.Equal(t, "succeeded", tr.Record.Status)
	assert.Equal(t, "root", tr.Record.Resolver)
	assert.Equal(t, "api", tr.Record.Channel)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/approvals/"+dec.ApprovalID+"/resolve", map[string]any{"outcome": "reject"}, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	again := decode[TransitionResponse](t, data)
	assert.False(t, again.Applied)
	assert.Equal(t, "not_pending", again.Reason)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?org_id="+org.ID, nil, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.NotEmpty(t, page.Items)
	assert.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?org_id="+org.ID+"&cursor="+page.NextCursor, nil, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Empty(t, decode[paginatedEvents](t, data).Items)
}

func TestPolicyViolationAndBadPayload(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	org, agent := hierarchy(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/orgs/"+org.ID+"/agents", map[string]any{
		"name": "Front desk", "role": "customer_facing",
	}, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	bot := decode[domain.Agent](t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/"+bot.ID+"/actions", map[string]any{
		"action":  "send_email",
		"payload": map[string]any{"to": []string{"ada@example.com"}, "subject": "Hi", "body": "x"},
	}, as("root"))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Contains(t, string(data), `"policy_violation"`)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/"+agent.ID+"/actions", map[string]any{
		"action":  "create_contact",
		"payload": map[string]any{"phone": "1"},
	}, as("root"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestMessagesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	org, agent := hierarchy(t, srv)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/agents/"+agent.ID+"/escalations", map[string]any{
		"summary": "Customer threatens chargeback", "severity": "high",
	}, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	msg := decode[domain.Message](t, data)
	assert.NotEqual(t, org.ID, msg.TargetOrgID)
	assert.Equal(t, domain.MessagePending, msg.Status)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/orgs/"+msg.TargetOrgID+"/messages?status=pending", nil, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]domain.Message](t, data), 1)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/messages/"+msg.ID+"/status", map[string]any{"status": "resolved"}, as("root"))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Contains(t, string(data), `"invalid_transition"`)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/messages/"+msg.ID+"/status", map[string]any{"status": "acknowledged"}, as("root"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.MessageAcknowledged, decode[domain.Message](t, data).Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/messages/"+msg.ID+"/status", map[string]any{"status": "acknowledged"}, as("root"))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Contains(t, string(data), `"invalid_transition"`)
}

func TestAPIKeyAuthAndRevocation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, agent := hierarchy(t, srv)
	ctx := context.Background()
	now := domain.FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, srv.engine.Repo.EnsureActor(ctx, nil, "root", now))
	require.NoError(t, srv.engine.Repo.InsertAPIKey(ctx, nil, domain.APIKey{
		ID: "k1", ActorID: "root", KeyHash: repo.HashAPIKey("gv_secret"), CreatedAt: now,
	}))
	key := map[string]string{"X-Api-Key": "gv_secret"}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, key)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "root", decode[WhoAmIResponse](t, data).ActorID)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/agents/"+agent.ID+"/history", nil, key)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	keys, err := srv.engine.Repo.ListAPIKeys(ctx, "root")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotEmpty(t, keys[0].LastUsedAt)

	require.ErrorIs(t, srv.engine.Repo.RevokeAPIKey(ctx, "k1", "someone-else", now), repo.ErrNotFound)
	require.NoError(t, srv.engine.Repo.RevokeAPIKey(ctx, "k1", "root", now))
	require.ErrorIs(t, srv.engine.Repo.RevokeAPIKey(ctx, "k1", "root", now), repo.ErrNotFound)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, key)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestOpenAPIConcurrentFirstRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for _, b := range bodies {
		require.NotEmpty(t, b)
		assert.Equal(t, string(bodies[0]), string(b))
	}
	assert.Contains(t, string(bodies[0]), `"openapi"`)
}
