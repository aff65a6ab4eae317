package ledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governor/internal/db"
	"governor/internal/domain"
	"governor/internal/events"
	"governor/internal/ledger"
	"governor/internal/migrate"
	"governor/internal/repo"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type testEnv struct {
	Ledger ledger.Ledger
	Repo   repo.Repo
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	c := &clock{t: start}
	r := repo.Repo{DB: conn}
	env := testEnv{
		Ledger: ledger.Ledger{Repo: r, Events: events.Writer{Now: c.Now}, Publisher: events.Discard{}, Now: c.Now},
		Repo:   r,
		Clock:  c,
		Ctx:    context.Background(),
	}
	require.NoError(t, r.InsertOrg(env.Ctx, nil, domain.Organization{ID: "org-1", Slug: "acme", Name: "Acme", Kind: domain.OrgAgency,
		TrustTier: domain.TrustNew, ApprovalMode: domain.ModeDangerous, ApprovalRouting: domain.RouteSelf, Active: true, CreatedAt: domain.FormatTime(start)}))
	require.NoError(t, r.InsertAgent(env.Ctx, nil, domain.Agent{ID: "agent-1", OrgID: "org-1", Name: "bot", Role: domain.RoleCoordinator,
		Autonomy: domain.AutonomySupervised, Active: true, CreatedAt: domain.FormatTime(start)}))
	return env
}

func (e testEnv) create(t *testing.T, ttl time.Duration) domain.ApprovalRecord {
	t.Helper()
	rec, err := e.Ledger.Create(e.Ctx, ledger.Request{
		AgentID:       "agent-1",
		OrgID:         "org-1",
		SessionID:     "sess-1",
		Action:        "send_email",
		PayloadKind:   domain.PayloadEmail,
		Payload:       json.RawMessage(`{"to":["a@example.com"],"subject":"hi","body":"hello"}`),
		RiskTier:      domain.TierMedium,
		StaticRisk:    domain.RiskWrite,
		ApproverOrgID: "org-1",
		ApproverLayer: 2,
		TTL:           ttl,
	})
	require.NoError(t, err)
	return rec
}

func TestCreateSetsExpiry(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, 24*time.Hour)
	assert.Equal(t, domain.StatusProposed, rec.Status)
	assert.Equal(t, "2024-01-02T00:00:00Z", rec.ExpiresAt)

	pending, err := env.Ledger.ListPending(env.Ctx, "", "org-1", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rec.ID, pending[0].ID)
}

func TestResolveIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, time.Hour)
	res := ledger.Resolution{ID: rec.ID, Outcome: ledger.Approve, Resolver: "owner", Channel: "web", AlwaysAllow: true}

	tr, err := env.Ledger.Resolve(env.Ctx, res)
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	assert.Equal(t, domain.StatusApproved, tr.Record.Status)

	for i := 0; i < 2; i++ {
		tr, err = env.Ledger.Resolve(env.Ctx, res)
		require.NoError(t, err)
		assert.False(t, tr.Applied)
		assert.Equal(t, ledger.ReasonNotPending, tr.Reason)
	}

	agent, err := env.Repo.GetAgent(env.Ctx, nil, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"send_email"}, agent.AllowList)
	assert.Equal(t, 1, agent.PolicyRev)
}

func TestAlwaysAllowKeepsSetSemantics(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, time.Hour)
	second := env.create(t, time.Hour)
	for _, id := range []string{first.ID, second.ID} {
		tr, err := env.Ledger.Resolve(env.Ctx, ledger.Resolution{ID: id, Outcome: ledger.Approve, Resolver: "owner", AlwaysAllow: true})
		require.NoError(t, err)
		require.True(t, tr.Applied)
	}
	agent, err := env.Repo.GetAgent(env.Ctx, nil, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"send_email"}, agent.AllowList)
}

func TestRejectDoesNotTouchAllowList(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, time.Hour)
	tr, err := env.Ledger.Resolve(env.Ctx, ledger.Resolution{ID: rec.ID, Outcome: ledger.Reject, Resolver: "owner", AlwaysAllow: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, tr.Record.Status)
	agent, err := env.Repo.GetAgent(env.Ctx, nil, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, agent.AllowList)
}

func TestResolveWithEditKeepsOriginal(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, time.Hour)
	edited := json.RawMessage(`{"to":["a@example.com"],"subject":"hi","body":"hello, edited"}`)
	tr, err := env.Ledger.ResolveWithEdit(env.Ctx, rec.ID, edited, "owner", "telegram")
	require.NoError(t, err)
	require.True(t, tr.Applied)
	assert.JSONEq(t, string(edited), string(tr.Record.Payload))
	assert.JSONEq(t, string(rec.Payload), string(tr.Record.OriginalPayload))
	assert.Equal(t, "telegram", tr.Record.Channel)

	other := env.create(t, time.Hour)
	_, err = env.Ledger.ResolveWithEdit(env.Ctx, other.ID, json.RawMessage(`{"to":[]}`), "owner", "web")
	require.Error(t, err)
	got, err := env.Ledger.Get(env.Ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProposed, got.Status)
}

func TestExpiryBoundary(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, 24*time.Hour)
	expiry := start.Add(24 * time.Hour)

	ids, err := env.Ledger.ExpireSweep(env.Ctx, expiry.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = env.Ledger.ExpireSweep(env.Ctx, expiry.Add(-time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = env.Ledger.ExpireSweep(env.Ctx, expiry)
	require.NoError(t, err)
	assert.Equal(t, []string{rec.ID}, ids)

	got, err := env.Ledger.Get(env.Ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
	assert.Equal(t, domain.ResolverExpired, got.Resolver)

	ids, err = env.Ledger.ExpireSweep(env.Ctx, expiry.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestResolveAfterExpiryExpires(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, time.Hour)
	env.Clock.Set(start.Add(time.Hour))
	tr, err := env.Ledger.Resolve(env.Ctx, ledger.Resolution{ID: rec.ID, Outcome: ledger.Approve, Resolver: "owner"})
	require.NoError(t, err)
	assert.False(t, tr.Applied)
	assert.Equal(t, ledger.ReasonExpired, tr.Reason)
	assert.Equal(t, domain.StatusExpired, tr.Record.Status)
}

func TestResolveAndSweepRace(t *testing.T) {
	env := newTestEnv(t)
	var recs []domain.ApprovalRecord
	for i := 0; i < 20; i++ {
		recs = append(recs, env.create(t, time.Hour))
	}
	var (
		wg      sync.WaitGroup
		swept   []string
		applied = map[string]bool{}
		mu      sync.Mutex
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ids, err := env.Ledger.ExpireSweep(env.Ctx, start.Add(2*time.Hour))
		assert.NoError(t, err)
		mu.Lock()
		swept = ids
		mu.Unlock()
	}()
	for _, rec := range recs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			tr, err := env.Ledger.Resolve(env.Ctx, ledger.Resolution{ID: id, Outcome: ledger.Approve, Resolver: "owner"})
			assert.NoError(t, err)
			mu.Lock()
			applied[id] = tr.Applied
			mu.Unlock()
		}(rec.ID)
	}
	wg.Wait()

	sweptSet := map[string]bool{}
	for _, id := range swept {
		sweptSet[id] = true
	}
	for _, rec := range recs {
		assert.NotEqual(t, applied[rec.ID], sweptSet[rec.ID], "record %s must have exactly one terminal transition", rec.ID)
		got, err := env.Ledger.Get(env.Ctx, rec.ID)
		require.NoError(t, err)
		if applied[rec.ID] {
			assert.Equal(t, domain.StatusApproved, got.Status)
		} else {
			assert.Equal(t, domain.StatusExpired, got.Status)
		}
		evts, err := env.Repo.ListEvents(env.Ctx, repo.EventFilter{EntityID: rec.ID})
		require.NoError(t, err)
		terminal := 0
		for _, e := range evts {
			if e.Type == events.ApprovalResolved || e.Type == events.ApprovalExpired {
				terminal++
			}
		}
		assert.Equal(t, 1, terminal)
	}
}

func TestExecuteSuccessAndFailure(t *testing.T) {
	env := newTestEnv(t)
	ok := env.create(t, time.Hour)
	bad := env.create(t, time.Hour)
	for _, id := range []string{ok.ID, bad.ID} {
		_, err := env.Ledger.Resolve(env.Ctx, ledger.Resolution{ID: id, Outcome: ledger.Approve, Resolver: "owner"})
		require.NoError(t, err)
	}

	tr, err := env.Ledger.Execute(env.Ctx, ok.ID, func(ctx context.Context, rec domain.ApprovalRecord) (json.RawMessage, error) {
		assert.Equal(t, domain.StatusExecuting, rec.Status)
		return json.RawMessage(`{"message_id":"m1"}`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, tr.Record.Status)
	assert.JSONEq(t, `{"message_id":"m1"}`, string(tr.Record.Result))

	tr, err = env.Ledger.Execute(env.Ctx, bad.ID, func(context.Context, domain.ApprovalRecord) (json.RawMessage, error) {
		return nil, errors.New("smtp down")
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, tr.Record.Status)
	assert.Equal(t, "smtp down", tr.Record.Error)

	calls := 0
	tr, err = env.Ledger.Execute(env.Ctx, bad.ID, func(context.Context, domain.ApprovalRecord) (json.RawMessage, error) {
		calls++
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, tr.Applied)
	assert.Equal(t, ledger.ReasonNotApproved, tr.Reason)
	assert.Zero(t, calls)
}

func TestAnnotateOnlyTerminal(t *testing.T) {
	env := newTestEnv(t)
	rec := env.create(t, time.Hour)
	ok, err := env.Ledger.Annotate(env.Ctx, rec.ID, json.RawMessage(`{"note":"x"}`), "owner")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = env.Ledger.Resolve(env.Ctx, ledger.Resolution{ID: rec.ID, Outcome: ledger.Reject, Resolver: "owner"})
	require.NoError(t, err)
	ok, err = env.Ledger.Annotate(env.Ctx, rec.ID, json.RawMessage(`{"note":"customer called"}`), "owner")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := env.Ledger.Get(env.Ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.JSONEq(t, `{"note":"customer called"}`, string(got.Result))
}

func TestUnknownRecordIsAnError(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Ledger.Resolve(env.Ctx, ledger.Resolution{ID: "missing", Outcome: ledger.Approve, Resolver: "owner"})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestExpiryNeverPrecedesFullTTL(t *testing.T) {
	env := newTestEnv(t)
	env.Clock.Set(start.Add(900 * time.Millisecond))
	rec := env.create(t, time.Hour)
	assert.Equal(t, "2024-01-01T00:00:00Z", rec.CreatedAt)
	assert.Equal(t, "2024-01-01T01:00:01Z", rec.ExpiresAt)

	ids, err := env.Ledger.ExpireSweep(env.Ctx, start.Add(time.Hour+500*time.Millisecond))
	require.NoError(t, err)
	assert.Empty(t, ids)

	env.Clock.Set(start.Add(time.Hour + 800*time.Millisecond))
	tr, err := env.Ledger.Resolve(env.Ctx, ledger.Resolution{ID: rec.ID, Outcome: ledger.Reject, Resolver: "owner"})
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	assert.Equal(t, domain.StatusRejected, tr.Record.Status)

	later := env.create(t, time.Hour)
	assert.Equal(t, "2024-01-01T02:00:01Z", later.ExpiresAt)
}

func TestSweepContinuesPastBrokenRecord(t *testing.T) {
	env := newTestEnv(t)
	broken := env.create(t, time.Hour)
	good := env.create(t, time.Hour)
	_, err := env.Repo.DB.ExecContext(env.Ctx, `UPDATE approvals SET factors_json='{' WHERE id=?`, broken.ID)
	require.NoError(t, err)

	ids, err := env.Ledger.ExpireSweep(env.Ctx, start.Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), broken.ID)
	assert.Equal(t, []string{good.ID}, ids)

	got, err := env.Ledger.Get(env.Ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExpired, got.Status)
}
