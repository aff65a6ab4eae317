package soul_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governor/internal/config"
	"governor/internal/db"
	"governor/internal/domain"
	"governor/internal/events"
	"governor/internal/layer"
	"governor/internal/ledger"
	"governor/internal/migrate"
	"governor/internal/repo"
	"governor/internal/soul"
)

type testEnv struct {
	Gov    soul.Governor
	Ledger ledger.Ledger
	Repo   repo.Repo
	Ctx    context.Context
	now    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	env := &testEnv{Repo: repo.Repo{DB: conn}, Ctx: context.Background()}
	cur := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.now = &cur
	clock := func() time.Time { return *env.now }
	cfg := config.Default()
	w := events.Writer{Now: clock}
	env.Ledger = ledger.Ledger{Repo: env.Repo, Events: w, Now: clock}
	env.Gov = soul.Governor{
		Repo:   env.Repo,
		Events: w,
		Ledger: env.Ledger,
		Router: layer.Router{Repo: env.Repo, Events: w, Config: cfg, Now: clock},
		Config: cfg,
		Now:    clock,
	}
	require.NoError(t, env.Repo.InsertOrg(env.Ctx, nil, domain.Organization{ID: "org-1", Slug: "acme", Name: "Acme", Kind: domain.OrgAgency,
		TrustTier: domain.TrustNew, ApprovalMode: domain.ModeDangerous, ApprovalRouting: domain.RouteSelf, Active: true, CreatedAt: "2024-01-01T00:00:00Z"}))
	return env
}

func (e *testEnv) agent(t *testing.T, s domain.Soul) string {
	t.Helper()
	a := domain.Agent{ID: uuid.NewString(), OrgID: "org-1", Name: "bot", Role: domain.RoleCoordinator,
		Autonomy: domain.AutonomySupervised, Soul: s, SoulVersion: 1, Active: true, CreatedAt: "2024-01-01T00:00:00Z"}
	tx, err := e.Repo.DB.BeginTx(e.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, e.Repo.InsertAgent(e.Ctx, tx, a))
	require.NoError(t, e.Gov.Bootstrap(e.Ctx, tx, a))
	require.NoError(t, tx.Commit())
	return a.ID
}

func (e *testEnv) advance(d time.Duration) { *e.now = e.now.Add(d) }

func (e *testEnv) propose(t *testing.T, agentID string, field domain.SoulField, op domain.SoulOperation, value string) soul.Result {
	t.Helper()
	res, err := e.Gov.Propose(e.Ctx, soul.Proposal{AgentID: agentID, Field: field, Operation: op, Value: value, Justification: "customers asked"})
	require.NoError(t, err)
	return res
}

func (e *testEnv) approve(t *testing.T, id string) ledger.Transition {
	t.Helper()
	_, err := e.Ledger.Resolve(e.Ctx, ledger.Resolution{ID: id, Outcome: ledger.Approve, Resolver: "owner"})
	require.NoError(t, err)
	tr, err := e.Ledger.Execute(e.Ctx, id, e.Gov.Apply)
	require.NoError(t, err)
	return tr
}

func TestDuplicateSuppression(t *testing.T) {
	env := newTestEnv(t)
	id := env.agent(t, domain.Soul{Tone: "formal"})

	first := env.propose(t, id, domain.FieldTone, domain.OpModify, "be more casual")
	require.False(t, first.Gated)
	_, err := env.Ledger.Resolve(env.Ctx, ledger.Resolution{ID: first.Approval.ID, Outcome: ledger.Reject, Resolver: "owner"})
	require.NoError(t, err)

	env.advance(10 * 24 * time.Hour)
	second := env.propose(t, id, domain.FieldTone, domain.OpModify, "be more casual, please")
	assert.True(t, second.Gated)
	assert.Equal(t, soul.GateSimilarRejected, second.Reason)

	other := env.propose(t, id, domain.FieldTone, domain.OpModify, "warm and concise")
	assert.False(t, other.Gated)

	env.advance(31 * 24 * time.Hour)
	later := env.propose(t, id, domain.FieldTone, domain.OpModify, "be more casual, please")
	assert.False(t, later.Gated)
}

func TestShortRejectionsOnlyMatchExactly(t *testing.T) {
	env := newTestEnv(t)
	id := env.agent(t, domain.Soul{Tone: "formal"})

	first := env.propose(t, id, domain.FieldRules, domain.OpAdd, "no")
	_, err := env.Ledger.Resolve(env.Ctx, ledger.Resolution{ID: first.Approval.ID, Outcome: ledger.Reject, Resolver: "owner"})
	require.NoError(t, err)
	res := env.propose(t, id, domain.FieldRules, domain.OpAdd, "no profanity when replying to customers about refunds")
	assert.False(t, res.Gated)
	res = env.propose(t, id, domain.FieldRules, domain.OpAdd, "No.")
	assert.True(t, res.Gated)
	assert.Equal(t, soul.GateSimilarRejected, res.Reason)

	env.advance(25 * time.Hour)
	long := env.propose(t, id, domain.FieldTone, domain.OpModify, "be more casual, please and use first names")
	_, err = env.Ledger.Resolve(env.Ctx, ledger.Resolution{ID: long.Approval.ID, Outcome: ledger.Reject, Resolver: "owner"})
	require.NoError(t, err)
	res = env.propose(t, id, domain.FieldTone, domain.OpModify, "b")
	assert.False(t, res.Gated)
}

func TestSimilar(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"be more casual", "be more casual, please", true},
		{"be more casual, please", "be more casual", true},
		{"no", "no", true},
		{"no", "no profanity when replying", false},
		{"be more casual, please", "b", false},
		{"never mention competitor pricing", "never mention our refund policy", false},
		{"", "", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, soul.Similar(tc.a, tc.b, 12), "%q vs %q", tc.a, tc.b)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t)
	id := env.agent(t, domain.Soul{})
	for i := 0; i < 3; i++ {
		res := env.propose(t, id, domain.FieldRules, domain.OpAdd, fmt.Sprintf("rule %c", 'a'+i))
		require.False(t, res.Gated)
		env.advance(time.Hour)
	}
	res := env.propose(t, id, domain.FieldRules, domain.OpAdd, "rule d")
	assert.True(t, res.Gated)
	assert.Equal(t, soul.GateRateLimited, res.Reason)

	evts, err := env.Repo.ListEvents(env.Ctx, repo.EventFilter{Type: events.SoulGated})
	require.NoError(t, err)
	assert.Len(t, evts, 1)

	env.advance(22 * time.Hour)
	res = env.propose(t, id, domain.FieldRules, domain.OpAdd, "rule d")
	assert.False(t, res.Gated)
}

func TestApplyVersionsAndSnapshots(t *testing.T) {
	env := newTestEnv(t)
	id := env.agent(t, domain.Soul{Tone: "formal", Rules: []string{"no discounts"}})

	res := env.propose(t, id, domain.FieldRules, domain.OpAdd, "greet by name")
	require.NotNil(t, res.Approval)
	assert.Equal(t, domain.RecordSoul, res.Approval.Kind)
	assert.Equal(t, "2024-01-04T00:00:00Z", res.Approval.ExpiresAt)
	tr := env.approve(t, res.Approval.ID)
	assert.Equal(t, domain.StatusSucceeded, tr.Record.Status)

	res = env.propose(t, id, domain.FieldTone, domain.OpModify, "friendly")
	env.approve(t, res.Approval.ID)
	res = env.propose(t, id, domain.FieldRules, domain.OpRemove, "no discounts")
	env.approve(t, res.Approval.ID)

	agent, err := env.Repo.GetAgent(env.Ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, 4, agent.SoulVersion)
	assert.Equal(t, "friendly", agent.Soul.Tone)
	assert.Equal(t, []string{"greet by name"}, agent.Soul.Rules)

	versions, err := env.Gov.History(env.Ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, versions, 4)
	assert.Equal(t, 4, versions[0].Version)
	assert.Equal(t, "remove rules", versions[0].Change)
	assert.JSONEq(t, string(versions[1].Soul), string(versions[0].Previous))
}

func TestProposalValidation(t *testing.T) {
	env := newTestEnv(t)
	id := env.agent(t, domain.Soul{Rules: []string{"x"}})
	var ic soul.InvalidChangeError
	_, err := env.Gov.Propose(env.Ctx, soul.Proposal{AgentID: id, Field: domain.FieldTone, Operation: domain.OpAdd, Value: "v", Justification: "j"})
	require.ErrorAs(t, err, &ic)
	_, err = env.Gov.Propose(env.Ctx, soul.Proposal{AgentID: id, Field: domain.FieldRules, Operation: domain.OpModify, Value: "v", Justification: "j"})
	require.ErrorAs(t, err, &ic)
	_, err = env.Gov.Propose(env.Ctx, soul.Proposal{AgentID: id, Field: domain.FieldRules, Operation: domain.OpRemove, Value: "y", Justification: "j"})
	require.ErrorAs(t, err, &ic)
	_, err = env.Gov.Propose(env.Ctx, soul.Proposal{AgentID: "missing", Field: domain.FieldRules, Operation: domain.OpAdd, Value: "y", Justification: "j"})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestApplyChangeAddIsIdempotent(t *testing.T) {
	s := domain.Soul{Goals: []string{"grow"}}
	out, err := soul.ApplyChange(s, domain.FieldGoals, domain.OpAdd, "grow")
	require.NoError(t, err)
	assert.Equal(t, []string{"grow"}, out.Goals)
	out, err = soul.ApplyChange(out, domain.FieldGoals, domain.OpAdd, "retain")
	require.NoError(t, err)
	assert.Equal(t, []string{"grow", "retain"}, out.Goals)
	assert.Equal(t, []string{"grow"}, s.Goals)
}

func TestRollbackRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	id := env.agent(t, domain.Soul{Tone: "formal"})
	res := env.propose(t, id, domain.FieldLearnings, domain.OpAdd, "tuesdays are busy")
	env.approve(t, res.Approval.ID)

	before, err := env.Repo.GetSoulVersion(env.Ctx, nil, id, 2)
	require.NoError(t, err)

	v, err := env.Gov.Rollback(env.Ctx, id, 1, "owner")
	require.NoError(t, err)
	assert.Equal(t, 3, v.Version)
	v, err = env.Gov.Rollback(env.Ctx, id, 2, "owner")
	require.NoError(t, err)
	assert.Equal(t, 4, v.Version)
	assert.Equal(t, string(before.Soul), string(v.Soul))

	_, err = env.Gov.Rollback(env.Ctx, id, 99, "owner")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

// Property: rolling back to any earlier version and then to the version that
// was current restores byte-identical configuration.
func TestRollbackRoundTripProperty(t *testing.T) {
	env := newTestEnv(t)
	cfg := *env.Gov.Config
	cfg.Soul.RateLimit = 0
	env.Gov.Config = &cfg
	fields := []domain.SoulField{domain.FieldRules, domain.FieldGoals, domain.FieldTone, domain.FieldPersona}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("rollback round trip", prop.ForAll(
		func(values []string, pick, target int) bool {
			id := env.agent(t, domain.Soul{Tone: "formal"})
			for i, v := range values {
				f := fields[(pick+i)%len(fields)]
				op := domain.OpAdd
				if f.Scalar() {
					op = domain.OpModify
				}
				res, err := env.Gov.Propose(env.Ctx, soul.Proposal{AgentID: id, Field: f, Operation: op, Value: "v" + v, Justification: "j"})
				if err != nil || res.Approval == nil {
					return false
				}
				env.approve(t, res.Approval.ID)
			}
			agent, err := env.Repo.GetAgent(env.Ctx, nil, id)
			if err != nil {
				return false
			}
			before := agent.SoulVersion
			current, err := env.Repo.GetSoulVersion(env.Ctx, nil, id, before)
			if err != nil {
				return false
			}
			if _, err := env.Gov.Rollback(env.Ctx, id, 1+target%before, "owner"); err != nil {
				return false
			}
			restored, err := env.Gov.Rollback(env.Ctx, id, before, "owner")
			if err != nil {
				return false
			}
			return string(restored.Soul) == string(current.Soul) && agentSoul(env, id) == string(current.Soul)
		},
		gen.SliceOfN(3, gen.AlphaString()),
		gen.IntRange(0, 3),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}

func agentSoul(env *testEnv, id string) string {
	agent, err := env.Repo.GetAgent(env.Ctx, nil, id)
	if err != nil {
		return ""
	}
	data, err := soul.Canonical(agent.Soul)
	if err != nil {
		return ""
	}
	return string(data)
}

func TestConcurrentApplyKeepsEveryChange(t *testing.T) {
	env := newTestEnv(t)
	id := env.agent(t, domain.Soul{})

	var ids []string
	for i := 0; i < 3; i++ {
		res := env.propose(t, id, domain.FieldRules, domain.OpAdd, fmt.Sprintf("rule-%d", i))
		require.NotNil(t, res.Approval)
		_, err := env.Ledger.Resolve(env.Ctx, ledger.Resolution{ID: res.Approval.ID, Outcome: ledger.Approve, Resolver: "owner"})
		require.NoError(t, err)
		ids = append(ids, res.Approval.ID)
	}

	var wg sync.WaitGroup
	results := make([]ledger.Transition, len(ids))
	errs := make([]error, len(ids))
	for i, approvalID := range ids {
		wg.Add(1)
		go func(i int, approvalID string) {
			defer wg.Done()
			results[i], errs[i] = env.Ledger.Execute(env.Ctx, approvalID, env.Gov.Apply)
		}(i, approvalID)
	}
	wg.Wait()
	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, domain.StatusSucceeded, results[i].Record.Status)
	}

	agent, err := env.Repo.GetAgent(env.Ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, 4, agent.SoulVersion)
	assert.ElementsMatch(t, []string{"rule-0", "rule-1", "rule-2"}, agent.Soul.Rules)

	versions, err := env.Gov.History(env.Ctx, id, 0)
	require.NoError(t, err)
	assert.Len(t, versions, 4)
}

func TestStaleSoulVersionWriteIsRejected(t *testing.T) {
	env := newTestEnv(t)
	id := env.agent(t, domain.Soul{Tone: "formal"})
	res := env.propose(t, id, domain.FieldTone, domain.OpModify, "friendly")
	env.approve(t, res.Approval.ID)

	ok, err := env.Repo.UpdateSoul(env.Ctx, nil, id, []byte(`{"tone":"stale"}`), 1, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	agent, err := env.Repo.GetAgent(env.Ctx, nil, id)
	require.NoError(t, err)
	assert.Equal(t, "friendly", agent.Soul.Tone)
	assert.Equal(t, 2, agent.SoulVersion)
}
