package policy_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"governor/internal/domain"
	"governor/internal/policy"
)

func TestDecideChain(t *testing.T) {
	cases := []struct {
		name   string
		in     policy.Input
		want   domain.Decision
		reason string
	}{
		{
			name:   "draft only blocks writes",
			in:     policy.Input{Autonomy: domain.AutonomyDraftOnly, OrgMode: domain.ModeNone, Action: "send_email", Static: domain.RiskWrite, Tier: domain.TierMedium, AllowList: []string{"send_email"}},
			want:   domain.DecisionBlock,
			reason: policy.ReasonDraftOnly,
		},
		{
			name:   "draft only lets reads through",
			in:     policy.Input{Autonomy: domain.AutonomyDraftOnly, OrgMode: domain.ModeDangerous, Action: "search_contacts", Static: domain.RiskRead, Tier: domain.TierLow},
			want:   domain.DecisionExecute,
			reason: policy.ReasonDraftOnlyRead,
		},
		{
			name:   "block list beats org none",
			in:     policy.Input{Autonomy: domain.AutonomyAutonomous, OrgMode: domain.ModeNone, Action: "send_email", Static: domain.RiskWrite, Tier: domain.TierLow, BlockList: []string{"send_email"}},
			want:   domain.DecisionQueue,
			reason: policy.ReasonBlockList,
		},
		{
			name:   "allow list beats org all",
			in:     policy.Input{Autonomy: domain.AutonomySupervised, OrgMode: domain.ModeAll, Action: "send_email", Static: domain.RiskWrite, Tier: domain.TierHigh, AllowList: []string{"send_email"}},
			want:   domain.DecisionExecute,
			reason: policy.ReasonAllowList,
		},
		{
			name:   "org all queues autonomous",
			in:     policy.Input{Autonomy: domain.AutonomyAutonomous, OrgMode: domain.ModeAll, Action: "search_contacts", Static: domain.RiskRead, Tier: domain.TierLow},
			want:   domain.DecisionQueue,
			reason: policy.ReasonOrgModeAll,
		},
		{
			name:   "org none executes supervised",
			in:     policy.Input{Autonomy: domain.AutonomySupervised, OrgMode: domain.ModeNone, Action: "delete_contact", Static: domain.RiskDestructive, Tier: domain.TierHigh},
			want:   domain.DecisionExecute,
			reason: policy.ReasonOrgModeNone,
		},
		{
			name:   "supervised queues reads",
			in:     policy.Input{Autonomy: domain.AutonomySupervised, OrgMode: domain.ModeDangerous, Action: "search_contacts", Static: domain.RiskRead, Tier: domain.TierLow},
			want:   domain.DecisionQueue,
			reason: policy.ReasonSupervised,
		},
		{
			name:   "semi autonomous executes low",
			in:     policy.Input{Autonomy: domain.AutonomySemiAutonomous, OrgMode: domain.ModeDangerous, Action: "search_contacts", Static: domain.RiskRead, Tier: domain.TierLow},
			want:   domain.DecisionExecute,
			reason: policy.ReasonSemiLowRisk,
		},
		{
			name:   "semi autonomous queues create_contact at medium",
			in:     policy.Input{Autonomy: domain.AutonomySemiAutonomous, OrgMode: domain.ModeDangerous, Action: "create_contact", Static: domain.RiskWrite, Tier: domain.TierMedium},
			want:   domain.DecisionQueue,
			reason: policy.ReasonSemiElevatedRisk,
		},
		{
			name:   "semi autonomous queues destructive under dangerous",
			in:     policy.Input{Autonomy: domain.AutonomySemiAutonomous, OrgMode: domain.ModeDangerous, Action: "delete_contact", Static: domain.RiskDestructive, Tier: domain.TierHigh},
			want:   domain.DecisionQueue,
			reason: policy.ReasonDangerousDestructive,
		},
		{
			name:   "autonomous queues bulk email under dangerous",
			in:     policy.Input{Autonomy: domain.AutonomyAutonomous, OrgMode: domain.ModeDangerous, Action: "send_bulk_email", Static: domain.RiskDestructive, Tier: domain.TierHigh},
			want:   domain.DecisionQueue,
			reason: policy.ReasonDangerousDestructive,
		},
		{
			name:   "autonomous executes high risk writes",
			in:     policy.Input{Autonomy: domain.AutonomyAutonomous, OrgMode: domain.ModeDangerous, Action: "send_email", Static: domain.RiskWrite, Tier: domain.TierHigh},
			want:   domain.DecisionExecute,
			reason: policy.ReasonAutonomous,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := policy.Decide(tc.in)
			assert.Equal(t, tc.want, got.Decision)
			assert.Equal(t, tc.reason, got.Reason)
		})
	}
}

func TestInputFor(t *testing.T) {
	agent := domain.Agent{Autonomy: domain.AutonomySemiAutonomous, AllowList: []string{"a"}, BlockList: []string{"b"}}
	org := domain.Organization{ApprovalMode: domain.ModeAll}
	in := policy.InputFor(agent, org, "a", domain.RiskWrite, domain.TierMedium)
	assert.Equal(t, domain.ModeAll, in.OrgMode)
	assert.Equal(t, policy.ReasonAllowList, policy.Decide(in).Reason)
}

// Property: an action on both lists always queues unless draft_only blocks it first.
func TestBlockListPrecedence(t *testing.T) {
	autonomies := []domain.AutonomyLevel{domain.AutonomySupervised, domain.AutonomySemiAutonomous, domain.AutonomyAutonomous, domain.AutonomyDraftOnly}
	modes := []domain.ApprovalMode{domain.ModeAll, domain.ModeDangerous, domain.ModeNone}
	statics := []domain.StaticRisk{domain.RiskRead, domain.RiskWrite, domain.RiskDestructive}
	tiers := []domain.RiskTier{domain.TierLow, domain.TierMedium, domain.TierHigh}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("block list wins over allow list", prop.ForAll(
		func(action string, others []string, a, m, s, tr int) bool {
			in := policy.Input{
				Autonomy:  autonomies[a],
				OrgMode:   modes[m],
				Static:    statics[s],
				Tier:      tiers[tr],
				Action:    action,
				AllowList: append(append([]string{}, others...), action),
				BlockList: append([]string{action}, others...),
			}
			got := policy.Decide(in)
			if in.Autonomy == domain.AutonomyDraftOnly && in.Static != domain.RiskRead {
				return got.Decision == domain.DecisionBlock
			}
			return got.Decision == domain.DecisionQueue && got.Reason == policy.ReasonBlockList
		},
		gen.Identifier(),
		gen.SliceOf(gen.Identifier()),
		gen.IntRange(0, len(autonomies)-1),
		gen.IntRange(0, len(modes)-1),
		gen.IntRange(0, len(statics)-1),
		gen.IntRange(0, len(tiers)-1),
	))

	properties.TestingRun(t)
}
