package risk_test

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"governor/internal/domain"
	"governor/internal/risk"
)

// Property: appending content that triggers a factor never lowers the tier.
func TestRiskMonotonicity(t *testing.T) {
	c := newClassifier(t, nil)
	triggers := []string{
		" our pricing changed",
		" compared with Acme CRM",
		" this is unacceptable",
		" see https://unknown.test/page",
		" only $20",
	}
	actions := []string{"search_contacts", "send_message", "create_contact", "delete_contact", "unregistered_tool"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("adding a factor never lowers the tier", prop.ForAll(
		func(words []string, actionIdx, triggerIdx, uses int) bool {
			action := actions[actionIdx]
			base := strings.Join(words, " ")
			h := risk.History{PriorUses: uses}
			before := c.Classify(action, domain.MessagePayload{To: "c1", Text: "hi " + base}, h)
			after := c.Classify(action, domain.MessagePayload{To: "c1", Text: "hi " + base + triggers[triggerIdx]}, h)
			return after.Tier.Rank() >= before.Tier.Rank() && len(after.Factors) >= len(before.Factors)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, len(actions)-1),
		gen.IntRange(0, len(triggers)-1),
		gen.IntRange(0, 2),
	))

	properties.Property("tier table is monotone in factor count", prop.ForAll(
		func(n, extra int) bool {
			for _, s := range []domain.StaticRisk{domain.RiskRead, domain.RiskWrite, domain.RiskDestructive} {
				if risk.Tier(s, n+extra).Rank() < risk.Tier(s, n).Rank() {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
