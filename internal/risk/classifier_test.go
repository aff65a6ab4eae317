package risk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governor/internal/config"
	"governor/internal/domain"
	"governor/internal/risk"
)

func newClassifier(t *testing.T, mutate func(*config.Config)) *risk.Classifier {
	t.Helper()
	cfg := config.Default()
	cfg.Risk.Factors.Competitors = []string{"Acme CRM"}
	cfg.Risk.Factors.TrustedDomains = []string{"example.com"}
	if mutate != nil {
		mutate(cfg)
	}
	c, err := risk.New(cfg)
	require.NoError(t, err)
	return c
}

var seen = risk.History{PriorUses: 3}

func TestTierTable(t *testing.T) {
	cases := []struct {
		static  domain.StaticRisk
		factors int
		want    domain.RiskTier
	}{
		{domain.RiskDestructive, 0, domain.TierHigh},
		{domain.RiskDestructive, 4, domain.TierHigh},
		{domain.RiskWrite, 0, domain.TierMedium},
		{domain.RiskWrite, 1, domain.TierHigh},
		{domain.RiskRead, 0, domain.TierLow},
		{domain.RiskRead, 1, domain.TierLow},
		{domain.RiskRead, 2, domain.TierMedium},
		{domain.RiskRead, 5, domain.TierMedium},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, risk.Tier(tc.static, tc.factors), "%s with %d factors", tc.static, tc.factors)
	}
}

func TestClassifyWriteWithoutFactorsIsMedium(t *testing.T) {
	c := newClassifier(t, nil)
	got := c.Classify("create_contact", domain.ContactPayload{Name: "Jane Doe", Email: "jane@example.org"}, seen)
	assert.Equal(t, domain.RiskWrite, got.Static)
	assert.Empty(t, got.Factors)
	assert.Equal(t, domain.TierMedium, got.Tier)
}

func TestClassifyUnknownActionDefaultsToWrite(t *testing.T) {
	c := newClassifier(t, nil)
	got := c.Classify("teleport_customer", nil, seen)
	assert.Equal(t, domain.RiskWrite, got.Static)
	assert.Equal(t, domain.TierMedium, got.Tier)
}

func TestClassifyDestructiveAlwaysHigh(t *testing.T) {
	c := newClassifier(t, nil)
	got := c.Classify("send_bulk_email", domain.BulkEmailPayload{ListID: "l1", Subject: "hi"}, seen)
	assert.Equal(t, domain.TierHigh, got.Tier)
}

func TestClassifyDetectsFactors(t *testing.T) {
	c := newClassifier(t, nil)
	payload := domain.EmailPayload{
		To:      []string{"a@example.org"},
		Subject: "Our new pricing",
		Body:    "Unlike Acme CRM we charge $49. See https://evil.test/offer and https://docs.example.com/x. This is unacceptable.",
	}
	got := c.Classify("send_email", payload, risk.History{})
	assert.Equal(t, []string{
		risk.FactorCompetitor,
		risk.FactorExternalURL,
		risk.FactorFirstTimeUse,
		risk.FactorNegative,
		risk.FactorPricing,
	}, got.Factors)
	assert.Equal(t, domain.TierHigh, got.Tier)
}

func TestTrustedURLIsNotAFactor(t *testing.T) {
	c := newClassifier(t, nil)
	got := c.Classify("send_message", domain.MessagePayload{To: "c1", Text: "details at https://help.example.com/a"}, seen)
	assert.NotContains(t, got.Factors, risk.FactorExternalURL)
}

func TestTermsMatchWholeWords(t *testing.T) {
	c := newClassifier(t, nil)
	got := c.Classify("send_message", domain.MessagePayload{To: "c1", Text: "the priceless view"}, seen)
	assert.NotContains(t, got.Factors, risk.FactorPricing)
}

func TestBulkRecipients(t *testing.T) {
	c := newClassifier(t, func(cfg *config.Config) { cfg.Risk.Factors.BulkRecipientThreshold = 3 })
	got := c.Classify("send_email", domain.EmailPayload{
		To:      []string{"a@x.org", "b@x.org"},
		Cc:      []string{"c@x.org"},
		Subject: "hello",
	}, seen)
	assert.Contains(t, got.Factors, risk.FactorBulkRecipients)
}

func TestReadWithTwoFactorsIsMedium(t *testing.T) {
	c := newClassifier(t, nil)
	got := c.Classify("search_contacts", domain.QueryPayload{Query: "customers who complained about pricing"}, risk.History{})
	assert.Equal(t, domain.RiskRead, got.Static)
	assert.ElementsMatch(t, []string{risk.FactorFirstTimeUse, risk.FactorPricing}, got.Factors)
	assert.Equal(t, domain.TierMedium, got.Tier)
}

func TestCustomCELFactor(t *testing.T) {
	c := newClassifier(t, func(cfg *config.Config) {
		cfg.Risk.Factors.Custom = []config.CustomFactor{
			{Name: "vip_contact", Expr: `has(fields.company) && fields.company == "Globex"`},
			{Name: "broken", Expr: `fields["missing"] == "x"`},
		}
	})
	got := c.Classify("update_contact", domain.ContactPayload{ContactID: "c1", Company: "Globex"}, seen)
	assert.Contains(t, got.Factors, "vip_contact")
	// missing map key errors at eval time and counts as present
	assert.Contains(t, got.Factors, "broken")
}

func TestCustomFactorMustBeBool(t *testing.T) {
	cfg := config.Default()
	cfg.Risk.Factors.Custom = []config.CustomFactor{{Name: "n", Expr: `recipients + 1`}}
	_, err := risk.New(cfg)
	require.Error(t, err)
}

func TestGenericPayloadIsClassified(t *testing.T) {
	c := newClassifier(t, nil)
	got := c.Classify("refund_payment", domain.GenericPayload{"amount": 20, "note": "refund for the invoice"}, seen)
	assert.Equal(t, domain.TierHigh, got.Tier)
	assert.Contains(t, got.Factors, risk.FactorPricing)
}
