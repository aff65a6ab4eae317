package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governor/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 24*time.Hour, cfg.Approvals.ActionTTL)
	assert.Equal(t, 72*time.Hour, cfg.Approvals.SelfModTTL)
	assert.Equal(t, 3, cfg.Soul.RateLimit)
	assert.Equal(t, 12, cfg.Soul.PrefixLength)
	assert.Contains(t, cfg.RBAC.Roles, "owner")
}

func TestActionLookup(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "destructive", cfg.Action("send_bulk_email").Risk)
	assert.Equal(t, "contact", cfg.Action("create_contact").Payload)
	unknown := cfg.Action("launch_rocket")
	assert.Equal(t, string(domain.RiskWrite), unknown.Risk)
	assert.Equal(t, string(domain.PayloadGeneric), unknown.Payload)
}

func TestDefaultAutonomyByTrustTier(t *testing.T) {
	cfg := Default()
	assert.Equal(t, domain.AutonomySupervised, cfg.DefaultAutonomy(domain.TrustNew))
	assert.Equal(t, domain.AutonomySemiAutonomous, cfg.DefaultAutonomy(domain.TrustEstablished))
	assert.Equal(t, domain.AutonomyAutonomous, cfg.DefaultAutonomy(domain.TrustTrusted))
	assert.Equal(t, domain.AutonomySupervised, cfg.DefaultAutonomy("unknown"))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"bad risk":        func(c *Config) { c.Risk.Actions["x"] = ActionSpec{Risk: "scary"} },
		"bad payload":     func(c *Config) { c.Risk.Actions["x"] = ActionSpec{Risk: "read", Payload: "fax"} },
		"zero ttl":        func(c *Config) { c.Approvals.SelfModTTL = 0 },
		"bad autonomy":    func(c *Config) { c.Autonomy.Defaults["new"] = "yolo" },
		"dup custom":      func(c *Config) { c.Risk.Factors.Custom = []CustomFactor{{Name: "a", Expr: "true"}, {Name: "a", Expr: "true"}} },
		"no owner role":   func(c *Config) { delete(c.RBAC.Roles, "owner") },
		"webhook no url":  func(c *Config) { c.Notify.Webhooks = []WebhookConfig{{}} },
		"negative prefix": func(c *Config) { c.Soul.PrefixLength = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestYAMLRoundTripAndFile(t *testing.T) {
	out, err := Default().ToYAML()
	require.NoError(t, err)
	back, err := FromYAML(out)
	require.NoError(t, err)
	assert.Equal(t, Default().Approvals, back.Approvals)

	dir := t.TempDir()
	yml := strings.Replace(GenerateDefault(), "rate_limit: 3", "rate_limit: 5", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "governor.yml"), []byte(yml), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Soul.RateLimit)

	_, err = Load(t.TempDir())
	assert.ErrorContains(t, err, "not found")
	_, err = FromYAML([]byte("risk: ["))
	assert.ErrorContains(t, err, "invalid config yaml")
}
