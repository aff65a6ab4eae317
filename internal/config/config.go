package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"governor/internal/domain"
)

// Config models governor.yml.
type Config struct {
	Risk struct {
		Actions map[string]ActionSpec `yaml:"actions"`
		Factors FactorConfig          `yaml:"factors"`
	} `yaml:"risk"`
	Autonomy struct {
		Defaults map[string]string `yaml:"defaults"`
	} `yaml:"autonomy"`
	Layers    LayerConfig    `yaml:"layers"`
	Approvals ApprovalConfig `yaml:"approvals"`
	Soul      SoulConfig     `yaml:"soul"`
	Notify    NotifyConfig   `yaml:"notify"`
	Executor  ExecutorConfig `yaml:"executor"`
	RBAC      struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

// ActionSpec registers a tool with its static risk and payload shape.
type ActionSpec struct {
	Risk    string `yaml:"risk"`
	Payload string `yaml:"payload"`
}

type FactorConfig struct {
	PricingTerms           []string       `yaml:"pricing_terms"`
	NegativeTerms          []string       `yaml:"negative_terms"`
	Competitors            []string       `yaml:"competitors"`
	TrustedDomains         []string       `yaml:"trusted_domains"`
	BulkRecipientThreshold int            `yaml:"bulk_recipient_threshold"`
	Custom                 []CustomFactor `yaml:"custom"`
}

// CustomFactor is a named CEL expression evaluated against the normalized payload.
type CustomFactor struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

type LayerConfig struct {
	CustomerSafe []string `yaml:"customer_safe"`
	AgencyOnly   []string `yaml:"agency_only"`
	PlatformOnly []string `yaml:"platform_only"`
}

type ApprovalConfig struct {
	ActionTTL        time.Duration `yaml:"action_ttl"`
	SelfModTTL       time.Duration `yaml:"self_modification_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	DefaultListLimit int           `yaml:"default_list_limit"`
}

type SoulConfig struct {
	RateLimit       int           `yaml:"rate_limit"`
	RateWindow      time.Duration `yaml:"rate_window"`
	DuplicateWindow time.Duration `yaml:"duplicate_window"`
	// PrefixLength is the shortest normalized value, in runes, that can
	// suppress or be suppressed by a prefix match. Shorter values only match
	// exactly. Zero means 12.
	PrefixLength int `yaml:"prefix_length"`
	WriteRetries int `yaml:"write_retries"`
}

type NotifyConfig struct {
	QueueSize     int             `yaml:"queue_size"`
	RatePerSecond float64         `yaml:"rate_per_second"`
	Burst         int             `yaml:"burst"`
	Webhooks      []WebhookConfig `yaml:"webhooks"`
	Redis         RedisConfig     `yaml:"redis"`
	Log           bool            `yaml:"log"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type ExecutorConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with gv config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Risk.Actions) == 0 {
		return fmt.Errorf("config.risk.actions is required")
	}
	for name, spec := range c.Risk.Actions {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.risk.actions contains empty action name")
		}
		if !domain.StaticRisk(spec.Risk).Valid() {
			return fmt.Errorf("action %s has invalid risk %q", name, spec.Risk)
		}
		if spec.Payload != "" && !domain.PayloadKind(spec.Payload).Valid() {
			return fmt.Errorf("action %s has invalid payload kind %q", name, spec.Payload)
		}
	}
	if c.Risk.Factors.BulkRecipientThreshold < 1 {
		return fmt.Errorf("config.risk.factors.bulk_recipient_threshold must be positive")
	}
	seen := map[string]bool{}
	for _, cf := range c.Risk.Factors.Custom {
		if cf.Name == "" || cf.Expr == "" {
			return fmt.Errorf("custom factor requires name and expr")
		}
		if seen[cf.Name] {
			return fmt.Errorf("custom factor %s defined twice", cf.Name)
		}
		seen[cf.Name] = true
	}
	for tier, level := range c.Autonomy.Defaults {
		if !domain.TrustTier(tier).Valid() {
			return fmt.Errorf("config.autonomy.defaults has unknown trust tier %s", tier)
		}
		if !domain.AutonomyLevel(level).Valid() {
			return fmt.Errorf("trust tier %s maps to invalid autonomy %q", tier, level)
		}
	}
	if c.Approvals.ActionTTL <= 0 || c.Approvals.SelfModTTL <= 0 {
		return fmt.Errorf("config.approvals ttls must be positive")
	}
	if c.Soul.RateLimit < 1 || c.Soul.RateWindow <= 0 || c.Soul.DuplicateWindow <= 0 || c.Soul.PrefixLength < 0 {
		return fmt.Errorf("config.soul gates must be positive")
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notify.webhooks[%d].url is required", i)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// Action returns the registered spec for an action; unknown actions are writes.
func (c *Config) Action(name string) ActionSpec {
	if spec, ok := c.Risk.Actions[name]; ok {
		return spec
	}
	return ActionSpec{Risk: string(domain.RiskWrite), Payload: string(domain.PayloadGeneric)}
}

// DefaultAutonomy maps an org trust tier to the autonomy new agents start with.
func (c *Config) DefaultAutonomy(tier domain.TrustTier) domain.AutonomyLevel {
	if lvl, ok := c.Autonomy.Defaults[string(tier)]; ok {
		return domain.AutonomyLevel(lvl)
	}
	return domain.AutonomySupervised
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "governor.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in governance configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config back to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `risk:
  actions:
    search_contacts:   {risk: read, payload: query}
    get_contact:       {risk: read, payload: query}
    list_deals:        {risk: read, payload: query}
    read_messages:     {risk: read, payload: query}
    query_analytics:   {risk: read, payload: query}
    create_contact:    {risk: write, payload: contact}
    update_contact:    {risk: write, payload: contact}
    send_message:      {risk: write, payload: message}
    reply_to_customer: {risk: write, payload: message}
    send_email:        {risk: write, payload: email}
    book_appointment:  {risk: write, payload: generic}
    publish_post:      {risk: write, payload: post}
    schedule_post:     {risk: write, payload: post}
    manage_sub_org:    {risk: write, payload: generic}
    deploy_agent:      {risk: write, payload: generic}
    send_bulk_email:   {risk: destructive, payload: bulk_email}
    delete_contact:    {risk: destructive, payload: contact}
    delete_campaign:   {risk: destructive, payload: generic}
    refund_payment:    {risk: destructive, payload: generic}
    modify_billing:    {risk: destructive, payload: generic}
  factors:
    pricing_terms: ["price", "pricing", "discount", "refund", "invoice", "$", "€", "per month", "quote"]
    negative_terms: ["angry", "complaint", "unacceptable", "lawsuit", "cancel", "terrible", "disappointed"]
    competitors: []
    trusted_domains: []
    bulk_recipient_threshold: 10
    custom: []

autonomy:
  defaults:
    new: supervised
    established: semi_autonomous
    trusted: autonomous

layers:
  customer_safe: [reply_to_customer, book_appointment, create_contact]
  agency_only: [manage_sub_org, send_bulk_email]
  platform_only: [deploy_agent, modify_billing]

approvals:
  action_ttl: 24h
  self_modification_ttl: 72h
  sweep_interval: 1m
  default_list_limit: 50

soul:
  rate_limit: 3
  rate_window: 24h
  duplicate_window: 720h
  prefix_length: 12
  write_retries: 3

notify:
  queue_size: 256
  rate_per_second: 10
  burst: 20
  log: true
  webhooks: []
  redis:
    addr: ""
    channel: governor.events

executor:
  url: ""
  timeout_seconds: 15

rbac:
  roles:
    owner:
      description: "Full control over the organization"
      permissions: [org.manage, agent.manage, action.submit, approval.read, approval.resolve, soul.propose, soul.rollback, message.send, message.read, message.update, events.read]
    reviewer:
      description: "Resolves pending approvals"
      permissions: [approval.read, approval.resolve, message.read, events.read]
    agent:
      description: "Runtime identity of an agent process"
      permissions: [action.submit, soul.propose, message.send, message.read]
`
