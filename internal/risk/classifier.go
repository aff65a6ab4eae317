// Package risk scores candidate agent actions.
//
// Classification is pure: the same action, payload and history always produce
// the same assessment, and unknown actions are treated as writes.
package risk

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/gowebpki/jcs"

	"governor/internal/config"
	"governor/internal/domain"
)

// Built-in content factors.
const (
	FactorPricing        = "pricing"
	FactorCompetitor     = "competitor"
	FactorNegative       = "negative_sentiment"
	FactorExternalURL    = "external_url"
	FactorBulkRecipients = "bulk_recipients"
	FactorFirstTimeUse   = "first_time_use"
)

// History is what the classifier knows about the agent's past use of a tool.
type History struct {
	PriorUses int
}

type Assessment struct {
	Tier    domain.RiskTier   `json:"tier"`
	Static  domain.StaticRisk `json:"static"`
	Factors []string          `json:"factors"`
}

type Classifier struct {
	actions        map[string]config.ActionSpec
	pricing        []matcher
	negative       []matcher
	competitors    []matcher
	trusted        []string
	bulkThreshold  int
	custom         []customFactor
	currencyAmount *regexp.Regexp
}

type customFactor struct {
	name string
	prg  cel.Program
}

var urlPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>\\]+`)

// New builds a classifier from configuration. Custom CEL factors are compiled
// here so a bad expression fails at startup rather than per action.
func New(cfg *config.Config) (*Classifier, error) {
	if cfg == nil {
		return nil, fmt.Errorf("risk: config required")
	}
	f := cfg.Risk.Factors
	c := &Classifier{
		actions:        cfg.Risk.Actions,
		pricing:        compileTerms(f.PricingTerms),
		negative:       compileTerms(f.NegativeTerms),
		competitors:    compileTerms(f.Competitors),
		bulkThreshold:  f.BulkRecipientThreshold,
		currencyAmount: regexp.MustCompile(`(?i)([$€£]\s?\d)|(\d+(\.\d+)?\s?(usd|eur|gbp)\b)`),
	}
	for _, d := range f.TrustedDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			c.trusted = append(c.trusted, d)
		}
	}
	if c.bulkThreshold < 1 {
		c.bulkThreshold = 1
	}
	if len(f.Custom) > 0 {
		env, err := cel.NewEnv(
			cel.Variable("action", cel.StringType),
			cel.Variable("kind", cel.StringType),
			cel.Variable("text", cel.StringType),
			cel.Variable("fields", cel.MapType(cel.StringType, cel.StringType)),
			cel.Variable("recipients", cel.IntType),
		)
		if err != nil {
			return nil, fmt.Errorf("risk: cel environment: %w", err)
		}
		for _, cf := range f.Custom {
			ast, iss := env.Compile(cf.Expr)
			if iss != nil && iss.Err() != nil {
				return nil, fmt.Errorf("risk: custom factor %s: %w", cf.Name, iss.Err())
			}
			if !ast.OutputType().IsExactType(cel.BoolType) {
				return nil, fmt.Errorf("risk: custom factor %s must evaluate to bool", cf.Name)
			}
			prg, err := env.Program(ast, cel.CostLimit(10000))
			if err != nil {
				return nil, fmt.Errorf("risk: custom factor %s: %w", cf.Name, err)
			}
			c.custom = append(c.custom, customFactor{name: cf.Name, prg: prg})
		}
	}
	return c, nil
}

// StaticRisk returns the registered risk of an action, write when unknown.
func (c *Classifier) StaticRisk(action string) domain.StaticRisk {
	if spec, ok := c.actions[action]; ok && domain.StaticRisk(spec.Risk).Valid() {
		return domain.StaticRisk(spec.Risk)
	}
	return domain.RiskWrite
}

// Classify scores one candidate action.
func (c *Classifier) Classify(action string, payload domain.Payload, h History) Assessment {
	if payload == nil {
		payload = domain.GenericPayload{}
	}
	static := c.StaticRisk(action)
	view := normalize(payload)
	set := map[string]bool{}

	if c.currencyAmount.MatchString(view.text) || anyMatch(c.pricing, view.text) {
		set[FactorPricing] = true
	}
	if anyMatch(c.competitors, view.text) {
		set[FactorCompetitor] = true
	}
	if anyMatch(c.negative, view.text) {
		set[FactorNegative] = true
	}
	if c.hasExternalURL(view.values) {
		set[FactorExternalURL] = true
	}
	if payload.RecipientCount() >= c.bulkThreshold {
		set[FactorBulkRecipients] = true
	}
	if h.PriorUses <= 0 {
		set[FactorFirstTimeUse] = true
	}
	for _, cf := range c.custom {
		if c.evalCustom(cf, action, payload, view) {
			set[cf.name] = true
		}
	}

	factors := make([]string, 0, len(set))
	for f := range set {
		factors = append(factors, f)
	}
	sort.Strings(factors)
	return Assessment{Tier: Tier(static, len(factors)), Static: static, Factors: factors}
}

// Tier applies the tier table to a static risk and factor count.
func Tier(static domain.StaticRisk, factors int) domain.RiskTier {
	switch static {
	case domain.RiskDestructive:
		return domain.TierHigh
	case domain.RiskRead:
		if factors >= 2 {
			return domain.TierMedium
		}
		return domain.TierLow
	default:
		if factors >= 1 {
			return domain.TierHigh
		}
		return domain.TierMedium
	}
}

// evalCustom treats evaluation errors as the factor being present.
func (c *Classifier) evalCustom(cf customFactor, action string, payload domain.Payload, view normalized) bool {
	out, _, err := cf.prg.Eval(map[string]any{
		"action":     action,
		"kind":       string(payload.Kind()),
		"text":       view.text,
		"fields":     view.fields,
		"recipients": int64(payload.RecipientCount()),
	})
	if err != nil {
		return true
	}
	b, ok := out.Value().(bool)
	return !ok || b
}

func (c *Classifier) hasExternalURL(values []string) bool {
	for _, v := range values {
		for _, raw := range urlPattern.FindAllString(v, -1) {
			u, err := url.Parse(strings.TrimRight(raw, ".,;:)"))
			if err != nil || u.Hostname() == "" {
				return true
			}
			if !c.isTrusted(strings.ToLower(u.Hostname())) {
				return true
			}
		}
	}
	return false
}

func (c *Classifier) isTrusted(host string) bool {
	for _, d := range c.trusted {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

type normalized struct {
	text   string
	fields map[string]string
	values []string
}

// normalize produces the lower-cased canonical JSON of the payload plus its
// flat field view. JCS keeps the serialization stable across encoders.
func normalize(p domain.Payload) normalized {
	fields := p.Fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		if fields[k] != "" {
			values = append(values, fields[k])
		}
	}
	raw, err := json.Marshal(p)
	text := strings.Join(values, "\n")
	if err == nil {
		if canon, err := jcs.Transform(raw); err == nil {
			text = string(canon)
		}
	}
	return normalized{text: strings.ToLower(text), fields: fields, values: values}
}

type matcher struct {
	term string
	re   *regexp.Regexp
}

func compileTerms(terms []string) []matcher {
	var out []matcher
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		m := matcher{term: t}
		if isWordish(t[0]) && isWordish(t[len(t)-1]) {
			m.re = regexp.MustCompile(`\b` + regexp.QuoteMeta(t) + `\b`)
		}
		out = append(out, m)
	}
	return out
}

func anyMatch(ms []matcher, text string) bool {
	for _, m := range ms {
		if m.re != nil {
			if m.re.MatchString(text) {
				return true
			}
			continue
		}
		if strings.Contains(text, m.term) {
			return true
		}
	}
	return false
}

func isWordish(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z')
}
