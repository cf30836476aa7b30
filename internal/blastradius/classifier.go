// Package blastradius maps a deployment's impact surface to an approval tier.
package blastradius

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/cases"

	"github.com/quantumlayerhq/ql-cgov/internal/cmdb"
	"github.com/quantumlayerhq/ql-cgov/pkg/config"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/metrics"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

// Rule names, in evaluation order.
const (
	RuleCMDBTopTier      = "cmdb_top_tier"
	RuleSecurityAdmin    = "security_keyword_admin"
	RuleSystemPrivilege  = "system_privilege"
	RuleBusinessSystem   = "business_system"
	RuleProductivityTool = "productivity_tool"
	RuleDefault          = "default"
)

// User count bounds for rules 4 and 5; both are exclusive.
const (
	BusinessUserCount     = 1000
	ProductivityUserCount = 100
)

// Input is the deployment metadata the classifier reads.
type Input struct {
	AppName             string
	RequiresAdmin       bool
	PrivilegeLevel      models.PrivilegeLevel
	TargetUserCount     int
	BusinessCriticality models.Criticality
}

// InputFromEvidence extracts classifier input from raw evidence.
func InputFromEvidence(e models.EvidenceData) Input {
	in := Input{
		AppName:             e.Application.Name,
		RequiresAdmin:       e.Application.RequiresAdmin,
		PrivilegeLevel:      e.Application.PrivilegeLevel,
		BusinessCriticality: e.Application.BusinessCriticality,
	}
	if e.Deployment != nil {
		in.TargetUserCount = e.Deployment.TargetUserCount
	}
	return in
}

// Result is a classification and the rule that produced it.
type Result struct {
	Tier   models.BlastRadiusTier
	Class  models.BlastRadiusClass
	Rule   string
	Signal *cmdb.Signal
}

// facts is the normalized view every rule predicate reads.
type facts struct {
	in          Input
	name        string
	tokens      map[string]bool
	criticality models.Criticality
	signal      *cmdb.Signal
}

type rule struct {
	name  string
	tier  models.BlastRadiusTier
	match func(c *Classifier, f *facts) bool
}

// rules is a decision list: the first matching rule wins.
var rules = []rule{
	{RuleCMDBTopTier, models.TierCriticalInfrastructure, func(_ *Classifier, f *facts) bool {
		return f.signal.IsTopTier()
	}},
	{RuleSecurityAdmin, models.TierCriticalInfrastructure, func(c *Classifier, f *facts) bool {
		return f.in.RequiresAdmin && c.matchAny(f, c.security)
	}},
	{RuleSystemPrivilege, models.TierCriticalInfrastructure, func(_ *Classifier, f *facts) bool {
		return f.in.PrivilegeLevel.IsSystemLevel()
	}},
	{RuleBusinessSystem, models.TierBusinessCritical, func(c *Classifier, f *facts) bool {
		return c.matchAny(f, c.business) ||
			f.in.TargetUserCount > BusinessUserCount ||
			f.criticality == models.CriticalityHigh ||
			f.signal.HasWideScope()
	}},
	{RuleProductivityTool, models.TierProductivityTools, func(c *Classifier, f *facts) bool {
		return c.matchAny(f, c.productivity) || f.in.TargetUserCount > ProductivityUserCount
	}},
	{RuleDefault, models.TierNonCritical, func(*Classifier, *facts) bool { return true }},
}

// Classifier evaluates the blast radius rules.
type Classifier struct {
	security     []string
	business     []string
	productivity []string
	lookup       cmdb.Lookup
	metrics      *metrics.Metrics
	log          *logger.Logger
}

// NewClassifier creates a classifier. lookup may be nil when no CMDB is
// configured.
func NewClassifier(cfg config.ClassifierConfig, lookup cmdb.Lookup, m *metrics.Metrics, log *logger.Logger) *Classifier {
	c := &Classifier{
		lookup:  lookup,
		metrics: m,
		log:     log.WithComponent("blastradius"),
	}
	c.security = normalize(orDefault(cfg.SecurityKeywords, config.DefaultSecurityKeywords))
	c.business = normalize(orDefault(cfg.BusinessKeywords, config.DefaultBusinessKeywords))
	c.productivity = normalize(orDefault(cfg.ProductivityKeywords, config.DefaultProductivityKeywords))
	return c
}

// Classify returns the blast radius of a deployment. A CMDB failure is
// logged and classification continues on the remaining rules.
func (c *Classifier) Classify(ctx context.Context, in Input) Result {
	var signal *cmdb.Signal
	if c.lookup != nil && in.AppName != "" {
		s, err := c.lookup.Lookup(ctx, in.AppName)
		if err != nil {
			c.log.WarnContext(ctx, "cmdb lookup failed, classifying without it",
				"app", in.AppName, "error", err)
		} else {
			signal = s
		}
	}
	return c.ClassifyWithSignal(in, signal)
}

// ClassifyWithSignal classifies with an already resolved CMDB signal.
func (c *Classifier) ClassifyWithSignal(in Input, signal *cmdb.Signal) Result {
	f := newFacts(in, signal)

	matched := rules[len(rules)-1]
	for _, r := range rules {
		if r.match(c, f) {
			matched = r
			break
		}
	}

	class, _ := models.ClassFor(matched.tier)
	c.metrics.ObserveClassification(string(matched.tier), matched.name)
	return Result{Tier: matched.tier, Class: class, Rule: matched.name, Signal: signal}
}

func newFacts(in Input, signal *cmdb.Signal) *facts {
	name := fold(in.AppName)
	f := &facts{
		in:          in,
		name:        name,
		tokens:      make(map[string]bool),
		criticality: in.BusinessCriticality,
		signal:      signal,
	}
	for _, tok := range strings.FieldsFunc(name, isSeparator) {
		f.tokens[tok] = true
	}
	if signal != nil && signal.BusinessCriticality.Rank() > f.criticality.Rank() {
		f.criticality = signal.BusinessCriticality
	}
	return f
}

// matchAny reports whether any keyword occurs in the application name.
// Keywords of three letters or fewer must match a whole word so that
// "iam" does not fire on "william".
func (c *Classifier) matchAny(f *facts, keywords []string) bool {
	for _, kw := range keywords {
		if len(kw) <= 3 {
			if f.tokens[kw] {
				return true
			}
			continue
		}
		if strings.Contains(f.name, kw) {
			return true
		}
	}
	return false
}

// fold builds a fresh Caser per call; a Caser must not be shared.
func fold(s string) string {
	return cases.Fold().String(s)
}

func normalize(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(fold(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
