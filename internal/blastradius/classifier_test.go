package blastradius

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantumlayerhq/ql-cgov/internal/cmdb"
	"github.com/quantumlayerhq/ql-cgov/pkg/config"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

type stubLookup struct {
	signal *cmdb.Signal
	err    error
	calls  int
}

func (s *stubLookup) Lookup(context.Context, string) (*cmdb.Signal, error) {
	s.calls++
	return s.signal, s.err
}

func tier(n int) *int { return &n }

func newClassifier(lookup cmdb.Lookup) *Classifier {
	return NewClassifier(config.ClassifierConfig{}, lookup, nil, logger.New("error", "text"))
}

func TestClassifyRuleOrder(t *testing.T) {
	tests := []struct {
		name     string
		in       Input
		signal   *cmdb.Signal
		wantTier models.BlastRadiusTier
		wantRule string
	}{
		{
			name:     "cmdb tier 0 beats everything",
			in:       Input{AppName: "Wallpaper Pack", TargetUserCount: 5},
			signal:   &cmdb.Signal{ServiceTier: tier(0)},
			wantTier: models.TierCriticalInfrastructure,
			wantRule: RuleCMDBTopTier,
		},
		{
			name:     "cmdb tier 1",
			in:       Input{AppName: "Wallpaper Pack"},
			signal:   &cmdb.Signal{ServiceTier: tier(1)},
			wantTier: models.TierCriticalInfrastructure,
			wantRule: RuleCMDBTopTier,
		},
		{
			name:     "security keyword with admin",
			in:       Input{AppName: "CrowdStrike Falcon Sensor", RequiresAdmin: true},
			wantTier: models.TierCriticalInfrastructure,
			wantRule: RuleSecurityAdmin,
		},
		{
			name:     "security keyword is case folded",
			in:       Input{AppName: "GLOBALPROTECT VPN", RequiresAdmin: true},
			wantTier: models.TierCriticalInfrastructure,
			wantRule: RuleSecurityAdmin,
		},
		{
			name:     "security keyword without admin falls through",
			in:       Input{AppName: "Security Awareness Poster", TargetUserCount: 10},
			wantTier: models.TierNonCritical,
			wantRule: RuleDefault,
		},
		{
			name:     "kernel privilege without keyword",
			in:       Input{AppName: "USB Driver", PrivilegeLevel: models.PrivilegeKernel},
			wantTier: models.TierCriticalInfrastructure,
			wantRule: RuleSystemPrivilege,
		},
		{
			name:     "admin at system level without keyword",
			in:       Input{AppName: "Print Spooler Update", RequiresAdmin: true, PrivilegeLevel: models.PrivilegeSystem},
			wantTier: models.TierCriticalInfrastructure,
			wantRule: RuleSystemPrivilege,
		},
		{
			name:     "admin alone is not critical",
			in:       Input{AppName: "Font Bundle", RequiresAdmin: true, PrivilegeLevel: models.PrivilegeAdmin},
			wantTier: models.TierNonCritical,
			wantRule: RuleDefault,
		},
		{
			name:     "business keyword",
			in:       Input{AppName: "SAP ERP Client"},
			wantTier: models.TierBusinessCritical,
			wantRule: RuleBusinessSystem,
		},
		{
			name:     "more than 1000 users",
			in:       Input{AppName: "Font Bundle", TargetUserCount: 1001},
			wantTier: models.TierBusinessCritical,
			wantRule: RuleBusinessSystem,
		},
		{
			name:     "exactly 1000 users is productivity",
			in:       Input{AppName: "Font Bundle", TargetUserCount: 1000},
			wantTier: models.TierProductivityTools,
			wantRule: RuleProductivityTool,
		},
		{
			name:     "high criticality",
			in:       Input{AppName: "Font Bundle", BusinessCriticality: models.CriticalityHigh},
			wantTier: models.TierBusinessCritical,
			wantRule: RuleBusinessSystem,
		},
		{
			name:     "cmdb criticality merges upward",
			in:       Input{AppName: "Font Bundle", BusinessCriticality: models.CriticalityLow},
			signal:   &cmdb.Signal{ServiceTier: tier(3), BusinessCriticality: models.CriticalityHigh},
			wantTier: models.TierBusinessCritical,
			wantRule: RuleBusinessSystem,
		},
		{
			name:     "cmdb enterprise scope",
			in:       Input{AppName: "Font Bundle"},
			signal:   &cmdb.Signal{ImpactScope: "Enterprise"},
			wantTier: models.TierBusinessCritical,
			wantRule: RuleBusinessSystem,
		},
		{
			name:     "productivity keyword",
			in:       Input{AppName: "Microsoft Office 365"},
			wantTier: models.TierProductivityTools,
			wantRule: RuleProductivityTool,
		},
		{
			name:     "more than 100 users",
			in:       Input{AppName: "Font Bundle", TargetUserCount: 101},
			wantTier: models.TierProductivityTools,
			wantRule: RuleProductivityTool,
		},
		{
			name:     "short keyword needs a whole word",
			in:       Input{AppName: "William's Notes Helper", RequiresAdmin: true},
			wantTier: models.TierNonCritical,
			wantRule: RuleDefault,
		},
		{
			name:     "nothing matches",
			in:       Input{AppName: "Desktop Wallpaper", TargetUserCount: 100},
			wantTier: models.TierNonCritical,
			wantRule: RuleDefault,
		},
	}

	c := newClassifier(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.ClassifyWithSignal(tt.in, tt.signal)
			assert.Equal(t, tt.wantTier, got.Tier)
			assert.Equal(t, tt.wantRule, got.Rule)
			assert.Equal(t, tt.wantTier, got.Class.Name)
		})
	}
}

func TestClassifyUsesLookup(t *testing.T) {
	lookup := &stubLookup{signal: &cmdb.Signal{ServiceTier: tier(0)}}
	got := newClassifier(lookup).Classify(context.Background(), Input{AppName: "Payments Gateway"})
	assert.Equal(t, 1, lookup.calls)
	assert.Equal(t, models.TierCriticalInfrastructure, got.Tier)
	assert.False(t, got.Class.AutoApproveAllowed)
}

func TestClassifyDegradesWhenCMDBFails(t *testing.T) {
	lookup := &stubLookup{err: errors.New("connection refused")}
	got := newClassifier(lookup).Classify(context.Background(), Input{AppName: "Slack", TargetUserCount: 20})
	assert.Equal(t, models.TierProductivityTools, got.Tier)
	assert.Nil(t, got.Signal)
}

func TestCustomKeywords(t *testing.T) {
	c := NewClassifier(config.ClassifierConfig{
		SecurityKeywords: []string{"  Vault "},
		BusinessKeywords: []string{"warehouse"},
	}, nil, nil, logger.New("error", "text"))

	assert.Equal(t, RuleSecurityAdmin, c.ClassifyWithSignal(Input{AppName: "HashiCorp VAULT Agent", RequiresAdmin: true}, nil).Rule)
	assert.Equal(t, RuleBusinessSystem, c.ClassifyWithSignal(Input{AppName: "Warehouse Scanner"}, nil).Rule)
	// Defaults are replaced, not merged.
	assert.Equal(t, RuleDefault, c.ClassifyWithSignal(Input{AppName: "Cisco VPN", RequiresAdmin: true}, nil).Rule)
}

func TestInputFromEvidence(t *testing.T) {
	in := InputFromEvidence(models.EvidenceData{
		Application: models.ApplicationProfile{Name: "CRM Desktop", RequiresAdmin: true, BusinessCriticality: models.CriticalityMedium},
		Deployment:  &models.DeploymentPlan{TargetUserCount: 400},
	})
	assert.Equal(t, "CRM Desktop", in.AppName)
	assert.True(t, in.RequiresAdmin)
	assert.Equal(t, 400, in.TargetUserCount)
}
