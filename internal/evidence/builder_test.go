package evidence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-cgov/internal/blastradius"
	"github.com/quantumlayerhq/ql-cgov/internal/riskmodel"
	"github.com/quantumlayerhq/ql-cgov/internal/store"
	"github.com/quantumlayerhq/ql-cgov/internal/store/memory"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/audit"
	"github.com/quantumlayerhq/ql-cgov/pkg/canonical"
	"github.com/quantumlayerhq/ql-cgov/pkg/config"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
	"github.com/quantumlayerhq/ql-cgov/pkg/rbac"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var artifactHash = canonical.HashBytes([]byte("font-bundle-1.2.msi"))

func bestCaseJSON() string {
	return `{
		"application": {"name": "Font Bundle", "version": "1.2"},
		"artifact": {"ref": "artifacts/fonts.msi", "hash": "` + artifactHash + `", "signed": true},
		"sbom": {"ref": "sboms/fonts.json", "hash": "` + artifactHash + `", "format": "cyclonedx",
			"components": [{"name": "freetype", "version": "2.13.2", "purl": "pkg:generic/freetype@2.13.2"}]},
		"tests": {"coverage_percent": 95, "total": 120, "passed": 120, "failed": 0},
		"scans": {"scanner": "trivy", "critical": 0, "high": 0, "medium": 2, "low": 4},
		"deployment_plan": {"component_count": 3, "complexity": "low", "target_user_count": 50},
		"rollback_plan": {"documented": true, "validated": true}
	}`
}

type fixture struct {
	builder *Builder
	store   *memory.Store
	events  *audit.MemorySink
}

func newFixture(t *testing.T, bootstrap bool) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	events := audit.NewMemorySink()
	log := logger.New("error", "text")

	if bootstrap {
		reg := riskmodel.NewRegistry(s, rbac.NewStaticProvider(), events, log)
		require.NoError(t, reg.Bootstrap(ctx, riskmodel.DefaultDefinition()))
	}

	classifier := blastradius.NewClassifier(config.ClassifierConfig{}, nil, nil, log)
	b, err := NewBuilder(s, classifier, events, nil, log)
	require.NoError(t, err)
	b.WithClock(func() time.Time { return fixedNow })
	return &fixture{builder: b, store: s, events: events}
}

func request(raw string) BuildRequest {
	return BuildRequest{
		CorrelationID: "deploy-7781",
		DeploymentRef: "fonts@1.2",
		Evidence:      json.RawMessage(raw),
		ActorID:       "pipeline",
	}
}

func TestBuildBestCase(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	pkg, err := f.builder.Build(ctx, request(bestCaseJSON()))
	require.NoError(t, err)

	assert.Equal(t, 0.0, pkg.RiskScore)
	assert.True(t, pkg.IsComplete)
	assert.Equal(t, "1.0.0", pkg.RiskModelVersion)
	assert.Equal(t, models.TierNonCritical, pkg.BlastRadiusClass)
	assert.Equal(t, blastradius.RuleDefault, pkg.ClassifierRule)
	assert.Len(t, pkg.ContentHash, 64)
	assert.NoError(t, Verify(pkg))

	breakdown, err := f.builder.Breakdown(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, pkg.RiskScore, breakdown.RiskScore)
	assert.Equal(t, models.RiskLevelLow, breakdown.RiskLevel)
	assert.Len(t, breakdown.Contributions, len(riskmodel.DefaultFactors()))

	sealed := f.events.ByType(audit.EventEvidenceSealed)
	require.Len(t, sealed, 1)
	assert.Equal(t, "deploy-7781", sealed[0].CorrelationID)
	assert.Equal(t, pkg.ContentHash, sealed[0].Data["content_hash"])
}

func TestBuildIsDeterministic(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	raw := strings.Replace(bestCaseJSON(), `"coverage_percent": 95`, `"coverage_percent": 71.5`, 1)

	first, err := f.builder.Build(ctx, request(raw))
	require.NoError(t, err)
	second, err := f.builder.Build(ctx, request(raw))
	require.NoError(t, err)

	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestBuildIncomplete(t *testing.T) {
	f := newFixture(t, true)
	raw := `{
		"application": {"name": "Font Bundle"},
		"artifact": {"ref": "artifacts/fonts.msi", "hash": "` + artifactHash + `", "signed": false},
		"tests": {"total": 10, "passed": 10, "failed": 0}
	}`

	pkg, err := f.builder.Build(context.Background(), request(raw))
	require.NotNil(t, pkg)
	var incomplete *apperrors.IncompleteEvidenceError
	require.True(t, errors.As(err, &incomplete))
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, []string{MissingSignature, MissingCoverage, MissingScans, MissingDeployment, MissingRollback}, incomplete.Missing)

	assert.False(t, pkg.IsComplete)
	assert.Equal(t, incomplete.Missing, pkg.MissingFields)

	// The incomplete package is still sealed and readable.
	stored, err := f.builder.Get(context.Background(), pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, pkg.ContentHash, stored.ContentHash)
}

func TestBuildValidation(t *testing.T) {
	f := newFixture(t, true)

	tests := []struct {
		name string
		req  BuildRequest
		code string
	}{
		{"no correlation id", BuildRequest{DeploymentRef: "x", Evidence: json.RawMessage(`{}`)}, "missing_correlation_id"},
		{"no deployment ref", BuildRequest{CorrelationID: "c", Evidence: json.RawMessage(`{}`)}, "missing_deployment_ref"},
		{"not json", request(`{"tests":`), "malformed_evidence"},
		{"coverage wrong type", request(`{"tests": {"coverage_percent": "high"}}`), "schema_violation"},
		{"coverage out of range", request(`{"tests": {"coverage_percent": 140}}`), "schema_violation"},
		{"negative criticals", request(`{"scans": {"critical": -1}}`), "schema_violation"},
		{"bad artifact hash", request(`{"artifact": {"hash": "not-a-digest"}}`), "schema_violation"},
		{"unknown privilege", request(`{"application": {"name": "x", "privilege_level": "root"}}`), "schema_violation"},
		{"bad purl", request(`{"sbom": {"components": [{"name": "x", "purl": "npm/lodash"}]}}`), "invalid_purl"},
		{"unknown top-level field", request(`{"application": {"name": "x"}, "approval_ticket": "CHG-1"}`), "schema_violation"},
		{"unknown nested field", request(`{"scans": {"critical": 0, "cves": ["CVE-2024-1"]}}`), "schema_violation"},
		{"unknown component field", request(`{"sbom": {"components": [{"name": "x", "license": "MIT"}]}}`), "schema_violation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg, err := f.builder.Build(context.Background(), tt.req)
			assert.Nil(t, pkg)
			var verr *apperrors.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.code, verr.Code)
		})
	}

	assert.Empty(t, f.events.ByType(audit.EventEvidenceSealed))
}

func TestBuildWithoutActiveModelIsFatal(t *testing.T) {
	f := newFixture(t, false)

	pkg, err := f.builder.Build(context.Background(), request(bestCaseJSON()))
	assert.Nil(t, pkg)
	assert.True(t, apperrors.IsFatal(err))
	assert.ErrorIs(t, err, apperrors.ErrNoActiveRiskModel)
	assert.Empty(t, f.events.Events())
}

func TestBuildRollsBackWhenAuditFails(t *testing.T) {
	f := newFixture(t, true)
	f.events.FailWith(errors.New("sink unavailable"))

	_, err := f.builder.Build(context.Background(), request(bestCaseJSON()))
	require.Error(t, err)

	_, err = f.store.GetEvidencePackageByCorrelation(context.Background(), "deploy-7781")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestBuildClassifiesSecurityTooling(t *testing.T) {
	f := newFixture(t, true)
	raw := strings.Replace(bestCaseJSON(), `"name": "Font Bundle", "version": "1.2"`,
		`"name": "Corporate VPN Client", "requires_admin": true`, 1)

	pkg, err := f.builder.Build(context.Background(), request(raw))
	require.NoError(t, err)
	assert.Equal(t, models.TierCriticalInfrastructure, pkg.BlastRadiusClass)
	assert.Equal(t, blastradius.RuleSecurityAdmin, pkg.ClassifierRule)
}

// tamperingStore returns evidence that was altered after sealing.
type tamperingStore struct {
	store.Store
	mutate func(p *models.EvidencePackage)
}

func (s *tamperingStore) GetEvidencePackage(ctx context.Context, id uuid.UUID) (*models.EvidencePackage, error) {
	p, err := s.Store.GetEvidencePackage(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mutate(p)
	return p, nil
}

func TestGetDetectsTampering(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	pkg, err := f.builder.Build(ctx, request(bestCaseJSON()))
	require.NoError(t, err)

	tampered := &tamperingStore{Store: f.store, mutate: func(p *models.EvidencePackage) {
		p.EvidenceData.Scans.Critical = 0
		p.EvidenceData.Scans.High = 0
		p.EvidenceData.Tests.Failed = 3
	}}
	log := logger.New("error", "text")
	b, err := NewBuilder(tampered, blastradius.NewClassifier(config.ClassifierConfig{}, nil, nil, log), f.events, nil, log)
	require.NoError(t, err)

	_, err = b.Get(ctx, pkg.ID)
	var tamper *apperrors.TamperError
	require.True(t, errors.As(err, &tamper))
	assert.True(t, apperrors.IsSecurity(err))
	assert.Equal(t, pkg.ContentHash, tamper.StoredHash)

	events := f.events.ByType(audit.EventEvidenceTamperDetected)
	require.Len(t, events, 1)
	assert.Equal(t, pkg.ID.String(), events[0].ResourceID)
	assert.Equal(t, audit.StatusFailure, events[0].Status)

	// The untampered record still verifies.
	_, err = f.builder.Get(ctx, pkg.ID)
	assert.NoError(t, err)
}

func TestVerifyRejectsUnsealedPackage(t *testing.T) {
	err := Verify(&models.EvidencePackage{ID: uuid.New()})
	assert.True(t, apperrors.IsSecurity(err))
}

func TestContentHashIgnoresKeyOrder(t *testing.T) {
	var a, b models.EvidenceData
	require.NoError(t, json.Unmarshal([]byte(`{"artifact":{"signed":true,"hash":"`+artifactHash+`"},"application":{"name":"x"}}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"application":{"name":"x"},"artifact":{"hash":"`+artifactHash+`","signed":true}}`), &b))

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}
