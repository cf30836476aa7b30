package incident

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-cgov/internal/store/memory"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/audit"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	store  *memory.Store
	events *audit.MemorySink
	pkg    *models.EvidencePackage
}

func newFixture(t *testing.T, status models.CABStatus) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	events := audit.NewMemorySink()

	pkg := &models.EvidencePackage{
		ID:               uuid.New(),
		CorrelationID:    "deploy-42",
		DeploymentRef:    "crm-client@7.1",
		RiskScore:        18.5,
		RiskModelVersion: "1.0.0",
		BlastRadiusClass: models.TierBusinessCritical,
		IsComplete:       true,
		ContentHash:      "sealed",
		CreatedAt:        fixedNow.Add(-48 * time.Hour),
	}
	require.NoError(t, s.InsertEvidencePackage(ctx, pkg))
	require.NoError(t, s.InsertCABRequest(ctx, &models.CABApprovalRequest{
		ID:                uuid.New(),
		CorrelationID:     pkg.CorrelationID,
		EvidencePackageID: pkg.ID,
		RiskScore:         pkg.RiskScore,
		BlastRadiusClass:  pkg.BlastRadiusClass,
		Status:            status,
		SubmittedBy:       "pipeline",
		SubmittedAt:       pkg.CreatedAt,
	}))

	svc := NewService(s, events, nil, logger.New("error", "text")).
		WithClock(func() time.Time { return fixedNow })
	return &fixture{svc: svc, store: s, events: events, pkg: pkg}
}

func TestReportSnapshotsDeployment(t *testing.T) {
	f := newFixture(t, models.CABStatusAutoApproved)
	detected := fixedNow.Add(-time.Hour)

	inc, err := f.svc.Report(context.Background(), ReportRequest{
		CorrelationID: "deploy-42",
		Severity:      "p2",
		Description:   "login loop after upgrade",
		DetectedAt:    &detected,
		ReportedBy:    "oncall",
	})
	require.NoError(t, err)

	assert.Equal(t, models.SeverityP2, inc.Severity)
	assert.Equal(t, f.pkg.ID, inc.EvidencePackageID)
	assert.Equal(t, "crm-client@7.1", inc.DeploymentRef)
	assert.True(t, inc.WasAutoApproved)
	assert.Equal(t, 18.5, inc.RiskScoreAtApproval)
	assert.Equal(t, models.TierBusinessCritical, inc.BlastRadiusClass)
	assert.Equal(t, detected, inc.DetectedAt)
	assert.False(t, inc.IsResolved())

	listed, err := f.svc.List(context.Background(), models.Window{Start: fixedNow.Add(-24 * time.Hour), End: fixedNow})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	events := f.events.ByType(audit.EventIncidentReported)
	require.Len(t, events, 1)
	assert.Equal(t, "oncall", events[0].ActorID)
}

func TestReportManualApproval(t *testing.T) {
	f := newFixture(t, models.CABStatusUnderReview)

	inc, err := f.svc.Report(context.Background(), ReportRequest{
		EvidencePackageID: f.pkg.ID,
		Severity:          "P4",
		ReportedBy:        "oncall",
	})
	require.NoError(t, err)
	assert.False(t, inc.WasAutoApproved)
	assert.Equal(t, fixedNow, inc.DetectedAt)
}

func TestReportValidation(t *testing.T) {
	f := newFixture(t, models.CABStatusAutoApproved)
	future := fixedNow.Add(time.Minute)

	tests := []struct {
		name  string
		req   ReportRequest
		check func(error) bool
	}{
		{"bad severity", ReportRequest{CorrelationID: "deploy-42", Severity: "P5", ReportedBy: "x"}, apperrors.IsValidation},
		{"no reporter", ReportRequest{CorrelationID: "deploy-42", Severity: "P1"}, apperrors.IsValidation},
		{"no deployment", ReportRequest{Severity: "P1", ReportedBy: "x"}, apperrors.IsValidation},
		{"future detection", ReportRequest{CorrelationID: "deploy-42", Severity: "P1", ReportedBy: "x", DetectedAt: &future}, apperrors.IsValidation},
		{"unknown correlation", ReportRequest{CorrelationID: "deploy-0", Severity: "P1", ReportedBy: "x"}, apperrors.IsNotFound},
		{"mismatched correlation", ReportRequest{EvidencePackageID: f.pkg.ID, CorrelationID: "deploy-0", Severity: "P1", ReportedBy: "x"}, apperrors.IsValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Report(context.Background(), tt.req)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}
	assert.Empty(t, f.events.Events())
}

func TestResolveOnce(t *testing.T) {
	f := newFixture(t, models.CABStatusAutoApproved)
	ctx := context.Background()
	inc, err := f.svc.Report(ctx, ReportRequest{CorrelationID: "deploy-42", Severity: "P1", ReportedBy: "oncall"})
	require.NoError(t, err)

	_, err = f.svc.Resolve(ctx, "oncall", inc.ID, ResolveRequest{})
	assert.True(t, apperrors.IsValidation(err))

	preventable := true
	got, err := f.svc.Resolve(ctx, "oncall", inc.ID, ResolveRequest{
		Resolution:     "rolled back to 7.0",
		RootCause:      "missing migration",
		WasPreventable: &preventable,
	})
	require.NoError(t, err)
	assert.True(t, got.IsResolved())

	stored, err := f.svc.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "rolled back to 7.0", stored.Resolution)
	require.NotNil(t, stored.WasPreventable)
	assert.True(t, *stored.WasPreventable)

	_, err = f.svc.Resolve(ctx, "oncall", inc.ID, ResolveRequest{Resolution: "again"})
	assert.True(t, apperrors.IsConflict(err))
	assert.Len(t, f.events.ByType(audit.EventIncidentResolved), 1)
}

func TestReportRollsBackWhenAuditFails(t *testing.T) {
	f := newFixture(t, models.CABStatusAutoApproved)
	f.events.FailWith(errors.New("sink down"))

	_, err := f.svc.Report(context.Background(), ReportRequest{CorrelationID: "deploy-42", Severity: "P3", ReportedBy: "oncall"})
	require.Error(t, err)

	listed, err := f.svc.List(context.Background(), models.Window{Start: fixedNow.Add(-time.Hour), End: fixedNow.Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, listed)
}
