package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-cgov/internal/store"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/config"
	"github.com/quantumlayerhq/ql-cgov/pkg/database"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

func TestSchemaDeclaresTranslatedConstraints(t *testing.T) {
	for _, name := range []string{"cab_requests_one_per_package", constraintOneActive} {
		assert.Contains(t, schema, name)
	}
	for _, table := range []string{"governance_events", "actor_capabilities", "cab_decisions", "maturity_state"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.NotContains(t, strings.ToUpper(schema), "DROP ")
}

func TestStringsOrEmpty(t *testing.T) {
	assert.Equal(t, []string{}, stringsOrEmpty(nil))
	assert.Equal(t, []string{"a"}, stringsOrEmpty([]string{"a"}))
}

// testStore connects to CGOV_TEST_DATABASE_URL and applies the schema.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CGOV_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Database not available")
	}

	db, err := database.New(context.Background(), config.DatabaseConfig{
		URL:             url,
		MaxOpenConns:    4,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	s := New(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedPackage(t *testing.T, s *Store) *models.EvidencePackage {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	version := "0.0." + strings.ReplaceAll(uuid.NewString()[:8], "-", "")

	require.NoError(t, s.InsertRiskModelVersion(ctx, &models.RiskModelVersion{
		ID: uuid.New(), Version: version, Mode: models.ModeBaseline, EffectiveDate: now,
		AutoApproveThresholds: map[models.BlastRadiusTier]int{models.TierNonCritical: 30},
		ManualReviewBands:     map[models.BlastRadiusTier]int{models.TierNonCritical: 25},
		CreatedBy:             "test", CreatedAt: now,
	}))

	pkg := &models.EvidencePackage{
		ID: uuid.New(), CorrelationID: uuid.NewString(), DeploymentRef: "deploy-1",
		ContentHash: "abc", RiskScore: 12.5, RiskModelVersion: version,
		IsComplete: true, BlastRadiusClass: models.TierNonCritical, CreatedAt: now,
	}
	require.NoError(t, s.InsertEvidencePackage(ctx, pkg))
	return pkg
}

func TestDuplicateRequestIntegration(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	pkg := seedPackage(t, s)
	now := time.Now().UTC()

	newRequest := func() *models.CABApprovalRequest {
		return &models.CABApprovalRequest{
			ID: uuid.New(), CorrelationID: pkg.CorrelationID, EvidencePackageID: pkg.ID,
			RiskScore: pkg.RiskScore, RiskModelVersion: pkg.RiskModelVersion,
			BlastRadiusClass: pkg.BlastRadiusClass, Status: models.CABStatusUnderReview,
			SubmittedBy: "alice", SubmittedAt: now, UpdatedAt: now,
		}
	}

	first := newRequest()
	require.NoError(t, s.InsertCABRequest(ctx, first))

	err := s.WithTx(ctx, func(tx store.Tx) error { return tx.InsertCABRequest(ctx, newRequest()) })
	var dup *apperrors.DuplicateSubmissionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID.String(), dup.ExistingRequestID)

	decided := *first
	decided.Status = models.CABStatusRejected
	require.NoError(t, s.UpdateCABRequestStatus(ctx, &decided, models.CABStatusUnderReview))
	err = s.WithTx(ctx, func(tx store.Tx) error { return tx.InsertCABRequest(ctx, newRequest()) })
	require.ErrorAs(t, err, &dup, "a decided request still blocks the package")
	assert.Equal(t, first.ID.String(), dup.ExistingRequestID)

	list, err := s.ListCABRequestsByCorrelation(ctx, pkg.CorrelationID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEvidenceRoundTripIntegration(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	pkg := seedPackage(t, s)

	got, err := s.GetEvidencePackage(ctx, pkg.ID)
	require.NoError(t, err)
	assert.Equal(t, pkg.ContentHash, got.ContentHash)
	assert.InDelta(t, pkg.RiskScore, got.RiskScore, 0.001)

	_, err = s.GetEvidencePackage(ctx, uuid.New())
	assert.True(t, apperrors.IsNotFound(err))
}
