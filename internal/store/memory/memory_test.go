package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-cgov/internal/store"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

func TestWithTxRollsBack(t *testing.T) {
	s := New()
	ctx := context.Background()
	pkg := &models.EvidencePackage{ID: uuid.New(), CorrelationID: "c1", CreatedAt: time.Now()}

	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertEvidencePackage(ctx, pkg))
		_, err := tx.GetEvidencePackage(ctx, pkg.ID)
		require.NoError(t, err)
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.GetEvidencePackage(ctx, pkg.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestActiveRiskModelSwap(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	_, err := s.GetActiveRiskModelVersion(ctx)
	assert.True(t, apperrors.IsNotFound(err))

	for i, v := range []string{"1.0.0", "1.1.0"} {
		require.NoError(t, s.InsertRiskModelVersion(ctx, &models.RiskModelVersion{
			Version: v, CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}
	assert.True(t, apperrors.IsConflict(s.InsertRiskModelVersion(ctx, &models.RiskModelVersion{Version: "1.0.0"})))

	require.NoError(t, s.SetActiveRiskModelVersion(ctx, "1.0.0", now))
	require.NoError(t, s.SetActiveRiskModelVersion(ctx, "1.1.0", now))

	versions, err := s.ListRiskModelVersions(ctx)
	require.NoError(t, err)
	active := 0
	for _, v := range versions {
		if v.IsActive {
			active++
			assert.Equal(t, "1.1.0", v.Version)
		}
	}
	assert.Equal(t, 1, active)

	assert.True(t, apperrors.IsConflict(s.MarkRiskModelApproved(ctx, "1.0.0", "alice", now)),
		"activated versions cannot be mutated")
}

func TestDuplicateRequest(t *testing.T) {
	s := New()
	ctx := context.Background()
	pkgID := uuid.New()

	first := &models.CABApprovalRequest{ID: uuid.New(), EvidencePackageID: pkgID, Status: models.CABStatusUnderReview}
	require.NoError(t, s.InsertCABRequest(ctx, first))

	err := s.InsertCABRequest(ctx, &models.CABApprovalRequest{ID: uuid.New(), EvidencePackageID: pkgID, Status: models.CABStatusSubmitted})
	var dup *apperrors.DuplicateSubmissionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID.String(), dup.ExistingRequestID)

	done := *first
	done.Status = models.CABStatusRejected
	require.NoError(t, s.UpdateCABRequestStatus(ctx, &done, models.CABStatusUnderReview))
	err = s.InsertCABRequest(ctx, &models.CABApprovalRequest{ID: uuid.New(), EvidencePackageID: pkgID, Status: models.CABStatusSubmitted})
	require.ErrorAs(t, err, &dup, "a decided request still blocks the package")
	assert.Equal(t, first.ID.String(), dup.ExistingRequestID)
}

func TestStoredRecordsAreDetached(t *testing.T) {
	s := New()
	ctx := context.Background()
	reviewed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	req := &models.CABApprovalRequest{
		ID: uuid.New(), EvidencePackageID: uuid.New(), Status: models.CABStatusConditional,
		Conditions: []string{"canary first"}, ReviewedAt: &reviewed,
	}
	require.NoError(t, s.InsertCABRequest(ctx, req))
	req.Conditions[0] = "skip canary"
	*req.ReviewedAt = reviewed.Add(time.Hour)

	got, err := s.GetCABRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"canary first"}, got.Conditions)
	assert.Equal(t, reviewed, *got.ReviewedAt)

	got.Conditions[0] = "mutated"
	again, err := s.GetCABRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "canary first", again.Conditions[0])

	d := &models.CABApprovalDecision{ID: uuid.New(), RequestID: req.ID, Approvers: []string{"alice"}, DecidedAt: reviewed}
	require.NoError(t, s.InsertCABDecision(ctx, d))
	d.Approvers[0] = "mallory"
	gotDecision, err := s.GetCABDecision(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, gotDecision.Approvers)
}

func TestUpdateCABRequestStatusCAS(t *testing.T) {
	s := New()
	ctx := context.Background()
	req := &models.CABApprovalRequest{ID: uuid.New(), EvidencePackageID: uuid.New(), Status: models.CABStatusUnderReview}
	require.NoError(t, s.InsertCABRequest(ctx, req))

	approved := *req
	approved.Status = models.CABStatusApproved
	require.NoError(t, s.UpdateCABRequestStatus(ctx, &approved, models.CABStatusUnderReview))

	rejected := *req
	rejected.Status = models.CABStatusRejected
	assert.True(t, apperrors.IsConflict(s.UpdateCABRequestStatus(ctx, &rejected, models.CABStatusUnderReview)))
}

func TestVotesAndDecisionsWriteOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	reqID := uuid.New()

	require.NoError(t, s.InsertCABVote(ctx, &models.CABVote{ID: uuid.New(), RequestID: reqID, ApproverID: "bob"}))
	assert.True(t, apperrors.IsConflict(s.InsertCABVote(ctx, &models.CABVote{ID: uuid.New(), RequestID: reqID, ApproverID: "bob"})))

	now := time.Now()
	require.NoError(t, s.InsertCABDecision(ctx, &models.CABApprovalDecision{ID: uuid.New(), RequestID: reqID, DecidedAt: now}))
	assert.True(t, apperrors.IsConflict(s.InsertCABDecision(ctx, &models.CABApprovalDecision{ID: uuid.New(), RequestID: reqID, DecidedAt: now})))

	decisions, err := s.ListCABDecisions(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, decisions, 1)
}

func TestUpdateExceptionOptimisticVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	exc := &models.CABException{ID: uuid.New(), RequestID: uuid.New(), Status: models.ExceptionPending, Version: 1}
	require.NoError(t, s.InsertException(ctx, exc))

	a := *exc
	a.Status = models.ExceptionApproved
	require.NoError(t, s.UpdateException(ctx, &a, 1))
	assert.Equal(t, 2, a.Version)

	b := *exc
	b.Status = models.ExceptionRejected
	assert.True(t, apperrors.IsConflict(s.UpdateException(ctx, &b, 1)))

	got, err := s.GetExceptionByRequest(ctx, exc.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.ExceptionApproved, got.Status)
}

func TestResolveIncidentOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()
	inc := &models.DeploymentIncident{ID: uuid.New(), Severity: models.SeverityP2, DetectedAt: now}
	require.NoError(t, s.InsertIncident(ctx, inc))

	resolved := *inc
	resolved.ResolvedAt = &now
	resolved.Resolution = "rolled back"
	require.NoError(t, s.ResolveIncident(ctx, &resolved))
	assert.True(t, apperrors.IsConflict(s.ResolveIncident(ctx, &resolved)))

	list, err := s.ListIncidents(ctx, models.Window{Start: now, End: now.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "rolled back", list[0].Resolution)
}

func TestProgressionApprovalDerivesCABApproved(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := &models.TrustMaturityProgress{ID: uuid.New(), EvaluatedAt: time.Now(), ReadyToProgress: true}
	require.NoError(t, s.InsertMaturityProgress(ctx, p))

	got, err := s.GetMaturityProgress(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, got.CABApproved)

	require.NoError(t, s.InsertProgressionApproval(ctx, &models.ProgressionApproval{ID: uuid.New(), ProgressID: p.ID}))
	assert.True(t, apperrors.IsConflict(s.InsertProgressionApproval(ctx, &models.ProgressionApproval{ID: uuid.New(), ProgressID: p.ID})))

	got, err = s.GetMaturityProgress(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.CABApproved)
}

func TestConcurrentSubmissionsOneWins(t *testing.T) {
	s := New()
	ctx := context.Background()
	pkgID := uuid.New()

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.WithTx(ctx, func(tx store.Tx) error {
				return tx.InsertCABRequest(ctx, &models.CABApprovalRequest{
					ID: uuid.New(), EvidencePackageID: pkgID, Status: models.CABStatusSubmitted,
				})
			})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.True(t, apperrors.IsConflict(err))
		}
	}
	assert.Equal(t, 1, ok)
}
