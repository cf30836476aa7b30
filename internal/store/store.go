// Package store defines the durable state the governance engine runs on.
//
// Every write that must be atomic with another write goes through WithTx.
// Implementations translate uniqueness and compare-and-swap failures into
// apperrors conflict errors; callers never branch on driver errors.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

// Store is the engine's persistence boundary.
type Store interface {
	Tx

	// WithTx runs fn in a single transaction. If fn returns an error no
	// write made through tx is visible afterwards.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error
}

// Tx is the set of operations available inside and outside a transaction.
type Tx interface {
	RiskModels
	Evidence
	CAB
	Exceptions
	Incidents
	Maturity
}

// RiskModels persists risk model versions. At most one version is active.
type RiskModels interface {
	InsertRiskModelVersion(ctx context.Context, v *models.RiskModelVersion) error
	GetRiskModelVersion(ctx context.Context, version string) (*models.RiskModelVersion, error)
	ListRiskModelVersions(ctx context.Context) ([]models.RiskModelVersion, error)
	// GetActiveRiskModelVersion returns a NotFoundError when no version is active.
	GetActiveRiskModelVersion(ctx context.Context) (*models.RiskModelVersion, error)
	MarkRiskModelApproved(ctx context.Context, version, approvedBy string, at time.Time) error
	// SetActiveRiskModelVersion deactivates the current version and
	// activates version in one step.
	SetActiveRiskModelVersion(ctx context.Context, version string, at time.Time) error
}

// Evidence persists sealed evidence packages and their score breakdowns.
// There is no update path.
type Evidence interface {
	InsertEvidencePackage(ctx context.Context, p *models.EvidencePackage) error
	InsertRiskScoreBreakdown(ctx context.Context, b *models.RiskScoreBreakdown) error
	GetEvidencePackage(ctx context.Context, id uuid.UUID) (*models.EvidencePackage, error)
	// GetEvidencePackageByCorrelation returns the newest package for a correlation ID.
	GetEvidencePackageByCorrelation(ctx context.Context, correlationID string) (*models.EvidencePackage, error)
	GetRiskScoreBreakdown(ctx context.Context, packageID uuid.UUID) (*models.RiskScoreBreakdown, error)
}

// CAB persists approval requests, votes and decisions.
type CAB interface {
	// InsertCABRequest returns a DuplicateSubmissionError when the evidence
	// package already has a request, open or decided.
	InsertCABRequest(ctx context.Context, r *models.CABApprovalRequest) error
	GetCABRequest(ctx context.Context, id uuid.UUID) (*models.CABApprovalRequest, error)
	ListCABRequestsByCorrelation(ctx context.Context, correlationID string) ([]models.CABApprovalRequest, error)
	// UpdateCABRequestStatus writes r only if the stored status is still
	// from; otherwise it returns a ConflictError.
	UpdateCABRequestStatus(ctx context.Context, r *models.CABApprovalRequest, from models.CABStatus) error
	// InsertCABVote returns a ConflictError if the approver already voted.
	InsertCABVote(ctx context.Context, v *models.CABVote) error
	ListCABVotes(ctx context.Context, requestID uuid.UUID) ([]models.CABVote, error)
	// InsertCABDecision is write-once per request.
	InsertCABDecision(ctx context.Context, d *models.CABApprovalDecision) error
	GetCABDecision(ctx context.Context, requestID uuid.UUID) (*models.CABApprovalDecision, error)
	// ListCABDecisions returns decisions with DecidedAt in [from, to).
	ListCABDecisions(ctx context.Context, from, to time.Time) ([]models.CABApprovalDecision, error)
}

// Exceptions persists CAB exceptions, one per request.
type Exceptions interface {
	InsertException(ctx context.Context, e *models.CABException) error
	GetException(ctx context.Context, id uuid.UUID) (*models.CABException, error)
	GetExceptionByRequest(ctx context.Context, requestID uuid.UUID) (*models.CABException, error)
	// UpdateException writes e only if the stored version equals
	// expectedVersion, then sets e.Version to expectedVersion+1.
	UpdateException(ctx context.Context, e *models.CABException, expectedVersion int) error
	ListApprovedExceptionsExpiringBefore(ctx context.Context, t time.Time) ([]models.CABException, error)
}

// Incidents persists deployment incidents.
type Incidents interface {
	InsertIncident(ctx context.Context, i *models.DeploymentIncident) error
	GetIncident(ctx context.Context, id uuid.UUID) (*models.DeploymentIncident, error)
	// ResolveIncident sets the resolution fields once; a resolved incident
	// yields a ConflictError.
	ResolveIncident(ctx context.Context, i *models.DeploymentIncident) error
	// ListIncidents returns incidents with DetectedAt inside w.
	ListIncidents(ctx context.Context, w models.Window) ([]models.DeploymentIncident, error)
}

// Maturity persists evaluations, progression approvals and the current level.
type Maturity interface {
	InsertMaturityProgress(ctx context.Context, p *models.TrustMaturityProgress) error
	GetMaturityProgress(ctx context.Context, id uuid.UUID) (*models.TrustMaturityProgress, error)
	// ListMaturityProgress returns the newest evaluations first.
	ListMaturityProgress(ctx context.Context, limit int) ([]models.TrustMaturityProgress, error)
	// InsertProgressionApproval returns a ConflictError if the progress
	// record was already approved.
	InsertProgressionApproval(ctx context.Context, a *models.ProgressionApproval) error
	// GetMaturityState returns a NotFoundError before the first level is set.
	GetMaturityState(ctx context.Context) (*models.MaturityState, error)
	SetMaturityState(ctx context.Context, s *models.MaturityState) error
}
