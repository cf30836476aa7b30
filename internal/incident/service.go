// Package incident records post-deployment incidents. They are the
// evidence the trust maturity engine judges operation by.
package incident

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlayerhq/ql-cgov/internal/store"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/audit"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/metrics"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

const resourceType = "deployment_incident"

// ReportRequest identifies the deployment by evidence package, or by
// correlation ID when the package ID is unknown to the reporter.
type ReportRequest struct {
	EvidencePackageID uuid.UUID  `json:"evidence_package_id"`
	CorrelationID     string     `json:"correlation_id"`
	Severity          string     `json:"severity"`
	Description       string     `json:"description"`
	DetectedAt        *time.Time `json:"detected_at,omitempty"`
	ReportedBy        string     `json:"-"`
}

// ResolveRequest closes an incident.
type ResolveRequest struct {
	Resolution     string `json:"resolution"`
	RootCause      string `json:"root_cause"`
	WasPreventable *bool  `json:"was_preventable,omitempty"`
}

// Service reports and resolves incidents.
type Service struct {
	store   store.Store
	events  audit.Sink
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// NewService creates an incident service.
func NewService(s store.Store, events audit.Sink, m *metrics.Metrics, log *logger.Logger) *Service {
	return &Service{
		store:   s,
		events:  events,
		metrics: m,
		log:     log.WithComponent("incident"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Report records an incident against a deployment, snapshotting the risk
// score, blast radius and approval route the deployment went through.
func (s *Service) Report(ctx context.Context, in ReportRequest) (inc *models.DeploymentIncident, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "incident", "report", in.CorrelationID)
	defer func() { span.Finish(err) }()

	severity := models.Severity(strings.ToUpper(strings.TrimSpace(in.Severity)))
	if !severity.IsValid() {
		return nil, apperrors.Validation("invalid_severity", "severity", "severity %q is not one of P1-P4", in.Severity)
	}
	if in.ReportedBy == "" {
		return nil, apperrors.Validation("missing_actor", "reported_by", "reporter is required")
	}
	if in.EvidencePackageID == uuid.Nil && in.CorrelationID == "" {
		return nil, apperrors.Validation("missing_deployment", "evidence_package_id", "evidence package or correlation id is required")
	}
	now := s.now()
	detected := now
	if in.DetectedAt != nil {
		detected = in.DetectedAt.UTC()
	}
	if detected.After(now) {
		return nil, apperrors.Validation("detected_in_future", "detected_at", "detection time %s is in the future", detected.Format(time.RFC3339))
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		pkg, err := lookupPackage(ctx, tx, in)
		if err != nil {
			return err
		}
		auto, err := wasAutoApproved(ctx, tx, pkg)
		if err != nil {
			return err
		}

		inc = &models.DeploymentIncident{
			ID:                  uuid.New(),
			DeploymentRef:       pkg.DeploymentRef,
			EvidencePackageID:   pkg.ID,
			CorrelationID:       pkg.CorrelationID,
			Severity:            severity,
			WasAutoApproved:     auto,
			RiskScoreAtApproval: pkg.RiskScore,
			BlastRadiusClass:    pkg.BlastRadiusClass,
			Description:         strings.TrimSpace(in.Description),
			ReportedBy:          in.ReportedBy,
			DetectedAt:          detected,
			CreatedAt:           now,
		}
		if err := tx.InsertIncident(ctx, inc); err != nil {
			return err
		}
		return s.events.Emit(ctx, audit.NewEvent(audit.EventIncidentReported, inc.CorrelationID, in.ReportedBy,
			resourceType, inc.ID.String(), audit.StatusSuccess, map[string]any{
				"severity":               string(inc.Severity),
				"evidence_package_id":    pkg.ID.String(),
				"was_auto_approved":      inc.WasAutoApproved,
				"risk_score_at_approval": inc.RiskScoreAtApproval,
				"blast_radius_class":     string(inc.BlastRadiusClass),
			}))
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveIncident(string(inc.Severity))
	s.log.InfoContext(ctx, "incident reported",
		"incident_id", inc.ID,
		"correlation_id", inc.CorrelationID,
		"severity", inc.Severity,
		"was_auto_approved", inc.WasAutoApproved,
	)
	return inc, nil
}

// Resolve closes an incident. A resolved incident cannot change again.
func (s *Service) Resolve(ctx context.Context, actorID string, id uuid.UUID, in ResolveRequest) (inc *models.DeploymentIncident, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "incident", "resolve", "")
	defer func() { span.Finish(err) }()

	resolution := strings.TrimSpace(in.Resolution)
	if resolution == "" {
		return nil, apperrors.Validation("missing_resolution", "resolution", "resolution is required")
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		inc, err = tx.GetIncident(ctx, id)
		if err != nil {
			return err
		}
		if inc.IsResolved() {
			return apperrors.Conflict(resourceType, "incident %s is already resolved", inc.ID)
		}
		now := s.now()
		inc.ResolvedAt = &now
		inc.Resolution = resolution
		inc.RootCause = strings.TrimSpace(in.RootCause)
		inc.WasPreventable = in.WasPreventable
		if err := tx.ResolveIncident(ctx, inc); err != nil {
			return err
		}

		data := map[string]any{"resolution": resolution, "root_cause": inc.RootCause}
		if inc.WasPreventable != nil {
			data["was_preventable"] = *inc.WasPreventable
		}
		return s.events.Emit(ctx, audit.NewEvent(audit.EventIncidentResolved, inc.CorrelationID, actorID,
			resourceType, inc.ID.String(), audit.StatusSuccess, data))
	})
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "incident resolved", "incident_id", inc.ID, "resolved_by", actorID)
	return inc, nil
}

// Get returns an incident.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.DeploymentIncident, error) {
	return s.store.GetIncident(ctx, id)
}

// List returns incidents detected inside w.
func (s *Service) List(ctx context.Context, w models.Window) ([]models.DeploymentIncident, error) {
	return s.store.ListIncidents(ctx, w)
}

func lookupPackage(ctx context.Context, tx store.Tx, in ReportRequest) (*models.EvidencePackage, error) {
	if in.EvidencePackageID != uuid.Nil {
		pkg, err := tx.GetEvidencePackage(ctx, in.EvidencePackageID)
		if err != nil {
			return nil, err
		}
		if in.CorrelationID != "" && in.CorrelationID != pkg.CorrelationID {
			return nil, apperrors.Validation("correlation_mismatch", "correlation_id",
				"package %s belongs to correlation %s, not %s", pkg.ID, pkg.CorrelationID, in.CorrelationID)
		}
		return pkg, nil
	}
	return tx.GetEvidencePackageByCorrelation(ctx, in.CorrelationID)
}

func wasAutoApproved(ctx context.Context, tx store.Tx, pkg *models.EvidencePackage) (bool, error) {
	reqs, err := tx.ListCABRequestsByCorrelation(ctx, pkg.CorrelationID)
	if err != nil {
		return false, err
	}
	for _, r := range reqs {
		if r.EvidencePackageID == pkg.ID && r.Status == models.CABStatusAutoApproved {
			return true, nil
		}
	}
	return false, nil
}
