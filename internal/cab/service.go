// Package cab runs the change advisory board approval state machine.
package cab

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlayerhq/ql-cgov/internal/evidence"
	"github.com/quantumlayerhq/ql-cgov/internal/riskmodel"
	"github.com/quantumlayerhq/ql-cgov/internal/store"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/audit"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/metrics"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
	"github.com/quantumlayerhq/ql-cgov/pkg/rbac"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

const resourceType = "cab_request"

// Service submits evidence packages for approval and records CAB votes.
type Service struct {
	store   store.Store
	roles   rbac.Provider
	events  audit.Sink
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// NewService creates a CAB service.
func NewService(s store.Store, roles rbac.Provider, events audit.Sink, m *metrics.Metrics, log *logger.Logger) *Service {
	return &Service{
		store:   s,
		roles:   roles,
		events:  events,
		metrics: m,
		log:     log.WithComponent("cab"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Submit opens an approval request for a sealed evidence package and routes
// it against the active risk model. Auto-approved requests get their
// decision record in the same transaction.
func (s *Service) Submit(ctx context.Context, actorID string, packageID uuid.UUID) (req *models.CABApprovalRequest, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "cab", "submit", "")
	defer func() { span.Finish(err) }()

	if actorID == "" {
		return nil, apperrors.Validation("missing_actor", "submitted_by", "submitter is required")
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		pkg, err := tx.GetEvidencePackage(ctx, packageID)
		if err != nil {
			return err
		}
		if err := evidence.Verify(pkg); err != nil {
			return err
		}
		model, err := riskmodel.ActiveIn(ctx, tx)
		if err != nil {
			return err
		}
		target, err := Route(pkg.RiskScore, pkg.BlastRadiusClass, pkg.IsComplete, model)
		if err != nil {
			return err
		}

		now := s.now()
		req = &models.CABApprovalRequest{
			ID:                uuid.New(),
			CorrelationID:     pkg.CorrelationID,
			EvidencePackageID: pkg.ID,
			RiskScore:         pkg.RiskScore,
			RiskModelVersion:  model.Version,
			BlastRadiusClass:  pkg.BlastRadiusClass,
			Status:            models.CABStatusSubmitted,
			SubmittedBy:       actorID,
			SubmittedAt:       now,
			UpdatedAt:         now,
		}
		if err := tx.InsertCABRequest(ctx, req); err != nil {
			return err
		}
		if err := s.events.Emit(ctx, audit.NewEvent(audit.EventCABSubmitted, req.CorrelationID, actorID,
			resourceType, req.ID.String(), audit.StatusSuccess, map[string]any{
				"evidence_package_id": pkg.ID.String(),
				"risk_score":          req.RiskScore,
				"risk_model_version":  req.RiskModelVersion,
				"blast_radius_class":  string(req.BlastRadiusClass),
				"routed_to":           string(target),
			})); err != nil {
			return err
		}

		if target != models.CABStatusAutoApproved {
			req.Status = target
			return tx.UpdateCABRequestStatus(ctx, req, models.CABStatusSubmitted)
		}

		if err := RecordDecision(ctx, tx, s.events, req, &models.CABApprovalDecision{
			DecisionType:  models.DecisionAutoApproved,
			Rationale:     "risk score within auto-approve threshold",
			DecisionMaker: models.SystemActor,
			DecidedAt:     now,
		}); err != nil {
			return err
		}
		return s.events.Emit(ctx, audit.NewEvent(audit.EventCABAutoApproved, req.CorrelationID, models.SystemActor,
			resourceType, req.ID.String(), audit.StatusSuccess, map[string]any{
				"risk_score": req.RiskScore,
				"threshold":  model.Threshold(req.BlastRadiusClass),
			}))
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveRoute(string(req.Status), string(req.BlastRadiusClass))
	if req.Status == models.CABStatusAutoApproved {
		s.metrics.ObserveDecision(string(models.DecisionAutoApproved), string(req.BlastRadiusClass))
	}
	s.log.InfoContext(ctx, "cab request submitted",
		"request_id", req.ID,
		"correlation_id", req.CorrelationID,
		"status", req.Status,
		"risk_score", req.RiskScore,
		"blast_radius", req.BlastRadiusClass,
	)
	return req, nil
}

// Approve records actorID's vote. Once the tier's quorum of distinct
// approvers is reached the request becomes approved, or conditional if any
// vote carried conditions.
func (s *Service) Approve(ctx context.Context, actorID string, requestID uuid.UUID, rationale string, conditions []string) (req *models.CABApprovalRequest, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "cab", "approve", "")
	defer func() { span.Finish(err) }()

	if err := s.authorizeVote(ctx, actorID, rationale); err != nil {
		return nil, err
	}
	conditions = cleanConditions(conditions)

	var decided bool
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		req, err = s.reviewable(ctx, tx, actorID, requestID)
		if err != nil {
			return err
		}

		now := s.now()
		if err := tx.InsertCABVote(ctx, &models.CABVote{
			ID:         uuid.New(),
			RequestID:  req.ID,
			ApproverID: actorID,
			Rationale:  rationale,
			Conditions: conditions,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		if err := s.events.Emit(ctx, audit.NewEvent(audit.EventCABVoteRecorded, req.CorrelationID, actorID,
			resourceType, req.ID.String(), audit.StatusSuccess, map[string]any{
				"rationale":  rationale,
				"conditions": conditions,
			})); err != nil {
			return err
		}

		votes, err := tx.ListCABVotes(ctx, req.ID)
		if err != nil {
			return err
		}
		class, _ := models.ClassFor(req.BlastRadiusClass)
		approvers, merged := tally(votes)
		if len(approvers) < class.CABQuorum {
			return nil
		}

		decision := &models.CABApprovalDecision{
			DecisionType:  models.DecisionApproved,
			Rationale:     rationale,
			Conditions:    merged,
			DecisionMaker: actorID,
			Approvers:     approvers,
			DecidedAt:     now,
		}
		if len(merged) > 0 {
			decision.DecisionType = models.DecisionConditional
		}
		decided = true
		return RecordDecision(ctx, tx, s.events, req, decision)
	})
	if err != nil {
		return nil, err
	}

	if decided {
		s.metrics.ObserveDecision(string(req.Status), string(req.BlastRadiusClass))
	}
	s.log.InfoContext(ctx, "cab vote recorded",
		"request_id", req.ID,
		"approver", actorID,
		"status", req.Status,
	)
	return req, nil
}

// Reject ends an under-review request. A single rejection is final.
func (s *Service) Reject(ctx context.Context, actorID string, requestID uuid.UUID, rationale string) (req *models.CABApprovalRequest, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "cab", "reject", "")
	defer func() { span.Finish(err) }()

	if err := s.authorizeVote(ctx, actorID, rationale); err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		req, err = s.reviewable(ctx, tx, actorID, requestID)
		if err != nil {
			return err
		}
		return RecordDecision(ctx, tx, s.events, req, &models.CABApprovalDecision{
			DecisionType:  models.DecisionRejected,
			Rationale:     rationale,
			DecisionMaker: actorID,
			Approvers:     []string{actorID},
			DecidedAt:     s.now(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveDecision(string(models.DecisionRejected), string(req.BlastRadiusClass))
	s.log.InfoContext(ctx, "cab request rejected", "request_id", req.ID, "approver", actorID)
	return req, nil
}

// Get returns a request.
func (s *Service) Get(ctx context.Context, requestID uuid.UUID) (*models.CABApprovalRequest, error) {
	return s.store.GetCABRequest(ctx, requestID)
}

// Decision returns the terminal decision of a request.
func (s *Service) Decision(ctx context.Context, requestID uuid.UUID) (*models.CABApprovalDecision, error) {
	return s.store.GetCABDecision(ctx, requestID)
}

// Votes returns the votes cast on a request.
func (s *Service) Votes(ctx context.Context, requestID uuid.UUID) ([]models.CABVote, error) {
	return s.store.ListCABVotes(ctx, requestID)
}

// CheckClearance reports whether a request may be deployed now. A
// conditional outcome backed by an exception clears only while that
// exception is active.
func (s *Service) CheckClearance(ctx context.Context, requestID uuid.UUID) (*models.Clearance, error) {
	req, err := s.store.GetCABRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	c := &models.Clearance{RequestID: req.ID, Status: req.Status, CheckedAt: now}
	if !req.Status.PermitsDeployment() {
		c.Reason = "request status " + string(req.Status) + " does not permit deployment"
		return c, nil
	}

	decision, err := s.store.GetCABDecision(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if decision.ExceptionID == nil {
		c.Allowed = true
		c.Reason = "decision " + string(decision.DecisionType)
		return c, nil
	}

	exc, err := s.store.GetException(ctx, *decision.ExceptionID)
	if err != nil {
		return nil, err
	}
	c.ExceptionID = &exc.ID
	if !exc.IsActive(now) {
		c.Reason = "exception " + exc.ID.String() + " is not active"
		return c, nil
	}
	c.Allowed = true
	c.Reason = "exception " + exc.ID.String() + " active until " + exc.ExpiryDate.Format(time.RFC3339)
	return c, nil
}

func (s *Service) authorizeVote(ctx context.Context, actorID, rationale string) error {
	if err := rbac.Require(ctx, s.roles, actorID, rbac.CapabilityCABMember); err != nil {
		return err
	}
	if strings.TrimSpace(rationale) == "" {
		return apperrors.Validation("missing_rationale", "rationale", "rationale is required")
	}
	return nil
}

// reviewable loads a request that actorID may vote on.
func (s *Service) reviewable(ctx context.Context, tx store.Tx, actorID string, requestID uuid.UUID) (*models.CABApprovalRequest, error) {
	req, err := tx.GetCABRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.CABStatusUnderReview {
		return nil, apperrors.Conflict(resourceType, "request %s is %s, not under review", req.ID, req.Status)
	}
	if req.SubmittedBy == actorID {
		return nil, apperrors.Unauthorized(actorID, string(rbac.CapabilityCABMember), "submitter cannot review their own request")
	}
	return req, nil
}

// RecordDecision moves req to the terminal status matching d and writes
// the write-once decision record, both through tx. It fills the snapshot
// fields of d from req.
func RecordDecision(ctx context.Context, tx store.Tx, events audit.Sink, req *models.CABApprovalRequest, d *models.CABApprovalDecision) error {
	from := req.Status
	to := statusFor(d.DecisionType)
	if !models.CanTransition(from, to) {
		return apperrors.Conflict(resourceType, "request %s cannot move from %s to %s", req.ID, from, to)
	}

	reviewedAt := d.DecidedAt
	req.Status = to
	req.Approver = d.DecisionMaker
	req.Rationale = d.Rationale
	req.Conditions = d.Conditions
	req.ReviewedAt = &reviewedAt
	req.UpdatedAt = d.DecidedAt
	if err := tx.UpdateCABRequestStatus(ctx, req, from); err != nil {
		return err
	}

	d.ID = uuid.New()
	d.RequestID = req.ID
	d.CorrelationID = req.CorrelationID
	d.RiskScore = req.RiskScore
	d.RiskModelVersion = req.RiskModelVersion
	d.BlastRadiusClass = req.BlastRadiusClass
	if err := tx.InsertCABDecision(ctx, d); err != nil {
		return err
	}

	data := map[string]any{
		"decision_type":      string(d.DecisionType),
		"previous_status":    string(from),
		"rationale":          d.Rationale,
		"conditions":         d.Conditions,
		"approvers":          d.Approvers,
		"risk_score":         d.RiskScore,
		"risk_model_version": d.RiskModelVersion,
	}
	if d.ExceptionID != nil {
		data["exception_id"] = d.ExceptionID.String()
	}
	return events.Emit(ctx, audit.NewEvent(audit.EventCABDecisionRecorded, req.CorrelationID, d.DecisionMaker,
		resourceType, req.ID.String(), audit.StatusSuccess, data))
}

// Reviewers returns every actor who voted on or decided a request with
// the given correlation ID.
func Reviewers(ctx context.Context, tx store.Tx, correlationID string) (map[string]bool, error) {
	reqs, err := tx.ListCABRequestsByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, r := range reqs {
		votes, err := tx.ListCABVotes(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		for _, v := range votes {
			out[v.ApproverID] = true
		}
		if r.Approver != "" && r.Approver != models.SystemActor {
			out[r.Approver] = true
		}
	}
	return out, nil
}

func statusFor(d models.DecisionType) models.CABStatus {
	switch d {
	case models.DecisionAutoApproved:
		return models.CABStatusAutoApproved
	case models.DecisionApproved:
		return models.CABStatusApproved
	case models.DecisionConditional:
		return models.CABStatusConditional
	default:
		return models.CABStatusRejected
	}
}

// tally returns the distinct approvers in vote order and the union of their
// conditions, de-duplicated and sorted.
func tally(votes []models.CABVote) ([]string, []string) {
	seen := make(map[string]bool)
	var approvers []string
	conds := make(map[string]bool)
	for _, v := range votes {
		if !seen[v.ApproverID] {
			seen[v.ApproverID] = true
			approvers = append(approvers, v.ApproverID)
		}
		for _, c := range v.Conditions {
			conds[c] = true
		}
	}
	var merged []string
	for c := range conds {
		merged = append(merged, c)
	}
	sort.Strings(merged)
	return approvers, merged
}

func cleanConditions(in []string) []string {
	var out []string
	for _, c := range in {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
