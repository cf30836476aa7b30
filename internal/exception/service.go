// Package exception implements time-boxed overrides for requests the risk
// score routed past manual review.
package exception

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantumlayerhq/ql-cgov/internal/cab"
	"github.com/quantumlayerhq/ql-cgov/internal/store"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/audit"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/metrics"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
	"github.com/quantumlayerhq/ql-cgov/pkg/rbac"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

const resourceType = "cab_exception"

// CreateRequest asks for an exception on an exception_required request.
type CreateRequest struct {
	RequestID            uuid.UUID `json:"request_id"`
	RiskJustification    string    `json:"risk_justification"`
	CompensatingControls []string  `json:"compensating_controls"`
	ExpiryDate           time.Time `json:"expiry_date"`
	RequestedBy          string    `json:"-"`
}

// Service manages the exception lifecycle.
type Service struct {
	store   store.Store
	roles   rbac.Provider
	events  audit.Sink
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// NewService creates an exception service.
func NewService(s store.Store, roles rbac.Provider, events audit.Sink, m *metrics.Metrics, log *logger.Logger) *Service {
	return &Service{
		store:   s,
		roles:   roles,
		events:  events,
		metrics: m,
		log:     log.WithComponent("exception"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ValidateExpiry checks that expiry falls within one to ninety days of now,
// both ends inclusive. Out of range dates are rejected, never clamped.
func ValidateExpiry(expiry, now time.Time) error {
	earliest := now.Add(models.MinExceptionDuration)
	latest := now.Add(models.MaxExceptionDuration)
	if expiry.Before(earliest) {
		return apperrors.Validation("expiry_too_soon", "expiry_date",
			"expiry %s is before the minimum of %s", expiry.Format(time.RFC3339), earliest.Format(time.RFC3339))
	}
	if expiry.After(latest) {
		return apperrors.Validation("expiry_too_late", "expiry_date",
			"expiry %s is after the maximum of %s", expiry.Format(time.RFC3339), latest.Format(time.RFC3339))
	}
	return nil
}

// Create opens a pending exception.
func (s *Service) Create(ctx context.Context, in CreateRequest) (exc *models.CABException, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "exception", "create", "")
	defer func() { span.Finish(err) }()

	if in.RequestedBy == "" {
		return nil, apperrors.Validation("missing_actor", "requested_by", "requester is required")
	}
	justification := strings.TrimSpace(in.RiskJustification)
	if justification == "" {
		return nil, apperrors.Validation("missing_justification", "risk_justification", "risk justification is required")
	}
	controls := clean(in.CompensatingControls)
	if len(controls) == 0 {
		return nil, apperrors.Validation("missing_controls", "compensating_controls", "at least one compensating control is required")
	}
	now := s.now()
	if err := ValidateExpiry(in.ExpiryDate, now); err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		req, err := tx.GetCABRequest(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if req.Status != models.CABStatusExceptionRequired {
			return apperrors.Conflict(resourceType, "request %s is %s, not exception_required", req.ID, req.Status)
		}

		exc = &models.CABException{
			ID:                   uuid.New(),
			RequestID:            req.ID,
			CorrelationID:        req.CorrelationID,
			RiskJustification:    justification,
			CompensatingControls: controls,
			ExpiryDate:           in.ExpiryDate.UTC(),
			Status:               models.ExceptionPending,
			RequestedBy:          in.RequestedBy,
			Version:              1,
			CreatedAt:            now,
		}
		if err := tx.InsertException(ctx, exc); err != nil {
			return err
		}
		return s.events.Emit(ctx, audit.NewEvent(audit.EventExceptionCreated, exc.CorrelationID, in.RequestedBy,
			resourceType, exc.ID.String(), audit.StatusSuccess, map[string]any{
				"request_id":            req.ID.String(),
				"expiry_date":           exc.ExpiryDate.Format(time.RFC3339),
				"compensating_controls": controls,
			}))
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveExceptionCreated()
	s.log.InfoContext(ctx, "exception requested",
		"exception_id", exc.ID,
		"request_id", exc.RequestID,
		"expiry_date", exc.ExpiryDate,
	)
	return exc, nil
}

// Approve activates a pending exception and moves its request to
// conditional, with the compensating controls as the conditions.
func (s *Service) Approve(ctx context.Context, actorID string, exceptionID uuid.UUID, rationale string) (exc *models.CABException, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "exception", "approve", "")
	defer func() { span.Finish(err) }()

	var tier models.BlastRadiusTier
	err = s.review(ctx, actorID, exceptionID, rationale, func(tx store.Tx, e *models.CABException, req *models.CABApprovalRequest, now time.Time) error {
		if e.IsExpired(now) {
			return apperrors.Validation("exception_expired", "expiry_date", "exception %s expired at %s", e.ID, e.ExpiryDate.Format(time.RFC3339))
		}
		e.Status = models.ExceptionApproved
		if err := s.decide(ctx, tx, e, req, models.DecisionConditional, now); err != nil {
			return err
		}
		exc, tier = e, req.BlastRadiusClass
		return s.events.Emit(ctx, audit.NewEvent(audit.EventExceptionApproved, e.CorrelationID, actorID,
			resourceType, e.ID.String(), audit.StatusSuccess, map[string]any{
				"request_id":  req.ID.String(),
				"expiry_date": e.ExpiryDate.Format(time.RFC3339),
				"rationale":   rationale,
			}))
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveDecision(string(models.DecisionConditional), string(tier))
	s.log.InfoContext(ctx, "exception approved", "exception_id", exc.ID, "approver", actorID, "expiry_date", exc.ExpiryDate)
	return exc, nil
}

// Reject declines a pending exception. The owning request becomes rejected.
func (s *Service) Reject(ctx context.Context, actorID string, exceptionID uuid.UUID, rationale string) (exc *models.CABException, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "exception", "reject", "")
	defer func() { span.Finish(err) }()

	var tier models.BlastRadiusTier
	err = s.review(ctx, actorID, exceptionID, rationale, func(tx store.Tx, e *models.CABException, req *models.CABApprovalRequest, now time.Time) error {
		e.Status = models.ExceptionRejected
		if err := s.decide(ctx, tx, e, req, models.DecisionRejected, now); err != nil {
			return err
		}
		exc, tier = e, req.BlastRadiusClass
		return s.events.Emit(ctx, audit.NewEvent(audit.EventExceptionRejected, e.CorrelationID, actorID,
			resourceType, e.ID.String(), audit.StatusSuccess, map[string]any{
				"request_id": req.ID.String(),
				"rationale":  rationale,
			}))
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveDecision(string(models.DecisionRejected), string(tier))
	s.log.InfoContext(ctx, "exception rejected", "exception_id", exc.ID, "approver", actorID)
	return exc, nil
}

type reviewFunc func(tx store.Tx, e *models.CABException, req *models.CABApprovalRequest, now time.Time) error

// review loads a pending exception in a transaction and checks that actorID
// is a security reviewer independent of the request.
func (s *Service) review(ctx context.Context, actorID string, exceptionID uuid.UUID, rationale string, fn reviewFunc) error {
	if err := rbac.Require(ctx, s.roles, actorID, rbac.CapabilitySecurityReviewer); err != nil {
		return err
	}
	rationale = strings.TrimSpace(rationale)
	if rationale == "" {
		return apperrors.Validation("missing_rationale", "rationale", "rationale is required")
	}

	return s.store.WithTx(ctx, func(tx store.Tx) error {
		e, err := tx.GetException(ctx, exceptionID)
		if err != nil {
			return err
		}
		if e.Status != models.ExceptionPending {
			return apperrors.Conflict(resourceType, "exception %s is %s, not pending", e.ID, e.Status)
		}
		if e.RequestedBy == actorID {
			return apperrors.Unauthorized(actorID, string(rbac.CapabilitySecurityReviewer), "requester cannot review their own exception")
		}
		reviewers, err := cab.Reviewers(ctx, tx, e.CorrelationID)
		if err != nil {
			return err
		}
		if reviewers[actorID] {
			return apperrors.Unauthorized(actorID, string(rbac.CapabilitySecurityReviewer),
				"actor already reviewed correlation %s as a CAB approver", e.CorrelationID)
		}
		req, err := tx.GetCABRequest(ctx, e.RequestID)
		if err != nil {
			return err
		}

		now := s.now()
		e.ApprovedBy = actorID
		e.ReviewRationale = rationale
		e.ReviewedAt = &now
		return fn(tx, e, req, now)
	})
}

// decide persists the reviewed exception and writes the request decision.
func (s *Service) decide(ctx context.Context, tx store.Tx, e *models.CABException, req *models.CABApprovalRequest, decision models.DecisionType, now time.Time) error {
	if err := tx.UpdateException(ctx, e, e.Version); err != nil {
		return err
	}
	d := &models.CABApprovalDecision{
		DecisionType:  decision,
		Rationale:     e.ReviewRationale,
		DecisionMaker: e.ApprovedBy,
		Approvers:     []string{e.ApprovedBy},
		ExceptionID:   &e.ID,
		DecidedAt:     now,
	}
	if decision == models.DecisionConditional {
		d.Conditions = e.CompensatingControls
	}
	return cab.RecordDecision(ctx, tx, s.events, req, d)
}

// Sweep marks every approved exception past its expiry date as expired and
// returns how many it changed. Exceptions changed concurrently are skipped;
// running it again is a no-op.
func (s *Service) Sweep(ctx context.Context) (n int, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "exception", "sweep", "")
	defer func() { span.Finish(err) }()

	now := s.now()
	due, err := s.store.ListApprovedExceptionsExpiringBefore(ctx, now)
	if err != nil {
		return 0, err
	}

	for _, candidate := range due {
		var expired bool
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			e, err := tx.GetException(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if e.Status != models.ExceptionApproved || !e.IsExpired(now) {
				return nil
			}
			e.Status = models.ExceptionExpired
			e.ExpiredAt = &now
			if err := tx.UpdateException(ctx, e, candidate.Version); err != nil {
				return err
			}
			expired = true
			return s.events.Emit(ctx, audit.NewEvent(audit.EventExceptionExpired, e.CorrelationID, models.SystemActor,
				resourceType, e.ID.String(), audit.StatusSuccess, map[string]any{
					"request_id":  e.RequestID.String(),
					"expiry_date": e.ExpiryDate.Format(time.RFC3339),
				}))
		})
		switch {
		case err == nil:
			if expired {
				n++
			}
		case apperrors.IsConflict(err):
			s.log.DebugContext(ctx, "exception changed during sweep", "exception_id", candidate.ID)
		default:
			s.metrics.ObserveExpired(n)
			return n, err
		}
	}

	s.metrics.ObserveExpired(n)
	if n > 0 {
		s.log.InfoContext(ctx, "expired exceptions swept", "count", n)
	}
	return n, nil
}

// Get returns an exception.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.CABException, error) {
	return s.store.GetException(ctx, id)
}

// ForRequest returns the exception attached to a CAB request.
func (s *Service) ForRequest(ctx context.Context, requestID uuid.UUID) (*models.CABException, error) {
	return s.store.GetExceptionByRequest(ctx, requestID)
}

func clean(in []string) []string {
	var out []string
	for _, c := range in {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}
