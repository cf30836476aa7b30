package riskmodel

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/quantumlayerhq/ql-cgov/internal/store"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/audit"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
	"github.com/quantumlayerhq/ql-cgov/pkg/rbac"
	"github.com/quantumlayerhq/ql-cgov/pkg/telemetry"
)

const resourceType = "risk_model_version"

// Registry manages the append-only sequence of risk model versions.
type Registry struct {
	store  store.Store
	roles  rbac.Provider
	events audit.Sink
	log    *logger.Logger
	now    func() time.Time
}

// NewRegistry creates a registry.
func NewRegistry(s store.Store, roles rbac.Provider, events audit.Sink, log *logger.Logger) *Registry {
	return &Registry{
		store:  s,
		roles:  roles,
		events: events,
		log:    log.WithComponent("riskmodel"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Active returns the active version. Without one, scoring cannot proceed.
func (r *Registry) Active(ctx context.Context) (*models.RiskModelVersion, error) {
	return ActiveIn(ctx, r.store)
}

// ActiveIn reads the active version through tx.
func ActiveIn(ctx context.Context, tx store.Tx) (*models.RiskModelVersion, error) {
	v, err := tx.GetActiveRiskModelVersion(ctx)
	if apperrors.IsNotFound(err) {
		return nil, apperrors.ErrNoActiveRiskModel
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Get returns a version by its version string.
func (r *Registry) Get(ctx context.Context, version string) (*models.RiskModelVersion, error) {
	return r.store.GetRiskModelVersion(ctx, version)
}

// List returns every version in creation order.
func (r *Registry) List(ctx context.Context) ([]models.RiskModelVersion, error) {
	return r.store.ListRiskModelVersions(ctx)
}

// Import stores a definition as a draft.
func (r *Registry) Import(ctx context.Context, actorID string, def *Definition) (*models.RiskModelVersion, error) {
	return r.CreateDraft(ctx, actorID, def.ToVersion(actorID, r.now()))
}

// CreateDraft stores draft as a new unapproved version. Its version must be
// a semantic version greater than every existing one. Weights are checked
// at activation, not here.
func (r *Registry) CreateDraft(ctx context.Context, actorID string, draft *models.RiskModelVersion) (*models.RiskModelVersion, error) {
	if err := rbac.Require(ctx, r.roles, actorID, rbac.CapabilityAdmin); err != nil {
		return nil, err
	}
	if !draft.Mode.IsValid() {
		return nil, apperrors.Validation("invalid_mode", "mode", "unknown mode %q", draft.Mode)
	}
	if len(draft.Factors) == 0 {
		return nil, apperrors.Validation("missing_factors", "factors", "at least one risk factor is required")
	}

	now := r.now()
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = now
	}
	if draft.EffectiveDate.IsZero() {
		draft.EffectiveDate = now
	}
	draft.CreatedBy = actorID
	draft.IsActive = false
	draft.ApprovedByCAB = false
	draft.ApprovedBy = ""
	draft.ApprovedAt = nil
	draft.ActivatedAt = nil

	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		if err := checkMonotonic(ctx, tx, draft.Version); err != nil {
			return err
		}
		return tx.InsertRiskModelVersion(ctx, draft)
	})
	if err != nil {
		return nil, err
	}

	r.log.Info("risk model draft created", "version", draft.Version, "mode", draft.Mode, "actor", actorID)
	return draft, nil
}

// Approve records the CAB approval a version needs before activation.
func (r *Registry) Approve(ctx context.Context, actorID, version string) error {
	if err := rbac.Require(ctx, r.roles, actorID, rbac.CapabilityCABMember); err != nil {
		return err
	}

	now := r.now()
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.MarkRiskModelApproved(ctx, version, actorID, now); err != nil {
			return err
		}
		return r.events.Emit(ctx, audit.NewEvent(audit.EventRiskModelApproved, "", actorID,
			resourceType, version, audit.StatusSuccess, nil))
	})
	if err != nil {
		return err
	}

	r.log.Info("risk model approved", "version", version, "actor", actorID)
	return nil
}

// Activate makes version the single active version. The previous version
// is deactivated in the same transaction; on any failure it stays active.
func (r *Registry) Activate(ctx context.Context, actorID, version string) (err error) {
	ctx, span := telemetry.OperationSpan(ctx, "riskmodel", "activate", "")
	defer func() { span.Finish(err) }()

	if err := rbac.Require(ctx, r.roles, actorID, rbac.CapabilityAdmin); err != nil {
		return err
	}

	now := r.now()
	var previous string
	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		v, err := tx.GetRiskModelVersion(ctx, version)
		if err != nil {
			return err
		}
		if v.ActivatedAt != nil {
			return apperrors.Conflict(resourceType, "version %s was already activated; publish a new version instead", version)
		}
		if !v.ApprovedByCAB {
			return apperrors.Validation("not_cab_approved", "approved_by_cab", "version %s has not been approved by the CAB", version)
		}
		if err := v.Validate(); err != nil {
			return &apperrors.InvalidRiskModelError{Version: version, Reason: err.Error()}
		}

		if cur, err := tx.GetActiveRiskModelVersion(ctx); err == nil {
			previous = cur.Version
		}
		if err := tx.SetActiveRiskModelVersion(ctx, version, now); err != nil {
			return err
		}
		return r.events.Emit(ctx, audit.NewEvent(audit.EventRiskModelActivated, "", actorID,
			resourceType, version, audit.StatusSuccess, map[string]any{"previous_version": previous}))
	})
	if err != nil {
		r.log.Warn("risk model activation refused", "version", version, "error", err)
		return err
	}

	r.log.Info("risk model activated", "version", version, "previous", previous, "actor", actorID)
	return nil
}

// Bootstrap activates def when no version is active yet. It is a no-op
// otherwise.
func (r *Registry) Bootstrap(ctx context.Context, def *Definition) error {
	if _, err := r.Active(ctx); err == nil {
		return nil
	} else if !apperrors.IsFatal(err) {
		return err
	}

	now := r.now()
	v := def.ToVersion(models.SystemActor, now)
	err := r.store.WithTx(ctx, func(tx store.Tx) error {
		return Publish(ctx, tx, r.events, v, models.SystemActor, now)
	})
	if err != nil {
		return fmt.Errorf("failed to bootstrap risk model %s: %w", def.Version, err)
	}

	r.log.Info("risk model bootstrapped", "version", v.Version, "mode", v.Mode)
	return nil
}

// Publish inserts v already approved by approvedBy and activates it, all
// inside tx. It is used where the approval happened elsewhere, such as a
// maturity progression.
func Publish(ctx context.Context, tx store.Tx, events audit.Sink, v *models.RiskModelVersion, approvedBy string, at time.Time) error {
	if err := v.Validate(); err != nil {
		return &apperrors.InvalidRiskModelError{Version: v.Version, Reason: err.Error()}
	}
	if err := checkMonotonic(ctx, tx, v.Version); err != nil {
		return err
	}

	var previous string
	if cur, err := tx.GetActiveRiskModelVersion(ctx); err == nil {
		previous = cur.Version
	}

	if err := tx.InsertRiskModelVersion(ctx, v); err != nil {
		return err
	}
	if err := tx.MarkRiskModelApproved(ctx, v.Version, approvedBy, at); err != nil {
		return err
	}
	if err := tx.SetActiveRiskModelVersion(ctx, v.Version, at); err != nil {
		return err
	}

	v.ApprovedByCAB = true
	v.ApprovedBy = approvedBy
	v.ApprovedAt = &at
	v.IsActive = true
	v.ActivatedAt = &at

	return events.Emit(ctx, audit.NewEvent(audit.EventRiskModelActivated, "", approvedBy,
		resourceType, v.Version, audit.StatusSuccess, map[string]any{"previous_version": previous}))
}

// checkMonotonic requires version to be greater than every stored version.
func checkMonotonic(ctx context.Context, tx store.Tx, version string) error {
	next, err := semver.StrictNewVersion(version)
	if err != nil {
		return apperrors.Validation("invalid_version", "version", "%q is not a semantic version", version)
	}

	existing, err := tx.ListRiskModelVersions(ctx)
	if err != nil {
		return err
	}
	for _, e := range existing {
		prev, err := semver.NewVersion(e.Version)
		if err != nil {
			continue
		}
		if !next.GreaterThan(prev) {
			return apperrors.Validation("version_not_monotonic", "version",
				"version %s must be greater than existing version %s", version, e.Version)
		}
	}
	return nil
}

// NextVersion returns the next minor version after the greatest version
// stored, drafts included.
func NextVersion(ctx context.Context, tx store.Tx) (string, error) {
	existing, err := tx.ListRiskModelVersions(ctx)
	if err != nil {
		return "", err
	}
	var latest *semver.Version
	for _, e := range existing {
		v, err := semver.NewVersion(e.Version)
		if err != nil {
			continue
		}
		if latest == nil || v.GreaterThan(latest) {
			latest = v
		}
	}
	if latest == nil {
		return "1.0.0", nil
	}
	return latest.IncMinor().String(), nil
}
