package maturity

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

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

const resourceType = "maturity_progress"

// Engine records evaluations and applies approved progressions. It only
// recommends; nothing activates without ApproveProgression.
type Engine struct {
	store   store.Store
	roles   rbac.Provider
	events  audit.Sink
	metrics *metrics.Metrics
	log     *logger.Logger
	now     func() time.Time
}

// NewEngine creates a maturity engine.
func NewEngine(s store.Store, roles rbac.Provider, events audit.Sink, m *metrics.Metrics, log *logger.Logger) *Engine {
	return &Engine{
		store:   s,
		roles:   roles,
		events:  events,
		metrics: m,
		log:     log.WithComponent("maturity"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// State returns the current level. An organisation that was never
// evaluated starts at level 0 now; the state is written on first read.
func (e *Engine) State(ctx context.Context) (*models.MaturityState, error) {
	var state *models.MaturityState
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		state, err = stateIn(ctx, tx, e.now())
		return err
	})
	return state, err
}

func stateIn(ctx context.Context, tx store.Tx, now time.Time) (*models.MaturityState, error) {
	state, err := tx.GetMaturityState(ctx)
	if err == nil {
		return state, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}
	state = &models.MaturityState{Level: 0, Since: now, UpdatedAt: now}
	if err := tx.SetMaturityState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Evaluate assesses progression from current, held since the given time,
// using the deployments and incidents recorded in w. The result is stored.
func (e *Engine) Evaluate(ctx context.Context, current int, since time.Time, w models.Window) (p *models.TrustMaturityProgress, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "maturity", "evaluate", "")
	defer func() { span.Finish(err) }()

	if _, ok := Level(current); !ok {
		return nil, apperrors.Validation("invalid_level", "current_level", "level %d is outside 0-%d", current, models.MaxMaturityLevel)
	}
	if !w.End.After(w.Start) {
		return nil, apperrors.Validation("invalid_window", "window", "window end must be after its start")
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		p, err = e.evaluateIn(ctx, tx, current, since, w)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.observe(ctx, p)
	return p, nil
}

// EvaluateCurrent evaluates the stored level over the trailing window
// ending now.
func (e *Engine) EvaluateCurrent(ctx context.Context, window time.Duration) (p *models.TrustMaturityProgress, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "maturity", "evaluate_current", "")
	defer func() { span.Finish(err) }()

	if window <= 0 {
		return nil, apperrors.Validation("invalid_window", "window", "window must be positive")
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		now := e.now()
		state, err := stateIn(ctx, tx, now)
		if err != nil {
			return err
		}
		p, err = e.evaluateIn(ctx, tx, state.Level, state.Since, models.Window{Start: now.Add(-window), End: now})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.observe(ctx, p)
	return p, nil
}

func (e *Engine) evaluateIn(ctx context.Context, tx store.Tx, current int, since time.Time, w models.Window) (*models.TrustMaturityProgress, error) {
	decisions, err := tx.ListCABDecisions(ctx, w.Start, w.End)
	if err != nil {
		return nil, err
	}
	incidents, err := tx.ListIncidents(ctx, w)
	if err != nil {
		return nil, err
	}

	p := Assess(Observation{
		CurrentLevel: current,
		LevelSince:   since,
		Window:       w,
		Deployments:  countDeployments(decisions),
		Incidents:    incidents,
		Now:          e.now(),
	})
	p.ID = uuid.New()
	if err := tx.InsertMaturityProgress(ctx, &p); err != nil {
		return nil, err
	}

	data := map[string]any{
		"current_level":     p.CurrentLevel,
		"ready_to_progress": p.ReadyToProgress,
		"deployments":       p.Deployments,
		"incidents":         p.Incidents,
		"incident_rate":     p.IncidentRate,
		"failed_criteria":   failed(p.Criteria),
	}
	if p.CandidateLevel != nil {
		data["candidate_level"] = *p.CandidateLevel
	}
	if err := e.events.Emit(ctx, audit.NewEvent(audit.EventMaturityEvaluated, "", models.SystemActor,
		resourceType, p.ID.String(), audit.StatusSuccess, data)); err != nil {
		return nil, err
	}
	return &p, nil
}

// ApproveProgression is the CAB step that moves the organisation to the
// candidate level of a ready evaluation. In one transaction it publishes
// and activates the level's risk model, records the approval and advances
// the state.
func (e *Engine) ApproveProgression(ctx context.Context, actorID string, progressID uuid.UUID, rationale string) (a *models.ProgressionApproval, err error) {
	ctx, span := telemetry.OperationSpan(ctx, "maturity", "approve_progression", "")
	defer func() { span.Finish(err) }()

	if err := rbac.Require(ctx, e.roles, actorID, rbac.CapabilityCABMember); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rationale) == "" {
		return nil, apperrors.Validation("missing_rationale", "rationale", "rationale is required")
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetMaturityProgress(ctx, progressID)
		if err != nil {
			return err
		}
		if p.CABApproved {
			return apperrors.Conflict(resourceType, "progress %s is already approved", p.ID)
		}
		if !p.ReadyToProgress || p.CandidateLevel == nil {
			return apperrors.Validation("not_ready", "progress_id", "progress %s is not ready to progress", p.ID)
		}

		now := e.now()
		state, err := stateIn(ctx, tx, now)
		if err != nil {
			return err
		}
		if state.Level != p.CurrentLevel {
			return apperrors.Conflict(resourceType, "progress %s was evaluated at level %d, current level is %d",
				p.ID, p.CurrentLevel, state.Level)
		}

		target, _ := Level(*p.CandidateLevel)
		v, err := nextModel(ctx, tx, target, p, actorID, now)
		if err != nil {
			return err
		}
		if err := riskmodel.Publish(ctx, tx, e.events, v, actorID, now); err != nil {
			return err
		}

		a = &models.ProgressionApproval{
			ID:               uuid.New(),
			ProgressID:       p.ID,
			FromLevel:        p.CurrentLevel,
			ToLevel:          target.Level,
			ApprovedBy:       actorID,
			Rationale:        rationale,
			RiskModelVersion: v.Version,
			ApprovedAt:       now,
		}
		if err := tx.InsertProgressionApproval(ctx, a); err != nil {
			return err
		}
		if err := tx.SetMaturityState(ctx, &models.MaturityState{Level: target.Level, Since: now, UpdatedAt: now}); err != nil {
			return err
		}
		return e.events.Emit(ctx, audit.NewEvent(audit.EventMaturityProgressionApproved, "", actorID,
			resourceType, p.ID.String(), audit.StatusSuccess, map[string]any{
				"from_level":         a.FromLevel,
				"to_level":           a.ToLevel,
				"risk_model_version": a.RiskModelVersion,
				"rationale":          rationale,
			}))
	})
	if err != nil {
		return nil, err
	}

	e.metrics.ObserveMaturity(strconv.Itoa(a.ToLevel), false)
	e.log.InfoContext(ctx, "maturity progression approved",
		"from_level", a.FromLevel,
		"to_level", a.ToLevel,
		"risk_model_version", a.RiskModelVersion,
		"approved_by", actorID,
	)
	return a, nil
}

// History returns the newest evaluations first.
func (e *Engine) History(ctx context.Context, limit int) ([]models.TrustMaturityProgress, error) {
	return e.store.ListMaturityProgress(ctx, limit)
}

// nextModel derives the target level's risk model from the active one:
// same factors and bands, the level's thresholds, and the evaluation as
// calibration data.
func nextModel(ctx context.Context, tx store.Tx, target models.TrustMaturityLevel, p *models.TrustMaturityProgress, actorID string, now time.Time) (*models.RiskModelVersion, error) {
	active, err := riskmodel.ActiveIn(ctx, tx)
	if err != nil {
		return nil, err
	}
	version, err := riskmodel.NextVersion(ctx, tx)
	if err != nil {
		return nil, err
	}

	factors := make([]models.RiskFactor, len(active.Factors))
	for i, f := range active.Factors {
		f.Rubric = slices.Clone(f.Rubric)
		factors[i] = f
	}

	return &models.RiskModelVersion{
		ID:                    uuid.New(),
		Version:               version,
		Mode:                  target.Mode,
		EffectiveDate:         now,
		AutoApproveThresholds: maps.Clone(target.AutoApproveThresholds),
		ManualReviewBands:     maps.Clone(active.ManualReviewBands),
		Factors:               factors,
		CalibrationData: map[string]any{
			"source":           "maturity_progression",
			"progress_id":      p.ID.String(),
			"from_level":       p.CurrentLevel,
			"to_level":         target.Level,
			"previous_version": active.Version,
			"window_start":     p.Window.Start.Format(time.RFC3339),
			"window_end":       p.Window.End.Format(time.RFC3339),
			"deployments":      p.Deployments,
			"incidents":        p.Incidents,
			"incident_rate":    p.IncidentRate,
			"p1_incidents":     p.P1Incidents,
			"p2_incidents":     p.P2Incidents,
		},
		CreatedBy: actorID,
		CreatedAt: now,
	}, nil
}

func (e *Engine) observe(ctx context.Context, p *models.TrustMaturityProgress) {
	e.metrics.ObserveMaturity(strconv.Itoa(p.CurrentLevel), p.ReadyToProgress)
	e.log.InfoContext(ctx, "maturity evaluated",
		"progress_id", p.ID,
		"current_level", p.CurrentLevel,
		"ready", p.ReadyToProgress,
		"deployments", p.Deployments,
		"incident_rate", p.IncidentRate,
		"failed", failed(p.Criteria),
	)
}

// countDeployments counts decisions that let a deployment proceed.
func countDeployments(decisions []models.CABApprovalDecision) int {
	n := 0
	for _, d := range decisions {
		switch d.DecisionType {
		case models.DecisionAutoApproved, models.DecisionApproved, models.DecisionConditional:
			n++
		}
	}
	return n
}

func failed(criteria []models.CriterionResult) []string {
	var out []string
	for _, c := range criteria {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}
