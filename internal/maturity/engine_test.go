package maturity

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-cgov/internal/riskmodel"
	"github.com/quantumlayerhq/ql-cgov/internal/store/memory"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/audit"
	"github.com/quantumlayerhq/ql-cgov/pkg/logger"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
	"github.com/quantumlayerhq/ql-cgov/pkg/rbac"
)

type fixture struct {
	engine   *Engine
	registry *riskmodel.Registry
	store    *memory.Store
	events   *audit.MemorySink
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := memory.New()
	events := audit.NewMemorySink()
	log := logger.New("error", "text")
	roles := rbac.NewStaticProvider().
		Grant("cab", rbac.CapabilityCABMember).
		Grant("ops", rbac.CapabilityAdmin)

	f := &fixture{store: s, events: events, now: fixedNow.Add(-5 * week)}
	clock := func() time.Time { return f.now }
	f.registry = riskmodel.NewRegistry(s, roles, events, log).WithClock(clock)
	require.NoError(t, f.registry.Bootstrap(ctx, riskmodel.DefaultDefinition()))
	f.engine = NewEngine(s, roles, events, nil, log).WithClock(clock)

	// Level 0 starts five weeks before fixedNow.
	state, err := f.engine.State(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, state.Level)
	f.now = fixedNow
	return f
}

func (f *fixture) deployments(t *testing.T, n int, decision models.DecisionType) {
	t.Helper()
	for i := range n {
		require.NoError(t, f.store.InsertCABDecision(context.Background(), &models.CABApprovalDecision{
			ID:           uuid.New(),
			RequestID:    uuid.New(),
			DecisionType: decision,
			DecidedAt:    fixedNow.Add(-time.Duration(i+1) * time.Hour),
		}))
	}
}

func (f *fixture) incident(t *testing.T, s models.Severity) {
	t.Helper()
	require.NoError(t, f.store.InsertIncident(context.Background(), &models.DeploymentIncident{
		ID:         uuid.New(),
		Severity:   s,
		DetectedAt: fixedNow.Add(-time.Hour),
		CreatedAt:  fixedNow,
	}))
}

func TestEvaluateCurrentCountsWindow(t *testing.T) {
	f := newFixture(t)
	f.deployments(t, 40, models.DecisionAutoApproved)
	f.deployments(t, 5, models.DecisionRejected)
	f.incident(t, models.SeverityP3)

	p, err := f.engine.EvaluateCurrent(context.Background(), 4*week)
	require.NoError(t, err)
	assert.Equal(t, 40, p.Deployments)
	assert.Equal(t, 1, p.Incidents)
	assert.InDelta(t, 0.025, p.IncidentRate, 1e-9)
	assert.True(t, p.ReadyToProgress)
	assert.False(t, p.CABApproved)

	// Recommending changes nothing.
	active, err := f.registry.Active(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", active.Version)

	history, err := f.engine.History(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, p.ID, history[0].ID)
	assert.Len(t, f.events.ByType(audit.EventMaturityEvaluated), 1)
}

func TestEvaluateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := models.Window{Start: fixedNow.Add(-week), End: fixedNow}

	_, err := f.engine.Evaluate(ctx, 7, fixedNow, w)
	assert.True(t, apperrors.IsValidation(err))
	_, err = f.engine.Evaluate(ctx, 0, fixedNow, models.Window{Start: fixedNow, End: fixedNow})
	assert.True(t, apperrors.IsValidation(err))
	_, err = f.engine.EvaluateCurrent(ctx, 0)
	assert.True(t, apperrors.IsValidation(err))
}

func TestApproveProgressionPublishesLevelModel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deployments(t, 50, models.DecisionApproved)

	p, err := f.engine.EvaluateCurrent(ctx, 4*week)
	require.NoError(t, err)
	require.True(t, p.ReadyToProgress)

	a, err := f.engine.ApproveProgression(ctx, "cab", p.ID, "four clean weeks")
	require.NoError(t, err)
	assert.Equal(t, 0, a.FromLevel)
	assert.Equal(t, 1, a.ToLevel)
	assert.Equal(t, "1.1.0", a.RiskModelVersion)

	active, err := f.registry.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", active.Version)
	assert.Equal(t, models.ModeCautious, active.Mode)
	assert.Equal(t, riskmodel.ThresholdsFor(models.ModeCautious), active.AutoApproveThresholds)
	assert.True(t, active.ApprovedByCAB)
	assert.Equal(t, "cab", active.ApprovedBy)
	assert.Equal(t, p.ID.String(), active.CalibrationData["progress_id"])
	assert.InDelta(t, 1.0, active.WeightSum(), 1e-9)

	state, err := f.engine.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Level)
	assert.Equal(t, fixedNow, state.Since)

	stored, err := f.store.GetMaturityProgress(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, stored.CABApproved)

	_, err = f.engine.ApproveProgression(ctx, "cab", p.ID, "again")
	assert.True(t, apperrors.IsConflict(err))
	assert.Len(t, f.events.ByType(audit.EventMaturityProgressionApproved), 1)

	// Level 1 has just started, so the next evaluation is not ready.
	next, err := f.engine.EvaluateCurrent(ctx, 4*week)
	require.NoError(t, err)
	assert.False(t, next.ReadyToProgress)
	assert.Equal(t, 1, next.CurrentLevel)
}

func TestApproveProgressionGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	notReady, err := f.engine.EvaluateCurrent(ctx, 4*week)
	require.NoError(t, err)
	require.False(t, notReady.ReadyToProgress)

	f.deployments(t, 10, models.DecisionAutoApproved)
	first, err := f.engine.EvaluateCurrent(ctx, 4*week)
	require.NoError(t, err)
	second, err := f.engine.EvaluateCurrent(ctx, 4*week)
	require.NoError(t, err)

	tests := []struct {
		name     string
		actor    string
		progress uuid.UUID
		reason   string
		check    func(error) bool
	}{
		{"not a cab member", "ops", first.ID, "ok", apperrors.IsUnauthorized},
		{"no rationale", "cab", first.ID, "", apperrors.IsValidation},
		{"not ready", "cab", notReady.ID, "ok", apperrors.IsValidation},
		{"unknown progress", "cab", uuid.New(), "ok", apperrors.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.ApproveProgression(ctx, tt.actor, tt.progress, tt.reason)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}

	_, err = f.engine.ApproveProgression(ctx, "cab", first.ID, "ok")
	require.NoError(t, err)

	// second was evaluated at level 0, which is no longer current.
	_, err = f.engine.ApproveProgression(ctx, "cab", second.ID, "ok")
	assert.True(t, apperrors.IsConflict(err))
}

func TestApproveProgressionRollsBackWhenAuditFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deployments(t, 10, models.DecisionAutoApproved)
	p, err := f.engine.EvaluateCurrent(ctx, 4*week)
	require.NoError(t, err)

	f.events.FailWith(errors.New("sink down"))
	_, err = f.engine.ApproveProgression(ctx, "cab", p.ID, "ok")
	require.Error(t, err)

	active, err := f.registry.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", active.Version)
	state, err := f.store.GetMaturityState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Level)
}

func TestProgressionThroughEveryLevel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for level := 0; level < models.MaxMaturityLevel; level++ {
		next, _ := Level(level + 1)
		f.now = f.now.Add(time.Duration(next.WeeksRequired) * week)
		require.NoError(t, f.store.InsertCABDecision(ctx, &models.CABApprovalDecision{
			ID: uuid.New(), RequestID: uuid.New(), DecisionType: models.DecisionAutoApproved,
			DecidedAt: f.now.Add(-time.Hour),
		}))

		p, err := f.engine.EvaluateCurrent(ctx, week)
		require.NoError(t, err)
		require.True(t, p.ReadyToProgress, "level %d: %+v", level, p.Criteria)
		a, err := f.engine.ApproveProgression(ctx, "cab", p.ID, fmt.Sprintf("level %d", level+1))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("1.%d.0", level+1), a.RiskModelVersion)
	}

	p, err := f.engine.EvaluateCurrent(ctx, week)
	require.NoError(t, err)
	assert.False(t, p.ReadyToProgress)
	assert.Nil(t, p.CandidateLevel)

	active, err := f.registry.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModeOptimized, active.Mode)
}
