// Package maturity evaluates whether sustained low-incident operation has
// earned the next trust level, and publishes that level's risk model once
// the CAB approves the progression.
package maturity

import (
	"github.com/quantumlayerhq/ql-cgov/internal/riskmodel"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

// levels is indexed by level number. The bars describe what has to hold
// at the previous level to enter this one.
var levels = []models.TrustMaturityLevel{
	{Level: 0, Mode: models.ModeBaseline},
	{Level: 1, Mode: models.ModeCautious, WeeksRequired: 4, MaxIncidentRate: 0.05, MaxP1Incidents: 0, MaxP2Incidents: 2},
	{Level: 2, Mode: models.ModeModerate, WeeksRequired: 8, MaxIncidentRate: 0.03, MaxP1Incidents: 0, MaxP2Incidents: 1},
	{Level: 3, Mode: models.ModeMature, WeeksRequired: 12, MaxIncidentRate: 0.02, MaxP1Incidents: 0, MaxP2Incidents: 1},
	{Level: 4, Mode: models.ModeOptimized, WeeksRequired: 26, MaxIncidentRate: 0.01, MaxP1Incidents: 0, MaxP2Incidents: 0},
}

// Level returns the definition of level n, with the auto-approve
// thresholds of its mode filled in.
func Level(n int) (models.TrustMaturityLevel, bool) {
	if n < 0 || n >= len(levels) {
		return models.TrustMaturityLevel{}, false
	}
	l := levels[n]
	l.AutoApproveThresholds = riskmodel.ThresholdsFor(l.Mode)
	return l, true
}

// Levels returns every level in order.
func Levels() []models.TrustMaturityLevel {
	out := make([]models.TrustMaturityLevel, 0, len(levels))
	for i := range levels {
		l, _ := Level(i)
		out = append(out, l)
	}
	return out
}
