package maturity

import (
	"fmt"
	"time"

	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

const week = 7 * 24 * time.Hour

// Observation is what happened at the current level during one window.
type Observation struct {
	CurrentLevel int
	LevelSince   time.Time
	Window       models.Window
	Deployments  int
	Incidents    []models.DeploymentIncident
	Now          time.Time
}

// Assess checks every criterion for current+1. Progress is ready only when
// all of them pass. A window without deployments never passes, and the
// last level has no successor.
func Assess(o Observation) models.TrustMaturityProgress {
	p := models.TrustMaturityProgress{
		EvaluatedAt:  o.Now,
		CurrentLevel: o.CurrentLevel,
		LevelSince:   o.LevelSince,
		Window:       o.Window,
		Deployments:  o.Deployments,
		Incidents:    len(o.Incidents),
	}
	for _, inc := range o.Incidents {
		switch inc.Severity {
		case models.SeverityP1:
			p.P1Incidents++
		case models.SeverityP2:
			p.P2Incidents++
		}
	}
	if o.Deployments > 0 {
		p.IncidentRate = float64(p.Incidents) / float64(o.Deployments)
	}

	target, ok := Level(o.CurrentLevel + 1)
	if !ok {
		p.Criteria = []models.CriterionResult{{
			Name:     models.CriterionTerminalLevel,
			Observed: float64(o.CurrentLevel),
			Required: float64(models.MaxMaturityLevel),
			Detail:   fmt.Sprintf("level %d has no successor", o.CurrentLevel),
		}}
		return p
	}
	candidate := target.Level
	p.CandidateLevel = &candidate

	weeks := o.Now.Sub(o.LevelSince).Hours() / week.Hours()
	p.Criteria = []models.CriterionResult{
		{
			Name:     models.CriterionTimeAtLevel,
			Passed:   weeks >= float64(target.WeeksRequired),
			Observed: weeks,
			Required: float64(target.WeeksRequired),
		},
		{
			Name:     models.CriterionDeployments,
			Passed:   o.Deployments > 0,
			Observed: float64(o.Deployments),
			Required: 1,
			Detail:   "at least one deployment in the window",
		},
		{
			Name:     models.CriterionIncidentRate,
			Passed:   o.Deployments > 0 && p.IncidentRate <= target.MaxIncidentRate,
			Observed: p.IncidentRate,
			Required: target.MaxIncidentRate,
		},
		{
			Name:     models.CriterionP1Incidents,
			Passed:   p.P1Incidents <= target.MaxP1Incidents,
			Observed: float64(p.P1Incidents),
			Required: float64(target.MaxP1Incidents),
		},
		{
			Name:     models.CriterionP2Incidents,
			Passed:   p.P2Incidents <= target.MaxP2Incidents,
			Observed: float64(p.P2Incidents),
			Required: float64(target.MaxP2Incidents),
		},
	}

	p.ReadyToProgress = true
	for _, c := range p.Criteria {
		if !c.Passed {
			p.ReadyToProgress = false
		}
	}
	return p
}
