package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxMaturityLevel has no successor.
const MaxMaturityLevel = 4

// TrustMaturityLevel defines the bar for entering a level and the risk
// model template applied once it is reached.
type TrustMaturityLevel struct {
	Level                      int                     `json:"level" yaml:"level"`
	Mode                       Mode                    `json:"mode" yaml:"mode"`
	WeeksRequired              int                     `json:"weeks_required" yaml:"weeks_required"`
	MaxIncidentRate            float64                 `json:"max_incident_rate" yaml:"max_incident_rate"`
	MaxP1Incidents             int                     `json:"max_p1_incidents" yaml:"max_p1_incidents"`
	MaxP2Incidents             int                     `json:"max_p2_incidents" yaml:"max_p2_incidents"`
	AutoApproveThresholds      map[BlastRadiusTier]int `json:"auto_approve_thresholds" yaml:"auto_approve_thresholds"`
	RiskModelVersionToActivate string                  `json:"risk_model_version_to_activate,omitempty" yaml:"-"`
}

// Criterion names.
const (
	CriterionTimeAtLevel   = "time_at_level"
	CriterionDeployments   = "deployment_evidence"
	CriterionIncidentRate  = "incident_rate"
	CriterionP1Incidents   = "p1_incidents"
	CriterionP2Incidents   = "p2_incidents"
	CriterionTerminalLevel = "terminal_level"
)

// CriterionResult is one pass/fail line of an evaluation.
type CriterionResult struct {
	Name     string  `json:"name"`
	Passed   bool    `json:"passed"`
	Observed float64 `json:"observed"`
	Required float64 `json:"required"`
	Detail   string  `json:"detail,omitempty"`
}

// Window bounds an evaluation period.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls in [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// TrustMaturityProgress is the append-only record of one evaluation.
type TrustMaturityProgress struct {
	ID              uuid.UUID         `json:"id"`
	EvaluatedAt     time.Time         `json:"evaluated_at"`
	CurrentLevel    int               `json:"current_level"`
	CandidateLevel  *int              `json:"candidate_level,omitempty"`
	LevelSince      time.Time         `json:"level_since"`
	Window          Window            `json:"window"`
	Deployments     int               `json:"deployments"`
	Incidents       int               `json:"incidents"`
	P1Incidents     int               `json:"p1_incidents"`
	P2Incidents     int               `json:"p2_incidents"`
	IncidentRate    float64           `json:"incident_rate"`
	Criteria        []CriterionResult `json:"criteria"`
	ReadyToProgress bool              `json:"ready_to_progress"`
	CABApproved     bool              `json:"cab_approved"`
}

// ProgressionApproval records the CAB step that lets a candidate level's
// risk model activate. Append-only; CABApproved on the progress record is
// derived from its existence.
type ProgressionApproval struct {
	ID               uuid.UUID `json:"id"`
	ProgressID       uuid.UUID `json:"progress_id"`
	FromLevel        int       `json:"from_level"`
	ToLevel          int       `json:"to_level"`
	ApprovedBy       string    `json:"approved_by"`
	Rationale        string    `json:"rationale"`
	RiskModelVersion string    `json:"risk_model_version"`
	ApprovedAt       time.Time `json:"approved_at"`
}

// MaturityState is the organisation's current level.
type MaturityState struct {
	Level     int       `json:"level"`
	Since     time.Time `json:"since"`
	UpdatedAt time.Time `json:"updated_at"`
}
