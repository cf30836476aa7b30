package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity is an incident priority.
type Severity string

const (
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityP4 Severity = "P4"
)

// IsValid checks if the severity is P1 through P4.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityP1, SeverityP2, SeverityP3, SeverityP4:
		return true
	default:
		return false
	}
}

// DeploymentIncident is a post-hoc report against a deployment. Once
// ResolvedAt is set the record is immutable.
type DeploymentIncident struct {
	ID                  uuid.UUID       `json:"id"`
	DeploymentRef       string          `json:"deployment_ref"`
	EvidencePackageID   uuid.UUID       `json:"evidence_package_id"`
	CorrelationID       string          `json:"correlation_id"`
	Severity            Severity        `json:"severity"`
	WasAutoApproved     bool            `json:"was_auto_approved"`
	RiskScoreAtApproval float64         `json:"risk_score_at_approval"`
	BlastRadiusClass    BlastRadiusTier `json:"blast_radius_class"`
	Description         string          `json:"description,omitempty"`
	RootCause           string          `json:"root_cause,omitempty"`
	WasPreventable      *bool           `json:"was_preventable,omitempty"`
	ReportedBy          string          `json:"reported_by"`
	DetectedAt          time.Time       `json:"detected_at"`
	ResolvedAt          *time.Time      `json:"resolved_at,omitempty"`
	Resolution          string          `json:"resolution,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// IsResolved reports whether the incident has been closed.
func (i *DeploymentIncident) IsResolved() bool {
	return i.ResolvedAt != nil
}
