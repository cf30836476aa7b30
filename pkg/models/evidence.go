package models

import (
	"time"

	"github.com/google/uuid"
)

// EvidenceData is the structured payload sealed into an evidence package.
// Optional sections are pointers so that "not reported" stays distinct from
// a zero value in the canonical encoding.
type EvidenceData struct {
	Application ApplicationProfile `json:"application"`
	Artifact    ArtifactEvidence   `json:"artifact"`
	SBOM        *SBOMEvidence      `json:"sbom,omitempty"`
	Tests       *TestEvidence      `json:"tests,omitempty"`
	Scans       *ScanEvidence      `json:"scans,omitempty"`
	Deployment  *DeploymentPlan    `json:"deployment_plan,omitempty"`
	Rollback    *RollbackPlan      `json:"rollback_plan,omitempty"`
}

// ApplicationProfile describes what is being deployed.
type ApplicationProfile struct {
	Name                string         `json:"name"`
	Version             string         `json:"version,omitempty"`
	RequiresAdmin       bool           `json:"requires_admin"`
	PrivilegeLevel      PrivilegeLevel `json:"privilege_level,omitempty"`
	BusinessCriticality Criticality    `json:"business_criticality,omitempty"`
}

// ArtifactEvidence identifies the deployable binary.
type ArtifactEvidence struct {
	Ref       string `json:"ref,omitempty"`
	Hash      string `json:"hash,omitempty"`
	Signature string `json:"signature,omitempty"`
	Signed    bool   `json:"signed"`
}

// SBOMEvidence references the bill of materials recorded at build time.
type SBOMEvidence struct {
	Ref        string          `json:"ref,omitempty"`
	Hash       string          `json:"hash,omitempty"`
	Format     string          `json:"format,omitempty"`
	Components []SBOMComponent `json:"components,omitempty"`
}

// SBOMComponent is one package listed in the SBOM.
type SBOMComponent struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	PURL    string `json:"purl,omitempty"`
}

// TestEvidence summarises the test run.
type TestEvidence struct {
	CoveragePercent *float64 `json:"coverage_percent,omitempty"`
	Total           int      `json:"total"`
	Passed          int      `json:"passed"`
	Failed          int      `json:"failed"`
}

// ScanEvidence summarises vulnerability scanning.
type ScanEvidence struct {
	Scanner  string `json:"scanner,omitempty"`
	Critical int    `json:"critical"`
	High     int    `json:"high"`
	Medium   int    `json:"medium"`
	Low      int    `json:"low"`
}

// DeploymentPlan describes the rollout.
type DeploymentPlan struct {
	ComponentCount  int      `json:"component_count"`
	Complexity      string   `json:"complexity,omitempty"`
	TargetUserCount int      `json:"target_user_count"`
	Steps           []string `json:"steps,omitempty"`
}

// RollbackPlan describes how the change is reverted.
type RollbackPlan struct {
	Documented bool     `json:"documented"`
	Validated  bool     `json:"validated"`
	Steps      []string `json:"steps,omitempty"`
}

// EvidencePackage is the sealed record of a deployment candidate.
type EvidencePackage struct {
	ID               uuid.UUID       `json:"id"`
	CorrelationID    string          `json:"correlation_id"`
	DeploymentRef    string          `json:"deployment_ref"`
	EvidenceData     EvidenceData    `json:"evidence_data"`
	ContentHash      string          `json:"content_hash"`
	RiskScore        float64         `json:"risk_score"`
	RiskModelVersion string          `json:"risk_model_version"`
	IsComplete       bool            `json:"is_complete"`
	MissingFields    []string        `json:"missing_fields,omitempty"`
	BlastRadiusClass BlastRadiusTier `json:"blast_radius_class"`
	ClassifierRule   string          `json:"classifier_rule,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ArtifactHash returns the recorded artifact digest.
func (p *EvidencePackage) ArtifactHash() string {
	return p.EvidenceData.Artifact.Hash
}

// FactorContribution is one line of a score breakdown.
type FactorContribution struct {
	FactorType           FactorType `json:"factor_type"`
	Field                string     `json:"field"`
	RawValue             any        `json:"raw_value"`
	MatchedRule          string     `json:"matched_rule"`
	NormalizedValue      float64    `json:"normalized_value"`
	Weight               float64    `json:"weight"`
	WeightedContribution float64    `json:"weighted_contribution"`
	Missing              bool       `json:"missing,omitempty"`
}

// RiskScoreBreakdown reconstructs a package's score factor by factor.
type RiskScoreBreakdown struct {
	EvidencePackageID uuid.UUID            `json:"evidence_package_id"`
	RiskModelVersion  string               `json:"risk_model_version"`
	Contributions     []FactorContribution `json:"contributions"`
	RiskScore         float64              `json:"risk_score"`
	RiskLevel         RiskLevel            `json:"risk_level"`
	CreatedAt         time.Time            `json:"created_at"`
}

// RiskLevel is a coarse label for a risk score.
type RiskLevel string

const (
	RiskLevelCritical RiskLevel = "critical"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelLow      RiskLevel = "low"
)

// CalculateRiskLevel determines the risk level from a score.
func CalculateRiskLevel(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskLevelCritical
	case score >= 60:
		return RiskLevelHigh
	case score >= 40:
		return RiskLevelMedium
	default:
		return RiskLevelLow
	}
}
