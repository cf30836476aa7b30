// Package models provides domain models for change governance.
package models

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Mode is the operating mode a risk model version was calibrated for.
type Mode string

const (
	ModeBaseline  Mode = "baseline"
	ModeCautious  Mode = "cautious"
	ModeModerate  Mode = "moderate"
	ModeMature    Mode = "mature"
	ModeOptimized Mode = "optimized"
)

// IsValid checks if the mode is known.
func (m Mode) IsValid() bool {
	switch m {
	case ModeBaseline, ModeCautious, ModeModerate, ModeMature, ModeOptimized:
		return true
	default:
		return false
	}
}

// FactorType names a scored risk dimension.
type FactorType string

const (
	FactorCoverage   FactorType = "coverage"
	FactorSecurity   FactorType = "security"
	FactorTesting    FactorType = "testing"
	FactorRollback   FactorType = "rollback"
	FactorScope      FactorType = "scope"
	FactorComplexity FactorType = "complexity"
	FactorImpact     FactorType = "impact"
	FactorProvenance FactorType = "provenance"
)

// RuleOp is the comparison a rubric rule applies.
type RuleOp string

const (
	OpEq      RuleOp = "eq"
	OpNe      RuleOp = "ne"
	OpGt      RuleOp = "gt"
	OpGte     RuleOp = "gte"
	OpLt      RuleOp = "lt"
	OpLte     RuleOp = "lte"
	OpExists  RuleOp = "exists"
	OpDefault RuleOp = "default"
)

// IsValid checks if the operator is known.
func (o RuleOp) IsValid() bool {
	switch o {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpExists, OpDefault:
		return true
	default:
		return false
	}
}

// RubricRule is one bucket of an ordered rubric. Field overrides the
// factor's field when set.
type RubricRule struct {
	Label string  `json:"label" yaml:"label"`
	Field string  `json:"field,omitempty" yaml:"field,omitempty"`
	Op    RuleOp  `json:"op" yaml:"op"`
	Value any     `json:"value,omitempty" yaml:"value,omitempty"`
	Score float64 `json:"score" yaml:"score"`
}

// RiskFactor is a weighted rubric over one evidence field.
type RiskFactor struct {
	FactorType FactorType   `json:"factor_type" yaml:"factor_type"`
	Field      string       `json:"field" yaml:"field"`
	Weight     float64      `json:"weight" yaml:"weight"`
	Rubric     []RubricRule `json:"rubric" yaml:"rubric"`
}

// WeightEpsilon is the tolerance on the weight sum. The bound is inclusive;
// floatSlack absorbs binary rounding at the edge.
const (
	WeightEpsilon = 0.001
	floatSlack    = 1e-9
)

// RiskModelVersion is an immutable snapshot of weights and thresholds.
type RiskModelVersion struct {
	ID                    uuid.UUID               `json:"id"`
	Version               string                  `json:"version"`
	Mode                  Mode                    `json:"mode"`
	EffectiveDate         time.Time               `json:"effective_date"`
	IsActive              bool                    `json:"is_active"`
	AutoApproveThresholds map[BlastRadiusTier]int `json:"auto_approve_thresholds"`
	ManualReviewBands     map[BlastRadiusTier]int `json:"manual_review_bands"`
	Factors               []RiskFactor            `json:"factors"`
	ApprovedByCAB         bool                    `json:"approved_by_cab"`
	ApprovedBy            string                  `json:"approved_by,omitempty"`
	ApprovedAt            *time.Time              `json:"approved_at,omitempty"`
	CalibrationData       map[string]any          `json:"calibration_data,omitempty"`
	CreatedBy             string                  `json:"created_by"`
	CreatedAt             time.Time               `json:"created_at"`
	ActivatedAt           *time.Time              `json:"activated_at,omitempty"`
}

// WeightSum returns the sum of factor weights, summed in factor type order
// so the result does not depend on declaration order.
func (v *RiskModelVersion) WeightSum() float64 {
	factors := make([]RiskFactor, len(v.Factors))
	copy(factors, v.Factors)
	sort.Slice(factors, func(i, j int) bool { return factors[i].FactorType < factors[j].FactorType })

	var sum float64
	for _, f := range factors {
		sum += f.Weight
	}
	return sum
}

// Threshold returns the auto-approve threshold for a tier.
func (v *RiskModelVersion) Threshold(tier BlastRadiusTier) int {
	return v.AutoApproveThresholds[tier]
}

// ManualReviewCeiling returns the highest score routed to manual review.
func (v *RiskModelVersion) ManualReviewCeiling(tier BlastRadiusTier) int {
	return v.AutoApproveThresholds[tier] + v.ManualReviewBands[tier]
}

// Validate checks the structural invariants of a risk model version.
// It returns a description of the first violation, or nil.
func (v *RiskModelVersion) Validate() error {
	if !v.Mode.IsValid() {
		return fmt.Errorf("unknown mode %q", v.Mode)
	}
	if len(v.Factors) == 0 {
		return fmt.Errorf("at least one risk factor is required")
	}

	seen := make(map[FactorType]bool, len(v.Factors))
	for _, f := range v.Factors {
		if f.FactorType == "" {
			return fmt.Errorf("factor type is required")
		}
		if seen[f.FactorType] {
			return fmt.Errorf("duplicate factor %q", f.FactorType)
		}
		seen[f.FactorType] = true

		if f.Weight < 0 || f.Weight > 1 {
			return fmt.Errorf("factor %q weight %.4f must be between 0 and 1", f.FactorType, f.Weight)
		}
		if len(f.Rubric) == 0 {
			return fmt.Errorf("factor %q has an empty rubric", f.FactorType)
		}
		for i, r := range f.Rubric {
			if !r.Op.IsValid() {
				return fmt.Errorf("factor %q rule %d: unknown op %q", f.FactorType, i, r.Op)
			}
			if r.Score < 0 || r.Score > 100 {
				return fmt.Errorf("factor %q rule %d: score must be between 0 and 100", f.FactorType, i)
			}
			if r.Field == "" && f.Field == "" && r.Op != OpDefault {
				return fmt.Errorf("factor %q rule %d: no field to evaluate", f.FactorType, i)
			}
		}
	}

	if sum := v.WeightSum(); math.Abs(sum-1.0) > WeightEpsilon+floatSlack {
		return fmt.Errorf("risk factor weights sum to %.4f, must be 1.0 +/- %.3f", sum, WeightEpsilon)
	}

	for _, tier := range AllTiers {
		t, ok := v.AutoApproveThresholds[tier]
		if !ok {
			return fmt.Errorf("missing auto-approve threshold for %s", tier)
		}
		if t < 0 || t > 100 {
			return fmt.Errorf("threshold for %s must be between 0 and 100", tier)
		}
		if v.ManualReviewBands[tier] < 0 {
			return fmt.Errorf("manual review band for %s must not be negative", tier)
		}
	}

	return nil
}
