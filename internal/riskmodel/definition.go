package riskmodel

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

// Definition is the file form of a risk model version.
type Definition struct {
	Version               string                         `yaml:"version"`
	Mode                  models.Mode                    `yaml:"mode"`
	EffectiveDate         *time.Time                     `yaml:"effective_date,omitempty"`
	AutoApproveThresholds map[models.BlastRadiusTier]int `yaml:"auto_approve_thresholds,omitempty"`
	ManualReviewBands     map[models.BlastRadiusTier]int `yaml:"manual_review_bands,omitempty"`
	Factors               []models.RiskFactor            `yaml:"factors,omitempty"`
	CalibrationData       map[string]any                 `yaml:"calibration_data,omitempty"`
}

// LoadDefinition reads a YAML definition from path.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read risk model definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes a YAML definition. Omitted thresholds come from
// the mode template, omitted bands and factors from the shipped defaults.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse risk model definition: %w", err)
	}
	if def.Mode == "" {
		def.Mode = models.ModeBaseline
	}
	if !def.Mode.IsValid() {
		return nil, fmt.Errorf("unknown mode %q", def.Mode)
	}
	if def.AutoApproveThresholds == nil {
		def.AutoApproveThresholds = ThresholdsFor(def.Mode)
	}
	if def.ManualReviewBands == nil {
		def.ManualReviewBands = DefaultManualReviewBands()
	}
	if len(def.Factors) == 0 {
		def.Factors = DefaultFactors()
	}
	return &def, nil
}

// ToVersion builds a draft version from the definition.
func (d *Definition) ToVersion(createdBy string, now time.Time) *models.RiskModelVersion {
	effective := now
	if d.EffectiveDate != nil {
		effective = d.EffectiveDate.UTC()
	}
	return &models.RiskModelVersion{
		ID:                    uuid.New(),
		Version:               d.Version,
		Mode:                  d.Mode,
		EffectiveDate:         effective,
		AutoApproveThresholds: d.AutoApproveThresholds,
		ManualReviewBands:     d.ManualReviewBands,
		Factors:               d.Factors,
		CalibrationData:       d.CalibrationData,
		CreatedBy:             createdBy,
		CreatedAt:             now,
	}
}

// DefaultDefinition is the baseline model used when no file is configured.
func DefaultDefinition() *Definition {
	return &Definition{
		Version:               "1.0.0",
		Mode:                  models.ModeBaseline,
		AutoApproveThresholds: ThresholdsFor(models.ModeBaseline),
		ManualReviewBands:     DefaultManualReviewBands(),
		Factors:               DefaultFactors(),
	}
}
