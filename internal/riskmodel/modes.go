package riskmodel

import (
	"maps"

	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

// Auto-approve thresholds per operating mode. Critical infrastructure is
// pinned to 0 in every mode and is never auto-approved regardless.
var modeThresholds = map[models.Mode]map[models.BlastRadiusTier]int{
	models.ModeBaseline: {
		models.TierCriticalInfrastructure: 0,
		models.TierBusinessCritical:       10,
		models.TierProductivityTools:      20,
		models.TierNonCritical:            30,
	},
	models.ModeCautious: {
		models.TierCriticalInfrastructure: 0,
		models.TierBusinessCritical:       15,
		models.TierProductivityTools:      30,
		models.TierNonCritical:            40,
	},
	models.ModeModerate: {
		models.TierCriticalInfrastructure: 0,
		models.TierBusinessCritical:       25,
		models.TierProductivityTools:      40,
		models.TierNonCritical:            50,
	},
	models.ModeMature: {
		models.TierCriticalInfrastructure: 0,
		models.TierBusinessCritical:       35,
		models.TierProductivityTools:      50,
		models.TierNonCritical:            60,
	},
	models.ModeOptimized: {
		models.TierCriticalInfrastructure: 0,
		models.TierBusinessCritical:       45,
		models.TierProductivityTools:      60,
		models.TierNonCritical:            70,
	},
}

var defaultManualReviewBands = map[models.BlastRadiusTier]int{
	models.TierCriticalInfrastructure: 40,
	models.TierBusinessCritical:       20,
	models.TierProductivityTools:      25,
	models.TierNonCritical:            25,
}

// ThresholdsFor returns a copy of the auto-approve thresholds for mode, or
// nil for an unknown mode.
func ThresholdsFor(mode models.Mode) map[models.BlastRadiusTier]int {
	t, ok := modeThresholds[mode]
	if !ok {
		return nil
	}
	return maps.Clone(t)
}

// DefaultManualReviewBands returns a copy of the shipped per-tier bands.
func DefaultManualReviewBands() map[models.BlastRadiusTier]int {
	return maps.Clone(defaultManualReviewBands)
}
