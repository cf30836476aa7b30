package cab

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-cgov/internal/riskmodel"
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

func versionFor(mode models.Mode) *models.RiskModelVersion {
	def := riskmodel.DefaultDefinition()
	def.Mode = mode
	def.AutoApproveThresholds = riskmodel.ThresholdsFor(mode)
	return def.ToVersion("test", fixedNow)
}

func TestRouteThresholdBoundary(t *testing.T) {
	v := versionFor(models.ModeModerate)
	require.Equal(t, 50, v.Threshold(models.TierNonCritical))

	got, err := Route(50, models.TierNonCritical, true, v)
	require.NoError(t, err)
	assert.Equal(t, models.CABStatusAutoApproved, got)

	got, err = Route(51, models.TierNonCritical, true, v)
	require.NoError(t, err)
	assert.Equal(t, models.CABStatusUnderReview, got)
}

func TestRouteUnknownTier(t *testing.T) {
	_, err := Route(10, "", true, versionFor(models.ModeBaseline))
	assert.True(t, apperrors.IsValidation(err))
}

func TestRouteProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	modes := gen.OneConstOf(models.ModeBaseline, models.ModeCautious, models.ModeModerate, models.ModeMature, models.ModeOptimized)

	properties.Property("critical infrastructure is never auto-approved", prop.ForAll(
		func(score float64, mode models.Mode, override int, complete bool) bool {
			v := versionFor(mode)
			// Even a misconfigured threshold cannot open the gate.
			v.AutoApproveThresholds[models.TierCriticalInfrastructure] = override
			got, err := Route(score, models.TierCriticalInfrastructure, complete, v)
			return err == nil && got != models.CABStatusAutoApproved
		},
		gen.Float64Range(0, 100),
		modes,
		gen.IntRange(0, 100),
		gen.Bool(),
	))

	properties.Property("routing is monotonic in score", prop.ForAll(
		func(a, b float64, mode models.Mode, tier models.BlastRadiusTier) bool {
			if a > b {
				a, b = b, a
			}
			v := versionFor(mode)
			lo, errA := Route(a, tier, true, v)
			hi, errB := Route(b, tier, true, v)
			return errA == nil && errB == nil && rank(lo) <= rank(hi)
		},
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		modes,
		gen.OneConstOf(models.AllTiers[0], models.AllTiers[1], models.AllTiers[2], models.AllTiers[3]),
	))

	properties.TestingRun(t)
}

func rank(s models.CABStatus) int {
	switch s {
	case models.CABStatusAutoApproved:
		return 0
	case models.CABStatusUnderReview:
		return 1
	default:
		return 2
	}
}
