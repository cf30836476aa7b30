package riskmodel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

func TestParseDefinitionDefaults(t *testing.T) {
	def, err := ParseDefinition([]byte("version: 2.0.0\nmode: moderate\n"))
	require.NoError(t, err)

	assert.Equal(t, models.ModeModerate, def.Mode)
	assert.Equal(t, 25, def.AutoApproveThresholds[models.TierBusinessCritical])
	assert.Equal(t, 0, def.AutoApproveThresholds[models.TierCriticalInfrastructure])
	assert.Equal(t, 40, def.ManualReviewBands[models.TierCriticalInfrastructure])
	assert.Len(t, def.Factors, len(DefaultFactors()))

	v := def.ToVersion("admin", fixedNow)
	assert.NoError(t, v.Validate())
	assert.Equal(t, fixedNow, v.EffectiveDate)
}

func TestParseDefinitionFactors(t *testing.T) {
	raw := `
version: 1.2.0
factors:
  - factor_type: coverage
    field: tests.coverage_percent
    weight: 1.0
    rubric:
      - {label: high, op: gte, value: 80, score: 0}
      - {label: low, op: default, score: 70}
`
	def, err := ParseDefinition([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, models.ModeBaseline, def.Mode)
	require.Len(t, def.Factors, 1)

	v := def.ToVersion("admin", fixedNow)
	require.NoError(t, v.Validate())

	e := bestCase()
	e.Tests.CoveragePercent = ptr(60.0)
	res, err := Evaluate(v, e)
	require.NoError(t, err)
	assert.Equal(t, 70.0, res.Score)
}

func TestParseDefinitionErrors(t *testing.T) {
	_, err := ParseDefinition([]byte("mode: reckless\n"))
	assert.Error(t, err)

	_, err = ParseDefinition([]byte("version: [unterminated"))
	assert.Error(t, err)
}

func TestLoadShippedDefinition(t *testing.T) {
	def, err := LoadDefinition(filepath.Join("..", "..", "configs", "risk-model.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", def.Version)
	assert.NoError(t, def.ToVersion("system", fixedNow).Validate())
}

func TestLoadDefinitionMissingFile(t *testing.T) {
	_, err := LoadDefinition(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestThresholdsForReturnsCopy(t *testing.T) {
	a := ThresholdsFor(models.ModeMature)
	a[models.TierNonCritical] = 99
	assert.Equal(t, 60, ThresholdsFor(models.ModeMature)[models.TierNonCritical])
	assert.Nil(t, ThresholdsFor("unknown"))

	for _, mode := range []models.Mode{models.ModeBaseline, models.ModeCautious, models.ModeModerate, models.ModeMature, models.ModeOptimized} {
		assert.Zero(t, ThresholdsFor(mode)[models.TierCriticalInfrastructure], mode)
	}
}
