// Package riskmodel holds the risk factor catalog, the rubric evaluator and
// the registry of versioned risk models.
package riskmodel

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

// Evidence field paths the shipped rubrics read.
const (
	FieldCoverage        = "tests.coverage_percent"
	FieldTestsFailed     = "tests.failed"
	FieldTestsTotal      = "tests.total"
	FieldScanCritical    = "scans.critical"
	FieldScanHigh        = "scans.high"
	FieldScanMedium      = "scans.medium"
	FieldRollbackValid   = "rollback_plan.validated"
	FieldRollbackDoc     = "rollback_plan.documented"
	FieldComponentCount  = "deployment_plan.component_count"
	FieldComplexity      = "deployment_plan.complexity"
	FieldTargetUserCount = "deployment_plan.target_user_count"
	FieldArtifactSigned  = "artifact.signed"
	FieldSBOMHash        = "sbom.hash"
)

// MissingScore is the normalized value of a factor whose field was not
// reported. Missing evidence scores as worst case.
const MissingScore = 100.0

// DefaultFactors returns the shipped catalog. Weights sum to 1.0.
func DefaultFactors() []models.RiskFactor {
	return []models.RiskFactor{
		{
			FactorType: models.FactorCoverage,
			Field:      FieldCoverage,
			Weight:     0.20,
			Rubric: []models.RubricRule{
				{Label: "coverage above 90%", Op: models.OpGt, Value: 90, Score: 0},
				{Label: "coverage 80-90%", Op: models.OpGte, Value: 80, Score: 10},
				{Label: "coverage 50-80%", Op: models.OpGte, Value: 50, Score: 30},
				{Label: "coverage below 50%", Op: models.OpDefault, Score: 60},
			},
		},
		{
			FactorType: models.FactorSecurity,
			Field:      FieldScanCritical,
			Weight:     0.15,
			Rubric: []models.RubricRule{
				{Label: "critical vulnerabilities", Op: models.OpGt, Value: 0, Score: 100},
				{Label: "more than 5 high vulnerabilities", Field: FieldScanHigh, Op: models.OpGt, Value: 5, Score: 70},
				{Label: "high vulnerabilities", Field: FieldScanHigh, Op: models.OpGt, Value: 0, Score: 40},
				{Label: "more than 10 medium vulnerabilities", Field: FieldScanMedium, Op: models.OpGt, Value: 10, Score: 20},
				{Label: "clean scan", Op: models.OpDefault, Score: 0},
			},
		},
		{
			FactorType: models.FactorTesting,
			Field:      FieldTestsFailed,
			Weight:     0.10,
			Rubric: []models.RubricRule{
				{Label: "failing tests", Op: models.OpGt, Value: 0, Score: 80},
				{Label: "no tests run", Field: FieldTestsTotal, Op: models.OpEq, Value: 0, Score: 60},
				{Label: "all tests passing", Op: models.OpDefault, Score: 0},
			},
		},
		{
			FactorType: models.FactorRollback,
			Field:      FieldRollbackValid,
			Weight:     0.10,
			Rubric: []models.RubricRule{
				{Label: "rollback validated", Op: models.OpEq, Value: true, Score: 0},
				{Label: "rollback documented", Field: FieldRollbackDoc, Op: models.OpEq, Value: true, Score: 30},
				{Label: "no rollback plan", Op: models.OpDefault, Score: 100},
			},
		},
		{
			FactorType: models.FactorScope,
			Field:      FieldComponentCount,
			Weight:     0.10,
			Rubric: []models.RubricRule{
				{Label: "up to 3 components", Op: models.OpLte, Value: 3, Score: 0},
				{Label: "up to 10 components", Op: models.OpLte, Value: 10, Score: 30},
				{Label: "up to 25 components", Op: models.OpLte, Value: 25, Score: 60},
				{Label: "more than 25 components", Op: models.OpDefault, Score: 90},
			},
		},
		{
			FactorType: models.FactorComplexity,
			Field:      FieldComplexity,
			Weight:     0.10,
			Rubric: []models.RubricRule{
				{Label: "low complexity", Op: models.OpEq, Value: "low", Score: 0},
				{Label: "medium complexity", Op: models.OpEq, Value: "medium", Score: 40},
				{Label: "high complexity", Op: models.OpEq, Value: "high", Score: 80},
				{Label: "unrated complexity", Op: models.OpDefault, Score: 100},
			},
		},
		{
			FactorType: models.FactorImpact,
			Field:      FieldTargetUserCount,
			Weight:     0.10,
			Rubric: []models.RubricRule{
				{Label: "up to 100 users", Op: models.OpLte, Value: 100, Score: 0},
				{Label: "up to 1000 users", Op: models.OpLte, Value: 1000, Score: 30},
				{Label: "up to 10000 users", Op: models.OpLte, Value: 10000, Score: 60},
				{Label: "more than 10000 users", Op: models.OpDefault, Score: 90},
			},
		},
		{
			FactorType: models.FactorProvenance,
			Field:      FieldArtifactSigned,
			Weight:     0.15,
			Rubric: []models.RubricRule{
				{Label: "unsigned artifact", Op: models.OpEq, Value: false, Score: 100},
				{Label: "signed with sbom", Field: FieldSBOMHash, Op: models.OpExists, Score: 0},
				{Label: "signed without sbom", Op: models.OpDefault, Score: 50},
			},
		},
	}
}

// Result is the outcome of scoring evidence against a model version.
type Result struct {
	Score         float64
	Contributions []models.FactorContribution
	Missing       []string
}

// Evaluate scores evidence under v. Each factor's rubric is matched top to
// bottom and the first matching rule wins. The total is clamped to [0, 100]
// and rounded to two decimals.
func Evaluate(v *models.RiskModelVersion, evidence models.EvidenceData) (*Result, error) {
	doc, err := toDocument(evidence)
	if err != nil {
		return nil, err
	}

	result := &Result{Contributions: make([]models.FactorContribution, 0, len(v.Factors))}
	var total float64

	for _, f := range v.Factors {
		c := models.FactorContribution{
			FactorType: f.FactorType,
			Field:      f.Field,
			Weight:     f.Weight,
		}

		raw, ok := lookup(doc, f.Field)
		if !ok {
			c.Missing = true
			c.MatchedRule = "missing"
			c.NormalizedValue = MissingScore
			result.Missing = append(result.Missing, f.Field)
		} else {
			c.RawValue = raw
			c.MatchedRule, c.NormalizedValue = matchRubric(doc, f)
		}

		c.WeightedContribution = round2(f.Weight * c.NormalizedValue)
		total += f.Weight * c.NormalizedValue
		result.Contributions = append(result.Contributions, c)
	}

	result.Score = round2(math.Max(0, math.Min(100, total)))
	return result, nil
}

// matchRubric returns the label and score of the first matching rule. A
// rubric with no match scores as missing.
func matchRubric(doc map[string]any, f models.RiskFactor) (string, float64) {
	for _, rule := range f.Rubric {
		field := rule.Field
		if field == "" {
			field = f.Field
		}
		value, ok := lookup(doc, field)
		if matches(rule, value, ok) {
			return rule.Label, rule.Score
		}
	}
	return "unmatched", MissingScore
}

func matches(rule models.RubricRule, value any, present bool) bool {
	switch rule.Op {
	case models.OpDefault:
		return true
	case models.OpExists:
		if !present || value == nil {
			return false
		}
		s, isString := value.(string)
		return !isString || s != ""
	}

	if !present {
		return false
	}

	switch rule.Op {
	case models.OpEq:
		return equal(value, rule.Value)
	case models.OpNe:
		return !equal(value, rule.Value)
	}

	a, okA := toFloat(value)
	b, okB := toFloat(rule.Value)
	if !okA || !okB {
		return false
	}
	switch rule.Op {
	case models.OpGt:
		return a > b
	case models.OpGte:
		return a >= b
	case models.OpLt:
		return a < b
	case models.OpLte:
		return a <= b
	default:
		return false
	}
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.EqualFold(sa, sb)
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toDocument renders evidence as the generic JSON tree rubrics address.
func toDocument(evidence models.EvidenceData) (map[string]any, error) {
	raw, err := json.Marshal(evidence)
	if err != nil {
		return nil, fmt.Errorf("failed to encode evidence: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode evidence: %w", err)
	}
	return doc, nil
}

// lookup resolves a dotted path such as "tests.coverage_percent".
func lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
