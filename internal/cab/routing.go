package cab

import (
	"github.com/quantumlayerhq/ql-cgov/pkg/apperrors"
	"github.com/quantumlayerhq/ql-cgov/pkg/models"
)

// Route decides where a submission goes. Critical infrastructure is never
// auto-approved, whatever its score or the model's thresholds, and neither
// is incomplete evidence. A score equal to the threshold auto-approves.
func Route(score float64, tier models.BlastRadiusTier, complete bool, model *models.RiskModelVersion) (models.CABStatus, error) {
	class, ok := models.ClassFor(tier)
	if !ok {
		return "", apperrors.Validation("unknown_blast_radius", "blast_radius_class", "blast radius %q is not a known tier", tier)
	}

	threshold := float64(model.Threshold(tier))
	ceiling := float64(model.ManualReviewCeiling(tier))

	switch {
	case autoApproveAllowed(class) && complete && score <= threshold:
		return models.CABStatusAutoApproved, nil
	case score <= ceiling:
		return models.CABStatusUnderReview, nil
	default:
		return models.CABStatusExceptionRequired, nil
	}
}

func autoApproveAllowed(class models.BlastRadiusClass) bool {
	return class.Name != models.TierCriticalInfrastructure && class.AutoApproveAllowed
}
