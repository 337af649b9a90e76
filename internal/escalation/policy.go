package escalation

import "github.com/sells-group/origin-engine/internal/model"

// DefaultThreshold is the consensus score below which a determination goes to review.
const DefaultThreshold = 0.75

// RequiresReview reports whether a determination needs human reconsideration:
// every non-conforming verdict does, and so does a conforming one whose
// consensus score is below threshold.
func RequiresReview(res model.OriginCalculationResult, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return !res.IsConform || res.Score() < threshold
}

// Reason picks the review reason recorded on the job.
func Reason(res model.OriginCalculationResult) string {
	if !res.IsConform {
		return model.ReviewReasonNonConforming
	}
	return model.ReviewReasonLowConfidence
}
