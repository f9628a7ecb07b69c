package metrics

import (
	"github.com/pkg/errors"

	"github.com/hcmsuper/dlc-bl-testing/internal/generics"
)

// AUC computes the area under the ROC curve of binary classification scores
// by the rank statistic: ties in score contribute their average rank.
// labels must be 0 or 1; scores[i] is the predicted probability (or any
// monotone score) of labels[i] being 1.
func AUC(scores []float32, labels []int32) (float64, error) {
	if len(scores) != len(labels) {
		return 0, errors.Errorf("AUC needs matching lengths, got %d scores and %d labels",
			len(scores), len(labels))
	}
	var positives, negatives int
	for _, label := range labels {
		switch label {
		case 0:
			negatives++
		case 1:
			positives++
		default:
			return 0, errors.Errorf("AUC labels must be 0 or 1, got %d", label)
		}
	}
	if positives == 0 || negatives == 0 {
		return 0, errors.Errorf("AUC undefined: %d positive and %d negative examples", positives, negatives)
	}

	order := generics.SliceOrdering(scores, false)

	// Sum of the positive examples' ranks (1-based), averaging ranks over
	// tied scores.
	var positiveRankSum float64
	ii := 0
	for ii < len(order) {
		jj := ii
		for jj < len(order) && scores[order[jj]] == scores[order[ii]] {
			jj++
		}
		// Ranks ii+1..jj share the average rank of the tie group.
		avgRank := float64(ii+1+jj) / 2
		for _, idx := range order[ii:jj] {
			if labels[idx] == 1 {
				positiveRankSum += avgRank
			}
		}
		ii = jj
	}
	u := positiveRankSum - float64(positives)*float64(positives+1)/2
	return u / (float64(positives) * float64(negatives)), nil
}
