package evalflow

import "math"

// DefaultWeights is used when the scorer is built without explicit
// component weights. Unknown components score with weight 1.
var DefaultWeights = map[string]float64{
	"task_success": 3,
	"latency":      1,
	"cost":         1,
	"safety":       2,
}

// fullConfidenceSamples is the sample count at which confidence saturates.
const fullConfidenceSamples = 100

// Scorer folds raw component metrics into one normalized score.
type Scorer struct {
	weights map[string]float64
}

func NewScorer(weights map[string]float64) *Scorer {
	if len(weights) == 0 {
		weights = DefaultWeights
	}
	return &Scorer{weights: weights}
}

// Score computes the weighted mean of the clamped components plus a
// sample-count confidence. Component values are expected in [0, 1];
// out-of-range values clamp rather than fail, the eval services upstream
// occasionally overshoot on ratios.
func (s *Scorer) Score(report *EvalReport) Score {
	var sum, weightSum float64
	normalized := make(map[string]float64, len(report.Components))
	for name, value := range report.Components {
		w := s.weights[name]
		if w == 0 {
			w = 1
		}
		v := math.Max(0, math.Min(1, value))
		normalized[name] = v
		sum += v * w
		weightSum += w
	}
	out := Score{Components: normalized}
	if weightSum > 0 {
		out.Value = sum / weightSum
	}
	out.Confidence = math.Min(1, float64(report.Samples)/fullConfidenceSamples)
	return out
}
