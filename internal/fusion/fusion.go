// Package fusion combines the per-detector confidence scores into a
// single mean and variance. The variance is correlation-aware: the three
// detectors see the same images, so their errors are not independent and
// naive averaging would understate uncertainty.
package fusion

import (
	"math"
	"sync"
)

// #region weights

// baseWeights are the learned Dirichlet-posterior detector weights.
// They sum to 1 and are all strictly positive.
var baseWeights = [numDetectors]float64{
	Vision:         0.35,
	Segmentation:   0.50,
	RegionProposal: 0.15,
}

// missingDiscounts derive a degraded confidence from the baseline when a
// detector did not run.
var missingDiscounts = [numDetectors]float64{
	Vision:         0.85,
	Segmentation:   0.95,
	RegionProposal: 0.90,
}

// correlation is the fixed detector error-correlation matrix. Symmetric,
// unit diagonal, all entries non-negative, so the correlation variance
// term is non-negative by construction.
var correlation = [numDetectors][numDetectors]float64{
	{1.00, 0.45, 0.30},
	{0.45, 1.00, 0.55},
	{0.30, 0.55, 1.00},
}

const (
	baseEpistemicVariance   = 0.01
	missingEpistemicPenalty = 0.03
	minDriftWeightScale     = 0.5
)

// Process-scoped weights, adjusted by drift context and resettable.
// driftScales holds the latest per-detector drift scale; weights are
// always recomputed from baseWeights so repeated drift reports latch at
// minDriftWeightScale instead of compounding toward zero.
var (
	weightsMu   sync.Mutex
	driftScales = [numDetectors]float64{1, 1, 1}
	weights     = baseWeights
)

// Weights returns a snapshot of the current detector weights.
func Weights() [3]float64 {
	weightsMu.Lock()
	defer weightsMu.Unlock()
	return weights
}

// ResetWeights restores the learned base weights.
func ResetWeights() {
	weightsMu.Lock()
	defer weightsMu.Unlock()
	driftScales = [numDetectors]float64{1, 1, 1}
	weights = baseWeights
}

// adjustForDrift down-weights the drifted detector proportionally to
// severity and renormalizes so the weights still sum to 1. The scale is
// set, not multiplied: the same drift context applied twice yields the
// same weights, and full severity floors the detector's base weight at
// minDriftWeightScale.
func adjustForDrift(drift DriftContext) {
	if drift.Detector < 0 || drift.Detector >= numDetectors {
		return
	}
	sev := clamp01(drift.Severity)

	weightsMu.Lock()
	defer weightsMu.Unlock()
	driftScales[drift.Detector] = 1.0 - (1.0-minDriftWeightScale)*sev
	var sum float64
	for i := range weights {
		weights[i] = baseWeights[i] * driftScales[i]
		sum += weights[i]
	}
	for i := range weights {
		weights[i] /= sum
	}
}

// Correlation returns the fixed correlation matrix.
func Correlation() [3][3]float64 {
	return correlation
}

// #endregion weights

// #region fuse

// Fuse combines the detector outputs into one confidence estimate.
// Missing detectors degrade to a discounted baseline instead of failing;
// a non-nil drift context re-adjusts the process-scoped weights first.
// Fuse never fails: worst case it returns a low-confidence, high-variance
// result.
func Fuse(in Inputs, baselineConfidence float64, drift *DriftContext) Result {
	if drift != nil {
		adjustForDrift(*drift)
	}
	w := Weights()

	baseline := normalizeConfidence(baselineConfidence)

	var p [numDetectors]float64
	var missing []Detector
	for d, out := range [numDetectors]*Output{Vision: in.Vision, Segmentation: in.Segmentation, RegionProposal: in.RegionProposal} {
		if out == nil {
			p[d] = clamp01(baseline * missingDiscounts[d])
			missing = append(missing, Detector(d))
			continue
		}
		p[d] = normalizeConfidence(out.Confidence)
	}

	// Weighted mean.
	var mean float64
	for d := 0; d < numDetectors; d++ {
		mean += w[d] * p[d]
	}

	// Weighted population variance of the confidences: disagreement.
	var disagreement float64
	for d := 0; d < numDetectors; d++ {
		diff := p[d] - mean
		disagreement += w[d] * diff * diff
	}

	// Correlation term: sum over distinct pairs of w_i w_j rho_ij with a
	// Bernoulli variance proxy u = p(1-p) per detector.
	var corrTerm float64
	for i := 0; i < numDetectors; i++ {
		for j := 0; j < numDetectors; j++ {
			if i == j {
				continue
			}
			ui := p[i] * (1.0 - p[i])
			uj := p[j] * (1.0 - p[j])
			corrTerm += w[i] * w[j] * correlation[i][j] * math.Sqrt(ui*uj)
		}
	}

	epistemic := baseEpistemicVariance + missingEpistemicPenalty*float64(len(missing))/float64(numDetectors)

	return Result{
		Mean:                 clamp01(mean),
		Variance:             epistemic + disagreement + corrTerm,
		CorrelationTerm:      corrTerm,
		EpistemicVariance:    epistemic,
		DisagreementVariance: disagreement,
		Missing:              missing,
	}
}

// normalizeConfidence accepts 0-100 or 0-1 scales and clamps to [0,1].
func normalizeConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	if c > 1.0 {
		c /= 100.0
	}
	return clamp01(c)
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// #endregion fuse
