package fusion

// #region detectors

// Detector identifies one of the three fused confidence sources.
type Detector int

const (
	// Vision is the vision-language detector (GPT-4-Vision style).
	Vision Detector = iota
	// Segmentation is the SAM-style segmentation detector.
	Segmentation
	// RegionProposal is the region-proposal / scene-graph detector.
	RegionProposal

	numDetectors = 3
)

func (d Detector) String() string {
	switch d {
	case Vision:
		return "vision"
	case Segmentation:
		return "segmentation"
	case RegionProposal:
		return "region_proposal"
	}
	return "unknown"
}

// #endregion detectors

// #region io-types

// Output is one detector's contribution. Confidence accepts either a
// 0-100 or a 0-1 scale; values above 1 are divided by 100.
type Output struct {
	Confidence float64
	Detections int
}

// Inputs carries the per-detector outputs for one assessment. A nil
// entry means the detector did not run; its confidence is derived from
// the baseline via a fixed discount.
type Inputs struct {
	Vision         *Output
	Segmentation   *Output
	RegionProposal *Output
}

// DriftContext signals distribution drift on one detector. Severity is
// in [0,1]; higher down-weights the drifted detector more.
type DriftContext struct {
	Detector Detector
	Severity float64
}

// Result is the fused confidence summary.
type Result struct {
	Mean                 float64
	Variance             float64
	CorrelationTerm      float64
	EpistemicVariance    float64
	DisagreementVariance float64
	Missing              []Detector
}

// #endregion io-types
