package critic

import (
	"time"

	"github.com/propsure/decision-engine/internal/stratum"
)

// #region arm

// Arm is the closed decision space of the critic. The zero value is
// Escalate, so a forgotten assignment fails safe.
type Arm int

const (
	// Escalate routes the assessment to a human reviewer.
	Escalate Arm = iota
	// Automate finalizes the assessment without review.
	Automate
)

func (a Arm) String() string {
	if a == Automate {
		return "automate"
	}
	return "escalate"
}

// ParseArm maps a stored arm string back to the sum type. Anything
// unrecognized reads as Escalate.
func ParseArm(s string) Arm {
	if s == "automate" {
		return Automate
	}
	return Escalate
}

// #endregion arm

// #region decision

// Decision is the critic's verdict for one assessment.
type Decision struct {
	Arm             Arm
	Reason          string
	SafetyUCB       float64
	RewardUCB       float64
	SafetyThreshold float64
	Exploration     bool
	FNR             *FNRFallback // set when the FNR gate was consulted
}

// SelectRequest carries the inputs to an arm selection.
type SelectRequest struct {
	// Context is the 12-dimensional context vector. Defensively
	// normalized: longer inputs are truncated, shorter ones zero-padded
	// (padding signals a malformed upstream builder and is logged).
	Context []float64
	// SafetyThreshold is the per-call delta bound; 0 uses the configured
	// default.
	SafetyThreshold float64
	// Stratum enables the FNR gate when non-zero.
	Stratum stratum.Path
	// CriticalHazardHint tightens the safety threshold for assessments
	// already flagged as touching a critical damage type.
	CriticalHazardHint bool
}

// #endregion decision

// #region feedback

// Feedback is one validated observation fed back into the linear models.
type Feedback struct {
	Context         []float64
	Arm             Arm
	Reward          float64 // clamped to [0,1]
	SafetyViolation bool
}

// #endregion feedback

// #region fnr-types

// FNRResult is the false-negative-rate verdict for a single stratum.
type FNRResult struct {
	FNR            float64
	UpperBound     float64
	SampleSize     int64
	ShouldEscalate bool
	Reason         string
}

// FNRFallback is an FNR verdict annotated with the hierarchy level that
// produced it: depth 0 is the specific stratum, 3 the global bucket.
type FNRFallback struct {
	FNRResult
	Level string
	Depth int
}

// #endregion fnr-types

// #region config

// Config holds the critic's tunables. Gamma exceeds Beta so that
// conservatism comes from the safety radius rather than from the
// initialized safety weights.
type Config struct {
	ModelID           string
	Beta              float64 // reward confidence radius multiplier
	Gamma             float64 // safety confidence radius multiplier
	Lambda            float64 // ridge regularization added on every update
	SafetyThreshold   float64 // default delta bound on the safety UCB
	RewardThreshold   float64 // automate when the reward UCB clears this
	CacheTTL          time.Duration
	ExplorationMinN   int64   // decisions below this count are exploratory
	ExplorationRadius float64 // either radius above this flags exploration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ModelID:           "assessment-critic-v1",
		Beta:              0.5,
		Gamma:             1.0,
		Lambda:            1.0,
		SafetyThreshold:   0.05,
		RewardThreshold:   0.5,
		CacheTTL:          5 * time.Minute,
		ExplorationMinN:   100,
		ExplorationRadius: 0.1,
	}
}

// #endregion config
