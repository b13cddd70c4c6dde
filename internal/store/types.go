package store

import (
	"time"

	"github.com/propsure/decision-engine/internal/matrix"
)

// #region model-snapshot

// ModelSnapshot is a persisted copy of the critic's linear models.
// Theta/A drive the reward model, Phi/B the safety model.
type ModelSnapshot struct {
	ModelID   string
	Theta     matrix.Vector
	Phi       matrix.Vector
	A         matrix.Matrix
	B         matrix.Matrix
	Beta      float64
	Gamma     float64
	Lambda    float64
	N         int64
	UpdatedAt time.Time
}

// #endregion model-snapshot

// #region fnr-counters

// FNRCounters holds the per-stratum false-negative tally. Only automate
// decisions increment TotalAutomated.
type FNRCounters struct {
	Stratum        string
	FalseNegatives int64
	TotalAutomated int64
	UpdatedAt      time.Time
}

// #endregion fnr-counters

// #region decision-record

// DecisionRecord is the persisted decision, keyed by assessment. The
// context vector stored here is the exact vector the critic scored;
// feedback replays it rather than rebuilding from current state.
type DecisionRecord struct {
	ID              string
	AssessmentID    string
	ExperimentID    string
	Arm             string // "automate" | "escalate"
	Reason          string
	SafetyUCB       float64
	RewardUCB       float64
	SafetyThreshold float64
	Exploration     bool
	Stratum         string
	Context         matrix.Vector
	PredictedSet    []string
	CreatedAt       time.Time
}

// #endregion decision-record

// #region outcome-record

// OutcomeRecord is a denormalized validated-outcome row consumed by the
// coverage monitor.
type OutcomeRecord struct {
	ID           string
	ExperimentID string
	Stratum      string
	AssessmentID string
	PredictedSet []string
	TrueClass    string
	Covered      bool
	ValidatedBy  string
	CreatedAt    time.Time
}

// #endregion outcome-record
