// Package engine is the in-process entry point for the assessment
// pipeline: it fuses detector confidences, builds the context vector,
// asks the critic for an arm, and persists the decision record that
// later feedback resolves.
package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/propsure/decision-engine/internal/contextvec"
	"github.com/propsure/decision-engine/internal/critic"
	"github.com/propsure/decision-engine/internal/fusion"
	"github.com/propsure/decision-engine/internal/store"
	"github.com/propsure/decision-engine/internal/stratum"
)

// #region types

// DecisionRequest carries everything the engine needs for one
// assessment.
type DecisionRequest struct {
	AssessmentID string
	ExperimentID string

	// Detector outputs; missing detectors degrade via the baseline.
	Detectors          fusion.Inputs
	BaselineConfidence float64
	Drift              *fusion.DriftContext

	// Raw context signals. The fusion-derived coordinates are filled in
	// by the engine and need not be set.
	Features contextvec.RawFeatures

	// Stratum for FNR gating; zero disables the gate.
	Stratum stratum.Path

	// PredictedSet is the conformal candidate-outcome set emitted
	// alongside the assessment; persisted for coverage auditing.
	PredictedSet []string

	// SafetyThreshold overrides the configured delta when non-zero.
	SafetyThreshold    float64
	CriticalHazardHint bool
}

// DecisionResult pairs the critic's verdict with the fusion summary and
// the persisted record id.
type DecisionResult struct {
	Decision critic.Decision
	Fusion   fusion.Result
	RecordID string
}

// #endregion types

// #region engine-struct

// Engine wires the decision path together.
type Engine struct {
	store        *store.Store
	critic       *critic.Critic
	experimentID string
}

// New creates an engine. experimentID labels persisted decisions and
// outcome rows for coverage auditing.
func New(st *store.Store, cr *critic.Critic, experimentID string) *Engine {
	return &Engine{store: st, critic: cr, experimentID: experimentID}
}

// Critic exposes the critic for offline jobs.
func (e *Engine) Critic() *critic.Critic {
	return e.critic
}

// #endregion engine-struct

// #region decide

// Decide runs the full decision path for one assessment. The returned
// decision is valid even when persistence fails; the failure is logged
// because an unpersisted record means this assessment cannot learn from
// later feedback.
func (e *Engine) Decide(ctx context.Context, req DecisionRequest) (DecisionResult, error) {
	if req.AssessmentID == "" {
		return DecisionResult{}, fmt.Errorf("assessment id required")
	}

	fused := fusion.Fuse(req.Detectors, req.BaselineConfidence, req.Drift)

	raw := req.Features
	raw.FusionMean = fused.Mean
	raw.FusionVariance = fused.Variance
	raw.DetectorDisagreement = disagreementScore(fused)
	x := contextvec.Construct(raw)

	decision, err := e.critic.SelectArm(ctx, critic.SelectRequest{
		Context:            x[:],
		SafetyThreshold:    req.SafetyThreshold,
		Stratum:            req.Stratum,
		CriticalHazardHint: req.CriticalHazardHint,
	})
	if err != nil {
		return DecisionResult{}, fmt.Errorf("select arm for %s: %w", req.AssessmentID, err)
	}

	rec := store.DecisionRecord{
		ID:              uuid.New().String(),
		AssessmentID:    req.AssessmentID,
		ExperimentID:    e.experiment(req),
		Arm:             decision.Arm.String(),
		Reason:          decision.Reason,
		SafetyUCB:       decision.SafetyUCB,
		RewardUCB:       decision.RewardUCB,
		SafetyThreshold: decision.SafetyThreshold,
		Exploration:     decision.Exploration,
		Stratum:         req.Stratum.String(),
		Context:         x,
		PredictedSet:    req.PredictedSet,
	}
	if err := e.store.PutDecision(ctx, rec); err != nil {
		log.Printf("[ENGINE] decision record for %s not persisted (feedback will skip it): %v",
			req.AssessmentID, err)
	}

	log.Printf("[ENGINE] %s: arm=%s fusion=%.3f safety_ucb=%.4f reward_ucb=%.4f",
		req.AssessmentID, decision.Arm, fused.Mean, decision.SafetyUCB, decision.RewardUCB)

	return DecisionResult{Decision: decision, Fusion: fused, RecordID: rec.ID}, nil
}

func (e *Engine) experiment(req DecisionRequest) string {
	if req.ExperimentID != "" {
		return req.ExperimentID
	}
	return e.experimentID
}

// disagreementScore maps the disagreement variance of the fused
// confidences to [0,1]. The variance of [0,1] values is at most 0.25.
func disagreementScore(res fusion.Result) float64 {
	s := res.DisagreementVariance / 0.25
	if s > 1 {
		return 1
	}
	return s
}

// #endregion decide
