// Package feedback turns human validations into critic updates and
// coverage outcome rows. The context vector fed back into the models is
// always the one persisted at decision time, never a fresh rebuild:
// learning must see exactly what the decision saw.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/propsure/decision-engine/internal/critic"
	"github.com/propsure/decision-engine/internal/store"
	"github.com/propsure/decision-engine/internal/stratum"
	"golang.org/x/sync/semaphore"
)

// ErrNotTracked means no decision record exists for the assessment; the
// validation is logged and dropped rather than learned from.
var ErrNotTracked = errors.New("assessment not tracked")

// #region types

// Hazard is one hazard found during human validation.
type Hazard struct {
	Severity string // "low" | "medium" | "high" | "critical"
	Urgency  string // "routine" | "urgent" | "immediate"
}

// ComplianceViolation is a code violation the automated assessment
// failed to flag.
type ComplianceViolation struct {
	Code                           string
	RequiresProfessionalInspection bool
}

// Review is one human validation of an assessment.
type Review struct {
	AssessmentID string
	ValidatedBy  string
	IsCorrect    bool
	// SafetyViolation overrides the derivation when non-nil.
	SafetyViolation *bool

	// Signals consumed by the safety-violation derivation.
	DamageType       string  // validated damage type
	PredictedType    string  // damage type the assessment predicted
	Confidence       float64 // predicted confidence, 0-100
	Hazards          []Hazard
	MissedCompliance []ComplianceViolation

	// TrueClass is the validated damage class, matched against the
	// candidate set persisted at decision time.
	TrueClass string
}

// BatchResult tallies a batch collection run.
type BatchResult struct {
	Processed int
	Skipped   int
	Errors    int
}

// Config holds the collector's tunables.
type Config struct {
	ExperimentID  string
	MaxConcurrent int64 // batch fan-out bound
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ExperimentID:  "production",
		MaxConcurrent: 5,
	}
}

// #endregion types

// #region collector

// Collector wires validations into the critic and the outcome log.
type Collector struct {
	store  *store.Store
	critic *critic.Critic
	config Config
}

// NewCollector creates a collector.
func NewCollector(st *store.Store, cr *critic.Critic, config Config) *Collector {
	return &Collector{store: st, critic: cr, config: config}
}

// #endregion collector

// #region collect

// Collect processes one validation: resolves the decision record,
// replays its persisted context through the critic's update, records the
// FNR outcome, and appends a coverage outcome row. Returns ErrNotTracked
// when the assessment has no decision record.
func (c *Collector) Collect(ctx context.Context, review Review) error {
	rec, found, err := c.store.GetDecision(ctx, review.AssessmentID)
	if err != nil {
		return fmt.Errorf("resolve decision for %s: %w", review.AssessmentID, err)
	}
	if !found {
		log.Printf("[FEEDBACK] assessment %s not tracked, dropping validation", review.AssessmentID)
		return ErrNotTracked
	}

	reward := 0.0
	if review.IsCorrect {
		reward = 1.0
	}
	violation := deriveSafetyViolation(review)

	arm := critic.ParseArm(rec.Arm)
	if err := c.critic.UpdateFromFeedback(ctx, critic.Feedback{
		Context:         rec.Context[:],
		Arm:             arm,
		Reward:          reward,
		SafetyViolation: violation,
	}); err != nil {
		return fmt.Errorf("critic update for %s: %w", review.AssessmentID, err)
	}

	if rec.Stratum != "" {
		if err := c.critic.RecordOutcome(ctx, stratum.Parse(rec.Stratum), arm, violation); err != nil {
			log.Printf("[FEEDBACK] fnr outcome for %s failed: %v", review.AssessmentID, err)
		}
	}

	outcome := store.OutcomeRecord{
		ID:           uuid.New().String(),
		ExperimentID: experimentID(c.config, rec),
		Stratum:      outcomeStratum(rec),
		AssessmentID: review.AssessmentID,
		PredictedSet: rec.PredictedSet,
		TrueClass:    review.TrueClass,
		Covered:      contains(rec.PredictedSet, review.TrueClass),
		ValidatedBy:  review.ValidatedBy,
	}
	if err := c.store.AppendOutcome(ctx, outcome); err != nil {
		// Losing one monitoring row delays auditing, never the pipeline.
		log.Printf("[FEEDBACK] outcome log for %s failed: %v", review.AssessmentID, err)
	}
	return nil
}

func experimentID(cfg Config, rec store.DecisionRecord) string {
	if rec.ExperimentID != "" {
		return rec.ExperimentID
	}
	return cfg.ExperimentID
}

func outcomeStratum(rec store.DecisionRecord) string {
	if rec.Stratum != "" {
		return rec.Stratum
	}
	return stratum.GlobalKey
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// #endregion collect

// #region safety-derivation

// criticalDamageTypes are the damage classes whose misjudgment is a
// safety event in itself.
var criticalDamageTypes = map[string]bool{
	"structural":        true,
	"foundation":        true,
	"electrical":        true,
	"gas_leak":          true,
	"roof_collapse":     true,
	"asbestos":          true,
	"water_main_breach": true,
}

// lowConfidenceBar: a critical-type prediction below this confidence is
// treated as a safety violation when the reviewer rejects it.
const lowConfidenceBar = 40.0

// deriveSafetyViolation resolves the safety label. An explicit flag
// wins; otherwise a rejected assessment is a violation when any of the
// critical conditions holds.
func deriveSafetyViolation(review Review) bool {
	if review.SafetyViolation != nil {
		return *review.SafetyViolation
	}
	if review.IsCorrect {
		return false
	}
	if criticalDamageTypes[review.DamageType] {
		return true
	}
	for _, h := range review.Hazards {
		severe := h.Severity == "high" || h.Severity == "critical"
		pressing := h.Urgency == "immediate" || h.Urgency == "urgent"
		if severe && pressing {
			return true
		}
	}
	for _, v := range review.MissedCompliance {
		if v.RequiresProfessionalInspection {
			return true
		}
	}
	if review.Confidence < lowConfidenceBar && criticalDamageTypes[review.PredictedType] {
		return true
	}
	return false
}

// #endregion safety-derivation

// #region batch

// BatchCollect fans reviews out across at most MaxConcurrent workers.
// One review's failure never aborts the batch; untracked assessments
// count as skipped.
func (c *Collector) BatchCollect(ctx context.Context, reviews []Review) BatchResult {
	sem := semaphore.NewWeighted(c.config.MaxConcurrent)
	var mu sync.Mutex
	var res BatchResult
	var wg sync.WaitGroup

	for _, review := range reviews {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone: everything not yet started is an error.
			mu.Lock()
			res.Errors++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func(r Review) {
			defer wg.Done()
			defer sem.Release(1)
			err := c.Collect(ctx, r)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrNotTracked):
				res.Skipped++
			case err != nil:
				log.Printf("[FEEDBACK] batch item %s failed: %v", r.AssessmentID, err)
				res.Errors++
			default:
				res.Processed++
			}
		}(review)
	}
	wg.Wait()

	log.Printf("[FEEDBACK] batch done: processed=%d skipped=%d errors=%d",
		res.Processed, res.Skipped, res.Errors)
	return res
}

// #endregion batch
