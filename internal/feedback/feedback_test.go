package feedback

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/propsure/decision-engine/internal/critic"
	"github.com/propsure/decision-engine/internal/matrix"
	"github.com/propsure/decision-engine/internal/store"
)

func newTestCollector(t *testing.T) (*Collector, *store.Store, *critic.Critic) {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "feedback.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cr := critic.New(st, critic.DefaultConfig())
	return NewCollector(st, cr, DefaultConfig()), st, cr
}

func seedDecision(t *testing.T, st *store.Store, assessmentID string) store.DecisionRecord {
	t.Helper()
	var vec matrix.Vector
	vec[0] = 0.768
	vec[1] = 0.05
	rec := store.DecisionRecord{
		ID:              "d-" + assessmentID,
		AssessmentID:    assessmentID,
		ExperimentID:    "prod",
		Arm:             "automate",
		Stratum:         "region:west|severity:high",
		Context:         vec,
		PredictedSet:    []string{"water_damage", "mold"},
		SafetyThreshold: 0.05,
	}
	if err := st.PutDecision(context.Background(), rec); err != nil {
		t.Fatalf("seed decision: %v", err)
	}
	return rec
}

func TestCollectUpdatesCriticAndLogsOutcome(t *testing.T) {
	c, st, _ := newTestCollector(t)
	ctx := context.Background()
	seedDecision(t, st, "assess-1")

	err := c.Collect(ctx, Review{
		AssessmentID: "assess-1",
		ValidatedBy:  "reviewer-9",
		IsCorrect:    true,
		TrueClass:    "water_damage",
	})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	snap, found, err := st.GetModel(ctx, critic.DefaultConfig().ModelID)
	if err != nil || !found {
		t.Fatalf("model snapshot missing: found=%v err=%v", found, err)
	}
	if snap.N != 1 {
		t.Fatalf("critic n = %d, want 1", snap.N)
	}

	outcomes, err := st.RecentOutcomes(ctx, "prod", 10)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("outcome rows = %d, want 1", len(outcomes))
	}
	if !outcomes[0].Covered {
		t.Fatal("true class inside the candidate set should be covered")
	}
	if outcomes[0].Stratum != "region:west|severity:high" {
		t.Fatalf("outcome stratum = %q", outcomes[0].Stratum)
	}

	counters, found, err := st.GetFNRCounters(ctx, "region:west|severity:high")
	if err != nil || !found {
		t.Fatalf("fnr counters missing: found=%v err=%v", found, err)
	}
	if counters.TotalAutomated != 1 || counters.FalseNegatives != 0 {
		t.Fatalf("counters = %d/%d, want 0/1", counters.FalseNegatives, counters.TotalAutomated)
	}
}

func TestCollectUncoveredOutcome(t *testing.T) {
	c, st, _ := newTestCollector(t)
	ctx := context.Background()
	seedDecision(t, st, "assess-2")

	if err := c.Collect(ctx, Review{
		AssessmentID: "assess-2",
		IsCorrect:    false,
		TrueClass:    "structural", // not in the candidate set
		DamageType:   "structural",
	}); err != nil {
		t.Fatalf("collect: %v", err)
	}

	outcomes, err := st.RecentOutcomes(ctx, "prod", 10)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Covered {
		t.Fatalf("expected one uncovered outcome, got %+v", outcomes)
	}

	// Rejected critical damage type: counts as a false negative for the
	// automated decision.
	counters, _, err := st.GetFNRCounters(ctx, "region:west|severity:high")
	if err != nil {
		t.Fatalf("fnr: %v", err)
	}
	if counters.FalseNegatives != 1 {
		t.Fatalf("false negatives = %d, want 1", counters.FalseNegatives)
	}
}

func TestCollectUntrackedAssessment(t *testing.T) {
	c, st, _ := newTestCollector(t)

	err := c.Collect(context.Background(), Review{AssessmentID: "ghost"})
	if err != ErrNotTracked {
		t.Fatalf("err = %v, want ErrNotTracked", err)
	}

	snap, found, err := st.GetModel(context.Background(), critic.DefaultConfig().ModelID)
	if err != nil {
		t.Fatalf("get model: %v", err)
	}
	if found && snap.N != 0 {
		t.Fatal("untracked validation must not update the model")
	}
}

func TestDeriveSafetyViolation(t *testing.T) {
	boolp := func(b bool) *bool { return &b }
	cases := []struct {
		name   string
		review Review
		want   bool
	}{
		{"explicit true wins", Review{IsCorrect: true, SafetyViolation: boolp(true)}, true},
		{"explicit false wins", Review{IsCorrect: false, DamageType: "structural", SafetyViolation: boolp(false)}, false},
		{"correct assessment never violates", Review{IsCorrect: true, DamageType: "structural"}, false},
		{"critical damage type", Review{IsCorrect: false, DamageType: "gas_leak"}, true},
		{"benign damage type", Review{IsCorrect: false, DamageType: "cosmetic", Confidence: 90}, false},
		{"severe urgent hazard", Review{IsCorrect: false, Confidence: 90, Hazards: []Hazard{{Severity: "high", Urgency: "immediate"}}}, true},
		{"severe but routine hazard", Review{IsCorrect: false, Confidence: 90, Hazards: []Hazard{{Severity: "high", Urgency: "routine"}}}, false},
		{"missed inspection-grade compliance", Review{IsCorrect: false, Confidence: 90, MissedCompliance: []ComplianceViolation{{Code: "E-101", RequiresProfessionalInspection: true}}}, true},
		{"missed minor compliance", Review{IsCorrect: false, Confidence: 90, MissedCompliance: []ComplianceViolation{{Code: "P-7"}}}, false},
		{"low confidence critical prediction", Review{IsCorrect: false, PredictedType: "electrical", Confidence: 30}, true},
		{"high confidence critical prediction", Review{IsCorrect: false, PredictedType: "electrical", Confidence: 85}, false},
	}
	for _, c := range cases {
		if got := deriveSafetyViolation(c.review); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestBatchCollect(t *testing.T) {
	c, st, _ := newTestCollector(t)
	ctx := context.Background()

	var reviews []Review
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("assess-%d", i)
		seedDecision(t, st, id)
		reviews = append(reviews, Review{AssessmentID: id, IsCorrect: true, TrueClass: "mold"})
	}
	// Two validations nobody tracked.
	reviews = append(reviews,
		Review{AssessmentID: "ghost-1"},
		Review{AssessmentID: "ghost-2"},
	)

	res := c.BatchCollect(ctx, reviews)
	if res.Processed != 8 || res.Skipped != 2 || res.Errors != 0 {
		t.Fatalf("batch = %+v, want 8/2/0", res)
	}

	outcomes, err := st.RecentOutcomes(ctx, "prod", 100)
	if err != nil {
		t.Fatalf("outcomes: %v", err)
	}
	if len(outcomes) != 8 {
		t.Fatalf("outcome rows = %d, want 8", len(outcomes))
	}
}
