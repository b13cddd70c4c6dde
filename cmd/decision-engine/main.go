package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/propsure/decision-engine/internal/config"
	"github.com/propsure/decision-engine/internal/contextvec"
	"github.com/propsure/decision-engine/internal/critic"
	"github.com/propsure/decision-engine/internal/engine"
	"github.com/propsure/decision-engine/internal/feedback"
	"github.com/propsure/decision-engine/internal/fusion"
	"github.com/propsure/decision-engine/internal/store"
	"github.com/propsure/decision-engine/internal/stratum"
)

// #region wire-types

type detectorLine struct {
	Confidence float64 `json:"confidence"`
	Detections int     `json:"detections"`
}

type driftLine struct {
	Detector string  `json:"detector"`
	Severity float64 `json:"severity"`
}

// assessLine is one decision request on stdin.
type assessLine struct {
	Kind               string                   `json:"kind"`
	AssessmentID       string                   `json:"assessment_id"`
	Detectors          map[string]*detectorLine `json:"detectors"`
	BaselineConfidence float64                  `json:"baseline_confidence"`
	Drift              *driftLine               `json:"drift,omitempty"`
	Stratum            string                   `json:"stratum,omitempty"`
	PredictionSet      []string                 `json:"prediction_set,omitempty"`
	SafetyThreshold    float64                  `json:"safety_threshold,omitempty"`
	CriticalHazard     bool                     `json:"critical_hazard,omitempty"`

	PredictionSetSize *int     `json:"prediction_set_size,omitempty"`
	SafetyCritical    bool     `json:"safety_critical,omitempty"`
	LightingQuality   *float64 `json:"lighting_quality,omitempty"`
	ImageClarity      *float64 `json:"image_clarity,omitempty"`
	PropertyAgeYears  *float64 `json:"property_age_years,omitempty"`
	DamageSiteCount   *int     `json:"damage_site_count,omitempty"`
	OODScore          *float64 `json:"ood_score,omitempty"`
	Region            string   `json:"region,omitempty"`
}

// reviewLine is one human validation on stdin.
type reviewLine struct {
	Kind            string   `json:"kind"`
	AssessmentID    string   `json:"assessment_id"`
	ValidatedBy     string   `json:"validated_by"`
	IsCorrect       bool     `json:"is_correct"`
	SafetyViolation *bool    `json:"safety_violation,omitempty"`
	DamageType      string   `json:"damage_type,omitempty"`
	PredictedType   string   `json:"predicted_type,omitempty"`
	Confidence      float64  `json:"confidence,omitempty"`
	TrueClass       string   `json:"true_class,omitempty"`
	Hazards         []hazard `json:"hazards,omitempty"`
}

type hazard struct {
	Severity string `json:"severity"`
	Urgency  string `json:"urgency"`
}

type decisionOut struct {
	AssessmentID string  `json:"assessment_id"`
	Arm          string  `json:"arm"`
	Reason       string  `json:"reason"`
	SafetyUCB    float64 `json:"safety_ucb"`
	RewardUCB    float64 `json:"reward_ucb"`
	FusedMean    float64 `json:"fused_mean"`
	Exploration  bool    `json:"exploration"`
}

// #endregion wire-types

// #region main

func main() {
	cfg, err := config.Load(os.Getenv("DECISION_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	cr := critic.New(st, cfg.Critic())
	eng := engine.New(st, cr, cfg.ExperimentID)
	fc := feedback.DefaultConfig()
	fc.ExperimentID = cfg.ExperimentID
	collector := feedback.NewCollector(st, cr, fc)

	fmt.Println("Decision engine ready.")
	fmt.Printf("  DB: %s | Experiment: %s | Safety threshold: %.3f\n",
		cfg.DBPath, cfg.ExperimentID, cfg.SafetyThreshold)
	fmt.Println(`One JSON object per line ("kind": "assess" or "review"), 'quit' to exit.`)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}

		var kind struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal([]byte(line), &kind); err != nil {
			log.Printf("bad input line: %v", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		switch kind.Kind {
		case "assess":
			handleAssess(ctx, eng, line)
		case "review":
			handleReview(ctx, collector, line)
		default:
			log.Printf("unknown kind %q", kind.Kind)
		}
		cancel()
	}
}

// #endregion main

// #region handlers

func handleAssess(ctx context.Context, eng *engine.Engine, line string) {
	var in assessLine
	if err := json.Unmarshal([]byte(line), &in); err != nil {
		log.Printf("bad assess line: %v", err)
		return
	}

	req := engine.DecisionRequest{
		AssessmentID:       in.AssessmentID,
		Detectors:          detectorInputs(in.Detectors),
		BaselineConfidence: in.BaselineConfidence,
		Stratum:            stratum.Parse(in.Stratum),
		PredictedSet:       in.PredictionSet,
		SafetyThreshold:    in.SafetyThreshold,
		CriticalHazardHint: in.CriticalHazard,
		Features: contextvec.RawFeatures{
			PredictionSetSize: in.PredictionSetSize,
			SafetyCritical:    in.SafetyCritical,
			LightingQuality:   in.LightingQuality,
			ImageClarity:      in.ImageClarity,
			PropertyAgeYears:  in.PropertyAgeYears,
			DamageSiteCount:   in.DamageSiteCount,
			OODScore:          in.OODScore,
			Region:            in.Region,
		},
	}
	if in.Drift != nil {
		if det, ok := parseDetector(in.Drift.Detector); ok {
			req.Drift = &fusion.DriftContext{Detector: det, Severity: in.Drift.Severity}
		} else {
			log.Printf("unknown drift detector %q, ignoring", in.Drift.Detector)
		}
	}

	result, err := eng.Decide(ctx, req)
	if err != nil {
		log.Printf("decide error: %v", err)
		return
	}

	out, _ := json.Marshal(decisionOut{
		AssessmentID: in.AssessmentID,
		Arm:          result.Decision.Arm.String(),
		Reason:       result.Decision.Reason,
		SafetyUCB:    result.Decision.SafetyUCB,
		RewardUCB:    result.Decision.RewardUCB,
		FusedMean:    result.Fusion.Mean,
		Exploration:  result.Decision.Exploration,
	})
	fmt.Println(string(out))
}

func handleReview(ctx context.Context, collector *feedback.Collector, line string) {
	var in reviewLine
	if err := json.Unmarshal([]byte(line), &in); err != nil {
		log.Printf("bad review line: %v", err)
		return
	}

	review := feedback.Review{
		AssessmentID:    in.AssessmentID,
		ValidatedBy:     in.ValidatedBy,
		IsCorrect:       in.IsCorrect,
		SafetyViolation: in.SafetyViolation,
		DamageType:      in.DamageType,
		PredictedType:   in.PredictedType,
		Confidence:      in.Confidence,
		TrueClass:       in.TrueClass,
	}
	for _, h := range in.Hazards {
		review.Hazards = append(review.Hazards, feedback.Hazard{Severity: h.Severity, Urgency: h.Urgency})
	}

	if err := collector.Collect(ctx, review); err != nil {
		if errors.Is(err, feedback.ErrNotTracked) {
			log.Printf("no decision on record for %s, skipped", in.AssessmentID)
			return
		}
		log.Printf("feedback error: %v", err)
		return
	}
	fmt.Printf("review recorded for %s\n", in.AssessmentID)
}

// #endregion handlers

// #region helpers

func detectorInputs(m map[string]*detectorLine) fusion.Inputs {
	var in fusion.Inputs
	for name, d := range m {
		if d == nil {
			continue
		}
		out := &fusion.Output{Confidence: d.Confidence, Detections: d.Detections}
		switch name {
		case "vision":
			in.Vision = out
		case "segmentation":
			in.Segmentation = out
		case "region_proposal":
			in.RegionProposal = out
		default:
			log.Printf("unknown detector %q, ignoring", name)
		}
	}
	return in
}

func parseDetector(name string) (fusion.Detector, bool) {
	switch name {
	case "vision":
		return fusion.Vision, true
	case "segmentation":
		return fusion.Segmentation, true
	case "region_proposal":
		return fusion.RegionProposal, true
	}
	return 0, false
}

// #endregion helpers
