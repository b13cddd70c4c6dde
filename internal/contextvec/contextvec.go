// Package contextvec builds the fixed 12-dimensional context vector that
// feeds both linear models of the safety critic. Construction is a pure
// function of its input; every coordinate has a documented default when
// its raw signal is absent.
package contextvec

import (
	"fmt"
	"hash/fnv"
	"math"

	"github.com/propsure/decision-engine/internal/matrix"
)

// Dim is the context vector dimension.
const Dim = matrix.Dim

// #region coordinates

// Coordinate indices. The order is a persisted contract: stored decision
// records replay through the same positions.
const (
	IdxFusionMean = iota
	IdxFusionVariance
	IdxPredictionSetSize
	IdxSafetyCritical
	IdxLightingQuality
	IdxImageClarity
	IdxPropertyAge
	IdxDamageSiteCount
	IdxDetectorDisagreement
	IdxOODScore
	IdxRegion
	IdxPropertyAgeBin
)

// #endregion coordinates

// #region raw-features

// RawFeatures carries the per-assessment signals the builder consumes.
// Pointer fields are optional; nil selects the documented default.
type RawFeatures struct {
	FusionMean           float64 // fused detector confidence, [0,1]
	FusionVariance       float64 // fused variance, clamped to [0,1]
	PredictionSetSize    *int    // conformal candidate-set size; default 4 (uncertain)
	SafetyCritical       bool    // assessment touches a safety-critical damage type
	LightingQuality      *float64 // [0,1]; default 0.5
	ImageClarity         *float64 // [0,1]; default 0.5
	PropertyAgeYears     *float64 // years; default 30
	DamageSiteCount      *int     // distinct damage sites; default 1
	DetectorDisagreement float64  // [0,1] spread across detectors
	OODScore             *float64 // out-of-distribution score, [0,1]; default 0.5
	Region               string   // categorical; default "unknown"
}

// maxPredictionSetSize bounds the normalized candidate-set coordinate.
const maxPredictionSetSize = 8

// maxDamageSites bounds the normalized damage-site coordinate.
const maxDamageSites = 10

// maxPropertyAge bounds the normalized property-age coordinate.
const maxPropertyAge = 100.0

// #endregion raw-features

// #region construct

// Construct turns raw signals into the 12-dimensional context vector.
// Identical input always yields an identical vector.
func Construct(raw RawFeatures) matrix.Vector {
	setSize := 4
	if raw.PredictionSetSize != nil {
		setSize = *raw.PredictionSetSize
	}
	lighting := orDefault(raw.LightingQuality, 0.5)
	clarity := orDefault(raw.ImageClarity, 0.5)
	ageYears := orDefault(raw.PropertyAgeYears, 30)
	sites := 1
	if raw.DamageSiteCount != nil {
		sites = *raw.DamageSiteCount
	}
	ood := orDefault(raw.OODScore, 0.5)
	region := raw.Region
	if region == "" {
		region = "unknown"
	}

	var v matrix.Vector
	v[IdxFusionMean] = clamp01(raw.FusionMean)
	v[IdxFusionVariance] = clamp01(raw.FusionVariance)
	v[IdxPredictionSetSize] = clamp01(float64(setSize) / maxPredictionSetSize)
	if raw.SafetyCritical {
		v[IdxSafetyCritical] = 1.0
	}
	v[IdxLightingQuality] = clamp01(lighting)
	v[IdxImageClarity] = clamp01(clarity)
	v[IdxPropertyAge] = clamp01(ageYears / maxPropertyAge)
	v[IdxDamageSiteCount] = clamp01(float64(sites) / maxDamageSites)
	v[IdxDetectorDisagreement] = clamp01(raw.DetectorDisagreement)
	v[IdxOODScore] = clamp01(ood)
	v[IdxRegion] = EncodeRegion(region)
	v[IdxPropertyAgeBin] = EncodePropertyAgeBin(PropertyAgeBin(ageYears))
	return v
}

// #endregion construct

// #region validate

// Validate checks a candidate context vector. A nil error means the
// vector is usable by the critic; it never panics on bad input.
func Validate(v []float64) error {
	if len(v) != Dim {
		return fmt.Errorf("context vector has %d dimensions, want %d", len(v), Dim)
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("context vector entry %d is not finite", i)
		}
	}
	return nil
}

// #endregion validate

// #region encoders

// EncodeRegion maps a region name to a stable value in [0,1).
func EncodeRegion(region string) float64 {
	return hashUnit("region|" + region)
}

// EncodePropertyAgeBin maps an age-bin label to a stable value in [0,1).
func EncodePropertyAgeBin(bin string) float64 {
	return hashUnit("age_bin|" + bin)
}

// PropertyAgeBin buckets a property age in years into a coarse label.
func PropertyAgeBin(years float64) string {
	switch {
	case years < 0:
		return "unknown"
	case years <= 5:
		return "0-5"
	case years <= 15:
		return "6-15"
	case years <= 30:
		return "16-30"
	case years <= 50:
		return "31-50"
	default:
		return "50+"
	}
}

// hashUnit maps a string to [0,1) via FNV-1a. Same input, same output,
// across processes and restarts.
func hashUnit(s string) float64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return float64(h.Sum64()>>11) / float64(1<<53)
}

// #endregion encoders

// #region helpers

func orDefault(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
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

// #endregion helpers
