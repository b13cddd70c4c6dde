package critic

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/propsure/decision-engine/internal/stratum"
)

// #region thresholds

const (
	// fnrMinSample: below this many automate decisions a stratum always
	// escalates, whatever the raw rate says.
	fnrMinSample = 10
	// fnrPointEstimateSample: at and above this the point estimate is
	// trusted directly.
	fnrPointEstimateSample = 100
	// fnrBound is the acceptable false-negative-rate ceiling.
	fnrBound = 0.05
	// wilsonZ is the 95% one-sided normal quantile used by the Wilson
	// score upper bound.
	wilsonZ = 1.96
)

// #endregion thresholds

// #region get-fnr

// GetFNR returns the false-negative verdict for one stratum. Results for
// strata with at least one observation are cached until RecordOutcome
// invalidates them; empty strata are never cached so fresh data shows up
// immediately.
func (c *Critic) GetFNR(ctx context.Context, strat stratum.Path) FNRResult {
	key := strat.String()

	c.fnrMu.Lock()
	if res, ok := c.fnrCache[key]; ok {
		c.fnrMu.Unlock()
		return res
	}
	c.fnrMu.Unlock()

	counters, found, err := c.store.GetFNRCounters(ctx, key)
	if err != nil {
		log.Printf("[CRITIC] fnr lookup failed for %s, escalating: %v", key, err)
		return FNRResult{
			UpperBound:     1.0,
			ShouldEscalate: true,
			Reason:         "fnr lookup failed",
		}
	}

	res := evaluateFNR(counters.FalseNegatives, counters.TotalAutomated, found)

	if res.SampleSize > 0 {
		c.fnrMu.Lock()
		c.fnrCache[key] = res
		c.fnrMu.Unlock()
	}
	return res
}

func evaluateFNR(falseNegatives, totalAutomated int64, found bool) FNRResult {
	if !found || totalAutomated == 0 {
		return FNRResult{
			UpperBound:     1.0,
			ShouldEscalate: true,
			Reason:         "no automated decisions recorded",
		}
	}

	raw := float64(falseNegatives) / float64(totalAutomated)
	res := FNRResult{FNR: raw, SampleSize: totalAutomated}

	switch {
	case totalAutomated < fnrMinSample:
		res.UpperBound = 1.0
		res.ShouldEscalate = true
		res.Reason = fmt.Sprintf("insufficient sample: %d automated decisions (need %d)",
			totalAutomated, fnrMinSample)
	case totalAutomated < fnrPointEstimateSample:
		res.UpperBound = wilsonUpper(raw, totalAutomated)
		res.ShouldEscalate = res.UpperBound >= fnrBound
		if res.ShouldEscalate {
			res.Reason = fmt.Sprintf("wilson upper bound %.4f >= %.2f at n=%d",
				res.UpperBound, fnrBound, totalAutomated)
		}
	default:
		res.UpperBound = raw
		res.ShouldEscalate = raw >= fnrBound
		if res.ShouldEscalate {
			res.Reason = fmt.Sprintf("fnr %.4f >= %.2f at n=%d", raw, fnrBound, totalAutomated)
		}
	}
	return res
}

// wilsonUpper is the Wilson score 95% upper bound for a binomial
// proportion. More reliable than the normal approximation at the small
// sample sizes where it is applied.
func wilsonUpper(p float64, n int64) float64 {
	nf := float64(n)
	z2 := wilsonZ * wilsonZ
	center := p + z2/(2*nf)
	margin := wilsonZ * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf))
	ub := (center + margin) / (1 + z2/nf)
	if ub > 1 {
		return 1
	}
	return ub
}

// #endregion get-fnr

// #region fallback

// GetFNRWithFallback walks the stratum hierarchy - specific, one facet
// dropped, two dropped, global - and uses the first level with enough
// sample. When no level qualifies, the specific stratum's verdict is
// returned with escalation forced.
func (c *Critic) GetFNRWithFallback(ctx context.Context, strat stratum.Path) FNRFallback {
	var specific FNRResult
	for i, lvl := range strat.FallbackChain() {
		res := c.GetFNR(ctx, lvl)
		if i == 0 {
			specific = res
		}
		if res.SampleSize >= fnrMinSample {
			// Short paths collapse to the global bucket early; it still
			// reports as the deepest level.
			depth := i
			if lvl.IsGlobal() {
				depth = 3
			}
			return FNRFallback{FNRResult: res, Level: lvl.String(), Depth: depth}
		}
	}

	specific.ShouldEscalate = true
	if specific.Reason == "" {
		specific.Reason = "no stratum level has sufficient sample"
	}
	return FNRFallback{FNRResult: specific, Level: strat.String(), Depth: 0}
}

// #endregion fallback

// #region record-outcome

// RecordOutcome counts a validated automate decision against its
// stratum. Escalate decisions carry no false-negative information and
// are ignored. The stratum's cache entry is invalidated either way the
// write goes, synchronously and scoped to that stratum only.
func (c *Critic) RecordOutcome(ctx context.Context, strat stratum.Path, decision Arm, criticalHazardPresent bool) error {
	if decision != Automate {
		return nil
	}
	key := strat.String()
	err := c.store.IncrementFNR(ctx, key, criticalHazardPresent)

	c.fnrMu.Lock()
	delete(c.fnrCache, key)
	c.fnrMu.Unlock()

	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", key, err)
	}
	return nil
}

// #endregion record-outcome
