// Package coverage audits conformal-prediction calibration from the
// validated-outcome log. Coverage per stratum is the fraction of
// outcomes whose true class landed in the candidate set emitted at
// decision time; a calibrated predictor keeps that near the target.
//
// Every method fails soft: a storage error is logged and an empty or
// default result returned, so this subsystem can never destabilize the
// decision path.
package coverage

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/propsure/decision-engine/internal/store"
)

// #region monitor

// Monitor computes coverage metrics on demand; nothing is maintained
// incrementally.
type Monitor struct {
	store  *store.Store
	config Config
}

// NewMonitor creates a monitor backed by the outcome log.
func NewMonitor(st *store.Store, config Config) *Monitor {
	return &Monitor{store: st, config: config}
}

// #endregion monitor

// #region stratum-metrics

// StratumMetrics returns per-stratum coverage over the recent window,
// with the daily violation count from the larger history window.
func (m *Monitor) StratumMetrics(ctx context.Context, experimentID string) []StratumMetrics {
	recent, err := m.store.RecentOutcomes(ctx, experimentID, m.config.RecentWindow)
	if err != nil {
		log.Printf("[COVERAGE] recent outcome scan failed for %s: %v", experimentID, err)
		return nil
	}
	if len(recent) == 0 {
		return nil
	}

	violationDays := m.violationDaysByStratum(ctx, experimentID)

	type tally struct{ covered, total int }
	byStratum := make(map[string]*tally)
	for _, rec := range recent {
		t := byStratum[rec.Stratum]
		if t == nil {
			t = &tally{}
			byStratum[rec.Stratum] = t
		}
		t.total++
		if rec.Covered {
			t.covered++
		}
	}

	out := make([]StratumMetrics, 0, len(byStratum))
	for strat, t := range byStratum {
		cov := float64(t.covered) / float64(t.total)
		violation := m.config.Target - cov
		if violation < 0 {
			violation = 0
		}
		days := violationDays[strat]
		out = append(out, StratumMetrics{
			Stratum:            strat,
			Coverage:           cov,
			ExpectedCoverage:   m.config.Target,
			Violation:          violation,
			SampleSize:         t.total,
			ViolationCount:     days,
			NeedsRecalibration: days >= m.config.ViolationDays && violation > m.config.DailySlack,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stratum < out[j].Stratum })
	return out
}

// violationDaysByStratum counts, per stratum, the distinct days in the
// history window whose daily coverage fell below target minus slack.
func (m *Monitor) violationDaysByStratum(ctx context.Context, experimentID string) map[string]int {
	history, err := m.store.RecentOutcomes(ctx, experimentID, m.config.HistoryWindow)
	if err != nil {
		log.Printf("[COVERAGE] history scan failed for %s: %v", experimentID, err)
		return nil
	}

	type tally struct{ covered, total int }
	daily := make(map[string]map[string]*tally) // stratum -> date -> tally
	for _, rec := range history {
		date := rec.CreatedAt.UTC().Format("2006-01-02")
		byDate := daily[rec.Stratum]
		if byDate == nil {
			byDate = make(map[string]*tally)
			daily[rec.Stratum] = byDate
		}
		t := byDate[date]
		if t == nil {
			t = &tally{}
			byDate[date] = t
		}
		t.total++
		if rec.Covered {
			t.covered++
		}
	}

	bar := m.config.Target - m.config.DailySlack
	out := make(map[string]int, len(daily))
	for strat, byDate := range daily {
		for _, t := range byDate {
			if float64(t.covered)/float64(t.total) < bar {
				out[strat]++
			}
		}
	}
	return out
}

// #endregion stratum-metrics

// #region trend

// Trend returns the last `days` days of daily coverage, oldest first.
// An empty stratum combines all strata. Days with no validated outcomes
// are omitted.
func (m *Monitor) Trend(ctx context.Context, experimentID, strat string, days int) []DailyCoverage {
	var (
		rows []store.OutcomeRecord
		err  error
	)
	if strat == "" {
		rows, err = m.store.RecentOutcomes(ctx, experimentID, m.config.HistoryWindow)
	} else {
		rows, err = m.store.RecentOutcomesByStratum(ctx, experimentID, strat, m.config.HistoryWindow)
	}
	if err != nil {
		log.Printf("[COVERAGE] trend scan failed for %s/%s: %v", experimentID, strat, err)
		return nil
	}

	type tally struct{ covered, total int }
	byDate := make(map[string]*tally)
	for _, rec := range rows {
		date := rec.CreatedAt.UTC().Format("2006-01-02")
		t := byDate[date]
		if t == nil {
			t = &tally{}
			byDate[date] = t
		}
		t.total++
		if rec.Covered {
			t.covered++
		}
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	if days > 0 && len(dates) > days {
		dates = dates[len(dates)-days:]
	}

	out := make([]DailyCoverage, 0, len(dates))
	for _, d := range dates {
		t := byDate[d]
		out = append(out, DailyCoverage{
			Date:       d,
			Coverage:   float64(t.covered) / float64(t.total),
			SampleSize: t.total,
		})
	}
	return out
}

// #endregion trend

// #region violations

// CheckViolations returns the strata currently below target coverage.
func (m *Monitor) CheckViolations(ctx context.Context, experimentID string) []Violation {
	var out []Violation
	for _, sm := range m.StratumMetrics(ctx, experimentID) {
		if sm.Violation <= 0 {
			continue
		}
		out = append(out, Violation{
			Stratum:    sm.Stratum,
			Observed:   sm.Coverage,
			Target:     sm.ExpectedCoverage,
			Gap:        sm.Violation,
			SampleSize: sm.SampleSize,
		})
	}
	return out
}

// RecalibrationSuggestions distinguishes strata that need recalibration
// now from strata whose violations rest on too little data.
func (m *Monitor) RecalibrationSuggestions(ctx context.Context, experimentID string) []Suggestion {
	var out []Suggestion
	for _, sm := range m.StratumMetrics(ctx, experimentID) {
		switch {
		case sm.NeedsRecalibration && sm.SampleSize >= m.config.MinSamples:
			out = append(out, Suggestion{
				Stratum: sm.Stratum,
				Action:  ActRecalibrate,
				Reason: fmt.Sprintf("coverage %.3f below target %.2f on %d violating days",
					sm.Coverage, sm.ExpectedCoverage, sm.ViolationCount),
				Metrics: sm,
			})
		case sm.Violation > 0 && sm.SampleSize < m.config.MinSamples:
			out = append(out, Suggestion{
				Stratum: sm.Stratum,
				Action:  ActCollectData,
				Reason: fmt.Sprintf("coverage %.3f below target but only %d samples (need %d)",
					sm.Coverage, sm.SampleSize, m.config.MinSamples),
				Metrics: sm,
			})
		}
	}
	return out
}

// #endregion violations
