// coverage-audit reports conformal coverage health for an experiment:
// per-stratum metrics, current violations, daily trends, and
// recalibration suggestions.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/propsure/decision-engine/internal/config"
	"github.com/propsure/decision-engine/internal/coverage"
	"github.com/propsure/decision-engine/internal/store"
)

var (
	dbPath     string
	experiment string
)

func main() {
	root := &cobra.Command{
		Use:   "coverage-audit",
		Short: "Audit conformal coverage for validated assessment outcomes",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the decision database (defaults to config)")
	root.PersistentFlags().StringVar(&experiment, "experiment", "", "experiment id (defaults to config)")

	root.AddCommand(metricsCmd(), violationsCmd(), trendCmd(), suggestCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #region commands

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Per-stratum coverage metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			mon, exp, closeFn, err := openMonitor()
			if err != nil {
				return err
			}
			defer closeFn()

			rows := mon.StratumMetrics(cmd.Context(), exp)
			if len(rows) == 0 {
				fmt.Println("no validated outcomes recorded")
				return nil
			}

			fmt.Printf("%-40s  %8s  %8s  %6s  %s\n", "Stratum", "Coverage", "Target", "N", "Status")
			for _, m := range rows {
				status := color.GreenString("ok")
				if m.NeedsRecalibration {
					status = color.RedString("recalibrate")
				} else if m.Violation > 0 {
					status = color.YellowString("below target")
				}
				fmt.Printf("%-40s  %8.4f  %8.2f  %6d  %s\n",
					m.Stratum, m.Coverage, m.ExpectedCoverage, m.SampleSize, status)
			}
			return nil
		},
	}
}

func violationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "violations",
		Short: "Strata currently below the coverage target",
		RunE: func(cmd *cobra.Command, args []string) error {
			mon, exp, closeFn, err := openMonitor()
			if err != nil {
				return err
			}
			defer closeFn()

			violations := mon.CheckViolations(cmd.Context(), exp)
			if len(violations) == 0 {
				color.Green("all strata at or above target")
				return nil
			}
			for _, v := range violations {
				color.Red("%s: observed %.4f vs target %.2f (gap %.4f, n=%d)",
					v.Stratum, v.Observed, v.Target, v.Gap, v.SampleSize)
			}
			return nil
		},
	}
}

func trendCmd() *cobra.Command {
	var days int
	var strat string
	cmd := &cobra.Command{
		Use:   "trend",
		Short: "Daily coverage trend for one stratum",
		RunE: func(cmd *cobra.Command, args []string) error {
			mon, exp, closeFn, err := openMonitor()
			if err != nil {
				return err
			}
			defer closeFn()

			points := mon.Trend(cmd.Context(), exp, strat, days)
			if len(points) == 0 {
				fmt.Println("no outcomes in window")
				return nil
			}
			for _, p := range points {
				fmt.Printf("%s  %.4f  (n=%d)\n", p.Date, p.Coverage, p.SampleSize)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 14, "trailing days to report")
	cmd.Flags().StringVar(&strat, "stratum", "", "stratum key (empty = all strata combined)")
	return cmd
}

func suggestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suggest",
		Short: "Recalibration suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			mon, exp, closeFn, err := openMonitor()
			if err != nil {
				return err
			}
			defer closeFn()

			suggestions := mon.RecalibrationSuggestions(cmd.Context(), exp)
			if len(suggestions) == 0 {
				color.Green("no action needed")
				return nil
			}
			for _, s := range suggestions {
				switch s.Action {
				case coverage.ActRecalibrate:
					color.Red("%s: %s", s.Stratum, s.Reason)
				default:
					color.Yellow("%s: %s", s.Stratum, s.Reason)
				}
			}
			return nil
		},
	}
}

// #endregion commands

// #region wiring

func openMonitor() (*coverage.Monitor, string, func(), error) {
	cfg, err := config.Load(os.Getenv("DECISION_CONFIG"))
	if err != nil {
		return nil, "", nil, err
	}
	if dbPath == "" {
		dbPath = cfg.DBPath
	}
	if experiment == "" {
		experiment = cfg.ExperimentID
	}

	st, err := store.NewStore(dbPath)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open store: %w", err)
	}

	cc := coverage.DefaultConfig()
	cc.Target = cfg.CoverageTarget
	return coverage.NewMonitor(st, cc), experiment, func() { st.Close() }, nil
}

// #endregion wiring
