// inspect surfaces the persisted critic state: the model snapshot,
// per-stratum false-negative counters, and recent decisions. The replay
// subcommand re-scores stored decisions against the current model and
// reports arm flips.
package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/propsure/decision-engine/internal/config"
	"github.com/propsure/decision-engine/internal/critic"
	"github.com/propsure/decision-engine/internal/matrix"
	"github.com/propsure/decision-engine/internal/store"
	"github.com/propsure/decision-engine/internal/stratum"
)

var (
	dbPath  string
	jsonOut bool
)

func main() {
	root := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect persisted decision-engine state",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the decision database (defaults to config)")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of tables")

	root.AddCommand(modelCmd(), fnrCmd(), decisionsCmd(), replayCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #region model

type modelOut struct {
	ModelID   string  `json:"model_id"`
	N         int64   `json:"n"`
	Beta      float64 `json:"beta"`
	Gamma     float64 `json:"gamma"`
	Lambda    float64 `json:"lambda"`
	ThetaNorm float64 `json:"theta_norm"`
	PhiNorm   float64 `json:"phi_norm"`
	UpdatedAt string  `json:"updated_at"`
}

func modelCmd() *cobra.Command {
	var modelID string
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Show the persisted model snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if modelID == "" {
				modelID = cfg.ModelID
			}

			snap, found, err := st.GetModel(cmd.Context(), modelID)
			if err != nil {
				return err
			}
			if !found {
				fmt.Printf("no snapshot for %s (cold start)\n", modelID)
				return nil
			}

			out := modelOut{
				ModelID:   snap.ModelID,
				N:         snap.N,
				Beta:      snap.Beta,
				Gamma:     snap.Gamma,
				Lambda:    snap.Lambda,
				ThetaNorm: vectorNorm(snap.Theta),
				PhiNorm:   vectorNorm(snap.Phi),
				UpdatedAt: snap.UpdatedAt.Format("2006-01-02T15:04:05Z"),
			}
			if jsonOut {
				return printJSON(out)
			}
			fmt.Printf("Model:      %s\n", out.ModelID)
			fmt.Printf("Decisions:  %d\n", out.N)
			fmt.Printf("Beta/Gamma: %.2f / %.2f\n", out.Beta, out.Gamma)
			fmt.Printf("Lambda:     %.2f\n", out.Lambda)
			fmt.Printf("Theta norm: %.4f\n", out.ThetaNorm)
			fmt.Printf("Phi norm:   %.4f\n", out.PhiNorm)
			fmt.Printf("Updated:    %s\n", out.UpdatedAt)
			return nil
		},
	}
	cmd.Flags().StringVar(&modelID, "model", "", "model id (defaults to config)")
	return cmd
}

// #endregion model

// #region fnr

func fnrCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fnr",
		Short: "Show per-stratum false-negative counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			counters, err := st.ListFNRCounters(cmd.Context())
			if err != nil {
				return err
			}
			if len(counters) == 0 {
				fmt.Println("no counters recorded")
				return nil
			}

			if jsonOut {
				return printJSON(counters)
			}
			fmt.Printf("%-40s  %6s  %10s  %8s\n", "Stratum", "FN", "Automated", "Rate")
			for _, c := range counters {
				rate := 0.0
				if c.TotalAutomated > 0 {
					rate = float64(c.FalseNegatives) / float64(c.TotalAutomated)
				}
				fmt.Printf("%-40s  %6d  %10d  %8.4f\n",
					c.Stratum, c.FalseNegatives, c.TotalAutomated, rate)
			}
			return nil
		},
	}
}

// #endregion fnr

// #region decisions

func decisionsCmd() *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "Show recent decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListDecisions(cmd.Context(), last)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no decisions recorded")
				return nil
			}

			if jsonOut {
				return printJSON(records)
			}
			fmt.Printf("%-24s  %-9s  %10s  %10s  %s\n",
				"Assessment", "Arm", "SafetyUCB", "RewardUCB", "Reason")
			for _, r := range records {
				fmt.Printf("%-24s  %-9s  %10.4f  %10.4f  %s\n",
					r.AssessmentID, r.Arm, r.SafetyUCB, r.RewardUCB, r.Reason)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&last, "last", 20, "show N most recent decisions")
	return cmd
}

// #endregion decisions

// #region replay

func replayCmd() *cobra.Command {
	var last int
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Re-score stored decisions against the current model",
		Long: `Re-score stored decisions against the current model, using the exact
context vector and safety threshold persisted at decision time, and
report any arm flips.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListDecisions(cmd.Context(), last)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no decisions to replay")
				return nil
			}

			cr := critic.New(st, cfg.Critic())
			flips := 0
			for _, rec := range records {
				decision, err := cr.SelectArm(cmd.Context(), critic.SelectRequest{
					Context:         rec.Context[:],
					SafetyThreshold: rec.SafetyThreshold,
					Stratum:         stratum.Parse(rec.Stratum),
				})
				if err != nil {
					fmt.Fprintf(os.Stderr, "replay %s: %v\n", rec.AssessmentID, err)
					continue
				}
				was := critic.ParseArm(rec.Arm)
				if decision.Arm == was {
					continue
				}
				flips++
				color.Yellow("%s: %s -> %s (%s)",
					rec.AssessmentID, was, decision.Arm, decision.Reason)
			}

			if flips == 0 {
				color.Green("replayed %d decisions, no flips", len(records))
			} else {
				fmt.Printf("replayed %d decisions, %d flipped\n", len(records), flips)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&last, "last", 100, "replay the N most recent decisions")
	return cmd
}

// #endregion replay

// #region helpers

func openStore() (*store.Store, config.Config, error) {
	cfg, err := config.Load(os.Getenv("DECISION_CONFIG"))
	if err != nil {
		return nil, config.Config{}, err
	}
	if dbPath == "" {
		dbPath = cfg.DBPath
	}
	st, err := store.NewStore(dbPath)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("open store: %w", err)
	}
	return st, cfg, nil
}

func vectorNorm(v matrix.Vector) float64 {
	var sum float64
	for _, f := range v {
		sum += f * f
	}
	return math.Sqrt(sum)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// #endregion helpers
