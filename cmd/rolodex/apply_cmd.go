package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Napageneral/rolodex/internal/merge"
	"github.com/Napageneral/rolodex/internal/plan"
	"github.com/Napageneral/rolodex/internal/state"
)

func newApplyCmd() *cobra.Command {
	var (
		planPath string
		dryRun   bool
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a merge plan to the store",
		Long: `Applies every (primary, redundant) pair of the plan in its own
transaction. A failed pair is rolled back and reported; the rest still run.
Re-applying a plan that was already applied changes nothing.

With --dry-run each pair runs and is then rolled back, reporting what would
move. With --watch the plan is re-applied whenever the file is saved.`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, logger := loadConfig()
			if planPath == "" {
				planPath = cfg.Plan.Path
			}

			database := openStore(cfg)
			defer database.Close()

			unlock, err := merge.Lock(cfg.Store.Path)
			if err != nil {
				fatalf("Failed to lock store: %v", err)
			}
			defer unlock()

			ctx, cancel := signalContext()
			defer cancel()

			run := func(p *plan.Plan) {
				runApply(ctx, database, p, planPath, dryRun, logger)
			}

			p, err := plan.Load(planPath)
			if err != nil {
				if !watch {
					fatalf("Failed to load plan: %v", err)
				}
				logger.Warn("plan not loaded; waiting for changes", "path", planPath, "error", err)
			} else {
				run(p)
			}

			if !watch {
				return
			}
			err = plan.Watch(ctx, planPath, plan.DefaultDebounce, logger, func(p *plan.Plan, err error) {
				if err != nil {
					logger.Warn("plan not loaded", "path", planPath, "error", err)
					return
				}
				run(p)
			})
			if err != nil {
				fatalf("Failed to watch plan: %v", err)
			}
		},
	}

	cmd.Flags().StringVarP(&planPath, "plan", "p", "", "Plan file to apply (default: plan.path from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run each merge and roll it back without changing the store")
	cmd.Flags().BoolVar(&watch, "watch", false, "Re-apply the plan every time the file changes")
	return cmd
}

func runApply(ctx context.Context, database *sql.DB, p *plan.Plan, planPath string, dryRun bool, logger *slog.Logger) {
	type Result struct {
		OK      bool          `json:"ok"`
		Message string        `json:"message,omitempty"`
		Path    string        `json:"plan_path"`
		Report  *merge.Report `json:"report"`
	}

	opts := merge.Options{DryRun: dryRun, Logger: logger}
	if !jsonOutput {
		opts.OnOutcome = printOutcome
	}
	report, err := merge.NewExecutor(database, opts).Apply(ctx, p)

	result := Result{OK: report.Failed == 0, Path: planPath, Report: report}
	if errors.Is(err, context.Canceled) {
		result.Message = "interrupted; re-run the same plan to resume"
	}
	if !dryRun {
		recordRun(database, state.ScopeApply, map[string]string{
			"plan_id":  p.PlanID,
			"path":     planPath,
			"merged":   strconv.Itoa(report.Merged),
			"repaired": strconv.Itoa(report.Repaired),
			"failed":   strconv.Itoa(report.Failed),
		}, logger)
	}

	if jsonOutput {
		printJSON(result)
		return
	}
	for _, r := range report.Rejected {
		fmt.Printf("- skipped: %s\n", r)
	}
	fmt.Println()
	title := "Apply"
	if dryRun {
		title = "Dry run"
	}
	printTally(os.Stdout, title, [][2]string{
		{"Merged", strconv.Itoa(report.Merged)},
		{"Leftovers repointed", strconv.Itoa(report.Repaired)},
		{"Already merged", strconv.Itoa(report.NoOps)},
		{"Failed", strconv.Itoa(report.Failed)},
		{"Skipped (invalid)", strconv.Itoa(len(report.Rejected))},
		{"Rows moved", strconv.Itoa(report.RowsMoved)},
	})
	if result.Message != "" {
		fmt.Println(result.Message)
	}
}

func printOutcome(o merge.Outcome) {
	switch {
	case o.Err != nil:
		fmt.Printf("✗ %d -> %d: %s\n", o.RedundantID, o.PrimaryID, o.Err)
	case o.State == merge.StateSimulated && o.Deleted:
		fmt.Printf("~ %d -> %d: would move %d rows, drop %d duplicates\n", o.RedundantID, o.PrimaryID, o.RowsMoved, o.Dropped)
	case o.State == merge.StateSimulated && o.Repaired():
		fmt.Printf("~ %d -> %d: already deleted, would repoint %d leftover rows\n", o.RedundantID, o.PrimaryID, o.RowsMoved)
	case o.Deleted:
		fmt.Printf("✓ %d -> %d: moved %d rows, dropped %d duplicates\n", o.RedundantID, o.PrimaryID, o.RowsMoved, o.Dropped)
	case o.Repaired():
		fmt.Printf("✓ %d -> %d: already deleted, repointed %d leftover rows\n", o.RedundantID, o.PrimaryID, o.RowsMoved)
	default:
		fmt.Printf("· %d -> %d: already merged\n", o.RedundantID, o.PrimaryID)
	}
}
