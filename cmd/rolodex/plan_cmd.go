package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Napageneral/rolodex/internal/adjudicate"
	"github.com/Napageneral/rolodex/internal/cluster"
	"github.com/Napageneral/rolodex/internal/config"
	"github.com/Napageneral/rolodex/internal/gemini"
	"github.com/Napageneral/rolodex/internal/persons"
	"github.com/Napageneral/rolodex/internal/plan"
	"github.com/Napageneral/rolodex/internal/state"
)

func clusterOptions(cfg *config.Config) cluster.Options {
	return cluster.Options{
		MinValueLength: cfg.Clustering.MinValueLength,
		GenericValues:  cfg.Clustering.GenericValues,
	}
}

// loadClusters snapshots the store and clusters it.
func loadClusters(ctx context.Context, database *sql.DB, cfg *config.Config) ([]cluster.Cluster, []persons.SkippedRow) {
	snap, err := persons.LoadSnapshot(ctx, database)
	if err != nil {
		fatalf("Failed to read store: %v", err)
	}
	return cluster.Build(snap, clusterOptions(cfg)), snap.Skipped
}

func idList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func newCandidatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "candidates",
		Short: "List candidate duplicate clusters without adjudicating them",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK       bool                 `json:"ok"`
				Clusters []cluster.Cluster    `json:"clusters"`
				Skipped  []persons.SkippedRow `json:"skipped,omitempty"`
			}

			cfg, logger := loadConfig()
			database := openStore(cfg)
			defer database.Close()

			ctx, cancel := signalContext()
			defer cancel()

			clusters, skipped := loadClusters(ctx, database, cfg)
			for _, s := range skipped {
				logger.Warn("row skipped", "table", s.Table, "row_id", s.RowID, "reason", s.Reason)
			}
			if clusters == nil {
				clusters = []cluster.Cluster{}
			}

			if jsonOutput {
				printJSON(Result{OK: true, Clusters: clusters, Skipped: skipped})
				return
			}
			for i, c := range clusters {
				fmt.Printf("Cluster %d: [%s] via %s\n", i+1, idList(c.IDs), strings.Join(c.Keys, ", "))
				for _, m := range c.Members {
					fmt.Printf("  %d  %s", m.ID, m.Name)
					if len(m.Contacts) > 0 {
						fmt.Printf("  (%s)", strings.Join(m.Contacts, "; "))
					}
					fmt.Println()
				}
			}
			fmt.Printf("\n%d candidate clusters, %d rows skipped\n", len(clusters), len(skipped))
		},
	}
}

func newPlanCmd() *cobra.Command {
	var (
		outPath   string
		batchSize int
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Cluster, adjudicate and write a merge plan",
		Long: `Clusters the store, sends clusters to the configured adjudicator in
sequential batches, validates every verdict, and writes the accepted merges
to the plan file. The store is never modified. A failed batch is reported
and skipped.`,
		Run: func(cmd *cobra.Command, args []string) {
			type BatchLine struct {
				Batch    int    `json:"batch"`
				Clusters int    `json:"clusters"`
				Verdicts int    `json:"verdicts"`
				Accepted int    `json:"accepted"`
				Rejected int    `json:"rejected"`
				Error    string `json:"error,omitempty"`
			}
			type Result struct {
				OK            bool               `json:"ok"`
				Message       string             `json:"message,omitempty"`
				PlanPath      string             `json:"plan_path,omitempty"`
				Written       bool               `json:"written"`
				Clusters      int                `json:"clusters"`
				Skipped       int                `json:"skipped_rows"`
				Batches       []BatchLine        `json:"batches"`
				FailedBatches int                `json:"failed_batches"`
				Rejected      []string           `json:"rejected,omitempty"`
				Usage         *gemini.UsageStats `json:"usage,omitempty"`
				Plan          *plan.Plan         `json:"plan"`
			}

			cfg, logger := loadConfig()
			if outPath == "" {
				outPath = cfg.Plan.Path
			}
			if batchSize <= 0 {
				batchSize = cfg.Adjudicator.BatchSize
			}

			adj, err := adjudicate.FromConfig(cfg.Adjudicator)
			if err != nil {
				fatalf("Failed to configure adjudicator: %v", err)
			}

			database := openStore(cfg)
			defer database.Close()

			ctx, cancel := signalContext()
			defer cancel()

			clusters, skipped := loadClusters(ctx, database, cfg)
			for _, s := range skipped {
				logger.Warn("row skipped", "table", s.Table, "row_id", s.RowID, "reason", s.Reason)
			}

			gateway := adjudicate.NewGateway(adj, batchSize, logger)
			planner := plan.NewPlanner(logger)
			result := Result{OK: true, PlanPath: outPath, Clusters: len(clusters), Skipped: len(skipped), Batches: []BatchLine{}}
			total := gateway.Batches(len(clusters))

			if !jsonOutput {
				fmt.Printf("Found %d candidate clusters (%d batches)\n", len(clusters), total)
			}
			err = gateway.Each(ctx, clusters, func(r adjudicate.BatchResult) {
				line := BatchLine{Batch: r.Index + 1, Clusters: len(r.Clusters), Verdicts: len(r.Verdicts)}
				if r.Err != nil {
					line.Error = r.Err.Error()
					result.FailedBatches++
				} else {
					accepted, rejected := planner.Accept(r.Clusters, r.Verdicts)
					line.Accepted, line.Rejected = len(accepted), len(rejected)
				}
				result.Batches = append(result.Batches, line)
				if jsonOutput {
					return
				}
				if line.Error != "" {
					fmt.Printf("✗ batch %d/%d: %s\n", line.Batch, total, line.Error)
				} else {
					fmt.Printf("✓ batch %d/%d: %d verdicts, %d accepted, %d rejected\n", line.Batch, total, line.Verdicts, line.Accepted, line.Rejected)
				}
			})
			if err != nil {
				// interrupted: keep what was adjudicated so far
				logger.Warn("adjudication interrupted", "error", err)
				result.Message = "interrupted; plan covers completed batches only"
			}

			for _, verr := range planner.Rejected() {
				result.Rejected = append(result.Rejected, verr.Error())
			}
			p := planner.Plan()
			result.Plan = p
			if usage, ok := adjudicate.Usage(adj); ok {
				result.Usage = &usage
			}

			if !dryRun {
				if err := p.Save(outPath); err != nil {
					fatalf("Failed to write plan: %v", err)
				}
				result.Written = true
				recordRun(database, state.ScopePlan, map[string]string{
					"plan_id":  p.PlanID,
					"path":     outPath,
					"merges":   strconv.Itoa(len(p.Merges)),
					"clusters": strconv.Itoa(len(clusters)),
				}, logger)
			}

			if jsonOutput {
				printJSON(result)
				return
			}
			for _, r := range result.Rejected {
				fmt.Printf("  rejected: %s\n", r)
			}
			fmt.Println()
			printTally(os.Stdout, "Plan", [][2]string{
				{"Clusters", strconv.Itoa(result.Clusters)},
				{"Batches", strconv.Itoa(len(result.Batches))},
				{"Failed batches", strconv.Itoa(result.FailedBatches)},
				{"Rejected verdicts", strconv.Itoa(len(result.Rejected))},
				{"Merges", strconv.Itoa(len(p.Merges))},
				{"Redundant ids", strconv.Itoa(p.Tuples())},
			})
			if result.Usage != nil {
				fmt.Printf("Gemini usage: %d calls, %d prompt tokens, %d output tokens\n",
					result.Usage.GenerateCalls, result.Usage.PromptTokens, result.Usage.OutputTokens)
			}
			if result.Written {
				fmt.Printf("Merge plan written to %s\n", outPath)
			} else {
				fmt.Println("Dry run: plan not written")
			}
			if result.Message != "" {
				fmt.Println(result.Message)
			}
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Plan file to write (default: plan.path from config)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Clusters per adjudication request (default: adjudicator.batch_size)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Adjudicate and validate but do not write the plan")
	return cmd
}

// recordRun stores run metadata; failures are logged, not fatal.
func recordRun(database *sql.DB, scope string, values map[string]string, logger *slog.Logger) {
	values["last_run"] = time.Now().UTC().Format(time.RFC3339)
	for k, v := range values {
		if err := state.Set(database, scope, k, v); err != nil {
			logger.Warn("failed to record run state", "scope", scope, "key", k, "error", err)
			return
		}
	}
}
