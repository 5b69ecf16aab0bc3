package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Napageneral/rolodex/internal/persons"
	"github.com/Napageneral/rolodex/internal/state"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that no row references a missing person",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool             `json:"ok"`
				Orphans []persons.Orphan `json:"orphans"`
			}

			cfg, _ := loadConfig()
			database := openStore(cfg)
			defer database.Close()

			ctx, cancel := signalContext()
			defer cancel()

			orphans, err := persons.FindOrphans(ctx, database)
			if err != nil {
				fatalf("Failed to verify store: %v", err)
			}
			result := Result{OK: len(orphans) == 0, Orphans: orphans}
			if result.Orphans == nil {
				result.Orphans = []persons.Orphan{}
			}

			if jsonOutput {
				printJSON(result)
			} else if result.OK {
				fmt.Println("✓ Every person reference points at a live person")
			} else {
				for _, o := range orphans {
					fmt.Printf("✗ %s.%s: %d rows reference missing persons\n", o.Table, o.Column, o.Rows)
				}
			}
			if !result.OK {
				os.Exit(1)
			}
		},
	}
}

func newLookupCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "lookup <term>",
		Short: "Find persons by name, id or folder hash",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool            `json:"ok"`
				Term    string          `json:"term"`
				Matches []persons.Match `json:"matches"`
			}

			cfg, _ := loadConfig()
			database := openStore(cfg)
			defer database.Close()

			ctx, cancel := signalContext()
			defer cancel()

			matches, err := persons.Lookup(ctx, database, args[0], limit)
			if err != nil {
				fatalf("Lookup failed: %v", err)
			}
			if matches == nil {
				matches = []persons.Match{}
			}

			if jsonOutput {
				printJSON(Result{OK: true, Term: args[0], Matches: matches})
				return
			}
			if len(matches) == 0 {
				fmt.Printf("No persons match %q\n", args[0])
				return
			}
			for _, m := range matches {
				p := m.Person
				fmt.Printf("%d  %s", p.ID, p.Name)
				if p.DisplayName != "" && p.DisplayName != p.Name {
					fmt.Printf(" (%s)", p.DisplayName)
				}
				fmt.Println()
				if p.FolderHash != "" {
					fmt.Printf("    folder: %s\n", p.FolderHash)
				}
				if len(m.Contacts) > 0 {
					cs := make([]string, 0, len(m.Contacts))
					for _, c := range m.Contacts {
						cs = append(cs, c.String())
					}
					fmt.Printf("    contacts: %s\n", strings.Join(cs, ", "))
				}
				fmt.Printf("    media: %d\n", m.MediaCount)
			}
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of matches")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store counts and the last plan/apply runs",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK        bool              `json:"ok"`
				Stats     *persons.Stats    `json:"stats"`
				LastPlan  map[string]string `json:"last_plan,omitempty"`
				LastApply map[string]string `json:"last_apply,omitempty"`
			}

			cfg, logger := loadConfig()
			database := openStore(cfg)
			defer database.Close()

			ctx, cancel := signalContext()
			defer cancel()

			stats, err := persons.GetStats(ctx, database)
			if err != nil {
				fatalf("Failed to read stats: %v", err)
			}
			result := Result{OK: true, Stats: stats}
			if result.LastPlan, err = state.All(database, state.ScopePlan); err != nil {
				logger.Warn("failed to read run state", "scope", state.ScopePlan, "error", err)
			}
			if result.LastApply, err = state.All(database, state.ScopeApply); err != nil {
				logger.Warn("failed to read run state", "scope", state.ScopeApply, "error", err)
			}

			if jsonOutput {
				printJSON(result)
				return
			}
			printTally(os.Stdout, "Store", [][2]string{
				{"Persons", strconv.Itoa(stats.Persons)},
				{"Contacts", strconv.Itoa(stats.Contacts)},
				{"Relationships", strconv.Itoa(stats.Relationships)},
				{"Media", strconv.Itoa(stats.Media)},
				{"Merges applied", strconv.Itoa(stats.MergesApplied)},
				{"Missing folder hashes", strconv.Itoa(stats.MissingHashes)},
			})
			if v, ok := result.LastPlan["last_run"]; ok {
				fmt.Printf("Last plan:  %s (%s merges, plan %s)\n", v, result.LastPlan["merges"], result.LastPlan["plan_id"])
			}
			if v, ok := result.LastApply["last_run"]; ok {
				fmt.Printf("Last apply: %s (%s merged, %s failed)\n", v, result.LastApply["merged"], result.LastApply["failed"])
			}
		},
	}
}

func newBackfillHashesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill-hashes",
		Short: "Fill in missing person folder hashes",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK      bool `json:"ok"`
				Updated int  `json:"updated"`
			}

			cfg, _ := loadConfig()
			database := openStore(cfg)
			defer database.Close()

			ctx, cancel := signalContext()
			defer cancel()

			n, err := persons.BackfillFolderHashes(ctx, database)
			if err != nil {
				fatalf("Backfill failed: %v", err)
			}
			if jsonOutput {
				printJSON(Result{OK: true, Updated: n})
				return
			}
			fmt.Printf("✓ Updated %d folder hashes\n", n)
		},
	}
}
