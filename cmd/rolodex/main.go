package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Napageneral/rolodex/internal/config"
	"github.com/Napageneral/rolodex/internal/db"
	"github.com/Napageneral/rolodex/internal/logging"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"

	jsonOutput bool
	configPath string
	dbPath     string
	logLevel   string
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rolodex",
		Short: "Find and merge duplicate people in a contacts store",
		Long: `Rolodex clusters person records that share a name or contact value,
asks an adjudicator which ones are the same person, writes the answer to a
reviewable merge plan, and applies that plan one transaction per merge.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default: XDG config dir)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the record store (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("rolodex %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	rootCmd.AddCommand(
		newInitCmd(),
		newCandidatesCmd(),
		newPlanCmd(),
		newApplyCmd(),
		newVerifyCmd(),
		newLookupCmd(),
		newStatsCmd(),
		newBackfillHashesCmd(),
	)
	return rootCmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create config, data directory and database schema",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK            bool   `json:"ok"`
				Message       string `json:"message,omitempty"`
				ConfigPath    string `json:"config_path,omitempty"`
				ConfigCreated bool   `json:"config_created"`
				DBPath        string `json:"db_path,omitempty"`
				PlanPath      string `json:"plan_path,omitempty"`
			}

			path := configPath
			if path == "" {
				var err error
				if path, err = config.DefaultPath(); err != nil {
					fatalf("Failed to get config path: %v", err)
				}
			}
			cfg, _ := loadConfig()
			result := Result{OK: true, ConfigPath: path, DBPath: cfg.Store.Path, PlanPath: cfg.Plan.Path}

			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := config.Default().Save(path); err != nil {
					fatalf("Failed to write config: %v", err)
				}
				result.ConfigCreated = true
			}

			if err := db.Init(cfg.Store.Path, cfg.Store.Driver); err != nil {
				fatalf("Failed to initialize database: %v", err)
			}
			result.Message = "Rolodex initialized successfully"

			if jsonOutput {
				printJSON(result)
				return
			}
			if result.ConfigCreated {
				fmt.Printf("✓ Config: %s (created)\n", result.ConfigPath)
			} else {
				fmt.Printf("✓ Config: %s\n", result.ConfigPath)
			}
			fmt.Printf("✓ Database: %s\n", result.DBPath)
			fmt.Printf("  Merge plan: %s\n", result.PlanPath)
			fmt.Println("\nRolodex initialized successfully!")
		},
	}
}

// loadConfig reads config and builds the logger from it. Flag overrides are
// applied on top. Failure is fatal.
func loadConfig() (*config.Config, *slog.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fatalf("Failed to configure logging: %v", err)
	}
	return cfg, logger
}

// openStore opens the configured record store. Failure is fatal.
func openStore(cfg *config.Config) *sql.DB {
	database, err := db.OpenExisting(cfg.Store.Path, cfg.Store.Driver)
	if err != nil {
		fatalf("Failed to open database: %v", err)
	}
	return database
}

// signalContext is cancelled on SIGINT/SIGTERM so long runs stop between
// batches or merges.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatalf(format string, args ...any) {
	type Result struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(Result{OK: false, Message: msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
