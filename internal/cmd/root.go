// Package cmd wires the foreman CLI.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/foreman/internal/config"
	"github.com/kestrelworks/foreman/internal/contextdist"
	"github.com/kestrelworks/foreman/internal/policy"
	"github.com/kestrelworks/foreman/internal/router"
	"github.com/kestrelworks/foreman/internal/scheduler"
	"github.com/kestrelworks/foreman/internal/store"
	"github.com/kestrelworks/foreman/internal/worker"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Worker-pipeline orchestrator",
	Long:  `Foreman routes task groups through a staged worker pipeline, backed by a durable SQLite ledger.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./foreman.yaml)")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// runtime bundles the wired components the run/serve commands share.
type runtime struct {
	cfg       *config.Config
	store     *store.SQLiteStore
	scheduler *scheduler.Scheduler
	dist      *contextdist.Distributor
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	table := router.Default()
	if cfg.TransitionTablePath != "" {
		table, err = router.LoadFile(cfg.TransitionTablePath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load transition table: %w", err)
		}
	}

	policySrc := policy.DefaultPolicy
	if cfg.OverridePolicyPath != "" {
		policySrc, err = policy.LoadFile(cfg.OverridePolicyPath)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load override policy: %w", err)
		}
	}
	engine, err := policy.NewEngine(ctx, policySrc)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	dist := contextdist.New(db)
	invoker := worker.NewHTTPInvoker(cfg.WorkerURL, cfg.WorkerTimeout)
	sched := scheduler.New(db, router.New(table, engine), dist, invoker, scheduler.Options{
		MaxParallel:  cfg.MaxParallel,
		TestsEnabled: cfg.TestsEnabled,
	})

	return &runtime{cfg: cfg, store: db, scheduler: sched, dist: dist}, nil
}

func (r *runtime) close() {
	if err := r.store.Close(); err != nil {
		fmt.Printf("failed to close store: %v\n", err)
	}
}
