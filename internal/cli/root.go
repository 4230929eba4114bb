package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/auditforge/auditforge/internal/budget"
	"github.com/auditforge/auditforge/internal/config"
	"github.com/auditforge/auditforge/internal/db"
	"github.com/auditforge/auditforge/internal/delta"
	"github.com/auditforge/auditforge/internal/finding"
	"github.com/auditforge/auditforge/internal/gate"
	"github.com/auditforge/auditforge/internal/gitdiff"
	"github.com/auditforge/auditforge/internal/logging"
	"github.com/auditforge/auditforge/internal/orchestrator"
	"github.com/auditforge/auditforge/internal/run"
	"github.com/auditforge/auditforge/internal/scheduler"
	"github.com/auditforge/auditforge/internal/worker"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "auditforge",
	Short: "auditforge — a multi-phase security audit orchestrator",
	Long: `auditforge drives black-box analysis workers through a fixed phase
pipeline with adaptive batching, quality gating, and coverage verification.

All state is stored in ~/.auditforge/ (SQLite for events, JSON for run
documents). Completed runs are archived so later runs can stack on their
findings and analyze only what changed.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to audit config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(findingsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// app bundles the wired components behind the run commands.
type app struct {
	cfg   *config.Config
	orch  *orchestrator.Orchestrator
	store *run.Store
	db    *db.DB
	log   *zap.Logger
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}

// newApp wires stores, engines, and workers from the loaded configuration.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config: %s", errs[0])
	}

	log, err := logging.New(verbose)
	if err != nil {
		return nil, err
	}

	store, err := run.DefaultStore()
	if err != nil {
		return nil, err
	}

	dbPath, err := db.DefaultDBPath()
	if err != nil {
		return nil, err
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}

	timeout, err := time.ParseDuration(cfg.Audit.Worker.Timeout)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("parse worker timeout %q: %w", cfg.Audit.Worker.Timeout, err)
	}

	invoker := &worker.ExecInvoker{
		Command:  cfg.Audit.Worker.Command,
		Dir:      cfg.Audit.RepoRoot,
		Findings: store.FindingsPath(),
	}
	sched := scheduler.New(store, invoker, budget.NewEstimator(), database,
		cfg.Audit.TierConcurrency(), timeout, log)
	sched.SetProgress(os.Stderr)

	validator := &gate.ExecValidator{Command: cfg.Audit.Worker.Validator, Dir: cfg.Audit.RepoRoot}
	gateCtl := gate.NewController(validator, cfg.Audit.Thresholds.Quality,
		cfg.Audit.Thresholds.PhaseRetryCap, log)

	deltas := delta.NewEngine(cfg.Audit.Thresholds.MajorChangeLines,
		cfg.Audit.Thresholds.MassiveRewrite)
	findings := finding.NewLog(findingsLogPath())

	orch := orchestrator.New(store, database, &gitdiff.ExecGit{}, sched, gateCtl,
		deltas, findings, cfg, log)

	return &app{cfg: cfg, orch: orch, store: store, db: database, log: log}, nil
}

func findingsLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "findings.jsonl"
	}
	return home + "/.auditforge/findings.jsonl"
}
