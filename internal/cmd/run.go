package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kferreira/mdpilot/internal/capability"
	"github.com/kferreira/mdpilot/internal/config"
	"github.com/kferreira/mdpilot/internal/dispatch"
	"github.com/kferreira/mdpilot/internal/event"
	"github.com/kferreira/mdpilot/internal/gate"
	"github.com/kferreira/mdpilot/internal/history"
	"github.com/kferreira/mdpilot/internal/job"
	"github.com/kferreira/mdpilot/internal/logging"
	"github.com/kferreira/mdpilot/internal/loop"
	"github.com/kferreira/mdpilot/internal/memory"
	"github.com/kferreira/mdpilot/internal/toolkit"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline plan",
	Long: `Execute a YAML pipeline plan step by step. Each step proposes one
capability invocation; the run halts when the plan is exhausted, a
step cannot proceed, or the invocation budget runs out.`,
	RunE:         runRun,
	SilenceUsage: true,
}

func init() {
	runCmd.Flags().StringP("script", "s", "", "pipeline plan file (required)")
	_ = runCmd.MarkFlagRequired("script")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	scriptPath, _ := cmd.Flags().GetString("script")
	script, err := loop.LoadScript(scriptPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer log.Close()

	bus := event.NewBus()

	recorder, err := history.NewRecorder(cfg.Workdir)
	if err != nil {
		return fmt.Errorf("opening run history: %w", err)
	}
	defer recorder.Close()
	recorder.Attach(bus)

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	ledger := gate.NewLedger(bus)
	jobs := job.NewManager(buildRunner(cfg), job.Config{
		PollMin:      cfg.Job.PollMin(),
		PollMax:      cfg.Job.PollMax(),
		MaxWallClock: cfg.Job.MaxWallClock(),
		MaxAttempts:  cfg.Job.MaxAttempts,
	}, bus, log)

	dispatcher := dispatch.NewDispatcher(registry, ledger, jobs, bus, log)
	kit := toolkit.New(toolkit.Config{
		Workdir:     cfg.Workdir,
		DownloadURL: cfg.Structure.DownloadURL,
		Client:      &http.Client{Timeout: cfg.Structure.Timeout()},
	}, log)
	if err := kit.Register(dispatcher); err != nil {
		return err
	}

	recaller, closeMemory, err := buildRecaller(cfg)
	if err != nil {
		return err
	}
	defer closeMemory()

	pipeline := loop.New(dispatcher, registry, ledger, recaller, loop.Config{
		MaxInvocations: cfg.Loop.MaxInvocations,
		RecallLimit:    cfg.Loop.RecallLimit,
	}, bus, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := pipeline.Run(ctx, loop.NewScriptOracle(script))
	if err != nil {
		return err
	}

	fmt.Printf("pipeline %s after %d invocations\n", res.Signal, res.Invocations)
	printGates(ledger.Snapshot())

	if res.Signal != loop.SignalComplete {
		if res.Detail != "" {
			return fmt.Errorf("pipeline %s: %s", res.Signal, res.Detail)
		}
		return fmt.Errorf("pipeline %s", res.Signal)
	}
	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.Nop(), nil
	}
	return logging.NewLogger(cfg.Workdir, cfg.Logging.Level)
}

func buildRegistry(cfg *config.Config) (*capability.Registry, error) {
	set := capability.DefaultSet()
	if cfg.Capabilities.File != "" {
		loaded, err := capability.LoadFile(cfg.Capabilities.File)
		if err != nil {
			return nil, err
		}
		set = loaded
	}
	registry := capability.NewRegistry()
	if err := set.Apply(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

func buildRunner(cfg *config.Config) job.Runner {
	if cfg.Job.Runner == "slurm" {
		return job.NewSlurmRunner(cfg.Slurm.Partition, cfg.Slurm.Account, cfg.Workdir)
	}
	return job.NewLocalRunner(cfg.Workdir)
}

func buildRecaller(cfg *config.Config) (memory.Recaller, func(), error) {
	if !cfg.Memory.Enabled {
		return memory.NopRecaller{}, func() {}, nil
	}
	store, err := memory.OpenSQLite(cfg.MemoryPath())
	if err != nil {
		return nil, nil, fmt.Errorf("opening corrective memory: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}
