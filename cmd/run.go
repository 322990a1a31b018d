package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bench-cli/internal/assemble"
	"github.com/sells-group/bench-cli/internal/checkpoint"
	"github.com/sells-group/bench-cli/internal/config"
	"github.com/sells-group/bench-cli/internal/contextdoc"
	"github.com/sells-group/bench-cli/internal/corpus"
	"github.com/sells-group/bench-cli/internal/preflight"
	"github.com/sells-group/bench-cli/internal/runner"
	"github.com/sells-group/bench-cli/internal/store"
	"github.com/sells-group/bench-cli/internal/tokens"
	"github.com/sells-group/bench-cli/pkg/ollama"
)

var (
	runModelID       string
	runForceRerun    string
	runSkipPreflight bool
	runNoResume      bool
	runDryRun        bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the benchmark, resuming from the checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, runModelID)
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Validate, then execute the full benchmark sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeRun(cmd, "")
	},
}

func executeRun(cmd *cobra.Command, onlyModel string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCfg := cfg
	if onlyModel != "" {
		m, ok := cfg.ModelByID(onlyModel)
		if !ok {
			return &exitError{code: exitValidation, msg: fmt.Sprintf("unknown model %q", onlyModel)}
		}
		narrowed := *cfg
		narrowed.Models = []config.ModelSpec{m}
		runCfg = &narrowed
	}
	if runNoResume {
		narrowed := *runCfg
		narrowed.Run.Resume = false
		runCfg = &narrowed
	}

	client := ollama.NewClient(
		ollama.WithBaseURL(runCfg.Endpoint.BaseURL),
		ollama.WithAPIPath(runCfg.Endpoint.APIPath),
		ollama.WithTimeout(runCfg.Endpoint.Timeout()),
	)

	if !runSkipPreflight {
		report := preflight.New(runCfg, client).Run(ctx)
		printReport(report)
		if report.EndpointDown() {
			return &exitError{code: exitEndpoint, msg: "pre-flight failed: inference endpoint unreachable"}
		}
		if report.HasFatal() {
			return &exitError{code: exitValidation, msg: "pre-flight failed"}
		}
	}

	release, err := runner.AcquireLock(runCfg.OutputDir())
	if err != nil {
		return err
	}
	defer release() //nolint:errcheck

	questions, err := corpus.Load(runCfg.Paths.Corpus)
	if err != nil {
		return err
	}
	archive, err := corpus.OpenArchive(runCfg.Paths.ArchiveDir, runCfg.Paths.ArchiveManifest)
	if err != nil {
		return err
	}
	lookup, err := tokens.Load(runCfg.Paths.TokenLookup)
	if err != nil {
		return err
	}
	asm, err := assemble.New(runCfg, archive, contextdoc.NewXMLBuilder(), lookup)
	if err != nil {
		return err
	}

	ckpt, err := checkpoint.Load(runCfg.Paths.Checkpoint, runCfg.ConfigVersion, runCfg.Run.Resume)
	if err != nil {
		return err
	}
	if runCfg.Run.Resume && ckpt.Stale(runCfg.ConfigVersion) {
		zap.L().Warn("checkpoint was written under a different config version",
			zap.String("current", runCfg.ConfigVersion))
	}

	index := openRunsIndex(cmd)
	if index != nil {
		defer index.Close() //nolint:errcheck
	}

	r := runner.New(runCfg, questions, asm, client, ckpt, index)

	if runDryRun {
		fmt.Println("dry run; pending work:")
		for _, m := range runCfg.Models {
			fmt.Printf("  %s: %d of %d pairs remaining\n",
				m.ID, len(questions)-ckpt.CompletedCount(m.ID), len(questions))
		}
		return nil
	}

	if runForceRerun != "" {
		if err := r.ForceRerun(runForceRerun); err != nil {
			return err
		}
	}
	if err := r.Prepare(); err != nil {
		return err
	}

	if err := r.Run(ctx); err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return &exitError{code: exitDisk, msg: fmt.Sprintf("out of disk space: %v", err)}
		}
		return err
	}

	fmt.Print(runner.Snapshot(runCfg, len(questions), ckpt).Describe())
	return nil
}

// openRunsIndex opens the SQLite runs index if one is configured. The
// index is advisory; failure to open it only logs.
func openRunsIndex(cmd *cobra.Command) store.Store {
	if cfg.Paths.RunsDB == "" {
		return nil
	}
	st, err := store.NewSQLite(cfg.Paths.RunsDB)
	if err != nil {
		zap.L().Warn("runs index unavailable", zap.Error(err))
		return nil
	}
	if err := st.Migrate(cmd.Context()); err != nil {
		zap.L().Warn("runs index migration failed", zap.Error(err))
		st.Close()
		return nil
	}
	return st
}

func init() {
	runCmd.Flags().StringVar(&runModelID, "model", "", "run only this model")
	runCmd.Flags().StringVar(&runForceRerun, "force-rerun", "", "clear this model's completed pairs and purge its ledger rows first")
	runCmd.Flags().BoolVar(&runSkipPreflight, "skip-preflight", false, "skip pre-flight validation (not recommended)")
	runCmd.Flags().BoolVar(&runNoResume, "no-resume", false, "ignore any existing checkpoint and start fresh")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "validate and report pending work without running inference")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(allCmd)
}
