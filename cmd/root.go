package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/bench-cli/internal/config"
	"github.com/sells-group/bench-cli/internal/runner"
)

// exit codes
const (
	exitInternal    = 1
	exitValidation  = 2
	exitEndpoint    = 3
	exitDisk        = 4
	exitInterrupted = 130
)

// exitError carries a specific process exit code up to main.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var (
	cfgPath string
	verbose bool
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "bench-cli",
	Short: "Paired-condition LLM benchmark runner",
	Long:  "Assembles archived site content two ways, runs each question through local models under both conditions, and appends every outcome to an immutable CSV ledger.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgPath)
		if err != nil {
			return &exitError{code: exitValidation, msg: fmt.Sprintf("load config: %v", err)}
		}
		cfg = c

		if verbose {
			cfg.Log.Level = "debug"
		}
		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "bench.config.json", "path to run config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
}

func main() {
	os.Exit(run())
}

func run() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(os.Stderr, err)
	return codeFor(err)
}

func codeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, runner.ErrInterrupted) {
		return exitInterrupted
	}
	return exitInternal
}
