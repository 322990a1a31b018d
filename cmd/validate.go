package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/bench-cli/internal/preflight"
	"github.com/sells-group/bench-cli/pkg/ollama"
)

var validateSkipEndpoint bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run the pre-flight battery without touching any output",
	RunE: func(cmd *cobra.Command, args []string) error {
		var client ollama.Client
		if !validateSkipEndpoint {
			client = ollama.NewClient(
				ollama.WithBaseURL(cfg.Endpoint.BaseURL),
				ollama.WithAPIPath(cfg.Endpoint.APIPath),
				ollama.WithTimeout(10*time.Second),
			)
		}

		report := preflight.New(cfg, client).Run(cmd.Context())
		printReport(report)

		if report.EndpointDown() {
			return &exitError{code: exitEndpoint, msg: "validation failed: inference endpoint unreachable"}
		}
		if report.HasFatal() {
			return &exitError{code: exitValidation, msg: "validation failed"}
		}
		return nil
	},
}

func printReport(report *preflight.Report) {
	for _, c := range report.Sorted() {
		mark := "ok"
		if !c.OK {
			mark = string(c.Severity)
		}
		fmt.Fprintf(os.Stdout, "%-12s %-8s %s\n", c.Name, mark, c.Message)
	}
}

func init() {
	validateCmd.Flags().BoolVar(&validateSkipEndpoint, "skip-endpoint", false, "skip the endpoint reachability check")
	rootCmd.AddCommand(validateCmd)
}
