package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"specforge/internal/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "specforge",
		Short: "Turn a product specification into a project skeleton with an LLM",
		Long: `specforge runs a checkpointed pipeline over a specification file. Every phase
result is saved next to the generated project, so a failed run resumes where it
stopped. LLM calls go through a content-addressed cache that can be shared over S3.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := root.PersistentFlags()
	f.String("config", "", "config file (default ./"+config.DefaultFile+" when present)")
	f.BoolP("verbose", "v", false, "debug logging")
	f.String("cache-dir", "", "LLM cache directory")
	f.String("run-id", "", "label for this run in the cache metadata")
	f.String("provider", "", "LLM provider: anthropic, openai, gemini or fake")
	f.String("model", "", "model id")
	f.String("log-file", "", "also write JSON logs to this file")
	f.String("trace-file", "", "write OpenTelemetry spans to this file")
	f.String("metrics-file", "", "write Prometheus metrics to this textfile on exit")

	root.AddCommand(newRunCmd(), newPhasesCmd(), newCacheCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
