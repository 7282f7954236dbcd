package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"specforge/internal/phase"
	"specforge/internal/pipeline"
)

type runOptions struct {
	incremental string
	start       string
	restart     bool
	nextRound   bool
	dryRun      bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [SPEC_FILE]",
		Short: "Generate a project from a specification, resuming a previous run when possible",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, args, opts)
		},
	}
	f := cmd.Flags()
	f.String("target-dir", "", "directory the project is created in")
	f.StringVar(&opts.incremental, "incremental", "", "continue the project in this directory")
	f.StringVar(&opts.start, "start", "", "rerun from this phase")
	f.BoolVar(&opts.restart, "restart", false, "rerun every phase")
	f.BoolVar(&opts.nextRound, "next-round", false, "start a new round after a completed run")
	f.BoolVar(&opts.dryRun, "dry-run", false, "skip phases that call out or write project files")
	cmd.MarkFlagsMutuallyExclusive("start", "restart", "next-round")
	return cmd
}

func (o runOptions) mode() phase.Mode {
	switch {
	case o.start != "":
		return phase.FromPhase(o.start)
	case o.restart:
		return phase.Restart()
	case o.nextRound:
		return phase.NextRound()
	default:
		return phase.Resume()
	}
}

func (o runOptions) initialState(args []string, targetDir string) (map[string]any, error) {
	if o.incremental != "" {
		if _, err := os.Stat(filepath.Join(o.incremental, pipeline.StateFile)); err != nil {
			return nil, fmt.Errorf("no previous run in %s: %w", o.incremental, err)
		}
		return pipeline.IncrementalState(o.incremental), nil
	}
	if len(args) == 0 {
		return nil, errors.New("a spec file is required unless --incremental is given")
	}
	specFile, err := filepath.Abs(args[0])
	if err != nil {
		return nil, err
	}
	spec, err := os.ReadFile(specFile)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	return pipeline.InitialState(specFile, string(spec), targetDir), nil
}

func runPipeline(cmd *cobra.Command, args []string, opts runOptions) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		return runWith(ctx, cmd, a, args, opts)
	})
}

func runWith(ctx context.Context, cmd *cobra.Command, a *app, args []string, opts runOptions) error {
	initial, err := opts.initialState(args, a.cfg.TargetDir)
	if err != nil {
		return err
	}
	fc, err := a.openCache()
	if err != nil {
		return err
	}
	client, err := a.client(ctx, fc)
	if err != nil {
		return err
	}
	defer client.Close()

	metrics, err := phase.NewMetrics(a.tel.Registry)
	if err != nil {
		return err
	}
	phases := pipeline.Phases(pipeline.Config{
		Model:       a.cfg.LLM.Model,
		MaxTokens:   a.cfg.LLM.MaxTokens,
		Concurrency: a.cfg.LLM.Concurrency,
	})
	m, err := phase.NewManager(phases, phase.Options{
		Locate:      pipeline.Locate,
		InitialData: initial,
		Context: &phase.Context{
			LLM:     client,
			Verbose: a.cfg.Telemetry.Verbose,
			DryRun:  opts.dryRun,
			Logger:  a.tel.Logger,
		},
		Logger:  a.tel.Logger,
		Tracer:  a.tel.Tracer.Tracer("specforge/phase"),
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	st, runErr := m.Run(ctx, opts.mode())
	out := cmd.OutOrStdout()
	if name, ok := st.GetString(pipeline.KeyProjectName); ok {
		fmt.Fprintf(out, "Project name: %s\n", name)
	}
	if path, ok := st.GetString(pipeline.KeyProjectPath); ok {
		fmt.Fprintf(out, "Project path: %s\n", path)
	}
	stats := fc.Stats()
	a.tel.Logger.Info("llm cache", "dir", fc.Dir(), "run_id", fc.RunID(), "hits", stats.Hits, "misses", stats.Misses)
	return runErr
}
