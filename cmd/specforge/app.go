package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"specforge/internal/cache"
	"specforge/internal/config"
	"specforge/internal/llm"
	"specforge/internal/llmclient"
	"specforge/internal/serialize"
	"specforge/internal/telemetry"
)

// app is what every subcommand builds first: resolved config plus telemetry.
type app struct {
	cfg *config.Config
	tel *telemetry.Telemetry
}

func newApp(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	tel, err := telemetry.Setup(telemetry.Options{
		Verbose:     cfg.Telemetry.Verbose,
		LogFile:     cfg.Telemetry.LogFile,
		TraceFile:   cfg.Telemetry.TraceFile,
		MetricsFile: cfg.Telemetry.MetricsFile,
		Stderr:      cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, tel: tel}, nil
}

// applyFlags lets explicitly set flags override file and environment values.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str("cache-dir", &cfg.CacheDir)
	str("run-id", &cfg.RunID)
	str("provider", &cfg.LLM.Provider)
	str("model", &cfg.LLM.Model)
	str("log-file", &cfg.Telemetry.LogFile)
	str("trace-file", &cfg.Telemetry.TraceFile)
	str("metrics-file", &cfg.Telemetry.MetricsFile)
	if flags.Lookup("target-dir") != nil {
		str("target-dir", &cfg.TargetDir)
	}
	if flags.Changed("verbose") {
		cfg.Telemetry.Verbose, _ = flags.GetBool("verbose")
	}
}

func (a *app) Close(ctx context.Context) error {
	return a.tel.Close(ctx)
}

// openCache opens the LLM cache with path redaction and stable message ids.
func (a *app) openCache() (*cache.FileCache, error) {
	sub, err := serialize.NewSubstringSanitizer(a.cfg.Substitutions)
	if err != nil {
		return nil, err
	}
	reg := serialize.NewRegistry()
	if err := llm.RegisterModels(reg); err != nil {
		return nil, err
	}
	metrics, err := cache.NewMetrics(a.tel.Registry)
	if err != nil {
		return nil, err
	}
	san := llm.NewIDSanitizer(sub, cache.NewPersistentCounter(a.cfg.CacheDir), a.tel.Logger)
	return cache.New(a.cfg.CacheDir, cache.Options{
		Serializer: serialize.New(reg, san),
		RunID:      a.cfg.RunID,
		Logger:     a.tel.Logger,
		Metrics:    metrics,
	})
}

// client stacks logging, retries and tracing on the provider adapter, behind the cache.
func (a *app) client(ctx context.Context, fc *cache.FileCache) (*llm.CachedClient, error) {
	adapter, err := llmclient.New(ctx, llmclient.Config{
		Provider: a.cfg.LLM.Provider,
		APIKey:   a.cfg.LLM.APIKey,
		BaseURL:  a.cfg.LLM.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	wrapped := llm.Wrap(adapter,
		llm.WithLogging(a.tel.Logger),
		llm.Retry(a.cfg.LLM.RetryAttempts, a.cfg.LLM.RetryBaseDelay),
		llm.WithTracing(a.tel.Tracer.Tracer("specforge/llm")),
	)
	return llm.NewCachedClient(wrapped, fc, a.tel.Logger), nil
}
