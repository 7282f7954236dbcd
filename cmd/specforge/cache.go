package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"specforge/internal/cache"
	"specforge/internal/cache/mirror"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the LLM cache",
	}
	cmd.AddCommand(
		newCacheStatsCmd(),
		newCacheDeleteCmd(),
		newCacheNearMissCmd(),
		newCacheMirrorCmd("push", "Upload local entries missing from the bucket", (*mirror.Mirror).Push),
		newCacheMirrorCmd("pull", "Download bucket entries missing locally", (*mirror.Mirror).Pull),
	)
	return cmd
}

// withApp runs fn with a configured app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.Close(context.WithoutCancel(ctx))) }()
	return fn(ctx, a)
}

func newCacheStatsCmd() *cobra.Command {
	var run string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show entry count, sanitized id count and per-run hits and misses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				dir := a.cfg.CacheDir
				n, err := cache.CountEntries(dir)
				if err != nil {
					return err
				}
				meta, err := cache.LoadMetadata(dir)
				if err != nil {
					return err
				}
				ids, err := cache.NewPersistentCounter(dir).Current()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "cache: %s\nentries: %d\nsanitized ids: %d\n", dir, n, ids)
				runs := meta.RunIDs()
				if run != "" {
					runs = []string{run}
				}
				for _, id := range runs {
					rec, ok := meta.Run(id)
					if !ok {
						return fmt.Errorf("no run %q in %s", id, dir)
					}
					fmt.Fprintf(out, "run %s: %d hits, %d misses\n", id, len(rec.Hits), len(rec.Misses))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "only this run id")
	return cmd
}

func newCacheDeleteCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "delete SUBSTRING",
		Short: "Delete every entry whose files mention SUBSTRING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				names, err := cache.DeleteBySubstring(a.cfg.CacheDir, args[0], dryRun)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				verb := "deleted"
				if dryRun {
					verb = "would delete"
				}
				for _, n := range names {
					fmt.Fprintf(out, "%s %s\n", verb, n)
				}
				fmt.Fprintf(out, "%d files, %d entries\n", len(names), len(cache.HashesOf(names)))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list files without deleting them")
	return cmd
}

func newCacheNearMissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "near-miss HASH",
		Short: "List entries whose key has the same shape as HASH's key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				names, err := cache.NearMisses(a.cfg.CacheDir, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(names) == 0 {
					fmt.Fprintln(out, "no near misses")
				}
				for _, n := range names {
					fmt.Fprintln(out, n)
				}
				return nil
			})
		},
	}
}

func newCacheMirrorCmd(use, short string, op func(*mirror.Mirror, context.Context) (mirror.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if !a.cfg.Mirror.Enabled() {
					return errors.New("cache mirror is not configured (set SPECFORGE_S3_ENDPOINT and SPECFORGE_S3_BUCKET)")
				}
				store, err := mirror.NewS3Store(a.cfg.Mirror.S3())
				if err != nil {
					return err
				}
				m := mirror.New(store, a.cfg.Mirror.Prefix, a.cfg.CacheDir, a.tel.Logger)
				res, err := op(m, ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d copied, %d skipped\n", use, res.Copied, res.Skipped)
				return nil
			})
		},
	}
}
