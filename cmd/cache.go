package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/bibin-skaria/envbuild/engine"
	"github.com/bibin-skaria/envbuild/internal/config"
	"github.com/bibin-skaria/envbuild/internal/errors"
	"github.com/bibin-skaria/envbuild/layers"
)

func newCacheCommand() *cobra.Command {
	var configFile, cacheDir string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the layer cache",
		Long:  "Commands for inspecting and maintaining the envbuild layer cache.",
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file")
	cmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "Layer cache directory (default: ~/.envbuild/cache)")

	open := func(cmd *cobra.Command) (*engine.Cache, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, configError(err)
		}
		cfg.ApplyEnv()
		if cmd.Flags().Changed("cache-dir") {
			cfg.CacheDir = cacheDir
		}
		compression, err := layers.ParseCompression(cfg.Compression)
		if err != nil {
			return nil, configError(err)
		}
		return engine.NewCache(cfg.CacheDir, compression)
	}

	cmd.AddCommand(newCacheInfoCommand(open))
	cmd.AddCommand(newCacheListCommand(open))
	cmd.AddCommand(newCachePruneCommand(open))
	cmd.AddCommand(newCacheEvictCommand(open))
	cmd.AddCommand(newCacheVerifyCommand(open))

	return cmd
}

type cacheOpener func(cmd *cobra.Command) (*engine.Cache, error)

func newCacheInfoCommand(open cacheOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := open(cmd)
			if err != nil {
				return err
			}
			info, err := cache.Info()
			if err != nil {
				return fmt.Errorf("failed to get cache info: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Cache Directory: %s\n", cache.Dir())
			fmt.Fprintf(out, "Layers: %d\n", info.TotalEntries)
			fmt.Fprintf(out, "Total Size: %s\n", formatBytes(info.TotalSize))
			if info.Poisoned {
				fmt.Fprintf(out, "Status: POISONED (run 'envbuild cache verify --reset')\n")
			} else {
				fmt.Fprintf(out, "Status: ok\n")
			}
			return nil
		},
	}
}

func newCacheListCommand(open cacheOpener) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List cached layers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := open(cmd)
			if err != nil {
				return err
			}
			entries, err := cache.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTITY\tSIZE\tCREATED\tINSTRUCTION")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					e.Identity.Encoded()[:12], formatBytes(e.Size),
					e.Created.Local().Format(time.DateTime), e.Snapshot.Instruction)
			}
			return w.Flush()
		},
	}
}

func newCachePruneCommand(open cacheOpener) *cobra.Command {
	var (
		maxAge     time.Duration
		maxSize    int64
		stagingTTL time.Duration
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old cache entries",
		Long: `Remove layers older than --max-age, then the oldest layers until the cache
fits --max-size. Staging directories left by interrupted builds are removed
once older than --staging-ttl.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := open(cmd)
			if err != nil {
				return err
			}

			report, err := cache.Prune(engine.PruningStrategy{
				MaxAge:     maxAge,
				MaxSize:    maxSize,
				StagingTTL: stagingTTL,
			})
			if err != nil {
				return fmt.Errorf("failed to prune cache: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Removed %d layers\n", len(report.Removed))
			fmt.Fprintf(out, "Freed %s\n", formatBytes(report.FreedBytes))
			if report.StaleStaging > 0 {
				fmt.Fprintf(out, "Cleared %d abandoned staging directories\n", report.StaleStaging)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Remove layers older than this (e.g. 168h)")
	cmd.Flags().Int64Var(&maxSize, "max-size", 0, "Keep total layer size under this many bytes")
	cmd.Flags().DurationVar(&stagingTTL, "staging-ttl", engine.DefaultStagingTTL, "Age after which staging leftovers are removed")

	return cmd
}

func newCacheEvictCommand(open cacheOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "evict <identity>",
		Short: "Remove one layer from the cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIdentity(args[0])
			if err != nil {
				return err
			}
			cache, err := open(cmd)
			if err != nil {
				return err
			}
			removed, err := cache.Evict(id)
			if err != nil {
				return err
			}
			if !removed {
				fmt.Fprintf(cmd.OutOrStdout(), "Layer %s is not cached\n", id)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %s\n", id)
			return nil
		},
	}
}

// parseIdentity accepts a full digest or its bare hex encoding.
func parseIdentity(s string) (digest.Digest, error) {
	id := digest.Digest(s)
	if id.Validate() != nil {
		id = digest.NewDigestFromEncoded(digest.Canonical, s)
	}
	if err := id.Validate(); err != nil {
		return "", errors.NewErrorBuilder().
			Kind(errors.KindInternal).
			Category(errors.ErrorCategoryValidation).
			Operation("evict").
			Messagef("invalid layer identity %q", s).
			Cause(err).
			Build()
	}
	return id, nil
}

func newCacheVerifyCommand(open cacheOpener) *cobra.Command {
	var (
		reset       bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every cached layer against its recorded digest",
		Long: `Recompute the content digest of every cached layer. With --reset, layers
that fail are evicted and the integrity failure marker is cleared so builds
can use the cache again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := open(cmd)
			if err != nil {
				return err
			}

			report, err := cache.Verify(cmd.Context(), concurrency)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checked %d layers\n", report.Checked)
			for _, failure := range report.Failures {
				fmt.Fprintf(out, "  FAIL %s: %s\n", failure.Entry, failure.Reason)
			}

			if reset {
				for _, failure := range report.Failures {
					id := digest.NewDigestFromEncoded(digest.Canonical, failure.Entry)
					if id.Validate() != nil {
						continue
					}
					if _, err := cache.Evict(id); err != nil {
						return err
					}
				}
				record, err := cache.ClearPoison()
				if err != nil {
					return err
				}
				if record != "" {
					fmt.Fprintf(out, "Cleared integrity marker:\n%s\n", record)
				}
				return nil
			}

			if !report.OK() {
				return errors.NewErrorBuilder().
					Kind(errors.KindCacheIntegrity).
					Operation("verify").
					Messagef("%d of %d layers failed verification", len(report.Failures), report.Checked).
					Suggestion("Run 'envbuild cache verify --reset' to evict them and clear the marker").
					Build()
			}
			if cache.Poisoned() {
				return errors.NewErrorBuilder().
					Kind(errors.KindCacheIntegrity).
					Operation("verify").
					Message("all layers verified but an earlier integrity failure is recorded").
					Suggestion("Run 'envbuild cache verify --reset' to clear the marker").
					Build()
			}
			fmt.Fprintln(out, "All layers verified")
			return nil
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "Evict failing layers and clear the integrity failure marker")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel verifications (default: number of CPUs)")

	return cmd
}
