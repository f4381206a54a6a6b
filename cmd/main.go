package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bibin-skaria/envbuild/engine"
	_ "github.com/bibin-skaria/envbuild/frontends/manifest"
	"github.com/bibin-skaria/envbuild/internal/config"
	"github.com/bibin-skaria/envbuild/internal/errors"
	"github.com/bibin-skaria/envbuild/internal/logging"
	"github.com/bibin-skaria/envbuild/internal/types"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		reportError(os.Stderr, err)
		os.Exit(errors.ExitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "envbuild",
		Short: "Deterministic, layered environment builder",
		Long: `envbuild compiles a dependency manifest into an ordered build plan and
executes it one layer at a time. Every layer is stored in a content-addressed
cache, so rebuilding an unchanged manifest runs nothing and a changed line
only re-runs the steps after it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.AddCommand(newBuildCommand())
	cmd.AddCommand(newPlanCommand())
	cmd.AddCommand(newCacheCommand())

	return cmd
}

// configFlags are the settings shared by build and plan.
type configFlags struct {
	configFile           string
	cacheDir             string
	base                 string
	platform             string
	grouping             string
	compression          string
	isolation            string
	allowAbsoluteCopy    bool
	createMissingWorkdir bool
}

func (f *configFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configFile, "config", "", "Config file (default: envbuild.yaml next to the manifest)")
	cmd.Flags().StringVar(&f.cacheDir, "cache-dir", "", "Layer cache directory (default: ~/.envbuild/cache)")
	cmd.Flags().StringVar(&f.base, "base", "", "Base image when the manifest has no @base")
	cmd.Flags().StringVar(&f.platform, "platform", "", "Target platform, e.g. linux/amd64 (default: host)")
	cmd.Flags().StringVar(&f.grouping, "grouping", "", "Dependency grouping (per-manager, combined)")
	cmd.Flags().StringVar(&f.compression, "compression", "", "Snapshot compression (zstd, gzip, none)")
	cmd.Flags().StringVar(&f.isolation, "isolation", "", "Command isolation (auto, none, chroot; auto chroots unless the base is scratch)")
	cmd.Flags().BoolVar(&f.allowAbsoluteCopy, "allow-absolute-copy", false, "Allow @copy sources outside the build context")
	cmd.Flags().BoolVar(&f.createMissingWorkdir, "create-missing-workdir", false, "Create @workdir directories that do not exist")
}

// resolve applies defaults, the config file, the environment and then
// flags, in increasing precedence.
func (f *configFlags) resolve(cmd *cobra.Command, manifestPath string) (*config.Config, error) {
	configFile := f.configFile
	if configFile == "" && manifestPath != "" {
		configFile = config.FindFile(manifestPath)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, configError(err)
	}
	cfg.ApplyEnv()

	changed := cmd.Flags().Changed
	if changed("cache-dir") {
		cfg.CacheDir = f.cacheDir
	}
	if changed("base") {
		cfg.BaseImage = f.base
	}
	if changed("platform") {
		cfg.Platform = f.platform
	}
	if changed("grouping") {
		cfg.Grouping = types.Grouping(f.grouping)
	}
	if changed("compression") {
		cfg.Compression = f.compression
	}
	if changed("isolation") {
		cfg.Isolation = types.Isolation(f.isolation)
	}
	if changed("allow-absolute-copy") {
		cfg.AllowAbsoluteCopy = f.allowAbsoluteCopy
	}
	if changed("create-missing-workdir") {
		cfg.CreateMissingWorkdir = f.createMissingWorkdir
	}

	if err := cfg.Validate(); err != nil {
		return nil, configError(err)
	}
	return cfg, nil
}

func configError(err error) error {
	return errors.NewErrorBuilder().
		Kind(errors.KindInternal).
		Category(errors.ErrorCategoryConfiguration).
		Operation("config").
		Message(err.Error()).
		Cause(err).
		Build()
}

type logFlags struct {
	level  string
	format string
}

func (f *logFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.level, "log-level", "", "Log level (debug, info, warn, error; default: $LOG_LEVEL or warn)")
	cmd.Flags().StringVar(&f.format, "log-format", "text", "Log format (text, json)")
}

func (f *logFlags) logger() (*logging.StructuredLogger, error) {
	format, err := logging.ParseFormat(f.format)
	if err != nil {
		return nil, configError(err)
	}
	return logging.New(logging.NewBuildID(), logging.Options{
		Level:  f.level,
		Format: format,
	}), nil
}

func newBuildCommand() *cobra.Command {
	var (
		cfgFlags   configFlags
		logOpts    logFlags
		contextDir string
		output     string
		outputType string
		noCache    bool
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "build <manifest>",
		Short: "Build an environment from a manifest",
		Long: `Build an environment from a dependency manifest. Layers already in the
cache are reused without running anything; the first changed step and every
step after it are executed and cached.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifestPath, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve manifest path: %w", err)
			}

			cfg, err := cfgFlags.resolve(cmd, manifestPath)
			if err != nil {
				return err
			}
			logger, err := logOpts.logger()
			if err != nil {
				return err
			}

			if contextDir != "" {
				if contextDir, err = filepath.Abs(contextDir); err != nil {
					return fmt.Errorf("failed to resolve context path: %w", err)
				}
			}
			buildConfig := cfg.BuildConfig(manifestPath, contextDir)
			buildConfig.NoCache = noCache
			buildConfig.Progress = !quiet
			buildConfig.Output = output
			buildConfig.OutputType = outputType

			builder, err := engine.NewBuilder(buildConfig,
				engine.WithLogger(logger),
				engine.WithProgressOutput(cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			defer builder.Cleanup()

			result, err := builder.Build(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Environment: %s\n", result.FinalIdentity)
			fmt.Fprintf(out, "Workdir: %s\n", result.Workdir)
			if result.OutputPath != "" {
				fmt.Fprintf(out, "Output: %s\n", result.OutputPath)
			}
			fmt.Fprintf(out, "Operations: %d (cached %d, executed %d)\n", result.Operations, result.CacheHits, result.Executed)
			fmt.Fprintf(out, "Duration: %s\n", result.Duration)
			return nil
		},
	}

	cfgFlags.register(cmd)
	logOpts.register(cmd)
	cmd.Flags().StringVar(&contextDir, "context", "", "Build context for @copy sources (default: manifest directory)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Export the finished environment to this path")
	cmd.Flags().StringVar(&outputType, "output-type", "local", "Exporter for --output (local, tar)")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Execute every step without cache lookups")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress output")

	return cmd
}

func newPlanCommand() *cobra.Command {
	var (
		cfgFlags   configFlags
		contextDir string
	)

	cmd := &cobra.Command{
		Use:   "plan <manifest>",
		Short: "Print the compiled build plan and layer identities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifestPath, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("failed to resolve manifest path: %w", err)
			}
			cfg, err := cfgFlags.resolve(cmd, manifestPath)
			if err != nil {
				return err
			}

			builder, err := engine.NewBuilder(cfg.BuildConfig(manifestPath, contextDir))
			if err != nil {
				return err
			}
			defer builder.Cleanup()

			plan, err := builder.Compile()
			if err != nil {
				return err
			}
			ids, err := builder.Identities(plan)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, instr := range plan.Instructions() {
				fmt.Fprintf(out, "%2d  %s  %s\n", i+1, ids[i].Encoded()[:12], instr.Summary())
			}
			return nil
		},
	}

	cfgFlags.register(cmd)
	cmd.Flags().StringVar(&contextDir, "context", "", "Build context for @copy sources (default: manifest directory)")

	return cmd
}

// reportError prints the error kind, the failing step and any captured
// command output.
func reportError(w io.Writer, err error) {
	var be *errors.BuildError
	if !stderrors.As(err, &be) {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(w, "Error [%s]: %s\n", be.Kind, be.Message)
	if be.Step != errors.NoStep {
		fmt.Fprintf(w, "  at step %d: %s\n", be.Step+1, be.Instruction)
	}
	if be.ExitStatus != 0 {
		fmt.Fprintf(w, "  exit status: %d\n", be.ExitStatus)
	}
	if be.Cause != nil && !strings.Contains(be.Message, be.Cause.Error()) {
		fmt.Fprintf(w, "  cause: %v\n", be.Cause)
	}
	for _, detail := range be.Details {
		fmt.Fprintf(w, "  %s\n", detail)
	}
	if be.Output != "" {
		fmt.Fprintf(w, "--- output ---\n%s", be.Output)
		if !strings.HasSuffix(be.Output, "\n") {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, "--------------")
	}
	if be.IsCritical() {
		fmt.Fprintln(w, "Every build sharing this cache is stopped until the cache is verified.")
	}
	if be.Suggestion != "" {
		fmt.Fprintf(w, "Suggestion: %s\n", be.Suggestion)
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
