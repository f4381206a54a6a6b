package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/envbuild/executors"
	"github.com/bibin-skaria/envbuild/exporters"
	"github.com/bibin-skaria/envbuild/frontends"
	"github.com/bibin-skaria/envbuild/internal/errors"
	"github.com/bibin-skaria/envbuild/internal/logging"
	"github.com/bibin-skaria/envbuild/internal/types"
	"github.com/bibin-skaria/envbuild/layers"
	"github.com/bibin-skaria/envbuild/registry"
)

const buildPrefix = "build-"

// Builder runs build plans against a shared layer cache. One Builder runs
// one build at a time; several Builders may share a cache directory.
type Builder struct {
	config      *types.BuildConfig
	cache       *Cache
	hasher      *Hasher
	dispatcher  *executors.Dispatcher
	runner      executors.Runner
	shell       *executors.ShellRunner
	puller      executors.Puller
	logger      *logging.StructuredLogger
	compression layers.CompressionType
	buildID     string
	workDir     string
	progressOut io.Writer
	progress    *ProgressTracker
}

type Option func(*Builder)

// WithRunner replaces the shell runner used for Run instructions.
func WithRunner(runner executors.Runner) Option {
	return func(b *Builder) { b.runner = runner }
}

// WithPuller replaces the registry puller used for PullBase instructions.
func WithPuller(puller executors.Puller) Option {
	return func(b *Builder) { b.puller = puller }
}

// WithDispatcher replaces every step executor at once.
func WithDispatcher(d *executors.Dispatcher) Option {
	return func(b *Builder) { b.dispatcher = d }
}

// WithCache shares an already open cache instead of opening config.CacheDir.
func WithCache(cache *Cache) Option {
	return func(b *Builder) { b.cache = cache }
}

func WithLogger(logger *logging.StructuredLogger) Option {
	return func(b *Builder) { b.logger = logger }
}

func WithProgressOutput(w io.Writer) Option {
	return func(b *Builder) { b.progressOut = w }
}

func NewBuilder(config *types.BuildConfig, opts ...Option) (*Builder, error) {
	b := &Builder{
		config:      config,
		progressOut: os.Stdout,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.logger == nil {
		b.logger = logging.Nop()
	}

	if b.cache == nil {
		if config.CacheDir == "" {
			return nil, fmt.Errorf("cache directory is required")
		}
		compression, err := layers.ParseCompression(config.Compression)
		if err != nil {
			return nil, err
		}
		b.compression = compression
	}

	if b.dispatcher == nil {
		if b.runner == nil {
			b.shell = executors.NewShellRunner(config.Isolation == types.IsolationChroot, config.OutputLimit)
			b.runner = b.shell
		}
		if b.puller == nil {
			b.puller = registry.NewPuller(config.Registry)
		}
		b.dispatcher = executors.NewDefaultDispatcher(b.puller, b.runner, config.Compile.Policy)
	}

	b.hasher = NewHasher(config.Context)
	if config.Progress {
		b.progress = NewProgressTracker(b.progressOut)
	} else {
		b.progress = NewProgressTracker(nil)
	}

	b.buildID = b.logger.BuildID()
	if b.buildID == "" {
		b.buildID = logging.NewBuildID()
	}
	return b, nil
}

// Cache returns the layer cache. Unless one was injected with WithCache it
// is opened by the first Execute.
func (b *Builder) Cache() *Cache { return b.cache }

// prepare opens the cache and creates the work directory of this build.
// Nothing touches the disk before a plan is about to execute, so manifest
// errors leave no trace.
func (b *Builder) prepare() error {
	if b.cache == nil {
		cache, err := NewCache(b.config.CacheDir, b.compression)
		if err != nil {
			return err
		}
		b.cache = cache
	}
	if b.workDir == "" {
		b.workDir = b.cache.tmpPath(buildPrefix + b.buildID)
	}
	if err := os.MkdirAll(b.workDir, 0755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	return nil
}

func (b *Builder) pinDir() string { return filepath.Join(b.workDir, "pins") }

// Compile reads the manifest and compiles it with the configured frontend.
func (b *Builder) Compile() (*types.BuildPlan, error) {
	frontendName := b.config.Frontend
	if frontendName == "" {
		frontendName = "manifest"
	}
	frontend, err := frontends.GetFrontend(frontendName)
	if err != nil {
		return nil, errors.WrapError(err, errors.KindInternal, "compile")
	}

	content, err := os.ReadFile(b.config.ManifestPath)
	if err != nil {
		return nil, errors.NewErrorBuilder().
			Kind(errors.KindManifestParse).
			Category(errors.ErrorCategoryManifest).
			Operation("read_manifest").
			Messagef("failed to read manifest %s", b.config.ManifestPath).
			Cause(err).
			Build()
	}

	return frontend.Compile(content, &b.config.Compile)
}

// Identities returns the layer identity of every step of plan.
func (b *Builder) Identities(plan *types.BuildPlan) ([]digest.Digest, error) {
	return b.hasher.Sequence(plan)
}

// Build compiles the manifest and executes the resulting plan. The result is
// always returned, describing how far the build got.
func (b *Builder) Build(ctx context.Context) (*types.BuildResult, error) {
	ctx = logging.ContextWithTrace(ctx, b.buildID)
	b.progress.Message("Compiling %s...", b.config.ManifestPath)

	plan, err := b.Compile()
	if err != nil {
		result := &types.BuildResult{
			BuildID: b.buildID,
			Error:   err.Error(),
		}
		b.logger.LogError(ctx, err, "compile")
		return result, err
	}
	return b.Execute(ctx, plan)
}

// buildState is threaded through the step loop: the identity and snapshot
// of the last applied step, and whether the working root filesystem
// currently holds that snapshot.
type buildState struct {
	parent       digest.Digest
	snapshot     *LayerSnapshot
	workdir      string
	rootfs       string
	materialized bool
}

// Execute runs plan step by step. Cache hits only adopt the cached snapshot;
// the working root filesystem is materialized just before the first step
// that has to run, and again for export.
func (b *Builder) Execute(ctx context.Context, plan *types.BuildPlan) (*types.BuildResult, error) {
	start := time.Now()
	result := &types.BuildResult{
		BuildID:    b.buildID,
		Operations: plan.Len(),
	}

	if err := b.prepare(); err != nil {
		return b.fail(ctx, result, start, errors.NoStep, types.Instruction{}, errors.WrapError(err, errors.KindInternal, "prepare"))
	}

	b.logger.LogBuildStart(ctx, b.config.ManifestPath, plan.Len(), b.cache.Dir())
	b.configureIsolation(ctx, plan)
	b.progress.Start(plan.Len())

	state := &buildState{
		parent:  RootIdentity,
		workdir: executors.DefaultWorkdir,
		rootfs:  filepath.Join(b.workDir, "rootfs"),
	}

	for i, instr := range plan.Instructions() {
		if err := ctx.Err(); err != nil {
			cancelled := errors.NewErrorBuilder().
				Kind(errors.KindCancelled).
				Operation("build").
				Messagef("build cancelled before step %d", i+1).
				Cause(err).
				Build()
			return b.fail(ctx, result, start, i, instr, cancelled)
		}

		tracker := newStepTracker(i, instr)
		result.Steps = append(result.Steps, tracker.result)
		b.progress.StepStarted(i, instr.Summary())

		if err := b.runStep(ctx, tracker, instr, state); err != nil {
			tracker.abort(err)
			b.logger.LogStep(ctx, i, instr.Summary(), string(tracker.result.State), tracker.result.Identity, false, tracker.result.Duration)
			return b.fail(ctx, result, start, i, instr, err)
		}

		step := tracker.result
		if step.CacheHit {
			result.CacheHits++
		} else {
			result.Executed++
		}
		b.progress.StepFinished(step)
		b.logger.LogStep(ctx, i, instr.Summary(), string(step.State), step.Identity, step.CacheHit, step.Duration)
	}

	result.FinalIdentity = state.parent.String()
	result.Workdir = state.workdir

	if b.config.Output != "" {
		if err := b.export(result, state); err != nil {
			exportErr := errors.WrapError(err, errors.KindInternal, "export")
			return b.fail(ctx, result, start, errors.NoStep, types.Instruction{}, exportErr)
		}
	}

	result.Success = true
	result.Duration = time.Since(start).String()
	b.logger.LogBuildComplete(ctx, true, time.Since(start), plan.Len(), result.CacheHits)
	b.progress.Finish(true, nil)
	return result, nil
}

// configureIsolation points the built-in shell runner at the isolation the
// plan's base image gets. Injected runners are left alone.
func (b *Builder) configureIsolation(ctx context.Context, plan *types.BuildPlan) {
	base := plan.Base().Image()
	isolation := types.ResolveIsolation(b.config.Isolation, base)
	if b.shell != nil {
		b.shell.Chroot = isolation == types.IsolationChroot
	}
	if isolation == types.IsolationNone && base != types.ScratchImage {
		b.logger.Warnf(ctx, "isolation is none: Run commands execute on the host, not inside %s", base)
	}
}

func (b *Builder) runStep(ctx context.Context, tracker *stepTracker, instr types.Instruction, state *buildState) error {
	if err := tracker.transition(types.StepHashing); err != nil {
		return err
	}
	id, err := b.hasher.Identity(state.parent, instr)
	if err != nil {
		return err
	}
	tracker.result.Identity = id.String()

	if !b.config.NoCache {
		snap, hit, err := b.cache.Lookup(id)
		if err != nil {
			return err
		}
		b.logger.LogCacheOperation(ctx, "lookup", id.String(), hit, sizeOf(snap))
		if hit {
			snap, err = b.cache.Pin(snap, b.pinDir())
			if stderrors.Is(err, ErrEvicted) {
				b.logger.Warnf(ctx, "layer %s was evicted during the build, executing it again", id)
				hit = false
			} else if err != nil {
				return errors.WrapError(err, errors.KindInternal, "pin")
			}
		}
		if hit {
			if err := tracker.transition(types.StepCacheHit); err != nil {
				return err
			}
			tracker.result.CacheHit = true
			tracker.result.Changes = snap.Changes
			state.adopt(id, snap)
			state.materialized = false
			return tracker.transition(types.StepApplied)
		}
	}

	if err := tracker.transition(types.StepCacheMiss); err != nil {
		return err
	}
	if !state.materialized {
		if err := b.materialize(state); err != nil {
			return err
		}
	}

	before, err := layers.ScanTree(state.rootfs)
	if err != nil {
		return errors.WrapError(err, errors.KindInternal, "scan")
	}

	if err := tracker.transition(types.StepExecuting); err != nil {
		return err
	}
	// From here on the working root filesystem no longer matches any snapshot
	// until this step commits.
	state.materialized = false
	res, err := b.dispatcher.Execute(ctx, &executors.Request{
		Instruction: instr,
		RootFS:      state.rootfs,
		ContextDir:  b.config.Context,
		Workdir:     state.workdir,
	})
	if err != nil {
		return err
	}
	tracker.result.Output = res.Output

	if err := tracker.transition(types.StepSuccess); err != nil {
		return err
	}
	if err := tracker.transition(types.StepCommitting); err != nil {
		return err
	}

	after, err := layers.ScanTree(state.rootfs)
	if err != nil {
		return errors.WrapError(err, errors.KindInternal, "scan")
	}
	tracker.result.Changes = layers.Summarize(layers.Compare(before, after))

	if b.config.NoCache {
		// A rebuild without lookup keeps the stored entry; re-executed
		// commands are not expected to reproduce it byte for byte.
		existing, found, err := b.cache.Lookup(id)
		if err != nil {
			return err
		}
		if found {
			existing, err = b.cache.Pin(existing, b.pinDir())
			found = err == nil
			if err != nil && !stderrors.Is(err, ErrEvicted) {
				return errors.WrapError(err, errors.KindInternal, "pin")
			}
		}
		if found {
			tracker.result.Raced = true
			existing.Workdir = res.Workdir
			state.adopt(id, existing)
			// The working root filesystem holds this run's output, not the
			// stored snapshot; the next step that executes must start from
			// the stored one.
			state.materialized = false
			return tracker.transition(types.StepApplied)
		}
	}

	staged, err := b.cache.Stage(state.rootfs)
	if err != nil {
		return errors.WrapError(err, errors.KindInternal, "snapshot")
	}
	staged.Parent = state.parent
	staged.Instruction = instr.Summary()
	staged.Workdir = res.Workdir
	staged.Changes = tracker.result.Changes

	committed, err := b.cache.Commit(id, staged)
	if err != nil {
		b.cache.Discard(staged)
		return err
	}
	b.logger.LogCacheOperation(ctx, "commit", id.String(), committed.AlreadyExists, committed.Snapshot.Size)
	if committed.AlreadyExists {
		tracker.result.Raced = true
		b.logger.Warnf(ctx, "%v", errors.NewCacheWriteRace(id.String()))
	}

	state.adopt(id, committed.Snapshot)
	state.materialized = true
	return tracker.transition(types.StepApplied)
}

func (s *buildState) adopt(id digest.Digest, snap *LayerSnapshot) {
	s.parent = id
	s.snapshot = snap
	s.workdir = snap.Workdir
}

// materialize makes the working root filesystem match the current
// snapshot, or empties it before the first step.
func (b *Builder) materialize(state *buildState) error {
	if state.snapshot == nil {
		if err := layers.RemoveTree(state.rootfs); err != nil {
			return errors.WrapError(err, errors.KindInternal, "materialize")
		}
		if err := os.MkdirAll(state.rootfs, 0755); err != nil {
			return errors.WrapError(err, errors.KindInternal, "materialize")
		}
	} else if err := b.cache.Materialize(state.snapshot, state.rootfs); err != nil {
		return errors.WrapError(err, errors.KindInternal, "materialize")
	}
	state.materialized = true
	return nil
}

func (b *Builder) export(result *types.BuildResult, state *buildState) error {
	exporter, err := exporters.GetExporter(b.config.OutputType)
	if err != nil {
		return err
	}
	if !state.materialized {
		if err := b.materialize(state); err != nil {
			return err
		}
	}
	b.progress.Message("Exporting environment to %s...", b.config.Output)
	return exporter.Export(result, b.config, state.rootfs)
}

func (b *Builder) fail(ctx context.Context, result *types.BuildResult, start time.Time, index int, instr types.Instruction, err error) (*types.BuildResult, error) {
	var stepErr error = err
	if index != errors.NoStep {
		stepErr = errors.WithStep(err, index, instr.Summary())
	}

	result.Success = false
	result.Error = stepErr.Error()
	result.Duration = time.Since(start).String()
	b.logger.LogError(ctx, stepErr, "build")
	b.logger.LogBuildComplete(ctx, false, time.Since(start), result.Operations, result.CacheHits)
	b.progress.Finish(false, stepErr)
	return result, stepErr
}

// Cleanup removes the working root filesystem of this builder.
func (b *Builder) Cleanup() error {
	if b.workDir != "" {
		return layers.RemoveTree(b.workDir)
	}
	return nil
}

func sizeOf(snap *LayerSnapshot) int64 {
	if snap == nil {
		return 0
	}
	return snap.Size
}
