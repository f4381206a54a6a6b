package executors

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/bibin-skaria/envbuild/internal/types"
)

// DefaultWorkdir is in effect until the first SetWorkdir.
const DefaultWorkdir = "/"

// Request is one instruction applied to a working root filesystem.
type Request struct {
	Instruction types.Instruction
	RootFS      string
	ContextDir  string
	// Workdir is the environment path in effect before the instruction.
	Workdir string
}

// Result is what a step leaves behind besides filesystem changes.
type Result struct {
	Workdir string
	Output  string
}

// Executor applies one kind of instruction.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Dispatcher routes instructions to the executor registered for their kind.
type Dispatcher struct {
	mu        sync.RWMutex
	executors map[types.InstructionKind]Executor
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{executors: make(map[types.InstructionKind]Executor)}
}

// NewDefaultDispatcher wires the built-in executors for every instruction kind.
func NewDefaultDispatcher(puller Puller, runner Runner, policy types.Policy) *Dispatcher {
	d := NewDispatcher()
	d.RegisterExecutor(types.InstructionPullBase, &PullExecutor{Puller: puller})
	d.RegisterExecutor(types.InstructionRun, &RunExecutor{Runner: runner, Policy: policy})
	d.RegisterExecutor(types.InstructionCopy, &CopyExecutor{})
	d.RegisterExecutor(types.InstructionWorkdir, &WorkdirExecutor{Policy: policy})
	return d
}

func (d *Dispatcher) RegisterExecutor(kind types.InstructionKind, executor Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[kind] = executor
}

func (d *Dispatcher) GetExecutor(kind types.InstructionKind) (Executor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	executor, exists := d.executors[kind]
	if !exists {
		return nil, fmt.Errorf("executor for %s not found", kind)
	}
	return executor, nil
}

func (d *Dispatcher) ListExecutors() []types.InstructionKind {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]types.InstructionKind, 0, len(d.executors))
	for kind := range d.executors {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Execute runs req through the executor for its instruction kind.
func (d *Dispatcher) Execute(ctx context.Context, req *Request) (*Result, error) {
	executor, err := d.GetExecutor(req.Instruction.Kind())
	if err != nil {
		return nil, err
	}
	if req.Workdir == "" {
		req.Workdir = DefaultWorkdir
	}
	return executor.Execute(ctx, req)
}

// ResolvePath resolves p against the environment working directory.
func ResolvePath(workdir, p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	if workdir == "" {
		workdir = DefaultWorkdir
	}
	return path.Join(workdir, p)
}

// HostPath maps an environment path onto the root filesystem on the host.
// Symlinks are resolved as if rootfs were /, so the result never escapes it.
func HostPath(rootfs, p string) (string, error) {
	return securejoin.SecureJoin(rootfs, p)
}
