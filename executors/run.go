package executors

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/bibin-skaria/envbuild/internal/errors"
	"github.com/bibin-skaria/envbuild/internal/types"
)

const (
	DefaultShell       = "/bin/sh"
	DefaultOutputLimit = 64 * 1024
	defaultPath        = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// RunSpec is one shell command to run against a root filesystem.
type RunSpec struct {
	Command string
	RootFS  string
	// Workdir is an environment path; runners map it onto RootFS.
	Workdir string
}

// RunOutput is the outcome of a command that was started.
type RunOutput struct {
	ExitCode int
	Output   string
}

// Runner runs Run instructions. It returns an error only when the command
// could not be started or was interrupted; a non-zero exit is reported in
// RunOutput.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*RunOutput, error)
}

// RunExecutor executes Run instructions through a Runner.
type RunExecutor struct {
	Runner Runner
	Policy types.Policy
}

func (e *RunExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	instr := req.Instruction

	workdir := req.Workdir
	if instr.Workdir() != "" {
		workdir = ResolvePath(req.Workdir, instr.Workdir())
		if err := ensureDir(req.RootFS, workdir, e.Policy.CreateMissingWorkdir); err != nil {
			return nil, err
		}
	}

	out, err := e.Runner.Run(ctx, RunSpec{
		Command: instr.Command(),
		RootFS:  req.RootFS,
		Workdir: workdir,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewErrorBuilder().
				Kind(errors.KindCancelled).
				Operation("run").
				Message("command interrupted").
				Cause(err).
				Build()
		}
		return nil, errors.NewExecutionFailure("run", -1, "", err)
	}

	if out.ExitCode != 0 {
		return nil, errors.NewExecutionFailure("run", out.ExitCode, out.Output,
			fmt.Errorf("command exited with status %d", out.ExitCode))
	}

	return &Result{Workdir: req.Workdir, Output: out.Output}, nil
}

// ShellRunner runs commands with /bin/sh -c. Without isolation the command
// runs on the host with its working directory inside the root filesystem;
// with Chroot it runs chrooted into the root filesystem, which needs root.
type ShellRunner struct {
	Shell       string
	Chroot      bool
	OutputLimit int
	Env         []string
}

func NewShellRunner(chroot bool, outputLimit int) *ShellRunner {
	if outputLimit <= 0 {
		outputLimit = DefaultOutputLimit
	}
	return &ShellRunner{
		Shell:       DefaultShell,
		Chroot:      chroot,
		OutputLimit: outputLimit,
	}
}

func (r *ShellRunner) Run(ctx context.Context, spec RunSpec) (*RunOutput, error) {
	shell := r.Shell
	if shell == "" {
		shell = DefaultShell
	}

	cmd := exec.CommandContext(ctx, shell, "-c", spec.Command)

	if r.Chroot {
		if os.Geteuid() != 0 {
			return nil, fmt.Errorf("chroot isolation requires root; run as root or set isolation to none")
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: spec.RootFS}
		cmd.Dir = spec.Workdir
		cmd.Env = r.environment(spec, "/root", defaultPath)
	} else {
		dir, err := HostPath(spec.RootFS, spec.Workdir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory %s: %w", spec.Workdir, err)
		}
		home, err := HostPath(spec.RootFS, "/root")
		if err != nil {
			return nil, err
		}
		hostPath := os.Getenv("PATH")
		if hostPath == "" {
			hostPath = defaultPath
		}
		cmd.Dir = dir
		cmd.Env = r.environment(spec, home, hostPath)
	}

	limit := r.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	output := newTailBuffer(limit)
	cmd.Stdout = output
	cmd.Stderr = output

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) && ctx.Err() == nil {
			return &RunOutput{ExitCode: exitErr.ExitCode(), Output: output.String()}, nil
		}
		return nil, err
	}
	return &RunOutput{ExitCode: 0, Output: output.String()}, nil
}

func (r *ShellRunner) environment(spec RunSpec, home, pathVar string) []string {
	env := []string{
		"PATH=" + pathVar,
		"HOME=" + home,
		"ENVBUILD_ROOTFS=" + spec.RootFS,
		"ENVBUILD_WORKDIR=" + spec.Workdir,
		"DEBIAN_FRONTEND=noninteractive",
	}
	return append(env, r.Env...)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.limit {
		t.buf.Reset()
		t.buf.Write(p[len(p)-t.limit:])
		t.truncated = true
		return n, nil
	}
	if overflow := t.buf.Len() + len(p) - t.limit; overflow > 0 {
		t.buf.Next(overflow)
		t.truncated = true
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	if t.truncated {
		return "[output truncated]\n" + t.buf.String()
	}
	return t.buf.String()
}
