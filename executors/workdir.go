package executors

import (
	"context"
	"os"

	"github.com/bibin-skaria/envbuild/internal/errors"
	"github.com/bibin-skaria/envbuild/internal/types"
)

// WorkdirExecutor changes the working directory for subsequent steps.
type WorkdirExecutor struct {
	Policy types.Policy
}

func (e *WorkdirExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	workdir := ResolvePath(req.Workdir, req.Instruction.Workdir())
	if err := ensureDir(req.RootFS, workdir, e.Policy.CreateMissingWorkdir); err != nil {
		return nil, err
	}
	return &Result{Workdir: workdir}, nil
}

// ensureDir checks that workdir is a directory inside rootfs, creating it
// when create is set.
func ensureDir(rootfs, workdir string, create bool) error {
	host, err := HostPath(rootfs, workdir)
	if err != nil {
		return errors.WrapError(err, errors.KindWorkdirNotFound, "workdir")
	}

	info, err := os.Stat(host)
	switch {
	case err == nil && info.IsDir():
		return nil
	case err == nil:
		return errors.NewErrorBuilder().
			Kind(errors.KindWorkdirNotFound).
			Operation("workdir").
			Messagef("working directory %s is not a directory", workdir).
			Build()
	case !os.IsNotExist(err):
		return errors.WrapError(err, errors.KindWorkdirNotFound, "workdir")
	case !create:
		return errors.NewWorkdirNotFoundError(workdir)
	}

	if err := os.MkdirAll(host, 0755); err != nil {
		return errors.NewErrorBuilder().
			Kind(errors.KindWorkdirNotFound).
			Operation("workdir").
			Messagef("failed to create working directory %s", workdir).
			Cause(err).
			Build()
	}
	return nil
}
