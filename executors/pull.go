package executors

import (
	"context"
	"fmt"

	"github.com/bibin-skaria/envbuild/internal/errors"
	"github.com/bibin-skaria/envbuild/internal/types"
	"github.com/bibin-skaria/envbuild/registry"
)

// Puller seeds a root filesystem from a base image.
type Puller interface {
	Extract(ctx context.Context, image string, platform types.Platform, rootfs string) (*registry.PullResult, error)
}

// PullExecutor seeds an empty root filesystem from the base image.
type PullExecutor struct {
	Puller Puller
}

func (e *PullExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	instr := req.Instruction
	if e.Puller == nil {
		return nil, errors.NewInvalidInstructionError("pull", "no image puller configured")
	}

	pulled, err := e.Puller.Extract(ctx, instr.Image(), instr.Platform(), req.RootFS)
	if err != nil {
		return nil, err
	}

	output := fmt.Sprintf("seeded from %s", instr.Image())
	if pulled != nil && pulled.Digest != "" {
		output = fmt.Sprintf("seeded from %s@%s (%d layers)", instr.Image(), pulled.Digest, pulled.Layers)
	}
	return &Result{Workdir: DefaultWorkdir, Output: output}, nil
}
