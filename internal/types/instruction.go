package types

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"mvdan.cc/sh/v3/syntax"

	"github.com/bibin-skaria/envbuild/internal/errors"
)

type InstructionKind string

const (
	InstructionPullBase InstructionKind = "pull"
	InstructionRun      InstructionKind = "run"
	InstructionCopy     InstructionKind = "copy"
	InstructionWorkdir  InstructionKind = "workdir"
)

const (
	// ScratchImage seeds an empty root filesystem.
	ScratchImage = "scratch"
	// DockerArchivePrefix marks a local `docker save` tarball as the base image.
	DockerArchivePrefix = "docker-archive:"
)

// Policy holds the configurable validation and execution rules.
type Policy struct {
	AllowAbsoluteCopy    bool `json:"allow_absolute_copy" yaml:"allow_absolute_copy"`
	CreateMissingWorkdir bool `json:"create_missing_workdir" yaml:"create_missing_workdir"`
}

// Instruction is one immutable build step. Only the fields relevant to its
// kind are set; construct it with NewPullBase, NewRun, NewCopy or NewSetWorkdir.
type Instruction struct {
	kind     InstructionKind
	image    string
	platform Platform
	command  string
	workdir  string
	source   string
	dest     string
}

// NewPullBase selects the base image. An empty platform means the host platform.
func NewPullBase(image string, platform Platform) (Instruction, error) {
	image = strings.TrimSpace(image)
	if image == "" {
		return Instruction{}, errors.NewInvalidInstructionError("pull", "base image reference is required")
	}
	if err := ValidateImageReference(image); err != nil {
		return Instruction{}, err
	}
	if platform.OS == "" || platform.Architecture == "" {
		platform = GetHostPlatform()
	}
	return Instruction{kind: InstructionPullBase, image: image, platform: platform}, nil
}

// NewRun creates a shell command step. workdir optionally overrides the
// working directory in effect for this command only.
func NewRun(command, workdir string) (Instruction, error) {
	if strings.TrimSpace(command) == "" {
		return Instruction{}, errors.NewInvalidInstructionError("run", "command is required")
	}
	if _, err := syntax.NewParser().Parse(strings.NewReader(command), ""); err != nil {
		return Instruction{}, errors.NewErrorBuilder().
			Kind(errors.KindInvalidInstruction).
			Operation("run").
			Messagef("command is not valid shell: %v", err).
			Cause(err).
			Build()
	}
	if workdir != "" {
		workdir = cleanEnvPath(workdir)
	}
	return Instruction{kind: InstructionRun, command: command, workdir: workdir}, nil
}

// NewCopy copies source from the build context to dest inside the environment.
func NewCopy(source, dest string, policy Policy) (Instruction, error) {
	if strings.TrimSpace(source) == "" || strings.TrimSpace(dest) == "" {
		return Instruction{}, errors.NewInvalidInstructionError("copy", "source and destination are required")
	}
	if filepath.IsAbs(source) {
		if !policy.AllowAbsoluteCopy {
			return Instruction{}, errors.NewInvalidInstructionError("copy",
				fmt.Sprintf("absolute source path %q is not allowed by policy", source))
		}
	} else {
		clean := filepath.Clean(source)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return Instruction{}, errors.NewInvalidInstructionError("copy",
				fmt.Sprintf("source path %q escapes the build context", source))
		}
		source = clean
	}
	return Instruction{kind: InstructionCopy, source: source, dest: dest}, nil
}

// NewSetWorkdir sets the working directory for subsequent steps.
func NewSetWorkdir(p string) (Instruction, error) {
	if strings.TrimSpace(p) == "" {
		return Instruction{}, errors.NewInvalidInstructionError("workdir", "path is required")
	}
	return Instruction{kind: InstructionWorkdir, workdir: cleanEnvPath(p)}, nil
}

func (i Instruction) Kind() InstructionKind { return i.kind }
func (i Instruction) Image() string         { return i.image }
func (i Instruction) Platform() Platform    { return i.platform }
func (i Instruction) Command() string       { return i.command }
func (i Instruction) Source() string        { return i.source }
func (i Instruction) Dest() string          { return i.dest }

// Workdir is the target of a SetWorkdir step or the override of a Run step.
func (i Instruction) Workdir() string { return i.workdir }

// SourcePath resolves the copy source against the build context directory.
func (i Instruction) SourcePath(contextDir string) string {
	if filepath.IsAbs(i.source) {
		return i.source
	}
	return filepath.Join(contextDir, i.source)
}

// Summary renders the step the way it is shown in progress output.
func (i Instruction) Summary() string {
	switch i.kind {
	case InstructionPullBase:
		return fmt.Sprintf("FROM %s (%s)", i.image, i.platform)
	case InstructionRun:
		if i.workdir != "" {
			return fmt.Sprintf("RUN [%s] %s", i.workdir, i.command)
		}
		return "RUN " + i.command
	case InstructionCopy:
		return fmt.Sprintf("COPY %s %s", i.source, i.dest)
	case InstructionWorkdir:
		return "WORKDIR " + i.workdir
	default:
		return "<invalid instruction>"
	}
}

func (i Instruction) String() string { return i.Summary() }

// Equal reports whether both instructions carry identical content.
func (i Instruction) Equal(other Instruction) bool {
	return i == other
}

type instructionJSON struct {
	Kind     InstructionKind `json:"kind"`
	Image    string          `json:"image,omitempty"`
	Platform string          `json:"platform,omitempty"`
	Command  string          `json:"command,omitempty"`
	Workdir  string          `json:"workdir,omitempty"`
	Source   string          `json:"source,omitempty"`
	Dest     string          `json:"dest,omitempty"`
}

func (i Instruction) MarshalJSON() ([]byte, error) {
	out := instructionJSON{
		Kind:    i.kind,
		Image:   i.image,
		Command: i.command,
		Workdir: i.workdir,
		Source:  i.source,
		Dest:    i.dest,
	}
	if i.kind == InstructionPullBase {
		out.Platform = i.platform.String()
	}
	return json.Marshal(out)
}

// ValidateImageReference accepts scratch, docker-archive:<path> and any
// reference go-containerregistry can parse.
func ValidateImageReference(image string) error {
	if image == ScratchImage {
		return nil
	}
	if strings.HasPrefix(image, DockerArchivePrefix) {
		if strings.TrimPrefix(image, DockerArchivePrefix) == "" {
			return errors.NewInvalidInstructionError("pull", "docker-archive reference requires a path")
		}
		return nil
	}
	if _, err := name.ParseReference(image); err != nil {
		return errors.NewErrorBuilder().
			Kind(errors.KindInvalidInstruction).
			Operation("pull").
			Messagef("invalid image reference %q", image).
			Cause(err).
			Build()
	}
	return nil
}

// cleanEnvPath normalizes a path inside the environment. Relative paths are
// kept relative so they resolve against the working directory at run time.
func cleanEnvPath(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Clean(filepath.ToSlash(p))
}
