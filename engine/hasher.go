package engine

import (
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/bibin-skaria/envbuild/internal/errors"
	"github.com/bibin-skaria/envbuild/internal/types"
)

const identityVersion = "envbuild/layer/v1"

// RootIdentity is the parent of the first instruction of every plan.
var RootIdentity = digest.FromString("envbuild/root/v1")

// Hasher derives layer identities. Copy sources are resolved against
// ContextDir and their content, not their path, feeds the identity.
type Hasher struct {
	ContextDir string
}

func NewHasher(contextDir string) *Hasher {
	return &Hasher{ContextDir: contextDir}
}

// Identity returns the identity of instr applied on top of parent.
func (h *Hasher) Identity(parent digest.Digest, instr types.Instruction) (digest.Digest, error) {
	digester := digest.Canonical.Digester()
	w := &fieldWriter{h: digester.Hash()}

	w.field(identityVersion)
	w.field(parent.String())
	w.field(string(instr.Kind()))

	switch instr.Kind() {
	case types.InstructionPullBase:
		w.field(instr.Image())
		w.field(instr.Platform().String())
		// A local archive is identified by its content, like a copy source.
		if path, ok := strings.CutPrefix(instr.Image(), types.DockerArchivePrefix); ok {
			if err := hashArchive(w, path); err != nil {
				return "", err
			}
		}
	case types.InstructionRun:
		w.field(instr.Command())
		w.field(instr.Workdir())
	case types.InstructionWorkdir:
		w.field(instr.Workdir())
	case types.InstructionCopy:
		w.field(instr.Source())
		w.field(instr.Dest())
		if err := hashSource(w, instr.SourcePath(h.ContextDir)); err != nil {
			if os.IsNotExist(err) {
				return "", errors.NewSourceNotFoundError(instr.Source(), err)
			}
			return "", errors.NewErrorBuilder().
				Kind(errors.KindExecutionFailure).
				Category(errors.ErrorCategoryFilesystem).
				Operation("hash").
				Messagef("failed to read copy source %q", instr.Source()).
				Cause(err).
				Build()
		}
	default:
		return "", errors.NewInvalidInstructionError("hash", fmt.Sprintf("unknown instruction kind %q", instr.Kind()))
	}

	if w.err != nil {
		return "", w.err
	}
	return digester.Digest(), nil
}

// Sequence returns the identity of every instruction of plan, in order.
func (h *Hasher) Sequence(plan *types.BuildPlan) ([]digest.Digest, error) {
	ids := make([]digest.Digest, 0, plan.Len())
	parent := RootIdentity
	for i, instr := range plan.Instructions() {
		id, err := h.Identity(parent, instr)
		if err != nil {
			return nil, errors.WithStep(err, i, instr.Summary())
		}
		ids = append(ids, id)
		parent = id
	}
	return ids, nil
}

// fieldWriter writes length-prefixed fields so adjacent values cannot be
// confused with one another.
type fieldWriter struct {
	h   hash.Hash
	err error
}

func (w *fieldWriter) length(n uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	w.h.Write(buf[:])
}

func (w *fieldWriter) field(s string) {
	w.length(uint64(len(s)))
	io.WriteString(w.h, s)
}

func (w *fieldWriter) file(p string, size int64) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	w.length(uint64(size))
	n, err := io.Copy(w.h, f)
	if err != nil {
		return err
	}
	if n != size {
		return fmt.Errorf("%s changed while hashing", p)
	}
	return nil
}

func hashArchive(w *fieldWriter, path string) error {
	info, err := os.Stat(path)
	if err == nil && !info.Mode().IsRegular() {
		err = fmt.Errorf("%s is not a regular file", path)
	}
	if err == nil {
		w.field("archive")
		err = w.file(path, info.Size())
	}
	if err == nil {
		return nil
	}

	builder := errors.NewErrorBuilder().
		Kind(errors.KindExecutionFailure).
		Category(errors.ErrorCategoryFilesystem).
		Operation("hash").
		Messagef("failed to read base image archive %s", path).
		Cause(err)
	if os.IsNotExist(err) {
		builder = builder.Kind(errors.KindSourceNotFound).
			Messagef("base image archive %s does not exist", path).
			Suggestion("Check the docker-archive: path of the base image")
	}
	return builder.Build()
}

func hashSource(w *fieldWriter, source string) error {
	info, err := os.Stat(source)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		w.field("file")
		w.field(fmt.Sprintf("%o", info.Mode().Perm()))
		return w.file(source, info.Size())
	}

	w.field("dir")
	// WalkDir visits entries in lexical order.
	return filepath.WalkDir(source, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		entry, err := d.Info()
		if err != nil {
			return err
		}

		w.field(filepath.ToSlash(rel))
		w.field(fmt.Sprintf("%o", entry.Mode().Perm()))
		switch {
		case entry.IsDir():
			w.field("d")
		case entry.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			w.field("l")
			w.field(link)
		case entry.Mode().IsRegular():
			w.field("f")
			return w.file(p, entry.Size())
		default:
			w.field("o")
		}
		return nil
	})
}
