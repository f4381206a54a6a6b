package executors

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bibin-skaria/envbuild/internal/errors"
)

// CopyExecutor copies a file or directory tree from the build context into
// the root filesystem. A directory source copies its contents. A file
// source copied onto an existing directory, or a destination ending in /,
// keeps its base name.
type CopyExecutor struct{}

func (e *CopyExecutor) Execute(ctx context.Context, req *Request) (*Result, error) {
	instr := req.Instruction
	source := instr.SourcePath(req.ContextDir)

	srcInfo, err := os.Stat(source)
	if err != nil {
		return nil, errors.NewSourceNotFoundError(instr.Source(), err)
	}

	dest := ResolvePath(req.Workdir, instr.Dest())
	if srcInfo.IsDir() {
		if err := copyTree(source, req.RootFS, dest); err != nil {
			return nil, copyFailure(instr.Source(), dest, err)
		}
		return &Result{Workdir: req.Workdir}, nil
	}

	if strings.HasSuffix(instr.Dest(), "/") || isDir(req.RootFS, dest) {
		dest = path.Join(dest, filepath.Base(source))
	}
	if err := copyFile(source, req.RootFS, dest, srcInfo.Mode()); err != nil {
		return nil, copyFailure(instr.Source(), dest, err)
	}
	return &Result{Workdir: req.Workdir}, nil
}

func copyFailure(source, dest string, err error) error {
	return errors.NewErrorBuilder().
		Kind(errors.KindExecutionFailure).
		Category(errors.ErrorCategoryFilesystem).
		Operation("copy").
		Messagef("failed to copy %s to %s", source, dest).
		Cause(err).
		Build()
}

func isDir(rootfs, p string) bool {
	host, err := HostPath(rootfs, p)
	if err != nil {
		return false
	}
	info, err := os.Stat(host)
	return err == nil && info.IsDir()
}

func copyTree(source, rootfs, dest string) error {
	return filepath.WalkDir(source, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(source, p)
		if err != nil {
			return err
		}
		target := path.Join(dest, filepath.ToSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			host, err := HostPath(rootfs, target)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(host, 0755); err != nil {
				return err
			}
			return os.Chmod(host, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			return copySymlink(p, rootfs, target)
		case info.Mode().IsRegular():
			return copyFile(p, rootfs, target, info.Mode())
		default:
			return fmt.Errorf("unsupported file type at %s", p)
		}
	})
}

func copyFile(source, rootfs, dest string, mode os.FileMode) error {
	host, err := HostPath(rootfs, dest)
	if err != nil {
		return err
	}

	srcFile, err := os.Open(source)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	if err := os.MkdirAll(filepath.Dir(host), 0755); err != nil {
		return err
	}

	destFile, err := os.OpenFile(host, os.O_RDWR|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(destFile, srcFile); err != nil {
		destFile.Close()
		return err
	}
	if err := destFile.Close(); err != nil {
		return err
	}
	return os.Chmod(host, mode.Perm())
}

func copySymlink(source, rootfs, dest string) error {
	link, err := os.Readlink(source)
	if err != nil {
		return err
	}
	// Resolve the parent only; the link itself is recreated, not followed.
	parent, err := HostPath(rootfs, path.Dir(dest))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(parent, 0755); err != nil {
		return err
	}
	host := filepath.Join(parent, path.Base(dest))
	if err := os.RemoveAll(host); err != nil {
		return err
	}
	return os.Symlink(link, host)
}
