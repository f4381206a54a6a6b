package layers

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/bibin-skaria/envbuild/internal/types"
)

// FileInfo is the scanned state of one filesystem entry.
type FileInfo struct {
	Path     string
	Mode     os.FileMode
	Size     int64
	ModTime  time.Time
	UID      int
	GID      int
	Linkname string
}

// Tree maps slash-rooted paths to their scanned state.
type Tree map[string]*FileInfo

// ScanTree records every entry below rootPath. A missing root scans as empty.
func ScanTree(rootPath string) (Tree, error) {
	files := make(Tree)

	if _, err := os.Lstat(rootPath); os.IsNotExist(err) {
		return files, nil
	}

	err := filepath.WalkDir(rootPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(rootPath, p)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		relPath = filepath.ToSlash(relPath)
		if !strings.HasPrefix(relPath, "/") {
			relPath = "/" + relPath
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		fileInfo := &FileInfo{
			Path:    relPath,
			Mode:    info.Mode(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}

		if stat, ok := info.Sys().(*syscall.Stat_t); ok {
			fileInfo.UID = int(stat.Uid)
			fileInfo.GID = int(stat.Gid)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s: %w", p, err)
			}
			fileInfo.Linkname = linkTarget
		}

		files[relPath] = fileInfo
		return nil
	})

	return files, err
}

// Compare lists the entries added, modified or deleted going from oldFiles
// to newFiles, sorted by path.
func Compare(oldFiles, newFiles Tree) []FileChange {
	var changes []FileChange

	for p, newInfo := range newFiles {
		oldInfo, existed := oldFiles[p]
		switch {
		case !existed:
			changes = append(changes, changeFor(ChangeTypeAdd, newInfo))
		case fileChanged(oldInfo, newInfo):
			changes = append(changes, changeFor(ChangeTypeModify, newInfo))
		}
	}

	for p, oldInfo := range oldFiles {
		if _, exists := newFiles[p]; !exists {
			changes = append(changes, FileChange{
				Path: p,
				Type: ChangeTypeDelete,
				Mode: oldInfo.Mode,
			})
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})
	return changes
}

// fileChanged determines if a file has been modified
func fileChanged(oldInfo, newInfo *FileInfo) bool {
	if oldInfo.Mode != newInfo.Mode ||
		oldInfo.Size != newInfo.Size ||
		oldInfo.UID != newInfo.UID ||
		oldInfo.GID != newInfo.GID ||
		oldInfo.Linkname != newInfo.Linkname {
		return true
	}

	// Directory mtimes move whenever a child changes; the child is reported instead.
	if newInfo.Mode.IsRegular() && !oldInfo.ModTime.Equal(newInfo.ModTime) {
		return true
	}

	return false
}

func changeFor(changeType ChangeType, info *FileInfo) FileChange {
	change := FileChange{
		Path:     info.Path,
		Type:     changeType,
		Mode:     info.Mode,
		Linkname: info.Linkname,
	}
	if info.Mode.IsRegular() {
		change.Size = info.Size
	}
	return change
}

// Summarize counts changes by type and totals the bytes written.
func Summarize(changes []FileChange) types.ChangeSummary {
	var summary types.ChangeSummary
	for _, change := range changes {
		switch change.Type {
		case ChangeTypeAdd:
			summary.Added++
		case ChangeTypeModify:
			summary.Modified++
		case ChangeTypeDelete:
			summary.Deleted++
		}
		if change.Type != ChangeTypeDelete {
			summary.Bytes += change.Size
		}
	}
	return summary
}
