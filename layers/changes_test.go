package layers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bibin-skaria/envbuild/internal/types"
)

func TestCompareTrees(t *testing.T) {
	tempDir := t.TempDir()
	oldDir := filepath.Join(tempDir, "old")
	newDir := filepath.Join(tempDir, "new")

	mustWrite := func(p, content string, mtime time.Time) {
		t.Helper()
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(p, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}

	base := time.Unix(1700000000, 0)
	mustWrite(filepath.Join(oldDir, "file1.txt"), "original content", base)
	mustWrite(filepath.Join(oldDir, "file2.txt"), "will be deleted", base)
	mustWrite(filepath.Join(oldDir, "same.txt"), "unchanged", base)

	mustWrite(filepath.Join(newDir, "file1.txt"), "modified content", base.Add(time.Second))
	mustWrite(filepath.Join(newDir, "same.txt"), "unchanged", base)
	mustWrite(filepath.Join(newDir, "subdir/subfile.txt"), "sub content", base)

	before, err := ScanTree(oldDir)
	if err != nil {
		t.Fatalf("ScanTree failed: %v", err)
	}
	after, err := ScanTree(newDir)
	if err != nil {
		t.Fatalf("ScanTree failed: %v", err)
	}
	changes := Compare(before, after)

	expected := []struct {
		path string
		kind ChangeType
	}{
		{"/file1.txt", ChangeTypeModify},
		{"/file2.txt", ChangeTypeDelete},
		{"/subdir", ChangeTypeAdd},
		{"/subdir/subfile.txt", ChangeTypeAdd},
	}

	if len(changes) != len(expected) {
		t.Fatalf("Expected %d changes, got %d: %+v", len(expected), len(changes), changes)
	}
	for i, want := range expected {
		if changes[i].Path != want.path || changes[i].Type != want.kind {
			t.Errorf("change %d = %s %s, expected %s %s", i, changes[i].Type, changes[i].Path, want.kind, want.path)
		}
	}

	summary := Summarize(changes)
	want := types.ChangeSummary{Added: 2, Modified: 1, Deleted: 1, Bytes: int64(len("modified content") + len("sub content"))}
	if summary != want {
		t.Errorf("Summarize() = %+v, expected %+v", summary, want)
	}
}

func TestScanTreeMissingRoot(t *testing.T) {
	tree, err := ScanTree(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("ScanTree failed: %v", err)
	}
	if len(tree) != 0 {
		t.Errorf("Expected empty tree, got %d entries", len(tree))
	}
}

func TestCompareSymlinkRetarget(t *testing.T) {
	oldTree := Tree{"/link": {Path: "/link", Mode: os.ModeSymlink | 0777, Linkname: "a"}}
	newTree := Tree{"/link": {Path: "/link", Mode: os.ModeSymlink | 0777, Linkname: "b"}}

	changes := Compare(oldTree, newTree)
	if len(changes) != 1 || changes[0].Type != ChangeTypeModify || changes[0].Linkname != "b" {
		t.Errorf("Expected retargeted symlink to be modified, got %+v", changes)
	}
}
