package exporters

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bibin-skaria/envbuild/internal/types"
	"github.com/bibin-skaria/envbuild/layers"
)

func testRootFS(t *testing.T) string {
	t.Helper()
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "home", "user"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "home", "user", "app.py"), []byte("print('hi')\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("user/app.py", filepath.Join(rootfs, "home", "entry")); err != nil {
		t.Fatal(err)
	}
	return rootfs
}

func testResult() *types.BuildResult {
	return &types.BuildResult{
		BuildID:       "build-1",
		FinalIdentity: "sha256:bb",
		Workdir:       "/home",
		Steps: []*types.StepResult{
			{Identity: "sha256:aa"},
			{Identity: "sha256:bb"},
		},
	}
}

func TestRegistry(t *testing.T) {
	if diff := cmp.Diff([]string{"local", "tar"}, ListExporters()); diff != "" {
		t.Errorf("Registered exporters mismatch (-want +got):\n%s", diff)
	}

	e, err := GetExporter("")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := e.(*LocalExporter); !ok {
		t.Errorf("Expected local exporter by default, got %T", e)
	}

	if _, err := GetExporter("image"); err == nil {
		t.Error("Expected unknown exporter to fail")
	}
}

func TestLocalExporter(t *testing.T) {
	output := filepath.Join(t.TempDir(), "env")
	config := &types.BuildConfig{
		Output: output,
		Compile: types.CompileOptions{
			BaseImage: "python:3.12-slim",
			Platform:  types.Platform{OS: "linux", Architecture: "arm64"},
		},
	}
	result := testResult()

	if err := (&LocalExporter{}).Export(result, config, testRootFS(t)); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if result.OutputPath != output {
		t.Errorf("Expected OutputPath %q, got %q", output, result.OutputPath)
	}

	content, err := os.ReadFile(filepath.Join(output, rootfsDir, "home", "user", "app.py"))
	if err != nil || string(content) != "print('hi')\n" {
		t.Errorf("Expected exported file, got %q: %v", content, err)
	}
	if target, err := os.Readlink(filepath.Join(output, rootfsDir, "home", "entry")); err != nil || target != "user/app.py" {
		t.Errorf("Expected symlink to be preserved, got %q: %v", target, err)
	}

	data, err := os.ReadFile(filepath.Join(output, metadataFile))
	if err != nil {
		t.Fatal(err)
	}
	var metadata Metadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		t.Fatal(err)
	}
	want := Metadata{
		BuildID:   "build-1",
		Identity:  "sha256:bb",
		Layers:    []string{"sha256:aa", "sha256:bb"},
		Workdir:   "/home",
		Platform:  "linux/arm64",
		BaseImage: "python:3.12-slim",
	}
	metadata.ExportedAt = want.ExportedAt
	if diff := cmp.Diff(want, metadata); diff != "" {
		t.Errorf("Metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestLocalExporterReplacesPreviousExport(t *testing.T) {
	output := t.TempDir()
	stale := filepath.Join(output, rootfsDir, "stale.txt")
	if err := os.MkdirAll(filepath.Dir(stale), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := (&LocalExporter{}).Export(testResult(), &types.BuildConfig{Output: output}, testRootFS(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("Files from an earlier export must be removed")
	}
}

func TestTarExporter(t *testing.T) {
	rootfs := testRootFS(t)

	tests := []struct {
		name        string
		compression layers.CompressionType
	}{
		{"env.tar", layers.CompressionNone},
		{"env.tar.gz", layers.CompressionGzip},
		{"env.tgz", layers.CompressionGzip},
		{"env.tar.zst", layers.CompressionZstd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := compressionFor(tt.name); got != tt.compression {
				t.Fatalf("compressionFor(%q) = %s, want %s", tt.name, got, tt.compression)
			}

			output := filepath.Join(t.TempDir(), "out", tt.name)
			result := testResult()
			if err := (&TarExporter{}).Export(result, &types.BuildConfig{Output: output}, rootfs); err != nil {
				t.Fatalf("Export failed: %v", err)
			}
			if _, err := os.Stat(output + ".partial"); !os.IsNotExist(err) {
				t.Error("Partial file must not remain")
			}

			f, err := os.Open(output)
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()

			dest := t.TempDir()
			if _, err := layers.ExtractArchive(f, tt.compression, dest); err != nil {
				t.Fatalf("Exported archive does not extract: %v", err)
			}
			if _, err := os.Stat(filepath.Join(dest, "home", "user", "app.py")); err != nil {
				t.Errorf("Expected file in archive: %v", err)
			}
		})
	}
}

func TestTarExporterRequiresOutput(t *testing.T) {
	if err := (&TarExporter{}).Export(testResult(), &types.BuildConfig{}, t.TempDir()); err == nil {
		t.Error("Expected missing output to fail")
	}
}
