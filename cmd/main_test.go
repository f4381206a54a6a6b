package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bibin-skaria/envbuild/internal/errors"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeProject(t *testing.T, manifest string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "settings.ini"), []byte("debug=false\n"), 0644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "env.manifest")
	if err := os.WriteFile(path, []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	return path, t.TempDir()
}

const scratchManifest = `@base scratch
@copy settings.ini /etc/app/settings.ini
@workdir /
`

func TestBuildCommand(t *testing.T) {
	manifest, cacheDir := writeProject(t, scratchManifest)

	out, err := runCLI(t, "build", manifest, "--cache-dir", cacheDir)
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Operations: 3 (cached 0, executed 3)") {
		t.Errorf("Unexpected first build output:\n%s", out)
	}

	out, err = runCLI(t, "build", manifest, "--cache-dir", cacheDir)
	if err != nil {
		t.Fatalf("rebuild failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Operations: 3 (cached 3, executed 0)") {
		t.Errorf("Expected fully cached rebuild:\n%s", out)
	}

	out, err = runCLI(t, "cache", "info", "--cache-dir", cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Layers: 3") || !strings.Contains(out, "Status: ok") {
		t.Errorf("Unexpected cache info:\n%s", out)
	}
}

func TestBuildCommandExport(t *testing.T) {
	manifest, cacheDir := writeProject(t, scratchManifest)
	output := filepath.Join(t.TempDir(), "env.tar.gz")

	if out, err := runCLI(t, "build", manifest, "--cache-dir", cacheDir, "-q", "-o", output, "--output-type", "tar"); err != nil {
		t.Fatalf("build failed: %v\n%s", err, out)
	}
	if _, err := os.Stat(output); err != nil {
		t.Errorf("Expected exported archive: %v", err)
	}
}

func TestBuildCommandExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		code     int
	}{
		{"empty manifest", "# nothing\n", errors.ExitCodeParse},
		{"unknown directive", "@base scratch\n@frobnicate\n", errors.ExitCodeParse},
		{"missing copy source", "@base scratch\n@copy missing.txt /app/\n", errors.ExitCodeExecution},
		{"missing workdir", "@base scratch\n@workdir /nope\n", errors.ExitCodeExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manifest, cacheDir := writeProject(t, tt.manifest)
			_, err := runCLI(t, "build", manifest, "--cache-dir", cacheDir, "-q")
			if err == nil {
				t.Fatal("Expected build to fail")
			}
			if got := errors.ExitCode(err); got != tt.code {
				t.Errorf("Expected exit code %d, got %d (%v)", tt.code, got, err)
			}
		})
	}
}

func TestConfigPrecedence(t *testing.T) {
	manifest, cacheDir := writeProject(t, "@copy settings.ini /settings.ini\n@workdir /\n")
	config := "base_image: does-not-exist:1\ncache_dir: " + filepath.Join(t.TempDir(), "unused") + "\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(manifest), "envbuild.yaml"), []byte(config), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ENVBUILD_BASE", "scratch")
	out, err := runCLI(t, "plan", manifest, "--cache-dir", cacheDir)
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if !strings.Contains(out, "FROM scratch") {
		t.Errorf("Expected environment to override the config file:\n%s", out)
	}

	out, err = runCLI(t, "plan", manifest, "--cache-dir", cacheDir, "--base", "alpine:3.19")
	if err != nil {
		t.Fatalf("plan failed: %v", err)
	}
	if !strings.Contains(out, "FROM alpine:3.19") {
		t.Errorf("Expected flag to override the environment:\n%s", out)
	}
}

func TestCacheEvictAndVerify(t *testing.T) {
	manifest, cacheDir := writeProject(t, scratchManifest)
	if out, err := runCLI(t, "build", manifest, "--cache-dir", cacheDir, "-q"); err != nil {
		t.Fatalf("build failed: %v\n%s", err, out)
	}

	out, err := runCLI(t, "cache", "verify", "--cache-dir", cacheDir)
	if err != nil {
		t.Fatalf("verify failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Checked 3 layers") {
		t.Errorf("Unexpected verify output:\n%s", out)
	}

	if _, err := runCLI(t, "cache", "evict", "not-a-digest", "--cache-dir", cacheDir); err == nil {
		t.Error("Expected invalid identity to be rejected")
	}
	if err := os.WriteFile(filepath.Join(cacheDir, "INTEGRITY_FAILURE"), []byte("test\n"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = runCLI(t, "cache", "verify", "--cache-dir", cacheDir)
	if errors.ExitCode(err) != errors.ExitCodeIntegrity {
		t.Errorf("Expected integrity exit code while poisoned, got %v", err)
	}
	if _, err := runCLI(t, "cache", "verify", "--reset", "--cache-dir", cacheDir); err != nil {
		t.Errorf("verify --reset failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "INTEGRITY_FAILURE")); !os.IsNotExist(err) {
		t.Error("Expected marker to be cleared")
	}
}

func TestReportError(t *testing.T) {
	err := errors.WithStep(errors.NewExecutionFailure("run", 100, "E: Unable to locate package nope\n", nil), 2, "RUN apt-get install -y nope")

	var out bytes.Buffer
	reportError(&out, err)

	for _, want := range []string{
		"Error [ExecutionFailure]",
		"at step 3: RUN apt-get install -y nope",
		"exit status: 100",
		"E: Unable to locate package nope",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected report to contain %q, got:\n%s", want, out.String())
		}
	}
}

func TestReportCriticalError(t *testing.T) {
	var out bytes.Buffer
	reportError(&out, errors.NewCacheIntegrityError("sha256:abc", "snapshot content digest mismatch"))

	if !strings.Contains(out.String(), "Every build sharing this cache is stopped") {
		t.Errorf("Expected integrity failures to be reported as critical:\n%s", out.String())
	}

	out.Reset()
	reportError(&out, errors.NewWorkdirNotFoundError("/nope"))
	if strings.Contains(out.String(), "Every build sharing") {
		t.Errorf("Only integrity failures are critical:\n%s", out.String())
	}
}
