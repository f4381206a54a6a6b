package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bibin-skaria/envbuild/internal/types"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should validate: %v", err)
	}
	if cfg.Workdir != "/home" || cfg.DefaultManager != "pip" || cfg.Grouping != types.GroupingPerManager {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if _, ok := cfg.Managers["system"]; !ok {
		t.Error("Expected built-in system manager")
	}
	if cfg.Isolation != types.IsolationAuto || cfg.CompileOptions().Isolation != types.IsolationAuto {
		t.Errorf("Expected auto isolation by default, got %q", cfg.Isolation)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, FileName, `
cache_dir: /var/cache/envbuild
base_image: python:3.12-slim
workdir: ""
grouping: combined
compression: gzip
allow_absolute_copy: true
output_limit: 1024
managers:
  npm:
    install: npm install -g {packages}
registry:
  insecure: ["localhost:5000"]
  registries:
    ghcr.io:
      token: abc
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	want := types.CompileOptions{
		BaseImage:      "python:3.12-slim",
		Platform:       types.GetHostPlatform(),
		Workdir:        "",
		DefaultManager: "pip",
		Grouping:       types.GroupingCombined,
		Managers: map[string]types.PackageManager{
			"system": DefaultManagers()["system"],
			"pip":    DefaultManagers()["pip"],
			"npm":    {Install: "npm install -g {packages}"},
		},
		Policy: types.Policy{AllowAbsoluteCopy: true},
	}
	if diff := cmp.Diff(want, *cfg.CompileOptions()); diff != "" {
		t.Errorf("CompileOptions mismatch (-want +got):\n%s", diff)
	}

	if cfg.CacheDir != "/var/cache/envbuild" || cfg.Compression != CompressionGzip || cfg.OutputLimit != 1024 {
		t.Errorf("Unexpected config: %+v", cfg)
	}
	if cfg.Registry.Registries["ghcr.io"].Token != "abc" || len(cfg.Registry.Insecure) != 1 {
		t.Errorf("Unexpected registry config: %+v", cfg.Registry)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "cache_directory: /tmp\n")
	if _, err := Load(path); err == nil {
		t.Error("Expected unknown key to be rejected")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvCacheDir, "/tmp/envcache")
	t.Setenv(EnvBase, "docker-archive:/tmp/base.tar")

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.CacheDir != "/tmp/envcache" || cfg.BaseImage != "docker-archive:/tmp/base.tar" {
		t.Errorf("Env not applied: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad grouping", func(c *Config) { c.Grouping = "single" }, "grouping"},
		{"bad compression", func(c *Config) { c.Compression = "lz4" }, "compression"},
		{"bad isolation", func(c *Config) { c.Isolation = "vm" }, "isolation"},
		{"unknown default manager", func(c *Config) { c.DefaultManager = "cargo" }, "default_manager"},
		{"install without placeholder", func(c *Config) {
			c.Managers["npm"] = types.PackageManager{Install: "npm install"}
		}, "{packages}"},
		{"manager name with colon", func(c *Config) {
			c.Managers["a:b"] = types.PackageManager{Install: "x {packages}"}
		}, "invalid manager name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected %q in %v", tt.errMsg, err)
			}
		})
	}
}

func TestFindFile(t *testing.T) {
	dir := t.TempDir()
	manifest := writeFile(t, dir, "env.txt", "numpy\n")
	if got := FindFile(manifest); got != "" {
		t.Errorf("Expected no config, got %s", got)
	}
	cfgPath := writeFile(t, dir, FileName, "grouping: combined\n")
	if got := FindFile(manifest); got != cfgPath {
		t.Errorf("Expected %s, got %s", cfgPath, got)
	}
}

func TestBuildConfigDefaultsContextToManifestDir(t *testing.T) {
	bc := Default().BuildConfig("/work/env.txt", "")
	if bc.Context != "/work" || bc.Frontend != "manifest" {
		t.Errorf("Unexpected build config: %+v", bc)
	}
}
