package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/bibin-skaria/envbuild/internal/types"
)

const (
	// FileName is looked up next to the manifest when no --config is given.
	FileName = "envbuild.yaml"

	EnvCacheDir = "ENVBUILD_CACHE_DIR"
	EnvBase     = "ENVBUILD_BASE"

	DefaultWorkdir     = "/home"
	DefaultManager     = "pip"
	DefaultOutputLimit = 64 * 1024

	CompressionZstd = "zstd"
	CompressionGzip = "gzip"
	CompressionNone = "none"
)

// PackagesPlaceholder is replaced by the quoted package list in an install command.
const PackagesPlaceholder = "{packages}"

// Config is the resolved configuration after defaults, file, env and flags.
type Config struct {
	CacheDir             string
	BaseImage            string
	Platform             string
	Workdir              string
	DefaultManager       string
	Grouping             types.Grouping
	Compression          string
	Isolation            types.Isolation
	AllowAbsoluteCopy    bool
	CreateMissingWorkdir bool
	OutputLimit          int
	Managers             map[string]types.PackageManager
	Registry             types.RegistryConfig
}

// fileConfig mirrors the YAML document. Pointers distinguish unset from zero.
type fileConfig struct {
	CacheDir             string                          `yaml:"cache_dir"`
	BaseImage            string                          `yaml:"base_image"`
	Platform             string                          `yaml:"platform"`
	Workdir              *string                         `yaml:"workdir"`
	DefaultManager       string                          `yaml:"default_manager"`
	Grouping             string                          `yaml:"grouping"`
	Compression          string                          `yaml:"compression"`
	Isolation            string                          `yaml:"isolation"`
	AllowAbsoluteCopy    *bool                           `yaml:"allow_absolute_copy"`
	CreateMissingWorkdir *bool                           `yaml:"create_missing_workdir"`
	OutputLimit          *int                            `yaml:"output_limit"`
	Managers             map[string]types.PackageManager `yaml:"managers"`
	Registry             types.RegistryConfig            `yaml:"registry"`
}

// DefaultManagers returns the built-in system and pip managers.
func DefaultManagers() map[string]types.PackageManager {
	return map[string]types.PackageManager{
		"system": {
			Setup:   "apt-get update",
			Install: "apt-get install -y --no-install-recommends " + PackagesPlaceholder,
		},
		"pip": {
			Setup:   "python -m pip install --upgrade pip",
			Install: "pip install " + PackagesPlaceholder,
		},
	}
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		CacheDir:       DefaultCacheDir(),
		BaseImage:      types.ScratchImage,
		Workdir:        DefaultWorkdir,
		DefaultManager: DefaultManager,
		Grouping:       types.GroupingPerManager,
		Compression:    CompressionZstd,
		Isolation:      types.IsolationAuto,
		OutputLimit:    DefaultOutputLimit,
		Managers:       DefaultManagers(),
	}
}

// DefaultCacheDir returns ~/.envbuild/cache, or a temp location without a home.
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "envbuild-cache")
	}
	return filepath.Join(home, ".envbuild", "cache")
}

// FindFile returns envbuild.yaml next to the manifest, or "" if absent.
func FindFile(manifestPath string) string {
	candidate := filepath.Join(filepath.Dir(manifestPath), FileName)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return ""
}

// Load reads path on top of the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := cfg.merge(data); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) merge(data []byte) error {
	var fc fileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return err
	}

	if fc.CacheDir != "" {
		c.CacheDir = expandHome(fc.CacheDir)
	}
	if fc.BaseImage != "" {
		c.BaseImage = fc.BaseImage
	}
	if fc.Platform != "" {
		c.Platform = fc.Platform
	}
	if fc.Workdir != nil {
		c.Workdir = *fc.Workdir
	}
	if fc.DefaultManager != "" {
		c.DefaultManager = fc.DefaultManager
	}
	if fc.Grouping != "" {
		c.Grouping = types.Grouping(fc.Grouping)
	}
	if fc.Compression != "" {
		c.Compression = fc.Compression
	}
	if fc.Isolation != "" {
		c.Isolation = types.Isolation(fc.Isolation)
	}
	if fc.AllowAbsoluteCopy != nil {
		c.AllowAbsoluteCopy = *fc.AllowAbsoluteCopy
	}
	if fc.CreateMissingWorkdir != nil {
		c.CreateMissingWorkdir = *fc.CreateMissingWorkdir
	}
	if fc.OutputLimit != nil {
		c.OutputLimit = *fc.OutputLimit
	}
	for name, manager := range fc.Managers {
		c.Managers[name] = manager
	}
	if len(fc.Registry.Registries) > 0 {
		c.Registry.Registries = fc.Registry.Registries
	}
	c.Registry.Insecure = append(c.Registry.Insecure, fc.Registry.Insecure...)
	return nil
}

// ApplyEnv overlays ENVBUILD_CACHE_DIR and ENVBUILD_BASE.
func (c *Config) ApplyEnv() {
	if dir := os.Getenv(EnvCacheDir); dir != "" {
		c.CacheDir = expandHome(dir)
	}
	if base := os.Getenv(EnvBase); base != "" {
		c.BaseImage = base
	}
}

// Validate checks enumerations and manager templates.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir must not be empty")
	}
	switch c.Grouping {
	case types.GroupingPerManager, types.GroupingCombined:
	default:
		return fmt.Errorf("grouping must be %q or %q, got %q", types.GroupingPerManager, types.GroupingCombined, c.Grouping)
	}
	switch c.Compression {
	case CompressionZstd, CompressionGzip, CompressionNone:
	default:
		return fmt.Errorf("compression must be zstd, gzip or none, got %q", c.Compression)
	}
	switch c.Isolation {
	case types.IsolationAuto, types.IsolationNone, types.IsolationChroot:
	default:
		return fmt.Errorf("isolation must be auto, none or chroot, got %q", c.Isolation)
	}
	if c.OutputLimit < 0 {
		return fmt.Errorf("output_limit must not be negative")
	}
	if _, ok := c.Managers[c.DefaultManager]; !ok {
		return fmt.Errorf("default_manager %q is not a configured manager", c.DefaultManager)
	}
	for name, manager := range c.Managers {
		if name == "" || strings.ContainsAny(name, ": \t") {
			return fmt.Errorf("invalid manager name %q", name)
		}
		if !strings.Contains(manager.Install, PackagesPlaceholder) {
			return fmt.Errorf("manager %q install command must contain %s", name, PackagesPlaceholder)
		}
	}
	return nil
}

func (c *Config) Policy() types.Policy {
	return types.Policy{
		AllowAbsoluteCopy:    c.AllowAbsoluteCopy,
		CreateMissingWorkdir: c.CreateMissingWorkdir,
	}
}

// CompileOptions returns what a frontend needs to expand a manifest.
func (c *Config) CompileOptions() *types.CompileOptions {
	managers := make(map[string]types.PackageManager, len(c.Managers))
	for name, manager := range c.Managers {
		managers[name] = manager
	}

	platform := types.GetHostPlatform()
	if c.Platform != "" {
		platform = types.ParsePlatform(c.Platform)
	}

	return &types.CompileOptions{
		BaseImage:      c.BaseImage,
		Platform:       platform,
		Workdir:        c.Workdir,
		DefaultManager: c.DefaultManager,
		Grouping:       c.Grouping,
		Managers:       managers,
		Policy:         c.Policy(),
		Isolation:      c.Isolation,
	}
}

// BuildConfig assembles the executor configuration for one manifest.
func (c *Config) BuildConfig(manifestPath, contextDir string) *types.BuildConfig {
	if contextDir == "" {
		contextDir = filepath.Dir(manifestPath)
	}
	return &types.BuildConfig{
		ManifestPath: manifestPath,
		Context:      contextDir,
		Frontend:     "manifest",
		CacheDir:     c.CacheDir,
		Progress:     true,
		Compression:  c.Compression,
		Isolation:    c.Isolation,
		OutputLimit:  c.OutputLimit,
		Compile:      *c.CompileOptions(),
		Registry:     c.Registry,
	}
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
