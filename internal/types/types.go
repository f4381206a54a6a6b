package types

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

type Platform struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Variant      string `json:"variant,omitempty"`
}

func (p Platform) String() string {
	if p.Variant != "" {
		return fmt.Sprintf("%s/%s/%s", p.OS, p.Architecture, p.Variant)
	}
	return fmt.Sprintf("%s/%s", p.OS, p.Architecture)
}

// ParsePlatform parses os/arch[/variant]. Malformed input yields linux/<host arch>.
func ParsePlatform(platform string) Platform {
	parts := strings.Split(platform, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return GetHostPlatform()
	}

	p := Platform{
		OS:           parts[0],
		Architecture: parts[1],
	}

	if len(parts) > 2 {
		p.Variant = parts[2]
	}

	return p
}

// GetHostPlatform returns linux on the host architecture; environments are
// always Linux root filesystems.
func GetHostPlatform() Platform {
	return Platform{
		OS:           "linux",
		Architecture: runtime.GOARCH,
	}
}

// PackageManager describes how one manager is bootstrapped and how it
// installs packages. Install must contain the {packages} placeholder.
type PackageManager struct {
	Setup   string `json:"setup,omitempty" yaml:"setup"`
	Install string `json:"install" yaml:"install"`
}

// Grouping decides how dependency installs expand into Run instructions.
type Grouping string

const (
	GroupingPerManager Grouping = "per-manager"
	GroupingCombined   Grouping = "combined"
)

// Isolation decides where Run commands execute. With IsolationNone they run
// on the host and only their working directory is inside the root
// filesystem; with IsolationChroot they run chrooted into it.
type Isolation string

const (
	IsolationAuto   Isolation = "auto"
	IsolationNone   Isolation = "none"
	IsolationChroot Isolation = "chroot"
)

// ResolveIsolation returns the isolation Run commands get on top of base.
// Auto, and the empty value, chroot into every base except scratch, which
// has no shell to chroot into.
func ResolveIsolation(isolation Isolation, base string) Isolation {
	switch isolation {
	case IsolationNone, IsolationChroot:
		return isolation
	}
	if base == ScratchImage {
		return IsolationNone
	}
	return IsolationChroot
}

// CompileOptions carries everything a frontend needs to expand a manifest.
type CompileOptions struct {
	BaseImage      string                    `json:"base_image"`
	Platform       Platform                  `json:"platform"`
	Workdir        string                    `json:"workdir,omitempty"`
	DefaultManager string                    `json:"default_manager"`
	Grouping       Grouping                  `json:"grouping"`
	Managers       map[string]PackageManager `json:"managers"`
	Policy         Policy                    `json:"policy"`
	Isolation      Isolation                 `json:"isolation,omitempty"`
}

type BuildConfig struct {
	ManifestPath string         `json:"manifest_path"`
	Context      string         `json:"context"`
	Frontend     string         `json:"frontend"`
	CacheDir     string         `json:"cache_dir"`
	NoCache      bool           `json:"no_cache"`
	Progress     bool           `json:"progress"`
	Output       string         `json:"output,omitempty"`
	OutputType   string         `json:"output_type,omitempty"`
	Compression  string         `json:"compression"`
	Isolation    Isolation      `json:"isolation"`
	OutputLimit  int            `json:"output_limit"`
	Compile      CompileOptions `json:"compile"`
	Registry     RegistryConfig `json:"registry"`
}

// RegistryAuth holds static credentials for one registry host.
type RegistryAuth struct {
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"password,omitempty" yaml:"password"`
	Token    string `json:"token,omitempty" yaml:"token"`
}

// RegistryConfig controls how base images are fetched.
type RegistryConfig struct {
	Registries map[string]RegistryAuth `json:"registries,omitempty" yaml:"registries"`
	// Insecure lists hosts reached over plain HTTP. A trailing * matches a prefix.
	Insecure []string `json:"insecure,omitempty" yaml:"insecure"`
}

// StepState is a state of the per-instruction build state machine.
type StepState string

const (
	StepPending    StepState = "pending"
	StepHashing    StepState = "hashing"
	StepCacheHit   StepState = "cache_hit"
	StepCacheMiss  StepState = "cache_miss"
	StepExecuting  StepState = "executing"
	StepSuccess    StepState = "success"
	StepFailure    StepState = "failure"
	StepCommitting StepState = "committing"
	StepApplied    StepState = "applied"
	StepAborted    StepState = "aborted"
)

// ChangeSummary counts filesystem entries a step added, modified or deleted.
type ChangeSummary struct {
	Added    int   `json:"added"`
	Modified int   `json:"modified"`
	Deleted  int   `json:"deleted"`
	Bytes    int64 `json:"bytes"`
}

type StepResult struct {
	Index       int             `json:"index"`
	Kind        InstructionKind `json:"kind"`
	Instruction string          `json:"instruction"`
	Identity    string          `json:"identity,omitempty"`
	State       StepState       `json:"state"`
	History     []StepState     `json:"history"`
	CacheHit    bool            `json:"cache_hit"`
	Raced       bool            `json:"raced,omitempty"`
	Duration    time.Duration   `json:"duration"`
	Changes     ChangeSummary   `json:"changes"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type BuildResult struct {
	BuildID       string        `json:"build_id"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	Steps         []*StepResult `json:"steps"`
	Operations    int           `json:"operations"`
	CacheHits     int           `json:"cache_hits"`
	Executed      int           `json:"executed"`
	FinalIdentity string        `json:"final_identity,omitempty"`
	Workdir       string        `json:"workdir,omitempty"`
	Duration      string        `json:"duration"`
	OutputPath    string        `json:"output_path,omitempty"`
}

// Identities returns the layer identity of every step that got far enough to be hashed.
func (r *BuildResult) Identities() []string {
	ids := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		if s.Identity != "" {
			ids = append(ids, s.Identity)
		}
	}
	return ids
}

type CacheInfo struct {
	TotalSize    int64   `json:"total_size"`
	TotalEntries int     `json:"total_entries"`
	HitRate      float64 `json:"hit_rate"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Poisoned     bool    `json:"poisoned"`
}

func marshalInstructions(instructions []Instruction) ([]byte, error) {
	return json.Marshal(instructions)
}
