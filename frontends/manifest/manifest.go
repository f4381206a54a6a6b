// Package manifest compiles a flat dependency manifest into a BuildPlan.
//
// A manifest is line oriented. Blank lines and # comments are ignored.
// Directives start with @:
//
//	@base python:3.12-slim
//	@copy requirements.txt /app/
//	@run echo ready
//	@workdir /app
//
// Every other line names one dependency, optionally prefixed by its package
// manager (system:curl). Unprefixed dependencies use the default manager.
// Dependencies are installed by the base image's own package managers, so
// they need a base other than scratch and chroot isolation.
package manifest

import (
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/bibin-skaria/envbuild/frontends"
	"github.com/bibin-skaria/envbuild/internal/config"
	"github.com/bibin-skaria/envbuild/internal/errors"
	"github.com/bibin-skaria/envbuild/internal/types"
)

var managerPrefix = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

type ManifestFrontend struct{}

func init() {
	frontends.RegisterFrontend("manifest", &ManifestFrontend{})
}

func (f *ManifestFrontend) Compile(content []byte, opts *types.CompileOptions) (*types.BuildPlan, error) {
	if opts == nil {
		opts = &types.CompileOptions{}
	}
	entries, err := Parse(string(content), opts)
	if err != nil {
		return nil, err
	}
	return Expand(entries, opts)
}

type EntryKind string

const (
	EntryBase       EntryKind = "base"
	EntryCopy       EntryKind = "copy"
	EntryRun        EntryKind = "run"
	EntryWorkdir    EntryKind = "workdir"
	EntryDependency EntryKind = "dependency"
)

// Entry is one meaningful manifest line.
type Entry struct {
	Line    int
	Kind    EntryKind
	Args    []string
	Manager string
	Package string
}

// Parse reads every line and reports all offending lines at once.
func Parse(content string, opts *types.CompileOptions) ([]Entry, error) {
	collector := errors.NewErrorCollector()
	var entries []Entry

	for _, line := range joinContinuations(content) {
		entry, lineErr := parseLine(line.text, line.number, opts)
		if lineErr != nil {
			collector.AddError(lineErr)
			continue
		}
		if entry != nil {
			entries = append(entries, *entry)
		}
	}

	if collector.HasErrors() {
		return nil, collector.ToError()
	}
	if len(entries) == 0 {
		return nil, errors.NewErrorBuilder().
			Kind(errors.KindManifestParse).
			Operation("parse_manifest").
			Message("manifest is empty: no dependencies or directives").
			Build()
	}
	return entries, nil
}

type rawLine struct {
	number int
	text   string
}

// joinContinuations folds lines ending in a backslash into the next one and
// keeps the number of the first physical line.
func joinContinuations(content string) []rawLine {
	var lines []rawLine
	var current *rawLine

	for i, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		continued := strings.HasSuffix(line, "\\")
		if continued {
			line = strings.TrimSpace(strings.TrimSuffix(line, "\\"))
		}

		if current == nil {
			current = &rawLine{number: i + 1, text: line}
		} else if line != "" {
			current.text += " " + line
		}

		if !continued {
			lines = append(lines, *current)
			current = nil
		}
	}
	if current != nil {
		lines = append(lines, *current)
	}
	return lines
}

func parseLine(line string, number int, opts *types.CompileOptions) (*Entry, *errors.BuildError) {
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, nil
	}

	if !strings.HasPrefix(line, "@") {
		return parseDependency(stripComment(line), number, opts)
	}

	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	entry := &Entry{Line: number}

	switch name {
	case "@base":
		entry.Kind = EntryBase
		entry.Args = strings.Fields(stripComment(rest))
		if len(entry.Args) != 1 {
			return nil, errors.NewManifestLineError(number, "@base takes exactly one image reference")
		}
	case "@copy":
		entry.Kind = EntryCopy
		entry.Args = strings.Fields(stripComment(rest))
		if len(entry.Args) != 2 {
			return nil, errors.NewManifestLineError(number, "@copy takes a source and a destination")
		}
	case "@workdir":
		entry.Kind = EntryWorkdir
		entry.Args = strings.Fields(stripComment(rest))
		if len(entry.Args) != 1 {
			return nil, errors.NewManifestLineError(number, "@workdir takes exactly one path")
		}
	case "@run":
		// The shell handles comments in commands.
		entry.Kind = EntryRun
		if rest == "" {
			return nil, errors.NewManifestLineError(number, "@run requires a command")
		}
		entry.Args = []string{rest}
	default:
		return nil, errors.NewManifestLineError(number, fmt.Sprintf("unknown directive %s", name))
	}
	return entry, nil
}

func parseDependency(line string, number int, opts *types.CompileOptions) (*Entry, *errors.BuildError) {
	if strings.ContainsAny(line, " \t") {
		return nil, errors.NewManifestLineError(number, fmt.Sprintf("dependency %q must not contain whitespace", line))
	}

	manager, pkg := opts.DefaultManager, line
	if prefix, spec, ok := strings.Cut(line, ":"); ok && managerPrefix.MatchString(prefix) {
		manager, pkg = prefix, spec
	}
	if pkg == "" {
		return nil, errors.NewManifestLineError(number, "dependency has an empty package spec")
	}
	if manager == "" {
		return nil, errors.NewManifestLineError(number, fmt.Sprintf("dependency %q has no package manager and no default is configured", pkg))
	}
	if _, ok := opts.Managers[manager]; !ok {
		return nil, errors.NewManifestLineError(number, fmt.Sprintf("unknown package manager %q", manager))
	}

	return &Entry{Line: number, Kind: EntryDependency, Manager: manager, Package: pkg}, nil
}

// stripComment drops a trailing " # comment".
func stripComment(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '#' && (i == 0 || s[i-1] == ' ' || s[i-1] == '\t') {
			return strings.TrimSpace(s[:i])
		}
	}
	return strings.TrimSpace(s)
}

// Expand turns parsed entries into a plan: the base image first, then
// directives and manager install groups in manifest order, then the
// configured workdir unless the manifest set one.
func Expand(entries []Entry, opts *types.CompileOptions) (*types.BuildPlan, error) {
	collector := errors.NewErrorCollector()

	base := opts.BaseImage
	baseLine := 0
	hasWorkdir := false
	firstDependency := 0
	packages := make(map[string][]string)
	seen := make(map[string]map[string]bool)
	var managerOrder []string

	for _, entry := range entries {
		switch entry.Kind {
		case EntryBase:
			if baseLine != 0 {
				collector.AddError(errors.NewManifestLineError(entry.Line, fmt.Sprintf("duplicate @base, first set on line %d", baseLine)))
				continue
			}
			base, baseLine = entry.Args[0], entry.Line
		case EntryWorkdir:
			hasWorkdir = true
		case EntryDependency:
			if firstDependency == 0 {
				firstDependency = entry.Line
			}
			if seen[entry.Manager] == nil {
				seen[entry.Manager] = make(map[string]bool)
				managerOrder = append(managerOrder, entry.Manager)
			}
			if !seen[entry.Manager][entry.Package] {
				seen[entry.Manager][entry.Package] = true
				packages[entry.Manager] = append(packages[entry.Manager], entry.Package)
			}
		}
	}

	var instructions []types.Instruction
	add := func(line int, instr types.Instruction, err error) {
		if err != nil {
			collector.AddError(lineError(line, err))
			return
		}
		instructions = append(instructions, instr)
	}

	if base == "" {
		collector.AddError(errors.NewErrorBuilder().
			Kind(errors.KindManifestParse).
			Operation("parse_manifest").
			Message("no base image: add @base or configure base_image").
			Build())
	} else {
		instr, err := types.NewPullBase(base, opts.Platform)
		add(baseLine, instr, err)
	}

	// Package managers write into the filesystem they run on; on the host
	// their installs would never reach the layer snapshot.
	if firstDependency != 0 && base != "" && types.ResolveIsolation(opts.Isolation, base) == types.IsolationNone {
		reason := fmt.Sprintf("dependencies need chroot isolation, but commands on base %q would run on the host", base)
		if base == types.ScratchImage {
			reason = "dependencies need a base image with a package manager; scratch has none"
		}
		collector.AddError(errors.NewManifestLineError(firstDependency, reason))
	}

	emitted := make(map[string]bool)
	combinedEmitted := false
	for _, entry := range entries {
		switch entry.Kind {
		case EntryCopy:
			instr, err := types.NewCopy(entry.Args[0], entry.Args[1], opts.Policy)
			add(entry.Line, instr, err)
		case EntryRun:
			instr, err := types.NewRun(entry.Args[0], "")
			add(entry.Line, instr, err)
		case EntryWorkdir:
			instr, err := types.NewSetWorkdir(entry.Args[0])
			add(entry.Line, instr, err)
		case EntryDependency:
			if opts.Grouping == types.GroupingCombined {
				if combinedEmitted {
					continue
				}
				combinedEmitted = true
				var commands []string
				for _, manager := range managerOrder {
					cmds, err := managerCommands(opts.Managers[manager], packages[manager])
					if err != nil {
						collector.AddError(errors.NewManifestLineError(entry.Line, fmt.Sprintf("manager %s: %v", manager, err)))
						continue
					}
					commands = append(commands, cmds...)
				}
				instr, err := types.NewRun(strings.Join(commands, " && "), "")
				add(entry.Line, instr, err)
				continue
			}

			if emitted[entry.Manager] {
				continue
			}
			emitted[entry.Manager] = true
			cmds, err := managerCommands(opts.Managers[entry.Manager], packages[entry.Manager])
			if err != nil {
				collector.AddError(errors.NewManifestLineError(entry.Line, fmt.Sprintf("manager %s: %v", entry.Manager, err)))
				continue
			}
			for _, cmd := range cmds {
				instr, err := types.NewRun(cmd, "")
				add(entry.Line, instr, err)
			}
		}
	}

	if !hasWorkdir && opts.Workdir != "" {
		instr, err := types.NewSetWorkdir(opts.Workdir)
		add(0, instr, err)
	}

	if collector.HasErrors() {
		return nil, collector.ToError()
	}
	return types.NewBuildPlan(instructions)
}

// managerCommands returns the optional setup command and the install
// command for packages, each package shell-quoted.
func managerCommands(manager types.PackageManager, packages []string) ([]string, error) {
	if !strings.Contains(manager.Install, config.PackagesPlaceholder) {
		return nil, fmt.Errorf("install command lacks %s", config.PackagesPlaceholder)
	}

	quoted := make([]string, len(packages))
	for i, pkg := range packages {
		q, err := syntax.Quote(pkg, syntax.LangPOSIX)
		if err != nil {
			return nil, fmt.Errorf("cannot quote package %q: %w", pkg, err)
		}
		quoted[i] = q
	}

	var commands []string
	if setup := strings.TrimSpace(manager.Setup); setup != "" {
		commands = append(commands, setup)
	}
	commands = append(commands, strings.ReplaceAll(manager.Install, config.PackagesPlaceholder, strings.Join(quoted, " ")))
	return commands, nil
}

// lineError reports an instruction validation failure against its
// manifest line. Lines are 0 for instructions that come from configuration.
func lineError(line int, err error) *errors.BuildError {
	message := err.Error()
	var be *errors.BuildError
	if stderrors.As(err, &be) {
		message = be.Message
	}
	if line == 0 {
		return errors.NewErrorBuilder().
			Kind(errors.KindManifestParse).
			Operation("parse_manifest").
			Message("configuration: " + message).
			Build()
	}
	return errors.NewManifestLineError(line, message)
}
