package executors

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bibin-skaria/envbuild/internal/errors"
	"github.com/bibin-skaria/envbuild/internal/types"
	"github.com/bibin-skaria/envbuild/registry"
)

type fakePuller struct {
	calls int
	files map[string]string
}

func (f *fakePuller) Extract(ctx context.Context, image string, platform types.Platform, rootfs string) (*registry.PullResult, error) {
	f.calls++
	for name, content := range f.files {
		p := filepath.Join(rootfs, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			return nil, err
		}
	}
	return &registry.PullResult{Image: image}, nil
}

// mustInstr unwraps an instruction constructor, failing t on error.
func mustInstr(t *testing.T) func(types.Instruction, error) types.Instruction {
	return func(instr types.Instruction, err error) types.Instruction {
		t.Helper()
		if err != nil {
			t.Fatalf("Failed to build instruction: %v", err)
		}
		return instr
	}
}

func newDispatcher(policy types.Policy) (*Dispatcher, *fakePuller) {
	puller := &fakePuller{files: map[string]string{"etc/os-release": "ID=test\n"}}
	return NewDefaultDispatcher(puller, NewShellRunner(false, 0), policy), puller
}

func TestDispatcherRegistry(t *testing.T) {
	d, _ := newDispatcher(types.Policy{})

	kinds := d.ListExecutors()
	want := []types.InstructionKind{types.InstructionCopy, types.InstructionPullBase, types.InstructionRun, types.InstructionWorkdir}
	if len(kinds) != len(want) {
		t.Fatalf("Expected %d executors, got %v", len(want), kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("ListExecutors()[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}

	if _, err := NewDispatcher().GetExecutor(types.InstructionRun); err == nil {
		t.Error("Expected error for unregistered kind")
	}
}

func TestPullExecutor(t *testing.T) {
	d, puller := newDispatcher(types.Policy{})
	rootfs := t.TempDir()

	result, err := d.Execute(context.Background(), &Request{
		Instruction: mustInstr(t)(types.NewPullBase("python:3.12-slim", types.Platform{})),
		RootFS:      rootfs,
		Workdir:     "/home",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if puller.calls != 1 {
		t.Errorf("Expected one pull, got %d", puller.calls)
	}
	if result.Workdir != DefaultWorkdir {
		t.Errorf("Expected workdir reset to %s, got %s", DefaultWorkdir, result.Workdir)
	}
	if _, err := os.Stat(filepath.Join(rootfs, "etc/os-release")); err != nil {
		t.Errorf("Expected base files in rootfs: %v", err)
	}
}

func TestRunExecutor(t *testing.T) {
	d, _ := newDispatcher(types.Policy{})
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "home"), 0755); err != nil {
		t.Fatal(err)
	}

	result, err := d.Execute(context.Background(), &Request{
		Instruction: mustInstr(t)(types.NewRun(`echo "$ENVBUILD_WORKDIR" > marker && echo done`, "")),
		RootFS:      rootfs,
		Workdir:     "/home",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if strings.TrimSpace(result.Output) != "done" {
		t.Errorf("Expected captured output 'done', got %q", result.Output)
	}
	content, err := os.ReadFile(filepath.Join(rootfs, "home/marker"))
	if err != nil {
		t.Fatalf("Expected command to run inside the workdir: %v", err)
	}
	if strings.TrimSpace(string(content)) != "/home" {
		t.Errorf("Expected ENVBUILD_WORKDIR=/home, got %q", content)
	}
}

func TestRunExecutorFailure(t *testing.T) {
	d, _ := newDispatcher(types.Policy{})

	_, err := d.Execute(context.Background(), &Request{
		Instruction: mustInstr(t)(types.NewRun("echo broken >&2; exit 7", "")),
		RootFS:      t.TempDir(),
	})
	if !errors.IsKind(err, errors.KindExecutionFailure) {
		t.Fatalf("Expected %s, got %v", errors.KindExecutionFailure, err)
	}

	var be *errors.BuildError
	if !stderrors.As(err, &be) {
		t.Fatal("Expected BuildError")
	}
	if be.ExitStatus != 7 {
		t.Errorf("Expected exit status 7, got %d", be.ExitStatus)
	}
	if !strings.Contains(be.Output, "broken") {
		t.Errorf("Expected captured stderr, got %q", be.Output)
	}
}

func TestShellRunnerChrootRequiresRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}
	rootfs := t.TempDir()
	marker := filepath.Join(t.TempDir(), "host-marker")

	_, err := NewShellRunner(true, 0).Run(context.Background(), RunSpec{
		Command: "touch " + marker,
		RootFS:  rootfs,
		Workdir: "/",
	})
	if err == nil || !strings.Contains(err.Error(), "requires root") {
		t.Fatalf("Expected chroot without root to be refused, got %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("Command must not fall back to running on the host")
	}
}

func TestRunWorkdirOverride(t *testing.T) {
	tests := []struct {
		name     string
		policy   types.Policy
		wantKind errors.ErrorKind
	}{
		{"missing", types.Policy{}, errors.KindWorkdirNotFound},
		{"created", types.Policy{CreateMissingWorkdir: true}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newDispatcher(tt.policy)
			rootfs := t.TempDir()
			result, err := d.Execute(context.Background(), &Request{
				Instruction: mustInstr(t)(types.NewRun("touch built", "src")),
				RootFS:      rootfs,
				Workdir:     "/opt",
			})
			if tt.wantKind != "" {
				if !errors.IsKind(err, tt.wantKind) {
					t.Fatalf("Expected %s, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if _, err := os.Stat(filepath.Join(rootfs, "opt/src/built")); err != nil {
				t.Errorf("Expected command to run in /opt/src: %v", err)
			}
			if result.Workdir != "/opt" {
				t.Errorf("Override must not change the workdir, got %s", result.Workdir)
			}
		})
	}
}

func TestCopyExecutor(t *testing.T) {
	contextDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(contextDir, "requirements.txt"), []byte("numpy\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(contextDir, "src/pkg"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(contextDir, "src/pkg/main.py"), []byte("print(1)\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("pkg/main.py", filepath.Join(contextDir, "src/entry")); err != nil {
		t.Fatal(err)
	}

	d, _ := newDispatcher(types.Policy{})
	rootfs := t.TempDir()
	run := func(source, dest string) error {
		_, err := d.Execute(context.Background(), &Request{
			Instruction: mustInstr(t)(types.NewCopy(source, dest, types.Policy{})),
			RootFS:      rootfs,
			ContextDir:  contextDir,
			Workdir:     "/home",
		})
		return err
	}

	if err := run("requirements.txt", "/app/"); err != nil {
		t.Fatalf("copy file failed: %v", err)
	}
	if content, err := os.ReadFile(filepath.Join(rootfs, "app/requirements.txt")); err != nil || string(content) != "numpy\n" {
		t.Errorf("Expected file under /app, got %q: %v", content, err)
	}

	if err := run("src", "app"); err != nil {
		t.Fatalf("copy dir failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(rootfs, "home/app/pkg/main.py"))
	if err != nil {
		t.Fatalf("Expected tree under relative dest: %v", err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("Expected mode preserved, got %v", info.Mode().Perm())
	}
	if link, err := os.Readlink(filepath.Join(rootfs, "home/app/entry")); err != nil || link != "pkg/main.py" {
		t.Errorf("Expected symlink copied as link, got %q: %v", link, err)
	}

	if err := run("missing.txt", "/app/"); !errors.IsKind(err, errors.KindSourceNotFound) {
		t.Errorf("Expected %s, got %v", errors.KindSourceNotFound, err)
	}
}

func TestCopyStaysInsideRootfs(t *testing.T) {
	contextDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(contextDir, "payload"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	outside := t.TempDir()
	rootfs := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(rootfs, "escape")); err != nil {
		t.Fatal(err)
	}

	d, _ := newDispatcher(types.Policy{})
	_, err := d.Execute(context.Background(), &Request{
		Instruction: mustInstr(t)(types.NewCopy("payload", "/escape/payload", types.Policy{})),
		RootFS:      rootfs,
		ContextDir:  contextDir,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "payload")); err == nil {
		t.Error("Copy followed a symlink out of the root filesystem")
	}
}

func TestWorkdirExecutor(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.MkdirAll(filepath.Join(rootfs, "home/user"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "file"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		policy   types.Policy
		current  string
		target   string
		want     string
		wantKind errors.ErrorKind
	}{
		{"absolute existing", types.Policy{}, "/", "/home", "/home", ""},
		{"relative existing", types.Policy{}, "/home", "user", "/home/user", ""},
		{"missing", types.Policy{}, "/", "/srv/app", "", errors.KindWorkdirNotFound},
		{"missing created", types.Policy{CreateMissingWorkdir: true}, "/", "/srv/app", "/srv/app", ""},
		{"not a directory", types.Policy{CreateMissingWorkdir: true}, "/", "/file", "", errors.KindWorkdirNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newDispatcher(tt.policy)
			result, err := d.Execute(context.Background(), &Request{
				Instruction: mustInstr(t)(types.NewSetWorkdir(tt.target)),
				RootFS:      rootfs,
				Workdir:     tt.current,
			})
			if tt.wantKind != "" {
				if !errors.IsKind(err, tt.wantKind) {
					t.Fatalf("Expected %s, got %v", tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if result.Workdir != tt.want {
				t.Errorf("Expected workdir %s, got %s", tt.want, result.Workdir)
			}
		})
	}
}

func TestTailBuffer(t *testing.T) {
	buf := newTailBuffer(8)
	buf.Write([]byte("1234"))
	if buf.String() != "1234" {
		t.Errorf("Expected untruncated output, got %q", buf.String())
	}
	buf.Write([]byte("56789"))
	if buf.String() != "[output truncated]\n23456789" {
		t.Errorf("Expected last 8 bytes, got %q", buf.String())
	}
	buf.Write([]byte("abcdefghijkl"))
	if buf.String() != "[output truncated]\nefghijkl" {
		t.Errorf("Expected last 8 bytes, got %q", buf.String())
	}
}

func TestResolvePath(t *testing.T) {
	tests := []struct{ workdir, p, want string }{
		{"/home", "/opt/", "/opt"},
		{"/home", "app", "/home/app"},
		{"", "app", "/app"},
		{"/home/user", "../shared", "/home/shared"},
	}
	for _, tt := range tests {
		if got := ResolvePath(tt.workdir, tt.p); got != tt.want {
			t.Errorf("ResolvePath(%q, %q) = %q, want %q", tt.workdir, tt.p, got, tt.want)
		}
	}
}
