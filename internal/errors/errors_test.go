package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestBuildError_Error(t *testing.T) {
	tests := []struct {
		name     string
		error    *BuildError
		expected string
	}{
		{
			name: "step with instruction",
			error: &BuildError{
				Kind:        KindExecutionFailure,
				Step:        2,
				Instruction: "RUN pip install numpy",
				Message:     "run failed with exit status 1",
			},
			expected: "[ExecutionFailure] step 3 (RUN pip install numpy): run failed with exit status 1",
		},
		{
			name: "step only",
			error: &BuildError{
				Kind:    KindWorkdirNotFound,
				Step:    0,
				Message: "missing",
			},
			expected: "[WorkdirNotFound] step 1: missing",
		},
		{
			name: "operation only",
			error: &BuildError{
				Kind:      KindManifestParse,
				Step:      NoStep,
				Operation: "parse_manifest",
				Message:   "line 4: unknown manager",
			},
			expected: "[ManifestParseError] parse_manifest: line 4: unknown manager",
		},
		{
			name: "minimal error",
			error: &BuildError{
				Kind:    KindInternal,
				Step:    NoStep,
				Message: "boom",
			},
			expected: "[Internal] boom",
		},
		{
			name: "cause appended",
			error: &BuildError{
				Kind:    KindSourceNotFound,
				Step:    NoStep,
				Message: "copy source missing",
				Cause:   fmt.Errorf("stat foo: no such file"),
			},
			expected: "[SourceNotFound] copy source missing: stat foo: no such file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.error.Error(); got != tt.expected {
				t.Errorf("BuildError.Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestErrorBuilderDefaults(t *testing.T) {
	err := NewErrorBuilder().
		Kind(KindCacheIntegrity).
		Message("digest mismatch").
		Context("identity", "sha256:abc").
		Build()

	if err.Category != ErrorCategoryCache {
		t.Errorf("Expected category %v, got %v", ErrorCategoryCache, err.Category)
	}
	if err.Severity != ErrorSeverityCritical {
		t.Errorf("Expected severity %v, got %v", ErrorSeverityCritical, err.Severity)
	}
	if !err.IsCritical() {
		t.Error("Expected integrity error to be critical")
	}
	if err.Step != NoStep {
		t.Errorf("Expected no step, got %d", err.Step)
	}
	if err.Context["identity"] != "sha256:abc" {
		t.Errorf("Expected context identity, got %v", err.Context["identity"])
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitCodeSuccess},
		{"parse", NewManifestLineError(3, "bad"), ExitCodeParse},
		{"invalid instruction", NewInvalidInstructionError("run", "empty"), ExitCodeParse},
		{"execution", NewExecutionFailure("run", 2, "out", nil), ExitCodeExecution},
		{"source", NewSourceNotFoundError("x", nil), ExitCodeExecution},
		{"workdir", NewWorkdirNotFoundError("/x"), ExitCodeExecution},
		{"integrity", NewCacheIntegrityError("sha256:1", "mismatch"), ExitCodeIntegrity},
		{"wrapped integrity", fmt.Errorf("build: %w", NewCacheIntegrityError("sha256:1", "mismatch")), ExitCodeIntegrity},
		{"plain", fmt.Errorf("plain"), ExitCodeGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWithStep(t *testing.T) {
	orig := NewWorkdirNotFoundError("/home")
	annotated := WithStep(orig, 3, "WORKDIR /home")

	if annotated.Step != 3 || annotated.Instruction != "WORKDIR /home" {
		t.Errorf("Expected step annotation, got %d %q", annotated.Step, annotated.Instruction)
	}
	if orig.Step != NoStep {
		t.Error("WithStep must not mutate the original error")
	}
	if annotated.Kind != KindWorkdirNotFound {
		t.Errorf("Expected kind preserved, got %v", annotated.Kind)
	}

	plain := WithStep(fmt.Errorf("disk full"), 0, "RUN x")
	if plain.Kind != KindInternal {
		t.Errorf("Expected plain errors to become %v, got %v", KindInternal, plain.Kind)
	}

	if WithStep(nil, 0, "") != nil {
		t.Error("Expected nil for nil error")
	}
}

func TestErrorCollector(t *testing.T) {
	collector := NewErrorCollector()
	if collector.ToError() != nil {
		t.Fatal("Expected nil error from empty collector")
	}

	collector.AddError(NewManifestLineError(2, "unknown manager \"npm\""))
	single := collector.ToError()
	if !IsKind(single, KindManifestParse) {
		t.Fatalf("Expected manifest parse error, got %v", single)
	}

	collector.AddError(NewManifestLineError(5, "@copy requires a source and a destination"))
	combined := collector.ToError()
	if !IsKind(combined, KindManifestParse) {
		t.Fatalf("Expected manifest parse error, got %v", combined)
	}

	be := combined.(*BuildError)
	if len(be.Details) != 2 {
		t.Fatalf("Expected 2 detail lines, got %d", len(be.Details))
	}
	for _, want := range []string{"line 2", "line 5"} {
		if !strings.Contains(combined.Error(), want) {
			t.Errorf("Expected %q in %q", want, combined.Error())
		}
	}
}
