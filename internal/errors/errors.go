package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind identifies the failure taxonomy surfaced to users and scripts.
type ErrorKind string

const (
	KindInvalidInstruction ErrorKind = "InvalidInstruction"
	KindManifestParse      ErrorKind = "ManifestParseError"
	KindSourceNotFound     ErrorKind = "SourceNotFound"
	KindWorkdirNotFound    ErrorKind = "WorkdirNotFound"
	KindExecutionFailure   ErrorKind = "ExecutionFailure"
	KindCacheIntegrity     ErrorKind = "CacheIntegrityError"
	KindCacheWriteRace     ErrorKind = "CacheWriteRace"
	KindCancelled          ErrorKind = "Cancelled"
	KindInternal           ErrorKind = "Internal"
)

// ErrorCategory groups kinds by the subsystem that produced them
type ErrorCategory string

const (
	ErrorCategoryValidation    ErrorCategory = "validation"
	ErrorCategoryManifest      ErrorCategory = "manifest"
	ErrorCategoryFilesystem    ErrorCategory = "filesystem"
	ErrorCategoryExecutor      ErrorCategory = "executor"
	ErrorCategoryCache         ErrorCategory = "cache"
	ErrorCategoryRegistry      ErrorCategory = "registry"
	ErrorCategoryConfiguration ErrorCategory = "configuration"
	ErrorCategoryUnknown       ErrorCategory = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityCritical ErrorSeverity = "critical"
)

// Process exit codes reported by the CLI.
const (
	ExitCodeSuccess   = 0
	ExitCodeGeneric   = 1
	ExitCodeParse     = 2
	ExitCodeExecution = 3
	ExitCodeIntegrity = 4
)

// NoStep marks an error that is not attached to a plan instruction.
const NoStep = -1

// BuildError is the single error type returned across package boundaries.
// Step is the zero-based instruction index or NoStep.
type BuildError struct {
	Kind        ErrorKind              `json:"kind"`
	Category    ErrorCategory          `json:"category"`
	Severity    ErrorSeverity          `json:"severity"`
	Message     string                 `json:"message"`
	Cause       error                  `json:"-"`
	Operation   string                 `json:"operation,omitempty"`
	Step        int                    `json:"step"`
	Instruction string                 `json:"instruction,omitempty"`
	ExitStatus  int                    `json:"exit_status,omitempty"`
	Output      string                 `json:"output,omitempty"`
	Details     []string               `json:"details,omitempty"`
	Suggestion  string                 `json:"suggestion,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BuildError) Error() string {
	msg := e.Message
	if e.Cause != nil && !strings.Contains(msg, e.Cause.Error()) {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	switch {
	case e.Step >= 0 && e.Instruction != "":
		return fmt.Sprintf("[%s] step %d (%s): %s", e.Kind, e.Step+1, e.Instruction, msg)
	case e.Step >= 0:
		return fmt.Sprintf("[%s] step %d: %s", e.Kind, e.Step+1, msg)
	case e.Operation != "":
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Operation, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error
func (e *BuildError) Unwrap() error {
	return e.Cause
}

// IsCritical returns true if the error must stop every build sharing the cache
func (e *BuildError) IsCritical() bool {
	return e.Severity == ErrorSeverityCritical
}

// ErrorBuilder helps construct BuildError instances with proper categorization
type ErrorBuilder struct {
	kind        ErrorKind
	category    ErrorCategory
	severity    ErrorSeverity
	message     string
	cause       error
	operation   string
	step        int
	instruction string
	exitStatus  int
	output      string
	details     []string
	suggestion  string
	context     map[string]interface{}
}

// NewErrorBuilder creates a new error builder
func NewErrorBuilder() *ErrorBuilder {
	return &ErrorBuilder{
		step:    NoStep,
		context: make(map[string]interface{}),
	}
}

// Kind sets the error kind
func (b *ErrorBuilder) Kind(kind ErrorKind) *ErrorBuilder {
	b.kind = kind
	return b
}

// Category sets the error category
func (b *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	b.category = category
	return b
}

// Message sets the error message
func (b *ErrorBuilder) Message(message string) *ErrorBuilder {
	b.message = message
	return b
}

// Messagef sets the error message with formatting
func (b *ErrorBuilder) Messagef(format string, args ...interface{}) *ErrorBuilder {
	b.message = fmt.Sprintf(format, args...)
	return b
}

// Cause sets the underlying error
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.cause = err
	return b
}

// Operation sets the operation context
func (b *ErrorBuilder) Operation(operation string) *ErrorBuilder {
	b.operation = operation
	return b
}

// Step attaches the failing instruction index and its summary
func (b *ErrorBuilder) Step(index int, instruction string) *ErrorBuilder {
	b.step = index
	b.instruction = instruction
	return b
}

// ExitStatus records the exit status of an external process
func (b *ErrorBuilder) ExitStatus(code int) *ErrorBuilder {
	b.exitStatus = code
	return b
}

// Output records captured process output
func (b *ErrorBuilder) Output(output string) *ErrorBuilder {
	b.output = output
	return b
}

// Detail appends a detail line, such as an offending manifest line
func (b *ErrorBuilder) Detail(detail string) *ErrorBuilder {
	b.details = append(b.details, detail)
	return b
}

// Suggestion sets a user-friendly suggestion
func (b *ErrorBuilder) Suggestion(suggestion string) *ErrorBuilder {
	b.suggestion = suggestion
	return b
}

// Context adds context information to the error
func (b *ErrorBuilder) Context(key string, value interface{}) *ErrorBuilder {
	b.context[key] = value
	return b
}

// Build creates the BuildError instance
func (b *ErrorBuilder) Build() *BuildError {
	if b.kind == "" {
		b.kind = KindInternal
	}
	if b.category == "" {
		b.category = categoryForKind(b.kind)
	}
	if b.severity == "" {
		b.severity = severityForKind(b.kind)
	}

	return &BuildError{
		Kind:        b.kind,
		Category:    b.category,
		Severity:    b.severity,
		Message:     b.message,
		Cause:       b.cause,
		Operation:   b.operation,
		Step:        b.step,
		Instruction: b.instruction,
		ExitStatus:  b.exitStatus,
		Output:      b.output,
		Details:     b.details,
		Suggestion:  b.suggestion,
		Timestamp:   time.Now(),
		Context:     b.context,
	}
}

func categoryForKind(kind ErrorKind) ErrorCategory {
	switch kind {
	case KindInvalidInstruction:
		return ErrorCategoryValidation
	case KindManifestParse:
		return ErrorCategoryManifest
	case KindSourceNotFound, KindWorkdirNotFound:
		return ErrorCategoryFilesystem
	case KindExecutionFailure:
		return ErrorCategoryExecutor
	case KindCacheIntegrity, KindCacheWriteRace:
		return ErrorCategoryCache
	default:
		return ErrorCategoryUnknown
	}
}

func severityForKind(kind ErrorKind) ErrorSeverity {
	switch kind {
	case KindCacheIntegrity:
		return ErrorSeverityCritical
	case KindInvalidInstruction, KindManifestParse:
		return ErrorSeverityHigh
	case KindCacheWriteRace:
		return ErrorSeverityLow
	default:
		return ErrorSeverityMedium
	}
}

// NewInvalidInstructionError creates an instruction shape validation error
func NewInvalidInstructionError(operation, message string) *BuildError {
	return NewErrorBuilder().
		Kind(KindInvalidInstruction).
		Operation(operation).
		Message(message).
		Suggestion("Check the instruction fields and the copy/workdir policy").
		Build()
}

// NewManifestLineError creates a parse error for a single manifest line
func NewManifestLineError(line int, message string) *BuildError {
	return NewErrorBuilder().
		Kind(KindManifestParse).
		Operation("parse_manifest").
		Messagef("line %d: %s", line, message).
		Context("line", line).
		Build()
}

// NewSourceNotFoundError reports a copy source missing from the build context
func NewSourceNotFoundError(path string, cause error) *BuildError {
	return NewErrorBuilder().
		Kind(KindSourceNotFound).
		Operation("copy").
		Messagef("copy source %q does not exist", path).
		Cause(cause).
		Suggestion("Check the path relative to the build context").
		Build()
}

// NewWorkdirNotFoundError reports a working directory missing from the snapshot
func NewWorkdirNotFoundError(path string) *BuildError {
	return NewErrorBuilder().
		Kind(KindWorkdirNotFound).
		Operation("workdir").
		Messagef("working directory %q does not exist in the environment", path).
		Suggestion("Enable create_missing_workdir or create the directory in an earlier step").
		Build()
}

// NewExecutionFailure reports a non-zero exit or a failed filesystem step
func NewExecutionFailure(operation string, exitStatus int, output string, cause error) *BuildError {
	return NewErrorBuilder().
		Kind(KindExecutionFailure).
		Operation(operation).
		Messagef("%s failed with exit status %d", operation, exitStatus).
		ExitStatus(exitStatus).
		Output(output).
		Cause(cause).
		Build()
}

// NewCacheIntegrityError reports a broken content-addressing invariant
func NewCacheIntegrityError(identity, message string) *BuildError {
	return NewErrorBuilder().
		Kind(KindCacheIntegrity).
		Operation("cache").
		Messagef("layer %s: %s", identity, message).
		Context("identity", identity).
		Suggestion("Stop all builds using this cache and run 'envbuild cache verify'").
		Build()
}

// NewCacheWriteRace describes a lost first-writer race; it is informational only
func NewCacheWriteRace(identity string) *BuildError {
	return NewErrorBuilder().
		Kind(KindCacheWriteRace).
		Operation("commit").
		Messagef("layer %s was committed concurrently; existing entry kept", identity).
		Context("identity", identity).
		Build()
}

// WrapError wraps an existing error with BuildError categorization
func WrapError(err error, kind ErrorKind, operation string) *BuildError {
	if err == nil {
		return nil
	}

	var buildErr *BuildError
	if stderrors.As(err, &buildErr) {
		return buildErr
	}

	return NewErrorBuilder().
		Kind(kind).
		Message(err.Error()).
		Cause(err).
		Operation(operation).
		Build()
}

// WithStep returns a copy of err annotated with the failing instruction.
// Errors that are not BuildErrors are wrapped as KindInternal.
func WithStep(err error, index int, instruction string) *BuildError {
	if err == nil {
		return nil
	}
	be := WrapError(err, KindInternal, "")
	annotated := *be
	annotated.Step = index
	annotated.Instruction = instruction
	return &annotated
}

// KindOf returns the kind of the first BuildError in err's chain
func KindOf(err error) ErrorKind {
	var buildErr *BuildError
	if stderrors.As(err, &buildErr) {
		return buildErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode maps an error to the CLI exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	switch KindOf(err) {
	case KindManifestParse, KindInvalidInstruction:
		return ExitCodeParse
	case KindExecutionFailure, KindSourceNotFound, KindWorkdirNotFound:
		return ExitCodeExecution
	case KindCacheIntegrity:
		return ExitCodeIntegrity
	default:
		return ExitCodeGeneric
	}
}

// ErrorCollector collects multiple errors, such as one per manifest line
type ErrorCollector struct {
	errors []*BuildError
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		errors: make([]*BuildError, 0),
	}
}

// AddError adds an error to the collector
func (c *ErrorCollector) AddError(err *BuildError) {
	if err != nil {
		c.errors = append(c.errors, err)
	}
}

// HasErrors returns true if there are any errors
func (c *ErrorCollector) HasErrors() bool {
	return len(c.errors) > 0
}

// ToError folds the collected errors into one error of the first error's kind.
// Each collected message becomes a detail line.
func (c *ErrorCollector) ToError() error {
	if len(c.errors) == 0 {
		return nil
	}

	if len(c.errors) == 1 {
		return c.errors[0]
	}

	first := c.errors[0]
	b := NewErrorBuilder().
		Kind(first.Kind).
		Operation(first.Operation).
		Messagef("%d errors: %s", len(c.errors), joinMessages(c.errors))
	for _, err := range c.errors {
		b.Detail(err.Message)
	}
	return b.Build()
}

func joinMessages(errs []*BuildError) string {
	messages := make([]string, len(errs))
	for i, err := range errs {
		messages[i] = err.Message
	}
	return strings.Join(messages, "; ")
}
