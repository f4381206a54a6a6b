package types

import (
	"github.com/bibin-skaria/envbuild/internal/errors"
)

// BuildPlan is a non-empty, ordered instruction sequence that starts with a PullBase.
type BuildPlan struct {
	instructions []Instruction
}

// NewBuildPlan validates and freezes an instruction sequence.
func NewBuildPlan(instructions []Instruction) (*BuildPlan, error) {
	if len(instructions) == 0 {
		return nil, errors.NewInvalidInstructionError("plan", "build plan is empty")
	}
	if instructions[0].Kind() != InstructionPullBase {
		return nil, errors.NewInvalidInstructionError("plan", "first instruction must select a base image")
	}
	for i, instr := range instructions[1:] {
		if instr.Kind() == "" {
			return nil, errors.WithStep(errors.NewInvalidInstructionError("plan", "zero-value instruction"), i+1, "")
		}
		if instr.Kind() == InstructionPullBase {
			return nil, errors.WithStep(errors.NewInvalidInstructionError("plan", "only the first instruction may select a base image"), i+1, instr.Summary())
		}
	}

	frozen := make([]Instruction, len(instructions))
	copy(frozen, instructions)
	return &BuildPlan{instructions: frozen}, nil
}

// Len returns the number of instructions.
func (p *BuildPlan) Len() int { return len(p.instructions) }

// At returns the instruction at index i.
func (p *BuildPlan) At(i int) Instruction { return p.instructions[i] }

// Instructions returns a copy of the instruction sequence.
func (p *BuildPlan) Instructions() []Instruction {
	out := make([]Instruction, len(p.instructions))
	copy(out, p.instructions)
	return out
}

// Base returns the PullBase instruction.
func (p *BuildPlan) Base() Instruction { return p.instructions[0] }

// Equal reports whether both plans contain identical instructions in identical order.
func (p *BuildPlan) Equal(other *BuildPlan) bool {
	if p == nil || other == nil {
		return p == other
	}
	if len(p.instructions) != len(other.instructions) {
		return false
	}
	for i := range p.instructions {
		if !p.instructions[i].Equal(other.instructions[i]) {
			return false
		}
	}
	return true
}

func (p *BuildPlan) MarshalJSON() ([]byte, error) {
	return marshalInstructions(p.instructions)
}
