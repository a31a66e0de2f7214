package network

import (
	"github.com/loom-ml/loom/internal/flow"
)

// Kernel implements an operation type for some class of steps. Kernels are
// consulted during compilation: Supports gates selection, Adjust declares
// layout constraints on the step tensors, and Generate emits the executable
// closure for the step into the cell program.
type Kernel interface {
	// Name identifies the kernel implementation.
	Name() string

	// Operation returns the operation type tag the kernel implements.
	Operation() string

	// Supports reports whether the kernel can compute the step.
	Supports(step *Step) bool

	// Adjust declares alignment and order constraints for the step tensors.
	Adjust(step *Step)

	// Generate emits the executable code for the step.
	Generate(step *Step, p *Program)

	// Complexity estimates the number of operations for the step, or -1.
	Complexity(step *Step) int64
}

// Location is implemented by kernels that do not execute on the host.
type Location interface {
	Location() Placement
}

// kernelLocation returns where a kernel executes, defaulting to the host.
func kernelLocation(k Kernel) Placement {
	if l, ok := k.(Location); ok {
		return l.Location()
	}
	return Host
}

// Library is a registry of kernels keyed by operation type, together with
// the graph transformations the kernels rely on. A library is built once and
// shared read-only between compilations.
type Library struct {
	flow.Transformations

	kernels map[string][]Kernel
}

// NewLibrary returns an empty kernel library.
func NewLibrary() *Library {
	return &Library{kernels: make(map[string][]Kernel)}
}

// Register adds a kernel to the library. Kernels registered first are
// preferred during selection.
func (l *Library) Register(k Kernel) {
	l.kernels[k.Operation()] = append(l.kernels[k.Operation()], k)
}

// Lookup returns the registered kernels for an operation type in
// registration order.
func (l *Library) Lookup(op string) []Kernel {
	return l.kernels[op]
}

// Program is the code sink for a compiled cell. Kernels emit closures into
// it during generation; the closures run against an instance at execution
// time. Task boundaries are recorded as start and wait markers interleaved
// with the main task steps.
type Program struct {
	actions []action
}

type actionKind int

const (
	actionStep actionKind = iota
	actionStart
	actionWait
)

// action is one element of a compiled program.
type action struct {
	kind actionKind
	step *Step
	run  func(*Instance)

	// task is the cell task index for start and wait actions.
	task int
}

// Emit adds an executable closure for the current step. A kernel may emit
// any number of closures; they run in emission order.
func (p *Program) Emit(step *Step, run func(*Instance)) {
	p.actions = append(p.actions, action{kind: actionStep, step: step, run: run})
}

func (p *Program) startTask(task int) {
	p.actions = append(p.actions, action{kind: actionStart, task: task})
}

func (p *Program) waitTask(task int) {
	p.actions = append(p.actions, action{kind: actionWait, task: task})
}

// Steps returns the number of step closures in the program.
func (p *Program) Steps() int {
	n := 0
	for _, a := range p.actions {
		if a.kind == actionStep {
			n++
		}
	}
	return n
}
