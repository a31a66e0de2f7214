package network

import (
	"github.com/loom-ml/loom/internal/flow"
)

// Step is a kernel-bound operation in a cell.
type Step struct {
	name  string
	typ   string
	cell  *Cell
	attrs flow.Attributes

	inputs  []*Tensor
	outputs []*Tensor

	kernel  Kernel
	variant string
	noop    bool

	// task is the index into the cell task list, or -1 for the main task.
	task int

	// index is the position of the step in the cell step order.
	index int

	placement Placement

	// Scratch memory requested by the kernel through SetKernelMemory.
	kernelMemory []byte
}

// Name returns the step name.
func (s *Step) Name() string { return s.name }

// Type returns the operation type tag.
func (s *Step) Type() string { return s.typ }

// Cell returns the cell the step belongs to.
func (s *Step) Cell() *Cell { return s.cell }

// Kernel returns the kernel bound to the step.
func (s *Step) Kernel() Kernel { return s.kernel }

// NoOp reports whether the step generates no code.
func (s *Step) NoOp() bool { return s.noop }

// SetNoOp marks the step as generating no code.
func (s *Step) SetNoOp() { s.noop = true }

// Variant returns the kernel variant tag for the step.
func (s *Step) Variant() string { return s.variant }

// SetVariant sets the kernel variant tag for the step.
func (s *Step) SetVariant(variant string) { s.variant = variant }

// TaskIndex returns the index into the cell task list, or -1 for the main
// task.
func (s *Step) TaskIndex() int { return s.task }

// Index returns the position of the step in the cell step order.
func (s *Step) Index() int { return s.index }

// Placement returns where the step executes.
func (s *Step) Placement() Placement { return s.placement }

// Inputs returns the input tensors.
func (s *Step) Inputs() []*Tensor { return s.inputs }

// Outputs returns the output tensors.
func (s *Step) Outputs() []*Tensor { return s.outputs }

// Input returns input tensor i.
func (s *Step) Input(i int) *Tensor { return s.inputs[i] }

// Output returns output tensor i.
func (s *Step) Output(i int) *Tensor { return s.outputs[i] }

// Indegree returns the number of inputs.
func (s *Step) Indegree() int { return len(s.inputs) }

// Outdegree returns the number of outputs.
func (s *Step) Outdegree() int { return len(s.outputs) }

// Attr returns the attribute value, or the empty string.
func (s *Step) Attr(name string) string { return s.attrs.Get(name) }

// AttrInt returns the attribute value as an integer, or defval.
func (s *Step) AttrInt(name string, defval int) int { return s.attrs.GetInt(name, defval) }

// AttrBool returns the attribute value as a boolean, or defval.
func (s *Step) AttrBool(name string, defval bool) bool { return s.attrs.GetBool(name, defval) }

// SetKernelMemory reserves scratch memory for the kernel.
func (s *Step) SetKernelMemory(size int) {
	s.kernelMemory = make([]byte, size)
}

// KernelMemory returns the kernel scratch memory.
func (s *Step) KernelMemory() []byte { return s.kernelMemory }

// AllowInPlace requests that output shares storage with input. The request
// is granted when the computation on that input cannot be observed anywhere
// else: the input has no other consumers and neither tensor crosses the cell
// boundary. With preserved set the input is read again after the output is
// written, so sharing is refused. Returns whether the output now shares
// storage with the input.
func (s *Step) AllowInPlace(input, output int, preserved bool) bool {
	if preserved {
		return false
	}
	in := s.inputs[input]
	out := s.outputs[output]
	if in.IsConstant() || in.ref || out.ref {
		return false
	}
	if in.in || in.out || out.in {
		return false
	}
	if len(in.consumers) != 1 {
		return false
	}
	if in.shared != nil || out.shared != nil {
		return false
	}
	out.ShareWith(in)
	return true
}

// NeedsSynchronization reports whether execution must wait for asynchronous
// work before running the step: some input was most recently produced in a
// different task, or step synchronization is forced through the options.
func (s *Step) NeedsSynchronization() bool {
	if s.cell.network.options.SyncSteps {
		return true
	}
	for _, in := range s.inputs {
		if p := in.producer; p != nil && p.task != s.task {
			return true
		}
	}
	return false
}

// Complexity returns the kernel complexity estimate for the step, or -1.
func (s *Step) Complexity() int64 {
	if s.kernel == nil {
		return -1
	}
	return s.kernel.Complexity(s)
}
