package network

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/loom-ml/loom/internal/flow"
)

// Network is a collection of compiled cells sharing global constant data.
// Compile turns an analyzed flow into cells with kernel-bound steps, laid
// out tensors, and executable programs. A compiled network is immutable and
// safe for concurrent instance creation.
type Network struct {
	runtime Runtime
	linker  Linker
	options Options

	cells      []*Cell
	parameters []*Tensor
	globals    []*Tensor
	connectors []*Connector
	names      map[string]*Tensor

	// memory holds the global data blocks for constants.
	memory [][]byte
}

// NewNetwork returns an empty network with the host runtime and no linker.
func NewNetwork() *Network {
	return &Network{
		runtime: NewHostRuntime(),
		linker:  noLinker{},
		names:   make(map[string]*Tensor),
	}
}

// Runtime returns the runtime of the network.
func (n *Network) Runtime() Runtime { return n.runtime }

// SetRuntime replaces the runtime. Must be called before Compile.
func (n *Network) SetRuntime(runtime Runtime) { n.runtime = runtime }

// SetLinker replaces the linker. Must be called before Compile.
func (n *Network) SetLinker(linker Linker) { n.linker = linker }

// Options returns the compilation options for mutation before Compile.
func (n *Network) Options() *Options { return &n.options }

// Cells returns the compiled cells.
func (n *Network) Cells() []*Cell { return n.cells }

// Cell returns the compiled cell with the given name, or nil.
func (n *Network) Cell(name string) *Cell {
	for _, cell := range n.cells {
		if cell.name == name {
			return cell
		}
	}
	return nil
}

// Parameters returns all tensors of the network.
func (n *Network) Parameters() []*Tensor { return n.parameters }

// Globals returns the constant tensors allocated in network memory.
func (n *Network) Globals() []*Tensor { return n.globals }

// Connectors returns the connector groups of the network.
func (n *Network) Connectors() []*Connector { return n.connectors }

// LookupConnector returns the connector with the given name, or nil.
func (n *Network) LookupConnector(name string) *Connector {
	for _, c := range n.connectors {
		if c.name == name {
			return c
		}
	}
	return nil
}

// LookupParameter returns the tensor with the given name or alias, or nil.
func (n *Network) LookupParameter(name string) *Tensor {
	return n.names[name]
}

// Compile builds cells, selects kernels, computes tensor layouts, and
// generates the executable programs for an analyzed flow. The flow must be
// sorted and fully typed; missing kernels and layout conflicts are fatal
// errors.
func (n *Network) Compile(f *flow.Flow, lib *Library) error {
	n.linker.BeginNetwork(n)

	// Create a tensor for each variable.
	tensors := make(map[*flow.Variable]*Tensor)
	for _, v := range f.Vars() {
		if v.Type == flow.Invalid {
			return fmt.Errorf("network: variable %s has no type", v.Name)
		}
		if v.Shape.Missing() {
			return fmt.Errorf("network: variable %s has no shape", v.Name)
		}
		t := n.newTensor(v)
		tensors[v] = t
		n.parameters = append(n.parameters, t)
		n.names[t.name] = t
		for _, alias := range t.aliases {
			n.names[alias] = t
		}
	}

	// Create a cell per function and a step per operation, preserving the
	// flow operation order within each cell.
	cells := make(map[*flow.Function]*Cell)
	for _, fn := range f.Funcs() {
		cell := &Cell{network: n, name: fn.Name}
		cells[fn] = cell
		n.cells = append(n.cells, cell)
	}
	for _, op := range f.Ops() {
		if op.Func == nil {
			return fmt.Errorf("network: operation %s belongs to no function", op.Name)
		}
		cell := cells[op.Func]
		step := &Step{
			name:  op.Name,
			typ:   op.Type,
			cell:  cell,
			attrs: op.Attrs,
			task:  cell.taskIndex(op.Task),
			index: len(cell.steps),
		}
		cell.steps = append(cell.steps, step)

		for _, input := range op.Inputs {
			t := tensors[input]
			step.inputs = append(step.inputs, t)
			t.consumers = append(t.consumers, step)
			if err := claimTensor(t, cell); err != nil {
				return err
			}
		}
		for _, output := range op.Outputs {
			t := tensors[output]
			step.outputs = append(step.outputs, t)
			t.producer = step
			if err := claimTensor(t, cell); err != nil {
				return err
			}
		}
	}

	// Select a kernel for each step and let it adjust the tensors.
	for _, cell := range n.cells {
		for _, step := range cell.steps {
			kernel, err := selectKernel(step, lib)
			if err != nil {
				return err
			}
			step.kernel = kernel
			step.placement = kernelLocation(kernel)
			for _, out := range step.outputs {
				out.AddPlace(step.placement)
				out.AddNewPlace(step.placement)
			}
			for _, in := range step.inputs {
				in.AddPlace(step.placement)
			}
			kernel.Adjust(step)
			if n.options.Debug {
				slog.Debug("kernel selected",
					"step", step.name, "kernel", kernel.Name(), "variant", step.variant)
			}
		}
	}

	// Couple connector-linked tensors after kernel adjustment so a channel
	// element can hold any link with one layout.
	for _, cnx := range f.Cnxs() {
		if len(cnx.Links) == 0 {
			continue
		}
		c := &Connector{name: cnx.Name}
		for _, link := range cnx.Links {
			c.links = append(c.links, tensors[link])
		}
		for i := 1; i < len(c.links); i++ {
			c.links[i-1].LinkWith(c.links[i])
		}
		for i := len(c.links) - 2; i >= 0; i-- {
			c.links[i].SameAlign(c.links[i+1])
		}
		n.connectors = append(n.connectors, c)
	}

	// Add a profiling tensor per cell before layout.
	if n.options.Profiling && !n.options.ExternalProfiler {
		for _, cell := range n.cells {
			cell.profile = n.newProfileTensor(cell)
		}
	}

	// Compute tensor layouts.
	order := n.options.elementOrder()
	for _, t := range n.parameters {
		if err := t.computeLayout(order); err != nil {
			return err
		}
	}

	// Resolve shared storage to root tensors.
	for _, t := range n.parameters {
		if t.shared == nil {
			continue
		}
		root := t.sharedRoot()
		if root == nil {
			return fmt.Errorf("network: cyclic storage sharing at %s", t.name)
		}
		t.shared = root
		if t.size > root.size {
			return fmt.Errorf("network: %s (%d bytes) cannot share storage with smaller %s (%d bytes)",
				t.name, t.size, root.name, root.size)
		}
	}

	// Compute live ranges, lay out instances, and allocate globals.
	for _, cell := range n.cells {
		computeLiveRanges(cell, n.parameters)
		if err := n.layoutInstance(cell); err != nil {
			return err
		}
	}
	for _, t := range n.parameters {
		if t.IsGlobal() {
			n.allocateGlobal(t)
			n.globals = append(n.globals, t)
			n.linker.AddData(t)
		}
	}

	// Generate the executable programs.
	for _, cell := range n.cells {
		n.generate(cell)
	}

	n.linker.EndNetwork(n)
	return nil
}

// newTensor builds the tensor for a flow variable with default constraints.
func (n *Network) newTensor(v *flow.Variable) *Tensor {
	rank := v.Shape.Rank()
	minalign := make([]int, rank)
	for d := range minalign {
		minalign[d] = 1
	}
	return &Tensor{
		name:          v.Name,
		aliases:       v.Aliases,
		typ:           v.Type,
		shape:         v.Shape,
		data:          v.Data,
		in:            v.In,
		out:           v.Out,
		ref:           v.Ref,
		minalign:      minalign,
		byteAlignment: MinDataAlignment,
		offset:        -1,
		deviceOffset:  -1,
		refIndex:      -1,
		first:         -1,
		last:          -1,
		placement:     Host,
	}
}

// newProfileTensor adds the per-step timing tensor for a cell. Slot zero
// counts invocations; slot i+1 accumulates nanoseconds for step i.
func (n *Network) newProfileTensor(cell *Cell) *Tensor {
	t := &Tensor{
		name:          cell.name + "/profile",
		typ:           flow.Int64,
		shape:         flow.Dims(len(cell.steps) + 1),
		minalign:      []int{1},
		byteAlignment: MinDataAlignment,
		offset:        -1,
		deviceOffset:  -1,
		refIndex:      -1,
		first:         -1,
		last:          -1,
		placement:     Host,
		cell:          cell,
	}
	n.parameters = append(n.parameters, t)
	n.names[t.name] = t
	return t
}

// claimTensor assigns a local tensor to a cell. A local tensor can only be
// used by one cell; globals are shared freely.
func claimTensor(t *Tensor, cell *Cell) error {
	if t.IsGlobal() {
		return nil
	}
	if t.cell == nil {
		t.cell = cell
		return nil
	}
	if t.cell != cell {
		return fmt.Errorf("network: tensor %s used by both %s and %s",
			t.name, t.cell.name, cell.name)
	}
	return nil
}

// selectKernel picks the first registered kernel supporting the step.
func selectKernel(step *Step, lib *Library) (Kernel, error) {
	for _, kernel := range lib.Lookup(step.typ) {
		if kernel.Supports(step) {
			return kernel, nil
		}
	}
	return nil, fmt.Errorf("network: no kernel supports %s of type %s", step.name, step.typ)
}

// sharedRoot follows the sharing chain to the tensor that owns the storage.
// Returns nil if the chain is cyclic.
func (t *Tensor) sharedRoot() *Tensor {
	slow, fast := t, t.shared
	for fast != nil && fast.shared != nil {
		if fast == slow {
			return nil
		}
		slow = slow.shared
		fast = fast.shared.shared
	}
	if fast == nil {
		return slow
	}
	return fast
}

// computeLiveRanges assigns the first and last step index for the local
// tensors of a cell. Boundary and reference tensors live for the whole cell;
// shared tensors extend the live range of their storage root.
func computeLiveRanges(cell *Cell, parameters []*Tensor) {
	last := len(cell.steps) - 1
	for _, t := range parameters {
		if t.cell != cell || t.IsGlobal() {
			continue
		}
		if t.in || t.out || t.ref {
			t.first, t.last = 0, last
			continue
		}
		if p := t.producer; p != nil {
			t.first = p.index
			t.last = p.index
		}
		for _, c := range t.consumers {
			if t.first == -1 || c.index < t.first {
				t.first = c.index
			}
			if c.index > t.last {
				t.last = c.index
			}
		}
	}

	// Storage roots stay live while any sharer is live.
	for _, t := range parameters {
		if t.cell != cell || t.shared == nil {
			continue
		}
		root := t.shared
		if t.first != -1 && (root.first == -1 || t.first < root.first) {
			root.first = t.first
		}
		if t.last > root.last {
			root.last = t.last
		}
	}
}

// freeBlock is a reusable hole in the instance block.
type freeBlock struct {
	offset int
	size   int
}

// layoutInstance assigns instance offsets to the local tensors of a cell.
// The block starts with runtime extra data and the task records; tensor data
// follows. With dynamic allocation tensors with disjoint live ranges reuse
// freed space through a first-fit free list.
func (n *Network) layoutInstance(cell *Cell) error {
	offset := n.runtime.ExtraInstanceData(cell)
	offset = align(offset, MinDataAlignment)
	for i := range cell.tasks {
		cell.tasks[i].Offset = offset
		offset += taskRecordSize
	}
	cell.dataStart = offset
	cell.instanceAlignment = MinDataAlignment
	cell.deviceInstanceAlignment = MinDataAlignment

	// Locals in this cell, in parameter order. References get a slot for
	// the reference itself, indexed separately.
	var locals []*Tensor
	for _, t := range n.parameters {
		if t.cell == cell && t.IsLocal() {
			locals = append(locals, t)
			if t.byteAlignment > cell.instanceAlignment {
				cell.instanceAlignment = t.byteAlignment
			}
			if t.ref {
				t.refIndex = cell.refCount
				cell.refCount++
			}
		}
	}

	if !n.options.DynamicAllocation {
		for _, t := range locals {
			if t.shared != nil {
				continue
			}
			offset = align(offset, t.byteAlignment)
			t.offset = offset
			offset += t.space
		}
		cell.instanceSize = align(offset, cell.instanceAlignment)
		n.resolveSharedOffsets(cell)
		return nil
	}

	// Dynamic allocation: walk the steps, allocating tensors when they
	// become live and freeing them after their last use.
	var free []freeBlock
	top := offset
	allocate := func(t *Tensor) {
		for i, b := range free {
			start := align(b.offset, t.byteAlignment)
			if start+t.space <= b.offset+b.size {
				t.offset = start
				tail := b.offset + b.size - (start + t.space)
				head := start - b.offset
				rest := free[:i]
				if head > 0 {
					rest = append(rest, freeBlock{b.offset, head})
				}
				if tail > 0 {
					rest = append(rest, freeBlock{start + t.space, tail})
				}
				free = append(rest, free[i+1:]...)
				return
			}
		}
		start := align(top, t.byteAlignment)
		t.offset = start
		top = start + t.space
	}
	release := func(t *Tensor) {
		free = append(free, freeBlock{t.offset, t.space})
	}

	// Boundary tensors are live for the whole cell and are allocated up
	// front in stable order.
	for _, t := range locals {
		if t.shared == nil && t.first == 0 && (t.in || t.out || t.ref) {
			allocate(t)
		}
	}
	for i := range cell.steps {
		for _, t := range locals {
			if t.shared == nil && t.offset == -1 && t.first == i {
				allocate(t)
			}
		}
		for _, t := range locals {
			if t.shared == nil && t.offset != -1 && t.last == i && !(t.in || t.out || t.ref) {
				release(t)
			}
		}
	}
	// Tensors never touched by a step still need a slot.
	for _, t := range locals {
		if t.shared == nil && t.offset == -1 {
			allocate(t)
		}
	}
	cell.instanceSize = align(top, cell.instanceAlignment)
	n.resolveSharedOffsets(cell)
	return nil
}

// resolveSharedOffsets copies the storage root offset to all sharers.
func (n *Network) resolveSharedOffsets(cell *Cell) {
	for _, t := range n.parameters {
		if t.cell == cell && t.shared != nil {
			t.offset = t.shared.offset
			t.refIndex = t.shared.refIndex
		}
	}
}

// allocateGlobal copies a constant payload into an aligned network memory
// block in its final layout, including any alignment padding.
func (n *Network) allocateGlobal(t *Tensor) {
	block := alignedBytes(t.size, t.byteAlignment)
	n.memory = append(n.memory, block)

	src := t.data
	dst := block
	if t.order == RowMajor && t.aligned.Equal(t.shape) {
		copy(dst, src)
	} else {
		copyStrided(dst, src, t)
	}
	t.data = dst
}

// copyStrided copies a dense row-major payload into the strided layout of
// the tensor.
func copyStrided(dst, src []byte, t *Tensor) {
	rank := t.Rank()
	if rank == 0 {
		copy(dst, src[:t.ElementSize()])
		return
	}
	elem := t.ElementSize()
	indices := make([]int, rank)
	for pos := 0; pos < len(src); pos += elem {
		offset := t.ElementOffset(indices...)
		copy(dst[offset:offset+elem], src[pos:pos+elem])
		for d := rank - 1; d >= 0; d-- {
			indices[d]++
			if indices[d] < t.shape.Dim(d) {
				break
			}
			indices[d] = 0
		}
	}
}

// generate builds the executable program for a cell, inserting task start
// and wait markers around the kernel closures.
func (n *Network) generate(cell *Cell) {
	n.linker.BeginCell(cell)

	main := &Program{}
	cell.taskPrograms = make([]*Program, len(cell.tasks))
	for i := range cell.taskPrograms {
		cell.taskPrograms[i] = &Program{}
	}
	started := make([]bool, len(cell.tasks))
	waited := make([]bool, len(cell.tasks))

	for _, step := range cell.steps {
		if step.task >= 0 {
			if !started[step.task] {
				main.startTask(step.task)
				started[step.task] = true
			}
			if !step.noop {
				step.kernel.Generate(step, cell.taskPrograms[step.task])
			}
			n.linker.AddStep(step)
			continue
		}

		// Wait for every async task this step depends on. With forced
		// step synchronization every running task is drained instead.
		if step.NeedsSynchronization() {
			for _, in := range step.inputs {
				p := in.producer
				if p == nil || p.task < 0 || waited[p.task] {
					continue
				}
				if started[p.task] {
					main.waitTask(p.task)
					waited[p.task] = true
				}
			}
			if n.options.SyncSteps {
				for i := range cell.tasks {
					if started[i] && !waited[i] {
						main.waitTask(i)
						waited[i] = true
					}
				}
			}
		}
		if !step.noop {
			step.kernel.Generate(step, main)
		}
		n.linker.AddStep(step)
	}

	// Drain any tasks still in flight before the cell completes.
	for i := range cell.tasks {
		if started[i] && !waited[i] {
			main.waitTask(i)
		}
	}

	cell.program = main
	n.linker.EndCell(cell)
}

// String renders all cells of the network.
func (n *Network) String() string {
	var b strings.Builder
	for _, cell := range n.cells {
		b.WriteString(cell.String())
		b.WriteString("\n")
	}
	for _, t := range n.globals {
		fmt.Fprintf(&b, "global %s\n", t)
	}
	return b.String()
}
