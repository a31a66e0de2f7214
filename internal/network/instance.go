package network

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unsafe"
)

// Instance holds the runtime state for one invocation context of a cell:
// a single aligned data block laid out by the compiler, the reference
// table, and the task records.
type Instance struct {
	cell  *Cell
	data  []byte
	refs  [][]byte
	tasks []Task
}

// NewInstance allocates an instance for the cell through the network
// runtime. The data block is zeroed.
func NewInstance(cell *Cell) *Instance {
	return &Instance{
		cell:  cell,
		data:  cell.network.runtime.AllocateInstanceData(cell),
		refs:  make([][]byte, cell.refCount),
		tasks: make([]Task, len(cell.tasks)),
	}
}

// Cell returns the cell the instance belongs to.
func (i *Instance) Cell() *Cell { return i.cell }

// Data returns the raw instance data block.
func (i *Instance) Data() []byte { return i.data }

// Task returns the task record at the given index.
func (i *Instance) Task(index int) *Task { return &i.tasks[index] }

// TaskRecord returns the record bytes reserved for the task in the
// instance data block. The first eight bytes hold the task state.
func (i *Instance) TaskRecord(index int) []byte {
	offset := i.cell.tasks[index].Offset
	return i.data[offset : offset+taskRecordSize]
}

// setTaskState updates the task state and mirrors it into the task record
// in the data block.
func (i *Instance) setTaskState(index int, state TaskState) {
	i.tasks[index].state = state
	binary.LittleEndian.PutUint64(i.TaskRecord(index), uint64(state))
}

// Free releases the instance data through the runtime. The instance must
// not be used afterwards.
func (i *Instance) Free() {
	i.cell.network.runtime.FreeInstanceData(i.data)
	i.data = nil
	i.refs = nil
}

// Clear zeroes the instance data and drops all references.
func (i *Instance) Clear() {
	i.cell.network.runtime.ClearInstanceData(i.data)
	clear(i.refs)
}

// Compute runs the compiled cell program on the instance. Asynchronous
// tasks are started and awaited through the runtime; without async support
// they run inline at their start point.
func (i *Instance) Compute() {
	cell := i.cell
	rt := cell.network.runtime
	for t := range i.tasks {
		i.setTaskState(t, Pending)
	}

	profile := cell.profile
	if profile != nil {
		i.Int64View(profile)[0]++
	}

	for _, a := range cell.program.actions {
		switch a.kind {
		case actionStep:
			if profile != nil {
				start := time.Now()
				a.run(i)
				i.Int64View(profile)[a.step.index+1] += time.Since(start).Nanoseconds()
			} else {
				a.run(i)
			}
		case actionStart:
			task := &i.tasks[a.task]
			prog := cell.taskPrograms[a.task]
			task.run = func() {
				for _, ta := range prog.actions {
					ta.run(i)
				}
			}
			if rt.SupportsAsync() {
				i.setTaskState(a.task, Active)
				rt.StartTask(task)
			} else {
				task.run()
				i.setTaskState(a.task, Completed)
			}
		case actionWait:
			task := &i.tasks[a.task]
			if task.state == Active {
				rt.WaitTask(task)
				i.setTaskState(a.task, Completed)
			}
		}
	}
}

// Bytes returns the storage for a tensor in this instance: the global
// payload for constants, the referenced block for references, and a slice
// of the instance block otherwise.
func (i *Instance) Bytes(t *Tensor) []byte {
	switch {
	case t.IsGlobal():
		return t.data
	case t.ref:
		return i.refs[t.refIndex]
	default:
		return i.data[t.offset : t.offset+t.size]
	}
}

// SetReference points a reference tensor at external storage. The data
// must be at least the tensor size and properly aligned for its type.
func (i *Instance) SetReference(t *Tensor, data []byte) {
	if !t.ref {
		panic(fmt.Sprintf("network: %s is not a reference", t.name))
	}
	i.refs[t.refIndex] = data
}

// Float32View returns the tensor storage as a float32 slice, including any
// alignment padding.
func (i *Instance) Float32View(t *Tensor) []float32 {
	b := i.Bytes(t)
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Float64View returns the tensor storage as a float64 slice.
func (i *Instance) Float64View(t *Tensor) []float64 {
	b := i.Bytes(t)
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&b[0])), len(b)/8)
}

// Int32View returns the tensor storage as an int32 slice.
func (i *Instance) Int32View(t *Tensor) []int32 {
	b := i.Bytes(t)
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Int64View returns the tensor storage as an int64 slice.
func (i *Instance) Int64View(t *Tensor) []int64 {
	b := i.Bytes(t)
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&b[0])), len(b)/8)
}

// Float32 returns the element at the given indices.
func (i *Instance) Float32(t *Tensor, indices ...int) float32 {
	return i.Float32View(t)[t.Index(indices...)]
}

// SetFloat32 sets the element at the given indices.
func (i *Instance) SetFloat32(t *Tensor, value float32, indices ...int) {
	i.Float32View(t)[t.Index(indices...)] = value
}

// Int32 returns the element at the given indices.
func (i *Instance) Int32(t *Tensor, indices ...int) int32 {
	return i.Int32View(t)[t.Index(indices...)]
}

// SetInt32 sets the element at the given indices.
func (i *Instance) SetInt32(t *Tensor, value int32, indices ...int) {
	i.Int32View(t)[t.Index(indices...)] = value
}

// SetTensorFloat32 fills the tensor from flat row-major values, honoring
// alignment padding.
func (i *Instance) SetTensorFloat32(t *Tensor, values []float32) {
	if len(values) != t.Elements() {
		panic(fmt.Sprintf("network: %d values for %s with %d elements",
			len(values), t.name, t.Elements()))
	}
	view := i.Float32View(t)
	if t.order == RowMajor && t.aligned.Equal(t.shape) {
		copy(view, values)
		return
	}
	eachIndex(t, func(n int, indices []int) {
		view[t.Index(indices...)] = values[n]
	})
}

// TensorFloat32 copies the tensor out as flat row-major values, dropping
// alignment padding.
func (i *Instance) TensorFloat32(t *Tensor) []float32 {
	view := i.Float32View(t)
	values := make([]float32, t.Elements())
	if t.order == RowMajor && t.aligned.Equal(t.shape) {
		copy(values, view)
		return values
	}
	eachIndex(t, func(n int, indices []int) {
		values[n] = view[t.Index(indices...)]
	})
	return values
}

// eachIndex visits all element index tuples of the tensor in row-major
// order.
func eachIndex(t *Tensor, visit func(n int, indices []int)) {
	rank := t.Rank()
	if rank == 0 {
		visit(0, nil)
		return
	}
	indices := make([]int, rank)
	for n := 0; n < t.Elements(); n++ {
		visit(n, indices)
		for d := rank - 1; d >= 0; d-- {
			indices[d]++
			if indices[d] < t.shape.Dim(d) {
				break
			}
			indices[d] = 0
		}
	}
}

// String renders the boundary parameters of the instance.
func (i *Instance) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "instance %s {\n", i.cell.name)
	for _, t := range i.cell.network.parameters {
		if t.cell != i.cell || !(t.in || t.out) {
			continue
		}
		if t.ref && i.refs[t.refIndex] == nil {
			fmt.Fprintf(&b, "  %s = <unbound>\n", t.name)
			continue
		}
		switch t.typ.String() {
		case "float32":
			fmt.Fprintf(&b, "  %s = %v\n", t.name, i.TensorFloat32(t))
		default:
			fmt.Fprintf(&b, "  %s = %d bytes\n", t.name, t.size)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// Connector groups the compiled tensors of one flow connector. The links
// are alignment-coupled during compilation so a single channel element
// layout can hold any of them.
type Connector struct {
	name  string
	links []*Tensor
}

// Name returns the connector name.
func (c *Connector) Name() string { return c.name }

// Links returns the coupled tensors.
func (c *Connector) Links() []*Tensor { return c.links }

// Type returns the prototype tensor defining the shared element layout.
func (c *Connector) Type() *Tensor {
	if len(c.links) == 0 {
		return nil
	}
	return c.links[0]
}

// NewConnectorChannel returns an empty channel with the element layout of
// the connector's prototype tensor.
func (n *Network) NewConnectorChannel(c *Connector) *Channel {
	return n.NewChannel(c.Type())
}

// Channel is a growable array of tensor-shaped elements, used to carry
// connector values between cell invocations.
type Channel struct {
	format  *Tensor
	runtime Runtime

	data []byte
	size int
}

// NewChannel returns an empty channel holding elements with the layout of
// the format tensor.
func (n *Network) NewChannel(format *Tensor) *Channel {
	return &Channel{format: format, runtime: n.runtime}
}

// ElementSize returns the aligned size in bytes of one channel element.
func (c *Channel) ElementSize() int {
	return align(c.format.size, c.format.byteAlignment)
}

// Size returns the number of elements in the channel.
func (c *Channel) Size() int { return c.size }

// Resize grows or shrinks the channel to n elements. New elements are
// zeroed; surviving elements keep their values.
func (c *Channel) Resize(n int) {
	bytes := n * c.ElementSize()
	if bytes > len(c.data) {
		used := c.size * c.ElementSize()
		capacity := len(c.data) * 2
		if capacity < bytes {
			capacity = bytes
		}
		c.data = c.runtime.AllocateChannelData(
			c.data, used, capacity, c.format.byteAlignment)
	}
	if n > c.size {
		clear(c.data[c.size*c.ElementSize() : bytes])
	}
	c.size = n
}

// At returns the storage of element index.
func (c *Channel) At(index int) []byte {
	if index < 0 || index >= c.size {
		panic(fmt.Sprintf("network: channel index %d out of range [0,%d)", index, c.size))
	}
	start := index * c.ElementSize()
	return c.data[start : start+c.format.size]
}

// Zero clears element index.
func (c *Channel) Zero(index int) {
	clear(c.At(index))
}
