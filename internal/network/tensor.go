package network

import (
	"fmt"
	"strings"

	"github.com/loom-ml/loom/internal/flow"
)

// MinDataAlignment is the minimum byte alignment for tensor data.
const MinDataAlignment = 8

// refSlotSize is the instance space taken by a reference tensor.
const refSlotSize = 8

// Order is the element ordering of a tensor in memory.
type Order int

const (
	AnyOrder Order = iota
	RowMajor
	ColumnMajor
	ConflictingOrder
)

func (o Order) String() string {
	switch o {
	case AnyOrder:
		return "any"
	case RowMajor:
		return "row-major"
	case ColumnMajor:
		return "column-major"
	default:
		return "conflicting"
	}
}

// Placement is a bitmask of the memories where a tensor or step lives.
type Placement int

const (
	Nowhere    Placement = 0
	Host       Placement = 1
	Device     Placement = 2
	Everywhere Placement = Host | Device
)

func (p Placement) String() string {
	switch p {
	case Nowhere:
		return "nowhere"
	case Host:
		return "host"
	case Device:
		return "device"
	default:
		return "everywhere"
	}
}

// align rounds n up to the next multiple of alignment.
func align(n, alignment int) int {
	return (n + alignment - 1) / alignment * alignment
}

// Tensor is a multi-dimensional array holding a constant or an instance
// parameter. Kernels declare layout constraints on tensors during
// compilation; the layout pass then computes the aligned shape, strides,
// size, and instance offset.
type Tensor struct {
	name    string
	aliases []string
	typ     flow.Type
	shape   flow.Shape
	cell    *Cell

	// Constant payload; nil for parameters.
	data []byte

	in  bool
	out bool
	ref bool

	// Alignment constraints aggregated from kernels.
	minalign      []int
	byteAlignment int
	requiredOrder Order
	requireDense  bool

	// Layout results.
	aligned      flow.Shape
	stride       []int
	size         int
	space        int
	order        Order
	offset       int
	deviceOffset int
	refIndex     int

	// Storage sharing and alignment coupling.
	shared *Tensor
	link   *Tensor

	// Live range in step order.
	first int
	last  int

	placement        Placement
	currentPlacement Placement

	producer  *Step
	consumers []*Step
}

// Name returns the tensor name.
func (t *Tensor) Name() string { return t.name }

// Type returns the element type.
func (t *Tensor) Type() flow.Type { return t.typ }

// Shape returns the unaligned tensor shape.
func (t *Tensor) Shape() flow.Shape { return t.shape }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Dim returns the unaligned size of dimension d.
func (t *Tensor) Dim(d int) int { return t.shape.Dim(d) }

// Aligned returns the shape after alignment padding.
func (t *Tensor) Aligned() flow.Shape { return t.aligned }

// Stride returns the byte stride of dimension d.
func (t *Tensor) Stride(d int) int { return t.stride[d] }

// Padding returns the padding in bytes added to dimension d.
func (t *Tensor) Padding(d int) int {
	return (t.aligned.Dim(d) - t.shape.Dim(d)) * t.stride[d]
}

// Size returns the total tensor size in bytes.
func (t *Tensor) Size() int { return t.size }

// Space returns the bytes the tensor occupies in the instance block.
// References only take up space for one pointer.
func (t *Tensor) Space() int { return t.space }

// Elements returns the number of elements.
func (t *Tensor) Elements() int { return t.shape.Elements() }

// ElementSize returns the size in bytes of one element.
func (t *Tensor) ElementSize() int { return t.typ.Size() }

// Data returns the constant payload, or nil for parameters. The payload is
// in final aligned layout after compilation.
func (t *Tensor) Data() []byte { return t.data }

// Offset returns the offset in the instance data block, or -1 for globals.
func (t *Tensor) Offset() int { return t.offset }

// DeviceOffset returns the offset in the device instance block, or -1 when
// the tensor is not placed on the device.
func (t *Tensor) DeviceOffset() int { return t.deviceOffset }

// In reports whether the tensor is a cell input.
func (t *Tensor) In() bool { return t.in }

// Out reports whether the tensor is a cell output.
func (t *Tensor) Out() bool { return t.out }

// Ref reports whether the tensor is stored as a reference.
func (t *Tensor) Ref() bool { return t.ref }

// IsConstant reports whether the tensor has constant data.
func (t *Tensor) IsConstant() bool { return t.data != nil }

// IsGlobal reports whether the tensor is allocated in network memory rather
// than in the instance block.
func (t *Tensor) IsGlobal() bool { return t.data != nil }

// IsLocal reports whether the tensor is allocated in the instance block.
func (t *Tensor) IsLocal() bool { return !t.IsGlobal() }

// IsScalar reports whether the tensor has rank zero.
func (t *Tensor) IsScalar() bool { return t.Rank() == 0 }

// IsVector reports whether the tensor has rank one.
func (t *Tensor) IsVector() bool { return t.Rank() == 1 }

// IsMatrix reports whether the tensor has rank two.
func (t *Tensor) IsMatrix() bool { return t.Rank() == 2 }

// Cell returns the cell the tensor belongs to, or nil for globals.
func (t *Tensor) Cell() *Cell { return t.cell }

// Order returns the element order chosen by the layout pass.
func (t *Tensor) Order() Order { return t.order }

// RequiredOrder returns the aggregated order requirement.
func (t *Tensor) RequiredOrder() Order { return t.requiredOrder }

// ByteAlignment returns the byte alignment of the tensor data.
func (t *Tensor) ByteAlignment() int { return t.byteAlignment }

// Placement returns the memories where the tensor is needed.
func (t *Tensor) Placement() Placement { return t.placement }

// AddPlace adds a memory to the tensor placement.
func (t *Tensor) AddPlace(place Placement) { t.placement |= place }

// AddNewPlace records where the latest value of the tensor was produced.
func (t *Tensor) AddNewPlace(place Placement) { t.currentPlacement |= place }

// Producer returns the step producing the tensor, or nil.
func (t *Tensor) Producer() *Step { return t.producer }

// Consumers returns the steps consuming the tensor.
func (t *Tensor) Consumers() []*Step { return t.consumers }

// First returns the first step index where the tensor is live, or -1.
func (t *Tensor) First() int { return t.first }

// Last returns the last step index where the tensor is live, or -1.
func (t *Tensor) Last() int { return t.last }

// SharedWith returns the tensor this tensor shares storage with, or nil.
func (t *Tensor) SharedWith() *Tensor { return t.shared }

// ShareWith makes the tensor share storage with other. Sharing is resolved
// to a common root tensor during layout.
func (t *Tensor) ShareWith(other *Tensor) { t.shared = other }

// Link returns the tensor this tensor is alignment-coupled to, or nil.
func (t *Tensor) Link() *Tensor { return t.link }

// LinkWith couples the alignment of the tensor to other. Linked tensors get
// identical alignment constraints so connector channels can hold either.
func (t *Tensor) LinkWith(other *Tensor) {
	t.link = other
	other.link = t
	t.SameAlign(other)
}

// ConsumerTask returns the task index shared by all consumers, or -1 if the
// tensor is consumed by steps in multiple tasks.
func (t *Tensor) ConsumerTask() int {
	task := -1
	for _, step := range t.consumers {
		if task == -1 {
			task = step.task
		} else if task != step.task {
			return -1
		}
	}
	return task
}

// MinAlign raises the per-dimension minimum alignment of the tensor.
func (t *Tensor) MinAlign(dims []int) {
	for d := 0; d < len(dims) && d < len(t.minalign); d++ {
		if dims[d] > t.minalign[d] {
			t.minalign[d] = dims[d]
		}
	}
}

// MinAlignLast raises the minimum alignment of the last dimension.
func (t *Tensor) MinAlignLast(a int) {
	if len(t.minalign) == 0 {
		return
	}
	last := len(t.minalign) - 1
	if a > t.minalign[last] {
		t.minalign[last] = a
	}
}

// SameAlign gives both tensors the union of their alignment constraints.
func (t *Tensor) SameAlign(other *Tensor) {
	t.MinAlign(other.minalign)
	other.MinAlign(t.minalign)
}

// CompatibleAlign aligns the trailing dimensions of the two tensors,
// matching them from the innermost dimension outwards so broadcasting
// operands stay compatible.
func (t *Tensor) CompatibleAlign(other *Tensor) {
	d1 := len(t.minalign) - 1
	d2 := len(other.minalign) - 1
	for d1 >= 0 && d2 >= 0 {
		if other.minalign[d2] > t.minalign[d1] {
			t.minalign[d1] = other.minalign[d2]
		}
		if t.minalign[d1] > other.minalign[d2] {
			other.minalign[d2] = t.minalign[d1]
		}
		d1--
		d2--
	}
}

// SupportsAlignment reports whether the tensor can accept the requested
// per-dimension alignment. Dense tensors reject padding of any dimension.
func (t *Tensor) SupportsAlignment(dims []int) bool {
	if len(dims) != t.Rank() {
		return false
	}
	if t.requireDense {
		for d, a := range dims {
			if a > 1 && t.shape.Dim(d)%a != 0 {
				return false
			}
		}
	}
	return true
}

// SupportsOrder reports whether the tensor can be laid out in order.
func (t *Tensor) SupportsOrder(order Order) bool {
	return combineOrder(t.requiredOrder, order) != ConflictingOrder
}

// SetRequiredOrder merges order into the required element order.
func (t *Tensor) SetRequiredOrder(order Order) {
	t.requiredOrder = combineOrder(t.requiredOrder, order)
}

// RequireDense disallows padding of any dimension.
func (t *Tensor) RequireDense() { t.requireDense = true }

// RequireStandardOrder requires row-major order for true multi-dimensional
// tensors.
func (t *Tensor) RequireStandardOrder() {
	if t.Rank() > 1 && t.Dim(0) > 1 {
		t.SetRequiredOrder(RowMajor)
	}
}

// SetMinimumByteAlignment raises the byte alignment of the tensor data.
func (t *Tensor) SetMinimumByteAlignment(alignment int) {
	if alignment > t.byteAlignment {
		t.byteAlignment = alignment
	}
}

// HasSameShape reports whether the two tensors have identical shapes.
func (t *Tensor) HasSameShape(other *Tensor) bool {
	return t.shape.Equal(other.shape)
}

// Compatible reports whether the tensor shape is broadcast compatible with
// the other tensor.
func (t *Tensor) Compatible(other *Tensor) bool {
	return t.shape.BroadcastCompatible(other.shape)
}

// ElementOffset returns the byte offset of the element at the given indices.
func (t *Tensor) ElementOffset(indices ...int) int {
	offset := 0
	for d, r := range indices {
		offset += r * t.stride[d]
	}
	return offset
}

// Index returns the element index at the given indices.
func (t *Tensor) Index(indices ...int) int {
	return t.ElementOffset(indices...) / t.ElementSize()
}

func combineOrder(a, b Order) Order {
	switch {
	case a == b:
		return a
	case a == AnyOrder:
		return b
	case b == AnyOrder:
		return a
	default:
		return ConflictingOrder
	}
}

// computeLayout determines the aligned shape, strides, and size of the
// tensor. Scalars take one element slot; references take pointer space
// regardless of the referenced layout.
func (t *Tensor) computeLayout(defaultOrder Order) error {
	t.order = t.requiredOrder
	if t.order == AnyOrder {
		t.order = defaultOrder
	}
	if t.order == ConflictingOrder {
		return fmt.Errorf("network: conflicting element order for %s", t.name)
	}

	rank := t.Rank()
	dims := make([]int, rank)
	for d := 0; d < rank; d++ {
		a := t.minalign[d]
		if t.requireDense {
			a = 1
		}
		dims[d] = align(t.shape.Dim(d), a)
	}
	t.aligned = flow.Dims(dims...)

	t.stride = make([]int, rank)
	size := t.ElementSize()
	if t.order == ColumnMajor {
		for d := 0; d < rank; d++ {
			t.stride[d] = size
			size *= dims[d]
		}
	} else {
		for d := rank - 1; d >= 0; d-- {
			t.stride[d] = size
			size *= dims[d]
		}
	}
	t.size = size

	if t.byteAlignment < t.ElementSize() {
		t.byteAlignment = t.ElementSize()
	}

	if t.ref {
		t.space = align(refSlotSize, t.byteAlignment)
	} else {
		t.space = align(t.size, t.byteAlignment)
	}
	return nil
}

// String renders the tensor layout for diagnostics.
func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s%s", t.name, t.typ, t.shape)
	if !t.aligned.Missing() && !t.aligned.Equal(t.shape) {
		fmt.Fprintf(&b, " aligned %s", t.aligned)
	}
	fmt.Fprintf(&b, " %s", t.order)
	if t.ref {
		b.WriteString(" ref")
	}
	if t.IsConstant() {
		fmt.Fprintf(&b, " const %d bytes", len(t.data))
	} else if t.offset >= 0 {
		fmt.Fprintf(&b, " offset %d size %d", t.offset, t.size)
	}
	return b.String()
}
