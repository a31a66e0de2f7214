package network

import (
	"fmt"
	"strings"
)

// TaskState is the runtime state of an asynchronous task.
type TaskState int

const (
	Pending TaskState = iota
	Active
	Completed
)

// TaskInfo describes one asynchronous task of a cell. Tasks are identified
// by the task id from the flow and indexed by position in the cell task
// list. Each task reserves a record at the start of the instance block so
// compiled layouts stay stable across runtimes.
type TaskInfo struct {
	// ID is the task id from the flow operations.
	ID int

	// Index is the position in the cell task list.
	Index int

	// Placement is where the task steps execute.
	Placement Placement

	// Offset of the task record in the instance data block.
	Offset int
}

// taskRecordSize is the space reserved per task in the instance block. The
// first eight bytes mirror the task state; the remainder is reserved for
// runtime-specific bookkeeping so tensor offsets stay stable across
// runtimes.
const taskRecordSize = 32

// Cell is a compiled flow function: an ordered list of kernel-bound steps
// plus the memory layout of an instance.
type Cell struct {
	network *Network
	name    string

	steps []*Step
	tasks []TaskInfo

	// Instance block layout.
	instanceSize            int
	instanceAlignment       int
	deviceInstanceSize      int
	deviceInstanceAlignment int
	dataStart               int
	refCount                int

	program      *Program
	taskPrograms []*Program

	// Profiling timing tensor, present when profiling is enabled.
	profile *Tensor
}

// Name returns the cell name.
func (c *Cell) Name() string { return c.name }

// Network returns the network the cell belongs to.
func (c *Cell) Network() *Network { return c.network }

// Steps returns the compiled steps in execution order.
func (c *Cell) Steps() []*Step { return c.steps }

// Tasks returns the task descriptors of the cell.
func (c *Cell) Tasks() []TaskInfo { return c.tasks }

// InstanceSize returns the size in bytes of a cell instance block.
func (c *Cell) InstanceSize() int { return c.instanceSize }

// InstanceAlignment returns the byte alignment of a cell instance block.
func (c *Cell) InstanceAlignment() int { return c.instanceAlignment }

// DeviceInstanceSize returns the size of the device instance block.
func (c *Cell) DeviceInstanceSize() int { return c.deviceInstanceSize }

// DataStart returns the offset of the first tensor in the instance block,
// after the runtime extra data and the task records.
func (c *Cell) DataStart() int { return c.dataStart }

// Profile returns the profiling tensor, or nil when profiling is off.
func (c *Cell) Profile() *Tensor { return c.profile }

// GetParameter returns the named tensor of the cell, or nil.
func (c *Cell) GetParameter(name string) *Tensor {
	t := c.network.LookupParameter(name)
	if t == nil || t.cell != c {
		return nil
	}
	return t
}

// taskIndex returns the index of the task with the given flow task id,
// adding a descriptor on first use. The main task id zero maps to -1.
func (c *Cell) taskIndex(id int) int {
	if id == 0 {
		return -1
	}
	for _, task := range c.tasks {
		if task.ID == id {
			return task.Index
		}
	}
	index := len(c.tasks)
	c.tasks = append(c.tasks, TaskInfo{ID: id, Index: index})
	return index
}

// String renders the cell and its layout in a readable text format.
func (c *Cell) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cell %s {  // size %d, align %d\n",
		c.name, c.instanceSize, c.instanceAlignment)
	for _, task := range c.tasks {
		fmt.Fprintf(&b, "  task %d : index %d, offset %d\n",
			task.ID, task.Index, task.Offset)
	}
	for _, t := range c.network.parameters {
		if t.cell != c {
			continue
		}
		fmt.Fprintf(&b, "  %s\n", t)
	}
	for _, step := range c.steps {
		fmt.Fprintf(&b, "  step %s : %s", step.name, step.typ)
		if step.kernel != nil {
			fmt.Fprintf(&b, " [%s", step.kernel.Name())
			if step.variant != "" {
				fmt.Fprintf(&b, "/%s", step.variant)
			}
			b.WriteString("]")
		}
		if step.task >= 0 {
			fmt.Fprintf(&b, " task %d", c.tasks[step.task].ID)
		}
		b.WriteString("\n")
	}
	b.WriteString("}\n")
	return b.String()
}
