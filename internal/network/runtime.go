package network

import "unsafe"

// alignedBytes allocates a zeroed byte slice whose backing array starts on
// an alignment boundary.
func alignedBytes(size, alignment int) []byte {
	if size == 0 {
		return nil
	}
	buf := make([]byte, size+alignment-1)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if mod := int(ptr % uintptr(alignment)); mod != 0 {
		offset = alignment - mod
	}
	return buf[offset : offset+size : offset+size]
}

// Task is one asynchronous execution in flight for an instance.
type Task struct {
	run   func()
	state TaskState
	done  chan struct{}
}

// State returns the current task state.
func (t *Task) State() TaskState { return t.state }

// Runtime provides memory allocation and task scheduling for compiled
// networks. The network owns a runtime for its whole lifetime; instances and
// channels allocate through it.
type Runtime interface {
	// Name identifies the runtime.
	Name() string

	// AllocateInstanceData returns a zeroed data block for a cell instance.
	AllocateInstanceData(cell *Cell) []byte

	// FreeInstanceData releases an instance data block.
	FreeInstanceData(data []byte)

	// ClearInstanceData zeroes an instance data block.
	ClearInstanceData(data []byte)

	// AllocateChannelData grows a channel buffer to size bytes, preserving
	// the first used bytes of the old buffer.
	AllocateChannelData(old []byte, used, size, alignment int) []byte

	// SupportsAsync reports whether the runtime can run tasks in parallel.
	// Without async support tasks run inline at the start point.
	SupportsAsync() bool

	// StartTask begins executing a task.
	StartTask(task *Task)

	// WaitTask blocks until the task has completed.
	WaitTask(task *Task)

	// ExtraInstanceData returns extra bytes reserved at the start of each
	// instance block for runtime bookkeeping.
	ExtraInstanceData(cell *Cell) int
}

// hostRuntime is the default runtime: garbage-collected byte slices and one
// goroutine per active task.
type hostRuntime struct{}

// NewHostRuntime returns the default host runtime.
func NewHostRuntime() Runtime { return hostRuntime{} }

func (hostRuntime) Name() string { return "host" }

func (hostRuntime) AllocateInstanceData(cell *Cell) []byte {
	return alignedBytes(cell.InstanceSize(), cell.InstanceAlignment())
}

func (hostRuntime) FreeInstanceData(data []byte) {}

func (hostRuntime) ClearInstanceData(data []byte) {
	clear(data)
}

func (hostRuntime) AllocateChannelData(old []byte, used, size, alignment int) []byte {
	data := alignedBytes(size, alignment)
	copy(data, old[:used])
	return data
}

func (hostRuntime) SupportsAsync() bool { return true }

func (hostRuntime) StartTask(task *Task) {
	task.done = make(chan struct{})
	go func() {
		defer close(task.done)
		task.run()
	}()
}

func (hostRuntime) WaitTask(task *Task) {
	if task.done != nil {
		<-task.done
		task.done = nil
	}
}

func (hostRuntime) ExtraInstanceData(cell *Cell) int { return 0 }

// Linker receives compilation events so external tooling can collect the
// compiled artifacts.
type Linker interface {
	BeginNetwork(network *Network)
	EndNetwork(network *Network)
	BeginCell(cell *Cell)
	EndCell(cell *Cell)
	AddStep(step *Step)
	AddData(data *Tensor)
}

// jointLinker fans compilation events out to several linkers.
type jointLinker struct {
	linkers []Linker
}

// NewJointLinker combines linkers into one.
func NewJointLinker(linkers ...Linker) Linker {
	return &jointLinker{linkers: linkers}
}

func (j *jointLinker) BeginNetwork(network *Network) {
	for _, l := range j.linkers {
		l.BeginNetwork(network)
	}
}

func (j *jointLinker) EndNetwork(network *Network) {
	for _, l := range j.linkers {
		l.EndNetwork(network)
	}
}

func (j *jointLinker) BeginCell(cell *Cell) {
	for _, l := range j.linkers {
		l.BeginCell(cell)
	}
}

func (j *jointLinker) EndCell(cell *Cell) {
	for _, l := range j.linkers {
		l.EndCell(cell)
	}
}

func (j *jointLinker) AddStep(step *Step) {
	for _, l := range j.linkers {
		l.AddStep(step)
	}
}

func (j *jointLinker) AddData(data *Tensor) {
	for _, l := range j.linkers {
		l.AddData(data)
	}
}

// noLinker is the default linker; it discards all events.
type noLinker struct{}

func (noLinker) BeginNetwork(network *Network) {}
func (noLinker) EndNetwork(network *Network)   {}
func (noLinker) BeginCell(cell *Cell)          {}
func (noLinker) EndCell(cell *Cell)            {}
func (noLinker) AddStep(step *Step)            {}
func (noLinker) AddData(data *Tensor)          {}
