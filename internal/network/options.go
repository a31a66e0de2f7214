package network

// Options control compilation of a network. The zero value gives the
// standard configuration: row-major parameters, static allocation, no
// profiling.
type Options struct {
	// ParameterElementOrder is the default element order for tensors
	// without an explicit order requirement. AnyOrder here means RowMajor.
	ParameterElementOrder Order

	// Debug enables extra diagnostics during compilation and execution.
	Debug bool

	// Profiling allocates a timing tensor per cell and wraps each step
	// closure with timing instrumentation.
	Profiling bool

	// ExternalProfiler delegates timing collection to an external profiler
	// instead of the per-instance timing tensor.
	ExternalProfiler bool

	// DynamicAllocation lets tensors with disjoint live ranges reuse the
	// same instance memory.
	DynamicAllocation bool

	// SyncSteps forces synchronization before every step.
	SyncSteps bool
}

// elementOrder returns the effective default parameter element order.
func (o *Options) elementOrder() Order {
	if o.ParameterElementOrder == AnyOrder {
		return RowMajor
	}
	return o.ParameterElementOrder
}
