// Package network compiles analyzed flows into executable cells.
//
// Compilation turns each flow function into a Cell: an ordered list of
// Steps, each bound to the first registered Kernel that supports it, plus a
// memory layout for the cell's tensors. Kernels declare alignment and order
// constraints during the Adjust phase; the layout pass then computes aligned
// shapes, strides, sizes, and instance offsets, resolves shared storage, and
// assigns live ranges. Constants are copied into aligned network memory in
// their final layout.
//
// Execution state lives in an Instance: one aligned data block per cell
// invocation, holding all local tensors at fixed offsets, the reference
// table, and the task records. Instance.Compute runs the generated program;
// asynchronous tasks are scheduled through the network Runtime, with wait
// markers inserted where main-task steps consume asynchronous results.
//
// The compiled artifacts are deterministic: compiling the same flow with the
// same library and options yields identical layouts and step order.
package network
