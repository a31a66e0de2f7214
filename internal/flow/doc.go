// Package flow implements the graph intermediate representation for loom
// models.
//
// A Flow holds variables (typed, shaped values), operations (computations
// consuming and producing variables), functions (named groups of operations
// compiled as a unit), connectors (variables that must share memory layout),
// and blobs (opaque auxiliary payloads carried through serialization).
//
// # Pipeline
//
// Front-ends build or load a Flow and then call Analyze, which runs the
// standard preparation pipeline:
//
//  1. InferInputsAndOutputs marks function boundary variables.
//  2. Transform applies graph rewriters to a fixed point.
//  3. Sort orders operations topologically with task-aware priorities.
//  4. InferTypes resolves missing types and shapes through the registered
//     type inferrers.
//
// After a successful Analyze the flow is in dependency order and fully
// typed, ready for compilation into a network.
//
// # Mutation
//
// Rewriters restructure the graph through Fuse, Eliminate, Extract, and the
// input/output editing methods on Operation. Structural misuse, such as
// giving a variable a second producer, is a programming error and panics.
// Recoverable conditions, such as malformed flow files or path expressions,
// return errors.
//
// # Serialization
//
// Flows round-trip through a little-endian binary format (see Load, Save,
// Read, Write) identified by the "flow" magic number. Versions 3 and 4 are
// supported; version 4 adds blobs.
//
// Flows are not safe for concurrent mutation.
package flow
