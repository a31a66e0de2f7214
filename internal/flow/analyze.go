package flow

import (
	"container/heap"
	"log/slog"
	"slices"
)

// Transformer rewrites parts of a flow. Transform returns true if the flow
// was changed.
type Transformer interface {
	Name() string
	Transform(f *Flow) bool
}

// Typer infers missing types and shapes for the outputs of an operation.
// InferTypes returns true if all outputs were resolved.
type Typer interface {
	Name() string
	InferTypes(op *Operation) bool
}

// Transformations is an explicitly constructed registry of graph rewriters
// and type inferers. It is owned by the caller and passed by reference into
// the analysis pipeline; there is no global registry.
type Transformations struct {
	transformers []Transformer
	typers       []Typer
}

// RegisterTransformer adds a graph rewriter to the registry. Rewriters are
// applied in reverse registration order, so later registrations take
// precedence.
func (t *Transformations) RegisterTransformer(transformer Transformer) {
	t.transformers = append(t.transformers, transformer)
}

// RegisterTyper adds a type inferer to the registry. Typers are consulted in
// reverse registration order.
func (t *Transformations) RegisterTyper(typer Typer) {
	t.typers = append(t.typers, typer)
}

// Transformers returns the registered rewriters in registration order.
func (t *Transformations) Transformers() []Transformer { return t.transformers }

// Typers returns the registered type inferers in registration order.
func (t *Transformations) Typers() []Typer { return t.typers }

// Analyze runs the full analysis pipeline on the flow: infer input/output
// roles, apply rewriters to fixpoint, sort operations in task-aware
// dependency order, and infer missing types and shapes. A second rewrite
// round runs after type resolution since rewriters may depend on types; the
// sort is restored if it changed anything. Returns false if types or shapes
// remain unresolved; the caller decides whether that fails the compilation.
func (f *Flow) Analyze(transformations *Transformations) bool {
	f.InferInputsAndOutputs()
	f.Transform(transformations)
	f.Sort()
	resolved := f.InferTypes(transformations)
	if f.Transform(transformations) {
		f.Sort()
	}
	return resolved
}

// InferInputsAndOutputs determines the input and output roles of all
// variables. Connector links are both inputs and outputs. Otherwise the
// producer's "input"/"output" attributes decide; without them, a variable
// with no producer or whose producer has no inputs becomes an input, and a
// variable with no consumers becomes an output. Constants get no roles.
func (f *Flow) InferInputsAndOutputs() {
	for _, cnx := range f.cnxs {
		for _, link := range cnx.Links {
			link.In = true
			link.Out = true
		}
	}

	for _, v := range f.vars {
		if v.Data != nil {
			continue
		}

		inputSet := false
		outputSet := false
		if v.Producer != nil {
			if input := v.Producer.GetAttr("input"); input != "" {
				if input == "1" || input == "true" {
					v.In = true
				}
				inputSet = true
			}
			if output := v.Producer.GetAttr("output"); output != "" {
				if output == "1" || output == "true" {
					v.Out = true
				}
				outputSet = true
			}
		}

		if !inputSet && (v.Producer == nil || len(v.Producer.Inputs) == 0) {
			v.In = true
		}
		if !outputSet && len(v.Consumers) == 0 {
			v.Out = true
		}
	}
}

// Transform repeatedly applies all registered rewriters, in reverse
// registration order each pass, until a full pass reports no change.
// Returns whether any rewriter changed the flow.
func (f *Flow) Transform(transformations *Transformations) bool {
	transformers := transformations.Transformers()
	transformed := false
	again := true
	for again {
		again = false
		for i := len(transformers) - 1; i >= 0; i-- {
			if transformers[i].Transform(f) {
				transformed = true
				again = true
			}
		}
	}
	return transformed
}

// Sort priority classes. Operations feeding parallel work are scheduled as
// early as possible and operations depending on parallel work as late as
// possible, maximizing the computation hidden behind asynchronous tasks.
const (
	priorityPostParallel = 1
	priorityParallel     = 2
	priorityDefault      = 3
	priorityPreParallel  = 4
)

// readyQueue orders ready operations by descending priority class, then by
// ascending discovery order within a class.
type readyQueue []*Operation

func (q readyQueue) Len() int { return len(q) }

func (q readyQueue) Less(i, j int) bool {
	if q[i].Priority == q[j].Priority {
		return q[i].Order < q[j].Order
	}
	return q[i].Priority > q[j].Priority
}

func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) { *q = append(*q, x.(*Operation)) }

func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	op := old[n-1]
	*q = old[:n-1]
	return op
}

// Sort orders operations and variables in a deterministic, task-aware
// topological order. Parallel operations get priority 2; main-task producers
// feeding them get priority 4, transitively expanded backward; main-task
// consumers of their outputs get priority 1, transitively expanded forward;
// everything else stays at priority 3. Variables without a producer come
// first in the variable order, followed by outputs in operation order.
func (f *Flow) Sort() {
	pre := make(map[*Operation]bool)
	post := make(map[*Operation]bool)
	for _, op := range f.ops {
		op.Priority = priorityDefault
	}
	for _, op := range f.ops {
		if op.Task == 0 {
			continue
		}
		op.Priority = priorityParallel

		for _, v := range op.Inputs {
			if p := v.Producer; p != nil && p.Task == 0 {
				p.Priority = priorityPreParallel
				pre[p] = true
			}
		}
		for _, v := range op.Outputs {
			for _, consumer := range v.Consumers {
				if consumer.Task == 0 {
					consumer.Priority = priorityPostParallel
					post[consumer] = true
				}
			}
		}
	}

	// Expand the pre- and post-parallel phases transitively through the
	// main-task dependency chains.
	again := true
	for again {
		again = false
		for op := range pre {
			for _, v := range op.Inputs {
				if p := v.Producer; p != nil && !pre[p] {
					p.Priority = priorityPreParallel
					pre[p] = true
					again = true
				}
			}
		}
		for op := range post {
			for _, v := range op.Outputs {
				for _, consumer := range v.Consumers {
					if consumer.Task == 0 && !post[consumer] {
						consumer.Priority = priorityPostParallel
						post[consumer] = true
						again = true
					}
				}
			}
		}
	}

	orderedVars := make([]*Variable, 0, len(f.vars))
	for _, v := range f.vars {
		if v.Producer == nil {
			orderedVars = append(orderedVars, v)
		}
	}

	// Seed the ready queue with operations that have no unresolved inputs.
	ready := &readyQueue{}
	order := 0
	for _, op := range f.ops {
		op.missing = 0
		for _, v := range op.Inputs {
			if v.Producer != nil {
				op.missing++
			}
		}
		if op.missing == 0 {
			op.Order = order
			order++
			heap.Push(ready, op)
		}
	}

	orderedOps := make([]*Operation, 0, len(f.ops))
	for ready.Len() > 0 {
		op := heap.Pop(ready).(*Operation)
		orderedOps = append(orderedOps, op)
		for _, output := range op.Outputs {
			orderedVars = append(orderedVars, output)
			for _, consumer := range output.Consumers {
				consumer.missing--
				if consumer.missing == 0 {
					consumer.Order = order
					order++
					heap.Push(ready, consumer)
				}
			}
		}
	}

	if len(orderedVars) != len(f.vars) {
		panic("flow: variable order incomplete after sort")
	}
	if len(orderedOps) != len(f.ops) {
		panic("flow: cyclic dependency detected during sort")
	}
	f.vars = orderedVars
	f.ops = orderedOps

	for i, op := range f.ops {
		op.Order = i
	}

	for _, fn := range f.funcs {
		slices.SortFunc(fn.Ops, func(a, b *Operation) int {
			return a.Order - b.Order
		})
	}
}

// InferTypes resolves missing output types and shapes for each operation in
// topological order. Operations with unresolved inputs are skipped with a
// warning, propagating the unresolved state downstream. Registered typers
// are tried in reverse registration order until one succeeds. Returns false
// if any operation remains unresolved.
func (f *Flow) InferTypes(transformations *Transformations) bool {
	unresolved := 0
	skipped := 0
	for _, op := range f.ops {
		missing := false
		for _, input := range op.Inputs {
			if input.Type == Invalid {
				missing = true
				slog.Warn("skipping type inference: input is missing type", "op", op.Name, "var", input.Name)
			}
			if input.Shape.Missing() {
				missing = true
				slog.Warn("skipping type inference: input is missing shape", "op", op.Name, "var", input.Name)
			}
		}
		if missing {
			skipped++
			continue
		}

		infer := false
		for _, output := range op.Outputs {
			if output.Type == Invalid || output.Shape.Missing() {
				infer = true
			}
		}
		if !infer {
			continue
		}

		typers := transformations.Typers()
		for i := len(typers) - 1; i >= 0; i-- {
			if typers[i].InferTypes(op) {
				break
			}
		}

		resolved := true
		for _, output := range op.Outputs {
			if output.Type == Invalid {
				slog.Warn("variable is missing type", "var", output.Name)
				resolved = false
			}
			if output.Shape.Missing() {
				slog.Warn("variable is missing shape", "var", output.Name)
				resolved = false
			}
		}
		if !resolved {
			unresolved++
		}
	}

	if unresolved > 0 || skipped > 0 {
		slog.Warn("operations with unresolved types", "unresolved", unresolved+skipped, "skipped", skipped)
		return false
	}
	return true
}
