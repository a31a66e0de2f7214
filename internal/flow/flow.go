package flow

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// Variable is a named value slot in the graph. It has at most one producing
// operation and any number of consumers. A variable with a producer appears
// in exactly that producer's output list; every consumer lists the variable
// as an input.
type Variable struct {
	Name    string
	Aliases []string
	Type    Type
	Shape   Shape

	// Data holds the inline constant payload, or nil for computed values.
	Data []byte

	// In and Out mark the variable as a function input or output.
	In  bool
	Out bool

	// Ref marks the variable as stored through an indirect pointer rather
	// than inline in the instance block.
	Ref bool

	Producer  *Operation
	Consumers []*Operation
}

// AddAlias records an additional name for the variable.
func (v *Variable) AddAlias(alias string) {
	if !slices.Contains(v.Aliases, alias) {
		v.Aliases = append(v.Aliases, alias)
	}
}

// IsConstant reports whether the variable carries an inline payload.
func (v *Variable) IsConstant() bool {
	return v.Data != nil
}

// TypeString formats the type and shape of the variable, e.g. "&float32[1x4]".
func (v *Variable) TypeString() string {
	var b strings.Builder
	if v.Ref {
		b.WriteString("&")
	}
	b.WriteString(v.Type.String())
	if !v.Shape.IsScalar() {
		fmt.Fprintf(&b, "[%s]", v.Shape)
	}
	return b.String()
}

// DependsOn reports whether the variable transitively depends on op through
// producer chains.
func (v *Variable) DependsOn(op *Operation) bool {
	visited := make(map[*Operation]bool)
	queue := []*Variable{v}
	for len(queue) > 0 {
		next := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		p := next.Producer
		if p == nil || visited[p] {
			continue
		}
		if p == op {
			return true
		}
		visited[p] = true
		queue = append(queue, p.Inputs...)
	}
	return false
}

// Operation is a named computation node with ordered inputs and outputs.
type Operation struct {
	Name string
	Type string

	Inputs  []*Variable
	Outputs []*Variable
	Attrs   Attributes

	// Task is the task id for the operation; zero means the synchronous
	// main task, non-zero denotes a parallel task.
	Task int

	// Func is the function the operation belongs to, if any.
	Func *Function

	// Scheduling state maintained by Sort.
	Priority int
	Order    int
	missing  int
}

// AddInput adds var as an input and registers the operation as a consumer.
func (op *Operation) AddInput(v *Variable) {
	op.Inputs = append(op.Inputs, v)
	v.Consumers = append(v.Consumers, op)
}

// AddOutput adds var as an output and registers the operation as producer.
// Panics if the variable already has a producer.
func (op *Operation) AddOutput(v *Variable) {
	if v.Producer != nil {
		panic(fmt.Sprintf("flow: variable %s already has producer %s", v.Name, v.Producer.Name))
	}
	op.Outputs = append(op.Outputs, v)
	v.Producer = op
}

// IsInput reports whether v is an input of the operation.
func (op *Operation) IsInput(v *Variable) bool {
	return slices.Contains(op.Inputs, v)
}

// IsOutput reports whether v is an output of the operation.
func (op *Operation) IsOutput(v *Variable) bool {
	return slices.Contains(op.Outputs, v)
}

// RemoveInput removes v as an input and the operation as its consumer.
func (op *Operation) RemoveInput(v *Variable) {
	ci := slices.Index(v.Consumers, op)
	if ci < 0 {
		panic(fmt.Sprintf("flow: %s is not a consumer of %s", op.Name, v.Name))
	}
	v.Consumers = slices.Delete(v.Consumers, ci, ci+1)

	ii := slices.Index(op.Inputs, v)
	if ii < 0 {
		panic(fmt.Sprintf("flow: %s is not an input of %s", v.Name, op.Name))
	}
	op.Inputs = slices.Delete(op.Inputs, ii, ii+1)
}

// RemoveOutput removes v as an output and clears its producer.
func (op *Operation) RemoveOutput(v *Variable) {
	if v.Producer != op {
		panic(fmt.Sprintf("flow: %s is not the producer of %s", op.Name, v.Name))
	}
	v.Producer = nil

	oi := slices.Index(op.Outputs, v)
	if oi < 0 {
		panic(fmt.Sprintf("flow: %s is not an output of %s", v.Name, op.Name))
	}
	op.Outputs = slices.Delete(op.Outputs, oi, oi+1)
}

// MoveInput transfers the input edge for v to another operation, updating
// both endpoints.
func (op *Operation) MoveInput(v *Variable, to *Operation) {
	ii := slices.Index(op.Inputs, v)
	if ii < 0 {
		panic(fmt.Sprintf("flow: %s is not an input of %s", v.Name, op.Name))
	}
	op.Inputs = slices.Delete(op.Inputs, ii, ii+1)
	to.Inputs = append(to.Inputs, v)

	for i, consumer := range v.Consumers {
		if consumer == op {
			v.Consumers[i] = to
			break
		}
	}
}

// MoveOutput transfers the output edge for v to another operation, updating
// both endpoints.
func (op *Operation) MoveOutput(v *Variable, to *Operation) {
	oi := slices.Index(op.Outputs, v)
	if oi < 0 {
		panic(fmt.Sprintf("flow: %s is not an output of %s", v.Name, op.Name))
	}
	op.Outputs = slices.Delete(op.Outputs, oi, oi+1)
	to.Outputs = append(to.Outputs, v)

	if v.Producer != op {
		panic(fmt.Sprintf("flow: %s is not the producer of %s", op.Name, v.Name))
	}
	v.Producer = to
}

// ReplaceInput substitutes replacement for v across all input occurrences
// on the operation.
func (op *Operation) ReplaceInput(v, replacement *Variable) {
	for i, input := range op.Inputs {
		if input != v {
			continue
		}
		ci := slices.Index(v.Consumers, op)
		if ci < 0 {
			panic(fmt.Sprintf("flow: %s is not a consumer of %s", op.Name, v.Name))
		}
		v.Consumers = slices.Delete(v.Consumers, ci, ci+1)
		replacement.Consumers = append(replacement.Consumers, op)
		op.Inputs[i] = replacement
	}
}

// ReplaceOutput substitutes replacement for v across all output occurrences
// on the operation. The replacement must not already have a producer.
func (op *Operation) ReplaceOutput(v, replacement *Variable) {
	for i, output := range op.Outputs {
		if output != v {
			continue
		}
		if replacement.Producer != nil {
			panic(fmt.Sprintf("flow: replacement %s already has a producer", replacement.Name))
		}
		v.Producer = nil
		replacement.Producer = op
		op.Outputs[i] = replacement
	}
}

// GetAttr returns the value of the named attribute or the empty string.
func (op *Operation) GetAttr(name string) string {
	return op.Attrs.Get(name)
}

// SetAttr assigns the named attribute.
func (op *Operation) SetAttr(name, value string) {
	op.Attrs.Set(name, value)
}

// HasAttr reports whether the operation has the named attribute.
func (op *Operation) HasAttr(name string) bool {
	return op.Attrs.Has(name)
}

// Function is a named ordered subset of operations compiled as one unit.
type Function struct {
	Name string
	Ops  []*Operation
}

// AddOperation adds op to the function. An operation belongs to at most one
// function.
func (f *Function) AddOperation(op *Operation) {
	if op.Func != nil {
		panic(fmt.Sprintf("flow: operation %s already belongs to function %s", op.Name, op.Func.Name))
	}
	op.Func = f
	f.Ops = append(f.Ops, op)
}

// Connector is a named set of variables that must share one underlying
// memory layout across invocations. It groups, it does not own.
type Connector struct {
	Name  string
	Links []*Variable
}

// AddLink adds a variable to the connector if not already linked.
func (c *Connector) AddLink(v *Variable) {
	if !slices.Contains(c.Links, v) {
		c.Links = append(c.Links, v)
	}
}

// RemoveLink removes a variable from the connector. Returns false if the
// variable was not linked.
func (c *Connector) RemoveLink(v *Variable) bool {
	i := slices.Index(c.Links, v)
	if i < 0 {
		return false
	}
	c.Links = slices.Delete(c.Links, i, i+1)
	return true
}

// ReplaceLink replaces old with v, keeping link order stable for the other
// links. Returns false if old was not linked.
func (c *Connector) ReplaceLink(old, v *Variable) bool {
	if c.RemoveLink(old) {
		c.AddLink(v)
		return true
	}
	return false
}

// Blob is a named opaque binary payload outside the computation graph.
type Blob struct {
	Name  string
	Type  string
	Attrs Attributes
	Data  []byte
}

// Flow is the mutable graph intermediate representation. It owns all
// variables, operations, functions, connectors, and blobs. The flow is not
// safe for concurrent mutation; callers must serialize edits.
type Flow struct {
	// BatchSize is substituted for -1 dimensions when reading flow files.
	BatchSize int

	vars  []*Variable
	ops   []*Operation
	funcs []*Function
	cnxs  []*Connector
	blobs []*Blob
}

// New creates an empty flow.
func New() *Flow {
	return &Flow{BatchSize: 1}
}

// Vars returns all variables in the flow.
func (f *Flow) Vars() []*Variable { return f.vars }

// Ops returns all operations in the flow.
func (f *Flow) Ops() []*Operation { return f.ops }

// Funcs returns all functions in the flow.
func (f *Flow) Funcs() []*Function { return f.funcs }

// Cnxs returns all connectors in the flow.
func (f *Flow) Cnxs() []*Connector { return f.cnxs }

// Blobs returns all blobs in the flow.
func (f *Flow) Blobs() []*Blob { return f.blobs }

// AddVariable creates a new variable in the flow.
func (f *Flow) AddVariable(name string, typ Type, shape Shape) *Variable {
	v := &Variable{Name: name, Type: typ, Shape: shape}
	f.vars = append(f.vars, v)
	return v
}

// AddConstant creates a new constant variable with an inline payload.
func (f *Flow) AddConstant(name string, typ Type, shape Shape, data []byte) *Variable {
	v := f.AddVariable(name, typ, shape)
	v.Data = data
	return v
}

// AddOperation creates a new operation in the flow. If fn is non-nil the
// operation is added to the function.
func (f *Flow) AddOperation(fn *Function, name, typ string) *Operation {
	op := &Operation{Name: name, Type: typ, Priority: 3}
	f.ops = append(f.ops, op)
	if fn != nil {
		fn.AddOperation(op)
	}
	return op
}

// AddFunction creates a new function in the flow.
func (f *Flow) AddFunction(name string) *Function {
	fn := &Function{Name: name}
	f.funcs = append(f.funcs, fn)
	return fn
}

// AddConnector creates a new connector in the flow.
func (f *Flow) AddConnector(name string) *Connector {
	cnx := &Connector{Name: name}
	f.cnxs = append(f.cnxs, cnx)
	return cnx
}

// AddBlob creates a new blob in the flow.
func (f *Flow) AddBlob(name, typ string) *Blob {
	blob := &Blob{Name: name, Type: typ}
	f.blobs = append(f.blobs, blob)
	return blob
}

// Var looks up a variable by name or alias.
func (f *Flow) Var(name string) *Variable {
	for _, v := range f.vars {
		if v.Name == name {
			return v
		}
		if slices.Contains(v.Aliases, name) {
			return v
		}
	}
	return nil
}

// Op looks up an operation by name.
func (f *Flow) Op(name string) *Operation {
	for _, op := range f.ops {
		if op.Name == name {
			return op
		}
	}
	return nil
}

// Func looks up a function by name.
func (f *Flow) Func(name string) *Function {
	for _, fn := range f.funcs {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

// Cnx looks up a connector by name.
func (f *Flow) Cnx(name string) *Connector {
	for _, cnx := range f.cnxs {
		if cnx.Name == name {
			return cnx
		}
	}
	return nil
}

// Blob looks up a blob by name.
func (f *Flow) Blob(name string) *Blob {
	for _, blob := range f.blobs {
		if blob.Name == name {
			return blob
		}
	}
	return nil
}

// DeleteVariable removes a variable from the flow. Producer and consumer
// links must already have been cleared by the caller.
func (f *Flow) DeleteVariable(v *Variable) {
	if i := slices.Index(f.vars, v); i >= 0 {
		f.vars = slices.Delete(f.vars, i, i+1)
	}
}

// DeleteOperation removes an operation from the flow and its function.
func (f *Flow) DeleteOperation(op *Operation) {
	if fn := op.Func; fn != nil {
		if i := slices.Index(fn.Ops, op); i >= 0 {
			fn.Ops = slices.Delete(fn.Ops, i, i+1)
		}
	}
	if i := slices.Index(f.ops, op); i >= 0 {
		f.ops = slices.Delete(f.ops, i, i+1)
	}
}

// DeleteFunction removes a function from the flow. Member operations stay in
// the flow without a function.
func (f *Flow) DeleteFunction(fn *Function) {
	for _, op := range fn.Ops {
		op.Func = nil
	}
	if i := slices.Index(f.funcs, fn); i >= 0 {
		f.funcs = slices.Delete(f.funcs, i, i+1)
	}
}

// RemoveOperation unlinks an operation from all its inputs and outputs and
// deletes it from the flow.
func (f *Flow) RemoveOperation(op *Operation) {
	for _, input := range op.Inputs {
		ci := slices.Index(input.Consumers, op)
		if ci < 0 {
			panic(fmt.Sprintf("flow: %s is not a consumer of %s", op.Name, input.Name))
		}
		input.Consumers = slices.Delete(input.Consumers, ci, ci+1)
	}
	for _, output := range op.Outputs {
		if output.Producer != op {
			panic(fmt.Sprintf("flow: %s is not the producer of %s", op.Name, output.Name))
		}
		output.Producer = nil
	}
	f.DeleteOperation(op)
}

// Consistent validates producer/consumer symmetry and function membership
// for the whole graph. Inconsistencies are logged and reported as false.
func (f *Flow) Consistent() bool {
	for _, op := range f.ops {
		for _, input := range op.Inputs {
			if !slices.Contains(f.vars, input) {
				slog.Warn("input variable is not in flow", "op", op.Name, "var", input.Name)
				return false
			}
			if !slices.Contains(input.Consumers, op) {
				slog.Warn("operation is not a consumer of its input", "op", op.Name, "var", input.Name)
				return false
			}
		}
		for _, output := range op.Outputs {
			if !slices.Contains(f.vars, output) {
				slog.Warn("output variable is not in flow", "op", op.Name, "var", output.Name)
				return false
			}
			if output.Producer != op {
				slog.Warn("operation is not the producer of its output", "op", op.Name, "var", output.Name)
				return false
			}
		}
	}

	for _, v := range f.vars {
		if p := v.Producer; p != nil {
			if !slices.Contains(f.ops, p) {
				slog.Warn("producer is not in flow", "var", v.Name)
				return false
			}
			if !slices.Contains(p.Outputs, v) {
				slog.Warn("variable is not an output of its producer", "var", v.Name, "op", p.Name)
				return false
			}
		}
		for _, consumer := range v.Consumers {
			if !slices.Contains(f.ops, consumer) {
				slog.Warn("consumer is not in flow", "var", v.Name)
				return false
			}
			if !slices.Contains(consumer.Inputs, v) {
				slog.Warn("variable is not an input of its consumer", "var", v.Name, "op", consumer.Name)
				return false
			}
		}
	}

	for _, fn := range f.funcs {
		for _, op := range fn.Ops {
			if !slices.Contains(f.ops, op) {
				slog.Warn("function operation is not in flow", "func", fn.Name, "op", op.Name)
				return false
			}
			if op.Func != fn {
				slog.Warn("operation does not belong to function", "func", fn.Name, "op", op.Name)
				return false
			}
		}
	}

	return true
}

// String renders the flow in a readable text format.
func (f *Flow) String() string {
	var b strings.Builder
	for _, v := range f.vars {
		fmt.Fprintf(&b, "var %s : %s", v.Name, v.TypeString())
		if v.In {
			b.WriteString(" in")
		}
		if v.Out {
			b.WriteString(" out")
		}
		if v.Data != nil {
			fmt.Fprintf(&b, ", %d bytes", len(v.Data))
		}
		b.WriteString(" {\n")
		if v.Producer != nil {
			fmt.Fprintf(&b, "  from %s\n", v.Producer.Name)
		}
		for _, consumer := range v.Consumers {
			fmt.Fprintf(&b, "  to %s\n", consumer.Name)
		}
		for _, alias := range v.Aliases {
			if alias != v.Name {
				fmt.Fprintf(&b, "  aka %s\n", alias)
			}
		}
		b.WriteString("}\n\n")
	}
	for _, op := range f.ops {
		fmt.Fprintf(&b, "op %s : %s {\n", op.Name, op.Type)
		if op.Task != 0 {
			fmt.Fprintf(&b, "  task %d\n", op.Task)
		}
		for _, input := range op.Inputs {
			fmt.Fprintf(&b, "  input %s : %s\n", input.Name, input.TypeString())
		}
		for _, output := range op.Outputs {
			fmt.Fprintf(&b, "  output %s : %s\n", output.Name, output.TypeString())
		}
		for _, attr := range op.Attrs {
			if len(attr.Value) > 512 {
				fmt.Fprintf(&b, "  %s = <<%d bytes>>\n", attr.Name, len(attr.Value))
			} else {
				fmt.Fprintf(&b, "  %s = %s\n", attr.Name, attr.Value)
			}
		}
		b.WriteString("}\n\n")
	}
	for _, fn := range f.funcs {
		fmt.Fprintf(&b, "func %s {\n", fn.Name)
		for _, op := range fn.Ops {
			fmt.Fprintf(&b, "  %s : %s\n", op.Name, op.Type)
		}
		b.WriteString("}\n\n")
	}
	for _, cnx := range f.cnxs {
		fmt.Fprintf(&b, "connector %s {\n", cnx.Name)
		for _, link := range cnx.Links {
			fmt.Fprintf(&b, "  %s : %s\n", link.Name, link.TypeString())
		}
		b.WriteString("}\n\n")
	}
	for _, blob := range f.blobs {
		fmt.Fprintf(&b, "blob %s : %s { %d bytes\n", blob.Name, blob.Type, len(blob.Data))
		for _, attr := range blob.Attrs {
			fmt.Fprintf(&b, "  %s = %s\n", attr.Name, attr.Value)
		}
		b.WriteString("}\n\n")
	}
	return b.String()
}
