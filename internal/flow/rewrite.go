package flow

import (
	"fmt"
	"strconv"
	"strings"
)

// Fuse merges operation second into first, giving the combined operation the
// type combined. Inputs and outputs of second are reclassified: shared edges
// are dropped, intermediate values that lose their last consumer are deleted
// from the flow and unlinked from connectors, and remaining edges move to
// first. Attributes of second not already present on first are copied.
// second is deleted. Returns first.
func (f *Flow) Fuse(first, second *Operation, combined string, mergeInputs bool) *Operation {
	// Move inputs from the second op to the combined op.
	for len(second.Inputs) > 0 {
		v := second.Inputs[0]
		switch {
		case mergeInputs && first.IsInput(v):
			// Shared input.
			second.RemoveInput(v)
		case first.IsOutput(v):
			// Intermediate value between the two ops. Delete it if nothing
			// else uses it and it is not a graph output.
			second.RemoveInput(v)
			if len(v.Consumers) == 0 && !v.Out {
				first.RemoveOutput(v)
				f.DeleteVariable(v)
				for _, cnx := range f.cnxs {
					cnx.RemoveLink(v)
				}
			}
		default:
			second.MoveInput(v, first)
		}
	}

	// Move outputs from the second op to the combined op.
	for len(second.Outputs) > 0 {
		v := second.Outputs[0]
		switch {
		case first.IsInput(v):
			// Output feeding back into the first op.
			if len(v.Consumers) == 1 && !v.Out {
				first.RemoveInput(v)
				second.RemoveOutput(v)
				f.DeleteVariable(v)
				for _, cnx := range f.cnxs {
					cnx.RemoveLink(v)
				}
			} else {
				first.RemoveInput(v)
				second.MoveOutput(v, first)
			}
		case first.IsOutput(v):
			// Shared output.
			second.RemoveOutput(v)
		default:
			second.MoveOutput(v, first)
		}
	}

	first.Type = combined

	for _, attr := range second.Attrs {
		if !first.HasAttr(attr.Name) {
			first.SetAttr(attr.Name, attr.Value)
		}
	}

	f.DeleteOperation(second)
	return first
}

// Eliminate removes an identity-like operation. For a single-input/
// single-output operation every consumer of the output is rewritten to
// consume the input instead; flags, aliases, and connector links transfer to
// the input and the output variable is deleted. Zero-input operations just
// clear the producer links on their outputs before deletion.
func (f *Flow) Eliminate(op *Operation) {
	if len(op.Inputs) > 0 {
		if len(op.Inputs) != 1 || len(op.Outputs) != 1 {
			panic(fmt.Sprintf("flow: cannot eliminate %s with %d inputs and %d outputs",
				op.Name, len(op.Inputs), len(op.Outputs)))
		}
		input := op.Inputs[0]
		output := op.Outputs[0]
		if input.Type != Invalid && output.Type != Invalid && input.Type != output.Type {
			panic(fmt.Sprintf("flow: eliminate type mismatch between %s and %s", input.Name, output.Name))
		}
		if input.Shape.Defined() && output.Shape.Defined() && !input.Shape.Equal(output.Shape) {
			panic(fmt.Sprintf("flow: eliminate shape mismatch between %s and %s", input.Name, output.Name))
		}
		if output.In {
			input.In = true
		}
		if output.Out {
			input.Out = true
		}
		if output.Ref {
			input.Ref = true
		}

		// Rewrite all usages of the output to the input.
		for _, target := range f.ops {
			for i, in := range target.Inputs {
				if in == output {
					target.Inputs[i] = input
				}
			}
		}

		// The operation itself no longer consumes the input.
		removed := false
		for i, consumer := range input.Consumers {
			if consumer == op {
				input.Consumers = append(input.Consumers[:i], input.Consumers[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			panic(fmt.Sprintf("flow: %s is not a consumer of %s", op.Name, input.Name))
		}
		input.Consumers = append(input.Consumers, output.Consumers...)

		// The input variable answers to the output's names from now on.
		input.AddAlias(output.Name)
		for _, alias := range output.Aliases {
			input.AddAlias(alias)
		}

		for _, cnx := range f.cnxs {
			cnx.ReplaceLink(output, input)
		}

		f.DeleteVariable(output)
	} else {
		for _, output := range op.Outputs {
			output.Producer = nil
		}
	}

	f.DeleteOperation(op)
}

// Extract copies the minimal subgraph between the given input and output
// variable sets into a new function in target. Traversal stops at variables
// declared as inputs. Visited variables and operations are deep-copied and
// all producer/consumer/input/output pointers are remapped into the target
// flow.
func (f *Flow) Extract(name string, inputs, outputs []*Variable, target *Flow) *Function {
	fn := target.AddFunction(name)

	varmap := make(map[*Variable]*Variable)
	opmap := make(map[*Operation]*Operation)
	queue := append([]*Variable{}, outputs...)
	for len(queue) > 0 {
		v := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if varmap[v] != nil {
			continue
		}

		nv := &Variable{
			Name:      v.Name,
			Aliases:   append([]string{}, v.Aliases...),
			Type:      v.Type,
			Shape:     v.Shape,
			Data:      v.Data,
			In:        v.In,
			Out:       v.Out,
			Ref:       v.Ref,
			Producer:  v.Producer,
			Consumers: append([]*Operation{}, v.Consumers...),
		}
		varmap[v] = nv
		target.vars = append(target.vars, nv)

		// Stop traversal at declared inputs.
		stop := false
		for _, in := range inputs {
			if in == v {
				stop = true
				break
			}
		}
		if stop {
			continue
		}

		op := v.Producer
		if op == nil || opmap[op] != nil {
			continue
		}
		nop := &Operation{
			Name:     op.Name,
			Type:     op.Type,
			Inputs:   append([]*Variable{}, op.Inputs...),
			Outputs:  append([]*Variable{}, op.Outputs...),
			Attrs:    append(Attributes{}, op.Attrs...),
			Task:     op.Task,
			Priority: 3,
		}
		target.ops = append(target.ops, nop)
		fn.AddOperation(nop)
		opmap[op] = nop

		for _, input := range op.Inputs {
			if varmap[input] == nil {
				queue = append(queue, input)
			}
		}
		for _, output := range op.Outputs {
			if varmap[output] == nil {
				queue = append(queue, output)
			}
		}
	}

	// Remap producers and consumers; unmapped consumers fall away.
	for _, nv := range varmap {
		nv.Producer = opmap[nv.Producer]
		consumers := nv.Consumers[:0]
		for _, consumer := range nv.Consumers {
			if mapped := opmap[consumer]; mapped != nil {
				consumers = append(consumers, mapped)
			}
		}
		nv.Consumers = consumers
	}

	// Remap operation inputs and outputs.
	for _, nop := range opmap {
		for i, input := range nop.Inputs {
			nop.Inputs[i] = varmap[input]
		}
		for i, output := range nop.Outputs {
			nop.Outputs[i] = varmap[output]
		}
	}

	return fn
}

// pathNode is one element of a producer-chain search path.
type pathNode struct {
	typ    string
	input  int
	output int
}

// Find searches for operations matching a path expression over backward
// producer chains. A path is a '|'-separated sequence of nodes of the form
// {input:}type{:output}; matching starts at operations whose type equals the
// last node and walks backward through the designated input's producer.
// Malformed path expressions return an error.
func (f *Flow) Find(pathexpr string) ([]*Operation, error) {
	path, err := parsePath(pathexpr)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, fmt.Errorf("flow: empty path expression")
	}

	last := path[len(path)-1]
	var matches []*Operation
	for _, op := range f.ops {
		if op.Type != last.typ {
			continue
		}
		current := op
		input := last.input
		match := true
		for i := len(path) - 2; i >= 0; i-- {
			node := path[i]
			if input >= len(current.Inputs) {
				match = false
				break
			}
			v := current.Inputs[input]
			next := v.Producer
			if next == nil {
				match = false
				break
			}
			if node.output >= len(next.Outputs) || next.Outputs[node.output] != v {
				match = false
				break
			}
			current = next
			input = node.input
			if current.Type != node.typ {
				match = false
				break
			}
		}
		if match {
			matches = append(matches, op)
		}
	}
	return matches, nil
}

// parsePath parses a '|'-separated path expression into path nodes.
func parsePath(pathexpr string) ([]pathNode, error) {
	var path []pathNode
	for _, part := range strings.Split(pathexpr, "|") {
		if part == "" {
			return nil, fmt.Errorf("flow: empty node in path %q", pathexpr)
		}
		node := pathNode{}
		if colon := strings.Index(part, ":"); colon > 0 {
			if n, err := strconv.Atoi(part[:colon]); err == nil {
				node.input = n
				part = part[colon+1:]
			}
		}
		if colon := strings.LastIndex(part, ":"); colon >= 0 {
			n, err := strconv.Atoi(part[colon+1:])
			if err != nil {
				return nil, fmt.Errorf("flow: malformed path node %q: %w", part, err)
			}
			node.output = n
			part = part[:colon]
		}
		if part == "" {
			return nil, fmt.Errorf("flow: missing operation type in path %q", pathexpr)
		}
		node.typ = part
		path = append(path, node)
	}
	return path, nil
}
