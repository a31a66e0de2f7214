// Package cueflow compiles CUE graph definitions into flows. A graph is a
// struct with var, const, op, func, connector, and blob sections; operation
// outputs that are not declared are created with types and shapes left for
// inference.
package cueflow

import (
	"encoding/binary"
	"fmt"
	"math"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/loom-ml/loom/internal/flow"
)

// CompileError is a graph compilation error with CUE position info.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}
	return firstErr
}

// CompileFlow parses a CUE value into a flow. The value must contain a
// graph struct, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`graph: { var: x: {...}, op: mm: {...} }`)
//	f, err := CompileFlow(v)
func CompileFlow(v cue.Value) (*flow.Flow, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	graph := v.LookupPath(cue.ParsePath("graph"))
	if !graph.Exists() {
		return nil, &CompileError{
			Field:   "graph",
			Message: "graph is required",
			Pos:     v.Pos(),
		}
	}

	f := flow.New()

	if err := parseFuncs(graph, f); err != nil {
		return nil, err
	}
	if err := parseVars(graph, f); err != nil {
		return nil, err
	}
	if err := parseConsts(graph, f); err != nil {
		return nil, err
	}
	if err := parseOps(graph, f); err != nil {
		return nil, err
	}
	if err := parseConnectors(graph, f); err != nil {
		return nil, err
	}
	if err := parseBlobs(graph, f); err != nil {
		return nil, err
	}

	return f, nil
}

func parseFuncs(graph cue.Value, f *flow.Flow) error {
	funcs := graph.LookupPath(cue.ParsePath("func"))
	if !funcs.Exists() {
		return nil
	}
	iter, err := funcs.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		f.AddFunction(iter.Label())
	}
	return nil
}

func parseVars(graph cue.Value, f *flow.Flow) error {
	vars := graph.LookupPath(cue.ParsePath("var"))
	if !vars.Exists() {
		return nil
	}
	iter, err := vars.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		spec := iter.Value()

		typ, shape, err := parseFormat(name, spec)
		if err != nil {
			return err
		}
		v := f.AddVariable(name, typ, shape)
		if v.In, err = boolField(spec, "in"); err != nil {
			return err
		}
		if v.Out, err = boolField(spec, "out"); err != nil {
			return err
		}
		if v.Ref, err = boolField(spec, "ref"); err != nil {
			return err
		}
	}
	return nil
}

func parseConsts(graph cue.Value, f *flow.Flow) error {
	consts := graph.LookupPath(cue.ParsePath("const"))
	if !consts.Exists() {
		return nil
	}
	iter, err := consts.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		spec := iter.Value()

		typ, shape, err := parseFormat(name, spec)
		if err != nil {
			return err
		}
		if typ == flow.Invalid {
			return &CompileError{
				Field:   "const." + name,
				Message: "constant requires a type",
				Pos:     spec.Pos(),
			}
		}
		if shape.Missing() {
			return &CompileError{
				Field:   "const." + name,
				Message: "constant requires a shape",
				Pos:     spec.Pos(),
			}
		}
		data, err := parseValues(name, spec, typ, shape)
		if err != nil {
			return err
		}
		f.AddConstant(name, typ, shape, data)
	}
	return nil
}

func parseOps(graph cue.Value, f *flow.Flow) error {
	ops := graph.LookupPath(cue.ParsePath("op"))
	if !ops.Exists() {
		return nil
	}
	iter, err := ops.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		spec := iter.Value()

		typVal := spec.LookupPath(cue.ParsePath("type"))
		if !typVal.Exists() {
			return &CompileError{
				Field:   "op." + name,
				Message: "operation type is required",
				Pos:     spec.Pos(),
			}
		}
		typ, err := typVal.String()
		if err != nil {
			return formatCUEError(err)
		}

		fn, err := opFunction(graph, f, name, spec)
		if err != nil {
			return err
		}

		op := f.AddOperation(fn, name, typ)

		inputs, err := stringList(spec, "inputs")
		if err != nil {
			return err
		}
		for _, in := range inputs {
			v := f.Var(in)
			if v == nil {
				return &CompileError{
					Field:   "op." + name,
					Message: fmt.Sprintf("unknown input %q", in),
					Pos:     spec.Pos(),
				}
			}
			op.AddInput(v)
		}

		outputs, err := stringList(spec, "outputs")
		if err != nil {
			return err
		}
		for _, out := range outputs {
			v := f.Var(out)
			if v == nil {
				v = f.AddVariable(out, flow.Invalid, flow.Shape{})
			}
			if v.Producer != nil {
				return &CompileError{
					Field:   "op." + name,
					Message: fmt.Sprintf("output %q already has a producer", out),
					Pos:     spec.Pos(),
				}
			}
			op.AddOutput(v)
		}

		if err := parseAttrs(op, spec); err != nil {
			return err
		}
		task := spec.LookupPath(cue.ParsePath("task"))
		if task.Exists() {
			id, err := task.Int64()
			if err != nil {
				return formatCUEError(err)
			}
			op.Task = int(id)
		}
	}
	return nil
}

// opFunction resolves the function an operation belongs to. A single-function
// graph may leave the func field implicit.
func opFunction(graph cue.Value, f *flow.Flow, name string, spec cue.Value) (*flow.Function, error) {
	fnVal := spec.LookupPath(cue.ParsePath("func"))
	if fnVal.Exists() {
		fnName, err := fnVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		fn := f.Func(fnName)
		if fn == nil {
			fn = f.AddFunction(fnName)
		}
		return fn, nil
	}
	if len(f.Funcs()) == 1 {
		return f.Funcs()[0], nil
	}
	return nil, &CompileError{
		Field:   "op." + name,
		Message: "operation must name a function",
		Pos:     spec.Pos(),
	}
}

func parseAttrs(op *flow.Operation, spec cue.Value) error {
	attrs := spec.LookupPath(cue.ParsePath("attrs"))
	if !attrs.Exists() {
		return nil
	}
	iter, err := attrs.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		val := iter.Value()
		var str string
		if s, err := val.String(); err == nil {
			str = s
		} else if b, err := val.Bool(); err == nil {
			str = fmt.Sprintf("%v", b)
		} else if n, err := val.Int64(); err == nil {
			str = fmt.Sprintf("%d", n)
		} else if x, err := val.Float64(); err == nil {
			str = fmt.Sprintf("%g", x)
		} else {
			return &CompileError{
				Field:   "op." + op.Name,
				Message: fmt.Sprintf("unsupported attribute value for %q", iter.Label()),
				Pos:     val.Pos(),
			}
		}
		op.SetAttr(iter.Label(), str)
	}
	return nil
}

func parseConnectors(graph cue.Value, f *flow.Flow) error {
	cnxs := graph.LookupPath(cue.ParsePath("connector"))
	if !cnxs.Exists() {
		return nil
	}
	iter, err := cnxs.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		cnx := f.AddConnector(name)
		links, err := stringList(iter.Value(), "links")
		if err != nil {
			return err
		}
		for _, link := range links {
			v := f.Var(link)
			if v == nil {
				return &CompileError{
					Field:   "connector." + name,
					Message: fmt.Sprintf("unknown link %q", link),
					Pos:     iter.Value().Pos(),
				}
			}
			cnx.AddLink(v)
		}
	}
	return nil
}

func parseBlobs(graph cue.Value, f *flow.Flow) error {
	blobs := graph.LookupPath(cue.ParsePath("blob"))
	if !blobs.Exists() {
		return nil
	}
	iter, err := blobs.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		spec := iter.Value()
		typ := ""
		typVal := spec.LookupPath(cue.ParsePath("type"))
		if typVal.Exists() {
			t, err := typVal.String()
			if err != nil {
				return formatCUEError(err)
			}
			typ = t
		}
		blob := f.AddBlob(name, typ)
		dataVal := spec.LookupPath(cue.ParsePath("data"))
		if dataVal.Exists() {
			data, err := dataVal.Bytes()
			if err != nil {
				return formatCUEError(err)
			}
			blob.Data = data
		}
	}
	return nil
}

// parseFormat reads the optional type and shape fields of a tensor spec.
func parseFormat(name string, spec cue.Value) (flow.Type, flow.Shape, error) {
	typ := flow.Invalid
	typVal := spec.LookupPath(cue.ParsePath("type"))
	if typVal.Exists() {
		s, err := typVal.String()
		if err != nil {
			return flow.Invalid, flow.Shape{}, formatCUEError(err)
		}
		t, ok := flow.TypeByName(s)
		if !ok {
			return flow.Invalid, flow.Shape{}, &CompileError{
				Field:   name,
				Message: fmt.Sprintf("unknown type %q", s),
				Pos:     typVal.Pos(),
			}
		}
		typ = t
	}

	shape := flow.Shape{}
	shapeVal := spec.LookupPath(cue.ParsePath("shape"))
	if shapeVal.Exists() {
		list, err := shapeVal.List()
		if err != nil {
			return flow.Invalid, flow.Shape{}, formatCUEError(err)
		}
		var dims []int
		for list.Next() {
			d, err := list.Value().Int64()
			if err != nil {
				return flow.Invalid, flow.Shape{}, formatCUEError(err)
			}
			dims = append(dims, int(d))
		}
		shape = flow.Dims(dims...)
	}
	return typ, shape, nil
}

// parseValues encodes the values field of a constant into little-endian
// element bytes.
func parseValues(name string, spec cue.Value, typ flow.Type, shape flow.Shape) ([]byte, error) {
	valuesVal := spec.LookupPath(cue.ParsePath("values"))
	if !valuesVal.Exists() {
		return nil, &CompileError{
			Field:   "const." + name,
			Message: "constant requires values",
			Pos:     spec.Pos(),
		}
	}
	list, err := valuesVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var data []byte
	count := 0
	for list.Next() {
		count++
		switch typ {
		case flow.Float32:
			x, err := list.Value().Float64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(float32(x)))
		case flow.Float64:
			x, err := list.Value().Float64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			data = binary.LittleEndian.AppendUint64(data, math.Float64bits(x))
		case flow.Int32:
			n, err := list.Value().Int64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			data = binary.LittleEndian.AppendUint32(data, uint32(int32(n)))
		case flow.Int64:
			n, err := list.Value().Int64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			data = binary.LittleEndian.AppendUint64(data, uint64(n))
		default:
			return nil, &CompileError{
				Field:   "const." + name,
				Message: fmt.Sprintf("unsupported constant type %s", typ),
				Pos:     spec.Pos(),
			}
		}
	}
	if count != shape.Elements() {
		return nil, &CompileError{
			Field:   "const." + name,
			Message: fmt.Sprintf("expected %d values, got %d", shape.Elements(), count),
			Pos:     valuesVal.Pos(),
		}
	}
	return data, nil
}

func boolField(spec cue.Value, field string) (bool, error) {
	v := spec.LookupPath(cue.ParsePath(field))
	if !v.Exists() {
		return false, nil
	}
	b, err := v.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func stringList(spec cue.Value, field string) ([]string, error) {
	v := spec.LookupPath(cue.ParsePath(field))
	if !v.Exists() {
		return nil, nil
	}
	list, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for list.Next() {
		s, err := list.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}
