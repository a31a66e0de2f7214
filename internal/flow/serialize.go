package flow

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Flow file format constants. Files are little-endian with length-prefixed
// strings (4-byte length + raw bytes) and 8-byte payload sizes.
const (
	// Magic reads as "flow" in the file header.
	Magic = 0x776f6c66

	// MinVersion and Version bound the supported flow file versions. Blobs
	// are only present from version 4.
	MinVersion = 3
	Version    = 4
)

// parser decodes a flow file from an in-memory buffer.
type parser struct {
	data []byte
	pos  int
}

func (p *parser) get(n int) ([]byte, error) {
	if n < 0 || p.pos+n > len(p.data) {
		return nil, fmt.Errorf("flow: unexpected end of input at offset %d", p.pos)
	}
	b := p.data[p.pos : p.pos+n]
	p.pos += n
	return b, nil
}

func (p *parser) getInt() (int, error) {
	b, err := p.get(4)
	if err != nil {
		return 0, err
	}
	return int(int32(binary.LittleEndian.Uint32(b))), nil
}

func (p *parser) getLong() (uint64, error) {
	b, err := p.get(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (p *parser) getString() (string, error) {
	n, err := p.getInt()
	if err != nil {
		return "", err
	}
	b, err := p.get(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Read parses a serialized flow from data into the flow. Dynamic dimensions
// (-1) are substituted with the configured BatchSize. Malformed input is a
// fatal load error.
func (f *Flow) Read(data []byte) error {
	p := &parser{data: data}

	magic, err := p.getInt()
	if err != nil {
		return err
	}
	if uint32(magic) != Magic {
		return fmt.Errorf("flow: not a flow file (magic %#x)", uint32(magic))
	}
	version, err := p.getInt()
	if err != nil {
		return err
	}
	if version < MinVersion || version > Version {
		return fmt.Errorf("flow: unsupported flow file version %d", version)
	}

	numVars, err := p.getInt()
	if err != nil {
		return err
	}
	for i := 0; i < numVars; i++ {
		v := &Variable{}
		f.vars = append(f.vars, v)

		if v.Name, err = p.getString(); err != nil {
			return err
		}

		numAliases, err := p.getInt()
		if err != nil {
			return err
		}
		for j := 0; j < numAliases; j++ {
			alias, err := p.getString()
			if err != nil {
				return err
			}
			v.Aliases = append(v.Aliases, alias)
		}

		typename, err := p.getString()
		if err != nil {
			return err
		}
		if typename != "" {
			if strings.HasPrefix(typename, "&") {
				v.Ref = true
				typename = typename[1:]
			}
			typ, ok := TypeByName(typename)
			if !ok {
				return fmt.Errorf("flow: unknown type %q for variable %s", typename, v.Name)
			}
			v.Type = typ
		}

		rank, err := p.getInt()
		if err != nil {
			return err
		}
		v.Shape = Dims()
		for d := 0; d < rank; d++ {
			size, err := p.getInt()
			if err != nil {
				return err
			}
			if size == -1 {
				size = f.BatchSize
			}
			v.Shape.Add(size)
		}

		size, err := p.getLong()
		if err != nil {
			return err
		}
		if size > 0 {
			data, err := p.get(int(size))
			if err != nil {
				return err
			}
			v.Data = data
		}
	}

	numOps, err := p.getInt()
	if err != nil {
		return err
	}
	for i := 0; i < numOps; i++ {
		op := &Operation{Priority: priorityDefault}
		f.ops = append(f.ops, op)

		if op.Name, err = p.getString(); err != nil {
			return err
		}
		if op.Type, err = p.getString(); err != nil {
			return err
		}

		numInputs, err := p.getInt()
		if err != nil {
			return err
		}
		for j := 0; j < numInputs; j++ {
			name, err := p.getString()
			if err != nil {
				return err
			}
			v := f.Var(name)
			if v == nil {
				return fmt.Errorf("flow: unknown input %q for operation %s", name, op.Name)
			}
			op.AddInput(v)
		}

		numOutputs, err := p.getInt()
		if err != nil {
			return err
		}
		for j := 0; j < numOutputs; j++ {
			name, err := p.getString()
			if err != nil {
				return err
			}
			v := f.Var(name)
			if v == nil {
				return fmt.Errorf("flow: unknown output %q for operation %s", name, op.Name)
			}
			op.AddOutput(v)
			v.AddAlias(op.Name)
		}

		numAttrs, err := p.getInt()
		if err != nil {
			return err
		}
		for j := 0; j < numAttrs; j++ {
			name, err := p.getString()
			if err != nil {
				return err
			}
			value, err := p.getString()
			if err != nil {
				return err
			}
			op.SetAttr(name, value)
			if name == "task" {
				task, err := strconv.Atoi(value)
				if err != nil {
					return fmt.Errorf("flow: invalid task id %q for operation %s", value, op.Name)
				}
				op.Task = task
			}
		}
	}

	numFuncs, err := p.getInt()
	if err != nil {
		return err
	}
	for i := 0; i < numFuncs; i++ {
		name, err := p.getString()
		if err != nil {
			return err
		}
		fn := f.AddFunction(name)

		numOps, err := p.getInt()
		if err != nil {
			return err
		}
		for j := 0; j < numOps; j++ {
			opname, err := p.getString()
			if err != nil {
				return err
			}
			op := f.Op(opname)
			if op == nil {
				return fmt.Errorf("flow: unknown operation %q in function %s", opname, name)
			}
			fn.AddOperation(op)
		}
	}

	numCnxs, err := p.getInt()
	if err != nil {
		return err
	}
	for i := 0; i < numCnxs; i++ {
		name, err := p.getString()
		if err != nil {
			return err
		}
		cnx := f.AddConnector(name)

		numLinks, err := p.getInt()
		if err != nil {
			return err
		}
		for j := 0; j < numLinks; j++ {
			varname, err := p.getString()
			if err != nil {
				return err
			}
			v := f.Var(varname)
			if v == nil {
				return fmt.Errorf("flow: unknown variable %q in connector %s", varname, name)
			}
			cnx.AddLink(v)
		}
	}

	if version >= 4 {
		numBlobs, err := p.getInt()
		if err != nil {
			return err
		}
		for i := 0; i < numBlobs; i++ {
			name, err := p.getString()
			if err != nil {
				return err
			}
			typ, err := p.getString()
			if err != nil {
				return err
			}
			blob := f.AddBlob(name, typ)

			numAttrs, err := p.getInt()
			if err != nil {
				return err
			}
			for j := 0; j < numAttrs; j++ {
				aname, err := p.getString()
				if err != nil {
					return err
				}
				avalue, err := p.getString()
				if err != nil {
					return err
				}
				blob.Attrs.Set(aname, avalue)
			}

			size, err := p.getLong()
			if err != nil {
				return err
			}
			if size > 0 {
				data, err := p.get(int(size))
				if err != nil {
					return err
				}
				blob.Data = data
			}
		}
	}

	return nil
}

// writer encodes a flow file to an io.Writer.
type writer struct {
	w   io.Writer
	err error
}

func (w *writer) write(b []byte) {
	if w.err == nil {
		_, w.err = w.w.Write(b)
	}
}

func (w *writer) writeInt(n int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(int32(n)))
	w.write(b[:])
}

func (w *writer) writeLong(n uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], n)
	w.write(b[:])
}

func (w *writer) writeString(s string) {
	w.writeInt(len(s))
	w.write([]byte(s))
}

// Write serializes the flow to out at the given file version. The write path
// mirrors the read path exactly so that a round trip reproduces a
// structurally equal flow.
func (f *Flow) Write(out io.Writer, version int) error {
	if version < MinVersion || version > Version {
		return fmt.Errorf("flow: cannot write flow file version %d", version)
	}
	w := &writer{w: out}

	w.writeInt(int(int32(Magic)))
	w.writeInt(version)

	w.writeInt(len(f.vars))
	for _, v := range f.vars {
		w.writeString(v.Name)

		w.writeInt(len(v.Aliases))
		for _, alias := range v.Aliases {
			w.writeString(alias)
		}

		if v.Ref {
			w.writeString("&" + v.Type.String())
		} else {
			w.writeString(v.Type.String())
		}

		w.writeInt(v.Shape.Rank())
		for d := 0; d < v.Shape.Rank(); d++ {
			w.writeInt(v.Shape.Dim(d))
		}

		w.writeLong(uint64(len(v.Data)))
		w.write(v.Data)
	}

	w.writeInt(len(f.ops))
	for _, op := range f.ops {
		w.writeString(op.Name)
		w.writeString(op.Type)

		w.writeInt(len(op.Inputs))
		for _, input := range op.Inputs {
			w.writeString(input.Name)
		}

		w.writeInt(len(op.Outputs))
		for _, output := range op.Outputs {
			w.writeString(output.Name)
		}

		w.writeInt(len(op.Attrs))
		for _, attr := range op.Attrs {
			w.writeString(attr.Name)
			w.writeString(attr.Value)
		}
	}

	w.writeInt(len(f.funcs))
	for _, fn := range f.funcs {
		w.writeString(fn.Name)
		w.writeInt(len(fn.Ops))
		for _, op := range fn.Ops {
			w.writeString(op.Name)
		}
	}

	w.writeInt(len(f.cnxs))
	for _, cnx := range f.cnxs {
		w.writeString(cnx.Name)
		w.writeInt(len(cnx.Links))
		for _, link := range cnx.Links {
			w.writeString(link.Name)
		}
	}

	if version >= 4 {
		w.writeInt(len(f.blobs))
		for _, blob := range f.blobs {
			w.writeString(blob.Name)
			w.writeString(blob.Type)
			w.writeInt(len(blob.Attrs))
			for _, attr := range blob.Attrs {
				w.writeString(attr.Name)
				w.writeString(attr.Value)
			}
			w.writeLong(uint64(len(blob.Data)))
			w.write(blob.Data)
		}
	}

	return w.err
}

// Marshal serializes the flow at the current file version.
func (f *Flow) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := f.Write(&buf, Version); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load reads and parses a flow file from disk.
func Load(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("flow: load %s: %w", path, err)
	}
	f := New()
	if err := f.Read(data); err != nil {
		return nil, fmt.Errorf("flow: load %s: %w", path, err)
	}
	return f, nil
}

// Save writes the flow to disk at the given file version.
func (f *Flow) Save(path string, version int) error {
	var buf bytes.Buffer
	if err := f.Write(&buf, version); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("flow: save %s: %w", path, err)
	}
	return nil
}
