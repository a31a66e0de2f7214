package kernels

import (
	"github.com/loom-ml/loom/internal/flow"
)

// fuser merges producer/consumer pairs of the given operation types into a
// single combined operation. The intermediate value must have no other
// consumers and must not be a graph input or output.
type fuser struct {
	first    string
	second   string
	combined string
}

func (t fuser) Name() string { return "fuse-" + t.combined }

func (t fuser) Transform(f *flow.Flow) bool {
	changed := false
	for {
		matches, err := f.Find(t.first + "|" + t.second)
		if err != nil {
			return changed
		}
		fused := false
		for _, second := range matches {
			v := second.Inputs[0]
			first := v.Producer
			if first == nil || first.Type != t.first {
				continue
			}
			if len(v.Consumers) != 1 || v.In || v.Out {
				continue
			}
			f.Fuse(first, second, t.combined, false)
			changed = true
			fused = true
			break
		}
		if !fused {
			return changed
		}
	}
}

// eliminator removes identity operations and reshapes that do not change the
// shape of their input.
type eliminator struct{}

func (eliminator) Name() string { return "remove-identity" }

func (eliminator) Transform(f *flow.Flow) bool {
	changed := false
	for {
		var victim *flow.Operation
		for _, op := range f.Ops() {
			if len(op.Outputs) != 1 {
				continue
			}
			switch op.Type {
			case "Identity":
				if len(op.Inputs) != 1 {
					continue
				}
			case "Reshape":
				if len(op.Inputs) != 2 {
					continue
				}
				in := op.Inputs[0]
				out := op.Outputs[0]
				if !in.Shape.Defined() || !out.Shape.Defined() || !in.Shape.Equal(out.Shape) {
					continue
				}
			default:
				continue
			}
			if op.Inputs[0].Data != nil {
				continue
			}
			victim = op
			break
		}
		if victim == nil {
			return changed
		}
		if victim.Type == "Reshape" {
			victim.RemoveInput(victim.Inputs[1])
		}
		f.Eliminate(victim)
		changed = true
	}
}
