// Package harness runs declarative model scenarios. A scenario names a graph
// file, the input tensors to feed, and the output values to expect; running
// it exercises the full pipeline from graph loading through analysis,
// compilation, and execution.
package harness

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loom-ml/loom/internal/cueflow"
	"github.com/loom-ml/loom/internal/flow"
	"github.com/loom-ml/loom/internal/kernels"
	"github.com/loom-ml/loom/internal/network"
)

// defaultTolerance bounds the absolute error of expected output values.
const defaultTolerance = 1e-5

// Scenario defines an end-to-end model test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description,omitempty"`

	// Graph is the path to a .cue graph or serialized .flow file,
	// relative to the scenario file location.
	Graph string `yaml:"graph"`

	// Cell selects the cell to execute. Defaults to the only cell.
	Cell string `yaml:"cell,omitempty"`

	// Inputs maps input tensor names to flat row-major values.
	Inputs map[string][]float32 `yaml:"inputs"`

	// Expect lists output values to verify after execution.
	Expect []Expectation `yaml:"expect"`

	dir string
}

// Expectation specifies expected values for one output tensor.
type Expectation struct {
	Tensor    string    `yaml:"tensor"`
	Values    []float32 `yaml:"values"`
	Tolerance float64   `yaml:"tolerance,omitempty"`
}

// Result captures the outcome of a scenario execution.
type Result struct {
	Cell    string
	Kernels []string
	Outputs map[string][]float32
}

// LoadScenario reads a scenario from a YAML file. Graph paths resolve
// relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("harness: reading scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("harness: parsing scenario %s: %w", path, err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("harness: scenario %s has no name", path)
	}
	if s.Graph == "" {
		return nil, fmt.Errorf("harness: scenario %s has no graph", path)
	}
	s.dir = filepath.Dir(path)
	return &s, nil
}

// LoadScenarios reads all scenario files in a directory, sorted by name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("harness: scanning %s: %w", dir, err)
	}
	var scenarios []*Scenario
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		s, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	sort.Slice(scenarios, func(i, j int) bool {
		return scenarios[i].Name < scenarios[j].Name
	})
	return scenarios, nil
}

// Run executes a scenario and verifies its expectations.
func Run(s *Scenario) (*Result, error) {
	f, err := loadGraph(s.graphPath())
	if err != nil {
		return nil, err
	}

	lib := kernels.Standard()
	if !f.Analyze(&lib.Transformations) {
		return nil, fmt.Errorf("harness: %s: graph analysis left unresolved types", s.Name)
	}

	n := network.NewNetwork()
	if err := n.Compile(f, lib); err != nil {
		return nil, fmt.Errorf("harness: %s: %w", s.Name, err)
	}

	cell, err := selectCell(n, s.Cell)
	if err != nil {
		return nil, fmt.Errorf("harness: %s: %w", s.Name, err)
	}

	inst := network.NewInstance(cell)
	defer inst.Free()

	for name, values := range s.Inputs {
		param := cell.GetParameter(name)
		if param == nil {
			return nil, fmt.Errorf("harness: %s: unknown input tensor %q", s.Name, name)
		}
		if param.Elements() != len(values) {
			return nil, fmt.Errorf("harness: %s: input %q expects %d values, got %d",
				s.Name, name, param.Elements(), len(values))
		}
		inst.SetTensorFloat32(param, values)
	}

	inst.Compute()

	result := &Result{
		Cell:    cell.Name(),
		Outputs: make(map[string][]float32),
	}
	for _, step := range cell.Steps() {
		result.Kernels = append(result.Kernels, step.Kernel().Name())
	}

	for _, expect := range s.Expect {
		param := cell.GetParameter(expect.Tensor)
		if param == nil {
			return nil, fmt.Errorf("harness: %s: unknown output tensor %q", s.Name, expect.Tensor)
		}
		got := inst.TensorFloat32(param)
		result.Outputs[expect.Tensor] = got

		if len(got) != len(expect.Values) {
			return nil, fmt.Errorf("harness: %s: output %q has %d values, expected %d",
				s.Name, expect.Tensor, len(got), len(expect.Values))
		}
		tolerance := expect.Tolerance
		if tolerance == 0 {
			tolerance = defaultTolerance
		}
		for i, want := range expect.Values {
			if math.Abs(float64(got[i]-want)) > tolerance {
				return nil, fmt.Errorf("harness: %s: output %q[%d] = %g, expected %g (tolerance %g)",
					s.Name, expect.Tensor, i, got[i], want, tolerance)
			}
		}
	}

	return result, nil
}

func (s *Scenario) graphPath() string {
	if filepath.IsAbs(s.Graph) {
		return s.Graph
	}
	return filepath.Join(s.dir, s.Graph)
}

// loadGraph reads a graph from a CUE source or a serialized flow file.
func loadGraph(path string) (*flow.Flow, error) {
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return cueflow.LoadDir(path)
	}
	if strings.HasSuffix(path, ".cue") {
		return cueflow.Load(path)
	}
	return flow.Load(path)
}

// selectCell resolves the cell a scenario runs. An empty name requires the
// network to have exactly one cell.
func selectCell(n *network.Network, name string) (*network.Cell, error) {
	if name != "" {
		cell := n.Cell(name)
		if cell == nil {
			return nil, fmt.Errorf("unknown cell %q", name)
		}
		return cell, nil
	}
	cells := n.Cells()
	if len(cells) != 1 {
		return nil, fmt.Errorf("network has %d cells, scenario must name one", len(cells))
	}
	return cells[0], nil
}
