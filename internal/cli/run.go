package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loom-ml/loom/internal/flow"
	"github.com/loom-ml/loom/internal/kernels"
	"github.com/loom-ml/loom/internal/network"
	"github.com/loom-ml/loom/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Inputs   string
	Cell     string
	Database string
	Profile  bool
}

// RunReport is the JSON payload of an execution.
type RunReport struct {
	Cell    string               `json:"cell"`
	Outputs map[string][]float32 `json:"outputs"`
	Elapsed int64                `json:"elapsed_ns"`
	RunID   string               `json:"run_id,omitempty"`
}

func (r RunReport) String() string {
	var b strings.Builder
	names := make([]string, 0, len(r.Outputs))
	for name := range r.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s = %v\n", name, r.Outputs[name])
	}
	fmt.Fprintf(&b, "elapsed: %s", time.Duration(r.Elapsed))
	if r.RunID != "" {
		fmt.Fprintf(&b, "\nrun: %s", r.RunID)
	}
	return b.String()
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <model.flow>",
		Short: "Execute a compiled model",
		Long: `Compile a flow file into a network and execute one cell.

Input tensors are read from a YAML file mapping tensor names to flat
row-major values. With --db the run is recorded in the registry.

Example:
  loom run model.flow --inputs in.yaml
  loom run model.flow --inputs in.yaml --cell forward --db registry.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModel(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Inputs, "inputs", "", "YAML file with input tensor values")
	cmd.Flags().StringVar(&opts.Cell, "cell", "", "cell to execute (defaults to the only cell)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "registry database to record the run in")
	cmd.Flags().BoolVar(&opts.Profile, "profile", false, "collect per-step timing")

	return cmd
}

func runModel(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	logLevel := slog.LevelWarn
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel,
	})))

	f, err := flow.Load(path)
	if err != nil {
		formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load flow file", err)
	}

	inputs, err := loadInputs(opts.Inputs)
	if err != nil {
		formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load inputs", err)
	}

	lib := kernels.Standard()
	if !f.Analyze(&lib.Transformations) {
		formatter.Error(ErrCodeAnalyze, "graph analysis left unresolved types", nil)
		return NewExitError(ExitFailure, "graph analysis left unresolved types")
	}

	n := network.NewNetwork()
	n.Options().Profiling = opts.Profile
	if err := n.Compile(f, lib); err != nil {
		formatter.Error(ErrCodeCompile, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to compile network", err)
	}

	cell, err := pickCell(n, opts.Cell)
	if err != nil {
		formatter.Error(ErrCodeExecute, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to select cell", err)
	}

	inst := network.NewInstance(cell)
	defer inst.Free()

	for name, values := range inputs {
		param := cell.GetParameter(name)
		if param == nil {
			err := fmt.Errorf("unknown input tensor %q", name)
			formatter.Error(ErrCodeExecute, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to bind inputs", err)
		}
		inst.SetTensorFloat32(param, values)
	}

	start := time.Now()
	inst.Compute()
	elapsed := time.Since(start)

	report := RunReport{
		Cell:    cell.Name(),
		Outputs: make(map[string][]float32),
		Elapsed: elapsed.Nanoseconds(),
	}
	for _, t := range n.Parameters() {
		if t.Cell() == cell && t.Out() {
			report.Outputs[t.Name()] = inst.TensorFloat32(t)
		}
	}

	if opts.Database != "" {
		report.RunID, err = recordRun(opts.Database, f, cell, elapsed)
		if err != nil {
			formatter.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to record run", err)
		}
	}

	return formatter.Success(report)
}

// loadInputs reads a YAML map of tensor names to flat values.
func loadInputs(path string) (map[string][]float32, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	inputs := make(map[string][]float32)
	if err := yaml.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return inputs, nil
}

// pickCell resolves the cell to execute. An empty name requires the network
// to have exactly one cell.
func pickCell(n *network.Network, name string) (*network.Cell, error) {
	if name != "" {
		cell := n.Cell(name)
		if cell == nil {
			return nil, fmt.Errorf("unknown cell %q", name)
		}
		return cell, nil
	}
	cells := n.Cells()
	if len(cells) != 1 {
		return nil, fmt.Errorf("network has %d cells, use --cell to pick one", len(cells))
	}
	return cells[0], nil
}

// recordRun persists the execution in the registry, registering the model
// first so the run references a stored hash.
func recordRun(dbPath string, f *flow.Flow, cell *network.Cell, elapsed time.Duration) (string, error) {
	s, err := store.Open(dbPath)
	if err != nil {
		return "", err
	}
	defer s.Close()

	ctx := context.Background()
	hash, err := s.SaveModel(ctx, cell.Name(), f)
	if err != nil {
		return "", err
	}
	return s.RecordRun(ctx, hash, cell.Name(), len(cell.Steps()), elapsed)
}
