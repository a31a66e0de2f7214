package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loom-ml/loom/internal/flow"
	"github.com/loom-ml/loom/internal/kernels"
	"github.com/loom-ml/loom/internal/network"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Compiled bool
}

// InspectReport is the JSON payload of an inspection.
type InspectReport struct {
	Graph string         `json:"graph"`
	Cells []InspectCell  `json:"cells,omitempty"`
	Blobs map[string]int `json:"blobs,omitempty"`
}

// InspectCell summarizes a compiled cell.
type InspectCell struct {
	Name         string `json:"name"`
	Steps        int    `json:"steps"`
	Tasks        int    `json:"tasks"`
	InstanceSize int    `json:"instance_size"`
}

func (r InspectReport) String() string {
	var b strings.Builder
	b.WriteString(r.Graph)
	for _, cell := range r.Cells {
		fmt.Fprintf(&b, "cell %s: %d steps, %d tasks, %d instance bytes\n",
			cell.Name, cell.Steps, cell.Tasks, cell.InstanceSize)
	}
	for name, size := range r.Blobs {
		fmt.Fprintf(&b, "blob %s: %d bytes\n", name, size)
	}
	return b.String()
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <model.flow>",
		Short: "Print the contents of a flow file",
		Long: `Print the graph of a flow file and, with --compiled, the cells
it compiles into with their step counts and instance sizes.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Compiled, "compiled", false, "compile and report cell layouts")

	return cmd
}

func runInspect(opts *InspectOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	f, err := flow.Load(path)
	if err != nil {
		formatter.Error(ErrCodeNotFound, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load flow file", err)
	}

	report := InspectReport{Graph: f.String()}
	if len(f.Blobs()) > 0 {
		report.Blobs = make(map[string]int)
		for _, blob := range f.Blobs() {
			report.Blobs[blob.Name] = len(blob.Data)
		}
	}

	if opts.Compiled {
		lib := kernels.Standard()
		if !f.Analyze(&lib.Transformations) {
			formatter.Error(ErrCodeAnalyze, "graph analysis left unresolved types", nil)
			return NewExitError(ExitFailure, "graph analysis left unresolved types")
		}
		n := network.NewNetwork()
		if err := n.Compile(f, lib); err != nil {
			formatter.Error(ErrCodeCompile, err.Error(), nil)
			return WrapExitError(ExitFailure, "failed to compile network", err)
		}
		for _, cell := range n.Cells() {
			report.Cells = append(report.Cells, InspectCell{
				Name:         cell.Name(),
				Steps:        len(cell.Steps()),
				Tasks:        len(cell.Tasks()),
				InstanceSize: cell.InstanceSize(),
			})
		}
	}

	return formatter.Success(report)
}
