package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loom-ml/loom/internal/cueflow"
	"github.com/loom-ml/loom/internal/flow"
	"github.com/loom-ml/loom/internal/kernels"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string
}

// CompileSummary is the JSON payload of a successful compilation.
type CompileSummary struct {
	Output    string `json:"output"`
	Functions int    `json:"functions"`
	Ops       int    `json:"ops"`
	Vars      int    `json:"vars"`
}

func (s CompileSummary) String() string {
	return fmt.Sprintf("wrote %s (%d functions, %d ops, %d vars)",
		s.Output, s.Functions, s.Ops, s.Vars)
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <dir|file.cue>",
		Short: "Compile a CUE graph to a flow file",
		Long: `Compile a CUE graph definition into an analyzed flow file.

The graph is parsed, transformed, and type-inferred with the standard
kernel library before serialization, so the output is ready to load
and execute.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompileGraph(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "model.flow", "output flow file")

	return cmd
}

func runCompileGraph(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	f, err := cueflow.Load(path)
	if err != nil {
		formatter.Error(ErrCodeCompile, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to compile graph", err)
	}
	formatter.VerboseLog("compiled %s: %d ops, %d vars", path, len(f.Ops()), len(f.Vars()))

	lib := kernels.Standard()
	if !f.Analyze(&lib.Transformations) {
		formatter.Error(ErrCodeAnalyze, "graph analysis left unresolved types", nil)
		return NewExitError(ExitFailure, "graph analysis left unresolved types")
	}

	if err := f.Save(opts.Output, flow.Version); err != nil {
		formatter.Error(ErrCodeCompile, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to write flow file", err)
	}

	return formatter.Success(CompileSummary{
		Output:    opts.Output,
		Functions: len(f.Funcs()),
		Ops:       len(f.Ops()),
		Vars:      len(f.Vars()),
	})
}
