package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loom-ml/loom/internal/flow"
	"github.com/loom-ml/loom/internal/store"
)

// PackOptions holds flags for the pack command.
type PackOptions struct {
	*RootOptions
	Database string
	Name     string
}

// PackSummary is the JSON payload of a pack operation.
type PackSummary struct {
	Hash  string `json:"hash"`
	Name  string `json:"name"`
	Blobs int    `json:"blobs"`
}

func (s PackSummary) String() string {
	return fmt.Sprintf("packed %s as %s (%d blobs)", s.Name, s.Hash, s.Blobs)
}

// NewPackCommand creates the pack command.
func NewPackCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PackOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "pack <model.flow>",
		Short: "Store a flow file in the model registry",
		Long: `Store a flow file in the registry database, content-addressed by
the hash of its graph. Packing the same model twice is a no-op.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPack(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to registry database (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "model name (defaults to the file path)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runPack(opts *PackOptions, path string, cmd *cobra.Command) error {
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

	name := opts.Name
	if name == "" {
		name = path
	}

	s, err := store.Open(opts.Database)
	if err != nil {
		formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open registry", err)
	}
	defer s.Close()

	hash, err := s.SaveModel(context.Background(), name, f)
	if err != nil {
		formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to store model", err)
	}

	return formatter.Success(PackSummary{
		Hash:  hash,
		Name:  name,
		Blobs: len(f.Blobs()),
	})
}
