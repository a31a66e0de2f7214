package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loom-ml/loom/internal/store"
)

// ModelsOptions holds flags for the models command.
type ModelsOptions struct {
	*RootOptions
	Database string
	Runs     bool
}

// ModelList is the JSON payload of the models command.
type ModelList struct {
	Models []ModelEntry `json:"models"`
}

// ModelEntry describes one stored model.
type ModelEntry struct {
	Hash    string `json:"hash"`
	Name    string `json:"name"`
	Version int    `json:"version"`
	Size    int    `json:"size"`
	Runs    int    `json:"runs,omitempty"`
}

func (l ModelList) String() string {
	if len(l.Models) == 0 {
		return "no models"
	}
	var b strings.Builder
	for _, m := range l.Models {
		fmt.Fprintf(&b, "%s  %s (v%d, %d bytes", m.Hash[:12], m.Name, m.Version, m.Size)
		if m.Runs > 0 {
			fmt.Fprintf(&b, ", %d runs", m.Runs)
		}
		b.WriteString(")\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewModelsCommand creates the models command.
func NewModelsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ModelsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "models",
		Short:         "List models in the registry",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to registry database (required)")
	cmd.Flags().BoolVar(&opts.Runs, "runs", false, "include run counts")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runModels(opts *ModelsOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	s, err := store.Open(opts.Database)
	if err != nil {
		formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open registry", err)
	}
	defer s.Close()

	ctx := context.Background()
	models, err := s.ListModels(ctx)
	if err != nil {
		formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list models", err)
	}

	list := ModelList{}
	for _, m := range models {
		entry := ModelEntry{
			Hash:    m.Hash,
			Name:    m.Name,
			Version: m.Version,
			Size:    m.Size,
		}
		if opts.Runs {
			runs, err := s.ListRuns(ctx, m.Hash)
			if err != nil {
				formatter.Error(ErrCodeStore, err.Error(), nil)
				return WrapExitError(ExitCommandError, "failed to list runs", err)
			}
			entry.Runs = len(runs)
		}
		list.Models = append(list.Models, entry)
	}

	return formatter.Success(list)
}
