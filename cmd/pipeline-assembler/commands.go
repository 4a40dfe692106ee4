package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"cdpipeline/internal/assembler"
	"cdpipeline/internal/config"
	"cdpipeline/internal/deployment"
	"cdpipeline/internal/pipeline"
	"cdpipeline/internal/revision"
)

type options struct {
	configPath string
	output     string
	revision   string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "pipeline-assembler",
		Short:         "Assemble CD pipeline definitions from configuration",
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if opts.verbose {
				slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug})))
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", config.ConfigPath(), "configuration file")
	root.PersistentFlags().StringVarP(&opts.output, "out", "o", "", "write output to file instead of stdout")
	root.PersistentFlags().StringVar(&opts.revision, "revision", "", "pin the fallback revision instead of asking git")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newAssembleCmd(opts), newDeploymentCmd(opts))
	return root
}

func newAssembleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "assemble",
		Short: "Print the pipeline definition as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			props, err := loadProps(opts.configPath)
			if err != nil {
				return err
			}
			def, err := newAssembler(opts).Pipeline(cmd.Context(), props)
			if err != nil {
				return err
			}
			data, err := pipeline.Encode(def)
			if err != nil {
				return err
			}
			return writeOutput(cmd, opts.output, data)
		},
	}
}

func newDeploymentCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "deployment",
		Short: "Print the standalone deployment, if one applies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			props, err := loadProps(opts.configPath)
			if err != nil {
				return err
			}
			dep, err := deployment.Resolve(cmd.Context(), props.Deployment, lookup(opts))
			if err != nil {
				return err
			}
			if dep == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "standalone deployment skipped: no code location configured")
				return nil
			}
			data, err := json.MarshalIndent(dep, "", "  ")
			if err != nil {
				return err
			}
			return writeOutput(cmd, opts.output, data)
		},
	}
}

func loadProps(path string) (assembler.Props, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return assembler.Props{}, err
	}
	return assembler.PropsFromConfig(cfg), nil
}

func lookup(opts *options) deployment.RevisionLookup {
	if opts.revision != "" {
		return revision.Static(opts.revision)
	}
	return revision.GitLookup{}
}

func newAssembler(opts *options) *assembler.Assembler {
	return assembler.New(lookup(opts), nil)
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" {
		return writeLine(cmd.OutOrStdout(), data)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	slog.Info("Wrote output", "path", path)
	return nil
}

func writeLine(w io.Writer, data []byte) error {
	_, err := fmt.Fprintf(w, "%s\n", data)
	return err
}
