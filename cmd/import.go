package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ab-resolver/internal/model"
	"github.com/sells-group/ab-resolver/internal/store"
)

var importDryRun bool

var importCmd = &cobra.Command{
	Use:   "import <experiments.yaml>",
	Short: "Create or update experiments from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		exps, err := readExperimentsFile(args[0])
		if err != nil {
			return err
		}

		if importDryRun {
			formatExperimentsList(os.Stdout, exps)
			fmt.Fprintf(os.Stderr, "%d experiments valid, nothing written (dry run)\n", len(exps))
			return nil
		}

		st, err := initStore(ctx, "import")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := store.Import(ctx, st, exps)
		if err != nil {
			return eris.Wrap(err, "import experiments")
		}

		zap.L().Info("import complete",
			zap.Int64("upserted", n),
			zap.String("file", args[0]),
		)
		return nil
	},
}

func readExperimentsFile(path string) ([]model.Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	exps, err := store.ParseExperimentsFile(data)
	if err != nil {
		return nil, eris.Wrapf(err, "parse %s", path)
	}
	return exps, nil
}

func init() {
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "validate and print the file without writing")
	rootCmd.AddCommand(importCmd)
}
