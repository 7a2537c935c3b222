package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ab-resolver/internal/api"
	"github.com/sells-group/ab-resolver/internal/model"
	"github.com/sells-group/ab-resolver/internal/store"
)

var experimentsCmd = &cobra.Command{
	Use:     "experiments",
	Aliases: []string{"exp"},
	Short:   "Manage experiments",
	Long:    "Commands for listing, creating, and changing the status of experiments.",
}

// -- experiments list --

var experimentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments in creation order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		search, _ := cmd.Flags().GetString("search")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		exps, err := st.ListExperiments(ctx, store.ExperimentFilter{
			Status: model.ExperimentStatus(status),
			Search: search,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "experiments list")
		}

		if asJSON {
			return writeJSONOut(os.Stdout, exps)
		}
		if len(exps) == 0 {
			fmt.Fprintln(os.Stderr, "No experiments found.")
			return nil
		}
		formatExperimentsList(os.Stdout, exps)
		return nil
	},
}

// -- experiments show --

var experimentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one experiment as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		exp, err := st.GetExperiment(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "experiments show")
		}
		return writeJSONOut(os.Stdout, exp)
	},
}

// -- experiments create --

var experimentsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an experiment",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		exp, err := experimentFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.CreateExperiment(ctx, exp); err != nil {
			return eris.Wrap(err, "experiments create")
		}
		zap.L().Info("experiment created",
			zap.String("id", exp.ID),
			zap.String("status", string(exp.Status)),
		)
		fmt.Fprintln(os.Stdout, exp.ID)
		return nil
	},
}

// experimentFromFlags builds an experiment from create flags.
func experimentFromFlags(cmd *cobra.Command) (*model.Experiment, error) {
	f := cmd.Flags()
	id, _ := f.GetString("id")
	name, _ := f.GetString("name")
	baseline, _ := f.GetString("baseline")
	test, _ := f.GetString("test")
	status, _ := f.GetString("status")
	preserve, _ := f.GetBool("preserve-params")
	start, _ := f.GetString("start")
	stop, _ := f.GetString("stop")

	if id == "" {
		id = api.NewExperimentID()
	}
	exp := &model.Experiment{
		ID:             id,
		Name:           name,
		BaselineURL:    baseline,
		TestURL:        test,
		Status:         model.ExperimentStatus(status),
		PreserveParams: preserve,
	}
	if f.Changed("allocation") {
		alloc, _ := f.GetFloat64("allocation")
		exp.AllocationB = &alloc
	}
	var err error
	if exp.StartAt, err = parseTimeFlag("start", start); err != nil {
		return nil, err
	}
	if exp.StopAt, err = parseTimeFlag("stop", stop); err != nil {
		return nil, err
	}
	return exp, exp.Validate()
}

func parseTimeFlag(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, eris.Wrapf(err, "--%s must be RFC 3339", name)
	}
	t = t.UTC()
	return &t, nil
}

// -- experiments status --

var experimentsStatusCmd = &cobra.Command{
	Use:   "status <id> <draft|running|paused|stopped>",
	Short: "Change an experiment's status",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		status := model.ExperimentStatus(args[1])
		if !status.Valid() {
			return eris.Errorf("unknown status %q", args[1])
		}

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		exp, err := st.UpdateExperiment(ctx, args[0], model.ExperimentPatch{Status: &status})
		if err != nil {
			return eris.Wrap(err, "experiments status")
		}
		zap.L().Info("experiment status changed",
			zap.String("id", exp.ID),
			zap.String("status", string(exp.Status)),
			zap.Int("version", exp.Version),
		)
		return nil
	},
}

// -- experiments delete --

var experimentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an experiment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.DeleteExperiment(ctx, args[0]); err != nil {
			return eris.Wrap(err, "experiments delete")
		}
		zap.L().Info("experiment deleted", zap.String("id", args[0]))
		return nil
	},
}

func formatExperimentsList(w io.Writer, exps []model.Experiment) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tALLOC_B\tBASELINE\tTEST\tWINDOW")
	for _, e := range exps {
		fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\t%s\n",
			e.ID, e.Status, e.Allocation(), e.BaselineURL, e.TestURL, formatWindow(e.StartAt, e.StopAt))
	}
	tw.Flush() //nolint:errcheck
}

func formatWindow(start, stop *time.Time) string {
	if start == nil && stop == nil {
		return "-"
	}
	fmtT := func(t *time.Time) string {
		if t == nil {
			return "…"
		}
		return t.UTC().Format("2006-01-02 15:04")
	}
	return fmtT(start) + " → " + fmtT(stop)
}

func writeJSONOut(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode json")
}

func init() {
	experimentsListCmd.Flags().String("status", "", "filter by status")
	experimentsListCmd.Flags().String("search", "", "substring match on id or name")
	experimentsListCmd.Flags().Int("limit", 100, "maximum experiments to list")
	experimentsListCmd.Flags().Bool("json", false, "print JSON instead of a table")

	cf := experimentsCreateCmd.Flags()
	cf.String("id", "", "experiment id (default exp_<8 hex>)")
	cf.String("name", "", "display name")
	cf.String("baseline", "", "baseline (A) URL (required)")
	cf.String("test", "", "test (B) URL (required)")
	cf.Float64("allocation", model.DefaultAllocationB, "share of traffic sent to B, 0..1")
	cf.String("status", string(model.StatusDraft), "initial status")
	cf.Bool("preserve-params", true, "carry query string and fragment onto the test URL")
	cf.String("start", "", "start time, RFC 3339")
	cf.String("stop", "", "stop time, RFC 3339")
	_ = experimentsCreateCmd.MarkFlagRequired("baseline")
	_ = experimentsCreateCmd.MarkFlagRequired("test")

	experimentsCmd.AddCommand(experimentsListCmd, experimentsShowCmd, experimentsCreateCmd, experimentsStatusCmd, experimentsDeleteCmd)
	rootCmd.AddCommand(experimentsCmd)
}
