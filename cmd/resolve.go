package main

import (
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ab-resolver/internal/experiment"
	"github.com/sells-group/ab-resolver/internal/model"
	"github.com/sells-group/ab-resolver/internal/store"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve one URL against the running experiments and print the result",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f := cmd.Flags()
		req := experiment.Request{}
		req.URL, _ = f.GetString("url")
		req.ClientID, _ = f.GetString("cid")
		req.ForcedVariant, _ = f.GetString("force")
		req.ExistingVariant, _ = f.GetString("existing")
		if req.URL == "" {
			return eris.New("--url is required")
		}
		if req.ClientID == "" {
			req.ClientID = uuid.NewString()
		}

		st, err := initStore(ctx, "store")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		running, err := st.ListExperiments(ctx, store.ExperimentFilter{Status: model.StatusRunning})
		if err != nil {
			return eris.Wrap(err, "resolve: list running experiments")
		}

		return writeJSONOut(os.Stdout, experiment.Resolve(req, running, time.Now().UTC()))
	},
}

func init() {
	f := resolveCmd.Flags()
	f.String("url", "", "visitor page URL (required)")
	f.String("cid", "", "client id used as the assignment seed (default random)")
	f.String("force", "", "forced variant, A or B")
	f.String("existing", "", "variant previously recorded for the visitor")
	rootCmd.AddCommand(resolveCmd)
}
