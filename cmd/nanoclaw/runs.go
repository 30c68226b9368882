package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nanoclaw/internal/logging"
	"nanoclaw/internal/shared/jsonx"
	"nanoclaw/internal/store"
)

func newRunsCmd() *cobra.Command {
	var (
		group string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "runs [run_id]",
		Short: "List recent worker runs, or show one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			st, err := store.Open(ctx, cfg.DBPath, logging.Nop())
			if err != nil {
				return err
			}
			defer st.Close()

			if len(args) == 1 {
				run, err := st.GetWorkerRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(run)
			}

			var runs []store.WorkerRun
			if group != "" {
				runs, err = st.ListWorkerRunsByGroup(ctx, group, limit)
			} else {
				runs, err = st.ListWorkerRuns(ctx, limit)
			}
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tLANE\tSTATUS\tPHASE\tAGE\tRETRIES\tBRANCH")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					r.RunID, r.GroupFolder, r.Status, r.Phase,
					time.Since(r.StartedAt).Round(time.Second), r.RetryCount, r.DispatchBranch)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "filter by lane folder")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows")
	return cmd
}

func printRun(r store.WorkerRun) error {
	data, err := jsonx.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
