package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [CLUSTER]",
	Short: "List past runs, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var cluster string
		if len(args) == 1 {
			cluster = args[0]
		}
		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := a.store.ListSyncRuns(cluster, limit)
		if err != nil {
			return err
		}

		if yamlOutput(cmd) {
			return printYAML(runs)
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tCLUSTER\tMODE\tSTATUS\tDONE\tFAILED\tCONFLICTS\tBYTES")
		for _, r := range runs {
			mode := "sync"
			if r.DryRun {
				mode = "dry-run"
			}
			committed, failed, _ := r.Counts()
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				fmtTime(r.StartedAt), r.Cluster, mode, r.Status, committed, failed, len(r.Conflicts), fmtBytes(r.BytesTransferred))
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of runs to show (0 for all)")
}
