package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	dsync "github.com/diffr-sync/diffr/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync CLUSTER",
	Short: "Reconcile the online drives of a cluster",
	Long: `Reconcile the online drives of a cluster. Offline members are skipped and
caught up on a later run. Every overwrite or delete is archived first unless
--no-archive is given and the destination is not an archive-assist drive.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		noArchive, _ := cmd.Flags().GetBool("no-archive")
		stratFlag, _ := cmd.Flags().GetString("strategy")
		resolveFlags, _ := cmd.Flags().GetStringArray("resolve")

		verify := a.cfg.VerifyAfterSync
		if cmd.Flags().Changed("verify") {
			verify, _ = cmd.Flags().GetBool("verify")
		}
		deletesAsConflicts := a.cfg.DeletesAsConflicts
		if cmd.Flags().Changed("deletes-as-conflicts") {
			deletesAsConflicts, _ = cmd.Flags().GetBool("deletes-as-conflicts")
		}

		var strategy dsync.Strategy
		if stratFlag != "" {
			if strategy, err = dsync.ParseStrategy(stratFlag); err != nil {
				return err
			}
		}
		resolutions, err := parseResolutions(resolveFlags)
		if err != nil {
			return err
		}

		engine, closeCache, err := a.engine()
		if err != nil {
			return err
		}
		defer closeCache()

		report, err := engine.Run(cmd.Context(), dsync.RunOptions{
			Cluster:            args[0],
			DryRun:             dryRun,
			Verify:             verify,
			ArchiveSkip:        noArchive,
			Strategy:           strategy,
			DeletesAsConflicts: deletesAsConflicts,
			Resolutions:        resolutions,
			Retention:          a.cfg.Retention,
			Workers:            a.cfg.Workers,
		})
		if report == nil {
			return err
		}
		if yamlOutput(cmd) {
			if perr := printYAML(report.Run); perr != nil {
				return perr
			}
			return err
		}
		printReport(report)
		return err
	},
}

// parseResolutions turns repeated path=drive flags into a map.
func parseResolutions(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(flags))
	for _, f := range flags {
		i := strings.LastIndex(f, "=")
		if i <= 0 || i == len(f)-1 {
			return nil, fmt.Errorf("invalid --resolve %q: want path=drive", f)
		}
		out[f[:i]] = f[i+1:]
	}
	return out, nil
}

func printReport(r *dsync.Report) {
	run := r.Run
	if run.DryRun {
		fmt.Println("Dry run: no files were changed.")
	}
	for _, id := range run.OfflineDrives {
		fmt.Printf("⚠ Drive %s offline, skipped\n", id)
	}
	if r.Plan.Empty() {
		fmt.Println("✓ Already in sync")
		return
	}

	for _, o := range run.Outcomes {
		switch o.Result {
		case dsync.ResultCommitted, dsync.ResultWould:
			fmt.Printf("  %s\n", o.Summary)
		case dsync.ResultFailed:
			fmt.Printf("✗ %s: %s\n", o.Summary, o.Error)
		case dsync.ResultSkipped:
			fmt.Printf("- %s (skipped)\n", o.Summary)
		}
	}
	for _, c := range run.Conflicts {
		fmt.Printf("! conflict %s: %s\n", c.Path, c.Reason)
		for _, cand := range c.Candidates {
			if cand.Entry == nil {
				fmt.Printf("    %s: deleted\n", cand.Drive)
				continue
			}
			fmt.Printf("    %s: %s, modified %s\n", cand.Drive, fmtBytes(cand.Entry.Size), fmtTime(cand.Entry.Mtime))
		}
	}

	committed, failed, skipped := run.Counts()
	fmt.Printf("\nStatus: %s  (%d done, %d failed, %d skipped, %d conflicts, %s transferred)\n",
		run.Status, committed, failed, skipped, len(run.Conflicts), fmtBytes(run.BytesTransferred))
	if len(r.Pruned) > 0 {
		fmt.Printf("Retention removed %d archived versions\n", len(r.Pruned))
	}
}

func init() {
	f := syncCmd.Flags()
	f.Bool("dry-run", false, "show the plan without changing any file")
	f.Bool("verify", false, "re-read every copy and compare strong digests (default from config)")
	f.Bool("no-archive", false, "skip archiving on drives that are not archive-assist")
	f.String("strategy", "", "override the cluster's conflict strategy for this run")
	f.Bool("deletes-as-conflicts", false, "treat a delete on one drive as a conflict (default from config)")
	f.StringArray("resolve", nil, "force a conflict winner as path=drive (repeatable)")
}
