package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	dsync "github.com/diffr-sync/diffr/sync"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect, restore and prune archived versions",
}

var archiveListCmd = &cobra.Command{
	Use:   "list [PATH]",
	Short: "List archived versions, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		f := dsync.ArchiveFilter{}
		f.Drive, _ = cmd.Flags().GetString("drive")
		f.Limit, _ = cmd.Flags().GetInt("limit")
		if len(args) == 1 {
			f.Path = filepath.ToSlash(args[0])
		}
		recs, err := a.store.QueryArchives(f)
		if err != nil {
			return err
		}

		if yamlOutput(cmd) {
			return printYAML(recs)
		}
		if len(recs) == 0 {
			fmt.Println("No archived versions.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDRIVE\tPATH\tARCHIVED\tSIZE\tCOMPRESSED\tREASON")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Drive, r.OriginalPath, fmtTime(r.ArchivedAt), fmtBytes(r.OriginalSize), fmtBytes(r.CompressedSize), r.Reason)
		}
		return w.Flush()
	},
}

var archiveRestoreCmd = &cobra.Command{
	Use:   "restore ARCHIVE_ID [DEST]",
	Short: "Restore an archived version",
	Long: `Restore an archived version. Without DEST the content is written back to
its original path on the drive that stores the archive, replacing whatever is
there now.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var dest string
		if len(args) == 2 {
			if dest, err = filepath.Abs(args[1]); err != nil {
				return err
			}
		}
		n, err := a.archivist().Restore(cmd.Context(), resolveArchiveID(a, args[0]), dest)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Restored %s (%s)\n", args[0], fmtBytes(n))
		return nil
	},
}

// resolveArchiveID expands a unique id prefix, as printed by list.
func resolveArchiveID(a *app, id string) string {
	if _, err := a.store.GetArchive(id); err == nil {
		return id
	}
	recs, err := a.store.QueryArchives(dsync.ArchiveFilter{})
	if err != nil {
		return id
	}
	match := ""
	for _, r := range recs {
		if strings.HasPrefix(r.ID, id) {
			if match != "" {
				return id
			}
			match = r.ID
		}
	}
	if match == "" {
		return id
	}
	return match
}

var archiveAddCmd = &cobra.Command{
	Use:   "add DRIVE_ID PATH",
	Short: "Archive the current version of a file by hand",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.store.GetDrive(args[0])
		if err != nil {
			return fmt.Errorf("drive %s: %w", args[0], err)
		}
		rec, err := a.archivist().ArchivePath(cmd.Context(), *d, filepath.ToSlash(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("✓ Archived %s as %s (%s -> %s)\n", rec.OriginalPath, rec.ID,
			fmtBytes(rec.OriginalSize), fmtBytes(rec.CompressedSize))
		return nil
	},
}

var archivePruneCmd = &cobra.Command{
	Use:   "prune [DRIVE_ID...]",
	Short: "Apply the retention policy now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		var drives []dsync.Drive
		if len(args) == 0 {
			if drives, err = a.store.ListDrives(); err != nil {
				return err
			}
		} else {
			for _, id := range args {
				d, err := a.store.GetDrive(id)
				if err != nil {
					return fmt.Errorf("drive %s: %w", id, err)
				}
				drives = append(drives, *d)
			}
		}

		arch := a.archivist()
		total := 0
		var errs []string
		for _, d := range drives {
			removed, err := arch.EnforceRetention(cmd.Context(), d, a.cfg.Retention)
			total += len(removed)
			if err != nil {
				errs = append(errs, err.Error())
			}
		}
		fmt.Printf("✓ Pruned %d archived versions\n", total)
		if len(errs) > 0 {
			return fmt.Errorf("prune: %s", strings.Join(errs, "; "))
		}
		return nil
	},
}

func init() {
	archiveListCmd.Flags().String("drive", "", "only archives stored on this drive")
	archiveListCmd.Flags().Int("limit", 50, "maximum number of versions to show (0 for all)")

	archiveCmd.AddCommand(archiveListCmd, archiveRestoreCmd, archiveAddCmd, archivePruneCmd)
}
