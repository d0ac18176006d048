package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/maruel/natural"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/diffr-sync/diffr/discovery"
	dsync "github.com/diffr-sync/diffr/sync"
)

var driveCmd = &cobra.Command{
	Use:   "drive",
	Short: "Register and list drives",
}

var driveAddCmd = &cobra.Command{
	Use:   "add MOUNT_PATH",
	Short: "Register the drive mounted at MOUNT_PATH",
	Long: `Register the drive mounted at MOUNT_PATH. Its identity is the hardware
serial of the backing device; drives without one get a synthetic id stored
in .diffr/drive-id on the drive itself.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		roleFlag, _ := cmd.Flags().GetString("role")
		syncRoot, _ := cmd.Flags().GetString("sync-root")

		role, err := dsync.ParseDriveRole(roleFlag)
		if err != nil {
			return err
		}
		mount, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if ok, _ := afero.DirExists(a.fs, mount); !ok {
			return fmt.Errorf("%s is not a directory", mount)
		}
		id, synthetic, err := discovery.Identify(cmd.Context(), a.fs, mount)
		if err != nil {
			return fmt.Errorf("identify drive: %w", err)
		}

		d := dsync.Drive{
			ID:        id,
			Label:     label,
			Role:      role,
			MountPath: mount,
			SyncRoot:  syncRoot,
			Online:    true,
		}
		if err := a.store.UpsertDrive(d); err != nil {
			return err
		}
		kind := "hardware serial"
		if synthetic {
			kind = "synthetic id"
		}
		fmt.Printf("✓ Registered drive %s (%s) at %s\n", d.Name(), kind, d.EffectiveRoot())
		fmt.Printf("  ID: %s\n", id)
		return nil
	},
}

var driveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered drives",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		drives, err := a.store.ListDrives()
		if err != nil {
			return err
		}
		sort.SliceStable(drives, func(i, j int) bool { return natural.Less(drives[i].Name(), drives[j].Name()) })

		if yamlOutput(cmd) {
			return printYAML(drives)
		}
		if len(drives) == 0 {
			fmt.Println("No drives registered. Use 'diffr drive add <mount>'.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tID\tROLE\tROOT\tSTATUS\tLAST SEEN")
		for _, d := range drives {
			status := "offline"
			if d.Online {
				status = "online"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", d.Name(), d.ID, d.Role, d.EffectiveRoot(), status, fmtTime(d.LastSeen))
		}
		return w.Flush()
	},
}

func init() {
	driveAddCmd.Flags().String("label", "", "human-readable drive label")
	driveAddCmd.Flags().String("role", "normal", "drive role: normal, archive-assist or archive-only")
	driveAddCmd.Flags().String("sync-root", "", "sub-directory of the mount to sync (default: whole drive)")

	driveCmd.AddCommand(driveAddCmd, driveListCmd)
}
