package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/maruel/natural"
	"github.com/spf13/cobra"

	"github.com/diffr-sync/diffr/discovery"
	dsync "github.com/diffr-sync/diffr/sync"
)

type driveStatus struct {
	dsync.Drive `yaml:",inline"`
	Connected   bool   `yaml:"connected"`
	Free        uint64 `yaml:"free,omitempty"`
	Total       uint64 `yaml:"total,omitempty"`
	Archives    int    `yaml:"archives"`
	ArchiveSize int64  `yaml:"archiveBytes"`
}

type clusterStatus struct {
	Name    string         `yaml:"name"`
	LastRun *dsync.SyncRun `yaml:"lastRun,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show drives, archive usage and the last run of every cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		ctx := cmd.Context()

		drives, err := a.store.ListDrives()
		if err != nil {
			return err
		}
		sort.SliceStable(drives, func(i, j int) bool { return natural.Less(drives[i].Name(), drives[j].Name()) })

		online, err := a.cfg.NewDiscovery(a.fs).ListOnline(ctx)
		if err != nil {
			dsync.Sub("cli").Warn("discovery failed", "err", err)
		}
		connected := make(map[string]string, len(online))
		for _, o := range online {
			connected[o.ID] = o.MountPath
		}

		var ds []driveStatus
		for _, d := range drives {
			st := driveStatus{Drive: d}
			if mount, ok := connected[d.ID]; ok {
				st.Connected = true
				if mount != "" {
					st.MountPath = mount
				}
				if u, err := discovery.Usage(ctx, st.MountPath); err == nil {
					st.Free, st.Total = u.Free, u.Total
				}
			}
			if st.Archives, st.ArchiveSize, err = a.store.ArchiveUsage(d.ID); err != nil {
				return err
			}
			ds = append(ds, st)
		}

		clusters, err := a.store.ListClusters()
		if err != nil {
			return err
		}
		var cs []clusterStatus
		for _, c := range clusters {
			last, err := a.store.LastSyncRun(c.Name)
			if err != nil {
				return err
			}
			cs = append(cs, clusterStatus{Name: c.Name, LastRun: last})
		}

		if yamlOutput(cmd) {
			return printYAML(map[string]any{"drives": ds, "clusters": cs})
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DRIVE\tROLE\tSTATUS\tFREE\tARCHIVES\tLAST SEEN")
		for _, st := range ds {
			status, free := "offline", "-"
			if st.Connected {
				status = "online"
				if st.Total > 0 {
					free = fmt.Sprintf("%s / %s", fmtBytes(int64(st.Free)), fmtBytes(int64(st.Total)))
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d (%s)\t%s\n",
				st.Name(), st.Role, status, free, st.Archives, fmtBytes(st.ArchiveSize), fmtTime(st.LastSeen))
		}
		w.Flush() //nolint:errcheck

		if len(cs) > 0 {
			fmt.Println()
		}
		for _, c := range cs {
			if c.LastRun == nil {
				fmt.Printf("Cluster %s: never synced\n", c.Name)
				continue
			}
			r := c.LastRun
			committed, failed, _ := r.Counts()
			fmt.Printf("Cluster %s: last run %s, %s (%d done, %d failed, %d conflicts)\n",
				c.Name, fmtTime(r.FinishedAt), r.Status, committed, failed, len(r.Conflicts))
			shown := 0
			for _, o := range r.Outcomes {
				if o.Result != dsync.ResultFailed || shown == 3 {
					continue
				}
				fmt.Printf("  ✗ %s: %s\n", o.Summary, o.Error)
				shown++
			}
		}

		if errs := dsync.RecentErrors(); len(errs) > 0 {
			fmt.Println("\nRecent errors:")
			for _, e := range errs {
				where := e.Comp
				if e.Drive != "" {
					where += " " + e.Drive
				}
				fmt.Printf("  %s [%s] %s %s\n", e.Time.Format("2006-01-02 15:04:05"), where, e.Message, e.Error)
			}
		}
		return nil
	},
}
