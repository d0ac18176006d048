package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	dsync "github.com/diffr-sync/diffr/sync"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage drive clusters",
}

var clusterCreateCmd = &cobra.Command{
	Use:   "create NAME DRIVE_ID...",
	Short: "Create a cluster from registered drives",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		topoFlag, _ := cmd.Flags().GetString("topology")
		stratFlag, _ := cmd.Flags().GetString("strategy")
		primary, _ := cmd.Flags().GetString("primary")
		if topoFlag == "" {
			topoFlag = a.cfg.DefaultTopology
		}
		if stratFlag == "" {
			stratFlag = a.cfg.DefaultConflictStrategy
		}
		topo, err := dsync.ParseTopology(topoFlag)
		if err != nil {
			return err
		}
		strat, err := dsync.ParseStrategy(stratFlag)
		if err != nil {
			return err
		}

		c := dsync.Cluster{Name: args[0], Topology: topo, Strategy: strat, Primary: primary, Members: args[1:]}
		drives, err := a.store.ListDrives()
		if err != nil {
			return err
		}
		registered := make(map[string]dsync.Drive, len(drives))
		for _, d := range drives {
			registered[d.ID] = d
		}
		if err := dsync.ValidateCluster(c, registered); err != nil {
			return err
		}
		if err := a.store.CreateCluster(c); err != nil {
			return err
		}
		fmt.Printf("✓ Cluster %s created (%s, %s) with %d drives\n", c.Name, c.Topology, c.Strategy, len(c.Members))
		return nil
	},
}

var clusterAddCmd = &cobra.Command{
	Use:   "add CLUSTER DRIVE_ID",
	Short: "Add a registered drive to a cluster",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.store.GetCluster(args[0]); err != nil {
			return err
		}
		if err := a.store.AddClusterMember(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Drive %s added to cluster %s\n", args[1], args[0])
		return nil
	},
}

var clusterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clusters",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		clusters, err := a.store.ListClusters()
		if err != nil {
			return err
		}
		if yamlOutput(cmd) {
			return printYAML(clusters)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tTOPOLOGY\tSTRATEGY\tPRIMARY\tMEMBERS")
		for _, c := range clusters {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", c.Name, c.Topology, c.Strategy, c.Primary, len(c.Members))
		}
		return w.Flush()
	},
}

func init() {
	clusterCreateCmd.Flags().String("topology", "", "mesh or primary-replica (default from config)")
	clusterCreateCmd.Flags().String("strategy", "", "newest-wins, keep-both or interactive (default from config)")
	clusterCreateCmd.Flags().String("primary", "", "primary drive id for primary-replica clusters")

	clusterCmd.AddCommand(clusterCreateCmd, clusterAddCmd, clusterListCmd)
}
