package main

import (
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func yamlOutput(cmd *cobra.Command) bool {
	out, _ := cmd.Flags().GetString("output")
	return out == "yaml"
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

func fmtTime(ns int64) string {
	if ns == 0 {
		return "never"
	}
	return time.Unix(0, ns).Local().Format("2006-01-02 15:04:05")
}

func fmtBytes(n int64) string {
	return humanize.IBytes(uint64(max(n, 0)))
}
