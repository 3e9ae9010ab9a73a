package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/registry"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the configured languages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LANGUAGE\tBACKEND\tCOMMAND")
		for _, spec := range registry.Specs(cfg) {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", spec.Name, spec.Family, spec.Command)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}
