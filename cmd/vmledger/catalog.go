package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xraph/vmledger/cost"
	"github.com/xraph/vmledger/vm"
)

var catalogJSON bool

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List instance classes and images",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		specs := cost.DefaultCatalog().Specs()
		out := cmd.OutOrStdout()

		if catalogJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"instance_classes": specs,
				"images":           vm.Images(),
			})
		}

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CLASS\tVCPUS\tMEMORY\tSTORAGE\tRATE")
		for _, s := range specs {
			fmt.Fprintf(tw, "%s\t%d\t%d MB\t%d GB\t%s/h\n", s.Class, s.VCPUs, s.MemoryMB, s.StorageGB, s.HourlyRate)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(out, "\nImages: %v (default %s)\n", vm.Images(), vm.DefaultImage)
		return nil
	},
}

func init() {
	catalogCmd.Flags().BoolVar(&catalogJSON, "json", false, "print as JSON")
}
