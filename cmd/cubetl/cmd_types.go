package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/cubetl/pkg/processors/all"
)

func newTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the component types pipelines can use",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			for _, t := range all.NewFactory().Types() {
				fmt.Fprintln(out, t)
			}
		},
	}
}
