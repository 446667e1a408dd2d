package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/cubetl/pkg/config"
	"github.com/wehubfusion/cubetl/pkg/processors/all"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <pipeline.yaml>",
		Short: "Print the components of a pipeline without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := config.LoadFile(args[0], all.NewFactory())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, c := range def.Declared() {
				if err := enc.Encode(runtime.Description(c)); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
