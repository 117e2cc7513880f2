package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/dataserver/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the dataserver version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			if !verbose {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Module, info.Version)
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "module:   %s\nversion:  %s\ngo:       %s\nrevision: %s\nmodified: %t\n",
				info.Module, info.Version, info.GoVersion, info.Revision, info.Modified)
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print build details")
	return cmd
}
