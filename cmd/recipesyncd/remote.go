package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRemoteCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Inspect the remote store",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Verify the remote store is reachable with the configured credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "remote ok (provider %s)\n", opts.cfg.Remote.Provider)
			return nil
		},
	})
	return cmd
}
