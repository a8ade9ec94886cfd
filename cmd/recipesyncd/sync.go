package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	syncpkg "github.com/kimhsiao/recipesync/internal/sync"
)

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and print the result",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return checkFormat(format)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.coord.TriggerSync(cmd.Context())
			if result != nil {
				if perr := printPass(cmd.OutOrStdout(), format, result); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}

			for _, rec := range a.coord.Resolver().Pending() {
				fmt.Fprintf(cmd.ErrOrStderr(), "conflict %s: %s %s/%s (local %d, remote %d)\n",
					rec.ID, rec.Kind, rec.EntityType, rec.EntityID, rec.LocalUpdatedAt, rec.RemoteUpdatedAt)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "output", "o", "text", "output format (text|json|yaml)")
	return cmd
}

func printPass(w io.Writer, format string, r *syncpkg.PassResult) error {
	if format != "text" {
		return printStructured(w, format, r)
	}
	_, err := fmt.Fprintf(w, "processed %d: applied %d, conflicted %d, retried %d, dropped %d (%s)\n",
		r.Processed, r.Applied, r.Conflicted, r.Retried, r.Dropped, r.Duration)
	return err
}
