package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/app"
)

// NewConnectivityCommand creates the connectivity command group.
func NewConnectivityCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connectivity",
		Short: "Switch between online and offline",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "online",
		Short: "Go online and send queued changes",
		Long: `Check that the server answers, mark the client online and send every queued
change. Fails, leaving the client offline, when the server is unreachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				out := newFormatter(opts, cmd.OutOrStdout())
				if err := a.GoOnline(ctx); err != nil {
					return out.Failure("failed to go online", err)
				}
				st := a.Service.Status()
				return out.Success(st, func(w io.Writer) {
					fmt.Fprintln(w, "Online")
					printQueued(w, a)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "offline",
		Short: "Work offline; changes are queued",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				a.GoOffline()
				st := a.Service.Status()
				return newFormatter(opts, cmd.OutOrStdout()).Success(st, func(w io.Writer) {
					fmt.Fprintln(w, "Offline")
				})
			})
		},
	})

	return cmd
}
