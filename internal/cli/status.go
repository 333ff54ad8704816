package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/app"
	"github.com/kimhsiao/offlinesync/internal/client"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queued changes and the last sync",
		Long: `Show what the sync indicator shows: whether the client is online, how many
local changes are waiting to be sent, when the last sync succeeded and the
error of the last failed attempt.

Examples:
  offlinesync status
  offlinesync status --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				st := a.Service.Status()
				out := newFormatter(opts, cmd.OutOrStdout())
				return out.Success(st, func(w io.Writer) { printStatus(w, st) })
			})
		},
	}
}

func printStatus(w io.Writer, st client.Status) {
	state := "Offline"
	if st.Online {
		state = "Online"
	}
	fmt.Fprintln(w, state)
	fmt.Fprintf(w, "Pending changes: %d\n", st.Pending)
	if st.LastSync != nil {
		fmt.Fprintf(w, "Last sync: %s\n", relative(*st.LastSync))
	} else {
		fmt.Fprintln(w, "Last sync: never")
	}
	if st.SyncError != "" {
		fmt.Fprintf(w, "Sync error: %s\n", st.SyncError)
	}
}
