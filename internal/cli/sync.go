package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/app"
	syncengine "github.com/kimhsiao/offlinesync/internal/sync"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	DrainOnly bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send queued changes and refresh from the server",
		Long: `Send every queued change to the server, in the order it was made, then
download the server's posts and comments.

Rows with local changes that are still queued are never overwritten by the
download.

Examples:
  offlinesync sync
  offlinesync sync --drain-only --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
				return runSync(ctx, cmd, opts, a)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.DrainOnly, "drain-only", false, "only send queued changes")
	return cmd
}

func runSync(ctx context.Context, cmd *cobra.Command, opts *SyncOptions, a *app.App) error {
	out := newFormatter(opts.RootOptions, cmd.OutOrStdout())

	if opts.DrainOnly {
		result, err := a.Engine.Drain(ctx)
		if err != nil {
			return out.Failure("sync failed", err)
		}
		return out.Success(result, func(w io.Writer) { printDrain(w, result) })
	}

	result, err := a.Engine.Sync(ctx)
	if err != nil {
		return out.Failure("sync failed", err)
	}
	a.Monitor.SetOnline(true)
	return out.Success(result, func(w io.Writer) {
		printDrain(w, result.Drain)
		if result.Pull != nil {
			fmt.Fprintf(w, "Downloaded %d record(s), removed %d, kept %d with local changes\n",
				result.Pull.Applied, result.Pull.Removed, result.Pull.Skipped)
		}
	})
}

func printDrain(w io.Writer, r *syncengine.DrainResult) {
	if r == nil {
		return
	}
	fmt.Fprintf(w, "Sent %d change(s): %d ok, %d failed, %d conflict(s), %d rejected, %d deferred\n",
		r.Processed, r.Succeeded, r.Failed, r.Conflicts, r.Rejected, r.Deferred)
	if r.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", r.LastError)
	}
}
