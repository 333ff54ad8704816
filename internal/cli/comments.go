package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/app"
)

// NewCommentsCommand creates the comments command group.
func NewCommentsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "comments",
		Short: "Add, edit and delete comments",
	}
	cmd.AddCommand(newCommentsAddCommand(opts))
	cmd.AddCommand(newCommentsEditCommand(opts))
	cmd.AddCommand(newCommentsDeleteCommand(opts))
	return cmd
}

func newCommentsAddCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <post-id> <content>",
		Short: "Comment on a post",
		Long: `Comment on a post. Works offline, also on posts that have not reached the
server yet: the comment is sent after its post.

Examples:
  offlinesync comments add post-12 "Nice write-up"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				out := newFormatter(opts, cmd.OutOrStdout())
				comment, err := a.Service.CreateComment(ctx, args[0], args[1])
				if err != nil {
					return out.Failure("failed to add comment", err)
				}
				return out.Success(comment, func(w io.Writer) {
					fmt.Fprintf(w, "Added comment %s\n", comment.ID)
					printQueued(w, a)
				})
			})
		},
	}
}

func newCommentsEditCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <comment-id> <content>",
		Short: "Edit a comment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				out := newFormatter(opts, cmd.OutOrStdout())
				comment, err := a.Service.UpdateComment(ctx, args[0], args[1])
				if err != nil {
					return out.Failure("failed to edit comment", err)
				}
				return out.Success(comment, func(w io.Writer) {
					fmt.Fprintf(w, "Updated comment %s (version %d)\n", comment.ID, comment.Version)
					printQueued(w, a)
				})
			})
		},
	}
}

func newCommentsDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <comment-id>",
		Short: "Delete a comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app.App) error {
				out := newFormatter(opts, cmd.OutOrStdout())
				if err := a.Service.DeleteComment(ctx, args[0]); err != nil {
					return out.Failure("failed to delete comment", err)
				}
				return out.Success(map[string]string{"deleted": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted comment %s\n", args[0])
					printQueued(w, a)
				})
			})
		},
	}
}
