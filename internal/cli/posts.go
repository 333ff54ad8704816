package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/app"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// PostsOptions holds flags shared by the posts subcommands.
type PostsOptions struct {
	*RootOptions
	Title    string
	Content  string
	Page     int
	PageSize int
}

// NewPostsCommand creates the posts command group.
func NewPostsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PostsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "posts",
		Short: "List, show and edit posts",
	}
	cmd.AddCommand(newPostsListCommand(opts))
	cmd.AddCommand(newPostsShowCommand(opts))
	cmd.AddCommand(newPostsCreateCommand(opts))
	cmd.AddCommand(newPostsUpdateCommand(opts))
	cmd.AddCommand(newPostsDeleteCommand(opts))
	return cmd
}

func newPostsListCommand(opts *PostsOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List local posts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
				page := a.Service.ListPostsPage(opts.Page, opts.PageSize)
				out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
				return out.Success(page, func(w io.Writer) {
					if page.Total == 0 {
						fmt.Fprintln(w, "No posts yet.")
						return
					}
					renderPosts(w, page.Posts)
					fmt.Fprintf(w, "Page %d of %d (%d posts)\n", page.Page, page.TotalPages, page.Total)
				})
			})
		},
	}
	cmd.Flags().IntVar(&opts.Page, "page", 1, "page number")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 10, "posts per page")
	return cmd
}

func newPostsShowCommand(opts *PostsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <post-id>",
		Short: "Show a post and its comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
				out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
				post, comments, err := a.Service.GetPost(args[0])
				if err != nil {
					return out.Failure("failed to show post", err)
				}
				data := map[string]interface{}{"post": post, "comments": comments}
				return out.Success(data, func(w io.Writer) {
					printPost(w, post)
					if len(comments) == 0 {
						fmt.Fprintln(w, "No comments.")
						return
					}
					renderComments(w, comments)
				})
			})
		},
	}
}

func newPostsCreateCommand(opts *PostsOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a post",
		Long: `Create a post. The post is saved locally at once and sent to the server
when it is reachable.

Examples:
  offlinesync posts create --title "Hello" --content "First post"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
				out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
				post, err := a.Service.CreatePost(ctx, opts.Title, opts.Content)
				if err != nil {
					return out.Failure("failed to create post", err)
				}
				return out.Success(post, func(w io.Writer) {
					fmt.Fprintf(w, "Created post %s\n", post.ID)
					printQueued(w, a)
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "post title (required)")
	cmd.Flags().StringVar(&opts.Content, "content", "", "post content (required)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func newPostsUpdateCommand(opts *PostsOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <post-id>",
		Short: "Edit a post's title and content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
				out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
				existing, _, err := a.Service.GetPost(args[0])
				if err != nil {
					return out.Failure("failed to update post", err)
				}
				title, content := existing.Title, existing.Content
				if cmd.Flags().Changed("title") {
					title = opts.Title
				}
				if cmd.Flags().Changed("content") {
					content = opts.Content
				}
				post, err := a.Service.UpdatePost(ctx, existing.ID, title, content)
				if err != nil {
					return out.Failure("failed to update post", err)
				}
				return out.Success(post, func(w io.Writer) {
					fmt.Fprintf(w, "Updated post %s (version %d)\n", post.ID, post.Version)
					printQueued(w, a)
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "new title")
	cmd.Flags().StringVar(&opts.Content, "content", "", "new content")
	return cmd
}

func newPostsDeleteCommand(opts *PostsOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <post-id>",
		Short: "Delete a post and its comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app.App) error {
				out := newFormatter(opts.RootOptions, cmd.OutOrStdout())
				if err := a.Service.DeletePost(ctx, args[0]); err != nil {
					return out.Failure("failed to delete post", err)
				}
				return out.Success(map[string]string{"deleted": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted post %s\n", args[0])
					printQueued(w, a)
				})
			})
		},
	}
}

// printQueued tells the user whether the change is still waiting to be sent.
func printQueued(w io.Writer, a *app.App) {
	st := a.Service.Status()
	switch {
	case st.Pending == 0:
		fmt.Fprintln(w, "All changes synced.")
	case st.Online:
		fmt.Fprintf(w, "%d change(s) queued; last attempt: %s\n", st.Pending, orNone(st.SyncError))
	default:
		fmt.Fprintf(w, "Offline: %d change(s) queued until the server is reachable.\n", st.Pending)
	}
}

func orNone(s string) string {
	if s == "" {
		return "no error"
	}
	return s
}

func printPost(w io.Writer, p models.Post) {
	fmt.Fprintf(w, "%s\n", p.Title)
	fmt.Fprintf(w, "id: %s  author: %s  version: %d  updated: %s\n\n",
		displayID(p.ID), p.AuthorID, p.Version, relative(p.UpdatedAt))
	fmt.Fprintf(w, "%s\n\n", p.Content)
}
