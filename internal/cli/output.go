package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/render"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation refused or failed (validation, permission, sync failure)
	ExitCommandError = 2 // Command error (bad config, unreadable storage)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// CLIResponse is the JSON envelope for --format json.
type CLIResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  *CLIError   `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func newFormatter(opts *RootOptions, w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: w}
}

// JSON reports whether output is machine readable.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// Success writes data in the JSON envelope, or calls text for text output.
func (f *OutputFormatter) Success(data interface{}, text func(w io.Writer)) error {
	if f.JSON() {
		return f.writeJSON(CLIResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Failure reports err in the configured format and returns it as an ExitError.
func (f *OutputFormatter) Failure(message string, err error) error {
	if f.JSON() {
		_ = f.writeJSON(CLIResponse{Status: "error", Error: &CLIError{
			Code:    string(apperrors.CodeOf(err)),
			Message: err.Error(),
		}})
	}
	return WrapExitError(ExitFailure, message, err)
}

func (f *OutputFormatter) writeJSON(v interface{}) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// renderPosts prints posts as a table.
func renderPosts(w io.Writer, posts []models.Post) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Title", "Preview", "Author", "Version", "Created"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	for _, p := range posts {
		table.Append([]string{
			displayID(p.ID),
			p.Title,
			render.Excerpt(p.Content, 40),
			p.AuthorID,
			strconv.Itoa(p.Version),
			relative(p.CreatedAt),
		})
	}
	table.Render()
}

// renderComments prints comments as a table.
func renderComments(w io.Writer, comments []models.Comment) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "Author", "Comment", "Created"})
	table.SetBorder(false)
	for _, c := range comments {
		table.Append([]string{displayID(c.ID), c.AuthorID, render.PlainText(c.Content), relative(c.CreatedAt)})
	}
	table.Render()
}

// displayID marks records the server has not confirmed yet.
func displayID(id string) string {
	if uuid.IsLocal(id) {
		return id + " (unsynced)"
	}
	return id
}

func relative(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
