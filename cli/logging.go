package cli

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// NewLogger builds the process logger from the root --verbose and --quiet
// flags. Logs go to the command's error stream.
func NewLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if verbose, err := cmd.Flags().GetBool("verbose"); err == nil && verbose {
		level = slog.LevelDebug
	}
	if quiet, err := cmd.Flags().GetBool("quiet"); err == nil && quiet {
		level = slog.LevelError
	}
	return newLogger(cmd.ErrOrStderr(), level)
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
