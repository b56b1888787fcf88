package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagLogLevel  string
	flagLogFormat string
	flagBaseURL   string
	flagJSON      bool

	cfg             *Config
	logger          *slog.Logger
	shutdownTracing = func(context.Context) error { return nil }
)

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "pulse",
	Short:        "Pulse messaging CLI",
	Long:         "Command-line client for the Pulse messaging API.\nManage contacts, groups and notifications, and stream live push events.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}

		c, err := resolveConfig()
		if err != nil {
			return err
		}
		if flagBaseURL != "" {
			c.Default.BaseURL = flagBaseURL
		}
		if flagLogLevel != "" {
			c.Default.LogLevel = flagLogLevel
		}
		if flagLogFormat != "" {
			c.Default.LogFormat = flagLogFormat
		}
		cfg = c

		l, err := newLogger(cmd.ErrOrStderr(), cfg.Default.LogLevel, cfg.Default.LogFormat)
		if err != nil {
			return err
		}
		logger = l
		slog.SetDefault(l)

		shutdown, err := setupTracing(cmd.Context(), cfg.Default.OTelEndpoint)
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		shutdownTracing = shutdown
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagBaseURL, "base-url", "", "API base URL (overrides config)")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flagLogFormat, "log-format", "", "log format: text or json")
	pf.BoolVar(&flagJSON, "json", false, "print results as JSON")
}

// newLogger builds the process logger. Logs go to w so that command output
// on stdout stays machine readable.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func main() {
	err := rootCmd.Execute()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if serr := shutdownTracing(ctx); serr != nil {
		fmt.Fprintf(os.Stderr, "tracing shutdown: %v\n", serr)
	}
	cancel()

	if err != nil {
		os.Exit(1)
	}
}
