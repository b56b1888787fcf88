package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	pulse "github.com/pulsechat/pulse/sdk/golang"
	"github.com/pulsechat/pulse/sdk/golang/internal/sandbox"
)

var (
	sandboxAddr   string
	sandboxSecret string
	sandboxUsers  []string
)

func init() {
	rootCmd.AddCommand(sandboxCmd)
	sandboxCmd.AddCommand(sandboxServeCmd)

	f := sandboxServeCmd.Flags()
	f.StringVar(&sandboxAddr, "addr", "127.0.0.1:4000", "listen address")
	f.StringVar(&sandboxSecret, "secret", "", "token signing secret (PULSE_SANDBOX_SECRET, random when empty)")
	f.StringSliceVar(&sandboxUsers, "user", []string{"alice", "bob"}, "usernames to create and print tokens for")
}

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Local in-memory Pulse server for development",
}

var sandboxServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandbox server",
	Long:  "Run an in-memory server that speaks the Pulse REST API and push protocol.\nAll state is lost on exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		secret := valueOrDefault(sandboxSecret, os.Getenv("PULSE_SANDBOX_SECRET"))
		if secret == "" {
			secret = pulse.NewID()
		}
		srv := sandbox.New(secret, sandbox.WithLogger(logger))

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Sandbox listening on http://%s\n\n", sandboxAddr)
		for _, name := range sandboxUsers {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			token, err := srv.IssueToken(name, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  %-10s %s\n", name, token)
		}
		fmt.Fprintln(out)

		hs := &http.Server{
			Addr:              sandboxAddr,
			Handler:           srv,
			ReadHeaderTimeout: 5 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- hs.ListenAndServe() }()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("sandbox server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Info("sandbox shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	},
}
