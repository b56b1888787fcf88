package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	pulse "github.com/pulsechat/pulse/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the access token has expired, and fetch live counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, pulse.DefaultBaseURL+" (default)"))
		if cfg.Default.WSURL != "" {
			fmt.Fprintf(out, "  Push URL:    %s\n", cfg.Default.WSURL)
		}
		fmt.Fprintf(out, "  Storage:     %s\n", valueOrDefault(cfg.Default.StoragePath, "(memory only)"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.Token == "" {
			fmt.Fprintln(out, "  Token:       (not set)")
			return nil
		}
		fmt.Fprintf(out, "  Token:       %s\n", maskKey(cfg.Auth.Token))

		claims, err := pulse.ParseTokenClaims(cfg.Auth.Token)
		if err != nil {
			fmt.Fprintf(out, "  Claims:      unreadable (%v)\n", err)
			return nil
		}
		fmt.Fprintf(out, "  User:        %s (%s)\n", valueOrDefault(claims.Username, "?"), claims.UserID)
		tokenStatus := "present (no expiry set)"
		if exp, ok := claims.Expiry(); ok {
			if claims.Expired(time.Now()) {
				tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
			} else {
				tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
			}
		}
		fmt.Fprintf(out, "  Status:      %s\n", tokenStatus)
		if claims.Expired(time.Now()) {
			return nil
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var (
			contacts []pulse.Contact
			unread   int
		)
		var g errgroup.Group
		g.Go(func() (err error) {
			contacts, err = client.Contacts.List(ctx, pulse.ContactAccepted)
			return err
		})
		g.Go(func() (err error) {
			unread, err = client.Notifications.UnreadCount(ctx)
			return err
		})

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		if err := g.Wait(); err != nil {
			fmt.Fprintf(out, "  Error: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Contacts:    %d\n", len(contacts))
		fmt.Fprintf(out, "  Unread:      %d\n", unread)
		return nil
	},
}
