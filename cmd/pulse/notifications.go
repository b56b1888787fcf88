package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	pulse "github.com/pulsechat/pulse/sdk/golang"
)

var (
	notificationsUnreadOnly bool
	notificationsPage       int
)

func init() {
	rootCmd.AddCommand(notificationsCmd)
	notificationsCmd.AddCommand(notificationsListCmd, notificationsUnreadCmd, notificationsReadCmd,
		notificationsReadAllCmd, notificationsDeleteCmd)
	notificationsListCmd.Flags().BoolVar(&notificationsUnreadOnly, "unread", false, "only unread notifications")
	notificationsListCmd.Flags().IntVar(&notificationsPage, "page", 1, "page number")
}

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"notif"},
	Short:   "List and acknowledge notifications",
}

var notificationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		sess, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		filter := pulse.NotificationFilter{Page: notificationsPage}
		if notificationsUnreadOnly {
			unread := false
			filter.Read = &unread
		}
		store := sess.Notifications
		if err := store.Load(ctx, filter); err != nil {
			return err
		}
		if err := store.RefreshUnreadCount(ctx); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if flagJSON {
			return printJSON(out, map[string]any{
				"notifications": store.Notifications(),
				"unreadCount":   store.UnreadCount(),
				"pagination":    store.Pagination(),
			})
		}

		fmt.Fprintf(out, "%d unread\n\n", store.UnreadCount())
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tREAD\tTYPE\tTITLE\tCREATED")
		for _, n := range store.Notifications() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", n.ID, yesNo(n.Read), n.Type, n.Title, n.CreatedAt.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <notification-id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := client.Notifications.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Notification %s marked as read\n", args[0])
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := client.Notifications.MarkAllRead(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "All notifications marked as read")
		return nil
	},
}

var notificationsUnreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the unread notification count",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		n, err := client.Notifications.UnreadCount(ctx)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), map[string]int{"unreadCount": n})
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

var notificationsDeleteCmd = &cobra.Command{
	Use:   "delete <notification-id>",
	Short: "Delete a notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := client.Notifications.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Notification %s deleted\n", args[0])
		return nil
	},
}
