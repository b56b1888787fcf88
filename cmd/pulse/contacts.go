package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	pulse "github.com/pulsechat/pulse/sdk/golang"
)

var (
	contactsAddNickname    string
	contactsAddNotes       string
	contactsUpdateNickname string
	contactsUpdateNotes    string
)

func init() {
	rootCmd.AddCommand(contactsCmd)
	contactsCmd.AddCommand(contactsListCmd, contactsAddCmd, contactsSearchCmd, contactsUpdateCmd,
		contactsStatusCmd("requests", "List pending contact requests", pulse.ContactPending),
		contactsStatusCmd("blocked", "List blocked users", pulse.ContactBlocked),
	)
	for _, c := range contactActionCmds {
		contactsCmd.AddCommand(c)
	}
	contactsAddCmd.Flags().StringVar(&contactsAddNickname, "nickname", "", "nickname for the contact")
	contactsAddCmd.Flags().StringVar(&contactsAddNotes, "notes", "", "private notes")
	contactsUpdateCmd.Flags().StringVar(&contactsUpdateNickname, "nickname", "", "new nickname")
	contactsUpdateCmd.Flags().StringVar(&contactsUpdateNotes, "notes", "", "new notes")
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage contacts and contact requests",
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List contacts, pending requests and blocked users",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		sess, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		if err := sess.Contacts.LoadAll(ctx); err != nil {
			return err
		}
		contacts, requests, blocked := sess.Contacts.Contacts(), sess.Contacts.Requests(), sess.Contacts.Blocked()

		out := cmd.OutOrStdout()
		if flagJSON {
			return printJSON(out, map[string]any{
				"contacts": contacts,
				"requests": requests,
				"blocked":  blocked,
			})
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tUSER\tSTATUS\tFAVORITE\tMUTED")
		for _, c := range contacts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.ID, displayName(c.User, c.Counterpart(sess.UserID())), c.Status, yesNo(c.IsFavorite), yesNo(c.IsMuted))
		}
		for _, r := range requests {
			dir := "outgoing"
			if r.IsIncoming {
				dir = "incoming"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s (%s)\t-\t-\n", r.ID, displayName(r.User, r.Counterpart(sess.UserID())), r.Status, dir)
		}
		for _, c := range blocked {
			fmt.Fprintf(tw, "%s\t%s\t%s\t-\t-\n", c.ID, displayName(c.User, c.Counterpart(sess.UserID())), c.Status)
		}
		return tw.Flush()
	},
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Send a contact request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		c, err := client.Contacts.Add(ctx, pulse.AddContactInput{
			UserID:   args[0],
			Nickname: contactsAddNickname,
			Notes:    contactsAddNotes,
		})
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), c)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Contact request %s sent (%s)\n", c.ID, c.Status)
		return nil
	},
}

var contactsSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search users to add",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		users, err := client.Users.Search(ctx, args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), users)
		}
		if len(users) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", u.ID, displayName(&u, u.ID))
		}
		return nil
	},
}

// contactActionCmds are the one-argument relationship transitions and flag
// toggles.
var contactActionCmds = []*cobra.Command{
	contactAction("accept", "Accept an incoming contact request", (*pulse.ContactsClient).Accept),
	contactAction("reject", "Reject an incoming contact request", (*pulse.ContactsClient).Reject),
	contactAction("delete", "Remove a contact or cancel a request", (*pulse.ContactsClient).Delete, "remove"),
	contactAction("block", "Block a contact", (*pulse.ContactsClient).Block),
	contactAction("unblock", "Unblock a contact", (*pulse.ContactsClient).Unblock),
	contactAction("favorite", "Mark a contact as favorite", flagSetter((*pulse.ContactsClient).SetFavorite, true)),
	contactAction("unfavorite", "Clear the favorite mark", flagSetter((*pulse.ContactsClient).SetFavorite, false)),
	contactAction("mute", "Mute a contact", flagSetter((*pulse.ContactsClient).SetMuted, true)),
	contactAction("unmute", "Unmute a contact", flagSetter((*pulse.ContactsClient).SetMuted, false)),
}

type contactCall func(*pulse.ContactsClient, context.Context, string) error

func flagSetter(set func(*pulse.ContactsClient, context.Context, string, bool) error, on bool) contactCall {
	return func(c *pulse.ContactsClient, ctx context.Context, id string) error { return set(c, ctx, id, on) }
}

func contactAction(name, short string, call contactCall, aliases ...string) *cobra.Command {
	return &cobra.Command{
		Use:     name + " <contact-id>",
		Short:   short,
		Aliases: aliases,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			if err := call(client.Contacts, ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Contact %s: %s done\n", args[0], name)
			return nil
		},
	}
}

var contactsUpdateCmd = &cobra.Command{
	Use:   "update <contact-id>",
	Short: "Change a contact's nickname or notes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in pulse.ContactUpdate
		if cmd.Flags().Changed("nickname") {
			in.Nickname = &contactsUpdateNickname
		}
		if cmd.Flags().Changed("notes") {
			in.Notes = &contactsUpdateNotes
		}
		if in.Nickname == nil && in.Notes == nil {
			return fmt.Errorf("nothing to update: pass --nickname or --notes")
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		c, err := client.Contacts.Update(ctx, args[0], in)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), c)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Contact %s updated\n", c.ID)
		return nil
	},
}

// contactsStatusCmd lists the rows of one status through the contact store.
func contactsStatusCmd(use, short string, status pulse.ContactStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			sess, closeSession, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer closeSession()

			if err := sess.Contacts.Load(ctx, status); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if status == pulse.ContactPending {
				requests := sess.Contacts.Requests()
				if flagJSON {
					return printJSON(out, requests)
				}
				if len(requests) == 0 {
					fmt.Fprintln(out, "No pending requests.")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tUSER\tDIRECTION")
				for _, r := range requests {
					dir := "outgoing"
					if r.IsIncoming {
						dir = "incoming"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, displayName(r.User, r.Counterpart(sess.UserID())), dir)
				}
				return tw.Flush()
			}

			blocked := sess.Contacts.Blocked()
			if flagJSON {
				return printJSON(out, blocked)
			}
			if len(blocked) == 0 {
				fmt.Fprintln(out, "No blocked users.")
				return nil
			}
			for _, c := range blocked {
				fmt.Fprintf(out, "%s\t%s\n", c.ID, displayName(c.User, c.Counterpart(sess.UserID())))
			}
			return nil
		},
	}
}
