package main

import (
	"fmt"

	"github.com/spf13/cobra"

	pulse "github.com/pulsechat/pulse/sdk/golang"
)

var (
	sendToGroup  bool
	historyLimit int
	historyGroup bool
)

func init() {
	rootCmd.AddCommand(sendCmd, historyCmd)
	sendCmd.Flags().BoolVar(&sendToGroup, "group", false, "the target is a group id")
	historyCmd.Flags().BoolVar(&historyGroup, "group", false, "the target is a group id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of messages")
}

func conversationFor(target string, group bool) pulse.Conversation {
	if group {
		return pulse.Conversation{Type: pulse.ConversationGroup, GroupID: target}
	}
	return pulse.Conversation{Type: pulse.ConversationDirect, UserID: target}
}

var sendCmd = &cobra.Command{
	Use:   "send <user-id|group-id> <message>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		sess, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		m, err := sess.Messaging.SendMessage(ctx, conversationFor(args[0], sendToGroup), args[1], "text", "")
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), m)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Message %s sent\n", m.ID)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <user-id|group-id>",
	Short: "Show recent messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		msgs, _, err := client.Messages.List(ctx, conversationFor(args[0], historyGroup), 1, historyLimit)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), msgs)
		}
		// Pages are newest first.
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.SenderID, m.Content)
		}
		return nil
	},
}
