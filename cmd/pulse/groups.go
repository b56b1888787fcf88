package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	pulse "github.com/pulsechat/pulse/sdk/golang"
)

var (
	groupsListSearch string
	groupsListPage   int

	groupsCreateDescription string
	groupsCreatePublic      bool
	groupsCreateMembers     string
)

func init() {
	rootCmd.AddCommand(groupsCmd)
	groupsCmd.AddCommand(groupsListCmd, groupsGetCmd, groupsCreateCmd, groupsMembersCmd,
		groupsAddMembersCmd, groupsRemoveMemberCmd, groupsRoleCmd,
		groupsMuteCmd(true), groupsMuteCmd(false), groupsLeaveCmd)

	groupsListCmd.Flags().StringVar(&groupsListSearch, "search", "", "filter by name")
	groupsListCmd.Flags().IntVar(&groupsListPage, "page", 1, "page number")

	groupsCreateCmd.Flags().StringVar(&groupsCreateDescription, "description", "", "group description")
	groupsCreateCmd.Flags().BoolVar(&groupsCreatePublic, "public", false, "create a public group")
	groupsCreateCmd.Flags().StringVar(&groupsCreateMembers, "members", "", "comma-separated user ids to add")
}

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "Manage groups",
}

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		sess, closeSession, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer closeSession()

		if err := sess.Groups.LoadGroups(ctx, pulse.GroupQuery{Page: groupsListPage, Search: groupsListSearch}); err != nil {
			return err
		}
		groups := sess.Groups.Groups()
		out := cmd.OutOrStdout()
		if flagJSON {
			return printJSON(out, map[string]any{"groups": groups, "pagination": sess.Groups.Pagination()})
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tTYPE\tMEMBERS\tMUTED")
		for _, g := range groups {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", g.ID, g.Name, g.GroupType, g.MemberCount, yesNo(g.IsMuted))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if p := sess.Groups.Pagination(); p != nil && p.TotalPages > 1 {
			fmt.Fprintf(out, "\nPage %d of %d (%d groups)\n", p.CurrentPage, p.TotalPages, p.TotalCount)
		}
		return nil
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		in := pulse.CreateGroupInput{
			Name:        args[0],
			Description: groupsCreateDescription,
			GroupType:   pulse.GroupPrivate,
			MemberIDs:   splitList(groupsCreateMembers),
		}
		if groupsCreatePublic {
			in.GroupType = pulse.GroupPublic
		}
		g, err := client.Groups.Create(ctx, in)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), g)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Group %s created (%s)\n", g.Name, g.ID)
		return nil
	},
}

var groupsMembersCmd = &cobra.Command{
	Use:   "members <group-id>",
	Short: "List the members of a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		members, err := client.Groups.Members(ctx, args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), members)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tROLE\tJOINED")
		for _, m := range members {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", displayName(m.User, m.UserID), m.Role, m.JoinedAt.Format("2006-01-02"))
		}
		return tw.Flush()
	},
}

var groupsLeaveCmd = &cobra.Command{
	Use:   "leave <group-id>",
	Short: "Leave a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := client.Groups.Leave(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Left group %s\n", args[0])
		return nil
	},
}

var groupsGetCmd = &cobra.Command{
	Use:   "get <group-id>",
	Short: "Show one group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		g, err := client.Groups.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(cmd.OutOrStdout(), g)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ID:          %s\n", g.ID)
		fmt.Fprintf(out, "Name:        %s\n", g.Name)
		fmt.Fprintf(out, "Description: %s\n", valueOrDefault(g.Description, "-"))
		fmt.Fprintf(out, "Type:        %s\n", g.GroupType)
		fmt.Fprintf(out, "Members:     %d\n", g.MemberCount)
		fmt.Fprintf(out, "Muted:       %s\n", yesNo(g.IsMuted))
		return nil
	},
}

var groupsAddMembersCmd = &cobra.Command{
	Use:   "add-members <group-id> <user-id>...",
	Short: "Add users to a group",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := client.Groups.AddMembers(ctx, args[0], args[1:]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %d member(s) to %s\n", len(args)-1, args[0])
		return nil
	},
}

var groupsRemoveMemberCmd = &cobra.Command{
	Use:   "remove-member <group-id> <user-id>",
	Short: "Remove a member from a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := client.Groups.RemoveMember(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from %s\n", args[1], args[0])
		return nil
	},
}

var groupsRoleCmd = &cobra.Command{
	Use:       "role <group-id> <user-id> <admin|moderator|member>",
	Short:     "Change a member's role",
	Args:      cobra.ExactArgs(3),
	ValidArgs: []string{string(pulse.RoleAdmin), string(pulse.RoleModerator), string(pulse.RoleMember)},
	RunE: func(cmd *cobra.Command, args []string) error {
		role := pulse.MemberRole(args[2])
		switch role {
		case pulse.RoleAdmin, pulse.RoleModerator, pulse.RoleMember:
		default:
			return fmt.Errorf("unknown role %q", args[2])
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := client.Groups.UpdateMemberRole(ctx, args[0], args[1], role); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s in %s\n", args[1], role, args[0])
		return nil
	},
}

func groupsMuteCmd(muted bool) *cobra.Command {
	name, short, done := "mute", "Mute a group", "Muted"
	if !muted {
		name, short, done = "unmute", "Unmute a group", "Unmuted"
	}
	return &cobra.Command{
		Use:   name + " <group-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			if err := client.Groups.SetMuted(ctx, args[0], muted); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s group %s\n", done, args[0])
			return nil
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
