package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dmharvest/internal/report"
	"dmharvest/internal/store"
)

var (
	groupsTrusted bool
	groupsMarkdown     bool
)

// groupsCmd lists stored group chats
var groupsCmd = &cobra.Command{
	Use:   "groups [username]",
	Short: "List the stored group chats of an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runGroups,
}

func init() {
	groupsCmd.Flags().BoolVar(&groupsTrusted, "trusted", false, "Only trusted groups")
	groupsCmd.Flags().BoolVar(&groupsMarkdown, "markdown", false, "Print markdown instead of rendering it")
}

func runGroups(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	groups, err := db.GroupChats(ctx, store.GroupChatQuery{Username: args[0], TrustedOnly: groupsTrusted})
	if err != nil {
		return err
	}
	md := report.Markdown(args[0], groups)
	if groupsMarkdown {
		_, err = fmt.Fprint(cmd.OutOrStdout(), md)
		return err
	}

	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	out, err := report.Render(md, width)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(cmd.OutOrStdout(), out)
	return err
}
