package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dmharvest/internal/logging"
	"dmharvest/internal/messenger"
)

var (
	messageUsername  string
	messageGroups    []string
	messageTemplates string
)

// messageCmd posts templated messages into trusted groups
var messageCmd = &cobra.Command{
	Use:   "message",
	Short: "Post a message into each trusted group of an account",
	Long: `Restores the account's session and posts one message into every stored trusted
group chat, waiting a random delay between groups. Messages come from the
group's custom_messages when set, otherwise from the template file.

Example:
  dmharvest message -u alice -g 1603802005881421824 -t templates.json`,
	RunE: runMessage,
}

func init() {
	messageCmd.Flags().StringVarP(&messageUsername, "username", "u", "", "Account username (required)")
	messageCmd.Flags().StringSliceVarP(&messageGroups, "group", "g", nil, "Restrict to these conversation ids")
	messageCmd.Flags().StringVarP(&messageTemplates, "templates", "t", "", "JSON array of message templates (default from config)")
	_ = messageCmd.MarkFlagRequired("username")
}

func runMessage(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	path := messageTemplates
	if path == "" {
		path = cfg.Messenger.TemplatesFile
	}
	templates, err := messenger.LoadTemplates(path)
	if err != nil {
		logger.Warn("using default templates", zap.Error(err))
	}

	mgr, shutdown := startBrowser(cfg)
	defer shutdown()

	m := messenger.New(mgr, db, messengerConfig(cfg, templates), logging.Get(logging.CategoryMessenger))
	report, err := m.Send(ctx, messageUsername, messageGroups)
	printDeliveries(cmd.OutOrStdout(), report)
	if err != nil {
		return err
	}
	return nil
}

func printDeliveries(w io.Writer, r messenger.Report) {
	for _, d := range r.Deliveries {
		if d.Err != nil {
			fmt.Fprintf(w, "%-22s %-30s FAILED  %v\n", d.ConversationID, d.Name, d.Err)
			continue
		}
		fmt.Fprintf(w, "%-22s %-30s sent    %q\n", d.ConversationID, d.Name, d.Message)
	}
	fmt.Fprintf(w, "%d of %d messages sent for %s\n", r.Sent(), len(r.Deliveries), r.Username)
}
