package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/style"
)

var (
	mailListTo     string
	mailListFrom   string
	mailListUnread bool
	mailListLimit  int
)

var mailListCmd = &cobra.Command{
	Use:   "list",
	Short: "List messages",
	Long:  `List messages across all mailboxes, newest first.`,
	Args:  cobra.NoArgs,
	RunE:  runMailList,
}

func init() {
	mailListCmd.Flags().StringVar(&mailListTo, "to", "", "Only messages to this agent")
	mailListCmd.Flags().StringVar(&mailListFrom, "from", "", "Only messages from this agent")
	mailListCmd.Flags().BoolVar(&mailListUnread, "unread", false, "Only unread messages")
	mailListCmd.Flags().IntVar(&mailListLimit, "limit", 20, "Maximum number of messages")
	mailCmd.AddCommand(mailListCmd)
}

func runMailList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	broker, err := a.broker()
	if err != nil {
		return err
	}
	msgs, err := broker.List(store.MailFilter{
		To:         mailListTo,
		From:       mailListFrom,
		Unread:     mailListUnread,
		Limit:      mailListLimit,
		Descending: true,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(msgs)
	}
	w := out()
	if len(msgs) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No mail."))
		return nil
	}

	now := time.Now()
	t := style.NewTable(
		style.Column{Name: "ID", Width: 10},
		style.Column{Name: "FROM", Width: 12},
		style.Column{Name: "TO", Width: 12},
		style.Column{Name: "TYPE", Width: 11},
		style.Column{Name: "SUBJECT", Width: 28},
		style.Column{Name: "AGE", Width: 5, Align: style.AlignRight},
	)
	for _, m := range msgs {
		subject := clip(m.Subject, 28)
		if !m.Read {
			subject = style.Bold.Render(subject)
		}
		t.AddRow(m.ID, m.From, m.To, m.Type, subject, humanAge(m.CreatedAt, now))
	}
	fmt.Fprint(w, t.Render())
	return nil
}
