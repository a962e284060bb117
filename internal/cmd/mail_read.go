package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/style"
)

var mailReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Read a message and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE:  runMailRead,
}

func init() {
	mailCmd.AddCommand(mailReadCmd)
}

func runMailRead(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mbox, err := a.Mail()
	if err != nil {
		return err
	}
	msg, ok, err := mbox.Get(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return errdefs.Mailf("no message with id %q", args[0])
	}

	broker, err := a.broker()
	if err != nil {
		return err
	}
	alreadyRead, err := broker.MarkRead(msg.ID)
	if err != nil {
		return err
	}

	if jsonOut {
		msg.Read = true
		return printJSON(msg)
	}

	w := out()
	subject := msg.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	fmt.Fprintln(w, style.Bold.Render(subject))
	fmt.Fprintf(w, "%s %s → %s  %s  %s, %s\n",
		style.Dim.Render(msg.ID),
		msg.From, msg.To,
		style.Dim.Render(msg.CreatedAt.Local().Format(time.RFC822)),
		msg.Type, msg.Priority)
	if alreadyRead {
		fmt.Fprintln(w, style.Dim.Render("(already read)"))
	}
	if msg.Body != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, msg.Body)
	}
	if msg.Payload != "" {
		fmt.Fprintln(w)
		fmt.Fprintln(w, style.Dim.Render("Payload: "+msg.Payload))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s\n", style.Dim.Render(fmt.Sprintf("Reply with: overstory mail reply %s --body \"...\"", msg.ID)))
	return nil
}
