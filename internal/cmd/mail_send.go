package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/style"
)

var (
	mailSendSubject  string
	mailSendBody     string
	mailSendStdin    bool
	mailSendType     string
	mailSendPriority string
	mailSendPayload  string
	mailSendFrom     string
)

var mailSendCmd = &cobra.Command{
	Use:   "send <to>",
	Short: "Send a message to an agent or @group",
	Long: `Send mail to a concrete agent or a group address. Built-in groups
(@builders, @scouts, @reviewers, @leads, @mergers) resolve against
live sessions by capability; custom groups resolve by membership.
High-priority and protocol mail leaves a nudge marker so the
recipient wakes on its next prompt.`,
	Args: cobra.ExactArgs(1),
	RunE: runMailSend,
}

func init() {
	mailSendCmd.Flags().StringVarP(&mailSendSubject, "subject", "s", "", "Message subject")
	mailSendCmd.Flags().StringVarP(&mailSendBody, "body", "m", "", "Message body")
	mailSendCmd.Flags().BoolVar(&mailSendStdin, "stdin", false, "Read the body from stdin")
	mailSendCmd.Flags().StringVar(&mailSendType, "type", "", "Message type (status, question, result, error, or a protocol type)")
	mailSendCmd.Flags().StringVar(&mailSendPriority, "priority", "", "Priority (low, normal, high, urgent)")
	mailSendCmd.Flags().StringVar(&mailSendPayload, "payload", "", "Machine-readable JSON payload")
	mailSendCmd.Flags().StringVar(&mailSendFrom, "from", "", "Sender (defaults to the calling agent)")
	mailCmd.AddCommand(mailSendCmd)
}

func runMailSend(cmd *cobra.Command, args []string) error {
	// --stdin avoids shell quoting trouble for multi-line bodies.
	if mailSendStdin {
		if mailSendBody != "" {
			return errdefs.Validationf("cannot use --stdin together with --body")
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return errdefs.Wrap(errdefs.KindMail, err, "reading stdin")
		}
		mailSendBody = strings.TrimRight(string(data), "\n")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	broker, err := a.broker()
	if err != nil {
		return err
	}

	from := mailSendFrom
	if from == "" {
		from = detectAgent()
	}
	sent, err := broker.Send(mail.SendRequest{
		From:     from,
		To:       args[0],
		Subject:  mailSendSubject,
		Body:     mailSendBody,
		Type:     mailSendType,
		Priority: mailSendPriority,
		Payload:  mailSendPayload,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(sent)
	}
	w := out()
	fmt.Fprintf(w, "%s Mail sent to %d recipient(s)\n", style.SuccessPrefix, len(sent))
	if mailSendSubject != "" {
		fmt.Fprintf(w, "  Subject: %s\n", mailSendSubject)
	}
	if len(sent) > 1 || (len(sent) == 1 && sent[0].To != args[0]) {
		names := make([]string, len(sent))
		for i, m := range sent {
			names[i] = m.To
		}
		fmt.Fprintf(w, "  Recipients: %s\n", strings.Join(names, ", "))
	}
	return nil
}
