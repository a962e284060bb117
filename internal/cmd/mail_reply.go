package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/style"
)

var (
	mailReplyBody  string
	mailReplyStdin bool
)

var mailReplyCmd = &cobra.Command{
	Use:   "reply <id>",
	Short: "Reply to a message",
	Long: `Reply to a message. The reply goes back to the original sender with
a "Re:" subject and marks the original read.`,
	Args: cobra.ExactArgs(1),
	RunE: runMailReply,
}

func init() {
	mailReplyCmd.Flags().StringVarP(&mailReplyBody, "body", "m", "", "Reply body")
	mailReplyCmd.Flags().BoolVar(&mailReplyStdin, "stdin", false, "Read the body from stdin")
	mailCmd.AddCommand(mailReplyCmd)
}

func runMailReply(cmd *cobra.Command, args []string) error {
	if mailReplyStdin {
		if mailReplyBody != "" {
			return errdefs.Validationf("cannot use --stdin together with --body")
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return errdefs.Wrap(errdefs.KindMail, err, "reading stdin")
		}
		mailReplyBody = strings.TrimRight(string(data), "\n")
	}
	if mailReplyBody == "" {
		return errdefs.Validationf("reply needs a body: pass --body or --stdin")
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
	msg, err := broker.Reply(args[0], mailReplyBody, detectAgent())
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(msg)
	}
	fmt.Fprintf(out(), "%s Replied to %s (%s)\n", style.SuccessPrefix, msg.To, msg.ID)
	return nil
}
