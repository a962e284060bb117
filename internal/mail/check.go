package mail

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/util"
)

// Check returns the agent's unread messages, oldest first, without
// touching read state or markers.
func (b *Broker) Check(agent string) ([]store.Message, error) {
	if agent == "" {
		return nil, errdefs.Mailf("check requires an agent name")
	}
	return b.Mail.List(store.MailFilter{To: agent, Unread: true})
}

// CheckInject delivers the agent's mail as a block suitable for prompt
// injection. It consumes the pending-nudge marker (banner printed once
// per marker), marks the delivered messages read, and respects the
// debounce window. Returns "" when there is nothing to deliver or the
// call is debounced.
func (b *Broker) CheckInject(agent string, debounce time.Duration) (string, error) {
	if agent == "" {
		return "", errdefs.Mailf("check requires an agent name")
	}

	if debounce > 0 {
		recent, err := b.debounced(agent, debounce)
		if err != nil || recent {
			return "", err
		}
	}

	nudge, hasNudge, err := TakeNudge(b.Paths, agent)
	if err != nil {
		return "", err
	}
	msgs, err := b.Mail.List(store.MailFilter{To: agent, Unread: true})
	if err != nil {
		return "", err
	}
	if !hasNudge && len(msgs) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("<system-reminder>\n")
	if hasNudge {
		fmt.Fprintf(&sb, "🚨 PRIORITY: %s from %s", nudge.Reason, nudge.From)
		if nudge.Subject != "" {
			fmt.Fprintf(&sb, " — %s", nudge.Subject)
		}
		sb.WriteString("\n\n")
	}
	if len(msgs) > 0 {
		fmt.Fprintf(&sb, "You have %d unread message(s):\n\n", len(msgs))
		for _, m := range msgs {
			fmt.Fprintf(&sb, "[%s] from %s (%s, %s): %s\n", m.ID, m.From, m.Priority, m.Type, m.Subject)
			if m.Body != "" {
				sb.WriteString(indent(m.Body))
			}
			if _, err := b.Mail.MarkRead(m.ID); err != nil {
				return "", errdefs.Wrap(errdefs.KindMail, err, "marking message read")
			}
		}
		sb.WriteString("\nReply with: overstory mail reply <id> --body \"...\"\n")
	}
	sb.WriteString("</system-reminder>")
	return sb.String(), nil
}

// debounced consults mail-check-state.json under the cross-process
// lock. When the agent checked within the window it returns true;
// otherwise it records now and returns false.
func (b *Broker) debounced(agent string, window time.Duration) (bool, error) {
	statePath := b.Paths.MailCheckStateFile()
	lock := util.NewFileLock(statePath + ".lock")

	recent := false
	err := lock.WithLock(func() error {
		state := map[string]int64{}
		if data, err := os.ReadFile(statePath); err == nil {
			// A corrupt state file resets the debounce map.
			_ = json.Unmarshal(data, &state)
		}

		now := time.Now().UnixMilli()
		if last, ok := state[agent]; ok && now-last < window.Milliseconds() {
			recent = true
			return nil
		}
		state[agent] = now
		return util.AtomicWriteJSON(statePath, state)
	})
	if err != nil {
		return false, errdefs.Wrap(errdefs.KindMail, err, "updating check state")
	}
	return recent, nil
}

func indent(body string) string {
	var sb strings.Builder
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		sb.WriteString("    ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}
