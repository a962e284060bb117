package watchdog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/store"
)

// Verdict is the tier 1 triage outcome for a stalled agent.
type Verdict string

const (
	VerdictRetry     Verdict = "retry"
	VerdictTerminate Verdict = "terminate"
	VerdictExtend    Verdict = "extend"
)

// Event lines quoted in the triage prompt.
const triageEventTail = 20

// ParseVerdict maps a triage response onto a verdict. Tokens are
// scanned in order and the first recognized keyword wins; a response
// with no keyword reads as extend.
func ParseVerdict(response string) Verdict {
	for _, raw := range strings.Fields(strings.ToLower(response)) {
		switch strings.Trim(raw, ".,:;!?\"'()[]*`") {
		case "retry", "recoverable":
			return VerdictRetry
		case "terminate", "fatal", "failed":
			return VerdictTerminate
		case "extend":
			return VerdictExtend
		}
	}
	return VerdictExtend
}

// triage asks the provider what to do with a stalled agent. Any
// invocation failure falls back to extend.
func (w *Watchdog) triage(ctx context.Context, sess store.Session) Verdict {
	if w.Provider == nil {
		return VerdictExtend
	}
	model := w.Config.ModelFor("monitor", "haiku")
	response, err := w.Provider.Invoke(ctx, model, w.triagePrompt(sess))
	if err != nil {
		fmt.Fprintf(w.out(), "watchdog: triage of %s failed (%v); extending\n", sess.AgentName, err)
		return VerdictExtend
	}
	verdict := ParseVerdict(response)
	fmt.Fprintf(w.out(), "watchdog: triage verdict for %s: %s\n", sess.AgentName, verdict)
	return verdict
}

func (w *Watchdog) triagePrompt(sess store.Session) string {
	stalledSince := sess.StalledSince
	if stalledSince.IsZero() {
		stalledSince = sess.LastActivity
	}

	var b strings.Builder
	b.WriteString("You are triaging a stalled coding agent.\n\n")
	fmt.Fprintf(&b, "Agent: %s (%s)\n", sess.AgentName, sess.Capability)
	if sess.BeadID != "" {
		fmt.Fprintf(&b, "Task: %s\n", sess.BeadID)
	}
	if sess.BranchName != "" {
		fmt.Fprintf(&b, "Branch: %s\n", sess.BranchName)
	}
	fmt.Fprintf(&b, "Stalled for %s; %d nudges went unanswered.\n",
		w.clock().Sub(stalledSince).Round(time.Second), sess.EscalationLevel)

	if w.Events != nil {
		events, err := w.Events.List(store.EventFilter{Agent: sess.AgentName, Limit: triageEventTail, Descending: true})
		if err == nil && len(events) > 0 {
			b.WriteString("\nRecent events, newest first:\n")
			for _, ev := range events {
				line := ev.EventType
				if ev.ToolName != "" {
					line += " " + ev.ToolName
				}
				fmt.Fprintf(&b, "  %s %s\n", ev.CreatedAt.Format("15:04:05"), line)
			}
		}
	}

	b.WriteString("\nReply with exactly one word:\n")
	b.WriteString("  RETRY     the agent looks recoverable and should be told to continue\n")
	b.WriteString("  TERMINATE the session looks wedged and its process should be killed\n")
	b.WriteString("  EXTEND    it deserves more time\n")
	return b.String()
}

// applyVerdict turns a triage verdict into state transitions. Retry
// resets the agent to working and leaves a continue marker; extend
// restarts the stall window; terminate kills the process tree.
func (w *Watchdog) applyVerdict(ctx context.Context, sess store.Session, verdict Verdict, report *TickReport) error {
	switch verdict {
	case VerdictTerminate:
		w.killSession(ctx, sess)
		if err := w.markZombie(ctx, sess, "stall_kill"); err != nil {
			return err
		}
		report.Killed = append(report.Killed, sess.AgentName)
		report.Zombies = append(report.Zombies, sess.AgentName)
		fmt.Fprintf(w.out(), "watchdog: terminated %s on triage verdict\n", sess.AgentName)
	case VerdictRetry:
		if err := w.Sessions.UpdateLastActivity(sess.AgentName); err != nil {
			return err
		}
		_ = mail.WriteNudge(w.Paths, sess.AgentName, mail.Nudge{
			From:    "watchdog",
			Reason:  "triage",
			Subject: "Triage judged your session recoverable. Pick up where you left off; mail your parent if something is blocking you.",
		})
		fmt.Fprintf(w.out(), "watchdog: %s judged recoverable; reset to working\n", sess.AgentName)
	default:
		if err := w.Sessions.UpdateState(sess.AgentName, store.StateStalled); err != nil {
			return err
		}
		fmt.Fprintf(w.out(), "watchdog: extended %s\n", sess.AgentName)
	}
	return nil
}
