// Package watchdog keeps the session inventory honest. Tier 0 is a
// mechanical reconciliation tick against live tmux state, tier 1 asks
// a model to triage agents the nudge sequence could not wake, and
// tier 2 keeps a persistent monitor agent running.
package watchdog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/overstory-ai/overstory/internal/agent"
	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/mail"
	"github.com/overstory-ai/overstory/internal/provider"
	"github.com/overstory-ai/overstory/internal/runstate"
	"github.com/overstory-ai/overstory/internal/store"
	"github.com/overstory-ai/overstory/internal/telemetry"
	"github.com/overstory-ai/overstory/internal/tmux"
	"github.com/overstory-ai/overstory/internal/util"
)

const (
	nudgeAttempts = 3
	nudgeRetryGap = 500 * time.Millisecond

	// Escalation level at which tier 1 triage takes over from the
	// marker sequence.
	triageLevel = 3

	killGrace = 2 * time.Second
)

// Watchdog reconciles session rows against the tmux inventory and
// shepherds stalled agents. Dependencies are plain fields so one
// instance serves the CLI tick, the patrol loop, and tests alike.
type Watchdog struct {
	Config   *config.Config
	Paths    config.Paths
	Sessions *store.SessionStore
	Events   *store.EventStore
	Tmux     *tmux.Tmux
	Provider *provider.Provider
	Runs     *runstate.Store
	Output   io.Writer

	// SpawnMonitor revives the tier 2 monitor agent. The command
	// layer wires this to the scheduler; nil disables respawn.
	SpawnMonitor func(ctx context.Context) error

	killTree func(pid int, grace time.Duration)
	sleep    func(d time.Duration)
	now      func() time.Time
}

// TickReport summarizes one reconciliation pass.
type TickReport struct {
	Checked      int      `json:"checked"`
	Stalled      []string `json:"stalled,omitempty"`
	Zombies      []string `json:"zombies,omitempty"`
	Killed       []string `json:"killed,omitempty"`
	Nudged       []string `json:"nudged,omitempty"`
	Triaged      []string `json:"triaged,omitempty"`
	CompletedRun string   `json:"completed_run,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

func (w *Watchdog) out() io.Writer {
	if w.Output == nil {
		return io.Discard
	}
	return w.Output
}

func (w *Watchdog) clock() time.Time {
	if w.now != nil {
		return w.now()
	}
	return time.Now()
}

func (w *Watchdog) pause(d time.Duration) {
	if w.sleep != nil {
		w.sleep(d)
		return
	}
	time.Sleep(d)
}

func (w *Watchdog) kill(pid int) {
	if w.killTree != nil {
		w.killTree(pid, killGrace)
		return
	}
	tmux.KillProcessTree(pid, killGrace)
}

func (w *Watchdog) staleAfter() time.Duration {
	return time.Duration(w.Config.Watchdog.StaleThresholdMs) * time.Millisecond
}

func (w *Watchdog) zombieAfter() time.Duration {
	return time.Duration(w.Config.Watchdog.ZombieThresholdMs) * time.Millisecond
}

func (w *Watchdog) nudgeEvery() time.Duration {
	return time.Duration(w.Config.Watchdog.NudgeIntervalMs) * time.Millisecond
}

// Tick runs one reconciliation pass over every non-terminal session.
// A failure on one agent is recorded in the report and never stops
// the rest of the pass.
func (w *Watchdog) Tick(ctx context.Context) (*TickReport, error) {
	report := &TickReport{}
	active, err := w.Sessions.GetActive()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindAgent, err, "listing active sessions")
	}
	report.Checked = len(active)
	for _, sess := range active {
		if err := w.reconcile(ctx, sess, report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", sess.AgentName, err))
			fmt.Fprintf(w.out(), "watchdog: %s: %v\n", sess.AgentName, err)
		}
	}
	w.completeRun(report)
	return report, nil
}

// reconcile moves one session at most one step along the state
// machine. A fresh transition is observed by the next tick, so a
// session never races from working to killed inside a single pass.
func (w *Watchdog) reconcile(ctx context.Context, sess store.Session, report *TickReport) error {
	alive, err := w.Tmux.HasSession(ctx, sess.TmuxSession)
	if err != nil {
		return err
	}
	if !alive {
		reason := "external"
		if w.sawSessionEnd(sess) {
			reason = "clean"
		}
		if err := w.markZombie(ctx, sess, reason); err != nil {
			return err
		}
		report.Zombies = append(report.Zombies, sess.AgentName)
		fmt.Fprintf(w.out(), "watchdog: %s pane is gone; marked zombie (%s)\n", sess.AgentName, reason)
		return nil
	}

	switch sess.State {
	case store.StateWorking:
		quiet := w.clock().Sub(sess.LastActivity)
		if quiet > w.staleAfter() {
			if err := w.Sessions.UpdateState(sess.AgentName, store.StateStalled); err != nil {
				return err
			}
			report.Stalled = append(report.Stalled, sess.AgentName)
			fmt.Fprintf(w.out(), "watchdog: %s stalled after %s of silence\n", sess.AgentName, quiet.Round(time.Second))
		}
	case store.StateStalled:
		return w.shepherd(ctx, sess, report)
	}
	return nil
}

func (w *Watchdog) shepherd(ctx context.Context, sess store.Session, report *TickReport) error {
	stalledSince := sess.StalledSince
	if stalledSince.IsZero() {
		stalledSince = sess.LastActivity
	}
	if w.clock().Sub(stalledSince) > w.zombieAfter() {
		w.killSession(ctx, sess)
		if err := w.markZombie(ctx, sess, "stall_kill"); err != nil {
			return err
		}
		report.Killed = append(report.Killed, sess.AgentName)
		report.Zombies = append(report.Zombies, sess.AgentName)
		fmt.Fprintf(w.out(), "watchdog: killed %s after %s stalled\n", sess.AgentName, w.clock().Sub(stalledSince).Round(time.Second))
		return nil
	}

	due, err := w.nudgeDue(sess.AgentName)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}
	if w.Config.Watchdog.Tier1Enabled && sess.EscalationLevel >= triageLevel {
		verdict := w.triage(ctx, sess)
		report.Triaged = append(report.Triaged, sess.AgentName)
		return w.applyVerdict(ctx, sess, verdict, report)
	}
	if err := w.sendNudge(ctx, sess); err != nil {
		return err
	}
	report.Nudged = append(report.Nudged, sess.AgentName)
	return nil
}

func (w *Watchdog) markZombie(ctx context.Context, sess store.Session, reason string) error {
	if err := w.Sessions.UpdateState(sess.AgentName, store.StateZombie); err != nil {
		return err
	}
	w.recordEnd(sess, reason)
	telemetry.RecordZombie(ctx, reason)
	return nil
}

// recordEnd writes the synthetic session_end for a pane that is no
// longer running. Best effort; the state transition already happened.
func (w *Watchdog) recordEnd(sess store.Session, reason string) {
	if w.Events == nil {
		return
	}
	level := "warn"
	if reason == "clean" {
		level = "info"
	}
	data, _ := json.Marshal(map[string]string{"reason": reason})
	_, _ = w.Events.Insert(store.Event{
		RunID:     sess.RunID,
		AgentName: sess.AgentName,
		SessionID: sess.ID,
		EventType: store.EventSessionEnd,
		Level:     level,
		Data:      string(data),
	})
}

// sawSessionEnd reports whether the agent's Stop hook logged a
// session_end during this session's lifetime. That distinguishes a
// clean exit from an externally killed pane.
func (w *Watchdog) sawSessionEnd(sess store.Session) bool {
	if w.Events == nil {
		return false
	}
	events, err := w.Events.List(store.EventFilter{
		Agent: sess.AgentName,
		Type:  store.EventSessionEnd,
		Since: sess.StartedAt,
		Limit: 1,
	})
	return err == nil && len(events) > 0
}

func (w *Watchdog) killSession(ctx context.Context, sess store.Session) {
	if sess.PID > 0 {
		w.kill(sess.PID)
	}
	_ = w.Tmux.KillSession(ctx, sess.TmuxSession)
}

// nudgeDue consults nudge-state.json under its lock and claims the
// slot when nudgeIntervalMs has passed for this agent. Claiming
// records the time, so concurrent ticks cannot double-nudge.
func (w *Watchdog) nudgeDue(agent string) (bool, error) {
	statePath := w.Paths.NudgeStateFile()
	lock := util.NewFileLock(statePath + ".lock")

	due := false
	err := lock.WithLock(func() error {
		state := map[string]int64{}
		if data, err := os.ReadFile(statePath); err == nil {
			// A corrupt state file resets the cadence map.
			_ = json.Unmarshal(data, &state)
		}

		nowMs := w.clock().UnixMilli()
		if last, ok := state[agent]; ok && nowMs-last < w.nudgeEvery().Milliseconds() {
			return nil
		}
		due = true
		state[agent] = nowMs
		return util.AtomicWriteJSON(statePath, state)
	})
	if err != nil {
		return false, errdefs.Wrap(errdefs.KindAgent, err, "updating nudge state")
	}
	return due, nil
}

// sendNudge writes the next marker in the progressive sequence and
// advances the escalation level. The marker surfaces on the agent's
// next mail check; nothing is ever typed into the pane.
func (w *Watchdog) sendNudge(ctx context.Context, sess store.Session) error {
	n := mail.Nudge{
		From:    "watchdog",
		Reason:  "stalled",
		Subject: nudgeText(sess),
	}
	var err error
	for attempt := 0; attempt < nudgeAttempts; attempt++ {
		if attempt > 0 {
			w.pause(nudgeRetryGap)
		}
		if err = mail.WriteNudge(w.Paths, sess.AgentName, n); err == nil {
			break
		}
	}
	if err != nil {
		return err
	}
	if err := w.Sessions.UpdateEscalation(sess.AgentName, sess.EscalationLevel+1); err != nil {
		return err
	}
	telemetry.RecordNudge(ctx, sess.EscalationLevel)
	fmt.Fprintf(w.out(), "watchdog: nudged %s (level %d)\n", sess.AgentName, sess.EscalationLevel)
	return nil
}

// nudgeText picks the message for the agent's escalation stage: a
// gentle reminder, then an explicit next action, then a capability
// specific completion prompt.
func nudgeText(sess store.Session) string {
	target := sess.ParentAgent
	if target == "" {
		target = "@leads"
	}
	switch sess.EscalationLevel {
	case 0:
		return fmt.Sprintf("No tool activity recorded for a while. If you are still working, carry on. If you are blocked, mail %s with what you need.", target)
	case 1:
		return fmt.Sprintf("You appear stalled. Next action: run `overstory mail check --agent %s`, handle anything waiting, then either resume the task or mail %s describing the blocker.", sess.AgentName, target)
	default:
		return completionText(sess, target)
	}
}

func completionText(sess store.Session, target string) string {
	switch agent.Capability(sess.Capability) {
	case agent.Builder:
		return fmt.Sprintf("Finish up: commit your work, send a worker_done mail to %s, and exit. If the task is not done, mail %s with what remains.", target, target)
	case agent.Scout:
		return fmt.Sprintf("Write up your findings now, mail them to %s, and exit.", target)
	case agent.Reviewer:
		return fmt.Sprintf("Deliver your verdict: mail the review outcome to %s and exit.", target)
	case agent.Merger:
		return fmt.Sprintf("Report merge state: send merge_ready or an error report to %s and exit.", target)
	default:
		return fmt.Sprintf("Report fleet state to %s, then either resume supervising or exit.", target)
	}
}

// completeRun closes out the current run once every session spawned
// under it has reached a terminal state.
func (w *Watchdog) completeRun(report *TickReport) {
	if w.Runs == nil {
		return
	}
	runID, err := w.Runs.CurrentRun()
	if err != nil || runID == "" {
		return
	}
	sessions, err := w.Sessions.GetByRun(runID)
	if err != nil || len(sessions) == 0 {
		return
	}
	for _, s := range sessions {
		if !s.State.IsTerminal() {
			return
		}
	}
	if err := w.Sessions.CompleteRun(runID); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("run %s: %v", runID, err))
		return
	}
	_ = w.Runs.ClearCurrentRun()
	report.CompletedRun = runID
	fmt.Fprintf(w.out(), "watchdog: run %s complete\n", runID)
}
