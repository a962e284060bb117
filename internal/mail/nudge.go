package mail

import (
	"encoding/json"
	"os"
	"time"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/util"
)

// Nudge is the pending-nudge marker written for an agent. The broker
// never injects keys into a recipient's pane; it leaves this marker
// and the recipient's next check --inject surfaces it. Only the latest
// nudge is kept.
type Nudge struct {
	From      string    `json:"from"`
	Reason    string    `json:"reason"`
	Subject   string    `json:"subject"`
	MessageID string    `json:"message_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// WriteNudge records the marker for agent, replacing any previous one.
func WriteNudge(paths config.Paths, agent string, n Nudge) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(paths.PendingNudgesDir(), 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindMail, err, "creating nudge directory")
	}
	if err := util.AtomicWriteJSON(paths.PendingNudgeFile(agent), &n); err != nil {
		return errdefs.Wrap(errdefs.KindMail, err, "writing nudge marker")
	}
	return nil
}

// TakeNudge reads and clears the marker for agent. ok is false when
// none is pending. A corrupt marker is cleared and treated as absent.
func TakeNudge(paths config.Paths, agent string) (Nudge, bool, error) {
	path := paths.PendingNudgeFile(agent)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Nudge{}, false, nil
		}
		return Nudge{}, false, errdefs.Wrap(errdefs.KindMail, err, "reading nudge marker")
	}

	var n Nudge
	parseErr := json.Unmarshal(data, &n)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Nudge{}, false, errdefs.Wrap(errdefs.KindMail, err, "clearing nudge marker")
	}
	if parseErr != nil {
		return Nudge{}, false, nil
	}
	return n, true, nil
}

// PeekNudge reads the marker without clearing it. The watchdog uses
// this to see whether a nudge is already waiting.
func PeekNudge(paths config.Paths, agent string) (Nudge, bool, error) {
	data, err := os.ReadFile(paths.PendingNudgeFile(agent))
	if err != nil {
		if os.IsNotExist(err) {
			return Nudge{}, false, nil
		}
		return Nudge{}, false, errdefs.Wrap(errdefs.KindMail, err, "reading nudge marker")
	}
	var n Nudge
	if err := json.Unmarshal(data, &n); err != nil {
		return Nudge{}, false, nil
	}
	return n, true, nil
}
