package agent

import (
	"encoding/json"
	"os"
	"time"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/util"
)

// Checkpoint is the state an agent saves from its PreCompact hook so
// the post-compaction prime can restore working context. One file per
// agent, overwritten on each save.
type Checkpoint struct {
	Agent         string    `json:"agent"`
	Progress      string    `json:"progress"`
	FilesModified []string  `json:"files_modified,omitempty"`
	PendingWork   []string  `json:"pending_work,omitempty"`
	CurrentBranch string    `json:"current_branch"`
	SavedAt       time.Time `json:"saved_at"`
}

// SaveCheckpoint writes the checkpoint atomically, stamping SavedAt.
func SaveCheckpoint(paths config.Paths, cp *Checkpoint) error {
	if cp.Agent == "" {
		return errdefs.Validationf("checkpoint requires an agent name")
	}
	cp.SavedAt = time.Now().UTC()
	if err := os.MkdirAll(paths.AgentDir(cp.Agent), 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindAgent, err, "creating agent directory")
	}
	if err := util.AtomicWriteJSON(paths.CheckpointFile(cp.Agent), cp); err != nil {
		return errdefs.Wrap(errdefs.KindAgent, err, "writing checkpoint")
	}
	return nil
}

// LoadCheckpoint reads the checkpoint for an agent. ok is false when
// none was saved.
func LoadCheckpoint(paths config.Paths, name string) (*Checkpoint, bool, error) {
	data, err := os.ReadFile(paths.CheckpointFile(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errdefs.Wrap(errdefs.KindAgent, err, "reading checkpoint")
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, false, errdefs.Wrap(errdefs.KindAgent, err, "parsing checkpoint")
	}
	return &cp, true, nil
}

// ClearCheckpoint removes an agent's checkpoint. Missing is fine.
func ClearCheckpoint(paths config.Paths, name string) error {
	err := os.Remove(paths.CheckpointFile(name))
	if err != nil && !os.IsNotExist(err) {
		return errdefs.Wrap(errdefs.KindAgent, err, "removing checkpoint")
	}
	return nil
}
