package agent

import (
	"encoding/json"
	"os"
	"time"

	"github.com/overstory-ai/overstory/internal/config"
	"github.com/overstory-ai/overstory/internal/errdefs"
	"github.com/overstory-ai/overstory/internal/util"
)

// Identity is the durable record of an agent name, kept separate from
// sessions. Sessions come and go; the identity file persists across
// lifetimes and accumulates a CV: total session count and per
// capability history. The scheduler is the only writer.
type Identity struct {
	Name       string    `json:"name"`
	Capability string    `json:"capability"`
	CreatedAt  time.Time `json:"created_at"`
	Domains    []string  `json:"domains,omitempty"`

	// SessionCount is the number of sessions ever slung under this name.
	SessionCount int `json:"session_count"`

	// History counts sessions per capability. A reused name can run
	// under a different capability than it was created with.
	History map[string]int `json:"history,omitempty"`

	LastSessionAt time.Time `json:"last_session_at"`
}

// LoadIdentity reads the identity record for name. ok is false when no
// record exists yet.
func LoadIdentity(paths config.Paths, name string) (*Identity, bool, error) {
	data, err := os.ReadFile(paths.IdentityFile(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errdefs.Wrap(errdefs.KindAgent, err, "reading identity")
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, false, errdefs.Wrap(errdefs.KindAgent, err, "parsing identity")
	}
	if id.Name == "" {
		id.Name = name
	}
	return &id, true, nil
}

// SaveIdentity persists the record atomically.
func SaveIdentity(paths config.Paths, id *Identity) error {
	if err := os.MkdirAll(paths.AgentDir(id.Name), 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindAgent, err, "creating agent directory")
	}
	if err := util.AtomicWriteJSON(paths.IdentityFile(id.Name), id); err != nil {
		return errdefs.Wrap(errdefs.KindAgent, err, "writing identity")
	}
	return nil
}

// EnsureIdentity loads the record for name, creating it on first run.
// created reports whether this call created the record.
func EnsureIdentity(paths config.Paths, name string, c Capability, domains []string) (id *Identity, created bool, err error) {
	id, ok, err := LoadIdentity(paths, name)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return id, false, nil
	}

	id = &Identity{
		Name:       name,
		Capability: string(c),
		CreatedAt:  time.Now().UTC(),
		Domains:    append([]string(nil), domains...),
	}
	if err := SaveIdentity(paths, id); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// RecordSession bumps the CV for one more session under capability c
// and stamps the time. Callers save afterwards.
func (id *Identity) RecordSession(c Capability) {
	id.SessionCount++
	if id.History == nil {
		id.History = make(map[string]int)
	}
	id.History[string(c)]++
	id.LastSessionAt = time.Now().UTC()
}

// ListIdentities returns every identity record under agents/, sorted
// by the directory listing. Unreadable entries are skipped.
func ListIdentities(paths config.Paths) ([]*Identity, error) {
	entries, err := os.ReadDir(paths.AgentsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.Wrap(errdefs.KindAgent, err, "listing agents")
	}

	var ids []*Identity
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok, err := LoadIdentity(paths, e.Name())
		if err != nil || !ok {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
