// ABOUTME: Session-scoped JSON roster file implementing agent.RosterStore.
// ABOUTME: Save/load round-trips records exactly; corruption loads as empty.

package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/batonhq/baton/internal/agent"
)

const rosterFile = "agents.json"

// Roster persists the agent roster as a single JSON document in the session
// directory. Writes go through a temp file and rename so a crash never
// leaves a half-written roster.
type Roster struct {
	dir string
}

// NewRoster creates a roster store rooted at the session directory, which is
// created if needed.
func NewRoster(dir string) (*Roster, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}
	return &Roster{dir: dir}, nil
}

// SaveRoster writes the full roster, replacing the previous snapshot.
func (r *Roster) SaveRoster(_ context.Context, records []agent.Record) error {
	if records == nil {
		records = []agent.Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding roster: %w", err)
	}

	path := filepath.Join(r.dir, rosterFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing roster: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing roster: %w", err)
	}
	return nil
}

// LoadRoster reads the persisted roster. A missing file yields an empty
// roster; a corrupt one yields an error the caller treats as empty.
func (r *Roster) LoadRoster(_ context.Context) ([]agent.Record, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, rosterFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading roster: %w", err)
	}

	var records []agent.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decoding roster: %w", err)
	}
	return records, nil
}
