// Package history persists query sessions as JSON files so the CLI can
// continue a conversation across invocations.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session ID has no stored record.
var ErrNotFound = errors.New("history: session not found")

// Turn is one exchange in a stored session.
type Turn struct {
	Role    string    `json:"role"` // "user" or "assistant"
	Content string    `json:"content"`
	Backend string    `json:"backend,omitempty"` // adapter that answered, assistant turns only
	Time    time.Time `json:"time"`
}

// Record is a persisted session: the backend binding used for continuity
// plus the visible transcript.
type Record struct {
	ID      string    `json:"id"`
	Backend string    `json:"backend,omitempty"` // adapter the session is bound to
	Handle  string    `json:"handle,omitempty"`  // opaque continuity token for that adapter
	Turns   []Turn    `json:"turns"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Preview returns the first user turn truncated for listings.
func (r *Record) Preview() string {
	for _, t := range r.Turns {
		if t.Role == "user" && t.Content != "" {
			s := strings.ReplaceAll(t.Content, "\n", " ")
			runes := []rune(s)
			if len(runes) > 60 {
				s = string(runes[:57]) + "..."
			}
			return s
		}
	}
	return ""
}

// Store persists records as one JSON file per session.
type Store struct {
	dir string
}

// DefaultDir returns the per-user session directory.
func DefaultDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("history: %w", err)
	}
	return filepath.Join(base, "medask", "sessions"), nil
}

// New creates a Store rooted at dir, creating it when missing. An empty dir
// selects DefaultDir.
func New(dir string) (*Store, error) {
	if dir == "" {
		var err error
		dir, err = DefaultDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Save writes rec, minting an ID and timestamps as needed, and returns the ID.
func (s *Store) Save(rec *Record) (string, error) {
	if rec.ID == "" {
		rec.ID = "sess-" + uuid.NewString()[:8]
	}
	rec.Updated = time.Now()
	if rec.Created.IsZero() {
		rec.Created = rec.Updated
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("history: marshal: %w", err)
	}
	// transcripts can contain health details, keep them owner-only
	if err := os.WriteFile(s.filePath(rec.ID), data, 0o600); err != nil {
		return "", fmt.Errorf("history: write: %w", err)
	}
	return rec.ID, nil
}

// Load retrieves a session by ID.
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("history: read: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("history: parse %s: %w", id, err)
	}
	return &rec, nil
}

// List returns all stored sessions, most recently updated first. Corrupted
// files are skipped.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: read dir: %w", err)
	}

	var recs []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.Load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Updated.After(recs[j].Updated) })
	return recs, nil
}

// Delete removes a session by ID.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("history: delete: %w", err)
	}
	return nil
}

// Clear removes all stored sessions and returns how many were deleted.
func (s *Store) Clear() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("history: read dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if os.Remove(filepath.Join(s.dir, e.Name())) == nil {
			n++
		}
	}
	return n, nil
}

// filePath maps an ID to its file, ignoring any path separators in the ID.
func (s *Store) filePath(id string) string {
	return filepath.Join(s.dir, filepath.Base(id)+".json")
}
