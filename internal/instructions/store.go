// Package instructions stores per-agent instruction documents with full
// version history. Each agent owns a directory holding meta.json plus one
// vN.md file per revision; setting new text appends a version, rolling back
// re-points the current marker without rewriting history.
package instructions

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nrn-labs/undoable/internal/storage/dirstore"
)

var (
	// ErrNotFound is returned when an agent has no instruction set.
	ErrNotFound = errors.New("instruction set not found")
	// ErrVersionNotFound is returned when a version number does not exist.
	ErrVersionNotFound = errors.New("instruction version not found")
)

// Version is one historical revision of an agent's instructions.
type Version struct {
	Number    int       `json:"number"`
	Note      string    `json:"note,omitempty"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Meta tracks an agent's revision history and the current pointer.
type Meta struct {
	AgentID   string    `json:"agentId"`
	Current   int       `json:"current"`
	Versions  []Version `json:"versions"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists instruction sets under baseDir, one directory per agent.
type Store struct {
	mu sync.RWMutex
	ds *dirstore.DirStore
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{ds: dirstore.New(baseDir, "instruction set")}
}

func validAgentID(id string) error {
	if id == "" {
		return errors.New("agent id required")
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return fmt.Errorf("invalid agent id %q", id)
	}
	return nil
}

func versionFile(n int) string {
	return fmt.Sprintf("v%d.md", n)
}

// Set appends a new revision with the given text and makes it current.
func (s *Store) Set(agentID, text, note string) (*Meta, error) {
	if err := validAgentID(agentID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("instruction text required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(agentID)
	if errors.Is(err, ErrNotFound) {
		meta = &Meta{AgentID: agentID}
	} else if err != nil {
		return nil, err
	}

	next := 1
	if n := len(meta.Versions); n > 0 {
		next = meta.Versions[n-1].Number + 1
	}

	if err := s.ds.EnsureDir(agentID); err != nil {
		return nil, err
	}
	if err := s.ds.WriteFileAtomic(agentID, versionFile(next), []byte(text)); err != nil {
		return nil, err
	}

	meta.Versions = append(meta.Versions, Version{
		Number:    next,
		Note:      note,
		Size:      len(text),
		CreatedAt: time.Now(),
	})
	meta.Current = next
	meta.UpdatedAt = time.Now()
	if err := s.ds.WriteMeta(agentID, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Current returns the text of the agent's current revision.
func (s *Store) Current(agentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.readMeta(agentID)
	if err != nil {
		return "", err
	}
	return s.readVersion(agentID, meta.Current)
}

// TextAt returns the text of a specific revision.
func (s *Store) TextAt(agentID string, version int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, err := s.readMeta(agentID)
	if err != nil {
		return "", err
	}
	if !hasVersion(meta, version) {
		return "", fmt.Errorf("%w: v%d", ErrVersionNotFound, version)
	}
	return s.readVersion(agentID, version)
}

// Rollback re-points current at an existing revision. The revision history
// stays intact; a later Set still appends after the highest number.
func (s *Store) Rollback(agentID string, version int) (*Meta, error) {
	if err := validAgentID(agentID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta(agentID)
	if err != nil {
		return nil, err
	}
	if !hasVersion(meta, version) {
		return nil, fmt.Errorf("%w: v%d", ErrVersionNotFound, version)
	}
	meta.Current = version
	meta.UpdatedAt = time.Now()
	if err := s.ds.WriteMeta(agentID, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// Get returns the agent's instruction metadata.
func (s *Store) Get(agentID string) (*Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readMeta(agentID)
}

// List returns metadata for every agent, sorted by agent id.
func (s *Store) List() ([]*Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names, err := s.ds.ListDirs()
	if err != nil {
		return nil, err
	}

	var metas []*Meta
	for _, name := range names {
		m, err := s.readMeta(name)
		if err != nil {
			continue // skip corrupted sets
		}
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].AgentID < metas[j].AgentID })
	return metas, nil
}

// Delete removes an agent's instruction set and its whole history.
func (s *Store) Delete(agentID string) error {
	if err := validAgentID(agentID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMeta(agentID); err != nil {
		return err
	}
	return s.ds.RemoveDir(agentID)
}

func (s *Store) readMeta(agentID string) (*Meta, error) {
	if _, err := os.Stat(s.ds.FilePath(agentID, "meta.json")); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, agentID)
		}
		return nil, fmt.Errorf("stat meta: %w", err)
	}
	var m Meta
	if err := s.ds.ReadMeta(agentID, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) readVersion(agentID string, n int) (string, error) {
	data, err := s.ds.ReadFileContent(agentID, versionFile(n))
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("%w: v%d", ErrVersionNotFound, n)
	}
	return string(data), nil
}

func hasVersion(meta *Meta, n int) bool {
	for _, v := range meta.Versions {
		if v.Number == n {
			return true
		}
	}
	return false
}
