package sessions

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nrn-labs/undoable/internal/storage/dirstore"
)

// FileStore persists sessions as directories with meta.json + messages.jsonl.
type FileStore struct {
	mu sync.RWMutex
	ds *dirstore.DirStore
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{ds: dirstore.New(baseDir, "session")}
}

func generateSessionID() string {
	u := uuid.New().String()
	return "sess_" + strings.ReplaceAll(u[:8], "-", "")
}

// Create initialises a new session directory with meta.json.
func (fs *FileStore) Create() (*Session, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	now := time.Now()
	s := &Session{
		ID:        generateSessionID(),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusActive,
	}

	if err := fs.ds.EnsureDir(s.ID); err != nil {
		return nil, err
	}
	if err := fs.ds.WriteMeta(s.ID, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Ensure returns the session with the given id, creating it when missing.
// Callers may bring their own ids; an empty id generates one. Ids that look
// like paths are refused.
func (fs *FileStore) Ensure(id string) (*Session, error) {
	if id == "" {
		return fs.Create()
	}
	if strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return nil, fmt.Errorf("invalid session id %q", id)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if s, err := fs.readMeta(id); err == nil {
		return s, nil
	}

	now := time.Now()
	s := &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusActive,
	}
	if err := fs.ds.EnsureDir(id); err != nil {
		return nil, err
	}
	if err := fs.ds.WriteMeta(id, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Get reads session metadata by ID.
func (fs *FileStore) Get(id string) (*Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.readMeta(id)
}

// List returns all sessions sorted by UpdatedAt descending.
func (fs *FileStore) List() ([]*Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	names, err := fs.ds.ListDirs()
	if err != nil {
		return nil, err
	}

	var sessions []*Session
	for _, name := range names {
		s, err := fs.readMeta(name)
		if err != nil {
			continue // skip corrupted sessions
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// UpdateMeta atomically rewrites a session's meta.json.
func (fs *FileStore) UpdateMeta(s *Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s.UpdatedAt = time.Now()
	return fs.ds.WriteMeta(s.ID, s)
}

// Close marks a session as closed.
func (fs *FileStore) Close(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s, err := fs.readMeta(id)
	if err != nil {
		return err
	}
	s.Status = StatusClosed
	s.UpdatedAt = time.Now()
	return fs.ds.WriteMeta(id, s)
}

// Delete removes the session directory and its transcript.
func (fs *FileStore) Delete(id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := fs.readMeta(id); err != nil {
		return err
	}
	return fs.ds.RemoveDir(id)
}

// AppendMessage appends a message to the transcript and bumps the count.
func (fs *FileStore) AppendMessage(sessionID string, msg Message) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.ds.AppendJSONL(sessionID, "messages.jsonl", msg); err != nil {
		return err
	}

	s, err := fs.readMeta(sessionID)
	if err != nil {
		return err
	}
	s.MessageCount++
	s.UpdatedAt = time.Now()
	return fs.ds.WriteMeta(sessionID, s)
}

// LoadMessages reads the transcript. Corrupted lines are skipped so one bad
// write never poisons a session.
func (fs *FileStore) LoadMessages(sessionID string) ([]Message, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return dirstore.LoadJSONL[Message](fs.ds, sessionID, "messages.jsonl")
}

// AddUsage folds one turn's token consumption into the session total.
func (fs *FileStore) AddUsage(sessionID string, input, output int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	s, err := fs.readMeta(sessionID)
	if err != nil {
		return err
	}
	s.TokenUsage.Input += input
	s.TokenUsage.Output += output
	s.UpdatedAt = time.Now()
	return fs.ds.WriteMeta(sessionID, s)
}

func (fs *FileStore) readMeta(id string) (*Session, error) {
	var s Session
	if err := fs.ds.ReadMeta(id, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
