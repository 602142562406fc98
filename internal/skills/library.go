package skills

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nrn-labs/undoable/internal/storage"
)

// ErrSkillNotFound is returned when a reference names no known skill.
var ErrSkillNotFound = errors.New("skill not found")

const stateVersion = 1

type libraryState struct {
	Version  int      `json:"version"`
	Disabled []string `json:"disabled"`
}

// Library holds the loaded skill definitions plus the persisted disabled
// set. Definitions come from *.jsonc files; the disabled set survives
// restarts in its own state file.
type Library struct {
	mu        sync.RWMutex
	dirs      []string
	statePath string
	skills    map[string]*Skill
	disabled  map[string]bool
}

// NewLibrary creates a Library reading definitions from dirs and persisting
// the disabled set to statePath.
func NewLibrary(dirs []string, statePath string) *Library {
	return &Library{
		dirs:      dirs,
		statePath: statePath,
		skills:    make(map[string]*Skill),
		disabled:  make(map[string]bool),
	}
}

// Load scans the definition directories and reads the disabled set. A file
// that fails to parse is skipped with a warning so one bad definition never
// takes the library down.
func (l *Library) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.skills = make(map[string]*Skill)
	for _, dir := range l.dirs {
		if err := l.loadDir(dir); err != nil {
			return err
		}
	}

	var st libraryState
	if err := storage.LoadState(l.statePath, stateVersion, &st); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load skills state: %w", err)
		}
	}
	l.disabled = make(map[string]bool, len(st.Disabled))
	for _, name := range st.Disabled {
		l.disabled[name] = true
	}
	return nil
}

func (l *Library) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("skills directory not found, skipping", "dir", dir)
			return nil
		}
		return fmt.Errorf("read skills dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonc") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		skill, err := LoadSkill(path)
		if err != nil {
			slog.Warn("skill definition skipped", "path", path, "error", err)
			continue
		}
		if _, exists := l.skills[skill.Name]; exists {
			slog.Warn("duplicate skill name, keeping first", "name", skill.Name, "path", path)
			continue
		}
		l.skills[skill.Name] = skill
	}
	return nil
}

// Get returns the named skill. Disabled skills still resolve; callers that
// care consult Enabled.
func (l *Library) Get(name string) (*Skill, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.skills[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return s, nil
}

// Enabled reports whether the named skill exists and is not disabled.
func (l *Library) Enabled(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.skills[name]
	return ok && !l.disabled[name]
}

// Entry pairs a skill with its availability for listings.
type Entry struct {
	Skill   *Skill `json:"skill"`
	Enabled bool   `json:"enabled"`
}

// List returns every known skill sorted by name.
func (l *Library) List() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := make([]Entry, 0, len(l.skills))
	for name, s := range l.skills {
		entries = append(entries, Entry{Skill: s, Enabled: !l.disabled[name]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Skill.Name < entries[j].Skill.Name })
	return entries
}

// Enable re-admits a skill, persisting the disabled set.
func (l *Library) Enable(name string) error {
	return l.setDisabled(name, false)
}

// Disable takes a skill out of resolution, persisting the disabled set.
func (l *Library) Disable(name string) error {
	return l.setDisabled(name, true)
}

func (l *Library) setDisabled(name string, disabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.skills[name]; !ok {
		return fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	if disabled {
		l.disabled[name] = true
	} else {
		delete(l.disabled, name)
	}
	return l.persist()
}

func (l *Library) persist() error {
	names := make([]string, 0, len(l.disabled))
	for name := range l.disabled {
		names = append(names, name)
	}
	sort.Strings(names)
	if err := storage.SaveState(l.statePath, libraryState{Version: stateVersion, Disabled: names}); err != nil {
		return fmt.Errorf("save skills state: %w", err)
	}
	return nil
}

// Compose resolves skill references into one prompt block, in reference
// order. Disabled skills are dropped; an unknown reference is an error so a
// stale workflow surfaces instead of silently running underpowered.
func (l *Library) Compose(refs []string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var parts []string
	for _, ref := range refs {
		s, ok := l.skills[ref]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrSkillNotFound, ref)
		}
		if l.disabled[ref] {
			continue
		}
		parts = append(parts, s.Prompt())
	}
	return strings.Join(parts, "\n\n"), nil
}
