package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// UsageEntry is one model call's token usage.
type UsageEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"sessionId,omitempty"`
	RunID        string    `json:"runId,omitempty"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	TokensInput  int       `json:"tokensInput"`
	TokensOutput int       `json:"tokensOutput"`
}

// UsageTracker appends token usage to a per-day JSONL journal. The chat loop
// records an entry after every model response that reported usage.
type UsageTracker struct {
	mu  sync.Mutex
	dir string
}

// NewUsageTracker creates a tracker writing under dir.
func NewUsageTracker(dir string) *UsageTracker {
	return &UsageTracker{dir: dir}
}

// Record appends an entry to the day's journal file.
func (t *UsageTracker) Record(e UsageEntry) error {
	if e.TokensInput == 0 && e.TokensOutput == 0 {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal usage entry: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(t.dir, 0o700); err != nil {
		return fmt.Errorf("create usage dir: %w", err)
	}
	f, err := os.OpenFile(t.dayPath(e.Timestamp), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open usage journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write usage entry: %w", err)
	}
	return nil
}

// Day returns all entries recorded for the given day.
func (t *UsageTracker) Day(day time.Time) ([]UsageEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.dayPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open usage journal: %w", err)
	}
	defer f.Close()

	var entries []UsageEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e UsageEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip corrupted lines
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan usage journal: %w", err)
	}
	return entries, nil
}

// Totals sums the day's token usage.
func (t *UsageTracker) Totals(day time.Time) (tokensIn, tokensOut int, err error) {
	entries, err := t.Day(day)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		tokensIn += e.TokensInput
		tokensOut += e.TokensOutput
	}
	return tokensIn, tokensOut, nil
}

func (t *UsageTracker) dayPath(day time.Time) string {
	return filepath.Join(t.dir, "usage-"+day.Format("2006-01-02")+".jsonl")
}
