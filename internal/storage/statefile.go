// Package storage provides the file-backed persistence primitives: versioned
// state files, debounced flushing, and append-only JSONL journals.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrFutureVersion means a state file was written by a newer build. Startup
// must refuse to load it rather than silently drop fields.
var ErrFutureVersion = errors.New("state file written by a newer version")

// SaveState atomically writes v as indented JSON to path: temp file in the
// same directory, then rename. Files are 0600, parent directories 0700.
func SaveState(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// LoadState reads a versioned state file into out. A missing file returns
// an error satisfying os.IsNotExist; a version above maxVersion returns
// ErrFutureVersion.
func LoadState(path string, maxVersion int, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if probe.Version > maxVersion {
		return fmt.Errorf("%s has version %d, this build reads up to %d: %w",
			filepath.Base(path), probe.Version, maxVersion, ErrFutureVersion)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Debouncer coalesces flush requests: the first Schedule arms the timer and
// later calls ride along until it fires. Flush runs the callback immediately
// and disarms any pending timer, so concurrent writers of the same file
// collapse into one write.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	flush   func()
	timer   *time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer invoking flush after delay.
func NewDebouncer(delay time.Duration, flush func()) *Debouncer {
	return &Debouncer{delay: delay, flush: flush}
}

// Schedule arms the timer unless one is already pending.
func (d *Debouncer) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		d.timer = nil
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			d.flush()
		}
	})
}

// Flush disarms any pending timer and runs the callback now.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	stopped := d.stopped
	d.mu.Unlock()
	if !stopped {
		d.flush()
	}
}

// Stop disarms the debouncer permanently. It does not run a final flush;
// callers flush first if they need one.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.stopped = true
}
