// Package health maintains the daemon pid file and the liveness probe built
// on it. The CLI reads the file to find a running daemon; the daemon
// refreshes it so a crash leaves a detectably stale record behind.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Status is the liveness verdict derived from the pid file.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDown  Status = "down"
)

// PidFile is the record written to daemon.pid.json.
type PidFile struct {
	PID         int       `json:"pid"`
	Port        int       `json:"port"`
	StartedAt   time.Time `json:"startedAt"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

// DefaultMaxAge is how old a refresh can be before the daemon counts as
// stale. Refreshes land every 30s, so three missed beats mean trouble.
const DefaultMaxAge = 2 * time.Minute

// Writer writes the pid file on start and refreshes it periodically.
type Writer struct {
	path     string
	port     int
	interval time.Duration
	started  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a pid file writer for the daemon listening on port.
func NewWriter(path string, port int) *Writer {
	return &Writer{
		path:     path,
		port:     port,
		interval: 30 * time.Second,
	}
}

// Start writes the pid file immediately and begins refreshing it.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return nil // already running
	}

	w.started = time.Now()
	if err := w.write(); err != nil {
		return err
	}

	w.done = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := w.write(); err != nil {
					// Refresh failures surface as staleness on the read side.
					continue
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop ends refreshing and removes the pid file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil

	os.Remove(w.path)
}

func (w *Writer) write() error {
	pf := PidFile{
		PID:         os.Getpid(),
		Port:        w.port,
		StartedAt:   w.started,
		RefreshedAt: time.Now(),
	}

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pid file: %w", err)
	}

	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("rename pid file: %w", err)
	}
	return nil
}

// Check reads the pid file and classifies the daemon's liveness. A missing
// file means down; a refresh older than maxAge means stale.
func Check(path string, maxAge time.Duration) (Status, *PidFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDown, nil, nil
		}
		return StatusDown, nil, fmt.Errorf("read pid file: %w", err)
	}

	var pf PidFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return StatusDown, nil, fmt.Errorf("unmarshal pid file: %w", err)
	}

	if time.Since(pf.RefreshedAt) > maxAge {
		return StatusStale, &pf, nil
	}
	return StatusAlive, &pf, nil
}
