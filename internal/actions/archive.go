package actions

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Archive mirrors finalized action records into a local SQLite database so
// the audit trail survives restarts. The in-memory Log stays authoritative
// for undo; the archive is write-mostly and read by the CLI.
type Archive struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	closed bool
}

// NewArchive opens (or creates) the archive database at path.
func NewArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// modernc.org/sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS actions (
		id          TEXT PRIMARY KEY,
		run_id      TEXT,
		tool_name   TEXT NOT NULL,
		category    TEXT NOT NULL,
		args        TEXT,
		undoable    INTEGER NOT NULL DEFAULT 0,
		approval    TEXT NOT NULL,
		inverse     TEXT,
		started_at  INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error       TEXT,
		undone      INTEGER NOT NULL DEFAULT 0,
		undone_at   INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_actions_run ON actions(run_id);
	CREATE INDEX IF NOT EXISTS idx_actions_started ON actions(started_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Archive{db: db, path: path}, nil
}

// Insert writes a finalized record. Reinserting the same id overwrites it,
// which covers the denied-audit path where append and finalize are one step.
func (a *Archive) Insert(rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("archive is closed")
	}

	args, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	var inverse []byte
	if rec.Inverse != nil {
		inverse, err = json.Marshal(rec.Inverse)
		if err != nil {
			return fmt.Errorf("marshal inverse: %w", err)
		}
	}
	var undoneAt *int64
	if rec.UndoneAt != nil {
		ms := rec.UndoneAt.UnixMilli()
		undoneAt = &ms
	}

	_, err = a.db.Exec(`
		INSERT OR REPLACE INTO actions
		(id, run_id, tool_name, category, args, undoable, approval, inverse,
		 started_at, duration_ms, error, undone, undone_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RunID, rec.ToolName, string(rec.Category), string(args),
		boolToInt(rec.Undoable), string(rec.Approval), nullableText(inverse),
		rec.StartedAt.UnixMilli(), rec.DurationMs, rec.Error,
		boolToInt(rec.Undone), undoneAt,
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// MarkUndone flips the undone flag for an archived record.
func (a *Archive) MarkUndone(id string, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("archive is closed")
	}

	_, err := a.db.Exec(`UPDATE actions SET undone = 1, undone_at = ? WHERE id = ?`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark undone: %w", err)
	}
	return nil
}

// Recent returns up to limit records, most recent first.
func (a *Archive) Recent(limit int) ([]Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, errors.New("archive is closed")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := a.db.Query(`
		SELECT id, run_id, tool_name, category, args, undoable, approval,
		       inverse, started_at, duration_ms, error, undone, undone_at
		FROM actions ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			category  string
			approval  string
			args      sql.NullString
			inverse   sql.NullString
			startedAt int64
			undoable  int
			undone    int
			errText   sql.NullString
			undoneAt  sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.ToolName, &category,
			&args, &undoable, &approval, &inverse, &startedAt,
			&rec.DurationMs, &errText, &undone, &undoneAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		rec.Category = Category(category)
		rec.Approval = ApprovalState(approval)
		rec.Undoable = undoable == 1
		rec.Undone = undone == 1
		rec.StartedAt = time.UnixMilli(startedAt)
		rec.Error = errText.String
		if args.Valid && args.String != "" {
			_ = json.Unmarshal([]byte(args.String), &rec.Args)
		}
		if inverse.Valid && inverse.String != "" {
			var inv Inverse
			if err := json.Unmarshal([]byte(inverse.String), &inv); err == nil {
				rec.Inverse = &inv
			}
		}
		if undoneAt.Valid {
			t := time.UnixMilli(undoneAt.Int64)
			rec.UndoneAt = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Path returns the database file path.
func (a *Archive) Path() string {
	return a.path
}

// Close closes the underlying database.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
