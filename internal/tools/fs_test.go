package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nrn-labs/undoable/internal/events"
)

func workDirContext(t *testing.T) (context.Context, string) {
	t.Helper()
	dir := t.TempDir()
	return events.ContextWithWorkDir(context.Background(), dir), dir
}

func TestFSWriteCreatesFile(t *testing.T) {
	ctx, dir := workDirContext(t)
	w := NewFSWriteTool()

	out, err := w.InvokableRun(ctx, `{"path":"notes/today.md","content":"- tidy the desk\n"}`)
	if err != nil {
		t.Fatalf("InvokableRun: %v", err)
	}

	var result fsWriteOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if !result.Created {
		t.Error("expected created=true for a fresh file")
	}
	if result.BytesWritten != len("- tidy the desk\n") {
		t.Errorf("bytesWritten: got %d", result.BytesWritten)
	}

	data, err := os.ReadFile(filepath.Join(dir, "notes", "today.md"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "- tidy the desk\n" {
		t.Errorf("content mismatch: %q", data)
	}
}

func TestFSWriteInverseRestoresPriorContent(t *testing.T) {
	ctx, dir := workDirContext(t)
	w := NewFSWriteTool()

	target := filepath.Join(dir, "config.json")
	if err := os.WriteFile(target, []byte(`{"v":1}`), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	payload, err := w.CaptureInverse(ctx, map[string]any{"path": "config.json"})
	if err != nil {
		t.Fatalf("CaptureInverse: %v", err)
	}
	if existed, _ := payload["existed"].(bool); !existed {
		t.Fatal("pre-image should mark the file as existing")
	}

	if _, err := w.InvokableRun(ctx, `{"path":"config.json","content":"{\"v\":2}"}`); err != nil {
		t.Fatalf("InvokableRun: %v", err)
	}

	if err := w.ApplyInverse(ctx, payload); err != nil {
		t.Fatalf("ApplyInverse: %v", err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != `{"v":1}` {
		t.Errorf("expected restored content, got %q", data)
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat restored: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected restored mode 0600, got %v", info.Mode().Perm())
	}
}

func TestFSWriteInverseRemovesCreatedFile(t *testing.T) {
	ctx, dir := workDirContext(t)
	w := NewFSWriteTool()

	payload, err := w.CaptureInverse(ctx, map[string]any{"path": "fresh.md"})
	if err != nil {
		t.Fatalf("CaptureInverse: %v", err)
	}

	if _, err := w.InvokableRun(ctx, `{"path":"fresh.md","content":"hello"}`); err != nil {
		t.Fatalf("InvokableRun: %v", err)
	}
	if err := w.ApplyInverse(ctx, payload); err != nil {
		t.Fatalf("ApplyInverse: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "fresh.md")); !os.IsNotExist(err) {
		t.Fatal("inverse of a creating write should remove the file")
	}

	// Applying the same inverse again is a no-op, not an error.
	if err := w.ApplyInverse(ctx, payload); err != nil {
		t.Fatalf("repeated ApplyInverse: %v", err)
	}
}

func TestFSWriteInversePayloadSurvivesJSON(t *testing.T) {
	ctx, dir := workDirContext(t)
	w := NewFSWriteTool()

	target := filepath.Join(dir, "data.bin")
	original := []byte{0x00, 0xff, 0x10, 0x80, 'a'}
	if err := os.WriteFile(target, original, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	payload, err := w.CaptureInverse(ctx, map[string]any{"path": "data.bin"})
	if err != nil {
		t.Fatalf("CaptureInverse: %v", err)
	}

	// The action log persists payloads as JSON; the inverse must survive
	// the round trip even for non-UTF-8 content.
	encoded, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var restored map[string]any
	if err := json.Unmarshal(encoded, &restored); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if _, err := w.InvokableRun(ctx, `{"path":"data.bin","content":"overwritten"}`); err != nil {
		t.Fatalf("InvokableRun: %v", err)
	}
	if err := w.ApplyInverse(ctx, restored); err != nil {
		t.Fatalf("ApplyInverse: %v", err)
	}

	data, _ := os.ReadFile(target)
	if string(data) != string(original) {
		t.Errorf("binary pre-image mangled: got %v, want %v", data, original)
	}
}

func TestFSReadPagination(t *testing.T) {
	ctx, dir := workDirContext(t)
	r := NewFSReadTool()

	content := strings.Repeat("0123456789", 10)
	if err := os.WriteFile(filepath.Join(dir, "long.txt"), []byte(content), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	out, err := r.InvokableRun(ctx, `{"path":"long.txt","offset":10,"maxBytes":20}`)
	if err != nil {
		t.Fatalf("InvokableRun: %v", err)
	}
	var result fsReadOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if result.Content != content[10:30] {
		t.Errorf("content window: got %q", result.Content)
	}
	if !result.Truncated {
		t.Error("expected truncated=true")
	}
	if result.Size != int64(len(content)) {
		t.Errorf("size: got %d, want %d", result.Size, len(content))
	}
}

func TestFSReadMissingFile(t *testing.T) {
	ctx, _ := workDirContext(t)
	r := NewFSReadTool()

	if _, err := r.InvokableRun(ctx, `{"path":"missing.txt"}`); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFSListGlob(t *testing.T) {
	ctx, dir := workDirContext(t)
	l := NewFSListTool()

	files := []string{"a.md", "b.txt", "docs/c.md", "docs/deep/d.md"}
	for _, f := range files {
		path := filepath.Join(dir, f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("seed %s: %v", f, err)
		}
	}

	out, err := l.InvokableRun(ctx, `{"path":".","glob":"**/*.md"}`)
	if err != nil {
		t.Fatalf("InvokableRun: %v", err)
	}
	var result fsListOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("parse output: %v", err)
	}

	var names []string
	for _, e := range result.Entries {
		names = append(names, e.Name)
	}
	want := []string{"a.md", "docs/c.md", "docs/deep/d.md"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("entries: got %v, want %v", names, want)
	}
}

func TestFSListPlain(t *testing.T) {
	ctx, dir := workDirContext(t)
	l := NewFSListTool()

	if err := os.WriteFile(filepath.Join(dir, "only.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	out, err := l.InvokableRun(ctx, `{"path":"."}`)
	if err != nil {
		t.Fatalf("InvokableRun: %v", err)
	}
	var result fsListOutput
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(result.Entries))
	}
	if !result.Entries[1].Dir {
		t.Error("sub should be marked as a directory")
	}
}
