package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/nrn-labs/undoable/internal/actions"
	"github.com/nrn-labs/undoable/internal/events"
)

const (
	// fsSnapshotMaxBytes bounds the pre-image fs.write keeps for undo. A
	// bigger file still writes, but the call is downgraded to non-undoable.
	fsSnapshotMaxBytes = 8 * 1024 * 1024
	fsReadMaxBytes     = 256 * 1024
	fsListMaxEntries   = 500
)

// resolveToolPath expands ~ and joins relative paths onto the run's work
// directory, matching the policy's containment rules.
func resolveToolPath(ctx context.Context, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	if !filepath.IsAbs(path) {
		if workDir := events.WorkDirFromContext(ctx); workDir != "" {
			path = filepath.Join(workDir, path)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	return abs, nil
}

// ---------------------------------------------------------------------------
// fs.write
// ---------------------------------------------------------------------------

// FSWriteTool writes a file and captures the pre-image so the write can be
// undone: the inverse restores the prior bytes, or removes the file when the
// write created it.
type FSWriteTool struct{}

func NewFSWriteTool() *FSWriteTool { return &FSWriteTool{} }

func (t *FSWriteTool) Manifest() *Manifest {
	return &Manifest{
		Name:        "fs.write",
		Description: "Write content to a file. Creates parent directories by default. The previous content is snapshotted so the write can be undone.",
		Category:    actions.CategoryMutate,
		Undoable:    true,
		Params: map[string]ParamSpec{
			"path": {
				Type:        "string",
				Description: "Path to the file to write; relative paths resolve against the run's work directory",
				Required:    true,
			},
			"content": {
				Type:        "string",
				Description: "Content to write to the file",
				Required:    true,
			},
			"createDirs": {
				Type:        "boolean",
				Description: "Create parent directories if they don't exist (default: true)",
			},
		},
	}
}

func (t *FSWriteTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return t.Manifest().ToolInfo(), nil
}

type fsWriteInput struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	CreateDirs *bool  `json:"createDirs"`
}

type fsWriteOutput struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytesWritten"`
	Created      bool   `json:"created"`
}

func (t *FSWriteTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var input fsWriteInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
		return "", fmt.Errorf("fs.write: parse input: %w", err)
	}

	absPath, err := resolveToolPath(ctx, input.Path)
	if err != nil {
		return "", fmt.Errorf("fs.write: %w", err)
	}

	_, statErr := os.Lstat(absPath)
	created := os.IsNotExist(statErr)

	createDirs := true
	if input.CreateDirs != nil {
		createDirs = *input.CreateDirs
	}
	if createDirs {
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return "", fmt.Errorf("fs.write: create dirs: %w", err)
		}
	}

	data := []byte(input.Content)
	if err := os.WriteFile(absPath, data, 0o644); err != nil {
		return "", fmt.Errorf("fs.write: %w", err)
	}

	out, err := json.Marshal(fsWriteOutput{
		Path:         absPath,
		BytesWritten: len(data),
		Created:      created,
	})
	if err != nil {
		return "", fmt.Errorf("fs.write: marshal result: %w", err)
	}
	return string(out), nil
}

// CaptureInverse snapshots the target before the write. Payload shapes:
// {path, existed:false} for a fresh file, {path, existed:true, contentB64,
// mode} for an overwrite.
func (t *FSWriteTool) CaptureInverse(ctx context.Context, args map[string]any) (map[string]any, error) {
	path, _ := args["path"].(string)
	absPath, err := resolveToolPath(ctx, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(absPath)
	if os.IsNotExist(err) {
		return map[string]any{"path": absPath, "existed": false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat pre-image: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%q is not a regular file", absPath)
	}
	if info.Size() > fsSnapshotMaxBytes {
		return nil, fmt.Errorf("pre-image of %q exceeds %d bytes", absPath, fsSnapshotMaxBytes)
	}

	prior, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read pre-image: %w", err)
	}

	return map[string]any{
		"path":       absPath,
		"existed":    true,
		"contentB64": base64.StdEncoding.EncodeToString(prior),
		"mode":       int64(info.Mode().Perm()),
	}, nil
}

// ApplyInverse restores the snapshotted pre-image.
func (t *FSWriteTool) ApplyInverse(_ context.Context, payload map[string]any) error {
	path, _ := payload["path"].(string)
	if path == "" {
		return fmt.Errorf("fs.write inverse: missing path")
	}

	existed, _ := payload["existed"].(bool)
	if !existed {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("fs.write inverse: remove %q: %w", path, err)
		}
		return nil
	}

	encoded, _ := payload["contentB64"].(string)
	prior, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("fs.write inverse: decode pre-image: %w", err)
	}

	mode := fs.FileMode(0o644)
	if m, ok := payloadInt(payload["mode"]); ok && m > 0 {
		mode = fs.FileMode(m)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("fs.write inverse: create dirs: %w", err)
	}
	if err := os.WriteFile(path, prior, mode); err != nil {
		return fmt.Errorf("fs.write inverse: restore %q: %w", path, err)
	}
	return nil
}

// payloadInt reads a numeric payload field, tolerating the float64 shape
// JSON round-trips produce.
func payloadInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// fs.read
// ---------------------------------------------------------------------------

// FSReadTool reads a file, bounded so a stray binary cannot flood the
// transcript.
type FSReadTool struct{}

func NewFSReadTool() *FSReadTool { return &FSReadTool{} }

func (t *FSReadTool) Manifest() *Manifest {
	return &Manifest{
		Name:        "fs.read",
		Description: "Read a file's content. Output is truncated past the size cap; use offset to page through large files.",
		Category:    actions.CategoryRead,
		Params: map[string]ParamSpec{
			"path": {
				Type:        "string",
				Description: "Path to the file to read",
				Required:    true,
			},
			"offset": {
				Type:        "integer",
				Description: "Byte offset to start reading from (default: 0)",
			},
			"maxBytes": {
				Type:        "integer",
				Description: "Maximum bytes to return (default and cap: 262144)",
			},
		},
	}
}

func (t *FSReadTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return t.Manifest().ToolInfo(), nil
}

type fsReadInput struct {
	Path     string `json:"path"`
	Offset   int64  `json:"offset"`
	MaxBytes int64  `json:"maxBytes"`
}

type fsReadOutput struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Size      int64  `json:"size"`
	Truncated bool   `json:"truncated"`
}

func (t *FSReadTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var input fsReadInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
		return "", fmt.Errorf("fs.read: parse input: %w", err)
	}

	absPath, err := resolveToolPath(ctx, input.Path)
	if err != nil {
		return "", fmt.Errorf("fs.read: %w", err)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return "", fmt.Errorf("fs.read: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("fs.read: stat: %w", err)
	}

	if input.Offset > 0 {
		if _, err := f.Seek(input.Offset, io.SeekStart); err != nil {
			return "", fmt.Errorf("fs.read: seek: %w", err)
		}
	}

	limit := int64(fsReadMaxBytes)
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}

	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return "", fmt.Errorf("fs.read: %w", err)
	}

	out, err := json.Marshal(fsReadOutput{
		Path:      absPath,
		Content:   string(data),
		Size:      info.Size(),
		Truncated: input.Offset+int64(len(data)) < info.Size(),
	})
	if err != nil {
		return "", fmt.Errorf("fs.read: marshal result: %w", err)
	}
	return string(out), nil
}

// ---------------------------------------------------------------------------
// fs.list
// ---------------------------------------------------------------------------

// FSListTool lists a directory, optionally filtered by a doublestar glob.
type FSListTool struct{}

func NewFSListTool() *FSListTool { return &FSListTool{} }

func (t *FSListTool) Manifest() *Manifest {
	return &Manifest{
		Name:        "fs.list",
		Description: "List directory entries. Supports ** glob patterns and recursive listing; output caps at 500 entries.",
		Category:    actions.CategoryRead,
		Params: map[string]ParamSpec{
			"path": {
				Type:        "string",
				Description: "Directory to list",
				Required:    true,
			},
			"glob": {
				Type:        "string",
				Description: "Doublestar pattern to filter entries, e.g. \"**/*.md\"",
			},
			"recursive": {
				Type:        "boolean",
				Description: "Walk the whole subtree (default: false; implied by a glob containing **)",
			},
		},
	}
}

func (t *FSListTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return t.Manifest().ToolInfo(), nil
}

type fsListInput struct {
	Path      string `json:"path"`
	Glob      string `json:"glob"`
	Recursive bool   `json:"recursive"`
}

type fsListEntry struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Dir        bool   `json:"dir"`
	ModifiedAt string `json:"modifiedAt"`
}

type fsListOutput struct {
	Path      string        `json:"path"`
	Entries   []fsListEntry `json:"entries"`
	Truncated bool          `json:"truncated"`
}

func (t *FSListTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var input fsListInput
	if err := json.Unmarshal([]byte(argumentsInJSON), &input); err != nil {
		return "", fmt.Errorf("fs.list: parse input: %w", err)
	}

	absPath, err := resolveToolPath(ctx, input.Path)
	if err != nil {
		return "", fmt.Errorf("fs.list: %w", err)
	}

	pattern := input.Glob
	if pattern == "" {
		if input.Recursive {
			pattern = "**/*"
		} else {
			pattern = "*"
		}
	}
	if !doublestar.ValidatePattern(pattern) {
		return "", fmt.Errorf("fs.list: invalid glob %q", pattern)
	}

	names, err := doublestar.Glob(os.DirFS(absPath), pattern)
	if err != nil {
		return "", fmt.Errorf("fs.list: %w", err)
	}
	sort.Strings(names)

	output := fsListOutput{Path: absPath, Entries: []fsListEntry{}}
	for _, name := range names {
		if len(output.Entries) >= fsListMaxEntries {
			output.Truncated = true
			break
		}
		info, err := os.Lstat(filepath.Join(absPath, name))
		if err != nil {
			continue
		}
		output.Entries = append(output.Entries, fsListEntry{
			Name:       name,
			Size:       info.Size(),
			Dir:        info.IsDir(),
			ModifiedAt: info.ModTime().UTC().Format(time.RFC3339),
		})
	}

	out, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("fs.list: marshal result: %w", err)
	}
	return string(out), nil
}

var (
	_ Reversible = (*FSWriteTool)(nil)
	_ Tool       = (*FSReadTool)(nil)
	_ Tool       = (*FSListTool)(nil)
)
