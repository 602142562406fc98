package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"mvdan.cc/sh/v3/syntax"

	"github.com/nrn-labs/undoable/internal/actions"
)

// Level selects how aggressively the policy vets side-effecting calls.
type Level string

const (
	// LevelStrict jails paths to the work directory, vets shell syntax,
	// and refuses irreversible mutations.
	LevelStrict Level = "strict"
	// LevelBalanced scopes paths to the home directory and blocks
	// destructive shell patterns.
	LevelBalanced Level = "balanced"
	// LevelPermissive trusts the approval gate alone.
	LevelPermissive Level = "permissive"
)

// ParseLevel validates a policy level string.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelStrict, LevelBalanced, LevelPermissive:
		return Level(s), nil
	}
	return "", fmt.Errorf("invalid security policy %q (strict|balanced|permissive)", s)
}

// Policy vets tool calls before the approval gate sees them. It owns the
// irreversible-action guard, the path allowlist, and exec vetting.
type Policy struct {
	level             Level
	allowIrreversible bool
	globs             []string // extra doublestar allowlist patterns
	homeDir           string
	tmpDir            string
}

// NewPolicy builds a policy. extraGlobs are doublestar patterns that extend
// the allowlist at every level, e.g. "/var/data/**". Strict always refuses
// irreversible mutations regardless of allowIrreversible.
func NewPolicy(level Level, allowIrreversible bool, extraGlobs []string) *Policy {
	if level == LevelStrict {
		allowIrreversible = false
	}
	home, _ := os.UserHomeDir()
	return &Policy{
		level:             level,
		allowIrreversible: allowIrreversible,
		globs:             extraGlobs,
		homeDir:           home,
		tmpDir:            os.TempDir(),
	}
}

// Level returns the policy level.
func (p *Policy) Level() Level { return p.level }

// AllowsIrreversible reports whether non-undoable mutate/exec calls may run.
func (p *Policy) AllowsIrreversible() bool { return p.allowIrreversible }

// CheckCall vets a call against the path allowlist and, for exec tools, the
// shell rules. Read and network tools pass through; reads outside the work
// directory are legitimate (reference files, logs).
func (p *Policy) CheckCall(m *Manifest, args map[string]any, workDir string) error {
	if p.level == LevelPermissive {
		return nil
	}

	switch m.Category {
	case actions.CategoryMutate:
		for _, path := range argPaths(args) {
			if err := p.checkPath(path, workDir); err != nil {
				return fmt.Errorf("%s: %w", m.Name, err)
			}
		}
	case actions.CategoryExec:
		command, _ := args["command"].(string)
		if command != "" {
			if err := p.checkExec(command, workDir); err != nil {
				return fmt.Errorf("%s: %w", m.Name, err)
			}
		}
		for _, path := range argPaths(args) {
			if err := p.checkPath(path, workDir); err != nil {
				return fmt.Errorf("%s: %w", m.Name, err)
			}
		}
	}
	return nil
}

// checkPath resolves a path and verifies it lands inside an allowed root.
// Relative paths resolve against workDir.
func (p *Policy) checkPath(path, workDir string) error {
	resolved := resolvePath(path, workDir)

	roots := make([]string, 0, 3)
	if workDir != "" {
		roots = append(roots, filepath.Clean(workDir))
	}
	roots = append(roots, p.tmpDir)
	if p.level == LevelBalanced && p.homeDir != "" {
		roots = append(roots, p.homeDir)
	}
	for _, root := range roots {
		real := root
		if r, err := filepath.EvalSymlinks(root); err == nil {
			real = r
		}
		if isUnder(resolved, real) || isUnder(resolved, root) {
			return nil
		}
	}

	for _, pattern := range p.globs {
		if ok, err := doublestar.Match(pattern, resolved); err == nil && ok {
			return nil
		}
	}

	return fmt.Errorf("path %q is outside the allowed roots", path)
}

// checkExec applies the destructive-pattern denylist and, under strict,
// a full shell-syntax vet.
func (p *Policy) checkExec(command, workDir string) error {
	if rule := matchDestructive(command); rule != nil {
		return fmt.Errorf("blocked destructive command (%s)", rule.reason)
	}
	if p.level != LevelStrict {
		return nil
	}
	if err := vetShell(command); err != nil {
		return err
	}
	for _, path := range commandPaths(command) {
		if err := p.checkPath(path, workDir); err != nil {
			return err
		}
	}
	return nil
}

// resolvePath normalizes a path for containment checks: relative paths join
// onto workDir and the longest existing prefix has its symlinks resolved so
// a link cannot point out of the jail.
func resolvePath(path, workDir string) string {
	resolved := path
	if strings.HasPrefix(resolved, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			resolved = filepath.Join(home, resolved[2:])
		}
	}
	if !filepath.IsAbs(resolved) && workDir != "" {
		resolved = filepath.Join(workDir, resolved)
	}
	resolved = filepath.Clean(resolved)

	// Walk up until a component exists, resolve that, re-append the rest.
	suffix := ""
	probe := resolved
	for {
		if real, err := filepath.EvalSymlinks(probe); err == nil {
			return filepath.Join(real, suffix)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return resolved
		}
		suffix = filepath.Join(filepath.Base(probe), suffix)
		probe = parent
	}
}

// isUnder reports whether child equals parent or lives beneath it.
func isUnder(child, parent string) bool {
	if parent == "" {
		return false
	}
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// ---------------------------------------------------------------------------
// Destructive shell patterns
// ---------------------------------------------------------------------------

type destructiveRule struct {
	pattern *regexp.Regexp
	reason  string
}

var destructiveRules = compileRules([]struct {
	pattern string
	reason  string
}{
	{`\brm\s+.*-[a-zA-Z]*[rR]`, "recursive remove"},
	{`\brm\s+.*-[a-zA-Z]*[fF]`, "force remove"},
	{`\bdd\b\s+.*\bof=`, "raw disk write"},
	{`\bmkfs\b`, "filesystem format"},
	{`\bfdisk\b`, "partition edit"},
	{`:\(\)\s*\{`, "fork bomb"},
	{`>/dev/sd[a-z]`, "raw device write"},
	{`\bchmod\s+.*-[a-zA-Z]*[rR]`, "recursive chmod"},
	{`\bchown\s+.*-[a-zA-Z]*[rR]`, "recursive chown"},
	{`\bsudo\b`, "privilege escalation"},
	{`\bsu\s`, "switch user"},
	{`\b(shutdown|reboot|halt|poweroff)\b`, "host power control"},
})

func compileRules(raw []struct{ pattern, reason string }) []destructiveRule {
	rules := make([]destructiveRule, len(raw))
	for i, r := range raw {
		rules[i] = destructiveRule{pattern: regexp.MustCompile(r.pattern), reason: r.reason}
	}
	return rules
}

// matchDestructive returns the first matching denylist rule, or nil.
func matchDestructive(command string) *destructiveRule {
	for i := range destructiveRules {
		if destructiveRules[i].pattern.MatchString(command) {
			return &destructiveRules[i]
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Strict-mode shell vetting
// ---------------------------------------------------------------------------

// blockedPrograms are refused under strict wherever they appear in the
// syntax tree, including pipelines and command substitutions. The regex
// denylist catches these too in plain form; the parser catches quoting and
// nesting tricks the regexes miss.
var blockedPrograms = map[string]bool{
	"sudo":     true,
	"su":       true,
	"shutdown": true,
	"reboot":   true,
	"halt":     true,
	"poweroff": true,
	"fdisk":    true,
	"dd":       true,
}

// vetShell parses the command and checks every call position. Commands that
// do not parse, or whose program name is not statically known, are refused:
// what cannot be read cannot be vetted.
func vetShell(command string) error {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return fmt.Errorf("unparseable command: %v", err)
	}

	var vetErr error
	syntax.Walk(file, func(node syntax.Node) bool {
		if vetErr != nil {
			return false
		}
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		name := literalWord(call.Args[0])
		switch {
		case name == "":
			vetErr = fmt.Errorf("dynamic command name cannot be vetted")
			return false
		case blockedPrograms[name] || strings.HasPrefix(name, "mkfs"):
			vetErr = fmt.Errorf("blocked program %q", name)
			return false
		}
		return true
	})
	return vetErr
}

// literalWord flattens a word made only of literals and quoted literals.
// Any expansion (variables, substitutions) yields "".
func literalWord(w *syntax.Word) string {
	if w == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range w.Parts {
		switch v := part.(type) {
		case *syntax.Lit:
			sb.WriteString(v.Value)
		case *syntax.SglQuoted:
			sb.WriteString(v.Value)
		case *syntax.DblQuoted:
			for _, inner := range v.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return ""
				}
				sb.WriteString(lit.Value)
			}
		default:
			return ""
		}
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Path extraction
// ---------------------------------------------------------------------------

// pathArgKeys are argument fields that carry a filesystem path.
var pathArgKeys = map[string]bool{
	"path":       true,
	"workingDir": true,
}

// pathArrayArgKeys are argument fields that carry a list of paths.
var pathArrayArgKeys = map[string]bool{
	"paths": true,
}

// argPaths collects path-bearing fields from tool arguments, recursing into
// nested objects so structured tools are covered too.
func argPaths(args map[string]any) []string {
	var paths []string
	collectPaths(args, &paths)
	return paths
}

func collectPaths(v any, paths *[]string) {
	switch val := v.(type) {
	case map[string]any:
		for key, child := range val {
			if pathArgKeys[key] {
				if s, ok := child.(string); ok && s != "" {
					*paths = append(*paths, s)
				}
			} else if pathArrayArgKeys[key] {
				if arr, ok := child.([]any); ok {
					for _, item := range arr {
						if s, ok := item.(string); ok && s != "" {
							*paths = append(*paths, s)
						}
					}
				}
			}
			collectPaths(child, paths)
		}
	case []any:
		for _, item := range val {
			collectPaths(item, paths)
		}
	}
}

// commandPathPattern matches path-like tokens in a shell command: absolute,
// home-relative, and parent-traversal forms.
var commandPathPattern = regexp.MustCompile(`(?:^|\s)((?:/|~/|\.\./)[\w./_~-]*)`)

// commandPaths extracts path-like tokens from a raw command string.
func commandPaths(command string) []string {
	matches := commandPathPattern.FindAllStringSubmatch(command, -1)
	if len(matches) == 0 {
		return nil
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		if p := strings.TrimSpace(m[1]); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// decodeArgs parses a tool call's JSON arguments into a generic map.
// An empty argument string is a valid empty call.
func decodeArgs(argsJSON string) (map[string]any, error) {
	if strings.TrimSpace(argsJSON) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
