package config

import (
	"os"
	"path/filepath"
)

// UndoablePath returns the root directory for daemon state.
// It uses $UNDOABLE_PATH if set, otherwise defaults to ~/.undoable.
func UndoablePath() string {
	if v := os.Getenv("UNDOABLE_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".undoable")
	}
	return filepath.Join(home, ".undoable")
}

// ConfigPath returns the path to the user config file.
func ConfigPath() string {
	return filepath.Join(UndoablePath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(UndoablePath(), ".env")
}

// SettingsPath returns the path to the persisted daemon settings.
func SettingsPath() string {
	return filepath.Join(UndoablePath(), "daemon-settings.json")
}

// PidPath returns the path to the daemon pid file.
func PidPath() string {
	return filepath.Join(UndoablePath(), "daemon.pid.json")
}

// ProvidersPath returns the path to the model provider registry.
func ProvidersPath() string {
	return filepath.Join(UndoablePath(), "providers.json")
}

// RunsStatePath returns the path to the persisted run records.
func RunsStatePath() string {
	return filepath.Join(UndoablePath(), "runs-state.json")
}

// JobsStatePath returns the path to the persisted scheduled jobs.
func JobsStatePath() string {
	return filepath.Join(UndoablePath(), "jobs-state.json")
}

// SwarmStatePath returns the path to the persisted workflows.
func SwarmStatePath() string {
	return filepath.Join(UndoablePath(), "swarm-state.json")
}

// SkillsStatePath returns the path to the skill disabled-set file.
func SkillsStatePath() string {
	return filepath.Join(UndoablePath(), "skills.json")
}

// ActionsDBPath returns the path to the action audit archive.
func ActionsDBPath() string {
	return filepath.Join(UndoablePath(), "actions.db")
}

// SessionsDir returns the directory holding chat sessions.
func SessionsDir() string {
	return filepath.Join(UndoablePath(), "sessions")
}

// InstructionsDir returns the directory holding versioned agent instructions.
func InstructionsDir() string {
	return filepath.Join(UndoablePath(), "instructions")
}

// SkillsDir returns the directory holding skill definition files.
func SkillsDir() string {
	return filepath.Join(UndoablePath(), "skills")
}

// CanvasDir returns the directory holding workflow workspaces.
func CanvasDir() string {
	return filepath.Join(UndoablePath(), "canvas")
}

// UsageDir returns the directory holding per-run token usage journals.
func UsageDir() string {
	return filepath.Join(UndoablePath(), "usage")
}

// LogsDir returns the daemon log directory.
func LogsDir() string {
	return filepath.Join(UndoablePath(), "logs")
}

// DaemonLogPath returns the path of the daemon log file.
func DaemonLogPath() string {
	return filepath.Join(LogsDir(), "daemon.log")
}
