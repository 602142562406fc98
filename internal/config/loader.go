package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates, strips
// comments and trailing commas, unmarshals it into Config, and applies
// defaults and environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment templates before standardizing, since templates live
	// inside string values.
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)
	return &cfg, nil
}

// Default returns a config with defaults and environment overrides applied,
// for when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18787
	}
	if cfg.Gateway.BodyLimitMB <= 0 {
		cfg.Gateway.BodyLimitMB = 10
	}
	if cfg.Run.Mode == "" {
		cfg.Run.Mode = "apply"
	}
	if cfg.Run.MaxIterations <= 0 {
		cfg.Run.MaxIterations = 24
	}
	if cfg.Run.ApprovalMode == "" {
		cfg.Run.ApprovalMode = "mutate"
	}
	if cfg.Tools.SecurityPolicy == "" {
		cfg.Tools.SecurityPolicy = "balanced"
	}
	if cfg.Swarm.MaxParallel <= 0 {
		cfg.Swarm.MaxParallel = 4
	}
	if cfg.Swarm.HistoryMax <= 0 {
		cfg.Swarm.HistoryMax = 200
	}
	if len(cfg.Skills.Dirs) == 0 {
		cfg.Skills.Dirs = []string{filepath.Join(UndoablePath(), "skills")}
	}
}

// applyEnv overlays environment variables on top of file values. The listener
// keeps its historical NRN_ prefix; everything else uses UNDOABLE_.
func applyEnv(cfg *Config) {
	if v := os.Getenv("NRN_HOST"); v != "" {
		cfg.Gateway.Host = v
	}
	if v := os.Getenv("NRN_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Gateway.Port = p
		}
	}
	if v := os.Getenv("UNDOABLE_BODY_LIMIT_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Gateway.BodyLimitMB = n
		}
	}
	if v := os.Getenv("UNDOABLE_RUN_MODE"); v != "" {
		cfg.Run.Mode = strings.ToLower(v)
	}
	if v := os.Getenv("UNDOABLE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Run.MaxIterations = n
		}
	}
	if v := os.Getenv("UNDOABLE_ECONOMY_MODE"); v != "" {
		cfg.Run.EconomyMode = isTruthy(v)
	}
	if v := os.Getenv("UNDOABLE_SECURITY_POLICY"); v != "" {
		cfg.Tools.SecurityPolicy = strings.ToLower(v)
	}
	if v := os.Getenv("UNDOABLE_ALLOW_IRREVERSIBLE_ACTIONS"); v != "" {
		cfg.Tools.AllowIrreversibleActions = isTruthy(v)
	}
	if isTruthy(os.Getenv("UNDOABLE_DANGEROUSLY_SKIP_PERMISSIONS")) {
		cfg.Run.ApprovalMode = "off"
	}
	if v := os.Getenv("UNDOABLE_SWARM_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Swarm.MaxParallel = n
		}
	}
	if v := os.Getenv("UNDOABLE_SWARM_ORCHESTRATION_HISTORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Swarm.HistoryMax = n
		}
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
