package config

import "time"

// Config is the root configuration for the Undoable daemon.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Models  ModelsConfig  `json:"models"`
	Run     RunConfig     `json:"run"`
	Tools   ToolsConfig   `json:"tools"`
	Web     WebConfig     `json:"web"`
	Swarm   SwarmConfig   `json:"swarm"`
	Skills  SkillsConfig  `json:"skills"`
}

// GatewayConfig holds the HTTP listener settings.
type GatewayConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	BodyLimitMB int    `json:"body_limit_mb"`
}

// ModelsConfig holds model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver        string         `json:"driver"` // "anthropic", "openai", "mistral", "ollama"
	Model         string         `json:"model"`
	BaseURL       string         `json:"base_url,omitempty"`
	Auth          AuthConfig     `json:"auth"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	ContextWindow int            `json:"context_window,omitempty"`
	Timeout       Duration       `json:"timeout,omitempty"`
	Options       map[string]any `json:"options,omitempty"`
}

// AuthConfig configures API key resolution.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"` // direct key or ${{ .Env.VAR }} template
	Token  string `json:"token,omitempty"`   // bearer token where the provider supports it
}

// RunConfig is the per-turn execution profile consumed by the chat loop and
// the run executor. The HTTP surface exposes it at /chat/run-config.
type RunConfig struct {
	Mode          string `json:"mode"`           // "plan", "shadow", "apply"
	MaxIterations int    `json:"max_iterations"` // chat loop bound
	ApprovalMode  string `json:"approval_mode"`  // "off", "mutate", "always"
	EconomyMode   bool   `json:"economy_mode"`
	Thinking      bool   `json:"thinking"` // forward <think> spans as thinking envelopes
}

// ToolsConfig gates side-effecting tools.
type ToolsConfig struct {
	SecurityPolicy           string   `json:"security_policy"` // "strict", "balanced", "permissive"
	AllowIrreversibleActions bool     `json:"allow_irreversible_actions"`
	AllowedPaths             []string `json:"allowed_paths,omitempty"` // extra doublestar globs
}

// WebConfig configures the network tools.
type WebConfig struct {
	Search WebSearchConfig `json:"search"`
	Fetch  WebFetchConfig  `json:"fetch"`
}

// WebSearchConfig selects and configures the search provider.
type WebSearchConfig struct {
	Provider     string `json:"provider"` // "duckduckgo" (default), "google", "bing"
	GoogleAPIKey string `json:"google_api_key,omitempty"`
	GoogleCX     string `json:"google_cx,omitempty"`
	BingAPIKey   string `json:"bing_api_key,omitempty"`
	MaxResults   int    `json:"max_results,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	Disabled     bool   `json:"disabled,omitempty"`
}

// WebFetchConfig configures the URL fetch tool.
type WebFetchConfig struct {
	Timeout   string `json:"timeout,omitempty"`
	MaxBodyKB int    `json:"max_body_kb,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Disabled  bool   `json:"disabled,omitempty"`
}

// SwarmConfig bounds workflow orchestration.
type SwarmConfig struct {
	MaxParallel int `json:"max_parallel"`
	HistoryMax  int `json:"history_max"`
}

// SkillsConfig configures skill definition loading.
type SkillsConfig struct {
	Dirs []string `json:"dirs"` // skill directories (default: [$UNDOABLE_PATH/skills])
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
