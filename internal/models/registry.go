package models

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"

	"github.com/nrn-labs/undoable/internal/config"
	"github.com/nrn-labs/undoable/internal/storage"
)

const registryVersion = 1

// defaultContextWindows maps known model prefixes to their context window sizes.
var defaultContextWindows = map[string]int{
	"claude-opus-4":     200000,
	"claude-sonnet-4":   200000,
	"claude-sonnet-3":   200000,
	"claude-haiku-3":    200000,
	"gpt-4o":            128000,
	"gpt-4-turbo":       128000,
	"gpt-4":             8192,
	"gpt-3.5-turbo":     16385,
	"o1":                200000,
	"o3":                200000,
	"mistral-large":     128000,
	"mistral-small":     128000,
	"codestral":         256000,
	"open-mistral-nemo": 128000,
	"pixtral":           128000,
}

const fallbackContextWindow = 100000

// ProviderSpec is one named provider as persisted in providers.json.
type ProviderSpec struct {
	Name   string                `json:"name"`
	Config config.ProviderConfig `json:"config"`
}

// registryState is the providers.json shape. The active selection survives
// restarts; config-file providers are merged in on load so new entries in
// undoable.jsonc show up without deleting the state file.
type registryState struct {
	Version        int            `json:"version"`
	Providers      []ProviderSpec `json:"providers"`
	ActiveProvider string         `json:"activeProvider"`
	ActiveModel    string         `json:"activeModel,omitempty"`
}

// providerEntry holds a lazily-initialized model instance. Invalidation
// swaps the whole entry since sync.Once cannot re-arm.
type providerEntry struct {
	cfg   config.ProviderConfig
	once  sync.Once
	model model.ToolCallingChatModel
	err   error
}

// Registry manages named model providers with lazy initialization and
// persists the provider list plus active selection to providers.json.
type Registry struct {
	mu          sync.RWMutex
	path        string
	entries     map[string]*providerEntry
	active      string
	activeModel string // overrides the active provider's configured model when set
}

// NewRegistry builds a registry from config, overlaid with providers.json at
// path when it exists. An empty path keeps the registry in-memory only.
func NewRegistry(cfg config.ModelsConfig, path string) (*Registry, error) {
	r := &Registry{
		path:    path,
		entries: make(map[string]*providerEntry),
		active:  cfg.Default,
	}

	for name, provCfg := range cfg.Providers {
		r.entries[name] = &providerEntry{cfg: provCfg}
	}

	if path != "" {
		var st registryState
		err := storage.LoadState(path, registryVersion, &st)
		switch {
		case err == nil:
			for _, spec := range st.Providers {
				if _, ok := r.entries[spec.Name]; !ok {
					r.entries[spec.Name] = &providerEntry{cfg: spec.Config}
				}
			}
			if st.ActiveProvider != "" {
				r.active = st.ActiveProvider
			}
			r.activeModel = st.ActiveModel
		case os.IsNotExist(err):
			if err := r.save(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("load providers file: %w", err)
		}
	}

	return r, nil
}

// Get returns the named model, initializing it lazily. The active provider
// picks up the persisted model override.
func (r *Registry) Get(ctx context.Context, name string) (model.ToolCallingChatModel, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	override := ""
	if name == r.active {
		override = r.activeModel
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("model provider %q not found", name)
	}

	entry.once.Do(func() {
		cfg := entry.cfg
		if override != "" {
			cfg.Model = override
		}
		entry.model, entry.err = CreateModel(ctx, cfg)
	})

	return entry.model, entry.err
}

// Default returns the active provider's model.
func (r *Registry) Default(ctx context.Context) (model.ToolCallingChatModel, error) {
	r.mu.RLock()
	active := r.active
	r.mu.RUnlock()

	if active == "" {
		return nil, fmt.Errorf("no default model configured")
	}
	return r.Get(ctx, active)
}

// ActiveProvider returns the name of the active provider.
func (r *Registry) ActiveProvider() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// ActiveModel returns the model id the active provider will use: the
// persisted override when set, otherwise the provider's configured model.
func (r *Registry) ActiveModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.activeModel != "" {
		return r.activeModel
	}
	if entry, ok := r.entries[r.active]; ok {
		return entry.cfg.Model
	}
	return ""
}

// SetActive switches the active provider and optional model override, drops
// any cached instance for the provider, and persists the selection.
func (r *Registry) SetActive(provider, modelName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[provider]
	if !ok {
		return fmt.Errorf("model provider %q not found", provider)
	}
	if provider == r.active && modelName == r.activeModel {
		return nil
	}

	r.entries[provider] = &providerEntry{cfg: entry.cfg}
	r.active = provider
	r.activeModel = modelName

	return r.saveLocked()
}

// List returns the configured providers sorted by name.
func (r *Registry) List() []ProviderSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ProviderSpec, 0, len(r.entries))
	for name, entry := range r.entries {
		specs = append(specs, ProviderSpec{Name: name, Config: entry.cfg})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// DefaultContextWindow returns the context window size for the active provider.
func (r *Registry) DefaultContextWindow() int {
	return r.ContextWindow(r.ActiveProvider())
}

// ContextWindow returns the context window size for the named provider.
func (r *Registry) ContextWindow(name string) int {
	r.mu.RLock()
	entry, ok := r.entries[name]
	override := ""
	if name == r.active {
		override = r.activeModel
	}
	r.mu.RUnlock()

	if !ok {
		return fallbackContextWindow
	}
	cfg := entry.cfg
	if override != "" {
		cfg.Model = override
	}
	return resolveContextWindow(cfg)
}

func (r *Registry) save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}

	specs := make([]ProviderSpec, 0, len(r.entries))
	for name, entry := range r.entries {
		specs = append(specs, ProviderSpec{Name: name, Config: entry.cfg})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	return storage.SaveState(r.path, registryState{
		Version:        registryVersion,
		Providers:      specs,
		ActiveProvider: r.active,
		ActiveModel:    r.activeModel,
	})
}

// resolveContextWindow determines context window: explicit config > model
// prefix > driver default > fallback.
func resolveContextWindow(cfg config.ProviderConfig) int {
	if cfg.ContextWindow > 0 {
		return cfg.ContextWindow
	}

	for prefix, size := range defaultContextWindows {
		if strings.HasPrefix(cfg.Model, prefix) {
			return size
		}
	}

	if cfg.Driver == "ollama" {
		return 8192
	}

	return fallbackContextWindow
}
