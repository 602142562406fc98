// Package settings manages the daemon's runtime-adjustable configuration:
// listener identity (host, port, bind mode), API auth, the tool security
// policy, and the operation mode that gates admission of new work.
package settings

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/nrn-labs/undoable/internal/storage"
)

const stateVersion = 1

// Bind modes. loopback and all force the host; custom keeps it.
const (
	BindLoopback = "loopback"
	BindAll      = "all"
	BindCustom   = "custom"
)

// Auth modes.
const (
	AuthOpen  = "open"
	AuthToken = "token"
)

// Security policies, consumed by the tool policy at startup.
const (
	PolicyStrict     = "strict"
	PolicyBalanced   = "balanced"
	PolicyPermissive = "permissive"
)

// Operation modes. normal admits new work, drain refuses it while active
// runs finish, paused additionally freezes scheduler fires and swarm
// dispatch.
const (
	ModeNormal = "normal"
	ModeDrain  = "drain"
	ModePaused = "paused"
)

// Admission errors returned by Admit.
var (
	ErrDraining = errors.New("daemon is draining, not accepting new work")
	ErrPaused   = errors.New("daemon is paused, not accepting new work")
)

// Settings is one coherent set of daemon settings.
type Settings struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	BindMode        string `json:"bindMode"`
	AuthMode        string `json:"authMode"`
	Token           string `json:"token,omitempty"`
	SecurityPolicy  string `json:"securityPolicy"`
	OperationMode   string `json:"operationMode"`
	OperationReason string `json:"operationReason,omitempty"`
}

// Addr renders the listener address.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Snapshot pairs what is persisted with what the running daemon uses.
// RestartRequired is set when any restart-bound field diverged; only the
// operation mode applies live.
type Snapshot struct {
	Desired         Settings `json:"desired"`
	Effective       Settings `json:"effective"`
	RestartRequired bool     `json:"restartRequired"`
}

// Patch carries partial updates for Apply. Nil fields are left untouched.
type Patch struct {
	Host            *string `json:"host,omitempty"`
	Port            *int    `json:"port,omitempty"`
	BindMode        *string `json:"bindMode,omitempty"`
	AuthMode        *string `json:"authMode,omitempty"`
	Token           *string `json:"token,omitempty"`
	SecurityPolicy  *string `json:"securityPolicy,omitempty"`
	OperationMode   *string `json:"operationMode,omitempty"`
	OperationReason *string `json:"operationReason,omitempty"`
	RotateToken     bool    `json:"rotateToken,omitempty"`
}

// Pausable is anything whose dispatch can be suspended. The scheduler and
// the swarm service both satisfy it.
type Pausable interface {
	SetPaused(bool)
}

// Config holds manager dependencies. Host, Port and SecurityPolicy seed the
// defaults when no settings file exists yet.
type Config struct {
	Path           string // daemon-settings.json; empty disables persistence
	Host           string
	Port           int
	SecurityPolicy string
	Pausables      []Pausable
	Now            func() time.Time // nil defaults to time.Now
}

// Manager owns the settings lifecycle. Desired is what's on disk; effective
// is what this process runs with.
type Manager struct {
	path string
	now  func() time.Time

	mu        sync.Mutex
	pausables []Pausable
	desired   Settings
	effective Settings
}

type stateFile struct {
	Version  int       `json:"version"`
	Settings Settings  `json:"settings"`
	SavedAt  time.Time `json:"savedAt"`
}

// New loads persisted settings or builds defaults, captures them as the
// effective set, and propagates a persisted paused mode to the pausables.
func New(cfg Config) (*Manager, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	m := &Manager{
		path:      cfg.Path,
		pausables: cfg.Pausables,
		now:       now,
	}

	loaded, ok := m.load()
	if !ok {
		loaded = defaults(cfg.Host, cfg.Port)
	}
	if loaded.SecurityPolicy == "" {
		loaded.SecurityPolicy = cfg.SecurityPolicy
	}
	if loaded.SecurityPolicy == "" {
		loaded.SecurityPolicy = PolicyBalanced
	}
	if err := normalize(&loaded); err != nil {
		return nil, fmt.Errorf("stored settings invalid: %w", err)
	}
	freshToken := false
	if loaded.AuthMode == AuthToken && loaded.Token == "" {
		tok, err := generateToken()
		if err != nil {
			return nil, err
		}
		loaded.Token = tok
		freshToken = true
	}

	m.desired = loaded
	m.effective = loaded
	if !ok || freshToken {
		m.persistLocked()
	}
	m.propagatePause(loaded.OperationMode == ModePaused)
	return m, nil
}

func defaults(host string, port int) Settings {
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 18787
	}
	s := Settings{
		Host:           host,
		Port:           port,
		AuthMode:       AuthToken,
		SecurityPolicy: PolicyBalanced,
		OperationMode:  ModeNormal,
	}
	switch host {
	case "127.0.0.1", "localhost", "::1":
		s.BindMode = BindLoopback
	case "0.0.0.0", "::":
		s.BindMode = BindAll
	default:
		s.BindMode = BindCustom
	}
	return s
}

// RegisterPausable attaches a pausable after construction and applies the
// current operation mode to it. The daemon builds the scheduler and the
// swarm service after the settings manager, so they arrive here.
func (m *Manager) RegisterPausable(p Pausable) {
	if p == nil {
		return
	}
	m.mu.Lock()
	m.pausables = append(m.pausables, p)
	paused := m.effective.OperationMode == ModePaused
	m.mu.Unlock()
	p.SetPaused(paused)
}

// Snapshot returns desired, effective, and whether a restart is needed to
// make them match.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Desired:         m.desired,
		Effective:       m.effective,
		RestartRequired: restartPending(m.desired, m.effective),
	}
}

// restartPending compares every restart-bound field: listener identity,
// auth mode, security policy, and token presence (not value).
func restartPending(d, e Settings) bool {
	return d.Host != e.Host ||
		d.Port != e.Port ||
		d.BindMode != e.BindMode ||
		d.AuthMode != e.AuthMode ||
		d.SecurityPolicy != e.SecurityPolicy ||
		(d.Token != "") != (e.Token != "")
}

// Apply validates and commits a patch. Only the operation mode and its
// reason take effect immediately; everything else waits for a restart and
// flips RestartRequired in the snapshot.
func (m *Manager) Apply(patch Patch) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.desired
	if patch.Host != nil {
		d.Host = *patch.Host
	}
	if patch.Port != nil {
		d.Port = *patch.Port
	}
	if patch.BindMode != nil {
		d.BindMode = *patch.BindMode
	}
	if patch.AuthMode != nil {
		d.AuthMode = *patch.AuthMode
	}
	if patch.SecurityPolicy != nil {
		d.SecurityPolicy = *patch.SecurityPolicy
	}
	if patch.OperationMode != nil {
		d.OperationMode = *patch.OperationMode
	}
	if patch.OperationReason != nil {
		d.OperationReason = *patch.OperationReason
	}
	if patch.Token != nil {
		if *patch.Token == "" {
			return Snapshot{}, errors.New("token must not be empty")
		}
		d.Token = *patch.Token
		d.AuthMode = AuthToken
	}
	if patch.RotateToken {
		tok, err := generateToken()
		if err != nil {
			return Snapshot{}, err
		}
		d.Token = tok
		d.AuthMode = AuthToken
	}
	if err := normalize(&d); err != nil {
		return Snapshot{}, err
	}
	if d.AuthMode == AuthToken && d.Token == "" {
		tok, err := generateToken()
		if err != nil {
			return Snapshot{}, err
		}
		d.Token = tok
	}

	modeChanged := d.OperationMode != m.desired.OperationMode
	m.desired = d
	m.effective.OperationMode = d.OperationMode
	m.effective.OperationReason = d.OperationReason
	m.persistLocked()

	if modeChanged {
		slog.Info("operation mode changed", "mode", d.OperationMode, "reason", d.OperationReason)
		m.propagatePauseLocked(d.OperationMode == ModePaused)
	}
	return m.snapshotLocked(), nil
}

// normalize forces the host to match the bind mode and checks enums.
func normalize(s *Settings) error {
	switch s.BindMode {
	case BindLoopback:
		s.Host = "127.0.0.1"
	case BindAll:
		s.Host = "0.0.0.0"
	case BindCustom:
	default:
		return fmt.Errorf("unknown bind mode %q", s.BindMode)
	}
	switch s.AuthMode {
	case AuthOpen, AuthToken:
	default:
		return fmt.Errorf("unknown auth mode %q", s.AuthMode)
	}
	switch s.SecurityPolicy {
	case PolicyStrict, PolicyBalanced, PolicyPermissive:
	default:
		return fmt.Errorf("unknown security policy %q", s.SecurityPolicy)
	}
	switch s.OperationMode {
	case ModeNormal, ModeDrain, ModePaused:
	default:
		return fmt.Errorf("unknown operation mode %q", s.OperationMode)
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	if s.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// Admit reports whether new run- or job-creating work may start.
func (m *Manager) Admit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.effective.OperationMode {
	case ModeDrain:
		return ErrDraining
	case ModePaused:
		return ErrPaused
	}
	return nil
}

// OperationMode returns the live operation mode.
func (m *Manager) OperationMode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effective.OperationMode
}

// OperationReason returns the reason recorded with the live mode.
func (m *Manager) OperationReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effective.OperationReason
}

// Effective returns the settings this process runs with.
func (m *Manager) Effective() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effective
}

// Authorize checks a bearer token against the effective auth settings.
func (m *Manager) Authorize(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.effective.AuthMode != AuthToken {
		return true
	}
	if token == "" || m.effective.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(m.effective.Token)) == 1
}

func (m *Manager) propagatePause(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.propagatePauseLocked(paused)
}

func (m *Manager) propagatePauseLocked(paused bool) {
	for _, p := range m.pausables {
		if p != nil {
			p.SetPaused(paused)
		}
	}
}

func (m *Manager) load() (Settings, bool) {
	if m.path == "" {
		return Settings{}, false
	}
	var state stateFile
	if err := storage.LoadState(m.path, stateVersion, &state); err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("settings: load state", "path", m.path, "error", err)
		}
		return Settings{}, false
	}
	return state.Settings, true
}

// persistLocked writes the desired settings. Caller must hold m.mu or be
// inside New before the manager escapes.
func (m *Manager) persistLocked() {
	if m.path == "" {
		return
	}
	state := stateFile{Version: stateVersion, Settings: m.desired, SavedAt: m.now()}
	if err := storage.SaveState(m.path, &state); err != nil {
		slog.Error("settings: persist", "path", m.path, "error", err)
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
