package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"sync"

	"TreasuryGuard/pkg/logger"
)

var (
	// ErrNotRegistered is returned for an unknown plugin id.
	ErrNotRegistered = errors.New("plugin not registered")
	// ErrDuplicate is returned when an id is registered twice.
	ErrDuplicate = errors.New("plugin already registered")
)

// Manager owns the registered plugins and drives their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	plugins   map[string]*entry
	loader    Loader
	guard     Guard
	defaults  Policy
	resources map[string]any
	log       *slog.Logger
}

type entry struct {
	mu     sync.Mutex
	impl   Plugin
	info   Info
	config map[string]any
	state  State
}

// NewManager builds a manager and registers every enabled plugin in cfg.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		plugins:   map[string]*entry{},
		loader:    SharedObjectLoader{},
		guard:     CapabilityGuard{},
		defaults:  cfg.Defaults,
		resources: map[string]any{},
		log:       logger.Named("plugin"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(cfg.Plugins)) {
		pc := cfg.Plugins[id]
		if !pc.Enabled {
			continue
		}
		path := pc.Path
		if cfg.Dir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Dir, path)
		}
		if err := m.Load(id, path, maps.Clone(pc.Config), pc.Policy); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Load reads a plugin file through the loader and registers it.
func (m *Manager) Load(id, path string, cfg map[string]any, policy *Policy) error {
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("plugin %s: load %s: %w", id, path, err)
	}
	return m.Register(id, p, cfg, policy)
}

// Register checks the plugin against the effective policy, lets it configure
// itself and stores it in the registered state.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy *Policy) error {
	if id == "" || p == nil {
		return errors.New("plugin id and implementation are required")
	}
	info := p.Info()
	switch info.ID {
	case "", id:
		info.ID = id
	default:
		return fmt.Errorf("plugin %s reports id %s", id, info.ID)
	}
	effective := mergePolicies(m.defaults, policy)
	if err := requirePolicy(info, effective); err != nil {
		return err
	}
	if err := m.guard.Validate(info, effective); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("plugin %s: configure: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.plugins[id]; taken {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	m.plugins[id] = &entry{impl: p, info: info, config: cfg, state: StateRegistered}
	m.log.Info("plugin registered",
		slog.String("id", id),
		slog.String("category", string(info.Category)),
		slog.String("version", info.Version))
	return nil
}

// Start runs Init on first use and then Start. Starting a started plugin is a no-op.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.transition(ctx, id, StateStarted)
}

// Stop stops a started plugin. Other states are left untouched.
func (m *Manager) Stop(ctx context.Context, id string) error {
	return m.transition(ctx, id, StateStopped)
}

func (m *Manager) transition(ctx context.Context, id string, target State) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	env := func() *Env { return newEnv(ctx, e.config, m.resources) }
	switch target {
	case StateStarted:
		if e.state == StateStarted {
			return nil
		}
		if e.state == StateRegistered {
			if err := e.impl.Init(env()); err != nil {
				return fmt.Errorf("plugin %s: init: %w", id, err)
			}
			e.state = StateInitialised
		}
		if err := e.impl.Start(env()); err != nil {
			return fmt.Errorf("plugin %s: start: %w", id, err)
		}
	case StateStopped:
		if e.state != StateStarted {
			return nil
		}
		if err := e.impl.Stop(env()); err != nil {
			return fmt.Errorf("plugin %s: stop: %w", id, err)
		}
	}
	e.state = target
	m.log.Debug("plugin state changed", slog.String("id", id), slog.String("state", string(target)))
	return nil
}

// StartAll starts plugins in id order. On failure the plugins it already
// started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	var started []string
	for _, id := range m.ids() {
		if err := m.Start(ctx, id); err != nil {
			for _, prev := range slices.Backward(started) {
				if stopErr := m.Stop(ctx, prev); stopErr != nil {
					m.log.Warn("rollback stop failed", slog.String("id", prev), slog.Any("error", stopErr))
				}
			}
			return err
		}
		started = append(started, id)
	}
	return nil
}

// StopAll stops every plugin in reverse id order and joins the failures.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, id := range slices.Backward(m.ids()) {
		errs = append(errs, m.Stop(ctx, id))
	}
	return errors.Join(errs...)
}

// State reports where a plugin is in its lifecycle.
func (m *Manager) State(id string) (State, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// BalanceSource returns the started balance-source plugin registered as id.
func (m *Manager) BalanceSource(id string) (BalanceSource, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	state, category := e.state, e.info.Category
	e.mu.Unlock()

	if category != TypeBalanceSource {
		return nil, fmt.Errorf("plugin %s has category %q", id, category)
	}
	if state != StateStarted {
		return nil, fmt.Errorf("plugin %s is %s", id, state)
	}
	src, ok := e.impl.(BalanceSource)
	if !ok {
		return nil, fmt.Errorf("plugin %s does not report balances", id)
	}
	return src, nil
}

func (m *Manager) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.plugins))
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.plugins[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return e, nil
}
