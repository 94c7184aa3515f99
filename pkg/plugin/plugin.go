package plugin

import (
	"context"
	"maps"
)

// Plugin is the contract every loadable module implements. The manager calls
// Configure once at registration, then Init and Start, and Stop on shutdown.
type Plugin interface {
	Info() Info
	Configure(cfg map[string]any) error
	Init(env *Env) error
	Start(env *Env) error
	Stop(env *Env) error
}

// Env carries the host state handed to a lifecycle hook. Each hook gets its
// own copy of the maps.
type Env struct {
	Ctx       context.Context
	Config    map[string]any
	Resources map[string]any
}

func newEnv(ctx context.Context, cfg, resources map[string]any) *Env {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Env{Ctx: ctx, Config: maps.Clone(cfg), Resources: maps.Clone(resources)}
}

// Resource returns a host service registered with WithResource.
func (e *Env) Resource(key string) (any, bool) {
	if e == nil {
		return nil, false
	}
	v, ok := e.Resources[key]
	return v, ok
}

// Option configures a Manager.
type Option func(*Manager)

// WithLoader replaces the shared object loader.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithGuard replaces the capability guard.
func WithGuard(guard Guard) Option {
	return func(m *Manager) {
		if guard != nil {
			m.guard = guard
		}
	}
}

// WithResource exposes a host service, such as the ledger repository, to plugins.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key != "" && value != nil {
			m.resources[key] = value
		}
	}
}
