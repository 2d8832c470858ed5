package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/hushline/pkg/audio"
	"github.com/MrWong99/hushline/pkg/presence"
	"github.com/MrWong99/hushline/pkg/provider/denoise"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: component not registered")

// TransportFactory builds a presence transport for the local identity.
type TransportFactory func(ctx context.Context, cfg *Config, identity string) (presence.Transport, error)

// Registry maps names to constructors for the pluggable components. It is
// safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	runtimes   map[string]func(DenoiseConfig) (denoise.Runtime, error)
	transports map[string]TransportFactory
	platforms  map[string]func(*Config) (audio.Platform, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		runtimes:   make(map[string]func(DenoiseConfig) (denoise.Runtime, error)),
		transports: make(map[string]TransportFactory),
		platforms:  make(map[string]func(*Config) (audio.Platform, error)),
	}
}

// RegisterRuntime registers a denoise runtime factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRuntime(name string, factory func(DenoiseConfig) (denoise.Runtime, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runtimes[name] = factory
}

// RegisterTransport registers a presence transport factory under name.
func (r *Registry) RegisterTransport(name string, factory TransportFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = factory
}

// RegisterPlatform registers a voice platform factory under name.
func (r *Registry) RegisterPlatform(name string, factory func(*Config) (audio.Platform, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.platforms[name] = factory
}

// CreateRuntime instantiates the runtime named by cfg.Runtime.
func (r *Registry) CreateRuntime(cfg DenoiseConfig) (denoise.Runtime, error) {
	r.mu.RLock()
	factory, ok := r.runtimes[cfg.Runtime]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: runtime/%q", ErrNotRegistered, cfg.Runtime)
	}
	return factory(cfg)
}

// CreateTransport instantiates the presence transport registered as name.
func (r *Registry) CreateTransport(ctx context.Context, name string, cfg *Config, identity string) (presence.Transport, error) {
	r.mu.RLock()
	factory, ok := r.transports[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transport/%q", ErrNotRegistered, name)
	}
	return factory(ctx, cfg, identity)
}

// CreatePlatform instantiates the voice platform registered as name.
func (r *Registry) CreatePlatform(name string, cfg *Config) (audio.Platform, error) {
	r.mu.RLock()
	factory, ok := r.platforms[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: platform/%q", ErrNotRegistered, name)
	}
	return factory(cfg)
}

// Transports returns the registered transport names, sorted.
func (r *Registry) Transports() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transports))
	for n := range r.transports {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
