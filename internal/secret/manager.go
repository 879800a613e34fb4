package secret

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Manager routes references to providers by URI scheme.
type Manager struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
	}
}

// Register serves scheme with provider, replacing any previous one.
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// IsReference reports whether value names a secret rather than holding one.
func IsReference(value string) bool {
	scheme, _, ok := strings.Cut(value, "://")
	return ok && scheme != "" && !strings.ContainsAny(scheme, " /")
}

// Get resolves ref. Values without a scheme are returned as-is.
func (m *Manager) Get(ctx context.Context, ref string) (string, error) {
	if !IsReference(ref) {
		return ref, nil
	}
	scheme, path, _ := strings.Cut(ref, "://")

	m.mu.RLock()
	provider, ok := m.providers[scheme]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no secret provider registered for scheme %q", scheme)
	}
	return provider.Get(ctx, path)
}

// Resolve replaces each referenced field with its secret value. Fields are
// left untouched when any lookup fails.
func (m *Manager) Resolve(ctx context.Context, fields ...*string) error {
	values := make([]string, len(fields))
	for i, field := range fields {
		if field == nil {
			continue
		}
		val, err := m.Get(ctx, *field)
		if err != nil {
			return err
		}
		values[i] = val
	}
	for i, field := range fields {
		if field != nil {
			*field = values[i]
		}
	}
	return nil
}

// Close closes all registered providers.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scheme, err))
		}
	}
	return errors.Join(errs...)
}
