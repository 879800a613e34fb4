// Package env serves secrets from environment variables.
package env

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider reads "env://NAME" references.
type Provider struct{}

// New creates an env provider.
func New() *Provider {
	return &Provider{}
}

// Get returns the value of the variable named path.
func (p *Provider) Get(_ context.Context, path string) (string, error) {
	val, ok := os.LookupEnv(path)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", path)
	}
	return strings.TrimSpace(val), nil
}

// Close is a no-op.
func (p *Provider) Close() error {
	return nil
}
