// Package file serves secrets mounted as files, as Docker and Kubernetes do.
package file

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider reads "file:///run/secrets/name" references.
type Provider struct{}

// New creates a file provider.
func New() *Provider {
	return &Provider{}
}

// Get returns the trimmed content of the file at path.
func (p *Provider) Get(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Close is a no-op.
func (p *Provider) Close() error {
	return nil
}
