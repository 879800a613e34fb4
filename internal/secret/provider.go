// Package secret resolves credential references such as "env://OPENAI_KEY" or
// "vault://secret/data/openai#api_key" into their values.
package secret

import "context"

// Provider retrieves secrets from one backend.
type Provider interface {
	// Get returns the secret at path, the part of a reference after "://".
	Get(ctx context.Context, path string) (string, error)
	// Close releases any resources held by the provider.
	Close() error
}
