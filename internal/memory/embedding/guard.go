package embedding

import (
	"context"

	"github.com/blueberrycongee/chatmemory/internal/resilience"
)

// GuardedClient rejects embedding calls while its breaker is open.
type GuardedClient struct {
	Client
	breaker *resilience.CircuitBreaker
}

// NewGuardedClient wraps next with breaker.
func NewGuardedClient(next Client, breaker *resilience.CircuitBreaker) *GuardedClient {
	return &GuardedClient{Client: next, breaker: breaker}
}

// Embed implements Client.
func (g *GuardedClient) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	return resilience.Guard(ctx, g.breaker, func(ctx context.Context) ([]Vector, error) {
		return g.Client.Embed(ctx, texts)
	})
}
