package summarizer

import (
	"context"

	"github.com/blueberrycongee/chatmemory/internal/resilience"
	"github.com/blueberrycongee/chatmemory/pkg/types"
)

// GuardedChatClient rejects calls while its breaker is open.
type GuardedChatClient struct {
	next    ChatClient
	breaker *resilience.CircuitBreaker
}

// NewGuardedChatClient wraps next with breaker.
func NewGuardedChatClient(next ChatClient, breaker *resilience.CircuitBreaker) *GuardedChatClient {
	return &GuardedChatClient{next: next, breaker: breaker}
}

// ChatCompletion implements ChatClient.
func (g *GuardedChatClient) ChatCompletion(ctx context.Context, req *types.ChatRequest) (*types.ChatResponse, error) {
	return resilience.Guard(ctx, g.breaker, func(ctx context.Context) (*types.ChatResponse, error) {
		return g.next.ChatCompletion(ctx, req)
	})
}
