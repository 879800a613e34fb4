package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blueberrycongee/chatmemory/internal/config"
	"github.com/blueberrycongee/chatmemory/internal/secret"
	"github.com/blueberrycongee/chatmemory/internal/secret/env"
	"github.com/blueberrycongee/chatmemory/internal/secret/file"
	"github.com/blueberrycongee/chatmemory/internal/secret/vault"
)

func buildSecretManager(ctx context.Context, cfg config.SecretsConfig, logger *slog.Logger) (*secret.Manager, error) {
	m := secret.NewManager()
	m.Register("env", env.New())
	m.Register("file", file.New())
	if cfg.Vault.Enabled {
		provider, err := vault.New(ctx, cfg.Vault, logger)
		if err != nil {
			return nil, fmt.Errorf("init vault: %w", err)
		}
		m.Register("vault", secret.NewCachedProvider(provider, cfg.CacheTTL))
		logger.Info("vault secret provider enabled", "address", cfg.Vault.Address)
	}
	return m, nil
}

// resolveSecrets replaces credential references in cfg with their values.
func resolveSecrets(ctx context.Context, m *secret.Manager, cfg *config.Config) error {
	if err := m.Resolve(ctx,
		&cfg.Summarizer.APIKey,
		&cfg.Embedding.APIKey,
		&cfg.Embedding.Qdrant.APIKey,
		&cfg.Redis.Password,
		&cfg.Store.S3.AccessKey,
		&cfg.Store.S3.SecretKey,
	); err != nil {
		return fmt.Errorf("resolve secrets: %w", err)
	}
	return nil
}
