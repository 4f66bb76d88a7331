package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/paykit/engine/internal/adapters/secrets"
	"github.com/paykit/engine/internal/config"
	"github.com/paykit/engine/internal/domain/ports"
)

// initSecretManager initializes the secret manager backend that provider
// adapters read their API credentials from.
// Supports:
//   - HashiCorp Vault (production): SECRETS_BACKEND=vault, VAULT_ADDR, VAULT_TOKEN
//   - AWS Secrets Manager (production): SECRETS_BACKEND=aws, AWS_REGION
//   - Local filesystem (development): default
func initSecretManager(ctx context.Context, cfg *config.Config, logger *zap.Logger) ports.SecretManagerAdapter {
	switch cfg.Secrets.Backend {
	case "vault":
		vaultCfg := secrets.DefaultVaultConfig(cfg.Secrets.VaultAddress)
		vaultCfg.Token = cfg.Secrets.VaultToken

		sm, err := secrets.NewVaultAdapter(ctx, vaultCfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Vault secret manager",
				zap.Error(err),
				zap.String("address", cfg.Secrets.VaultAddress),
			)
		}
		return sm

	case "aws":
		awsCfg := secrets.DefaultAWSSecretsManagerConfig(cfg.Secrets.AWSRegion)

		sm, err := secrets.NewAWSSecretsManagerAdapter(ctx, awsCfg, logger)
		if err != nil {
			logger.Fatal("Failed to initialize AWS secret manager",
				zap.Error(err),
				zap.String("region", cfg.Secrets.AWSRegion),
			)
		}
		return sm

	default:
		logger.Warn("Using local filesystem secret manager - NOT for production use!",
			zap.String("path", cfg.Secrets.LocalPath),
		)
		return secrets.NewLocalSecretManager(cfg.Secrets.LocalPath, logger)
	}
}
