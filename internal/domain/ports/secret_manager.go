package ports

import "context"

// Secret represents a retrieved secret with metadata
type Secret struct {
	Value     string            // The secret value (e.g., provider API key)
	Version   string            // Secret version identifier
	Metadata  map[string]string // Additional secret metadata
	CreatedAt string            // When this version was created
}

// SecretManagerAdapter defines the port for retrieving secrets from a
// secret management service. Backends: HashiCorp Vault, AWS Secrets
// Manager, local in-memory (development). Implementations are responsible
// for authentication and for caching secrets with a TTL.
type SecretManagerAdapter interface {
	// GetSecret retrieves a secret by its path/name.
	// Path format depends on implementation:
	//   - Vault: "secret/data/engine/providers/{provider}"
	//   - AWS:   "engine/providers/{provider}/api-key"
	GetSecret(ctx context.Context, path string) (*Secret, error)

	// PutSecret creates or updates a secret and returns the new version
	// identifier.
	PutSecret(ctx context.Context, path string, value string, metadata map[string]string) (version string, err error)
}
