// Package secrets keeps provider credentials (SMTP logins, API keys, page
// tokens) encrypted at rest.
package secrets

import "context"

// Vault holds named secret values. Values are only ever decrypted in memory.
type Vault interface {
	Put(ctx context.Context, name string, value []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Remove(ctx context.Context, name string) error
	// Names returns the sorted names that start with prefix.
	Names(ctx context.Context, prefix string) ([]string, error)
}

// SecretStore persists sealed blobs. Satisfied by store.LibSQLStore.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
