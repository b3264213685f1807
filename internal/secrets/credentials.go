package secrets

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rendis/outreach/pkg/schema"
)

// Credentials stores per-user provider credentials (SMTP settings, API keys,
// page tokens) as one encrypted JSON object per provider.
type Credentials struct {
	vault Vault
}

// NewCredentials returns a credential source backed by vault.
func NewCredentials(vault Vault) *Credentials {
	return &Credentials{vault: vault}
}

func credentialKey(userID, provider string) string {
	return "user/" + userID + "/" + strings.ToLower(provider)
}

// Set replaces the credentials of userID for provider.
func (c *Credentials) Set(ctx context.Context, userID, provider string, values map[string]string) error {
	if userID == "" || provider == "" {
		return schema.NewError(schema.ErrCodeValidation, "user and provider are required")
	}
	if len(values) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "no credential values for %s", provider)
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return schema.NewError(schema.ErrCodeVault, "encode credentials").WithCause(err)
	}
	return c.vault.Put(ctx, credentialKey(userID, provider), raw)
}

// Credentials returns the stored values. NOT_FOUND when the user has none for
// provider.
func (c *Credentials) Credentials(ctx context.Context, userID, provider string) (map[string]string, error) {
	raw, err := c.vault.Get(ctx, credentialKey(userID, provider))
	if err != nil {
		return nil, err
	}
	values := map[string]string{}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "credentials for %s are corrupt", provider).WithCause(err)
	}
	return values, nil
}

// Delete removes the credentials of userID for provider.
func (c *Credentials) Delete(ctx context.Context, userID, provider string) error {
	return c.vault.Remove(ctx, credentialKey(userID, provider))
}

// Providers lists the providers userID has credentials for.
func (c *Credentials) Providers(ctx context.Context, userID string) ([]string, error) {
	prefix := credentialKey(userID, "")
	names, err := c.vault.Names(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if p := strings.TrimPrefix(n, prefix); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}
