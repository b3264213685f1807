package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/outreach/pkg/schema"
)

// VaultConfig selects the vault key: a raw 32-byte MasterKey, or a key
// derived from Passphrase and Salt with PBKDF2-SHA256.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // default 100_000
}

const (
	defaultIterations = 100_000
	keySize           = 32

	// sealV1 prefixes every blob: version byte, GCM nonce, ciphertext+tag.
	sealV1 byte = 1
)

func (c VaultConfig) key() ([]byte, error) {
	if len(c.MasterKey) > 0 {
		if len(c.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keySize, len(c.MasterKey))
		}
		return c.MasterKey, nil
	}
	switch {
	case c.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault, "either master key or vault passphrase is required")
	case len(c.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iter := c.Iterations
	if iter <= 0 {
		iter = defaultIterations
	}
	return pbkdf2.Key(sha256.New, c.Passphrase, c.Salt, iter, keySize)
}

// AESVault seals values with AES-256-GCM before they reach the store. The
// secret name is the additional data, so a blob copied under another name
// does not open.
type AESVault struct {
	store SecretStore
	gcm   cipher.AEAD
}

var _ Vault = (*AESVault)(nil)

func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "aes cipher").WithCause(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "gcm").WithCause(err)
	}
	return &AESVault{store: s, gcm: gcm}, nil
}

func (v *AESVault) Put(ctx context.Context, name string, value []byte) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret name is required")
	}
	blob := make([]byte, 1+v.gcm.NonceSize(), 1+v.gcm.NonceSize()+len(value)+v.gcm.Overhead())
	blob[0] = sealV1
	nonce := blob[1:]
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	blob = v.gcm.Seal(blob, nonce, value, []byte(name))
	return v.store.StoreSecret(ctx, name, blob)
}

// Get returns the opened value. A missing name keeps the store's NOT_FOUND.
func (v *AESVault) Get(ctx context.Context, name string) ([]byte, error) {
	blob, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	header := 1 + v.gcm.NonceSize()
	if len(blob) < header || blob[0] != sealV1 {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: unrecognized format", name)
	}
	plain, err := v.gcm.Open(nil, blob[1:header], blob[header:], []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: decrypt failed", name).WithCause(err)
	}
	return plain, nil
}

func (v *AESVault) Remove(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

func (v *AESVault) Names(ctx context.Context, prefix string) ([]string, error) {
	all, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range all {
		if strings.HasPrefix(n, prefix) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}
