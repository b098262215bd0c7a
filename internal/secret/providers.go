package secret

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// EncryptionKeyEnvVar holds the hex-encoded 32-byte encryption key.
	EncryptionKeyEnvVar = "MCPBRIDGE_ENCRYPTION_KEY"

	// ServiceName for keyring entries.
	ServiceName = "mcpbridge"
	// KeyringEncryptionKeyName is the keyring account the key is stored under.
	KeyringEncryptionKeyName = "encryption-key"
)

// KeyProvider resolves the raw encryption key from some backing source.
type KeyProvider interface {
	Key() ([]byte, error)
}

// EnvKeyProvider reads the key from the environment as a 64-char hex string.
type EnvKeyProvider struct {
	EnvVar string
}

// NewEnvKeyProvider creates a provider reading EncryptionKeyEnvVar.
func NewEnvKeyProvider() *EnvKeyProvider {
	return &EnvKeyProvider{EnvVar: EncryptionKeyEnvVar}
}

func (p *EnvKeyProvider) Key() ([]byte, error) {
	raw := os.Getenv(p.EnvVar)
	if raw == "" {
		return nil, fmt.Errorf("%w: environment variable %s is not set", ErrInvalidKey, p.EnvVar)
	}
	return decodeHexKey(raw)
}

// KeyringKeyProvider reads the key from the OS keyring (Keychain, Secret
// Service, WinCred).
type KeyringKeyProvider struct {
	serviceName string
	account     string
}

// NewKeyringKeyProvider creates a provider reading the mcpbridge keyring entry.
func NewKeyringKeyProvider() *KeyringKeyProvider {
	return &KeyringKeyProvider{serviceName: ServiceName, account: KeyringEncryptionKeyName}
}

func (p *KeyringKeyProvider) Key() ([]byte, error) {
	raw, err := keyring.Get(p.serviceName, p.account)
	if err != nil {
		return nil, fmt.Errorf("%w: keyring lookup failed: %v", ErrInvalidKey, err)
	}
	return decodeHexKey(raw)
}

// ChainKeyProvider tries providers in order; the first success wins.
type ChainKeyProvider struct {
	providers []KeyProvider
}

// NewChainKeyProvider builds the default env-then-keyring chain.
func NewChainKeyProvider(providers ...KeyProvider) *ChainKeyProvider {
	if len(providers) == 0 {
		providers = []KeyProvider{NewEnvKeyProvider(), NewKeyringKeyProvider()}
	}
	return &ChainKeyProvider{providers: providers}
}

func (p *ChainKeyProvider) Key() ([]byte, error) {
	var errs []error
	for _, provider := range p.providers {
		key, err := provider.Key()
		if err == nil {
			return key, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: no provider yielded a key: %v", ErrInvalidKey, errors.Join(errs...))
}

func decodeHexKey(raw string) ([]byte, error) {
	if len(raw) != KeySize*2 {
		return nil, fmt.Errorf("%w: must be a %d-character hex string (%d bytes)", ErrInvalidKey, KeySize*2, KeySize)
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid hex: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// GenerateKey produces a fresh random key as a hex string, for setup tooling.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
