package secret

import (
	"encoding/json"
	"fmt"
	"time"
)

// OAuthCredentials is the decrypted payload of an oauth connection record.
type OAuthCredentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// CustomHeaders is the decrypted payload of a custom-headers connection record.
type CustomHeaders struct {
	Headers   map[string]string `json:"headers"`
	Timestamp int64             `json:"timestamp"`
}

// EncryptOAuthCredentials wraps an access/refresh token pair in the standard
// JSON envelope and encrypts it.
func (c *Cipher) EncryptOAuthCredentials(accessToken, refreshToken string) (string, error) {
	payload := OAuthCredentials{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Timestamp:    time.Now().UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal oauth credentials: %w", err)
	}
	return c.Encrypt(string(data))
}

// DecryptOAuthCredentials decrypts and unpacks an oauth payload.
func (c *Cipher) DecryptOAuthCredentials(encrypted string) (*OAuthCredentials, error) {
	plaintext, err := c.Decrypt(encrypted)
	if err != nil {
		return nil, err
	}
	var payload OAuthCredentials
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return nil, fmt.Errorf("%w: not an oauth payload", ErrDecryptFailed)
	}
	return &payload, nil
}

// EncryptCustomHeaders wraps a header map in the standard JSON envelope and
// encrypts it.
func (c *Cipher) EncryptCustomHeaders(headers map[string]string) (string, error) {
	payload := CustomHeaders{
		Headers:   headers,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal custom headers: %w", err)
	}
	return c.Encrypt(string(data))
}

// DecryptCustomHeaders decrypts and unpacks a custom-headers payload.
func (c *Cipher) DecryptCustomHeaders(encrypted string) (*CustomHeaders, error) {
	plaintext, err := c.Decrypt(encrypted)
	if err != nil {
		return nil, err
	}
	var payload CustomHeaders
	if err := json.Unmarshal([]byte(plaintext), &payload); err != nil {
		return nil, fmt.Errorf("%w: not a custom-headers payload", ErrDecryptFailed)
	}
	return &payload, nil
}
