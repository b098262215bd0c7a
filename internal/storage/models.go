package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// Bucket names for the bbolt database
const (
	ConnectionsBucket   = "connections"
	RegistrationsBucket = "oauth_registrations"
	MetaBucket          = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// Retention windows.
const (
	// MaxConnectionAge is how long a saved connection stays usable without
	// being touched before it is excluded from listings and eligible for GC.
	MaxConnectionAge = 30 * 24 * time.Hour
	// RegistrationMaxAge is how long an OAuth client registration is trusted
	// before it is treated as needing renewal.
	RegistrationMaxAge = 7 * 24 * time.Hour
)

// AuthType identifies how a saved connection authenticates.
type AuthType string

const (
	AuthTypeOAuth         AuthType = "oauth"
	AuthTypeCustomHeaders AuthType = "custom_headers"
)

// ErrNotFound is returned when a record does not exist or is owned by a
// different caller. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("record not found")

// ErrInvalidOwner is returned when an owner key is not exactly one of
// user id / anonymous session id.
var ErrInvalidOwner = errors.New("owner must have exactly one of user id or anonymous session id")

// Owner identifies who a persisted row belongs to. Exactly one of the two
// fields must be set.
type Owner struct {
	UserID             string `json:"user_id,omitempty"`
	AnonymousSessionID string `json:"anonymous_session_id,omitempty"`
}

// Validate enforces the exactly-one invariant.
func (o Owner) Validate() error {
	if (o.UserID == "") == (o.AnonymousSessionID == "") {
		return ErrInvalidOwner
	}
	return nil
}

// Key returns a stable string form used for equality checks and logging.
func (o Owner) Key() string {
	if o.UserID != "" {
		return "user:" + o.UserID
	}
	return "anon:" + o.AnonymousSessionID
}

// UserOwner builds an owner key for an authenticated user.
func UserOwner(userID string) Owner {
	return Owner{UserID: userID}
}

// AnonymousOwner builds an owner key for an anonymous session.
func AnonymousOwner(sessionID string) Owner {
	return Owner{AnonymousSessionID: sessionID}
}

// ConnectionRecord is a saved server connection with encrypted credentials.
// At most one record exists per (owner, server URL) pair.
type ConnectionRecord struct {
	ID                   string    `json:"id"`
	ServerURL            string    `json:"server_url"`
	ServerName           string    `json:"server_name"`
	DisplayName          string    `json:"display_name,omitempty"`
	AuthType             AuthType  `json:"auth_type"`
	Transport            string    `json:"transport,omitempty"`
	EncryptedCredentials string    `json:"encrypted_credentials"`
	Owner                Owner     `json:"owner"`
	LastUsedAt           time.Time `json:"last_used_at"`
	Created              time.Time `json:"created"`
}

// RegistrationRecord is a stored OAuth dynamic-client-registration result.
// Multiple rows may exist per (owner, server URL) but at most one active.
type RegistrationRecord struct {
	ID           string    `json:"id"`
	ServerURL    string    `json:"server_url"`
	DiscoveryURL string    `json:"discovery_url"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	IsExpired    bool      `json:"is_expired"`
	Owner        Owner     `json:"owner"`
	CreatedAt    time.Time `json:"created_at"`
}

// Age returns how old the registration is.
func (r *RegistrationRecord) Age() time.Duration {
	return time.Since(r.CreatedAt)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (c *ConnectionRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (c *ConnectionRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *RegistrationRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *RegistrationRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}
