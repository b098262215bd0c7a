package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/starbase-chat/mcpbridge/internal/secret"
)

// Manager provides a unified interface for credential and registration
// storage. Multi-step operations (delete-then-insert, expire-then-create)
// take the manager lock so the one-active-row invariants hold under
// concurrent callers.
type Manager struct {
	db     *BoltDB
	cipher *secret.Cipher
	mu     sync.Mutex
	logger *zap.SugaredLogger
}

// NewManager creates a new storage manager
func NewManager(dataDir string, cipher *secret.Cipher, logger *zap.SugaredLogger) (*Manager, error) {
	db, err := NewBoltDB(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bolt database: %w", err)
	}

	return &Manager{
		db:     db,
		cipher: cipher,
		logger: logger,
	}, nil
}

// NewManagerWithDB wraps an already-open database, for tests.
func NewManagerWithDB(db *BoltDB, cipher *secret.Cipher, logger *zap.SugaredLogger) *Manager {
	return &Manager{db: db, cipher: cipher, logger: logger}
}

// Close closes the storage manager
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

// ConnectionSummary is a listing row with secrets redacted.
type ConnectionSummary struct {
	ID          string    `json:"id"`
	ServerURL   string    `json:"server_url"`
	ServerName  string    `json:"server_name"`
	DisplayName string    `json:"display_name,omitempty"`
	AuthType    AuthType  `json:"auth_type"`
	Transport   string    `json:"transport,omitempty"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// DecryptedConnection is a full record including the decrypted payload.
// Exactly one of OAuth / Headers is set, matching AuthType.
type DecryptedConnection struct {
	ID          string
	ServerURL   string
	ServerName  string
	DisplayName string
	AuthType    AuthType
	Transport   string
	OAuth       *secret.OAuthCredentials
	Headers     map[string]string
}

// SaveOAuthConnection persists an oauth credential for (owner, serverURL),
// replacing any prior credential for that pair.
func (m *Manager) SaveOAuthConnection(serverURL, serverName, accessToken, refreshToken string, owner Owner, transport string) (*ConnectionRecord, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	encrypted, err := m.cipher.EncryptOAuthCredentials(accessToken, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt oauth credentials: %w", err)
	}

	return m.saveConnection(serverURL, serverName, AuthTypeOAuth, encrypted, owner, transport)
}

// SaveCustomHeadersConnection persists a custom-headers credential for
// (owner, serverURL), replacing any prior credential for that pair.
func (m *Manager) SaveCustomHeadersConnection(serverURL, serverName string, headers map[string]string, owner Owner, transport string) (*ConnectionRecord, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	encrypted, err := m.cipher.EncryptCustomHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt custom headers: %w", err)
	}

	return m.saveConnection(serverURL, serverName, AuthTypeCustomHeaders, encrypted, owner, transport)
}

func (m *Manager) saveConnection(serverURL, serverName string, authType AuthType, encrypted string, owner Owner, transport string) (*ConnectionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// One active credential per (owner, serverURL): drop priors first.
	var stale []string
	err := m.db.ForEachConnection(func(record *ConnectionRecord) error {
		if record.ServerURL == serverURL && record.Owner == owner {
			stale = append(stale, record.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range stale {
		if err := m.db.DeleteConnection(id); err != nil {
			return nil, fmt.Errorf("failed to delete prior connection: %w", err)
		}
	}

	now := time.Now()
	record := &ConnectionRecord{
		ID:                   ulid.Make().String(),
		ServerURL:            serverURL,
		ServerName:           serverName,
		AuthType:             authType,
		Transport:            transport,
		EncryptedCredentials: encrypted,
		Owner:                owner,
		LastUsedAt:           now,
		Created:              now,
	}

	if err := m.db.SaveConnection(record); err != nil {
		return nil, fmt.Errorf("failed to save connection: %w", err)
	}

	m.logger.Infow("Saved server connection",
		"server_url", serverURL,
		"auth_type", authType,
		"owner", owner.Key(),
		"replaced", len(stale))

	return record, nil
}

// ListActiveConnections returns the caller's connections touched within the
// last 30 days, newest first, without decrypted material.
func (m *Manager) ListActiveConnections(owner Owner) ([]*ConnectionSummary, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-MaxConnectionAge)

	var summaries []*ConnectionSummary
	err := m.db.ForEachConnection(func(record *ConnectionRecord) error {
		if record.Owner != owner || record.LastUsedAt.Before(cutoff) {
			return nil
		}
		summaries = append(summaries, &ConnectionSummary{
			ID:          record.ID,
			ServerURL:   record.ServerURL,
			ServerName:  record.ServerName,
			DisplayName: record.DisplayName,
			AuthType:    record.AuthType,
			Transport:   record.Transport,
			LastUsedAt:  record.LastUsedAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastUsedAt.After(summaries[j].LastUsedAt)
	})

	return summaries, nil
}

// GetConnection returns the decrypted credential for id if it belongs to
// owner, bumping last-used. A record owned by someone else is reported as
// ErrNotFound so existence never leaks across owners.
func (m *Manager) GetConnection(id string, owner Owner) (*DecryptedConnection, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	// The bump below re-persists the record, so the whole read-modify-write
	// must be serialized against saveConnection's delete-then-insert: an
	// unlocked bump could resurrect a row that was just replaced and leave
	// two active credentials for one (owner, server) pair.
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.db.GetConnection(id)
	if err != nil {
		return nil, err
	}
	if record.Owner != owner {
		return nil, ErrNotFound
	}

	conn := &DecryptedConnection{
		ID:          record.ID,
		ServerURL:   record.ServerURL,
		ServerName:  record.ServerName,
		DisplayName: record.DisplayName,
		AuthType:    record.AuthType,
		Transport:   record.Transport,
	}

	switch record.AuthType {
	case AuthTypeOAuth:
		creds, err := m.cipher.DecryptOAuthCredentials(record.EncryptedCredentials)
		if err != nil {
			return nil, err
		}
		conn.OAuth = creds
	case AuthTypeCustomHeaders:
		payload, err := m.cipher.DecryptCustomHeaders(record.EncryptedCredentials)
		if err != nil {
			return nil, err
		}
		conn.Headers = payload.Headers
	default:
		return nil, fmt.Errorf("unknown auth type %q", record.AuthType)
	}

	record.LastUsedAt = time.Now()
	if err := m.db.SaveConnection(record); err != nil {
		m.logger.Warnw("Failed to bump last-used timestamp", "id", id, "error", err)
	}

	return conn, nil
}

// UpdateDisplayName renames a connection. A nil displayName clears it.
func (m *Manager) UpdateDisplayName(id string, owner Owner, displayName *string) error {
	if err := owner.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.db.GetConnection(id)
	if err != nil {
		return err
	}
	if record.Owner != owner {
		return ErrNotFound
	}

	if displayName == nil {
		record.DisplayName = ""
	} else {
		record.DisplayName = *displayName
	}

	return m.db.SaveConnection(record)
}

// DeleteConnection removes a connection owned by the caller.
func (m *Manager) DeleteConnection(id string, owner Owner) error {
	if err := owner.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.db.GetConnection(id)
	if err != nil {
		return err
	}
	if record.Owner != owner {
		return ErrNotFound
	}

	return m.db.DeleteConnection(id)
}

// CleanupOldConnections deletes connections untouched for 30 days.
func (m *Manager) CleanupOldConnections() (int, error) {
	cutoff := time.Now().Add(-MaxConnectionAge)

	var stale []string
	err := m.db.ForEachConnection(func(record *ConnectionRecord) error {
		if record.LastUsedAt.Before(cutoff) {
			stale = append(stale, record.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range stale {
		if err := m.db.DeleteConnection(id); err != nil {
			return 0, err
		}
	}

	if len(stale) > 0 {
		m.logger.Infow("Cleaned up old connections", "count", len(stale))
	}
	return len(stale), nil
}

// CleanupReport summarizes a corrupted-credential sweep.
type CleanupReport struct {
	Total      int      `json:"total_connections"`
	Valid      int      `json:"valid_connections"`
	Corrupted  int      `json:"corrupted_connections"`
	DeletedIDs []string `json:"deleted_ids"`
}

// CleanupCorruptedConnections decrypts every stored credential and deletes
// rows whose payload fails authenticated decryption. Failures are handled
// per row; one bad record never aborts the sweep.
func (m *Manager) CleanupCorruptedConnections() (*CleanupReport, error) {
	report := &CleanupReport{}

	err := m.db.ForEachConnection(func(record *ConnectionRecord) error {
		report.Total++

		var decErr error
		switch record.AuthType {
		case AuthTypeOAuth:
			_, decErr = m.cipher.DecryptOAuthCredentials(record.EncryptedCredentials)
		default:
			_, decErr = m.cipher.DecryptCustomHeaders(record.EncryptedCredentials)
		}

		if decErr != nil {
			m.logger.Infow("Found corrupted connection",
				"id", record.ID,
				"server_url", record.ServerURL)
			report.DeletedIDs = append(report.DeletedIDs, record.ID)
		} else {
			report.Valid++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, id := range report.DeletedIDs {
		if err := m.db.DeleteConnection(id); err != nil {
			return nil, err
		}
	}
	report.Corrupted = len(report.DeletedIDs)

	return report, nil
}

// MigrateOwner re-points all connections and active registrations from an
// anonymous session to a user account. Idempotent: rows already owned by
// the user are left alone, and a repeat call finds nothing to move.
func (m *Manager) MigrateOwner(anonymousSessionID, userID string) (int, error) {
	if anonymousSessionID == "" || userID == "" {
		return 0, ErrInvalidOwner
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := AnonymousOwner(anonymousSessionID)
	to := UserOwner(userID)
	moved := 0

	var conns []*ConnectionRecord
	err := m.db.ForEachConnection(func(record *ConnectionRecord) error {
		if record.Owner == from {
			conns = append(conns, record)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, record := range conns {
		record.Owner = to
		if err := m.db.SaveConnection(record); err != nil {
			return moved, err
		}
		moved++
	}

	var regs []*RegistrationRecord
	err = m.db.ForEachRegistration(func(record *RegistrationRecord) error {
		if record.Owner == from && !record.IsExpired {
			regs = append(regs, record)
		}
		return nil
	})
	if err != nil {
		return moved, err
	}
	for _, record := range regs {
		record.Owner = to
		if err := m.db.SaveRegistration(record); err != nil {
			return moved, err
		}
	}

	m.logger.Infow("Migrated ownership",
		"from", from.Key(),
		"to", to.Key(),
		"connections", len(conns),
		"registrations", len(regs))

	return moved, nil
}
