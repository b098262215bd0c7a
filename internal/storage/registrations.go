package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetActiveRegistration returns the newest non-expired dynamic client
// registration for (owner, serverURL). Registrations older than seven days
// are lazily marked expired on read and not returned.
func (m *Manager) GetActiveRegistration(owner Owner, serverURL string) (*RegistrationRecord, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var newest *RegistrationRecord
	var aged []*RegistrationRecord

	err := m.db.ForEachRegistration(func(record *RegistrationRecord) error {
		if record.Owner != owner || record.ServerURL != serverURL || record.IsExpired {
			return nil
		}
		if record.Age() > RegistrationMaxAge {
			aged = append(aged, record)
			return nil
		}
		if newest == nil || record.CreatedAt.After(newest.CreatedAt) {
			newest = record
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, record := range aged {
		record.IsExpired = true
		if err := m.db.SaveRegistration(record); err != nil {
			m.logger.Warnw("Failed to mark registration expired", "id", record.ID, "error", err)
		}
	}

	if newest == nil {
		return nil, ErrNotFound
	}
	return newest, nil
}

// CreateRegistration stores a fresh dynamic client registration for
// (owner, serverURL), expiring any prior active registrations for exactly
// that pair. Registrations for other servers or owners are untouched.
func (m *Manager) CreateRegistration(owner Owner, serverURL, discoveryURL, clientID, clientSecret string) (*RegistrationRecord, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var priors []*RegistrationRecord
	err := m.db.ForEachRegistration(func(record *RegistrationRecord) error {
		if record.Owner == owner && record.ServerURL == serverURL && !record.IsExpired {
			priors = append(priors, record)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, record := range priors {
		record.IsExpired = true
		if err := m.db.SaveRegistration(record); err != nil {
			return nil, fmt.Errorf("failed to expire prior registration: %w", err)
		}
	}

	record := &RegistrationRecord{
		ID:           uuid.New().String(),
		ServerURL:    serverURL,
		DiscoveryURL: discoveryURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Owner:        owner,
		CreatedAt:    time.Now(),
	}

	if err := m.db.SaveRegistration(record); err != nil {
		return nil, fmt.Errorf("failed to save registration: %w", err)
	}

	m.logger.Infow("Created client registration",
		"server_url", serverURL,
		"owner", owner.Key(),
		"expired_priors", len(priors))

	return record, nil
}

// NeedsRenewal reports whether the caller has no usable registration for
// serverURL and must re-register before starting an authorization flow.
func (m *Manager) NeedsRenewal(owner Owner, serverURL string) (bool, error) {
	_, err := m.GetActiveRegistration(owner, serverURL)
	if err == ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// CleanupExpiredRegistrations hard-deletes registrations that were marked
// expired and are older than 30 days. Recently expired rows are kept for
// diagnostics.
func (m *Manager) CleanupExpiredRegistrations() (int, error) {
	cutoff := time.Now().Add(-MaxConnectionAge)

	var stale []string
	err := m.db.ForEachRegistration(func(record *RegistrationRecord) error {
		if record.IsExpired && record.CreatedAt.Before(cutoff) {
			stale = append(stale, record.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range stale {
		if err := m.db.DeleteRegistration(id); err != nil {
			return 0, err
		}
	}

	if len(stale) > 0 {
		m.logger.Infow("Cleaned up expired registrations", "count", len(stale))
	}
	return len(stale), nil
}
