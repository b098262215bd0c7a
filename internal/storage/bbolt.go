package storage

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BoltDB wraps bolt database operations
type BoltDB struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// NewBoltDB opens (or creates) the database under dataDir.
func NewBoltDB(dataDir string, logger *zap.SugaredLogger) (*BoltDB, error) {
	dbPath := filepath.Join(dataDir, "mcpbridge.db")

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	boltDB := &BoltDB{
		db:     db,
		logger: logger,
	}

	if err := boltDB.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return boltDB, nil
}

// Close closes the database
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// initBuckets creates required buckets and sets the schema version
func (b *BoltDB) initBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := []string{
			ConnectionsBucket,
			RegistrationsBucket,
			MetaBucket,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}

		metaBucket := tx.Bucket([]byte(MetaBucket))
		versionBytes := make([]byte, 8)
		binary.LittleEndian.PutUint64(versionBytes, CurrentSchemaVersion)
		return metaBucket.Put([]byte(SchemaVersionKey), versionBytes)
	})
}

// GetSchemaVersion returns the current schema version
func (b *BoltDB) GetSchemaVersion() (uint64, error) {
	var version uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(MetaBucket))
		if bucket == nil {
			return fmt.Errorf("meta bucket not found")
		}

		versionBytes := bucket.Get([]byte(SchemaVersionKey))
		if versionBytes == nil {
			version = 0
			return nil
		}

		version = binary.LittleEndian.Uint64(versionBytes)
		return nil
	})

	return version, err
}

// Connection operations

// SaveConnection stores a connection record by id.
func (b *BoltDB) SaveConnection(record *ConnectionRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ConnectionsBucket))
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(record.ID), data)
	})
}

// GetConnection retrieves a connection record by id.
func (b *BoltDB) GetConnection(id string) (*ConnectionRecord, error) {
	var record *ConnectionRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ConnectionsBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		record = &ConnectionRecord{}
		return record.UnmarshalBinary(data)
	})

	return record, err
}

// DeleteConnection removes a connection record by id.
func (b *BoltDB) DeleteConnection(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ConnectionsBucket))
		return bucket.Delete([]byte(id))
	})
}

// ForEachConnection iterates all connection records.
func (b *BoltDB) ForEachConnection(fn func(*ConnectionRecord) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(ConnectionsBucket))
		return bucket.ForEach(func(_, v []byte) error {
			record := &ConnectionRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			return fn(record)
		})
	})
}

// Registration operations

// SaveRegistration stores a registration record by id.
func (b *BoltDB) SaveRegistration(record *RegistrationRecord) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(RegistrationsBucket))
		data, err := record.MarshalBinary()
		if err != nil {
			return err
		}
		return bucket.Put([]byte(record.ID), data)
	})
}

// GetRegistration retrieves a registration record by id.
func (b *BoltDB) GetRegistration(id string) (*RegistrationRecord, error) {
	var record *RegistrationRecord

	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(RegistrationsBucket))
		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		record = &RegistrationRecord{}
		return record.UnmarshalBinary(data)
	})

	return record, err
}

// DeleteRegistration removes a registration record by id.
func (b *BoltDB) DeleteRegistration(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(RegistrationsBucket))
		return bucket.Delete([]byte(id))
	})
}

// ForEachRegistration iterates all registration records.
func (b *BoltDB) ForEachRegistration(fn func(*RegistrationRecord) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(RegistrationsBucket))
		return bucket.ForEach(func(_, v []byte) error {
			record := &RegistrationRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				return err
			}
			return fn(record)
		})
	})
}

// Backup creates a backup of the database
func (b *BoltDB) Backup(destPath string) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(destPath, 0o600)
	})
}
