// Package storage persists the bridge's mutable configuration in a local
// SQLite database: device identity, tenant binding, printer descriptors and
// role assignments, and operational timestamps. Values are stored as JSON
// under well-known keys so the dashboard sync path can mirror them verbatim.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Well-known configuration keys.
const (
	KeyDeviceID           = "deviceId"
	KeyRestaurantID       = "restaurantId"
	KeyRestaurantName     = "restaurantName"
	KeySupabaseURL        = "supabaseUrl"
	KeySupabaseKey        = "supabaseKey"
	KeyFrontendURL        = "frontendUrl"
	KeyLegacyPrinter      = "printer"
	KeyLocalPrinters      = "localPrinters"
	KeyPrinterAssignments = "printerAssignments"
	KeySyncWithDashboard  = "syncWithDashboard"
	KeySetupCompleted     = "setupCompleted"
	KeyLastHeartbeat      = "lastHeartbeat"
)

// ConfigStore is the keyed persistence surface used by the daemon.
type ConfigStore interface {
	// Set stores any JSON-serializable value under key.
	Set(key string, value interface{}) error
	// Get retrieves a value into dest; a missing key leaves dest unchanged
	// and returns no error.
	Get(key string, dest interface{}) error
	// Delete removes a stored value by key.
	Delete(key string) error
	// GetString returns the string stored under key, or "" when absent.
	GetString(key string) (string, error)
	// SetString stores a string value under key.
	SetString(key, value string) error
	// GetBool returns the bool stored under key, or false when absent.
	GetBool(key string) (bool, error)
	// SetTime stores a timestamp in RFC3339 form.
	SetTime(key string, t time.Time) error
	// Close closes the database connection.
	Close() error
}

// SQLiteConfigStore implements ConfigStore using SQLite.
type SQLiteConfigStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (creating if needed) the config store at dbPath.
func Open(dbPath string) (ConfigStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config database: %w", err)
	}

	store := &SQLiteConfigStore{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteConfigStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bridge_config (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create bridge_config schema: %w", err)
	}

	return nil
}

// Set stores any JSON-serializable config value.
func (s *SQLiteConfigStore) Set(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jsonValue, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal config value: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO bridge_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, string(jsonValue))

	if err != nil {
		return fmt.Errorf("failed to save config value: %w", err)
	}

	return nil
}

// Get retrieves a JSON-serializable config value. Missing keys leave dest
// unchanged.
func (s *SQLiteConfigStore) Get(key string, dest interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM bridge_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get config value: %w", err)
	}

	if err := json.Unmarshal([]byte(value), dest); err != nil {
		return fmt.Errorf("failed to unmarshal config value: %w", err)
	}

	return nil
}

// Delete removes a key from the config store.
func (s *SQLiteConfigStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM bridge_config WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete config value: %w", err)
	}
	return nil
}

// GetString returns the string stored under key, or "" when absent.
func (s *SQLiteConfigStore) GetString(key string) (string, error) {
	var v string
	if err := s.Get(key, &v); err != nil {
		return "", err
	}
	return v, nil
}

// SetString stores a string value.
func (s *SQLiteConfigStore) SetString(key, value string) error {
	return s.Set(key, value)
}

// GetBool returns the bool stored under key, or false when absent.
func (s *SQLiteConfigStore) GetBool(key string) (bool, error) {
	var v bool
	if err := s.Get(key, &v); err != nil {
		return false, err
	}
	return v, nil
}

// SetTime stores a timestamp in RFC3339 form.
func (s *SQLiteConfigStore) SetTime(key string, t time.Time) error {
	return s.Set(key, t.UTC().Format(time.RFC3339))
}

// Close closes the database connection.
func (s *SQLiteConfigStore) Close() error {
	return s.db.Close()
}
