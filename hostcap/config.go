package hostcap

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// ConfigStore is durable key-value configuration: values survive requests
// and restarts. Values are JSON documents stored as text.
type ConfigStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// MemoryConfigStore is a non-durable ConfigStore for tests and tooling.
type MemoryConfigStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{data: make(map[string]string)}
}

func (s *MemoryConfigStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()
	return v, ok, nil
}

func (s *MemoryConfigStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryConfigStore) Close() error { return nil }

// SQLiteStore is the durable ConfigStore. It opens the database in WAL
// mode with a single writer connection and prepared statements.
type SQLiteStore struct {
	db      *sql.DB
	getStmt *sql.Stmt
	setStmt *sql.Stmt
}

// NewSQLiteStore opens (creating if needed) a configuration database at
// path. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("config db path cannot be empty")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		path, int((5 * time.Second).Milliseconds()))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open config db: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	const schema = `
	CREATE TABLE IF NOT EXISTS config (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init config schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	if s.getStmt, err = db.Prepare(`SELECT value FROM config WHERE key = ?`); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare get: %w", err)
	}
	if s.setStmt, err = db.Prepare(`
		INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare set: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.getStmt.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("config get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if _, err := s.setStmt.ExecContext(ctx, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("config set %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ConfigFuncs exposes a ConfigStore as host functions.
type ConfigFuncs struct {
	store ConfigStore
}

func NewConfigFuncs(store ConfigStore) *ConfigFuncs {
	return &ConfigFuncs{store: store}
}

// Get handles config_get: returns the stored value or the caller-supplied
// default when the key is absent.
func (f *ConfigFuncs) Get(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return nil, errors.New("key required")
	}

	raw, found, err := f.store.Get(ctx, key)
	if err != nil {
		return nil, &HostCallError{Capability: "config_get", Err: err}
	}
	if !found {
		return args["default"], nil
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, &HostCallError{Capability: "config_get", Err: fmt.Errorf("corrupt value for %q: %w", key, err)}
	}
	return value, nil
}

// Set handles config_set.
func (f *ConfigFuncs) Set(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return nil, errors.New("key required")
	}
	value, present := args["value"]
	if !present {
		return nil, errors.New("value required")
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, errors.New("value must be JSON-encodable")
	}
	if err := f.store.Set(ctx, key, string(raw)); err != nil {
		return nil, &HostCallError{Capability: "config_set", Err: err}
	}
	return "ok", nil
}
