package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"androidmonitor/models"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

const globalSettingsKey = "global"

// InitDatabase opens the SQLite database at path and applies the schema.
func InitDatabase(path string) (*sql.DB, error) {
	// Create data directory if not exists
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return db, nil
}

// SettingsStore persists the global settings in the settings table.
type SettingsStore struct {
	db *sql.DB
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Load returns the stored settings; found is false when none were saved yet.
func (s *SettingsStore) Load(ctx context.Context) (models.GlobalSettings, bool, error) {
	settings := models.DefaultGlobalSettings()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, globalSettingsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, false, nil
	}
	if err != nil {
		return settings, false, fmt.Errorf("failed to load settings: %w", err)
	}

	// Fields missing from an older row keep their defaults.
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return models.DefaultGlobalSettings(), false, fmt.Errorf("corrupt settings row: %w", err)
	}
	return settings, true, nil
}

func (s *SettingsStore) Save(ctx context.Context, settings models.GlobalSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		globalSettingsKey, string(raw), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}
