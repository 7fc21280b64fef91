// Package store is Signet's persistence layer: keys, apps, rules, pending
// requests, activity logs, admin logs, connection tokens, the dead-man
// switch row, and a small KV table for settings that don't warrant their
// own table. Grounded on the teacher's internal/db/db.go: same driver
// auto-detection by DSN prefix, same WAL pragma block, same `ph()`
// placeholder-token helper for portable SQLite/PostgreSQL SQL.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and exposes every data-access method
// the daemon's components need.
type Store struct {
	db     *sql.DB
	driver string

	// kvCache mirrors KV reads so repeated GetKV calls skip the database,
	// the same way the teacher caches object-id lookups.
	kvCache sync.Map
}

// Open opens a database connection. databaseURL may be a bare file path
// (SQLite), "sqlite://path" or a "postgres://" / "postgresql://" DSN.
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}
		slog.Info("sqlite database opened", "max_conns", sqliteMaxConns)
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS keys_config (
		name       TEXT NOT NULL PRIMARY KEY,
		npub       TEXT NOT NULL,
		encryption TEXT NOT NULL,
		ciphertext TEXT NOT NULL DEFAULT '',
		metadata   TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS apps (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		key_name      TEXT NOT NULL,
		client_pubkey TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		trust_level   TEXT NOT NULL DEFAULT 'paranoid',
		created_at    TEXT NOT NULL,
		last_used_at  TEXT,
		revoked_at    TEXT,
		suspended_at  TEXT,
		suspend_until TEXT,
		relays        TEXT NOT NULL DEFAULT '',
		UNIQUE(key_name, client_pubkey)
	)`,
	`CREATE INDEX IF NOT EXISTS apps_key_name ON apps(key_name)`,
	`CREATE TABLE IF NOT EXISTS rules (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		app_id   INTEGER NOT NULL,
		method   TEXT NOT NULL,
		kind     TEXT,
		allowed  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS rules_app_id ON rules(app_id)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id                  TEXT NOT NULL PRIMARY KEY,
		key_name            TEXT NOT NULL,
		method              TEXT NOT NULL,
		params              TEXT NOT NULL DEFAULT '',
		remote_pubkey       TEXT NOT NULL,
		created_at          TEXT NOT NULL,
		expires_at          TEXT NOT NULL,
		allowed             INTEGER,
		processed_at        TEXT,
		requires_password   INTEGER NOT NULL DEFAULT 0,
		reply_sent          INTEGER NOT NULL DEFAULT 0,
		status              TEXT NOT NULL DEFAULT 'pending'
	)`,
	`CREATE INDEX IF NOT EXISTS requests_status ON requests(status)`,
	`CREATE INDEX IF NOT EXISTS requests_key_name ON requests(key_name)`,
	`CREATE TABLE IF NOT EXISTS logs (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp      TEXT NOT NULL,
		type           TEXT NOT NULL,
		method         TEXT NOT NULL DEFAULT '',
		event_kind     INTEGER,
		key_name       TEXT NOT NULL DEFAULT '',
		user_pubkey    TEXT NOT NULL DEFAULT '',
		app_name       TEXT NOT NULL DEFAULT '',
		auto_approved  INTEGER NOT NULL DEFAULT 0,
		approval_type  TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS logs_timestamp ON logs(timestamp)`,
	`CREATE TABLE IF NOT EXISTS admin_logs (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp      TEXT NOT NULL,
		event_type     TEXT NOT NULL,
		key_name       TEXT NOT NULL DEFAULT '',
		app_id         INTEGER,
		app_name       TEXT NOT NULL DEFAULT '',
		client_name    TEXT NOT NULL DEFAULT '',
		client_version TEXT NOT NULL DEFAULT '',
		client_ip      TEXT NOT NULL DEFAULT '',
		user_agent     TEXT NOT NULL DEFAULT '',
		command        TEXT NOT NULL DEFAULT '',
		command_result TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS admin_logs_timestamp ON admin_logs(timestamp)`,
	`CREATE TABLE IF NOT EXISTS connection_tokens (
		token      TEXT NOT NULL PRIMARY KEY,
		key_name   TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		used_at    TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS dead_man_switch (
		id                INTEGER NOT NULL PRIMARY KEY CHECK (id = 1),
		enabled           INTEGER NOT NULL DEFAULT 0,
		timeframe_sec     INTEGER NOT NULL DEFAULT 604800,
		last_reset_at     TEXT NOT NULL,
		panic_triggered_at TEXT,
		failed_attempts   INTEGER NOT NULL DEFAULT 0,
		lockout_until     TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// ph returns the n-th SQL placeholder token for this driver.
func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func addSeconds(rfc3339 string, seconds int) string {
	t, err := time.Parse(time.RFC3339Nano, rfc3339)
	if err != nil {
		t = time.Now().UTC()
	}
	return t.Add(time.Duration(seconds) * time.Second).Format(time.RFC3339Nano)
}

func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

// GetKV reads a setting, checking the in-memory cache first.
func (s *Store) GetKV(key string) (string, bool) {
	if v, ok := s.kvCache.Load(key); ok {
		return v.(string), true
	}
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = `+s.ph(1), key).Scan(&v)
	if err != nil {
		return "", false
	}
	s.kvCache.Store(key, v)
	return v, true
}

// SetKV upserts a setting and refreshes the cache.
func (s *Store) SetKV(key, value string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	} else {
		q = `INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	}
	if _, err := s.db.Exec(q, key, value); err != nil {
		return err
	}
	s.kvCache.Store(key, value)
	return nil
}
