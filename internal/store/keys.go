package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mroxso/signet/internal/codeerr"
)

// KeyRow is the persisted row for a Key (§3 DATA MODEL). plaintext never
// lives here; KeyStore's active table owns it exclusively.
type KeyRow struct {
	Name       string
	Npub       string
	Encryption string // none | scrypt_xchacha20_poly1305 | legacy_pbkdf2_aes256gcm
	Ciphertext string
	Metadata   string
	CreatedAt  string
}

// InsertKey writes a new keys_config row. Returns ErrNameInUse on conflict.
func (s *Store) InsertKey(k KeyRow) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO keys_config (name, npub, encryption, ciphertext, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO keys_config (name, npub, encryption, ciphertext, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	}
	if k.CreatedAt == "" {
		k.CreatedAt = now()
	}
	_, err := s.db.Exec(q, k.Name, k.Npub, k.Encryption, k.Ciphertext, k.Metadata, k.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return codeerr.ErrNameInUse
	}
	return err
}

// GetKey fetches one keys_config row.
func (s *Store) GetKey(name string) (KeyRow, error) {
	var k KeyRow
	err := s.db.QueryRow(
		`SELECT name, npub, encryption, ciphertext, metadata, created_at FROM keys_config WHERE name = `+s.ph(1),
		name,
	).Scan(&k.Name, &k.Npub, &k.Encryption, &k.Ciphertext, &k.Metadata, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return k, codeerr.ErrNotFound
	}
	return k, err
}

// ListKeys returns every keys_config row.
func (s *Store) ListKeys() ([]KeyRow, error) {
	rows, err := s.db.Query(`SELECT name, npub, encryption, ciphertext, metadata, created_at FROM keys_config ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []KeyRow
	for rows.Next() {
		var k KeyRow
		if err := rows.Scan(&k.Name, &k.Npub, &k.Encryption, &k.Ciphertext, &k.Metadata, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// UpdateKeyEncryption rewrites a key's encryption kind and ciphertext, used
// by Encrypt/Migrate/SetPassphrase.
func (s *Store) UpdateKeyEncryption(name, encryption, ciphertext string) error {
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE keys_config SET encryption = ?, ciphertext = ? WHERE name = ?`
	} else {
		q = `UPDATE keys_config SET encryption = $1, ciphertext = $2 WHERE name = $3`
	}
	_, err := s.db.Exec(q, encryption, ciphertext, name)
	return err
}

// RenameKey changes a key's name, cascading to apps and requests that
// reference it by name. Activity and admin log rows keep the old name.
func (s *Store) RenameKey(oldName, newName string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`UPDATE keys_config SET name = ` + s.ph(1) + ` WHERE name = ` + s.ph(2),
		`UPDATE apps SET key_name = ` + s.ph(1) + ` WHERE key_name = ` + s.ph(2),
		`UPDATE requests SET key_name = ` + s.ph(1) + ` WHERE key_name = ` + s.ph(2),
	}
	for _, q := range stmts {
		if _, err := tx.Exec(q, newName, oldName); err != nil {
			return fmt.Errorf("rename key: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteKey removes the key and cascades to its apps, rules, and pending
// requests, per §3's "deleted (purges ... and all dependent apps/rules)".
func (s *Store) DeleteKey(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	appIDs, err := scanStringRowsTx(tx, `SELECT id FROM apps WHERE key_name = `+s.ph(1), name)
	if err != nil {
		return err
	}
	for _, idStr := range appIDs {
		if _, err := tx.Exec(`DELETE FROM rules WHERE app_id = `+s.ph(1), idStr); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM apps WHERE key_name = `+s.ph(1), name); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM requests WHERE key_name = `+s.ph(1), name); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM keys_config WHERE name = `+s.ph(1), name); err != nil {
		return err
	}
	return tx.Commit()
}

func scanStringRowsTx(tx *sql.Tx, q string, args ...any) ([]string, error) {
	rows, err := tx.Query(q, args...)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// KeyUsage projects the join-derived counters ListKeys needs per §4.2:
// userCount, requestCount, lastUsedAt.
type KeyUsage struct {
	UserCount    int
	RequestCount int
	LastUsedAt   string
}

// KeyUsageFor returns (userCount, requestCount, lastUsedAt) for a key name.
func (s *Store) KeyUsageFor(name string) (KeyUsage, error) {
	var u KeyUsage
	err := s.db.QueryRow(`SELECT COUNT(*) FROM apps WHERE key_name = `+s.ph(1), name).Scan(&u.UserCount)
	if err != nil {
		return u, err
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM requests WHERE key_name = `+s.ph(1), name).Scan(&u.RequestCount)
	if err != nil {
		return u, err
	}
	var last sql.NullString
	_ = s.db.QueryRow(`SELECT MAX(last_used_at) FROM apps WHERE key_name = `+s.ph(1), name).Scan(&last)
	u.LastUsedAt = last.String
	return u, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "unique constraint")
}
