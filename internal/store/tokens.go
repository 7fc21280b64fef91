package store

import (
	"database/sql"
	"errors"

	"github.com/mroxso/signet/internal/codeerr"
)

// ConnectionTokenRow is a one-time bunker secret (§3 "ConnectionToken").
type ConnectionTokenRow struct {
	Token     string
	KeyName   string
	CreatedAt string
	ExpiresAt string
	UsedAt    sql.NullString
}

// InsertConnectionToken mints a new token, used by C8's BunkerURI mint.
func (s *Store) InsertConnectionToken(token, keyName, expiresAt string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO connection_tokens (token, key_name, created_at, expires_at) VALUES (?, ?, ?, ?)`
	} else {
		q = `INSERT INTO connection_tokens (token, key_name, created_at, expires_at) VALUES ($1, $2, $3, $4)`
	}
	_, err := s.db.Exec(q, token, keyName, now(), expiresAt)
	return err
}

// ConsumeConnectionToken atomically marks a token used, the same CAS shape
// as TryResolveRequest: succeeds at most once. Returns ErrNotFound if the
// token doesn't exist, is expired, or was already used.
func (s *Store) ConsumeConnectionToken(token string) (ConnectionTokenRow, error) {
	row := s.db.QueryRow(`SELECT token, key_name, created_at, expires_at, used_at FROM connection_tokens WHERE token = `+s.ph(1), token)
	var t ConnectionTokenRow
	if err := row.Scan(&t.Token, &t.KeyName, &t.CreatedAt, &t.ExpiresAt, &t.UsedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, codeerr.ErrNotFound
		}
		return t, err
	}
	if t.UsedAt.Valid || t.ExpiresAt < now() {
		return t, codeerr.ErrNotFound
	}
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE connection_tokens SET used_at = ? WHERE token = ? AND used_at IS NULL`
	} else {
		q = `UPDATE connection_tokens SET used_at = $1 WHERE token = $2 AND used_at IS NULL`
	}
	res, err := s.db.Exec(q, now(), token)
	if err != nil {
		return t, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return t, err
	}
	if n != 1 {
		return t, codeerr.ErrNotFound
	}
	return t, nil
}
