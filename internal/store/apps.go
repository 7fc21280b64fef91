package store

import (
	"database/sql"
	"errors"
	"strings"

	"github.com/mroxso/signet/internal/codeerr"
)

// AppRow is the persisted row for an App / KeyUser (§3 DATA MODEL).
type AppRow struct {
	ID           int64
	KeyName      string
	ClientPubkey string
	Description  string
	TrustLevel   string // paranoid | reasonable | full
	CreatedAt    string
	LastUsedAt   sql.NullString
	RevokedAt    sql.NullString
	SuspendedAt  sql.NullString
	SuspendUntil sql.NullString
	Relays       string // comma-joined; only set for NostrConnect apps with custom relays (§4.4/§4.8)
}

// RelayList splits Relays into its component URLs, empty when the app has
// no custom relay set (the common bunker-flow case).
func (a AppRow) RelayList() []string {
	if a.Relays == "" {
		return nil
	}
	parts := strings.Split(a.Relays, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsRevoked reports whether the app has been permanently revoked.
func (a AppRow) IsRevoked() bool { return a.RevokedAt.Valid }

// IsSuspended reports whether the app is currently suspended, per §4.5
// step 3: suspendedAt set and (suspendUntil null or in the future).
func (a AppRow) IsSuspended(nowRFC3339 string) bool {
	if !a.SuspendedAt.Valid {
		return false
	}
	if !a.SuspendUntil.Valid {
		return true
	}
	return a.SuspendUntil.String > nowRFC3339
}

const appColumns = `id, key_name, client_pubkey, description, trust_level, created_at, last_used_at, revoked_at, suspended_at, suspend_until, relays`

func scanApp(row interface{ Scan(...any) error }) (AppRow, error) {
	var a AppRow
	err := row.Scan(&a.ID, &a.KeyName, &a.ClientPubkey, &a.Description, &a.TrustLevel, &a.CreatedAt,
		&a.LastUsedAt, &a.RevokedAt, &a.SuspendedAt, &a.SuspendUntil, &a.Relays)
	return a, err
}

// GetApp finds the App for (keyName, clientPubkey), the lookup C5's ACL
// decision and C6's resolve_key step both depend on.
func (s *Store) GetApp(keyName, clientPubkey string) (AppRow, error) {
	row := s.db.QueryRow(
		`SELECT `+appColumns+` FROM apps WHERE key_name = `+s.ph(1)+` AND client_pubkey = `+s.ph(2),
		keyName, clientPubkey,
	)
	a, err := scanApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, codeerr.ErrNotFound
	}
	return a, err
}

// GetAppByID is used by the HTTP API and AuthorizationQueue approval flow.
func (s *Store) GetAppByID(id int64) (AppRow, error) {
	row := s.db.QueryRow(`SELECT `+appColumns+` FROM apps WHERE id = `+s.ph(1), id)
	a, err := scanApp(row)
	if errors.Is(err, sql.ErrNoRows) {
		return a, codeerr.ErrNotFound
	}
	return a, err
}

// ListApps returns every app, newest first.
func (s *Store) ListApps() ([]AppRow, error) {
	rows, err := s.db.Query(`SELECT ` + appColumns + ` FROM apps ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AppRow
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertApp creates or updates the App row for (keyName, clientPubkey) — the
// connect-time grant in §4.5: "approving a connect creates/updates the App
// with the chosen trust level". Returns the resulting row id.
func (s *Store) UpsertApp(keyName, clientPubkey, description, trustLevel string) (int64, error) {
	existing, err := s.GetApp(keyName, clientPubkey)
	if err == nil {
		var q string
		if s.driver == "sqlite" {
			q = `UPDATE apps SET trust_level = ?, description = ? WHERE id = ?`
		} else {
			q = `UPDATE apps SET trust_level = $1, description = $2 WHERE id = $3`
		}
		if _, err := s.db.Exec(q, trustLevel, description, existing.ID); err != nil {
			return 0, err
		}
		return existing.ID, nil
	}
	if !errors.Is(err, codeerr.ErrNotFound) {
		return 0, err
	}

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO apps (key_name, client_pubkey, description, trust_level, created_at) VALUES (?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO apps (key_name, client_pubkey, description, trust_level, created_at) VALUES ($1, $2, $3, $4, $5)`
	}
	res, err := s.db.Exec(q, keyName, clientPubkey, description, trustLevel, now())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetAppRelays persists the custom relay set a NostrConnect app advertised
// in its pairing URI (§4.4's "additional per-app subscription restricted
// to that app's relays"), so SubscriptionManager can re-derive it after a
// restart without the original nostrconnect:// URI.
func (s *Store) SetAppRelays(id int64, relays []string) error {
	_, err := s.db.Exec(`UPDATE apps SET relays = `+s.ph(1)+` WHERE id = `+s.ph(2), strings.Join(relays, ","), id)
	return err
}

// TouchAppLastUsed updates lastUsedAt opportunistically (§4.5: "On
// auto_trust allow, lastUsedAt is updated opportunistically without
// blocking the decision" — callers should do this in a goroutine).
func (s *Store) TouchAppLastUsed(id int64) error {
	_, err := s.db.Exec(`UPDATE apps SET last_used_at = `+s.ph(1)+` WHERE id = `+s.ph(2), now(), id)
	return err
}

// RevokeApp permanently revokes an app.
func (s *Store) RevokeApp(id int64) error {
	_, err := s.db.Exec(`UPDATE apps SET revoked_at = `+s.ph(1)+` WHERE id = `+s.ph(2), now(), id)
	return err
}

// SuspendApp suspends an app, optionally until untilRFC3339 (empty = indefinite).
func (s *Store) SuspendApp(id int64, untilRFC3339 string) error {
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE apps SET suspended_at = ?, suspend_until = ? WHERE id = ?`
	} else {
		q = `UPDATE apps SET suspended_at = $1, suspend_until = $2 WHERE id = $3`
	}
	var until sql.NullString
	if untilRFC3339 != "" {
		until = sql.NullString{String: untilRFC3339, Valid: true}
	}
	_, err := s.db.Exec(q, now(), until, id)
	return err
}

// UnsuspendApp clears suspension.
func (s *Store) UnsuspendApp(id int64) error {
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE apps SET suspended_at = NULL, suspend_until = NULL WHERE id = ?`
	} else {
		q = `UPDATE apps SET suspended_at = NULL, suspend_until = NULL WHERE id = $1`
	}
	_, err := s.db.Exec(q, id)
	return err
}

// SuspendAllApps suspends every non-revoked app for keyName, or every app
// if keyName is empty (KillSwitch `suspendall apps` / DeadManSwitch panic).
func (s *Store) SuspendAllApps(keyName string) ([]int64, error) {
	var rows *sql.Rows
	var err error
	if keyName == "" {
		rows, err = s.db.Query(`SELECT id FROM apps WHERE revoked_at IS NULL`)
	} else {
		rows, err = s.db.Query(`SELECT id FROM apps WHERE revoked_at IS NULL AND key_name = `+s.ph(1), keyName)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := s.SuspendApp(id, ""); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

// ResumeAllApps clears suspension for every app, or every app for keyName.
func (s *Store) ResumeAllApps(keyName string) ([]int64, error) {
	var rows *sql.Rows
	var err error
	if keyName == "" {
		rows, err = s.db.Query(`SELECT id FROM apps WHERE suspended_at IS NOT NULL`)
	} else {
		rows, err = s.db.Query(`SELECT id FROM apps WHERE suspended_at IS NOT NULL AND key_name = `+s.ph(1), keyName)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := s.UnsuspendApp(id); err != nil {
			return ids, err
		}
	}
	return ids, nil
}
