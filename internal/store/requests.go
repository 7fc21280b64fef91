package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mroxso/signet/internal/codeerr"
)

// RequestRow is a persisted PendingRequest (§3 DATA MODEL).
type RequestRow struct {
	ID               string
	KeyName          string
	Method           string
	Params           string
	RemotePubkey     string
	CreatedAt        string
	ExpiresAt        string
	Allowed          sql.NullBool
	ProcessedAt      sql.NullString
	RequiresPassword bool
	ReplySent        bool
	Status           string // pending | approved | denied | expired
}

const requestColumns = `id, key_name, method, params, remote_pubkey, created_at, expires_at, allowed, processed_at, requires_password, reply_sent, status`

func scanRequest(row interface{ Scan(...any) error }) (RequestRow, error) {
	var r RequestRow
	var requiresPassword, replySent int
	if err := row.Scan(&r.ID, &r.KeyName, &r.Method, &r.Params, &r.RemotePubkey, &r.CreatedAt, &r.ExpiresAt,
		&r.Allowed, &r.ProcessedAt, &requiresPassword, &replySent, &r.Status); err != nil {
		return r, err
	}
	r.RequiresPassword = requiresPassword != 0
	r.ReplySent = replySent != 0
	return r, nil
}

// InsertRequest enqueues a new PendingRequest, C7's "enqueue_pending".
func (s *Store) InsertRequest(r RequestRow) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO requests (id, key_name, method, params, remote_pubkey, created_at, expires_at, requires_password, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending')`
	} else {
		q = `INSERT INTO requests (id, key_name, method, params, remote_pubkey, created_at, expires_at, requires_password, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')`
	}
	requiresPassword := 0
	if r.RequiresPassword {
		requiresPassword = 1
	}
	_, err := s.db.Exec(q, r.ID, r.KeyName, r.Method, r.Params, r.RemotePubkey, r.CreatedAt, r.ExpiresAt, requiresPassword)
	return err
}

// GetRequest fetches one PendingRequest by id.
func (s *Store) GetRequest(id string) (RequestRow, error) {
	row := s.db.QueryRow(`SELECT `+requestColumns+` FROM requests WHERE id = `+s.ph(1), id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, codeerr.ErrNotFound
	}
	return r, err
}

// ListRequests returns requests filtered by status (or all if status=="all"
// or ""), newest first, bounded by limit/offset per §6 `GET /requests`.
func (s *Store) ListRequests(status string, limit, offset int) ([]RequestRow, error) {
	var rows *sql.Rows
	var err error
	if status == "" || status == "all" {
		if s.driver == "sqlite" {
			rows, err = s.db.Query(`SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
		} else {
			rows, err = s.db.Query(`SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
		}
	} else {
		if s.driver == "sqlite" {
			rows, err = s.db.Query(`SELECT `+requestColumns+` FROM requests WHERE status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, status, limit, offset)
		} else {
			rows, err = s.db.Query(`SELECT `+requestColumns+` FROM requests WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, status, limit, offset)
		}
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RequestRow
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TryResolveRequest performs the CAS described in §5 "Ordering guarantees":
// transitions allowed from NULL to the given value exactly once. Returns
// false (no error) if another caller already resolved it first — the
// caller should treat that as "already processed", not an error.
func (s *Store) TryResolveRequest(id string, allowed bool) (bool, error) {
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE requests SET allowed = ?, processed_at = ?, status = ? WHERE id = ? AND allowed IS NULL`
	} else {
		q = `UPDATE requests SET allowed = $1, processed_at = $2, status = $3 WHERE id = $4 AND allowed IS NULL`
	}
	status := "denied"
	if allowed {
		status = "approved"
	}
	res, err := s.db.Exec(q, allowed, now(), status, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetRequestMethod backfills method once a request enqueued while its key
// was locked (method unknown at enqueue time, §4.6 scenario 3) is finally
// decrypted during approval.
func (s *Store) SetRequestMethod(id, method string) error {
	_, err := s.db.Exec(`UPDATE requests SET method = `+s.ph(1)+` WHERE id = `+s.ph(2), method, id)
	return err
}

// MarkReplySent records whether publish_reply succeeded on at least one
// relay (§4.6: "connectResponseSent=false" on zero-relay success).
func (s *Store) MarkReplySent(id string, sent bool) error {
	v := 0
	if sent {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE requests SET reply_sent = `+s.ph(1)+` WHERE id = `+s.ph(2), v, id)
	return err
}

// ExpirePending transitions every pending request past its TTL to
// `expired`, run by AuthorizationQueue's background sweeper (§4.7).
func (s *Store) ExpirePending(nowRFC3339 string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM requests WHERE status = 'pending' AND expires_at < `+s.ph(1), nowRFC3339)
	if err != nil {
		return nil, err
	}
	ids, err := scanStringRows(rows)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := s.db.Exec(`UPDATE requests SET status = 'expired' WHERE id = `+s.ph(1)+` AND status = 'pending'`, id); err != nil {
			return ids, fmt.Errorf("expire request %s: %w", id, err)
		}
	}
	return ids, nil
}

// PurgeProcessedRequests deletes approved/denied/expired rows older than
// cutoffRFC3339, per §4.7's 24h retention sweeper.
func (s *Store) PurgeProcessedRequests(cutoffRFC3339 string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM requests WHERE status != 'pending' AND created_at < `+s.ph(1), cutoffRFC3339)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
