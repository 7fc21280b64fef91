package store

import "database/sql"

// LogEntry is a persisted activity row (§3 DATA MODEL "LogEntry").
type LogEntry struct {
	Timestamp    string
	Type         string // approval | denial | registration | auto_approved
	Method       string
	EventKind    sql.NullInt64
	KeyName      string
	UserPubkey   string
	AppName      string
	AutoApproved bool
	ApprovalType string // manual | auto_trust | auto_permission
}

// WriteLog appends one activity entry.
func (s *Store) WriteLog(e LogEntry) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO logs (timestamp, type, method, event_kind, key_name, user_pubkey, app_name, auto_approved, approval_type)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO logs (timestamp, type, method, event_kind, key_name, user_pubkey, app_name, auto_approved, approval_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	}
	if e.Timestamp == "" {
		e.Timestamp = now()
	}
	autoApproved := 0
	if e.AutoApproved {
		autoApproved = 1
	}
	_, err := s.db.Exec(q, e.Timestamp, e.Type, e.Method, e.EventKind, e.KeyName, e.UserPubkey, e.AppName, autoApproved, e.ApprovalType)
	return err
}

// ListLogs returns up to limit activity entries, newest first, optionally
// filtered by a substring search over method/key_name/app_name (§6 `GET
// /logs?level&search&limit`). "level" has no analogue in activity logs; it
// applies to the runtime ring-buffer log instead (internal/audit).
func (s *Store) ListLogs(search string, limit int) ([]LogEntry, error) {
	var rows *sql.Rows
	var err error
	if search == "" {
		if s.driver == "sqlite" {
			rows, err = s.db.Query(`SELECT timestamp, type, method, event_kind, key_name, user_pubkey, app_name, auto_approved, approval_type
				FROM logs ORDER BY timestamp DESC LIMIT ?`, limit)
		} else {
			rows, err = s.db.Query(`SELECT timestamp, type, method, event_kind, key_name, user_pubkey, app_name, auto_approved, approval_type
				FROM logs ORDER BY timestamp DESC LIMIT $1`, limit)
		}
	} else {
		like := "%" + search + "%"
		if s.driver == "sqlite" {
			rows, err = s.db.Query(`SELECT timestamp, type, method, event_kind, key_name, user_pubkey, app_name, auto_approved, approval_type
				FROM logs WHERE method LIKE ? OR key_name LIKE ? OR app_name LIKE ? ORDER BY timestamp DESC LIMIT ?`, like, like, like, limit)
		} else {
			rows, err = s.db.Query(`SELECT timestamp, type, method, event_kind, key_name, user_pubkey, app_name, auto_approved, approval_type
				FROM logs WHERE method LIKE $1 OR key_name LIKE $2 OR app_name LIKE $3 ORDER BY timestamp DESC LIMIT $4`, like, like, like, limit)
		}
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var autoApproved int
		if err := rows.Scan(&e.Timestamp, &e.Type, &e.Method, &e.EventKind, &e.KeyName, &e.UserPubkey, &e.AppName, &autoApproved, &e.ApprovalType); err != nil {
			return nil, err
		}
		e.AutoApproved = autoApproved != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeLogsOlderThan deletes activity log rows older than cutoffRFC3339
// (§4.7's "purges activity logs older than 30 days").
func (s *Store) PurgeLogsOlderThan(cutoffRFC3339 string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM logs WHERE timestamp < `+s.ph(1), cutoffRFC3339)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AdminEvent is the audit-trail row for keystore/app/admin actions (§3
// DATA MODEL "AdminEvent").
type AdminEvent struct {
	Timestamp     string
	EventType     string
	KeyName       string
	AppID         sql.NullInt64
	AppName       string
	ClientName    string
	ClientVersion string
	ClientIP      string
	UserAgent     string
	Command       string
	CommandResult string
}

// WriteAdminEvent appends one admin-audit row. Best-effort: callers should
// log but not propagate a failure here, matching the teacher's
// WriteAuditLog contract.
func (s *Store) WriteAdminEvent(e AdminEvent) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO admin_logs (timestamp, event_type, key_name, app_id, app_name, client_name, client_version, client_ip, user_agent, command, command_result)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO admin_logs (timestamp, event_type, key_name, app_id, app_name, client_name, client_version, client_ip, user_agent, command, command_result)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	}
	if e.Timestamp == "" {
		e.Timestamp = now()
	}
	_, err := s.db.Exec(q, e.Timestamp, e.EventType, e.KeyName, e.AppID, e.AppName, e.ClientName, e.ClientVersion, e.ClientIP, e.UserAgent, e.Command, e.CommandResult)
	return err
}

// ListAdminEvents returns up to limit admin-audit rows, newest first.
func (s *Store) ListAdminEvents(limit int) ([]AdminEvent, error) {
	rows, err := s.db.Query(`SELECT timestamp, event_type, key_name, app_id, app_name, client_name, client_version, client_ip, user_agent, command, command_result
		FROM admin_logs ORDER BY timestamp DESC LIMIT `+s.ph(1), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AdminEvent
	for rows.Next() {
		var e AdminEvent
		if err := rows.Scan(&e.Timestamp, &e.EventType, &e.KeyName, &e.AppID, &e.AppName, &e.ClientName, &e.ClientVersion, &e.ClientIP, &e.UserAgent, &e.Command, &e.CommandResult); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PurgeAdminEventsOlderThan deletes admin_logs rows older than
// cutoffRFC3339 (§4.7's 30-day admin log retention sweeper).
func (s *Store) PurgeAdminEventsOlderThan(cutoffRFC3339 string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM admin_logs WHERE timestamp < `+s.ph(1), cutoffRFC3339)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
