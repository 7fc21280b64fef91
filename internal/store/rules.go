package store

import "database/sql"

// RuleRow is a persisted ACL decision attached to an App (§3 Rule).
type RuleRow struct {
	ID      int64
	AppID   int64
	Method  string // RPC method name, or "*" wildcard
	Kind    sql.NullString
	Allowed bool
}

// RulesForApp returns every rule attached to appID. Rule lookups bypass
// the ACL TTL cache (§4.5: "Rule lookups bypass the cache").
func (s *Store) RulesForApp(appID int64) ([]RuleRow, error) {
	rows, err := s.db.Query(`SELECT id, app_id, method, kind, allowed FROM rules WHERE app_id = `+s.ph(1), appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RuleRow
	for rows.Next() {
		var r RuleRow
		var allowed int
		if err := rows.Scan(&r.ID, &r.AppID, &r.Method, &r.Kind, &allowed); err != nil {
			return nil, err
		}
		r.Allowed = allowed != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertRule installs an allow/deny rule for (appID, method, kind). kind
// may be "" (no kind scope), "all", or a numeric kind string.
func (s *Store) InsertRule(appID int64, method, kind string, allowed bool) error {
	var q string
	var kindArg any
	if kind == "" {
		kindArg = nil
	} else {
		kindArg = kind
	}
	if s.driver == "sqlite" {
		q = `INSERT INTO rules (app_id, method, kind, allowed) VALUES (?, ?, ?, ?)`
	} else {
		q = `INSERT INTO rules (app_id, method, kind, allowed) VALUES ($1, $2, $3, $4)`
	}
	allowedInt := 0
	if allowed {
		allowedInt = 1
	}
	_, err := s.db.Exec(q, appID, method, kindArg, allowedInt)
	return err
}

// DeleteRulesFor removes rules matching method (and optionally kind) for an
// app — used when downgrading trust away from `full` (§4.5: "Downgrading
// from full removes those auto-granted rules").
func (s *Store) DeleteRulesFor(appID int64, method string) error {
	_, err := s.db.Exec(`DELETE FROM rules WHERE app_id = `+s.ph(1)+` AND method = `+s.ph(2), appID, method)
	return err
}

// DeleteAllRulesForApp removes every rule attached to appID.
func (s *Store) DeleteAllRulesForApp(appID int64) error {
	_, err := s.db.Exec(`DELETE FROM rules WHERE app_id = `+s.ph(1), appID)
	return err
}
