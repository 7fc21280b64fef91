package store

import "database/sql"

// DeadManSwitchRow is the single persisted row backing C10 (§3 DATA MODEL
// "DeadManSwitchState"). id is pinned to 1 by the CHECK constraint.
type DeadManSwitchRow struct {
	Enabled          bool
	TimeframeSec     int
	LastResetAt      string
	PanicTriggeredAt sql.NullString
	FailedAttempts   int
	LockoutUntil     sql.NullString
}

// GetDeadManSwitch reads the singleton row, creating it with defaults if
// it doesn't exist yet (first boot).
func (s *Store) GetDeadManSwitch() (DeadManSwitchRow, error) {
	var d DeadManSwitchRow
	var enabled int
	err := s.db.QueryRow(`SELECT enabled, timeframe_sec, last_reset_at, panic_triggered_at, failed_attempts, lockout_until FROM dead_man_switch WHERE id = 1`).
		Scan(&enabled, &d.TimeframeSec, &d.LastResetAt, &d.PanicTriggeredAt, &d.FailedAttempts, &d.LockoutUntil)
	if err == sql.ErrNoRows {
		d = DeadManSwitchRow{Enabled: false, TimeframeSec: 604800, LastResetAt: now()}
		if insertErr := s.initDeadManSwitch(d); insertErr != nil {
			return d, insertErr
		}
		return d, nil
	}
	if err != nil {
		return d, err
	}
	d.Enabled = enabled != 0
	return d, nil
}

func (s *Store) initDeadManSwitch(d DeadManSwitchRow) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO dead_man_switch (id, enabled, timeframe_sec, last_reset_at) VALUES (1, ?, ?, ?)`
	} else {
		q = `INSERT INTO dead_man_switch (id, enabled, timeframe_sec, last_reset_at) VALUES (1, $1, $2, $3) ON CONFLICT (id) DO NOTHING`
	}
	enabled := 0
	if d.Enabled {
		enabled = 1
	}
	_, err := s.db.Exec(q, enabled, d.TimeframeSec, d.LastResetAt)
	return err
}

// SetDeadManSwitchConfig updates enabled/timeframeSec.
func (s *Store) SetDeadManSwitchConfig(enabled bool, timeframeSec int) error {
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE dead_man_switch SET enabled = ?, timeframe_sec = ? WHERE id = 1`
	} else {
		q = `UPDATE dead_man_switch SET enabled = $1, timeframe_sec = $2 WHERE id = 1`
	}
	v := 0
	if enabled {
		v = 1
	}
	_, err := s.db.Exec(q, v, timeframeSec)
	return err
}

// ResetDeadManSwitchTimer sets lastResetAt to now and clears failed attempts.
func (s *Store) ResetDeadManSwitchTimer() error {
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE dead_man_switch SET last_reset_at = ?, failed_attempts = 0, lockout_until = NULL WHERE id = 1`
	} else {
		q = `UPDATE dead_man_switch SET last_reset_at = $1, failed_attempts = 0, lockout_until = NULL WHERE id = 1`
	}
	_, err := s.db.Exec(q, now())
	return err
}

// RecordDeadManFailure increments failedAttempts and, if it reaches
// lockoutAfter, sets lockoutUntil. Returns the updated attempt count.
func (s *Store) RecordDeadManFailure(lockoutAfter int, lockoutForSeconds int) (int, error) {
	d, err := s.GetDeadManSwitch()
	if err != nil {
		return 0, err
	}
	attempts := d.FailedAttempts + 1
	var q string
	var lockout any
	if attempts >= lockoutAfter {
		lockout = addSeconds(now(), lockoutForSeconds)
	} else {
		lockout = d.LockoutUntil
	}
	if s.driver == "sqlite" {
		q = `UPDATE dead_man_switch SET failed_attempts = ?, lockout_until = ? WHERE id = 1`
	} else {
		q = `UPDATE dead_man_switch SET failed_attempts = $1, lockout_until = $2 WHERE id = 1`
	}
	_, err = s.db.Exec(q, attempts, lockout)
	return attempts, err
}

// MarkDeadManPanic records panicTriggeredAt, called when the timer expires.
func (s *Store) MarkDeadManPanic() error {
	_, err := s.db.Exec(`UPDATE dead_man_switch SET panic_triggered_at = `+s.ph(1)+` WHERE id = 1`, now())
	return err
}
