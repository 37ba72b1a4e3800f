package store

import "database/sql"

// QuotaCount returns the counter for (userID, day), or 0 when no row exists.
// Absence of a row for today is the day rollover; nothing is ever reset.
func (s *Store) QuotaCount(userID, day string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT count FROM daily_counters WHERE user_id = ? AND day = ?`, userID, day,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return count, err
}

// ReserveQuota charges one question against (userID, day) as a single atomic
// statement: insert the first row of the day, or increment the existing one
// only while it is still under the limit. A read-then-write sequence here
// would under-count under concurrent requests from the same user.
// Returns the counter after the charge and ok=false when the limit refused it
// (the counter is not touched on a refused attempt).
func (s *Store) ReserveQuota(userID, day string, limit int) (int, bool, error) {
	var count int
	err := s.db.QueryRow(
		`INSERT INTO daily_counters (user_id, day, count) VALUES (?, ?, 1)
		 ON CONFLICT(user_id, day) DO UPDATE SET count = count + 1
		 WHERE daily_counters.count < ?
		 RETURNING count`,
		userID, day, limit,
	).Scan(&count)
	if err == sql.ErrNoRows {
		used, err := s.QuotaCount(userID, day)
		if err != nil {
			return 0, false, err
		}
		return used, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}
