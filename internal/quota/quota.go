// Package quota enforces the per-user daily question cap. Days are keyed by
// calendar date in the service's fixed UTC offset; a new key appears at day
// rollover, so the absence of a row for today is the reset.
package quota

import (
	"errors"
	"fmt"
	"time"

	"github.com/clinsim/ecos/internal/model"
	"github.com/clinsim/ecos/internal/store"
)

// DefaultDailyLimit is the number of questions a student may ask per day.
const DefaultDailyLimit = 20

// ErrQuotaExceeded means the daily limit refused the action. The counter is
// never incremented on a refused attempt.
var ErrQuotaExceeded = errors.New("daily question quota exceeded")

// Tracker counts questions per user per day.
type Tracker struct {
	store  *store.Store
	limit  int
	offset time.Duration
}

// New creates a Tracker. offsetHours shifts "today" from UTC.
func New(s *store.Store, limit, offsetHours int) *Tracker {
	if limit <= 0 {
		limit = DefaultDailyLimit
	}
	return &Tracker{
		store:  s,
		limit:  limit,
		offset: time.Duration(offsetHours) * time.Hour,
	}
}

// DayKey returns the calendar day for now in the tracker's fixed offset.
func (t *Tracker) DayKey(now time.Time) string {
	return now.UTC().Add(t.offset).Format("2006-01-02")
}

// Status returns the user's consumption for today without charging anything.
func (t *Tracker) Status(userID string, now time.Time) (model.QuotaStatus, error) {
	used, err := t.store.QuotaCount(userID, t.DayKey(now))
	if err != nil {
		return model.QuotaStatus{}, fmt.Errorf("read quota: %w", err)
	}
	return t.status(used), nil
}

// Reserve charges one question atomically. It returns ErrQuotaExceeded when
// the limit refuses the charge; check and increment are a single database
// statement, so concurrent requests from the same user cannot slip past the
// limit between a read and a write.
func (t *Tracker) Reserve(userID string, now time.Time) (model.QuotaStatus, error) {
	used, ok, err := t.store.ReserveQuota(userID, t.DayKey(now), t.limit)
	if err != nil {
		return model.QuotaStatus{}, fmt.Errorf("reserve quota: %w", err)
	}
	st := t.status(used)
	if !ok {
		return st, ErrQuotaExceeded
	}
	return st, nil
}

func (t *Tracker) status(used int) model.QuotaStatus {
	remaining := t.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return model.QuotaStatus{
		Used:         used,
		Remaining:    remaining,
		LimitReached: used >= t.limit,
	}
}
