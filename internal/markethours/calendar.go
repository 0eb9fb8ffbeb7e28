// Package markethours gates trading by session, weekend and holiday calendar
package markethours

import (
	"time"
)

// Session is a named local-time trading window
type Session string

const (
	Regular           Session = "REGULAR"
	PreMarket         Session = "PRE_MARKET"
	AfterHoursClosing Session = "AFTER_HOURS_CLOSING"
	AfterHours        Session = "AFTER_HOURS"
)

// sessionRange holds inclusive start/end minutes-of-day with second precision
type sessionRange struct {
	startSec int // seconds since local midnight, inclusive
	endSec   int // inclusive
}

var sessionRanges = map[Session]sessionRange{
	Regular:           {9 * 3600, 15*3600 + 30*60},
	PreMarket:         {8*3600 + 30*60, 8*3600 + 40*60},
	AfterHoursClosing: {15*3600 + 40*60, 16 * 3600},
	AfterHours:        {16 * 3600, 18 * 3600},
}

// Calendar answers open/closed for a configured session set and holiday list.
// Stateless; all local-time conversion lives here.
type Calendar struct {
	loc      *time.Location
	sessions []Session
	holidays map[string]struct{} // YYYY-MM-DD in loc
}

// NewCalendar builds a calendar for a timezone, allowed sessions and holidays
func NewCalendar(loc *time.Location, sessions []Session, holidays []string) *Calendar {
	hs := make(map[string]struct{}, len(holidays))
	for _, h := range holidays {
		hs[h] = struct{}{}
	}
	return &Calendar{loc: loc, sessions: sessions, holidays: hs}
}

// LocalDate formats ts as YYYY-MM-DD in the calendar's timezone. Daily
// counters key off this date.
func (c *Calendar) LocalDate(ts time.Time) string {
	return ts.In(c.loc).Format("2006-01-02")
}

// IsOpen reports whether the market is open at ts: weekday, not a holiday,
// and local time inside at least one allowed session.
func (c *Calendar) IsOpen(ts time.Time) bool {
	local := ts.In(c.loc)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}

	if _, holiday := c.holidays[local.Format("2006-01-02")]; holiday {
		return false
	}

	sec := local.Hour()*3600 + local.Minute()*60 + local.Second()
	for _, s := range c.sessions {
		r, ok := sessionRanges[s]
		if !ok {
			continue
		}
		if sec >= r.startSec && sec <= r.endSec {
			return true
		}
	}
	return false
}
