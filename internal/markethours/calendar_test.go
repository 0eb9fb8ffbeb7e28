package markethours

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return loc
}

func TestCalendar_RegularSessionBoundaries(t *testing.T) {
	loc := mustLoc(t)
	cal := NewCalendar(loc, []Session{Regular}, nil)

	// 2026-08-24 is a Monday
	cases := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"just before open", time.Date(2026, 8, 24, 8, 59, 59, 0, loc), false},
		{"at open", time.Date(2026, 8, 24, 9, 0, 0, 0, loc), true},
		{"at close", time.Date(2026, 8, 24, 15, 30, 0, 0, loc), true},
		{"just after close", time.Date(2026, 8, 24, 15, 30, 1, 0, loc), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.open, cal.IsOpen(tc.at))
		})
	}
}

func TestCalendar_WeekendClosed(t *testing.T) {
	loc := mustLoc(t)
	cal := NewCalendar(loc, []Session{Regular}, nil)

	// 2026-08-22 is a Saturday
	assert.False(t, cal.IsOpen(time.Date(2026, 8, 22, 10, 0, 0, 0, loc)))
	// Sunday
	assert.False(t, cal.IsOpen(time.Date(2026, 8, 23, 10, 0, 0, 0, loc)))
	// Monday
	assert.True(t, cal.IsOpen(time.Date(2026, 8, 24, 10, 0, 0, 0, loc)))
}

func TestCalendar_HolidayClosed(t *testing.T) {
	loc := mustLoc(t)
	cal := NewCalendar(loc, []Session{Regular}, []string{"2026-08-24"})

	assert.False(t, cal.IsOpen(time.Date(2026, 8, 24, 10, 0, 0, 0, loc)))
	assert.True(t, cal.IsOpen(time.Date(2026, 8, 25, 10, 0, 0, 0, loc)))
}

func TestCalendar_MultipleSessions(t *testing.T) {
	loc := mustLoc(t)
	cal := NewCalendar(loc, []Session{PreMarket, AfterHours}, nil)

	assert.True(t, cal.IsOpen(time.Date(2026, 8, 24, 8, 35, 0, 0, loc)))
	assert.False(t, cal.IsOpen(time.Date(2026, 8, 24, 10, 0, 0, 0, loc)))
	assert.True(t, cal.IsOpen(time.Date(2026, 8, 24, 17, 0, 0, 0, loc)))
	assert.False(t, cal.IsOpen(time.Date(2026, 8, 24, 18, 0, 1, 0, loc)))
}

func TestCalendar_ConvertsFromUTC(t *testing.T) {
	loc := mustLoc(t)
	cal := NewCalendar(loc, []Session{Regular}, nil)

	// 01:00 UTC Monday == 10:00 KST Monday
	assert.True(t, cal.IsOpen(time.Date(2026, 8, 24, 1, 0, 0, 0, time.UTC)))
	// 15:00 UTC Monday == 00:00 KST Tuesday
	assert.False(t, cal.IsOpen(time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)))
}
