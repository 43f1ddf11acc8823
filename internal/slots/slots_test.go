package slots

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seoul(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	return loc
}

func fixedNow(ts time.Time) func() time.Time { return func() time.Time { return ts } }

func keywords(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("k%d", i+1)
	}
	return out
}

func TestParseKeyword(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw, kw, cat string
	}{
		{"seoul cafe:travel", "seoul cafe", "travel"},
		{"a:b:c", "a:b", "c"},
		{"nocat:", "nocat:", ""},
		{":cat", ":cat", ""},
		{"  spring recipes food  ", "spring recipes", "food"},
		{"single", "single", ""},
		{"  padded  ", "padded", ""},
	}
	for _, tt := range tests {
		kw, cat := ParseKeyword(tt.raw)
		require.Equal(t, tt.kw, kw, tt.raw)
		require.Equal(t, tt.cat, cat, tt.raw)
	}
}

func TestComputeFixedReference(t *testing.T) {
	t.Parallel()
	loc := seoul(t)
	now := time.Date(2025, 1, 6, 9, 0, 0, 0, loc)
	date, err := ParseDate("2025-01-07", loc)
	require.NoError(t, err)

	got, err := Compute(keywords(5), date, Options{
		Now:      fixedNow(now),
		Location: loc,
		LeadTime: 30 * time.Minute,
		Quota:    Constant(2),
		Cadence:  Fixed{StartHour: 10, Interval: 2 * time.Hour},
	})
	require.NoError(t, err)
	require.Len(t, got, 5)

	want := []struct {
		at           string
		day, daySlot int
	}{
		{"2025-01-07T10:00:00+09:00", 1, 1},
		{"2025-01-07T12:00:00+09:00", 1, 2},
		{"2025-01-08T10:00:00+09:00", 2, 1},
		{"2025-01-08T12:00:00+09:00", 2, 2},
		{"2025-01-09T10:00:00+09:00", 3, 1},
	}
	for i, w := range want {
		require.Equal(t, w.at, got[i].ScheduledAt.Format(time.RFC3339), "slot %d", i+1)
		require.Equal(t, w.day, got[i].Day, "slot %d day", i+1)
		require.Equal(t, w.daySlot, got[i].DaySlot, "slot %d daySlot", i+1)
		require.Equal(t, i+1, got[i].Slot)
		require.Equal(t, fmt.Sprintf("k%d", i+1), got[i].Keyword)
	}
}

func TestComputeFloorClampsToday(t *testing.T) {
	t.Parallel()
	loc := seoul(t)
	now := time.Date(2025, 3, 1, 10, 45, 0, 0, loc)

	got, err := Compute(keywords(3), time.Time{}, Options{
		Now:      fixedNow(now),
		Location: loc,
		LeadTime: 30 * time.Minute,
		Quota:    Alternating(3, 2),
		Cadence:  NewRandomized(9, 11, time.Hour, 2*time.Hour, time.Hour, rand.NewSource(1)),
	})
	require.NoError(t, err)
	// Next full hour is 11:00 which is before the 11:15 floor.
	require.Equal(t, time.Date(2025, 3, 1, 11, 15, 0, 0, loc), got[0].ScheduledAt)
	require.Equal(t, time.Date(2025, 3, 1, 12, 15, 0, 0, loc), got[1].ScheduledAt)
	require.Equal(t, time.Date(2025, 3, 1, 13, 15, 0, 0, loc), got[2].ScheduledAt)
}

func TestComputeDailyCapClosesDay(t *testing.T) {
	t.Parallel()
	loc := seoul(t)
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, loc)

	got, err := Compute(keywords(4), time.Date(2025, 3, 2, 0, 0, 0, 0, loc), Options{
		Now:      fixedNow(now),
		Location: loc,
		Quota:    Constant(4),
		Cadence:  Fixed{StartHour: 20, Interval: 3 * time.Hour},
	})
	require.NoError(t, err)
	// 20:00, then 23:00, then 02:00 is clamped to 23:55 and closes the day.
	require.Equal(t, "2025-03-02T20:00:00+09:00", got[0].ScheduledAt.Format(time.RFC3339))
	require.Equal(t, "2025-03-02T23:00:00+09:00", got[1].ScheduledAt.Format(time.RFC3339))
	require.Equal(t, "2025-03-02T23:55:00+09:00", got[2].ScheduledAt.Format(time.RFC3339))
	require.Equal(t, "2025-03-03T20:00:00+09:00", got[3].ScheduledAt.Format(time.RFC3339))
	require.Equal(t, 2, got[3].Day)
	require.Equal(t, 1, got[3].DaySlot)
}

func TestComputeLateTodayRollsToTomorrow(t *testing.T) {
	t.Parallel()
	loc := seoul(t)
	now := time.Date(2025, 3, 1, 23, 40, 0, 0, loc)

	got, err := Compute(keywords(1), time.Time{}, Options{
		Now:      fixedNow(now),
		Location: loc,
		LeadTime: 30 * time.Minute,
		Quota:    Alternating(3, 2),
		Cadence:  NewRandomized(9, 9, time.Hour, time.Hour, time.Hour, rand.NewSource(1)),
	})
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 2, 9, 0, 0, 0, loc), got[0].ScheduledAt)
	require.Equal(t, 2, got[0].Day)
}

func TestComputePastDateStartsToday(t *testing.T) {
	t.Parallel()
	loc := seoul(t)
	now := time.Date(2025, 5, 10, 6, 0, 0, 0, loc)

	got, err := Compute(keywords(1), time.Date(2025, 5, 1, 0, 0, 0, 0, loc), Options{
		Now:      fixedNow(now),
		Location: loc,
		Quota:    Constant(1),
		Cadence:  Fixed{StartHour: 10, Interval: time.Hour},
	})
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 5, 10, 10, 0, 0, 0, loc), got[0].ScheduledAt)
}

func TestComputeRandomizedInvariants(t *testing.T) {
	t.Parallel()
	loc := seoul(t)
	now := time.Date(2025, 6, 1, 14, 20, 0, 0, loc)
	lead := 30 * time.Minute

	for seed := int64(0); seed < 50; seed++ {
		got, err := Compute(keywords(17), time.Time{}, Options{
			Now:      fixedNow(now),
			Location: loc,
			LeadTime: lead,
			Quota:    Alternating(3, 2),
			Cadence:  NewRandomized(9, 11, 60*time.Minute, 180*time.Minute, 60*time.Minute, rand.NewSource(seed)),
		})
		require.NoError(t, err)
		require.Len(t, got, 17)

		perDay := map[int]int{}
		for i, s := range got {
			require.Equal(t, i+1, s.Slot)
			require.False(t, s.ScheduledAt.Before(now.Add(lead)), "seed %d slot %d before floor", seed, s.Slot)
			local := s.ScheduledAt.In(loc)
			require.False(t, local.Hour()*60+local.Minute() > 23*60+55, "seed %d slot %d after cap", seed, s.Slot)
			if i > 0 {
				require.True(t, s.ScheduledAt.After(got[i-1].ScheduledAt), "seed %d not increasing", seed)
			}
			perDay[s.Day]++
		}
		for day, n := range perDay {
			quota := 3
			if (day-1)%2 == 1 {
				quota = 2
			}
			require.LessOrEqual(t, n, quota, "seed %d day %d", seed, day)
		}
	}
}

func TestComputeRandomizedFutureDayWindow(t *testing.T) {
	t.Parallel()
	loc := seoul(t)
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, loc)
	cad := NewRandomized(9, 11, 60*time.Minute, 120*time.Minute, 60*time.Minute, rand.NewSource(7))

	got, err := Compute(keywords(3), time.Date(2025, 6, 3, 0, 0, 0, 0, loc), Options{
		Now:      fixedNow(now),
		Location: loc,
		Quota:    Constant(3),
		Cadence:  cad,
	})
	require.NoError(t, err)
	first := got[0].ScheduledAt
	require.GreaterOrEqual(t, first.Hour(), 9)
	require.LessOrEqual(t, first.Hour(), 11)
	require.Zero(t, first.Minute())

	gap1 := got[1].ScheduledAt.Sub(got[0].ScheduledAt)
	gap2 := got[2].ScheduledAt.Sub(got[1].ScheduledAt)
	require.Equal(t, gap1, gap2, "interval is drawn once per day")
	require.GreaterOrEqual(t, gap1, 60*time.Minute)
	require.LessOrEqual(t, gap1, 120*time.Minute)
}

func TestComputeErrors(t *testing.T) {
	t.Parallel()
	_, err := Compute(nil, time.Time{}, Options{Cadence: Fixed{StartHour: 10, Interval: time.Hour}})
	require.Error(t, err)

	_, err = Compute(keywords(1), time.Time{}, Options{})
	require.Error(t, err)

	_, err = Compute(keywords(1), time.Time{}, Options{Quota: Constant(0), Cadence: Fixed{StartHour: 10, Interval: time.Hour}})
	require.Error(t, err)

	_, err = ParseDate("2025/01/07", time.UTC)
	require.Error(t, err)
}
