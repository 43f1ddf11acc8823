package slots

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	capHour   = 23
	capMinute = 55

	// maxIdleDays bounds the number of consecutive days that may receive no
	// keyword before Compute gives up (zero quotas, floor beyond cap...).
	maxIdleDays = 31
)

// Slot is one keyword placed on the timeline.
type Slot struct {
	Keyword     string    `json:"keyword"`
	Category    string    `json:"category,omitempty"`
	ScheduledAt time.Time `json:"scheduledAt"`
	// Day is the 1-based calendar day relative to the first day.
	Day int `json:"day"`
	// DaySlot is the 1-based index inside Day.
	DaySlot int `json:"daySlot"`
	// Slot is the 1-based index over the whole result.
	Slot int `json:"slot"`
}

type Options struct {
	Now      func() time.Time
	Location *time.Location
	LeadTime time.Duration
	Quota    QuotaFunc
	Cadence  Cadence
}

// Compute places keywords starting on date's calendar day (in opt.Location).
// A zero date, or one before today, starts today.
func Compute(keywords []string, date time.Time, opt Options) ([]Slot, error) {
	if len(keywords) == 0 {
		return nil, errors.New("slots: no keywords")
	}
	if opt.Cadence == nil {
		return nil, errors.New("slots: cadence is required")
	}
	loc := opt.Location
	if loc == nil {
		loc = time.Local
	}
	quota := opt.Quota
	if quota == nil {
		quota = Constant(len(keywords))
	}
	nowFn := opt.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	now := nowFn().In(loc)
	floor := now.Add(opt.LeadTime)
	today := midnight(now)
	start := today
	if !date.IsZero() {
		if d := midnight(date.In(loc)); d.After(today) {
			start = d
		}
	}

	out := make([]Slot, 0, len(keywords))
	var prev time.Time
	idle := 0

	for offset := 0; len(out) < len(keywords); offset++ {
		day := start.AddDate(0, 0, offset)
		limit := quota(offset)
		first, interval := opt.Cadence.Day(day, now, day.Equal(today))
		dayCap := time.Date(day.Year(), day.Month(), day.Day(), capHour, capMinute, 0, 0, loc)

		placed := 0
		t := first
		for placed < limit && len(out) < len(keywords) {
			if placed > 0 {
				t = t.Add(interval)
			}
			if t.Before(floor) {
				t = floor
			}
			if !prev.IsZero() && !t.After(prev) {
				t = prev.Add(time.Minute)
			}

			closeDay := false
			if t.After(dayCap) {
				t = dayCap
				if t.Before(floor) || (!prev.IsZero() && !t.After(prev)) {
					break
				}
				closeDay = true
			}

			kw, cat := ParseKeyword(keywords[len(out)])
			placed++
			out = append(out, Slot{
				Keyword:     kw,
				Category:    cat,
				ScheduledAt: t,
				Day:         offset + 1,
				DaySlot:     placed,
				Slot:        len(out) + 1,
			})
			prev = t
			if closeDay {
				break
			}
		}

		if placed == 0 {
			idle++
			if idle > maxIdleDays {
				return nil, errors.Newf("slots: no capacity within %d days", maxIdleDays)
			}
		} else {
			idle = 0
		}
	}
	return out, nil
}

// ParseDate parses YYYY-MM-DD in loc. An empty string yields the zero time.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "slots: invalid date %q", s)
	}
	return t, nil
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
