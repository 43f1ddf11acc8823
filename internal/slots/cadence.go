package slots

import (
	"math/rand"
	"sync"
	"time"
)

// QuotaFunc returns how many keywords the day at dayOffset (0 = first day)
// may hold.
type QuotaFunc func(dayOffset int) int

// Alternating gives even day offsets the even quota and odd offsets the odd one.
func Alternating(even, odd int) QuotaFunc {
	return func(dayOffset int) int {
		if dayOffset%2 == 0 {
			return even
		}
		return odd
	}
}

// Constant gives every day the same quota.
func Constant(n int) QuotaFunc {
	return func(int) int { return n }
}

// Cadence places the first slot of a calendar day and the spacing between
// the following ones.
type Cadence interface {
	Day(day, now time.Time, today bool) (first time.Time, interval time.Duration)
}

// Fixed starts every day at StartHour:00 and spaces slots by Interval.
type Fixed struct {
	StartHour int
	Interval  time.Duration
}

func (f Fixed) Day(day, _ time.Time, _ bool) (time.Time, time.Duration) {
	return atHour(day, f.StartHour), f.Interval
}

// Randomized starts today at the next full hour with TodayInterval spacing.
// Future days start at a random hour within [MorningStart, MorningEnd] and use
// one random spacing within [MinInterval, MaxInterval] for the whole day.
type Randomized struct {
	MorningStart  int
	MorningEnd    int
	MinInterval   time.Duration
	MaxInterval   time.Duration
	TodayInterval time.Duration

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRandomized returns a Randomized cadence drawing from src. A nil src
// seeds from the clock.
func NewRandomized(morningStart, morningEnd int, minInterval, maxInterval, todayInterval time.Duration, src rand.Source) *Randomized {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Randomized{
		MorningStart:  morningStart,
		MorningEnd:    morningEnd,
		MinInterval:   minInterval,
		MaxInterval:   maxInterval,
		TodayInterval: todayInterval,
		rand:          rand.New(src),
	}
}

func (r *Randomized) Day(day, now time.Time, today bool) (time.Time, time.Duration) {
	if today {
		next := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location()).Add(time.Hour)
		return next, r.TodayInterval
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rand == nil {
		r.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	hour := r.MorningStart
	if span := r.MorningEnd - r.MorningStart; span > 0 {
		hour += r.rand.Intn(span + 1)
	}
	interval := r.MinInterval
	if span := int64((r.MaxInterval - r.MinInterval) / time.Minute); span > 0 {
		interval += time.Duration(r.rand.Int63n(span+1)) * time.Minute
	}
	return atHour(day, hour), interval
}

func atHour(day time.Time, hour int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location())
}
