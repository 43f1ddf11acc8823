package orchestrator

import (
	"math/rand"
	"strings"
	"time"

	"postpipe/internal/slots"
)

const (
	ModeFixed      = "fixed"
	ModeRandomized = "randomized"
)

// SlotConfig holds the default cadence applied when a request does not carry
// an explicit one.
type SlotConfig struct {
	Mode string

	// fixed
	StartHour     int
	PostsPerDay   int
	IntervalHours int

	// randomized
	MorningStart  int
	MorningEnd    int
	MinInterval   time.Duration
	MaxInterval   time.Duration
	TodayInterval time.Duration
	EvenDayQuota  int
	OddDayQuota   int

	LeadTime time.Duration
}

// Defaults describe a single request: they apply when the request omits a
// field.
type Defaults struct {
	Service                  string
	GenerateImages           bool
	ImageCount               int
	DelayBetweenPostsSeconds int
}

type Config struct {
	Location *time.Location
	Slots    SlotConfig
	Defaults Defaults
}

func DefaultConfig() Config {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*3600)
	}
	return Config{
		Location: loc,
		Slots: SlotConfig{
			Mode:          ModeFixed,
			StartHour:     10,
			PostsPerDay:   3,
			IntervalHours: 2,
			MorningStart:  8,
			MorningEnd:    10,
			MinInterval:   60 * time.Minute,
			MaxInterval:   120 * time.Minute,
			TodayInterval: 60 * time.Minute,
			EvenDayQuota:  3,
			OddDayQuota:   2,
			LeadTime:      30 * time.Minute,
		},
		Defaults: Defaults{
			Service:                  "default",
			GenerateImages:           true,
			ImageCount:               5,
			DelayBetweenPostsSeconds: 10,
		},
	}
}

// Cadence overrides the configured cadence for one request. A non-nil field
// forces the fixed cadence.
type Cadence struct {
	StartHour       *int
	PostsPerDay     *int
	IntervalHours   *int
	LeadTimeMinutes *int
}

func (c Cadence) explicit() bool {
	return c.StartHour != nil || c.PostsPerDay != nil || c.IntervalHours != nil
}

func orDefault(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// slotOptions resolves the slot options for one request.
func (c Config) slotOptions(over Cadence, now func() time.Time, src rand.Source) slots.Options {
	sc := c.Slots
	opt := slots.Options{Now: now, Location: c.Location, LeadTime: sc.LeadTime}
	if over.LeadTimeMinutes != nil {
		opt.LeadTime = time.Duration(*over.LeadTimeMinutes) * time.Minute
	}

	if over.explicit() || !strings.EqualFold(sc.Mode, ModeRandomized) {
		perDay := orDefault(over.PostsPerDay, sc.PostsPerDay)
		opt.Cadence = slots.Fixed{
			StartHour: orDefault(over.StartHour, sc.StartHour),
			Interval:  time.Duration(orDefault(over.IntervalHours, sc.IntervalHours)) * time.Hour,
		}
		opt.Quota = slots.Constant(perDay)
		return opt
	}

	opt.Cadence = slots.NewRandomized(sc.MorningStart, sc.MorningEnd, sc.MinInterval, sc.MaxInterval, sc.TodayInterval, src)
	opt.Quota = slots.Alternating(sc.EvenDayQuota, sc.OddDayQuota)
	return opt
}
