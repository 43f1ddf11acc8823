package orchestrator

import (
	"regexp"
	"strings"

	"postpipe/internal/domain"
)

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func checkRange(name string, p *int, lo, hi int) error {
	if p == nil {
		return nil
	}
	if *p < lo || *p > hi {
		return domain.Validation("%s must be between %d and %d", name, lo, hi)
	}
	return nil
}

// normalize validates in and fills defaults. It never touches storage.
func (in *CreateInput) normalize(d Defaults) error {
	in.AccountID = strings.TrimSpace(in.AccountID)
	if in.AccountID == "" {
		return domain.Validation("account id is required")
	}
	if in.Password == "" {
		return domain.Validation("account password is required")
	}

	kws := make([]string, 0, len(in.Keywords))
	for i, k := range in.Keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			return domain.Validation("keyword %d is empty", i+1)
		}
		kws = append(kws, k)
	}
	if len(kws) == 0 {
		return domain.Validation("at least one keyword is required")
	}
	in.Keywords = kws

	if in.ScheduleDate != "" && !datePattern.MatchString(in.ScheduleDate) {
		return domain.Validation("startDate must be YYYY-MM-DD")
	}

	if in.Service == "" {
		in.Service = d.Service
	}
	if in.GenerateImages == nil {
		v := d.GenerateImages
		in.GenerateImages = &v
	}
	if in.ImageCount == nil {
		v := d.ImageCount
		in.ImageCount = &v
	}
	if in.DelayBetweenPostsSeconds == nil {
		v := d.DelayBetweenPostsSeconds
		in.DelayBetweenPostsSeconds = &v
	}

	for _, c := range []struct {
		name   string
		p      *int
		lo, hi int
	}{
		{"imageCount", in.ImageCount, 1, 10},
		{"delayBetweenPostsSeconds", in.DelayBetweenPostsSeconds, 0, 600},
		{"startHour", in.Cadence.StartHour, 0, 23},
		{"postsPerDay", in.Cadence.PostsPerDay, 1, 10},
		{"intervalHours", in.Cadence.IntervalHours, 1, 12},
		{"leadTimeMinutes", in.Cadence.LeadTimeMinutes, 0, 24 * 60},
	} {
		if err := checkRange(c.name, c.p, c.lo, c.hi); err != nil {
			return err
		}
	}
	return nil
}
