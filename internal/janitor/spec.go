package janitor

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// ParseSchedule accepts a cron expression ("*/5 * * * *", "@hourly",
// "@every 1m"), a Go duration ("90s") or an HH:MM interval ("00:30").
func ParseSchedule(raw string) (cron.Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, errors.New("schedule required")
	}
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		sch, err := parser.Parse(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cron %q", raw)
		}
		return sch, nil
	}

	var d time.Duration
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return nil, errors.Newf("invalid minutes in %q", raw)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return nil, errors.Newf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:30', or duration like '1m')", raw)
		}
	}
	if d <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	return cron.Every(d), nil
}
