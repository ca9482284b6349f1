package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts 5 field expressions and descriptors like @hourly or @every 5m.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a cron expression and returns the interval between
// its next two activations.
func ParseCron(expr string) (time.Duration, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return 0, errors.New("empty cron expression")
	}
	schedule, err := cronParser.Parse(e)
	if err != nil {
		return 0, err
	}
	next := schedule.Next(time.Now())
	return schedule.Next(next).Sub(next), nil
}

// Schedule is either a fixed interval or a cron expression.
type Schedule struct {
	Every time.Duration
	Cron  string
}

func (s Schedule) String() string {
	if s.Cron != "" {
		return s.Cron
	}
	return s.Every.String()
}

// ParseSchedule accepts an ISO 8601 duration (PT1M) or a cron expression
// (*/5 * * * *, @hourly).
func ParseSchedule(expr string) (Schedule, error) {
	e := strings.TrimSpace(expr)
	if strings.HasPrefix(e, "P") {
		d, err := ParseISODuration(e)
		if err != nil {
			return Schedule{}, err
		}
		if d <= 0 {
			return Schedule{}, fmt.Errorf("interval %s: must be positive", e)
		}
		return Schedule{Every: d}, nil
	}
	if _, err := ParseCron(e); err != nil {
		return Schedule{}, err
	}
	return Schedule{Cron: e}, nil
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// maxDays is the longest time.Duration in days.
const maxDays = 106751

// Only days and the time designators are accepted, years and months have
// no fixed length. Signs are not allowed, every configured duration is a
// length of time.
var isoDurationRx = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:[.,]\d{1,9})?)S)?)?$`)

// ParseISODuration parses durations like PT5M, PT0.1S or P1DT12H.
func ParseISODuration(dur string) (time.Duration, error) {
	m := isoDurationRx.FindStringSubmatch(dur)
	if m == nil || dur == "P" || strings.HasSuffix(dur, "T") {
		return 0, ErrISOFormat
	}
	days, hours, minutes, seconds := m[1], m[2], m[3], m[4]

	var sb strings.Builder
	h := 0
	if days != "" {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("%w: days: %w", ErrISOFormat, err)
		}
		if n > maxDays {
			return 0, fmt.Errorf("%w: more than %d days", ErrISOFormat, maxDays)
		}
		h = n * 24
	}
	if hours != "" {
		n, err := strconv.Atoi(hours)
		if err != nil {
			return 0, fmt.Errorf("%w: hours: %w", ErrISOFormat, err)
		}
		h += n
	}
	sb.WriteString(strconv.Itoa(h) + "h")
	if minutes != "" {
		sb.WriteString(minutes + "m")
	}
	if seconds != "" {
		sb.WriteString(strings.Replace(seconds, ",", ".", 1) + "s")
	}
	d, err := time.ParseDuration(sb.String())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrISOFormat, err)
	}
	return d, nil
}
