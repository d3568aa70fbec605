package jobs

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule yields the next wakeup after a given time
type Schedule interface {
	Next(time.Time) time.Time
}

// cronParser accepts the standard five cron fields
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// intervalSchedule is a fixed delay between cycles. cron.Every rounds to whole
// seconds, which is too coarse for short test intervals.
type intervalSchedule time.Duration

func (s intervalSchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(s))
}

// NewSchedule builds the schedule for loop params. A cron expression wins over
// an interval; with neither, fallback is used.
func NewSchedule(p LoopParams, fallback time.Duration) (Schedule, error) {
	if p.Cron != "" {
		s, err := cronParser.Parse(p.Cron)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", p.Cron, err)
		}
		return s, nil
	}
	d := p.Interval.Std()
	if d <= 0 {
		d = fallback
	}
	if d <= 0 {
		return nil, fmt.Errorf("no interval configured")
	}
	return intervalSchedule(d), nil
}
