package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field parser: minute, hour, day-of-month, month,
// day-of-week. No seconds field, no @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// NextRun computes the next fire time strictly after from. ok is false
// when the expression does not parse; a bad expression suspends
// scheduled fires rather than failing the scheduler.
func NextRun(expr string, from time.Time) (next time.Time, ok bool) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, false
	}
	return sched.Next(from), true
}
