package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/autoflow/pkg/schema"
)

// Five-field expressions plus @hourly, @daily, @every 5m and friends.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a schedule trigger expression. Errors carry INVALID_TRIGGER.
func ParseCron(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidTrigger, "schedule trigger requires a cron expression")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTrigger, "invalid cron expression %q: %v", expr, err).WithCause(err)
	}
	return sched, nil
}

// NextFire returns the first fire time strictly after from.
func NextFire(expr string, from time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
