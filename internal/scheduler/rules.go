package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/outreach/pkg/schema"
)

// NextRun computes the first occurrence of the trigger's rule strictly after
// from. Event triggers have no next run and return nil.
func (s *Scheduler) NextRun(t *schema.Trigger, timezone string, from time.Time) (*time.Time, error) {
	var next time.Time
	switch t.Type {
	case schema.TriggerEvent:
		if t.Config.Event == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "event trigger requires an event name")
		}
		return nil, nil

	case schema.TriggerInterval:
		if t.Config.IntervalMinutes <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"interval trigger requires intervalMinutes > 0, got %d", t.Config.IntervalMinutes)
		}
		next = from.Add(time.Duration(t.Config.IntervalMinutes) * time.Minute)

	case schema.TriggerSchedule:
		if strings.TrimSpace(t.Config.Cron) == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "schedule trigger requires a cron expression")
		}
		n, err := s.nextCron(t.Config.Cron, timezone, from)
		if err != nil {
			return nil, err
		}
		next = n

	case schema.TriggerDaily:
		hour, minute, err := parseClock(t.Config.Time)
		if err != nil {
			return nil, err
		}
		n, err := s.nextCron(fmt.Sprintf("%d %d * * *", minute, hour), timezone, from)
		if err != nil {
			return nil, err
		}
		next = n

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger type %q", t.Type)
	}

	next = next.UTC()
	return &next, nil
}

// nextCron evaluates expr in timezone unless the expression carries its own
// CRON_TZ or TZ prefix.
func (s *Scheduler) nextCron(expr, timezone string, from time.Time) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if timezone != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		if _, err := time.LoadLocation(timezone); err != nil {
			return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "unknown timezone %q", timezone)
		}
		expr = "CRON_TZ=" + timezone + " " + expr
	}
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", expr, err)
	}
	next := schedule.Next(from)
	if next.IsZero() {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "cron expression %q never fires", expr)
	}
	return next, nil
}

// parseClock reads "HH:MM" in 24-hour time.
func parseClock(v string) (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, 0, schema.NewErrorf(schema.ErrCodeValidation, "daily trigger time %q must be HH:MM", v)
	}
	return t.Hour(), t.Minute(), nil
}
