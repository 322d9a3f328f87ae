package scheduler

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"

	"blockflow/internal/models"
)

// FallbackDelay is used whenever the next run cannot be computed.
const FallbackDelay = 24 * time.Hour

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCron checks a 5-field cron expression (or @descriptor) and its timezone.
func ValidateCron(expr, timezone string) error {
	if _, err := location(timezone); err != nil {
		return err
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextRun computes the next firing time of a schedule after now.
// A cron expression wins over the interval rule. Interval rules are applied to
// LastRanAt (or now when the schedule never ran) and always land after now.
func NextRun(s *models.Schedule, now time.Time) (time.Time, error) {
	if s.CronExpression != "" {
		loc, err := location(s.Timezone)
		if err != nil {
			return time.Time{}, err
		}
		sched, err := cronParser.Parse(s.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", s.CronExpression, err)
		}
		next := sched.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron expression %q never fires", s.CronExpression)
		}
		return next.UTC(), nil
	}

	step, err := intervalStep(s)
	if err != nil {
		return time.Time{}, err
	}
	base := now
	if s.LastRanAt != nil {
		base = *s.LastRanAt
	}
	next := step(base)
	// catch up without replaying missed runs
	for !next.After(now) {
		next = step(next)
	}
	return next.UTC(), nil
}

// nextRunOrFallback never fails: any computation error yields now+FallbackDelay.
func nextRunOrFallback(s *models.Schedule, now time.Time) (next time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = now.Add(FallbackDelay), fmt.Errorf("next run computation panicked: %v", r)
		}
	}()
	next, err = NextRun(s, now)
	if err != nil {
		return now.Add(FallbackDelay), err
	}
	return next, nil
}

func intervalStep(s *models.Schedule) (func(time.Time) time.Time, error) {
	switch s.Interval {
	case models.IntervalMinutes:
		if s.EveryMinutes <= 0 {
			return nil, fmt.Errorf("interval %q needs everyMinutes > 0, got %d", s.Interval, s.EveryMinutes)
		}
		d := time.Duration(s.EveryMinutes) * time.Minute
		return func(t time.Time) time.Time { return t.Add(d) }, nil
	case models.IntervalHourly:
		return func(t time.Time) time.Time { return t.Add(time.Hour) }, nil
	case models.IntervalDaily:
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }, nil
	case models.IntervalWeekly:
		return func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }, nil
	case models.IntervalMonthly:
		return func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }, nil
	case "":
		return nil, fmt.Errorf("schedule %s has neither a cron expression nor an interval", s.ID)
	default:
		return nil, fmt.Errorf("unknown schedule interval %q", s.Interval)
	}
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", tz, err)
	}
	return loc, nil
}
