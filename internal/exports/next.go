package exports

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronSpec renders the schedule as a five-field cron expression pinned to
// its timezone.
func CronSpec(in ScheduleInput) (string, error) {
	in = in.Normalize()
	hour, minute, ok := parseClock(in.Time)
	if !ok {
		return "", fmt.Errorf("%w: time %q", ErrInvalid, in.Time)
	}
	if _, err := time.LoadLocation(in.Timezone); err != nil {
		return "", fmt.Errorf("%w: timezone %q", ErrInvalid, in.Timezone)
	}
	prefix := fmt.Sprintf("CRON_TZ=%s %d %d", in.Timezone, minute, hour)
	switch in.Frequency {
	case FrequencyDaily:
		return prefix + " * * *", nil
	case FrequencyWeekly:
		day, ok := weekdays[in.DayOfWeek]
		if !ok {
			return "", fmt.Errorf("%w: day of week %q", ErrInvalid, in.DayOfWeek)
		}
		return fmt.Sprintf("%s * * %d", prefix, int(day)), nil
	case FrequencyMonthly:
		if in.DayOfMonth < 1 || in.DayOfMonth > 31 {
			return "", fmt.Errorf("%w: day of month %d", ErrInvalid, in.DayOfMonth)
		}
		// Months without the day are skipped, as cron does.
		return fmt.Sprintf("%s %d * *", prefix, in.DayOfMonth), nil
	default:
		return "", fmt.Errorf("%w: frequency %q", ErrInvalid, in.Frequency)
	}
}

// CalculateNextExecutionTime returns the first run strictly after now.
func CalculateNextExecutionTime(in ScheduleInput, now time.Time) (time.Time, error) {
	spec, err := CronSpec(in)
	if err != nil {
		return time.Time{}, err
	}
	sched, err := specParser.Parse(spec)
	if err != nil {
		return time.Time{}, fmt.Errorf("exports: parse %q: %w", spec, err)
	}
	next := sched.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: schedule never fires", ErrInvalid)
	}
	return next, nil
}
