package exports

import (
	"fmt"
	"strings"
	"time"

	"github.com/ledgerline/portal/internal/platform/httpx"
)

// ValidationResult lists every problem found in a schedule. Fields keeps the
// first message per input field for inline display.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []string          `json:"errors"`
	Fields map[string]string `json:"fields,omitempty"`
}

func (r *ValidationResult) add(field, msg string) {
	r.Errors = append(r.Errors, msg)
	if r.Fields == nil {
		r.Fields = map[string]string{}
	}
	if _, ok := r.Fields[field]; !ok {
		r.Fields[field] = msg
	}
}

// ValidationError carries a failed ValidationResult.
type ValidationError struct {
	Result ValidationResult
}

func (e *ValidationError) Error() string {
	return "exports: invalid schedule: " + strings.Join(e.Result.Errors, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ValidateSchedule checks in after normalization. All problems are reported,
// not just the first.
func ValidateSchedule(in ScheduleInput) ValidationResult {
	in = in.Normalize()
	var res ValidationResult

	if in.Name == "" {
		res.add("name", "Schedule name is required")
	}
	switch in.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		res.add("frequency", fmt.Sprintf("Unsupported frequency: %s", in.Frequency))
	}
	switch in.Format {
	case FormatCSV, FormatJSON:
	default:
		res.add("format", fmt.Sprintf("Unsupported format: %s", in.Format))
	}

	if len(in.Recipients) == 0 {
		res.add("recipients", "At least one recipient is required")
	}
	for _, r := range in.Recipients {
		if httpx.Var(r, "email") != nil {
			res.add("recipients", fmt.Sprintf("Invalid email address: %s", r))
		}
	}

	switch in.Frequency {
	case FrequencyWeekly:
		if in.DayOfWeek == "" {
			res.add("dayOfWeek", "Day of week is required for weekly schedules")
		} else if _, ok := weekdays[in.DayOfWeek]; !ok {
			res.add("dayOfWeek", fmt.Sprintf("Invalid day of week: %s", in.DayOfWeek))
		}
	case FrequencyMonthly:
		if in.DayOfMonth == 0 {
			res.add("dayOfMonth", "Day of month is required for monthly schedules")
		} else if in.DayOfMonth < 1 || in.DayOfMonth > 31 {
			res.add("dayOfMonth", "Day of month must be between 1 and 31")
		}
	}

	if _, _, ok := parseClock(in.Time); !ok {
		res.add("time", "Time must be in HH:MM format")
	}
	if _, err := time.LoadLocation(in.Timezone); err != nil {
		res.add("timezone", fmt.Sprintf("Unknown timezone: %s", in.Timezone))
	}

	for i, target := range in.Integrations {
		if err := target.Validate(); err != nil {
			res.add(fmt.Sprintf("integrations[%d]", i), fmt.Sprintf("Invalid integration: %v", err))
		}
	}
	if in.Filter.Status != "" && !in.Filter.Status.Valid() {
		res.add("filter.status", fmt.Sprintf("Unsupported status filter: %s", in.Filter.Status))
	}

	res.Valid = len(res.Errors) == 0
	if res.Errors == nil {
		res.Errors = []string{}
	}
	return res
}

// parseClock reads a 24h HH:MM value.
func parseClock(s string) (hour, minute int, ok bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, false
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}
