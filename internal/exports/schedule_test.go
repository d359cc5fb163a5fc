package exports

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/portal/internal/notify"
)

func weekly(day string) ScheduleInput {
	return ScheduleInput{
		Name:       "Weekly users",
		Frequency:  FrequencyWeekly,
		Format:     FormatCSV,
		Recipients: []string{"ops@acme.test"},
		DayOfWeek:  day,
		Time:       "09:00",
	}
}

func TestValidateScheduleReportsEveryProblem(t *testing.T) {
	res := ValidateSchedule(ScheduleInput{
		Name:       "",
		Frequency:  FrequencyWeekly,
		Format:     FormatCSV,
		Recipients: []string{"bad-email"},
	})
	assert.False(t, res.Valid)
	assert.Contains(t, res.Errors, "Schedule name is required")
	assert.Contains(t, res.Errors, "Day of week is required for weekly schedules")
	assert.Contains(t, res.Errors, "Invalid email address: bad-email")
	assert.Equal(t, "Schedule name is required", res.Fields["name"])
}

func TestValidateScheduleAcceptsDefaults(t *testing.T) {
	in := weekly("Monday")
	in.Time = ""
	res := ValidateSchedule(in)
	assert.True(t, res.Valid, res.Errors)
	assert.Empty(t, res.Errors)

	norm := in.Normalize()
	assert.Equal(t, "09:00", norm.Time)
	assert.Equal(t, "UTC", norm.Timezone)
	assert.Equal(t, "monday", norm.DayOfWeek)
}

func TestValidateScheduleMessages(t *testing.T) {
	cases := []struct {
		name string
		edit func(*ScheduleInput)
		want string
	}{
		{"frequency", func(in *ScheduleInput) { in.Frequency = "hourly" }, "Unsupported frequency: hourly"},
		{"format", func(in *ScheduleInput) { in.Format = "xlsx" }, "Unsupported format: xlsx"},
		{"no recipients", func(in *ScheduleInput) { in.Recipients = []string{" "} }, "At least one recipient is required"},
		{"weekday", func(in *ScheduleInput) { in.DayOfWeek = "funday" }, "Invalid day of week: funday"},
		{"monthly missing day", func(in *ScheduleInput) { in.Frequency = FrequencyMonthly }, "Day of month is required for monthly schedules"},
		{"monthly range", func(in *ScheduleInput) { in.Frequency = FrequencyMonthly; in.DayOfMonth = 32 }, "Day of month must be between 1 and 31"},
		{"time words", func(in *ScheduleInput) { in.Time = "9am" }, "Time must be in HH:MM format"},
		{"time range", func(in *ScheduleInput) { in.Time = "25:00" }, "Time must be in HH:MM format"},
		{"timezone", func(in *ScheduleInput) { in.Timezone = "Mars/Olympus" }, "Unknown timezone: Mars/Olympus"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := weekly("monday")
			tc.edit(&in)
			res := ValidateSchedule(in)
			assert.False(t, res.Valid)
			assert.Contains(t, res.Errors, tc.want)
		})
	}
}

func TestValidateScheduleChecksIntegrations(t *testing.T) {
	in := weekly("friday")
	in.Integrations = []notify.Target{{Kind: notify.KindSlack, URL: "https://hooks.slack.test/x"}, {Kind: "fax", URL: "https://x.test"}}
	res := ValidateSchedule(in)
	assert.False(t, res.Valid)
	assert.Len(t, res.Errors, 1)
	assert.Contains(t, res.Fields, "integrations[1]")
}

func TestNextExecutionWeeklyIsUpcomingMonday(t *testing.T) {
	wednesday := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	next, err := CalculateNextExecutionTime(weekly("monday"), wednesday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 5*24*time.Hour-time.Hour, next.Sub(wednesday))
}

func TestNextExecutionIsStrictlyAfterNow(t *testing.T) {
	monday := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	next, err := CalculateNextExecutionTime(weekly("monday"), monday)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC), next)

	daily := ScheduleInput{Name: "d", Frequency: FrequencyDaily, Format: FormatCSV, Recipients: []string{"a@b.test"}, Time: "09:00"}
	next, err = CalculateNextExecutionTime(daily, time.Date(2026, 3, 9, 8, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), next)
}

func TestNextExecutionMonthlySkipsShortMonths(t *testing.T) {
	in := ScheduleInput{Name: "m", Frequency: FrequencyMonthly, Format: FormatJSON, Recipients: []string{"a@b.test"}, DayOfMonth: 31, Time: "06:30"}
	next, err := CalculateNextExecutionTime(in, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 31, 6, 30, 0, 0, time.UTC), next)
}

func TestNextExecutionUsesScheduleTimezone(t *testing.T) {
	in := ScheduleInput{Name: "ny", Frequency: FrequencyDaily, Format: FormatCSV, Recipients: []string{"a@b.test"}, Time: "09:00", Timezone: "America/New_York"}
	next, err := CalculateNextExecutionTime(in, time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC), next.UTC())

	spec, err := CronSpec(in)
	require.NoError(t, err)
	assert.Equal(t, "CRON_TZ=America/New_York 0 9 * * *", spec)
}

func TestNextExecutionRejectsInvalidSchedule(t *testing.T) {
	_, err := CalculateNextExecutionTime(weekly(""), time.Now())
	assert.ErrorIs(t, err, ErrInvalid)
}
