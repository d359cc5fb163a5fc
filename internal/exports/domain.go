// Package exports manages recurring user-directory exports: schedule
// validation, next-run computation, CRUD and the delivery job.
package exports

import (
	"errors"
	"strings"
	"time"

	"github.com/ledgerline/portal/internal/notify"
	"github.com/ledgerline/portal/internal/platform/httpx"
	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/users"
)

// Frequency is how often a schedule fires.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Format is the artifact encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ContentType returns the MIME type of the artifact.
func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

const (
	defaultTime     = "09:00"
	defaultTimezone = "UTC"
)

var (
	ErrNotFound = httpx.Wrap(httpx.ErrNotFound, errors.New("exports: schedule not found"))
	ErrInvalid  = httpx.Wrap(httpx.ErrValidation, errors.New("exports: invalid schedule"))
)

// UserFilter narrows the exported users.
type UserFilter struct {
	Role   rbac.Role    `json:"role,omitempty"`
	Status users.Status `json:"status,omitempty"`
}

// ScheduleInput is the user-editable part of a schedule. An empty time means
// 09:00 and an empty timezone means UTC.
type ScheduleInput struct {
	Name         string          `json:"name"`
	Frequency    Frequency       `json:"frequency"`
	Format       Format          `json:"format"`
	Recipients   []string        `json:"recipients"`
	DayOfWeek    string          `json:"dayOfWeek,omitempty"`
	DayOfMonth   int             `json:"dayOfMonth,omitempty"`
	Time         string          `json:"time,omitempty"`
	Timezone     string          `json:"timezone,omitempty"`
	Filter       UserFilter      `json:"filter"`
	Integrations []notify.Target `json:"integrations,omitempty"`
	Paused       bool            `json:"paused"`
}

// Normalize trims and lowercases enum fields and fills time defaults.
func (in ScheduleInput) Normalize() ScheduleInput {
	in.Name = strings.TrimSpace(in.Name)
	in.Frequency = Frequency(strings.ToLower(strings.TrimSpace(string(in.Frequency))))
	in.Format = Format(strings.ToLower(strings.TrimSpace(string(in.Format))))
	in.DayOfWeek = strings.ToLower(strings.TrimSpace(in.DayOfWeek))
	in.Time = strings.TrimSpace(in.Time)
	if in.Time == "" {
		in.Time = defaultTime
	}
	in.Timezone = strings.TrimSpace(in.Timezone)
	if in.Timezone == "" {
		in.Timezone = defaultTimezone
	}
	recipients := make([]string, 0, len(in.Recipients))
	for _, r := range in.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	in.Recipients = recipients
	if in.Filter.Role != "" {
		in.Filter.Role = rbac.NormalizeRole(string(in.Filter.Role))
	}
	return in
}

// Schedule is a persisted export schedule.
type Schedule struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	ScheduleInput
	NextRunAt time.Time  `json:"nextRunAt"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	CreatedBy int64      `json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// SchedulePatch carries a partial update; nil fields are left unchanged.
type SchedulePatch struct {
	Name         *string          `json:"name"`
	Frequency    *Frequency       `json:"frequency"`
	Format       *Format          `json:"format"`
	Recipients   []string         `json:"recipients"`
	DayOfWeek    *string          `json:"dayOfWeek"`
	DayOfMonth   *int             `json:"dayOfMonth"`
	Time         *string          `json:"time"`
	Timezone     *string          `json:"timezone"`
	Filter       *UserFilter      `json:"filter"`
	Integrations *[]notify.Target `json:"integrations"`
	Paused       *bool            `json:"paused"`
}

// Apply returns in with the patch fields overlaid.
func (p SchedulePatch) Apply(in ScheduleInput) ScheduleInput {
	if p.Name != nil {
		in.Name = *p.Name
	}
	if p.Frequency != nil {
		in.Frequency = *p.Frequency
	}
	if p.Format != nil {
		in.Format = *p.Format
	}
	if p.Recipients != nil {
		in.Recipients = p.Recipients
	}
	if p.DayOfWeek != nil {
		in.DayOfWeek = *p.DayOfWeek
	}
	if p.DayOfMonth != nil {
		in.DayOfMonth = *p.DayOfMonth
	}
	if p.Time != nil {
		in.Time = *p.Time
	}
	if p.Timezone != nil {
		in.Timezone = *p.Timezone
	}
	if p.Filter != nil {
		in.Filter = *p.Filter
	}
	if p.Integrations != nil {
		in.Integrations = *p.Integrations
	}
	if p.Paused != nil {
		in.Paused = *p.Paused
	}
	return in
}
