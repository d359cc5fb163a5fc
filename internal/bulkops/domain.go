// Package bulkops plans, executes and rolls back batch changes applied to
// many tenant users at once.
package bulkops

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerline/portal/internal/platform/httpx"
	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/users"
)

// OperationType identifies the kind of batch change.
type OperationType string

const (
	OpRoleChange       OperationType = "ROLE_CHANGE"
	OpStatusUpdate     OperationType = "STATUS_UPDATE"
	OpPermissionGrant  OperationType = "PERMISSION_GRANT"
	OpPermissionRevoke OperationType = "PERMISSION_REVOKE"
	OpSendEmail        OperationType = "SEND_EMAIL"
)

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Terminal reports whether no further progress will be made.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRolledBack
}

var (
	ErrNotFound            = httpx.Wrap(httpx.ErrNotFound, errors.New("bulkops: operation not found"))
	ErrInvalidConfig       = httpx.Wrap(httpx.ErrValidation, errors.New("bulkops: invalid operation config"))
	ErrNoUsers             = httpx.Wrap(httpx.ErrValidation, errors.New("bulkops: at least one user is required"))
	ErrRequestIDRequired   = httpx.Wrap(httpx.ErrValidation, errors.New("bulkops: request id required"))
	ErrDuplicateRequest    = httpx.Wrap(httpx.ErrConflict, errors.New("bulkops: request already submitted"))
	ErrCannotProceed       = httpx.Wrap(httpx.ErrConflict, errors.New("bulkops: dry-run reported critical conflicts"))
	ErrNotFinished         = httpx.Wrap(httpx.ErrConflict, errors.New("bulkops: operation has not finished"))
	ErrRollbackUnavailable = httpx.Wrap(httpx.ErrConflict, errors.New("bulkops: rollback unavailable"))
)

// Snapshot is the mutable slice of a user that operations touch.
type Snapshot struct {
	Role        rbac.Role         `json:"role"`
	Status      users.Status      `json:"status"`
	Permissions []rbac.Permission `json:"permissions"`
}

func snapshotOf(u users.User) Snapshot {
	return Snapshot{Role: u.Role, Status: u.Status, Permissions: u.Permissions}
}

func (s Snapshot) applyTo(u users.User) users.User {
	u.Role = s.Role
	u.Status = s.Status
	u.Permissions = s.Permissions
	return u
}

func (s Snapshot) equal(o Snapshot) bool {
	if s.Role != o.Role || s.Status != o.Status {
		return false
	}
	if (s.Permissions == nil) != (o.Permissions == nil) || len(s.Permissions) != len(o.Permissions) {
		return false
	}
	for i := range s.Permissions {
		if s.Permissions[i] != o.Permissions[i] {
			return false
		}
	}
	return true
}

// Config is one operation variant. Each variant validates its own fields
// against the tenant engine.
type Config interface {
	Type() OperationType
	Validate(engine *rbac.Engine) error
}

// RoleChangeConfig moves users to another role, resetting explicit permissions.
type RoleChangeConfig struct {
	Role rbac.Role `json:"role"`
}

// StatusUpdateConfig changes account status.
type StatusUpdateConfig struct {
	Status users.Status `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

// PermissionGrantConfig adds permissions on top of what users hold.
type PermissionGrantConfig struct {
	Permissions []rbac.Permission `json:"permissions"`
}

// PermissionRevokeConfig removes permissions. Dependents are not cascaded.
type PermissionRevokeConfig struct {
	Permissions []rbac.Permission `json:"permissions"`
}

// SendEmailConfig mails every selected user.
type SendEmailConfig struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (RoleChangeConfig) Type() OperationType       { return OpRoleChange }
func (StatusUpdateConfig) Type() OperationType     { return OpStatusUpdate }
func (PermissionGrantConfig) Type() OperationType  { return OpPermissionGrant }
func (PermissionRevokeConfig) Type() OperationType { return OpPermissionRevoke }
func (SendEmailConfig) Type() OperationType        { return OpSendEmail }

// Validate implements Config.
func (c RoleChangeConfig) Validate(engine *rbac.Engine) error {
	if c.Role == "" {
		return fmt.Errorf("%w: role is required", ErrInvalidConfig)
	}
	if _, ok := engine.Roles().Lookup(rbac.NormalizeRole(string(c.Role))); !ok {
		return fmt.Errorf("%w: unknown role %s", ErrInvalidConfig, c.Role)
	}
	return nil
}

// Validate implements Config.
func (c StatusUpdateConfig) Validate(*rbac.Engine) error {
	if !c.Status.Valid() {
		return fmt.Errorf("%w: unsupported status %q", ErrInvalidConfig, c.Status)
	}
	return nil
}

// Validate implements Config.
func (c PermissionGrantConfig) Validate(engine *rbac.Engine) error {
	return validatePermissionList(engine, c.Permissions)
}

// Validate implements Config.
func (c PermissionRevokeConfig) Validate(engine *rbac.Engine) error {
	return validatePermissionList(engine, c.Permissions)
}

// Validate implements Config.
func (c SendEmailConfig) Validate(*rbac.Engine) error {
	if strings.TrimSpace(c.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidConfig)
	}
	return nil
}

func validatePermissionList(engine *rbac.Engine, perms []rbac.Permission) error {
	if len(perms) == 0 {
		return fmt.Errorf("%w: at least one permission is required", ErrInvalidConfig)
	}
	for _, p := range perms {
		if !engine.Catalog().Has(p) {
			return fmt.Errorf("%w: unknown permission %s", ErrInvalidConfig, p)
		}
	}
	return nil
}

// Operation is the JSON envelope {type, config} around a Config variant.
type Operation struct {
	Config Config
}

// Type returns the variant type, empty when unset.
func (o Operation) Type() OperationType {
	if o.Config == nil {
		return ""
	}
	return o.Config.Type()
}

type envelope struct {
	Type   OperationType   `json:"type"`
	Config json.RawMessage `json:"config"`
}

// MarshalJSON implements json.Marshaler.
func (o Operation) MarshalJSON() ([]byte, error) {
	if o.Config == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(o.Config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: o.Config.Type(), Config: raw})
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	var cfg Config
	switch env.Type {
	case OpRoleChange:
		cfg = &RoleChangeConfig{}
	case OpStatusUpdate:
		cfg = &StatusUpdateConfig{}
	case OpPermissionGrant:
		cfg = &PermissionGrantConfig{}
	case OpPermissionRevoke:
		cfg = &PermissionRevokeConfig{}
	case OpSendEmail:
		cfg = &SendEmailConfig{}
	default:
		return fmt.Errorf("%w: unsupported operation type %q", ErrInvalidConfig, env.Type)
	}
	if len(env.Config) > 0 && string(env.Config) != "null" {
		if err := json.Unmarshal(env.Config, cfg); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	o.Config = deref(cfg)
	return nil
}

func deref(cfg Config) Config {
	switch c := cfg.(type) {
	case *RoleChangeConfig:
		return *c
	case *StatusUpdateConfig:
		return *c
	case *PermissionGrantConfig:
		return *c
	case *PermissionRevokeConfig:
		return *c
	case *SendEmailConfig:
		return *c
	}
	return cfg
}

// Request describes a batch submitted for preview or execution.
type Request struct {
	RequestID string    `json:"requestId,omitempty"`
	TenantID  string    `json:"tenantId,omitempty"`
	UserIDs   []int64   `json:"userIds" validate:"required,min=1,max=1000,dive,gt=0"`
	Operation Operation `json:"operation"`
}

// Severity grades a dry-run conflict.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

func (s Severity) risk() rbac.Risk {
	switch s {
	case SeverityCritical:
		return rbac.RiskCritical
	case SeverityWarning:
		return rbac.RiskMedium
	}
	return rbac.RiskLow
}

// Conflict codes.
const (
	ConflictUserNotFound     = "USER_NOT_FOUND"
	ConflictSelfModification = "SELF_MODIFICATION"
	ConflictInsufficientRank = "INSUFFICIENT_RANK"
	ConflictDependencies     = "DEPENDENCIES_NOT_MET"
	ConflictDependentsRemain = "DEPENDENTS_REMAIN"
	ConflictPrivileged       = "PRIVILEGED_ACCOUNT"
	ConflictInactive         = "INACTIVE_RECIPIENT"
	ConflictNoChange         = "NO_CHANGE"
)

// Conflict is an issue found while previewing one user.
type Conflict struct {
	UserID   int64    `json:"userId"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// PreviewRow shows the planned change for one user.
type PreviewRow struct {
	UserID  int64    `json:"userId"`
	Name    string   `json:"name"`
	Email   string   `json:"email"`
	Before  Snapshot `json:"before"`
	After   Snapshot `json:"after"`
	Changed bool     `json:"changed"`
}

// ImpactAnalysis summarises who the batch touches.
type ImpactAnalysis struct {
	AffectedUsers  int            `json:"affectedUsers"`
	UnchangedUsers int            `json:"unchangedUsers"`
	ByRole         map[string]int `json:"byRole"`
}

// DryRun is the read-only preview payload.
type DryRun struct {
	RiskLevel      rbac.Risk      `json:"riskLevel"`
	CanProceed     bool           `json:"canProceed"`
	Conflicts      []Conflict     `json:"conflicts"`
	ConflictCount  int            `json:"conflictCount"`
	ImpactAnalysis ImpactAnalysis `json:"impactAnalysis"`
	// EstimatedDuration is in seconds.
	EstimatedDuration int          `json:"estimatedDuration"`
	Preview           []PreviewRow `json:"preview"`
}

// Progress is the polled execution snapshot. Version increases with every
// write so clients can drop stale responses.
type Progress struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	ProgressPercent int       `json:"progressPercent"`
	TotalUsers      int       `json:"totalUsers"`
	SuccessCount    int       `json:"successCount"`
	FailureCount    int       `json:"failureCount"`
	Version         int64     `json:"version"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (p Progress) percent() int {
	if p.TotalUsers == 0 {
		if p.Status.Terminal() {
			return 100
		}
		return 0
	}
	return (p.SuccessCount + p.FailureCount) * 100 / p.TotalUsers
}

// Result is the terminal record of an executed batch.
type Result struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Warnings  int       `json:"warnings"`
	Details   []string  `json:"details"`
	Timestamp time.Time `json:"timestamp"`
}

// SuccessRate is succeeded / processed as a percentage, 0 when nothing ran.
func (r Result) SuccessRate() float64 {
	processed := r.Succeeded + r.Failed
	if processed == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(processed) * 100
}

// Record is the persisted operation.
type Record struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenantId"`
	Operation   Operation  `json:"operation"`
	UserIDs     []int64    `json:"userIds"`
	Status      Status     `json:"status"`
	Total       int        `json:"total"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Warnings    int        `json:"warnings"`
	Details     []string   `json:"details"`
	CreatedBy   int64      `json:"createdBy"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Progress derives a snapshot from the record, versioned by its last update.
func (r Record) Progress() Progress {
	p := Progress{
		ID:           r.ID,
		Status:       r.Status,
		TotalUsers:   r.Total,
		SuccessCount: r.Succeeded,
		FailureCount: r.Failed,
		Version:      r.UpdatedAt.UnixMilli(),
		UpdatedAt:    r.UpdatedAt,
	}
	p.ProgressPercent = p.percent()
	return p
}

// Result derives the terminal record.
func (r Record) Result() Result {
	ts := r.UpdatedAt
	if r.CompletedAt != nil {
		ts = *r.CompletedAt
	}
	details := r.Details
	if details == nil {
		details = []string{}
	}
	return Result{ID: r.ID, Status: r.Status, Succeeded: r.Succeeded, Failed: r.Failed, Warnings: r.Warnings, Details: details, Timestamp: ts}
}

// ItemStatus is the outcome for one user.
type ItemStatus string

const (
	ItemApplied    ItemStatus = "APPLIED"
	ItemUnchanged  ItemStatus = "UNCHANGED"
	ItemFailed     ItemStatus = "FAILED"
	ItemRolledBack ItemStatus = "ROLLED_BACK"
)

// Item records what happened to one user.
type Item struct {
	OperationID string     `json:"operationId"`
	UserID      int64      `json:"userId"`
	Status      ItemStatus `json:"status"`
	Before      Snapshot   `json:"before"`
	After       Snapshot   `json:"after"`
	Message     string     `json:"message,omitempty"`
}
