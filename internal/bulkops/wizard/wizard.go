// Package wizard drives a bulk operation from user selection to completion
// against a remote Backend: select users, choose and configure an
// operation, review the dry-run, execute while polling progress, and
// optionally roll back.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/portal/internal/bulkops"
	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/users"
)

// Step is a wizard position, 1-based.
type Step int

const (
	StepSelectUsers Step = iota + 1
	StepChooseOperation
	StepConfigure
	StepReview
	StepExecute
	StepComplete
)

func (s Step) String() string {
	switch s {
	case StepSelectUsers:
		return "select users"
	case StepChooseOperation:
		return "choose operation"
	case StepConfigure:
		return "configure"
	case StepReview:
		return "review"
	case StepExecute:
		return "execute"
	case StepComplete:
		return "complete"
	default:
		return fmt.Sprintf("step %d", int(s))
	}
}

const defaultPollInterval = time.Second

var (
	ErrBusy             = errors.New("wizard: another request is in flight")
	ErrNoUsers          = errors.New("wizard: select at least one user")
	ErrNoOperation      = errors.New("wizard: choose an operation type")
	ErrConfigMismatch   = errors.New("wizard: config does not match the operation type")
	ErrDryRunRequired   = errors.New("wizard: run the dry-run before executing")
	ErrCannotProceed    = errors.New("wizard: dry-run reported critical conflicts")
	ErrNoResult         = errors.New("wizard: operation has not finished")
	ErrLastStep         = errors.New("wizard: no further step")
	ErrFirstStep        = errors.New("wizard: already at the first step")
	ErrWrongStep        = errors.New("wizard: action not available at this step")
	ErrRollbackDisabled = errors.New("wizard: rollback is only offered for operations without failures")
)

// Backend is the server side of the wizard.
type Backend interface {
	ListUsers(ctx context.Context, filter UserFilter) ([]users.User, error)
	Preview(ctx context.Context, req bulkops.Request) (bulkops.DryRun, error)
	Start(ctx context.Context, req bulkops.Request) (bulkops.Progress, error)
	Progress(ctx context.Context, id string) (bulkops.Progress, error)
	Result(ctx context.Context, id string) (bulkops.Result, error)
	Rollback(ctx context.Context, id string) (bulkops.Result, error)
}

// UserFilter narrows the selectable users.
type UserFilter struct {
	TenantID string
	Role     rbac.Role
	Status   users.Status
	Query    string
	Limit    int
}

// State is a snapshot of the wizard. Fields persist across back and
// forward navigation until Reset.
type State struct {
	Step            Step
	SelectedUserIDs []int64
	OperationType   bulkops.OperationType
	Config          bulkops.Config
	Filter          UserFilter
	RequestID       string
	OperationID     string
	DryRun          *bulkops.DryRun
	Progress        *bulkops.Progress
	Result          *bulkops.Result
}

// Options tunes a Wizard.
type Options struct {
	TenantID string
	// Advanced enables the completion step and rollback.
	Advanced     bool
	PollInterval time.Duration
	// Engine validates configs locally at the configure step. Without it
	// only the config type is checked.
	Engine     *rbac.Engine
	Logger     *slog.Logger
	OnProgress func(bulkops.Progress)
	NewID      func() string
}

// Wizard is safe for concurrent use; at most one backend request runs at a
// time.
type Wizard struct {
	backend Backend
	opts    Options
	gates   map[Step]func(State) error

	mu        sync.Mutex
	state     State
	busy      bool
	errMsg    string
	pollSeq   uint64
	appliedAt uint64
}

// New constructs a wizard at step 1.
func New(backend Backend, opts Options) *Wizard {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	w := &Wizard{backend: backend, opts: opts, state: State{Step: StepSelectUsers}}
	w.gates = map[Step]func(State) error{
		StepSelectUsers:     gateUsers,
		StepChooseOperation: gateOperation,
		StepConfigure:       w.gateConfig,
		StepReview:          gateDryRun,
		StepExecute:         gateResult,
	}
	return w
}

func gateUsers(s State) error {
	if len(s.SelectedUserIDs) == 0 {
		return ErrNoUsers
	}
	return nil
}

func gateOperation(s State) error {
	if s.OperationType == "" {
		return ErrNoOperation
	}
	return nil
}

func (w *Wizard) gateConfig(s State) error {
	if s.Config == nil || s.Config.Type() != s.OperationType {
		return ErrConfigMismatch
	}
	if w.opts.Engine != nil {
		return s.Config.Validate(w.opts.Engine)
	}
	return nil
}

func gateDryRun(s State) error {
	if s.DryRun == nil {
		return ErrDryRunRequired
	}
	if !s.DryRun.CanProceed {
		return ErrCannotProceed
	}
	return nil
}

func gateResult(s State) error {
	if s.Result == nil {
		return ErrNoResult
	}
	return nil
}

// State returns a copy of the current state.
func (w *Wizard) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.state
	s.SelectedUserIDs = slices.Clone(s.SelectedUserIDs)
	return s
}

// Error returns the last user-visible error message.
func (w *Wizard) Error() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errMsg
}

// ClearError dismisses the error banner.
func (w *Wizard) ClearError() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errMsg = ""
}

func (w *Wizard) maxStep() Step {
	if w.opts.Advanced {
		return StepComplete
	}
	return StepExecute
}

// CanAdvance reports why Next would be refused, nil when allowed.
func (w *Wizard) CanAdvance() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canAdvanceLocked()
}

func (w *Wizard) canAdvanceLocked() error {
	if w.state.Step >= w.maxStep() {
		return ErrLastStep
	}
	if gate, ok := w.gates[w.state.Step]; ok {
		return gate(w.state)
	}
	return nil
}

// Next moves one step forward when the current step's gate passes.
func (w *Wizard) Next() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return ErrBusy
	}
	if err := w.canAdvanceLocked(); err != nil {
		return err
	}
	w.state.Step++
	return nil
}

// Prev moves one step back without discarding any state.
func (w *Wizard) Prev() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return ErrBusy
	}
	if w.state.Step <= StepSelectUsers {
		return ErrFirstStep
	}
	w.state.Step--
	return nil
}

// Reset returns the wizard to a fresh step 1.
func (w *Wizard) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return ErrBusy
	}
	w.resetLocked()
	return nil
}

func (w *Wizard) resetLocked() {
	w.state = State{Step: StepSelectUsers}
	w.errMsg = ""
	w.appliedAt = w.pollSeq
}

// SetFilter replaces the user filter.
func (w *Wizard) SetFilter(f UserFilter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.Filter = f
}

// LoadUsers lists selectable users with the current filter.
func (w *Wizard) LoadUsers(ctx context.Context) ([]users.User, error) {
	w.mu.Lock()
	filter := w.state.Filter
	w.mu.Unlock()
	if filter.TenantID == "" {
		filter.TenantID = w.opts.TenantID
	}
	list, err := w.backend.ListUsers(ctx, filter)
	if err != nil {
		w.setError(err)
		return nil, err
	}
	return list, nil
}

// SelectUsers adds ids to the selection, ignoring duplicates.
func (w *Wizard) SelectUsers(ids ...int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return ErrBusy
	}
	for _, id := range ids {
		if id > 0 && !slices.Contains(w.state.SelectedUserIDs, id) {
			w.state.SelectedUserIDs = append(w.state.SelectedUserIDs, id)
		}
	}
	w.invalidateLocked()
	return nil
}

// DeselectUsers removes ids from the selection.
func (w *Wizard) DeselectUsers(ids ...int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return ErrBusy
	}
	w.state.SelectedUserIDs = slices.DeleteFunc(w.state.SelectedUserIDs, func(id int64) bool {
		return slices.Contains(ids, id)
	})
	w.invalidateLocked()
	return nil
}

// ChooseOperation sets the operation type. Switching type drops the
// previous config.
func (w *Wizard) ChooseOperation(t bulkops.OperationType) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return ErrBusy
	}
	if t != w.state.OperationType {
		w.state.Config = nil
	}
	w.state.OperationType = t
	w.invalidateLocked()
	return nil
}

// Configure sets the operation config, which must match the chosen type.
func (w *Wizard) Configure(cfg bulkops.Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return ErrBusy
	}
	if cfg == nil || cfg.Type() != w.state.OperationType {
		return ErrConfigMismatch
	}
	w.state.Config = cfg
	w.invalidateLocked()
	return nil
}

// invalidateLocked drops the dry-run and any run started for the previous
// inputs.
func (w *Wizard) invalidateLocked() {
	w.state.DryRun = nil
	w.state.RequestID = ""
	w.state.OperationID = ""
	w.state.Progress = nil
	w.state.Result = nil
}

func (w *Wizard) request() bulkops.Request {
	return bulkops.Request{
		RequestID: w.state.RequestID,
		TenantID:  w.opts.TenantID,
		UserIDs:   slices.Clone(w.state.SelectedUserIDs),
		Operation: bulkops.Operation{Config: w.state.Config},
	}
}

// acquire marks the wizard busy when the current step is one of steps.
func (w *Wizard) acquire(steps ...Step) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return ErrBusy
	}
	if !slices.Contains(steps, w.state.Step) {
		return fmt.Errorf("%w: %s", ErrWrongStep, w.state.Step)
	}
	w.busy = true
	return nil
}

func (w *Wizard) release() {
	w.mu.Lock()
	w.busy = false
	w.mu.Unlock()
}

func (w *Wizard) setError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errMsg = err.Error()
}

// DryRun requests the server-side preview for the current inputs. It does
// not change the step.
func (w *Wizard) DryRun(ctx context.Context) (bulkops.DryRun, error) {
	if err := w.acquire(StepReview); err != nil {
		return bulkops.DryRun{}, err
	}
	defer w.release()

	w.mu.Lock()
	req := w.request()
	w.mu.Unlock()
	dry, err := w.backend.Preview(ctx, req)
	if err != nil {
		w.setError(err)
		return bulkops.DryRun{}, err
	}
	w.mu.Lock()
	w.state.DryRun = &dry
	w.errMsg = ""
	w.mu.Unlock()
	return dry, nil
}

// Execute starts the operation and polls its progress until a terminal
// status, then loads the result. Errors leave the wizard at the execute
// step with an error message.
func (w *Wizard) Execute(ctx context.Context) (bulkops.Result, error) {
	if err := w.acquire(StepExecute); err != nil {
		return bulkops.Result{}, err
	}
	defer w.release()

	w.mu.Lock()
	if err := gateDryRun(w.state); err != nil {
		w.mu.Unlock()
		return bulkops.Result{}, err
	}
	if w.state.RequestID == "" {
		w.state.RequestID = w.opts.NewID()
	}
	id := w.state.OperationID
	req := w.request()
	w.mu.Unlock()

	if id == "" {
		progress, err := w.backend.Start(ctx, req)
		if err != nil {
			w.setError(err)
			return bulkops.Result{}, err
		}
		id = progress.ID
		w.mu.Lock()
		w.state.OperationID = id
		w.mu.Unlock()
		w.applyProgress(w.nextSeq(), progress)
	}

	if err := w.poll(ctx, id); err != nil {
		w.setError(err)
		return bulkops.Result{}, err
	}
	result, err := w.backend.Result(ctx, id)
	if err != nil {
		w.setError(err)
		return bulkops.Result{}, err
	}
	w.mu.Lock()
	w.state.Result = &result
	w.errMsg = ""
	w.mu.Unlock()
	return result, nil
}

// poll reads progress every PollInterval until the status is terminal or ctx
// ends. Failed reads are logged and retried on the next tick.
func (w *Wizard) poll(ctx context.Context, id string) error {
	if w.terminal() {
		return nil
	}
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		seq := w.nextSeq()
		progress, err := w.backend.Progress(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.opts.Logger.Warn("bulk progress poll", slog.String("operation_id", id), slog.Any("error", err))
			continue
		}
		w.applyProgress(seq, progress)
		if w.terminal() {
			return nil
		}
	}
}

// Refresh reads progress once outside the poll loop.
func (w *Wizard) Refresh(ctx context.Context) (bulkops.Progress, error) {
	w.mu.Lock()
	id := w.state.OperationID
	w.mu.Unlock()
	if id == "" {
		return bulkops.Progress{}, ErrNoResult
	}
	seq := w.nextSeq()
	progress, err := w.backend.Progress(ctx, id)
	if err != nil {
		return bulkops.Progress{}, err
	}
	w.applyProgress(seq, progress)
	return w.State().progressOr(progress), nil
}

func (s State) progressOr(fallback bulkops.Progress) bulkops.Progress {
	if s.Progress == nil {
		return fallback
	}
	return *s.Progress
}

func (w *Wizard) nextSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pollSeq++
	return w.pollSeq
}

// applyProgress keeps only the newest response: a request issued before the
// last applied one, or a snapshot with an older version, is discarded. A
// terminal status is always applied once observed.
func (w *Wizard) applyProgress(seq uint64, p bulkops.Progress) bool {
	w.mu.Lock()
	cur := w.state.Progress
	if cur != nil && cur.ID == p.ID && cur.Status.Terminal() {
		w.mu.Unlock()
		return false
	}
	if p.Status.Terminal() {
		if seq > w.appliedAt {
			w.appliedAt = seq
		}
		w.state.Progress = &p
		hook := w.opts.OnProgress
		w.mu.Unlock()
		if hook != nil {
			hook(p)
		}
		return true
	}
	if seq <= w.appliedAt {
		w.mu.Unlock()
		return false
	}
	if cur != nil && cur.ID == p.ID && p.Version < cur.Version {
		w.mu.Unlock()
		return false
	}
	w.appliedAt = seq
	w.state.Progress = &p
	hook := w.opts.OnProgress
	w.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return true
}

func (w *Wizard) terminal() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.state.Progress
	return p != nil && p.Status.Terminal()
}

// SuccessRate is succeeded/(succeeded+failed)*100 of the result, 0 when no
// result is available.
func (w *Wizard) SuccessRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state.Result == nil {
		return 0
	}
	return w.state.Result.SuccessRate()
}

// CanRollback reports whether the completion step offers rollback.
func (w *Wizard) CanRollback() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canRollbackLocked()
}

func (w *Wizard) canRollbackLocked() bool {
	r := w.state.Result
	return w.opts.Advanced && w.state.Step == StepComplete && r != nil &&
		r.Status == bulkops.StatusCompleted && r.Failed == 0 &&
		w.state.OperationType != bulkops.OpSendEmail
}

// Rollback reverts the completed operation and, on success, resets the
// wizard to step 1.
func (w *Wizard) Rollback(ctx context.Context) (bulkops.Result, error) {
	if err := w.acquire(StepComplete); err != nil {
		return bulkops.Result{}, err
	}
	defer w.release()

	w.mu.Lock()
	if !w.canRollbackLocked() {
		w.mu.Unlock()
		return bulkops.Result{}, ErrRollbackDisabled
	}
	id := w.state.OperationID
	w.mu.Unlock()

	result, err := w.backend.Rollback(ctx, id)
	if err != nil {
		w.setError(err)
		return bulkops.Result{}, err
	}
	w.mu.Lock()
	w.resetLocked()
	w.mu.Unlock()
	return result, nil
}
