package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ledgerline/portal/internal/bulkops"
	"github.com/ledgerline/portal/internal/bulkops/wizard"
	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/users"
)

func newBulkCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Run and roll back bulk user operations",
	}
	cmd.AddCommand(newBulkRunCommand(a), newBulkRollbackCommand(a))
	return cmd
}

type bulkRunOptions struct {
	userIDs     []string
	op          string
	role        string
	status      string
	reason      string
	permissions []string
	subject     string
	body        string
	dryRun      bool
}

func (o bulkRunOptions) config() (bulkops.Config, error) {
	switch bulkops.OperationType(strings.ToUpper(o.op)) {
	case bulkops.OpRoleChange:
		return bulkops.RoleChangeConfig{Role: rbac.NormalizeRole(o.role)}, nil
	case bulkops.OpStatusUpdate:
		return bulkops.StatusUpdateConfig{Status: users.Status(strings.ToUpper(o.status)), Reason: o.reason}, nil
	case bulkops.OpPermissionGrant:
		return bulkops.PermissionGrantConfig{Permissions: permissionList(o.permissions)}, nil
	case bulkops.OpPermissionRevoke:
		return bulkops.PermissionRevokeConfig{Permissions: permissionList(o.permissions)}, nil
	case bulkops.OpSendEmail:
		return bulkops.SendEmailConfig{Subject: o.subject, Body: o.body}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", o.op)
	}
}

func parseUserIDs(raw []string) ([]int64, error) {
	var ids []int64
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil || id <= 0 {
				return nil, fmt.Errorf("invalid user id %q", part)
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("--users is required")
	}
	return ids, nil
}

func newBulkRunCommand(a *App) *cobra.Command {
	var opts bulkRunOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Preview and execute a bulk operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseUserIDs(opts.userIDs)
			if err != nil {
				return err
			}
			cfg, err := opts.config()
			if err != nil {
				return err
			}
			engine, err := a.Engine()
			if err != nil {
				return err
			}
			client, err := a.Client()
			if err != nil {
				return err
			}

			w := wizard.New(client, wizard.Options{
				TenantID:     a.Config.TenantID,
				PollInterval: a.Config.Poll,
				Engine:       engine,
				Logger:       a.Logger,
				OnProgress: func(p bulkops.Progress) {
					_, _ = fmt.Fprintf(a.Stderr, "%s %3d%% (%d ok, %d failed)\n", p.Status, p.ProgressPercent, p.SuccessCount, p.FailureCount)
				},
			})
			steps := []func() error{
				func() error { return w.SelectUsers(ids...) },
				w.Next,
				func() error { return w.ChooseOperation(cfg.Type()) },
				w.Next,
				func() error { return w.Configure(cfg) },
				w.Next,
			}
			for _, step := range steps {
				if err := step(); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			preview, err := w.DryRun(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.Stdout, "Dry run: risk %s, %d conflict(s), about %ds\n",
				preview.RiskLevel, preview.ConflictCount, preview.EstimatedDuration)
			for _, c := range preview.Conflicts {
				_, _ = fmt.Fprintf(a.Stdout, " %-8s user %d: %s\n", c.Severity, c.UserID, c.Message)
			}
			if !preview.CanProceed {
				return &ExitError{Code: 10, Msg: "dry run reported critical conflicts"}
			}
			if opts.dryRun {
				return nil
			}

			if err := w.Next(); err != nil {
				return err
			}
			result, err := w.Execute(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.Stdout, "Operation %s %s: %d succeeded, %d failed (%.1f%%)\n",
				result.ID, result.Status, result.Succeeded, result.Failed, w.SuccessRate())
			for _, line := range result.Details {
				_, _ = fmt.Fprintf(a.Stdout, " %s\n", line)
			}
			if result.Failed > 0 {
				return &ExitError{Code: 2, Msg: fmt.Sprintf("%d user(s) failed", result.Failed)}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.userIDs, "users", nil, "user IDs")
	f.StringVar(&opts.op, "op", "", "operation: ROLE_CHANGE, STATUS_UPDATE, PERMISSION_GRANT, PERMISSION_REVOKE, SEND_EMAIL")
	f.StringVar(&opts.role, "role", "", "target role for ROLE_CHANGE")
	f.StringVar(&opts.status, "status", "", "target status for STATUS_UPDATE")
	f.StringVar(&opts.reason, "reason", "", "reason recorded with STATUS_UPDATE")
	f.StringSliceVar(&opts.permissions, "permissions", nil, "permissions for PERMISSION_GRANT or PERMISSION_REVOKE")
	f.StringVar(&opts.subject, "subject", "", "subject for SEND_EMAIL")
	f.StringVar(&opts.body, "body", "", "body for SEND_EMAIL")
	f.BoolVar(&opts.dryRun, "dry-run", false, "stop after the preview")
	_ = cmd.MarkFlagRequired("op")
	return cmd
}

func newBulkRollbackCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback OPERATION_ID",
		Short: "Restore the users changed by a completed operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := a.Client()
			if err != nil {
				return err
			}
			result, err := client.Rollback(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printJSON(result)
		},
	}
}
