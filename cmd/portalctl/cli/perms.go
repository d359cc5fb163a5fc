package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/rbac/editor"
)

// ExitError carries a process exit code for results that are not failures
// of the command itself, such as an invalid permission set.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

func newPermsCommand(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perms",
		Short: "Inspect and edit permission sets",
	}
	cmd.AddCommand(
		newPermsDiffCommand(a),
		newPermsValidateCommand(a),
		newPermsSearchCommand(a),
		newPermsSuggestCommand(a),
		newPermsApplyCommand(a),
	)
	return cmd
}

func newPermsDiffCommand(a *App) *cobra.Command {
	var current, target []string
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show permissions added and removed between two sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.Engine()
			if err != nil {
				return err
			}
			return a.printJSON(engine.CalculateDiff(permissionList(current), permissionList(target)))
		},
	}
	cmd.Flags().StringSliceVar(&current, "current", nil, "current permissions")
	cmd.Flags().StringSliceVar(&target, "target", nil, "target permissions")
	return cmd
}

func newPermsValidateCommand(a *App) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "validate PERMISSION[,PERMISSION...]",
		Short: "Check dependencies and policy rules of a permission set",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.Engine()
			if err != nil {
				return err
			}
			result := engine.Validate(permissionList(args))
			if asJSON {
				if err := a.printJSON(result); err != nil {
					return err
				}
			} else {
				renderValidation(a, result)
			}
			if !result.IsValid {
				return &ExitError{Code: 10, Msg: fmt.Sprintf("permission set invalid: %d error(s)", len(result.Errors))}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func renderValidation(a *App, result rbac.ValidationResult) {
	status := "valid"
	if !result.IsValid {
		status = "invalid"
	}
	_, _ = fmt.Fprintf(a.Stdout, "Permission set is %s (risk %s)\n", status, result.RiskLevel)
	for _, issue := range result.Errors {
		_, _ = fmt.Fprintf(a.Stdout, " error   %s: %s\n", issue.Permission, issue.Message)
	}
	for _, issue := range result.Warnings {
		_, _ = fmt.Fprintf(a.Stdout, " warning %s: %s\n", issue.Permission, issue.Message)
	}
}

func newPermsSearchCommand(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "search [QUERY]",
		Short: "Search the permission catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.Engine()
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			for _, p := range engine.SearchPermissions(query) {
				meta, _ := engine.Catalog().Lookup(p)
				_, _ = fmt.Fprintf(a.Stdout, "%-20s %-8s %s\n", meta.Permission, meta.Risk, meta.Label)
			}
			return nil
		},
	}
}

func newPermsSuggestCommand(a *App) *cobra.Command {
	var (
		role    string
		current []string
	)
	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Suggest changes that align a permission set with a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.Engine()
			if err != nil {
				return err
			}
			suggestions := engine.Suggestions(rbac.NormalizeRole(role), permissionList(current))
			if suggestions == nil {
				suggestions = []rbac.Suggestion{}
			}
			return a.printJSON(suggestions)
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role to compare against")
	cmd.Flags().StringSliceVar(&current, "current", nil, "current permissions")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func newPermsApplyCommand(a *App) *cobra.Command {
	var (
		userID         int64
		role, template string
		grant, revoke  []string
		dryRun         bool
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Change the role and permissions of a user through the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return errors.New("--user is required")
			}
			engine, err := a.Engine()
			if err != nil {
				return err
			}
			client, err := a.Client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			access, err := client.UserAccess(ctx, userID)
			if err != nil {
				return err
			}
			session, err := editor.New(editor.Config{
				Engine:              engine,
				Mode:                editor.ModeAssign,
				TenantID:            a.Config.TenantID,
				UserID:              userID,
				OriginalRole:        access.Role,
				OriginalPermissions: access.Permissions,
				Save:                client.SaveFunc(0),
				Logger:              a.Logger,
			})
			if err != nil {
				return err
			}
			if role != "" {
				if err := session.SelectRole(rbac.NormalizeRole(role)); err != nil {
					return err
				}
			}
			if template != "" {
				if err := session.ApplyTemplate(template); err != nil {
					return err
				}
			}
			for _, p := range permissionList(grant) {
				if err := session.Grant(p); err != nil {
					return fmt.Errorf("grant %s: %w", p, err)
				}
			}
			for _, p := range permissionList(revoke) {
				if err := session.Revoke(p); err != nil {
					return fmt.Errorf("revoke %s: %w", p, err)
				}
			}

			impact := session.Impact()
			if err := a.printJSON(impact); err != nil {
				return err
			}
			if ok, reason := session.CanSave(); !ok {
				return &ExitError{Code: 10, Msg: reason}
			}
			if dryRun {
				return nil
			}
			if err := session.Save(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.Stderr, "saved permissions for user %d\n", userID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user ID")
	cmd.Flags().StringVar(&role, "role", "", "switch to this role and its default permissions first")
	cmd.Flags().StringVar(&template, "template", "", "apply a permission template")
	cmd.Flags().StringSliceVar(&grant, "grant", nil, "permissions to grant")
	cmd.Flags().StringSliceVar(&revoke, "revoke", nil, "permissions to revoke")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the impact without saving")
	return cmd
}
