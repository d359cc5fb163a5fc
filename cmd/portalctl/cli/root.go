// Package cli implements the portalctl operator commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ledgerline/portal/internal/apiclient"
	"github.com/ledgerline/portal/internal/app"
	"github.com/ledgerline/portal/internal/rbac"
)

// App carries the dependencies shared by every command.
type App struct {
	Config *app.CLIConfig
	Logger *slog.Logger
	Stdout io.Writer
	Stderr io.Writer

	engine *rbac.Engine
}

// NewApp fills unset writers and the logger.
func NewApp(cfg *app.CLIConfig) *App {
	if cfg == nil {
		cfg = &app.CLIConfig{}
	}
	return &App{
		Config: cfg,
		Logger: app.NewCLILogger(cfg),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Engine loads the permission policy once.
func (a *App) Engine() (*rbac.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	policy, err := rbac.LoadPolicy(a.Config.PolicyFile)
	if err != nil {
		return nil, err
	}
	engine, err := rbac.NewEngine(policy)
	if err != nil {
		return nil, err
	}
	a.engine = engine
	return engine, nil
}

// Client builds an admin API client from the configuration.
func (a *App) Client() (*apiclient.Client, error) {
	if a.Config.APIURL == "" {
		return nil, fmt.Errorf("PORTAL_API_URL is required")
	}
	if a.Config.TenantID == "" {
		return nil, fmt.Errorf("PORTAL_TENANT is required")
	}
	opts := []apiclient.Option{apiclient.WithRetries(2)}
	if a.Config.Timeout > 0 {
		opts = append(opts, apiclient.WithTimeout(a.Config.Timeout))
	}
	return apiclient.New(a.Config.APIURL, a.Config.APIToken, a.Config.TenantID, opts...), nil
}

// NewRootCommand assembles the command tree.
func NewRootCommand(a *App) *cobra.Command {
	root := &cobra.Command{
		Use:           "portalctl",
		Short:         "Operate the Ledgerline admin portal",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(a.Stdout)
	root.SetErr(a.Stderr)
	root.PersistentFlags().StringVar(&a.Config.TenantID, "tenant", a.Config.TenantID, "tenant ID (PORTAL_TENANT)")
	root.PersistentFlags().StringVar(&a.Config.PolicyFile, "policy", a.Config.PolicyFile, "permission policy file (POLICY_FILE)")
	root.AddCommand(newPermsCommand(a), newBulkCommand(a), newJobsCommand(a))
	return root
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// permissionList splits comma separated permission IDs.
func permissionList(raw []string) []rbac.Permission {
	var out []rbac.Permission
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, rbac.Permission(strings.ToUpper(p)))
			}
		}
	}
	return out
}
