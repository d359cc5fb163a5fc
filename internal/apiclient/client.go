// Package apiclient calls the portal admin API over HTTP. It implements the
// bulk operation wizard backend and the permission editor save port.
package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ledgerline/portal/internal/bulkops"
	"github.com/ledgerline/portal/internal/bulkops/wizard"
	"github.com/ledgerline/portal/internal/platform/httpx"
	"github.com/ledgerline/portal/internal/rbac"
	"github.com/ledgerline/portal/internal/rbac/editor"
	"github.com/ledgerline/portal/internal/users"
)

const defaultTimeout = 15 * time.Second

// APIError is a non-2xx response decoded from an RFC7807 body. errors.Is
// matches the httpx class for its status.
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("api: %d %s", e.Status, msg)
}

// Is maps the status code onto the httpx error classes.
func (e *APIError) Is(target error) bool {
	switch target {
	case httpx.ErrNotFound:
		return e.Status == http.StatusNotFound
	case httpx.ErrConflict:
		return e.Status == http.StatusConflict
	case httpx.ErrValidation:
		return e.Status == http.StatusBadRequest || e.Status == http.StatusUnprocessableEntity
	case httpx.ErrForbidden:
		return e.Status == http.StatusForbidden
	case httpx.ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	}
	return false
}

// Option customises a Client.
type Option func(*resty.Client)

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

// WithRetries retries transport failures and 5xx responses.
func WithRetries(n int) Option {
	return func(c *resty.Client) {
		c.SetRetryCount(n).
			SetRetryWaitTime(200 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError
			})
	}
}

// Client talks to /api/admin on behalf of one tenant.
type Client struct {
	http     *resty.Client
	tenantID string
}

// New builds a client. token is sent as a bearer token.
func New(baseURL, token, tenantID string, opts ...Option) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultTimeout).
		SetHeader("Accept", "application/json").
		SetError(&httpx.ProblemDetail{})
	if token != "" {
		c.SetAuthToken(token)
	}
	for _, opt := range opts {
		opt(c)
	}
	return &Client{http: c, tenantID: tenantID}
}

var _ wizard.Backend = (*Client)(nil)

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.http.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	return checkResponse(resp)
}

func checkResponse(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode()}
	if problem, ok := resp.Error().(*httpx.ProblemDetail); ok && problem != nil {
		apiErr.Title, apiErr.Detail = problem.Title, problem.Detail
	}
	return apiErr
}

// ListUsers implements wizard.Backend.
func (c *Client) ListUsers(ctx context.Context, filter wizard.UserFilter) ([]users.User, error) {
	tenant := filter.TenantID
	if tenant == "" {
		tenant = c.tenantID
	}
	params := map[string]string{"tenantId": tenant}
	if filter.Limit > 0 {
		params["limit"] = strconv.Itoa(filter.Limit)
	}
	if filter.Role != "" {
		params["role"] = string(filter.Role)
	}
	if filter.Status != "" {
		params["status"] = string(filter.Status)
	}
	if filter.Query != "" {
		params["q"] = filter.Query
	}
	var out struct {
		Users []users.User `json:"users"`
	}
	resp, err := c.http.R().SetContext(ctx).SetQueryParams(params).SetResult(&out).Get("/api/admin/users")
	if err != nil {
		return nil, fmt.Errorf("api: list users: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// Preview implements wizard.Backend.
func (c *Client) Preview(ctx context.Context, req bulkops.Request) (bulkops.DryRun, error) {
	var out bulkops.DryRun
	err := c.do(ctx, http.MethodPost, "/api/admin/bulk-operations/preview", req, &out)
	return out, err
}

// Start implements wizard.Backend. The request ID doubles as the
// Idempotency-Key header.
func (c *Client) Start(ctx context.Context, req bulkops.Request) (bulkops.Progress, error) {
	if req.RequestID == "" {
		return bulkops.Progress{}, errors.New("api: request id required")
	}
	var out bulkops.Progress
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", req.RequestID).
		SetBody(req).
		SetResult(&out).
		Post("/api/admin/bulk-operations")
	if err != nil {
		return bulkops.Progress{}, fmt.Errorf("api: start bulk operation: %w", err)
	}
	return out, checkResponse(resp)
}

// Progress implements wizard.Backend.
func (c *Client) Progress(ctx context.Context, id string) (bulkops.Progress, error) {
	var out bulkops.Progress
	err := c.get(ctx, id, "progress", &out)
	return out, err
}

// Result implements wizard.Backend.
func (c *Client) Result(ctx context.Context, id string) (bulkops.Result, error) {
	var out bulkops.Result
	err := c.get(ctx, id, "result", &out)
	return out, err
}

func (c *Client) get(ctx context.Context, id, action string, out any) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetQueryParam("action", action).
		SetResult(out).
		Get("/api/admin/bulk-operations/{id}")
	if err != nil {
		return fmt.Errorf("api: bulk %s: %w", action, err)
	}
	return checkResponse(resp)
}

// Rollback implements wizard.Backend.
func (c *Client) Rollback(ctx context.Context, id string) (bulkops.Result, error) {
	var out bulkops.Result
	resp, err := c.http.R().SetContext(ctx).SetPathParam("id", id).SetResult(&out).Post("/api/admin/bulk-operations/{id}/rollback")
	if err != nil {
		return bulkops.Result{}, fmt.Errorf("api: rollback: %w", err)
	}
	return out, checkResponse(resp)
}

// UserAccess loads the role and explicit permissions of a user.
func (c *Client) UserAccess(ctx context.Context, userID int64) (rbac.UserAccess, error) {
	var out rbac.UserAccess
	err := c.do(ctx, http.MethodGet, "/api/admin/users/"+strconv.FormatInt(userID, 10)+"/permissions", nil, &out)
	return out, err
}

// SaveUserPermissions replaces the role and permissions of a user.
func (c *Client) SaveUserPermissions(ctx context.Context, userID int64, role rbac.Role, perms []rbac.Permission) (rbac.Assignment, error) {
	var out rbac.Assignment
	body := map[string]any{"role": role, "permissions": perms}
	err := c.do(ctx, http.MethodPut, "/api/admin/users/"+strconv.FormatInt(userID, 10)+"/permissions", body, &out)
	return out, err
}

// SaveRole creates a custom role when id is zero and updates it otherwise.
func (c *Client) SaveRole(ctx context.Context, id int64, in rbac.RoleInput) (rbac.CustomRole, error) {
	var out rbac.CustomRole
	if id == 0 {
		err := c.do(ctx, http.MethodPost, "/api/admin/roles", in, &out)
		return out, err
	}
	err := c.do(ctx, http.MethodPut, "/api/admin/roles/"+strconv.FormatInt(id, 10), in, &out)
	return out, err
}

// SaveFunc adapts the client to the permission editor save port.
func (c *Client) SaveFunc(rank int) editor.SaveFunc {
	return func(ctx context.Context, req editor.SaveRequest) error {
		if req.Mode == editor.ModeRole {
			_, err := c.SaveRole(ctx, req.RoleID, rbac.RoleInput{
				Name:        req.Name,
				Description: req.Description,
				Rank:        rank,
				Permissions: req.Permissions,
			})
			return err
		}
		_, err := c.SaveUserPermissions(ctx, req.UserID, req.Role, req.Permissions)
		return err
	}
}
