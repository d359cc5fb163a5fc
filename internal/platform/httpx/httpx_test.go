package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsClasses(t *testing.T) {
	cases := []struct {
		err    error
		status int
		detail string
	}{
		{Wrap(ErrNotFound, errors.New("users: user not found")), http.StatusNotFound, "users: user not found"},
		{Wrap(ErrConflict, errors.New("rbac: role is assigned to users")), http.StatusConflict, "rbac: role is assigned to users"},
		{Wrap(ErrValidation, errors.New("exports: recipients required")), http.StatusBadRequest, "exports: recipients required"},
		{Wrap(ErrForbidden, errors.New("rbac: rank too low")), http.StatusForbidden, "rbac: rank too low"},
		{ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{errors.New("pq: connection reset"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())
		assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, tc.status, body.Status)
		assert.Equal(t, tc.detail, body.Detail)
	}
}

func TestWrapMatchesBoth(t *testing.T) {
	domain := errors.New("bulkops: operation not found")
	err := Wrap(ErrNotFound, domain)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, domain)
	assert.Equal(t, domain.Error(), err.Error())
}

type bindTarget struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"omitempty,email"`
}

func TestBind(t *testing.T) {
	var ok bindTarget
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"Ana","email":"ana@acme.test"}`))
	require.NoError(t, Bind(req, &ok))
	assert.Equal(t, "Ana", ok.Name)

	var missing bindTarget
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"nope"}`))
	err := Bind(req, &missing)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "Name failed required")

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.ErrorIs(t, Bind(req, &missing), ErrValidation)
}

func TestVar(t *testing.T) {
	assert.NoError(t, Var("ana@acme.test", "email"))
	assert.Error(t, Var("ana", "email"))
}
