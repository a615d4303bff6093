package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/authz-engine/rbac-core/internal/rbac"
	"github.com/authz-engine/rbac-core/internal/storage/memory"
	"github.com/authz-engine/rbac-core/pkg/types"
)

type testEnv struct {
	server   *Server
	delegate *rbac.EnforcerDelegate
	meta     *memory.MetadataStore
}

func newTestServer(t *testing.T) testEnv {
	t.Helper()
	db := memory.NewDB()
	meta := memory.NewMetadataStore(db)
	delegate := rbac.New(
		rbac.DefaultConfig(),
		memory.NewTupleStore(db),
		meta,
		db,
		rbac.NewRoleGraph(),
		rbac.NewNotifier(),
		zap.NewNop(),
		nil,
	)
	server, err := New(DefaultConfig(), delegate, zap.NewNop(), nil)
	require.NoError(t, err)
	return testEnv{server: server, delegate: delegate, meta: meta}
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

func TestHealthCheck(t *testing.T) {
	env := newTestServer(t)
	w := doJSON(t, env.server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	decodeBody(t, w, &resp)
	assert.Equal(t, "ok", resp["status"])
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestServer(t)

	w := doJSON(t, env.server, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-42")
	w = httptest.NewRecorder()
	env.server.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-Id"))
}

func TestCreateAndListPolicies(t *testing.T) {
	env := newTestServer(t)

	w := doJSON(t, env.server, http.MethodPost, "/v1/policies", policiesRequest{
		Policies: [][]string{
			{"role:default/reader", "catalog-entity", "read"},
			{"role:default/reader", "scaffolder-template", "read"},
		},
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, env.server, http.MethodGet, "/v1/policies", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Policies [][]string `json:"policies"`
	}
	decodeBody(t, w, &resp)
	assert.Len(t, resp.Policies, 2)
}

func TestListPoliciesFiltered(t *testing.T) {
	env := newTestServer(t)

	w := doJSON(t, env.server, http.MethodPost, "/v1/policies", policiesRequest{
		Policies: [][]string{
			{"role:default/reader", "catalog-entity", "read"},
			{"role:default/writer", "catalog-entity", "update"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, env.server, http.MethodGet, "/v1/policies?subject=role:default/writer", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Policies [][]string `json:"policies"`
	}
	decodeBody(t, w, &resp)
	require.Len(t, resp.Policies, 1)
	assert.Equal(t, []string{"role:default/writer", "catalog-entity", "update"}, resp.Policies[0])

	w = doJSON(t, env.server, http.MethodGet, "/v1/policies?action=read", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	assert.Len(t, resp.Policies, 1)
}

func TestDeletePolicies(t *testing.T) {
	env := newTestServer(t)

	body := policiesRequest{Policies: [][]string{{"role:default/reader", "catalog-entity", "read"}}}
	w := doJSON(t, env.server, http.MethodPost, "/v1/policies", body)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, env.server, http.MethodDelete, "/v1/policies", body)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.server, http.MethodGet, "/v1/policies", nil)
	var resp struct {
		Policies [][]string `json:"policies"`
	}
	decodeBody(t, w, &resp)
	assert.Empty(t, resp.Policies)
}

func TestCreatePoliciesValidation(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		name string
		body interface{}
	}{
		{"empty batch", policiesRequest{}},
		{"short tuple", policiesRequest{Policies: [][]string{{"role:default/reader", "catalog-entity"}}}},
		{"not json", "p, role:default/reader, catalog-entity, read"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, env.server, http.MethodPost, "/v1/policies", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCreateAndListRoles(t *testing.T) {
	env := newTestServer(t)

	w := doJSON(t, env.server, http.MethodPost, "/v1/roles", roleRequest{
		Members:     []string{"user:default/alice", "user:default/bob"},
		Role:        "role:default/reader",
		Description: "read access",
		Author:      "user:default/carol",
		ModifiedBy:  "user:default/carol",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, env.server, http.MethodGet, "/v1/roles?role=role:default/reader", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Groupings [][]string `json:"groupings"`
	}
	decodeBody(t, w, &resp)
	assert.Len(t, resp.Groupings, 2)

	meta, err := env.meta.FindRoleMetadata(context.Background(), "role:default/reader", nil)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, types.SourceRest, meta.Source)
	assert.Equal(t, "read access", meta.Description)
}

func TestDeleteRoleRemovesMetadata(t *testing.T) {
	env := newTestServer(t)

	body := roleRequest{
		Members: []string{"user:default/alice"},
		Role:    "role:default/reader",
	}
	w := doJSON(t, env.server, http.MethodPost, "/v1/roles", body)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, env.server, http.MethodDelete, "/v1/roles", body)
	assert.Equal(t, http.StatusOK, w.Code)

	meta, err := env.meta.FindRoleMetadata(context.Background(), "role:default/reader", nil)
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestCreateRoleValidation(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		name string
		body roleRequest
	}{
		{"no members", roleRequest{Role: "role:default/reader"}},
		{"bad role reference", roleRequest{Members: []string{"user:default/alice"}, Role: "reader"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, env.server, http.MethodPost, "/v1/roles", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestEnforceEndpoint(t *testing.T) {
	env := newTestServer(t)

	w := doJSON(t, env.server, http.MethodPost, "/v1/policies", policiesRequest{
		Policies: [][]string{{"role:default/reader", "catalog-entity", "read"}},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, env.server, http.MethodPost, "/v1/enforce", enforceRequest{
		Subject:      "user:default/alice",
		ResourceType: "catalog-entity",
		Action:       "read",
		Roles:        []string{"role:default/reader"},
	})
	assert.Equal(t, http.StatusOK, w.Code)

	var resp enforceResponse
	decodeBody(t, w, &resp)
	assert.True(t, resp.Allowed)

	w = doJSON(t, env.server, http.MethodPost, "/v1/enforce", enforceRequest{
		Subject:      "user:default/alice",
		ResourceType: "catalog-entity",
		Action:       "delete",
		Roles:        []string{"role:default/reader"},
	})
	assert.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &resp)
	assert.False(t, resp.Allowed)
}

func TestEnforceValidation(t *testing.T) {
	env := newTestServer(t)
	w := doJSON(t, env.server, http.MethodPost, "/v1/enforce", enforceRequest{Subject: "user:default/alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImplicitPermissionsEndpoint(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, env.delegate.AddPolicy(ctx, []string{"role:default/reader", "catalog-entity", "read"}, nil))
	require.NoError(t, env.delegate.AddGroupingPolicy(ctx,
		[]string{"user:default/alice", "role:default/reader"},
		types.RoleMetadata{RoleEntityRef: "role:default/reader", Source: types.SourceRest},
		nil,
	))

	w := doJSON(t, env.server, http.MethodGet, "/v1/permissions?user=user:default/alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Permissions [][]string `json:"permissions"`
	}
	decodeBody(t, w, &resp)
	require.Len(t, resp.Permissions, 1)
	assert.Equal(t, []string{"role:default/reader", "catalog-entity", "read"}, resp.Permissions[0])

	w = doJSON(t, env.server, http.MethodGet, "/v1/permissions", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
