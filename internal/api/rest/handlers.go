package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/authz-engine/rbac-core/internal/storage"
	"github.com/authz-engine/rbac-core/pkg/types"
)

type enforceRequest struct {
	Subject      string   `json:"subject"`
	ResourceType string   `json:"resourceType"`
	Action       string   `json:"action"`
	Roles        []string `json:"roles"`
}

type enforceResponse struct {
	Allowed bool `json:"allowed"`
}

type policiesRequest struct {
	Policies [][]string `json:"policies"`
}

type roleRequest struct {
	Members     []string `json:"members"`
	Role        string   `json:"role"`
	Description string   `json:"description,omitempty"`
	Author      string   `json:"author,omitempty"`
	ModifiedBy  string   `json:"modifiedBy,omitempty"`
}

// enforceHandler answers a point authorization check
func (s *Server) enforceHandler(w http.ResponseWriter, r *http.Request) {
	var req enforceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Subject == "" || req.ResourceType == "" || req.Action == "" {
		respondError(w, http.StatusBadRequest, "subject, resourceType and action are required")
		return
	}
	allowed, err := s.delegate.Enforce(r.Context(), req.Subject, req.ResourceType, req.Action, req.Roles)
	if err != nil {
		s.respondDelegateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, enforceResponse{Allowed: allowed})
}

// listPoliciesHandler returns permission tuples, filtered when subject,
// resource, or action query parameters are present.
func (s *Server) listPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	subject := query.Get("subject")

	var (
		policies [][]string
		err      error
	)
	switch {
	case subject != "":
		policies, err = s.delegate.GetFilteredPolicy(r.Context(), 0, subject)
	case query.Get("resource") != "":
		policies, err = s.delegate.GetFilteredPolicy(r.Context(), 1, query.Get("resource"))
	case query.Get("action") != "":
		policies, err = s.delegate.GetFilteredPolicy(r.Context(), 2, query.Get("action"))
	default:
		policies, err = s.delegate.GetPolicy(r.Context())
	}
	if err != nil {
		s.respondDelegateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"policies": policies})
}

// createPoliciesHandler stores a batch of permission tuples
func (s *Server) createPoliciesHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePolicies(w, r, 3)
	if !ok {
		return
	}
	if err := s.delegate.AddPolicies(r.Context(), req.Policies, nil); err != nil {
		s.respondDelegateError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]int{"added": len(req.Policies)})
}

// deletePoliciesHandler removes a batch of permission tuples
func (s *Server) deletePoliciesHandler(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePolicies(w, r, 3)
	if !ok {
		return
	}
	if err := s.delegate.RemovePolicies(r.Context(), req.Policies, nil); err != nil {
		s.respondDelegateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": len(req.Policies)})
}

// listRolesHandler returns grouping tuples, filtered by role when given
func (s *Server) listRolesHandler(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	var (
		groupings [][]string
		err       error
	)
	if role != "" {
		groupings, err = s.delegate.GetFilteredGroupingPolicy(r.Context(), 1, role)
	} else {
		groupings, err = s.delegate.GetGroupingPolicy(r.Context())
	}
	if err != nil {
		s.respondDelegateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"groupings": groupings})
}

// createRoleHandler assigns members to a role
func (s *Server) createRoleHandler(w http.ResponseWriter, r *http.Request) {
	req, meta, ok := decodeRole(w, r)
	if !ok {
		return
	}
	policies := make([][]string, 0, len(req.Members))
	for _, member := range req.Members {
		policies = append(policies, []string{member, req.Role})
	}
	if err := s.delegate.AddGroupingPolicies(r.Context(), policies, meta, nil); err != nil {
		s.respondDelegateError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]int{"added": len(policies)})
}

// deleteRoleHandler removes members from a role
func (s *Server) deleteRoleHandler(w http.ResponseWriter, r *http.Request) {
	req, meta, ok := decodeRole(w, r)
	if !ok {
		return
	}
	policies := make([][]string, 0, len(req.Members))
	for _, member := range req.Members {
		policies = append(policies, []string{member, req.Role})
	}
	if err := s.delegate.RemoveGroupingPolicies(r.Context(), policies, meta, false, nil); err != nil {
		s.respondDelegateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": len(policies)})
}

// implicitPermissionsHandler resolves a principal's permissions through
// its transitive roles.
func (s *Server) implicitPermissionsHandler(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if user == "" {
		respondError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}
	permissions, err := s.delegate.GetImplicitPermissionsForUser(r.Context(), user)
	if err != nil {
		s.respondDelegateError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"permissions": permissions})
}

func decodePolicies(w http.ResponseWriter, r *http.Request, width int) (policiesRequest, bool) {
	var req policiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if len(req.Policies) == 0 {
		respondError(w, http.StatusBadRequest, "policies must not be empty")
		return req, false
	}
	for _, policy := range req.Policies {
		if len(policy) != width {
			respondError(w, http.StatusBadRequest, "each policy must have subject, resourceType, action")
			return req, false
		}
	}
	return req, true
}

func decodeRole(w http.ResponseWriter, r *http.Request) (roleRequest, types.RoleMetadata, bool) {
	var req roleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return req, types.RoleMetadata{}, false
	}
	if len(req.Members) == 0 {
		respondError(w, http.StatusBadRequest, "members must not be empty")
		return req, types.RoleMetadata{}, false
	}
	if err := types.ValidateRoleEntityRef(req.Role); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return req, types.RoleMetadata{}, false
	}
	meta := types.RoleMetadata{
		RoleEntityRef: req.Role,
		Source:        types.SourceRest,
		Description:   req.Description,
		Author:        req.Author,
		ModifiedBy:    req.ModifiedBy,
	}
	return req, meta, true
}

func (s *Server) respondDelegateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrMalformedFilter):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrRoleMetadataNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// respondJSON writes a JSON response with the given status
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
