// Package types provides shared types for the RBAC policy core
package types

import (
	"fmt"
	"strings"
	"time"
)

// Source identifies where a role definition originated from.
type Source string

const (
	// SourceCSVFile marks roles provisioned from a policy CSV file
	SourceCSVFile Source = "csv-file"
	// SourceRest marks roles created through the REST API
	SourceRest Source = "rest"
	// SourceConfiguration marks roles seeded from static configuration
	SourceConfiguration Source = "configuration"
	// SourceLegacy marks roles imported from a pre-metadata deployment
	SourceLegacy Source = "legacy"
)

// AdminRoleName is the distinguished administrative role. Its metadata
// record is never deleted, even when its last member is removed.
const AdminRoleName = "role:default/rbac_admin"

// RoleMetadata is the per-role audit record keyed by role entity reference.
type RoleMetadata struct {
	ID            int64     `json:"id,omitempty"`
	RoleEntityRef string    `json:"roleEntityRef"`
	Source        Source    `json:"source"`
	Description   string    `json:"description,omitempty"`
	Author        string    `json:"author,omitempty"`
	ModifiedBy    string    `json:"modifiedBy,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastModified  time.Time `json:"lastModified"`
}

// ValidateRoleEntityRef checks the role:<namespace>/<name> format.
func ValidateRoleEntityRef(ref string) error {
	rest, ok := strings.CutPrefix(ref, "role:")
	if !ok {
		return fmt.Errorf("invalid role entity reference %q: expected role:<namespace>/<name>", ref)
	}
	namespace, name, ok := strings.Cut(rest, "/")
	if !ok || namespace == "" || name == "" {
		return fmt.Errorf("invalid role entity reference %q: expected role:<namespace>/<name>", ref)
	}
	return nil
}

// PrincipalKind returns the kind prefix of an entity reference
// ("user", "group", "role"), or "" when the reference carries no kind.
func PrincipalKind(ref string) string {
	kind, _, ok := strings.Cut(ref, ":")
	if !ok {
		return ""
	}
	return kind
}
