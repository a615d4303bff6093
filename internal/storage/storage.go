// Package storage defines the persistence contracts for policy tuples and
// role metadata, plus the transaction model shared by both stores.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/authz-engine/rbac-core/pkg/types"
)

// PolicyType identifies the tuple section: "p" for permission rules,
// "g" for grouping (role membership) rules.
const (
	PolicyTypePermission = "p"
	PolicyTypeGrouping   = "g"
)

// MaxTupleFields is the widest tuple either store accepts.
const MaxTupleFields = 6

// ErrMalformedFilter indicates filter field indices that are out of range.
var ErrMalformedFilter = errors.New("malformed tuple filter")

// ErrRoleMetadataNotFound indicates an update against a role that has no
// metadata record.
var ErrRoleMetadataNotFound = errors.New("role metadata not found")

// ErrTxMismatch indicates a transaction that was not created by the store's
// own provider.
var ErrTxMismatch = errors.New("transaction does not belong to this store")

// TupleFilter is a partial tuple match: field positions mapped to required
// values. Unspecified fields are wildcards. A store applies the filter
// server-side so only matching rows are ever materialized.
type TupleFilter struct {
	Ptype  string
	Fields map[int]string
}

// Validate fails fast on field indices outside the tuple width, before any
// I/O is issued.
func (f TupleFilter) Validate() error {
	if f.Ptype != PolicyTypePermission && f.Ptype != PolicyTypeGrouping {
		return fmt.Errorf("%w: unknown policy type %q", ErrMalformedFilter, f.Ptype)
	}
	for idx := range f.Fields {
		if idx < 0 || idx >= MaxTupleFields {
			return fmt.Errorf("%w: field index %d out of range [0,%d)", ErrMalformedFilter, idx, MaxTupleFields)
		}
	}
	return nil
}

// Tx is an in-flight transaction spanning the tuple and metadata stores.
// Whoever began the transaction owns its lifecycle; a callee handed a Tx
// must never commit or roll it back.
type Tx interface {
	Commit() error
	Rollback() error
}

// TxProvider begins transactions usable with every store built over the
// same underlying database.
type TxProvider interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// TupleStore persists policy and grouping tuples. Write methods accept an
// optional transaction (nil executes directly); reads accept one so callers
// can observe their own uncommitted writes. Adds are de-duplicating: an
// insert of an already-present tuple is a no-op.
type TupleStore interface {
	// QueryFiltered loads the tuples matching any of the given filters.
	// All filters must share the same Ptype.
	QueryFiltered(ctx context.Context, filters []TupleFilter, tx Tx) ([][]string, error)

	AddTuple(ctx context.Context, ptype string, rule []string, tx Tx) error
	AddTuples(ctx context.Context, ptype string, rules [][]string, tx Tx) error
	RemoveTuple(ctx context.Context, ptype string, rule []string, tx Tx) error
	RemoveTuples(ctx context.Context, ptype string, rules [][]string, tx Tx) error
}

// MetadataStore persists per-role metadata records keyed by role entity
// reference.
type MetadataStore interface {
	// FindRoleMetadata returns the record for the role, or nil when the
	// role has no record.
	FindRoleMetadata(ctx context.Context, roleEntityRef string, tx Tx) (*types.RoleMetadata, error)
	CreateRoleMetadata(ctx context.Context, meta *types.RoleMetadata, tx Tx) error
	UpdateRoleMetadata(ctx context.Context, meta *types.RoleMetadata, roleEntityRef string, tx Tx) error
	RemoveRoleMetadata(ctx context.Context, roleEntityRef string, tx Tx) error
}
