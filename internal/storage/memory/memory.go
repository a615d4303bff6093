// Package memory provides an in-memory storage backend with snapshot
// transactions, used in tests and for adapter-less deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/authz-engine/rbac-core/internal/storage"
	"github.com/authz-engine/rbac-core/pkg/types"
)

// WriteHook is invoked before every write operation; returning an error
// fails the write. Used to inject faults in tests.
type WriteHook func(op string, args ...string) error

// state holds both tables. A transaction operates on a deep copy that
// replaces the live state on commit.
type state struct {
	tuples   map[string][][]string
	metadata map[string]types.RoleMetadata
}

func newState() *state {
	return &state{
		tuples:   make(map[string][][]string),
		metadata: make(map[string]types.RoleMetadata),
	}
}

func (s *state) clone() *state {
	c := newState()
	for ptype, rules := range s.tuples {
		cloned := make([][]string, len(rules))
		for i, rule := range rules {
			cloned[i] = slices.Clone(rule)
		}
		c.tuples[ptype] = cloned
	}
	for ref, meta := range s.metadata {
		c.metadata[ref] = meta
	}
	return c
}

// DB is the shared in-memory database underlying the tuple and metadata
// stores, mirroring how both Postgres stores share one *sql.DB.
type DB struct {
	mu        sync.Mutex
	state     *state
	writeHook WriteHook
}

// NewDB creates an empty in-memory database
func NewDB() *DB {
	return &DB{state: newState()}
}

// SetWriteHook installs a fault-injection hook for write operations
func (db *DB) SetWriteHook(hook WriteHook) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.writeHook = hook
}

func (db *DB) hook(op string, args ...string) error {
	db.mu.Lock()
	hook := db.writeHook
	db.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(op, args...)
}

// tx is a snapshot transaction: writes land on a private copy of the
// state, reads inside the transaction observe that copy, and Commit swaps
// the copy in atomically.
type tx struct {
	db   *DB
	snap *state
	mu   sync.Mutex
	done bool
}

// BeginTx starts a snapshot transaction
func (db *DB) BeginTx(_ context.Context) (storage.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return &tx{db: db, snap: db.state.clone()}, nil
}

func (t *tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.db.mu.Lock()
	t.db.state = t.snap
	t.db.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	return nil
}

// resolve returns the state a call should operate on and a release
// function. Outside a transaction that is the live state under the DB
// lock; inside one it is the private snapshot.
func (db *DB) resolve(external storage.Tx) (*state, func(), error) {
	if external == nil {
		db.mu.Lock()
		return db.state, db.mu.Unlock, nil
	}
	t, ok := external.(*tx)
	if !ok || t.db != db {
		return nil, nil, storage.ErrTxMismatch
	}
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil, nil, fmt.Errorf("transaction already finished")
	}
	return t.snap, t.mu.Unlock, nil
}

// TupleStore implements storage.TupleStore over the shared DB
type TupleStore struct {
	db *DB
}

// NewTupleStore creates a tuple store view over the database
func NewTupleStore(db *DB) *TupleStore {
	return &TupleStore{db: db}
}

func matches(rule []string, f storage.TupleFilter) bool {
	for idx, want := range f.Fields {
		if idx >= len(rule) || rule[idx] != want {
			return false
		}
	}
	return true
}

// QueryFiltered returns copies of the tuples matching any of the filters
func (s *TupleStore) QueryFiltered(_ context.Context, filters []storage.TupleFilter, external storage.Tx) ([][]string, error) {
	for _, f := range filters {
		if err := f.Validate(); err != nil {
			return nil, err
		}
	}
	st, release, err := s.db.resolve(external)
	if err != nil {
		return nil, err
	}
	defer release()

	var out [][]string
	for _, f := range filters {
		for _, rule := range st.tuples[f.Ptype] {
			if matches(rule, f) {
				out = append(out, slices.Clone(rule))
			}
		}
	}
	return out, nil
}

// AddTuple inserts a tuple; inserting an already-present tuple is a no-op
func (s *TupleStore) AddTuple(_ context.Context, ptype string, rule []string, external storage.Tx) error {
	if err := s.db.hook("AddTuple", rule...); err != nil {
		return err
	}
	st, release, err := s.db.resolve(external)
	if err != nil {
		return err
	}
	defer release()

	for _, existing := range st.tuples[ptype] {
		if slices.Equal(existing, rule) {
			return nil
		}
	}
	st.tuples[ptype] = append(st.tuples[ptype], slices.Clone(rule))
	return nil
}

// AddTuples inserts a batch of tuples, de-duplicating on write
func (s *TupleStore) AddTuples(ctx context.Context, ptype string, rules [][]string, external storage.Tx) error {
	for _, rule := range rules {
		if err := s.AddTuple(ctx, ptype, rule, external); err != nil {
			return err
		}
	}
	return nil
}

// RemoveTuple deletes a tuple by full equality
func (s *TupleStore) RemoveTuple(_ context.Context, ptype string, rule []string, external storage.Tx) error {
	if err := s.db.hook("RemoveTuple", rule...); err != nil {
		return err
	}
	st, release, err := s.db.resolve(external)
	if err != nil {
		return err
	}
	defer release()

	st.tuples[ptype] = slices.DeleteFunc(st.tuples[ptype], func(existing []string) bool {
		return slices.Equal(existing, rule)
	})
	return nil
}

// RemoveTuples deletes a batch of tuples
func (s *TupleStore) RemoveTuples(ctx context.Context, ptype string, rules [][]string, external storage.Tx) error {
	for _, rule := range rules {
		if err := s.RemoveTuple(ctx, ptype, rule, external); err != nil {
			return err
		}
	}
	return nil
}

// MetadataStore implements storage.MetadataStore over the shared DB
type MetadataStore struct {
	db *DB
}

// NewMetadataStore creates a metadata store view over the database
func NewMetadataStore(db *DB) *MetadataStore {
	return &MetadataStore{db: db}
}

// FindRoleMetadata returns the role's record, or nil when absent
func (s *MetadataStore) FindRoleMetadata(_ context.Context, roleEntityRef string, external storage.Tx) (*types.RoleMetadata, error) {
	st, release, err := s.db.resolve(external)
	if err != nil {
		return nil, err
	}
	defer release()

	meta, ok := st.metadata[roleEntityRef]
	if !ok {
		return nil, nil
	}
	copied := meta
	return &copied, nil
}

// CreateRoleMetadata inserts a fresh role record
func (s *MetadataStore) CreateRoleMetadata(_ context.Context, meta *types.RoleMetadata, external storage.Tx) error {
	if err := s.db.hook("CreateRoleMetadata", meta.RoleEntityRef); err != nil {
		return err
	}
	st, release, err := s.db.resolve(external)
	if err != nil {
		return err
	}
	defer release()

	if _, ok := st.metadata[meta.RoleEntityRef]; ok {
		return fmt.Errorf("role metadata already exists for %s", meta.RoleEntityRef)
	}
	st.metadata[meta.RoleEntityRef] = *meta
	return nil
}

// UpdateRoleMetadata replaces an existing role record
func (s *MetadataStore) UpdateRoleMetadata(_ context.Context, meta *types.RoleMetadata, roleEntityRef string, external storage.Tx) error {
	if err := s.db.hook("UpdateRoleMetadata", roleEntityRef); err != nil {
		return err
	}
	st, release, err := s.db.resolve(external)
	if err != nil {
		return err
	}
	defer release()

	if _, ok := st.metadata[roleEntityRef]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrRoleMetadataNotFound, roleEntityRef)
	}
	delete(st.metadata, roleEntityRef)
	st.metadata[meta.RoleEntityRef] = *meta
	return nil
}

// RemoveRoleMetadata deletes a role record
func (s *MetadataStore) RemoveRoleMetadata(_ context.Context, roleEntityRef string, external storage.Tx) error {
	if err := s.db.hook("RemoveRoleMetadata", roleEntityRef); err != nil {
		return err
	}
	st, release, err := s.db.resolve(external)
	if err != nil {
		return err
	}
	defer release()

	if _, ok := st.metadata[roleEntityRef]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrRoleMetadataNotFound, roleEntityRef)
	}
	delete(st.metadata, roleEntityRef)
	return nil
}
