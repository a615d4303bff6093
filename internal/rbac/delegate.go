// Package rbac provides the policy/role delegate: the single point of
// truth for reading, mutating, and evaluating policy and grouping state
// with transactional and filtering guarantees.
package rbac

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/authz-engine/rbac-core/internal/storage"
	"github.com/authz-engine/rbac-core/pkg/types"
)

// Metrics receives delegate instrumentation. Implementations must be safe
// for concurrent use.
type Metrics interface {
	RecordEnforce(allowed bool, loadedRows int, duration time.Duration)
	RecordMutation(operation string)
	RecordError(operation string)
	SetRoleCount(n int)
	AddRoleCount(delta int)
}

// Config configures the enforcer delegate
type Config struct {
	// AdminRole is the distinguished role whose metadata record is exempt
	// from deletion-on-empty.
	AdminRole string
}

// DefaultConfig returns a default delegate configuration
func DefaultConfig() Config {
	return Config{
		AdminRole: types.AdminRoleName,
	}
}

// EnforcerDelegate orchestrates the tuple store, the role metadata store,
// and the shared role graph behind atomic, filterable policy operations
// and a point-evaluation entry point.
//
// Every mutating operation accepts an optional externally supplied
// transaction. A nil transaction is opened and owned by the call: it is
// committed on success and rolled back on any failure. A caller-supplied
// transaction is never committed or rolled back here; its lifecycle
// belongs to whoever opened it.
type EnforcerDelegate struct {
	tuples   storage.TupleStore
	meta     storage.MetadataStore
	txp      storage.TxProvider
	graph    RoleGraph
	notifier *Notifier
	logger   *zap.Logger
	metrics  Metrics
	config   Config

	now func() time.Time
}

// New creates an enforcer delegate over the given stores and role graph.
// The role graph is shared, not owned; metrics may be nil.
func New(cfg Config, tuples storage.TupleStore, meta storage.MetadataStore, txp storage.TxProvider, graph RoleGraph, notifier *Notifier, logger *zap.Logger, metrics Metrics) *EnforcerDelegate {
	if cfg.AdminRole == "" {
		cfg.AdminRole = types.AdminRoleName
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewNotifier()
	}
	return &EnforcerDelegate{
		tuples:   tuples,
		meta:     meta,
		txp:      txp,
		graph:    graph,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Notifier returns the delegate's role event notifier for subscription.
func (d *EnforcerDelegate) Notifier() *Notifier {
	return d.notifier
}

// withTx runs fn inside the given transaction, or inside a freshly opened
// one when external is nil. An owned transaction is committed on success
// and rolled back on failure; fn's error is always propagated unchanged.
func (d *EnforcerDelegate) withTx(ctx context.Context, external storage.Tx, fn func(tx storage.Tx) error) error {
	tx := external
	owned := external == nil
	if owned {
		var err error
		tx, err = d.txp.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
	}
	if err := fn(tx); err != nil {
		if owned {
			if rbErr := tx.Rollback(); rbErr != nil {
				d.logger.Error("Transaction rollback failed", zap.Error(rbErr))
			}
		}
		return err
	}
	if owned {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
	}
	return nil
}

// HasPolicy reports whether the exact permission tuple is stored. The
// check runs against a server-side-filtered load, never the full set.
func (d *EnforcerDelegate) HasPolicy(ctx context.Context, policy ...string) (bool, error) {
	return d.hasTuple(ctx, storage.PolicyTypePermission, policy, nil)
}

// HasGroupingPolicy reports whether the exact grouping tuple is stored.
func (d *EnforcerDelegate) HasGroupingPolicy(ctx context.Context, policy ...string) (bool, error) {
	return d.hasTuple(ctx, storage.PolicyTypeGrouping, policy, nil)
}

func (d *EnforcerDelegate) hasTuple(ctx context.Context, ptype string, rule []string, tx storage.Tx) (bool, error) {
	filter, err := matchExact(ptype, rule)
	if err != nil {
		return false, err
	}
	rows, err := d.tuples.QueryFiltered(ctx, []storage.TupleFilter{filter}, tx)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if slices.Equal(row, rule) {
			return true, nil
		}
	}
	return false, nil
}

// GetPolicy returns all stored permission tuples.
func (d *EnforcerDelegate) GetPolicy(ctx context.Context) ([][]string, error) {
	return d.tuples.QueryFiltered(ctx, []storage.TupleFilter{{Ptype: storage.PolicyTypePermission}}, nil)
}

// GetGroupingPolicy returns all stored grouping tuples.
func (d *EnforcerDelegate) GetGroupingPolicy(ctx context.Context) ([][]string, error) {
	return d.tuples.QueryFiltered(ctx, []storage.TupleFilter{{Ptype: storage.PolicyTypeGrouping}}, nil)
}

// GetFilteredPolicy returns the permission tuples whose fields starting at
// fieldIndex equal the given values.
func (d *EnforcerDelegate) GetFilteredPolicy(ctx context.Context, fieldIndex int, values ...string) ([][]string, error) {
	filter, err := matchFrom(storage.PolicyTypePermission, fieldIndex, values...)
	if err != nil {
		return nil, err
	}
	return d.tuples.QueryFiltered(ctx, []storage.TupleFilter{filter}, nil)
}

// GetFilteredGroupingPolicy returns the grouping tuples whose fields
// starting at fieldIndex equal the given values.
func (d *EnforcerDelegate) GetFilteredGroupingPolicy(ctx context.Context, fieldIndex int, values ...string) ([][]string, error) {
	filter, err := matchFrom(storage.PolicyTypeGrouping, fieldIndex, values...)
	if err != nil {
		return nil, err
	}
	return d.tuples.QueryFiltered(ctx, []storage.TupleFilter{filter}, nil)
}

// AddPolicy stores a permission tuple. Adding an already-present tuple is
// a silent no-op.
func (d *EnforcerDelegate) AddPolicy(ctx context.Context, policy []string, tx storage.Tx) error {
	ok, err := d.HasPolicy(ctx, policy...)
	if err != nil {
		return d.fail("add_policy", err)
	}
	if ok {
		return nil
	}
	err = d.withTx(ctx, tx, func(tx storage.Tx) error {
		return d.tuples.AddTuple(ctx, storage.PolicyTypePermission, policy, tx)
	})
	if err != nil {
		return d.fail("add_policy", err)
	}
	d.record("add_policy")
	return nil
}

// AddPolicies stores a batch of permission tuples atomically. Duplicates
// round-trip through the store, which de-duplicates on write.
func (d *EnforcerDelegate) AddPolicies(ctx context.Context, policies [][]string, tx storage.Tx) error {
	if len(policies) == 0 {
		return nil
	}
	err := d.withTx(ctx, tx, func(tx storage.Tx) error {
		return d.tuples.AddTuples(ctx, storage.PolicyTypePermission, policies, tx)
	})
	if err != nil {
		return d.fail("add_policies", err)
	}
	d.record("add_policies")
	return nil
}

// RemovePolicy removes a permission tuple.
func (d *EnforcerDelegate) RemovePolicy(ctx context.Context, policy []string, tx storage.Tx) error {
	err := d.withTx(ctx, tx, func(tx storage.Tx) error {
		return d.tuples.RemoveTuple(ctx, storage.PolicyTypePermission, policy, tx)
	})
	if err != nil {
		return d.fail("remove_policy", err)
	}
	d.record("remove_policy")
	return nil
}

// RemovePolicies removes a batch of permission tuples atomically.
func (d *EnforcerDelegate) RemovePolicies(ctx context.Context, policies [][]string, tx storage.Tx) error {
	if len(policies) == 0 {
		return nil
	}
	err := d.withTx(ctx, tx, func(tx storage.Tx) error {
		return d.tuples.RemoveTuples(ctx, storage.PolicyTypePermission, policies, tx)
	})
	if err != nil {
		return d.fail("remove_policies", err)
	}
	d.record("remove_policies")
	return nil
}

// UpdatePolicies atomically replaces oldPolicies with newPolicies: either
// exactly the new set is present after the call, or on failure the
// pre-call state is fully intact.
func (d *EnforcerDelegate) UpdatePolicies(ctx context.Context, oldPolicies, newPolicies [][]string, tx storage.Tx) error {
	err := d.withTx(ctx, tx, func(tx storage.Tx) error {
		if err := d.tuples.RemoveTuples(ctx, storage.PolicyTypePermission, oldPolicies, tx); err != nil {
			return err
		}
		return d.tuples.AddTuples(ctx, storage.PolicyTypePermission, newPolicies, tx)
	})
	if err != nil {
		return d.fail("update_policies", err)
	}
	d.record("update_policies")
	return nil
}

// AddGroupingPolicy stores a membership tuple [member, role], maintains
// the role graph edge, and creates or merges the role's metadata record.
// A newly created role emits a role-added event after commit.
func (d *EnforcerDelegate) AddGroupingPolicy(ctx context.Context, policy []string, roleMeta types.RoleMetadata, tx storage.Tx) error {
	if err := validateGroupingPolicy(policy); err != nil {
		return d.fail("add_grouping_policy", err)
	}
	ok, err := d.HasGroupingPolicy(ctx, policy...)
	if err != nil {
		return d.fail("add_grouping_policy", err)
	}
	if ok {
		return nil
	}

	var created bool
	err = d.withTx(ctx, tx, func(tx storage.Tx) error {
		created, err = d.mergeOrCreateMetadata(ctx, roleMeta, tx)
		if err != nil {
			return err
		}
		if err := d.tuples.AddTuple(ctx, storage.PolicyTypeGrouping, policy, tx); err != nil {
			return err
		}
		return d.graph.AddLink(policy[0], policy[1])
	})
	if err != nil {
		return d.fail("add_grouping_policy", err)
	}
	d.record("add_grouping_policy")
	if created {
		d.roleCountAdd(1)
		d.emitRoleAdded(roleMeta.RoleEntityRef)
	}
	return nil
}

// AddGroupingPolicies stores a batch of membership tuples that share a
// common target role. The metadata merge or create happens once per call;
// tuple and edge writes happen per tuple.
func (d *EnforcerDelegate) AddGroupingPolicies(ctx context.Context, policies [][]string, roleMeta types.RoleMetadata, tx storage.Tx) error {
	if len(policies) == 0 {
		return nil
	}
	if err := validateGroupingPolicies(policies); err != nil {
		return d.fail("add_grouping_policies", err)
	}
	var created bool
	err := d.withTx(ctx, tx, func(tx storage.Tx) error {
		var err error
		created, err = d.mergeOrCreateMetadata(ctx, roleMeta, tx)
		if err != nil {
			return err
		}
		if err := d.tuples.AddTuples(ctx, storage.PolicyTypeGrouping, policies, tx); err != nil {
			return err
		}
		for _, policy := range policies {
			if err := d.graph.AddLink(policy[0], policy[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return d.fail("add_grouping_policies", err)
	}
	d.record("add_grouping_policies")
	if created {
		d.roleCountAdd(1)
		d.emitRoleAdded(roleMeta.RoleEntityRef)
	}
	return nil
}

// RemoveGroupingPolicy removes a membership tuple and its role graph edge.
// Unless isUpdate marks the removal as one phase of a replace, the role's
// metadata record is deleted when no grouping tuples reference the role
// anymore, or merge-updated otherwise. The administrative role's record is
// never deleted.
func (d *EnforcerDelegate) RemoveGroupingPolicy(ctx context.Context, policy []string, roleMeta types.RoleMetadata, isUpdate bool, tx storage.Tx) error {
	if err := validateGroupingPolicy(policy); err != nil {
		return d.fail("remove_grouping_policy", err)
	}
	var removed bool
	err := d.withTx(ctx, tx, func(tx storage.Tx) error {
		if err := d.tuples.RemoveTuple(ctx, storage.PolicyTypeGrouping, policy, tx); err != nil {
			return err
		}
		if err := d.graph.DeleteLink(policy[0], policy[1]); err != nil {
			return err
		}
		if isUpdate {
			return nil
		}
		var err error
		removed, err = d.removeOrUpdateMetadata(ctx, roleMeta, tx)
		return err
	})
	if err != nil {
		return d.fail("remove_grouping_policy", err)
	}
	d.record("remove_grouping_policy")
	if removed {
		d.roleCountAdd(-1)
	}
	return nil
}

// RemoveGroupingPolicies removes a batch of membership tuples sharing a
// common target role, with the same metadata lifecycle handling as the
// single-tuple variant.
func (d *EnforcerDelegate) RemoveGroupingPolicies(ctx context.Context, policies [][]string, roleMeta types.RoleMetadata, isUpdate bool, tx storage.Tx) error {
	if len(policies) == 0 {
		return nil
	}
	if err := validateGroupingPolicies(policies); err != nil {
		return d.fail("remove_grouping_policies", err)
	}
	var removed bool
	err := d.withTx(ctx, tx, func(tx storage.Tx) error {
		if err := d.tuples.RemoveTuples(ctx, storage.PolicyTypeGrouping, policies, tx); err != nil {
			return err
		}
		for _, policy := range policies {
			if err := d.graph.DeleteLink(policy[0], policy[1]); err != nil {
				return err
			}
		}
		if isUpdate {
			return nil
		}
		var err error
		removed, err = d.removeOrUpdateMetadata(ctx, roleMeta, tx)
		return err
	})
	if err != nil {
		return d.fail("remove_grouping_policies", err)
	}
	d.record("remove_grouping_policies")
	if removed {
		d.roleCountAdd(-1)
	}
	return nil
}

// UpdateGroupingPolicies atomically replaces oldPolicies with newPolicies
// for one role. The removal phase is flagged as part of an update so the
// role metadata is not deleted mid-replace.
func (d *EnforcerDelegate) UpdateGroupingPolicies(ctx context.Context, oldPolicies, newPolicies [][]string, roleMeta types.RoleMetadata, tx storage.Tx) error {
	if err := commonRole(oldPolicies); err != nil {
		return d.fail("update_grouping_policies", err)
	}
	if err := validateGroupingPolicies(newPolicies); err != nil {
		return d.fail("update_grouping_policies", err)
	}
	err := d.withTx(ctx, tx, func(tx storage.Tx) error {
		if err := d.removeGroupingInTx(ctx, oldPolicies, tx); err != nil {
			return err
		}
		return d.addGroupingInTx(ctx, newPolicies, roleMeta, tx)
	})
	if err != nil {
		return d.fail("update_grouping_policies", err)
	}
	d.record("update_grouping_policies")
	return nil
}

// removeGroupingInTx is the tuple+edge removal phase of a replace, run
// inside the caller's transaction with metadata left untouched.
func (d *EnforcerDelegate) removeGroupingInTx(ctx context.Context, policies [][]string, tx storage.Tx) error {
	if err := d.tuples.RemoveTuples(ctx, storage.PolicyTypeGrouping, policies, tx); err != nil {
		return err
	}
	for _, policy := range policies {
		if err := d.graph.DeleteLink(policy[0], policy[1]); err != nil {
			return err
		}
	}
	return nil
}

// addGroupingInTx is the add phase of a replace: metadata merge once, then
// tuple and edge writes per tuple.
func (d *EnforcerDelegate) addGroupingInTx(ctx context.Context, policies [][]string, roleMeta types.RoleMetadata, tx storage.Tx) error {
	if _, err := d.mergeOrCreateMetadata(ctx, roleMeta, tx); err != nil {
		return err
	}
	if err := d.tuples.AddTuples(ctx, storage.PolicyTypeGrouping, policies, tx); err != nil {
		return err
	}
	for _, policy := range policies {
		if err := d.graph.AddLink(policy[0], policy[1]); err != nil {
			return err
		}
	}
	return nil
}

// GetImplicitPermissionsForUser resolves the principal's role set through
// the role graph and unions the permission tuples granted to each role.
// Duplicate tuples are not collapsed; two roles granting the identical
// permission yield it twice.
func (d *EnforcerDelegate) GetImplicitPermissionsForUser(ctx context.Context, user string) ([][]string, error) {
	roles, err := d.graph.RolesFor(user)
	if err != nil {
		return nil, err
	}
	var permissions [][]string
	for _, role := range roles {
		rows, err := d.GetFilteredPolicy(ctx, 0, role)
		if err != nil {
			return nil, err
		}
		permissions = append(permissions, rows...)
	}
	return permissions, nil
}

// RebuildRoleGraph seeds the role graph from the stored grouping tuples
// and the role gauge from their distinct targets. Intended for startup;
// existing edges are re-added idempotently.
func (d *EnforcerDelegate) RebuildRoleGraph(ctx context.Context) error {
	rows, err := d.GetGroupingPolicy(ctx)
	if err != nil {
		return err
	}
	roles := make(map[string]struct{})
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		if err := d.graph.AddLink(row[0], row[1]); err != nil {
			return err
		}
		roles[row[1]] = struct{}{}
	}
	if d.metrics != nil {
		d.metrics.SetRoleCount(len(roles))
	}
	d.logger.Info("Role graph rebuilt from store",
		zap.Int("edges", len(rows)),
		zap.Int("roles", len(roles)),
	)
	return nil
}

// mergeOrCreateMetadata looks up the role's metadata inside the
// transaction and either merges the incoming record into it or creates a
// fresh one stamped with the current time. It reports whether a record was
// newly created.
func (d *EnforcerDelegate) mergeOrCreateMetadata(ctx context.Context, incoming types.RoleMetadata, tx storage.Tx) (bool, error) {
	current, err := d.meta.FindRoleMetadata(ctx, incoming.RoleEntityRef, tx)
	if err != nil {
		return false, err
	}
	now := d.now()
	if current != nil {
		merged := mergeRoleMetadata(*current, incoming, now)
		return false, d.meta.UpdateRoleMetadata(ctx, &merged, incoming.RoleEntityRef, tx)
	}
	incoming.CreatedAt = now
	incoming.LastModified = now
	if err := d.meta.CreateRoleMetadata(ctx, &incoming, tx); err != nil {
		return false, err
	}
	return true, nil
}

// removeOrUpdateMetadata deletes the role's metadata record when no
// grouping tuples reference the role anymore and the role is not the
// protected administrative role; otherwise the record is merge-updated.
// It reports whether the record was deleted.
func (d *EnforcerDelegate) removeOrUpdateMetadata(ctx context.Context, roleMeta types.RoleMetadata, tx storage.Tx) (bool, error) {
	ref := roleMeta.RoleEntityRef
	filter, err := matchFrom(storage.PolicyTypeGrouping, 1, ref)
	if err != nil {
		return false, err
	}
	remaining, err := d.tuples.QueryFiltered(ctx, []storage.TupleFilter{filter}, tx)
	if err != nil {
		return false, err
	}
	if len(remaining) == 0 && ref != d.config.AdminRole {
		current, err := d.meta.FindRoleMetadata(ctx, ref, tx)
		if err != nil {
			return false, err
		}
		if current == nil {
			return false, fmt.Errorf("%w: %s", storage.ErrRoleMetadataNotFound, ref)
		}
		d.logger.Debug("Removing orphaned role metadata", zap.String("role", ref))
		if err := d.meta.RemoveRoleMetadata(ctx, ref, tx); err != nil {
			return false, err
		}
		return true, nil
	}
	_, err = d.mergeOrCreateMetadata(ctx, roleMeta, tx)
	return false, err
}

// mergeRoleMetadata folds an incoming record into the current one:
// provenance and authorship survive from the current record, descriptive
// fields take the incoming values when present, and lastModified is
// refreshed. A legacy source is upgraded to the incoming source.
func mergeRoleMetadata(current, incoming types.RoleMetadata, now time.Time) types.RoleMetadata {
	merged := current
	merged.ModifiedBy = incoming.ModifiedBy
	if incoming.Description != "" {
		merged.Description = incoming.Description
	}
	if current.Source == types.SourceLegacy && incoming.Source != "" {
		merged.Source = incoming.Source
	}
	merged.LastModified = now
	return merged
}

// validateGroupingPolicy rejects grouping rows missing the member or role
// field rather than letting them panic on indexing.
func validateGroupingPolicy(policy []string) error {
	if len(policy) < 2 {
		return fmt.Errorf("grouping policy %v must have member and role fields", policy)
	}
	return nil
}

func validateGroupingPolicies(policies [][]string) error {
	for _, policy := range policies {
		if err := validateGroupingPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}

// commonRole verifies a non-empty grouping set whose rows all target the
// same role, the precondition for deriving a replace's role identity from
// its first row.
func commonRole(policies [][]string) error {
	if len(policies) == 0 {
		return fmt.Errorf("cannot derive role from an empty grouping policy set")
	}
	if err := validateGroupingPolicies(policies); err != nil {
		return err
	}
	role := policies[0][1]
	for _, policy := range policies[1:] {
		if policy[1] != role {
			return fmt.Errorf("grouping policy set is heterogeneous: got roles %q and %q", role, policy[1])
		}
	}
	return nil
}

func (d *EnforcerDelegate) emitRoleAdded(refs ...string) {
	d.logger.Info("Role created", zap.Strings("roles", refs))
	d.notifier.Publish(Event{
		Type:           EventRoleAdded,
		Timestamp:      d.now(),
		RoleEntityRefs: refs,
	})
}

func (d *EnforcerDelegate) roleCountAdd(delta int) {
	if d.metrics != nil {
		d.metrics.AddRoleCount(delta)
	}
}

func (d *EnforcerDelegate) record(operation string) {
	if d.metrics != nil {
		d.metrics.RecordMutation(operation)
	}
}

func (d *EnforcerDelegate) fail(operation string, err error) error {
	if d.metrics != nil {
		d.metrics.RecordError(operation)
	}
	return err
}
