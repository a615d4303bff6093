package rbac

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/authz-engine/rbac-core/internal/storage"
	"github.com/authz-engine/rbac-core/internal/storage/memory"
	"github.com/authz-engine/rbac-core/pkg/types"
)

func newTestDelegate(t *testing.T) (*EnforcerDelegate, *memory.DB) {
	t.Helper()
	db := memory.NewDB()
	d := New(
		DefaultConfig(),
		memory.NewTupleStore(db),
		memory.NewMetadataStore(db),
		db,
		NewRoleGraph(),
		NewNotifier(),
		zap.NewNop(),
		nil,
	)
	return d, db
}

func testRoleMeta(role string) types.RoleMetadata {
	return types.RoleMetadata{
		RoleEntityRef: role,
		Source:        types.SourceRest,
		ModifiedBy:    "user:default/some-admin",
	}
}

func TestAddPolicyIdempotent(t *testing.T) {
	d, _ := newTestDelegate(t)
	ctx := context.Background()
	policy := []string{"user:default/alice", "catalog-entity", "read"}

	require.NoError(t, d.AddPolicy(ctx, policy, nil))
	require.NoError(t, d.AddPolicy(ctx, policy, nil))

	ok, err := d.HasPolicy(ctx, policy...)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := d.GetPolicy(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestAddGroupingPolicyIdempotent(t *testing.T) {
	d, _ := newTestDelegate(t)
	ctx := context.Background()
	policy := []string{"user:default/alice", "role:default/reader"}
	meta := testRoleMeta("role:default/reader")

	require.NoError(t, d.AddGroupingPolicy(ctx, policy, meta, nil))
	require.NoError(t, d.AddGroupingPolicy(ctx, policy, meta, nil))

	ok, err := d.HasGroupingPolicy(ctx, policy...)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := d.GetGroupingPolicy(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestPolicyRoundTrip(t *testing.T) {
	d, _ := newTestDelegate(t)
	ctx := context.Background()

	policies := [][]string{
		{"user:default/alice", "catalog-entity", "read"},
		{"role:default/reader", "catalog-entity", "read"},
		{"role:default/writer", "catalog-entity", "update"},
	}
	require.NoError(t, d.AddPolicies(ctx, policies, nil))

	stored, err := d.GetPolicy(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, policies, stored)
}

func TestGetFilteredPolicy(t *testing.T) {
	d, _ := newTestDelegate(t)
	ctx := context.Background()

	require.NoError(t, d.AddPolicies(ctx, [][]string{
		{"user:default/alice", "catalog-entity", "read"},
		{"user:default/bob", "catalog-entity", "delete"},
		{"role:default/reader", "scaffolder-template", "read"},
	}, nil))

	// Second field match, regardless of the other fields.
	filtered, err := d.GetFilteredPolicy(ctx, 1, "catalog-entity")
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]string{
		{"user:default/alice", "catalog-entity", "read"},
		{"user:default/bob", "catalog-entity", "delete"},
	}, filtered)

	filtered, err = d.GetFilteredPolicy(ctx, 2, "read")
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]string{
		{"user:default/alice", "catalog-entity", "read"},
		{"role:default/reader", "scaffolder-template", "read"},
	}, filtered)
}

func TestGetFilteredPolicyMalformedFilter(t *testing.T) {
	d, _ := newTestDelegate(t)
	ctx := context.Background()

	_, err := d.GetFilteredPolicy(ctx, storage.MaxTupleFields, "x")
	assert.ErrorIs(t, err, storage.ErrMalformedFilter)

	_, err = d.GetFilteredPolicy(ctx, -1, "x")
	assert.ErrorIs(t, err, storage.ErrMalformedFilter)

	_, err = d.GetFilteredPolicy(ctx, 5, "a", "b")
	assert.ErrorIs(t, err, storage.ErrMalformedFilter)

	_, err = d.GetFilteredPolicy(ctx, 0)
	assert.ErrorIs(t, err, storage.ErrMalformedFilter)
}

func TestMetadataLifecycle(t *testing.T) {
	d, db := newTestDelegate(t)
	ctx := context.Background()
	role := "role:default/reader"
	meta := testRoleMeta(role)

	require.NoError(t, d.AddGroupingPolicy(ctx, []string{"user:default/alice", role}, meta, nil))

	stored, err := memory.NewMetadataStore(db).FindRoleMetadata(ctx, role, nil)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.False(t, stored.CreatedAt.IsZero())
	assert.False(t, stored.LastModified.IsZero())
	assert.Equal(t, types.SourceRest, stored.Source)

	// A second member merges into the existing record.
	require.NoError(t, d.AddGroupingPolicy(ctx, []string{"user:default/bob", role}, meta, nil))
	merged, err := memory.NewMetadataStore(db).FindRoleMetadata(ctx, role, nil)
	require.NoError(t, err)
	require.NotNil(t, merged)
	assert.Equal(t, stored.CreatedAt, merged.CreatedAt)

	// Removing one member keeps the record.
	require.NoError(t, d.RemoveGroupingPolicy(ctx, []string{"user:default/bob", role}, meta, false, nil))
	remaining, err := memory.NewMetadataStore(db).FindRoleMetadata(ctx, role, nil)
	require.NoError(t, err)
	assert.NotNil(t, remaining)

	// Removing the last member deletes the record.
	require.NoError(t, d.RemoveGroupingPolicy(ctx, []string{"user:default/alice", role}, meta, false, nil))
	gone, err := memory.NewMetadataStore(db).FindRoleMetadata(ctx, role, nil)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestAdminRoleMetadataSurvivesLastRemoval(t *testing.T) {
	d, db := newTestDelegate(t)
	ctx := context.Background()
	meta := testRoleMeta(types.AdminRoleName)

	require.NoError(t, d.AddGroupingPolicy(ctx, []string{"user:default/alice", types.AdminRoleName}, meta, nil))
	require.NoError(t, d.RemoveGroupingPolicy(ctx, []string{"user:default/alice", types.AdminRoleName}, meta, false, nil))

	stored, err := memory.NewMetadataStore(db).FindRoleMetadata(ctx, types.AdminRoleName, nil)
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestRoleAddedNotificationFiresOnce(t *testing.T) {
	d, _ := newTestDelegate(t)
	ctx := context.Background()
	role := "role:default/reader"

	var events []Event
	d.Notifier().Subscribe(EventRoleAdded, func(event Event) {
		events = append(events, event)
	})

	policies := [][]string{
		{"user:default/alice", role},
		{"user:default/bob", role},
		{"user:default/carol", role},
	}
	require.NoError(t, d.AddGroupingPolicies(ctx, policies, testRoleMeta(role), nil))

	require.Len(t, events, 1)
	assert.Equal(t, []string{role}, events[0].RoleEntityRefs)

	// Adding another member to the now-known role emits nothing.
	require.NoError(t, d.AddGroupingPolicy(ctx, []string{"user:default/dave", role}, testRoleMeta(role), nil))
	assert.Len(t, events, 1)
}

func TestUpdatePoliciesAtomicReplace(t *testing.T) {
	d, _ := newTestDelegate(t)
	ctx := context.Background()

	oldPolicies := [][]string{
		{"role:default/reader", "catalog-entity", "read"},
		{"role:default/reader", "scaffolder-template", "read"},
	}
	newPolicies := [][]string{
		{"role:default/reader", "catalog-entity", "read"},
		{"role:default/reader", "catalog-entity", "refresh"},
	}
	require.NoError(t, d.AddPolicies(ctx, oldPolicies, nil))
	require.NoError(t, d.UpdatePolicies(ctx, oldPolicies, newPolicies, nil))

	stored, err := d.GetPolicy(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, newPolicies, stored)
}

func TestUpdatePoliciesRollbackOnFailure(t *testing.T) {
	d, db := newTestDelegate(t)
	ctx := context.Background()

	oldPolicies := [][]string{
		{"role:default/reader", "catalog-entity", "read"},
	}
	newPolicies := [][]string{
		{"role:default/reader", "catalog-entity", "refresh"},
	}
	require.NoError(t, d.AddPolicies(ctx, oldPolicies, nil))

	// Fail the add phase after the removal phase already ran.
	injected := fmt.Errorf("injected store failure")
	db.SetWriteHook(func(op string, args ...string) error {
		if op == "AddTuple" && args[2] == "refresh" {
			return injected
		}
		return nil
	})

	err := d.UpdatePolicies(ctx, oldPolicies, newPolicies, nil)
	require.ErrorIs(t, err, injected)

	// Pre-call state is fully intact.
	db.SetWriteHook(nil)
	stored, err := d.GetPolicy(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, oldPolicies, stored)
}

func TestUpdateGroupingPoliciesRollbackOnMetadataFailure(t *testing.T) {
	d, db := newTestDelegate(t)
	ctx := context.Background()
	role := "role:default/reader"
	meta := testRoleMeta(role)

	oldPolicies := [][]string{{"user:default/alice", role}}
	newPolicies := [][]string{{"user:default/bob", role}}
	require.NoError(t, d.AddGroupingPolicies(ctx, oldPolicies, meta, nil))

	injected := fmt.Errorf("injected metadata failure")
	db.SetWriteHook(func(op string, args ...string) error {
		if op == "UpdateRoleMetadata" {
			return injected
		}
		return nil
	})

	err := d.UpdateGroupingPolicies(ctx, oldPolicies, newPolicies, meta, nil)
	require.ErrorIs(t, err, injected)

	db.SetWriteHook(nil)
	stored, err := d.GetGroupingPolicy(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, oldPolicies, stored)
}

func TestUpdateGroupingPoliciesReplacesMembers(t *testing.T) {
	d, db := newTestDelegate(t)
	ctx := context.Background()
	role := "role:default/reader"
	meta := testRoleMeta(role)

	oldPolicies := [][]string{{"user:default/alice", role}}
	newPolicies := [][]string{
		{"user:default/bob", role},
		{"group:default/team-a", role},
	}
	require.NoError(t, d.AddGroupingPolicies(ctx, oldPolicies, meta, nil))
	require.NoError(t, d.UpdateGroupingPolicies(ctx, oldPolicies, newPolicies, meta, nil))

	stored, err := d.GetGroupingPolicy(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, newPolicies, stored)

	// Metadata survived the replace even though the removal phase briefly
	// left the role without members.
	kept, err := memory.NewMetadataStore(db).FindRoleMetadata(ctx, role, nil)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestUpdateGroupingPoliciesRejectsBadOldSet(t *testing.T) {
	d, _ := newTestDelegate(t)
	ctx := context.Background()
	meta := testRoleMeta("role:default/reader")

	err := d.UpdateGroupingPolicies(ctx, nil, [][]string{{"user:default/bob", "role:default/reader"}}, meta, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")

	heterogeneous := [][]string{
		{"user:default/alice", "role:default/reader"},
		{"user:default/bob", "role:default/writer"},
	}
	err = d.UpdateGroupingPolicies(ctx, heterogeneous, heterogeneous, meta, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heterogeneous")
}

func TestCallerSuppliedTransactionIsNotFinished(t *testing.T) {
	d, db := newTestDelegate(t)
	ctx := context.Background()
	policy := []string{"user:default/alice", "catalog-entity", "read"}

	tx, err := db.BeginTx(ctx)
	require.NoError(t, err)

	require.NoError(t, d.AddPolicy(ctx, policy, tx))

	// Not yet visible outside the caller's transaction.
	ok, err := d.HasPolicy(ctx, policy...)
	require.NoError(t, err)
	assert.False(t, ok)

	// The delegate left the transaction open; the caller commits it.
	require.NoError(t, tx.Commit())
	ok, err = d.HasPolicy(ctx, policy...)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoveGroupingPolicyMissingMetadata(t *testing.T) {
	d, db := newTestDelegate(t)
	ctx := context.Background()
	role := "role:default/reader"
	policy := []string{"user:default/alice", role}

	// Tuple present without a metadata record.
	require.NoError(t, memory.NewTupleStore(db).AddTuple(ctx, storage.PolicyTypeGrouping, policy, nil))
	require.NoError(t, d.graph.AddLink(policy[0], policy[1]))

	err := d.RemoveGroupingPolicy(ctx, policy, testRoleMeta(role), false, nil)
	assert.ErrorIs(t, err, storage.ErrRoleMetadataNotFound)
}

func TestGetImplicitPermissionsForUser(t *testing.T) {
	d, _ := newTestDelegate(t)
	ctx := context.Background()

	require.NoError(t, d.AddPolicies(ctx, [][]string{
		{"role:default/reader", "catalog-entity", "read"},
		{"role:default/writer", "catalog-entity", "update"},
		{"role:default/writer", "catalog-entity", "read"},
	}, nil))
	require.NoError(t, d.AddGroupingPolicy(ctx,
		[]string{"user:default/alice", "role:default/reader"}, testRoleMeta("role:default/reader"), nil))
	require.NoError(t, d.AddGroupingPolicy(ctx,
		[]string{"role:default/reader", "role:default/writer"}, testRoleMeta("role:default/writer"), nil))

	// Transitive: alice -> reader -> writer.
	permissions, err := d.GetImplicitPermissionsForUser(ctx, "user:default/alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]string{
		{"role:default/reader", "catalog-entity", "read"},
		{"role:default/writer", "catalog-entity", "update"},
		{"role:default/writer", "catalog-entity", "read"},
	}, permissions)
}

func TestRebuildRoleGraph(t *testing.T) {
	d, db := newTestDelegate(t)
	ctx := context.Background()

	// Tuples written out of band, as after a restart.
	store := memory.NewTupleStore(db)
	require.NoError(t, store.AddTuple(ctx, storage.PolicyTypeGrouping, []string{"user:default/alice", "role:default/reader"}, nil))
	require.NoError(t, store.AddTuple(ctx, storage.PolicyTypeGrouping, []string{"role:default/reader", "role:default/writer"}, nil))

	require.NoError(t, d.RebuildRoleGraph(ctx))

	roles, err := d.graph.RolesFor("user:default/alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"role:default/reader", "role:default/writer"}, roles)
}

// captureMetrics records delegate instrumentation for assertions.
type captureMetrics struct {
	roleCount int
	seeded    []int
}

func (m *captureMetrics) RecordEnforce(bool, int, time.Duration) {}
func (m *captureMetrics) RecordMutation(string)                  {}
func (m *captureMetrics) RecordError(string)                     {}

func (m *captureMetrics) SetRoleCount(n int) {
	m.roleCount = n
	m.seeded = append(m.seeded, n)
}

func (m *captureMetrics) AddRoleCount(delta int) {
	m.roleCount += delta
}

func newMeteredDelegate(t *testing.T) (*EnforcerDelegate, *captureMetrics) {
	t.Helper()
	db := memory.NewDB()
	metrics := &captureMetrics{}
	d := New(
		DefaultConfig(),
		memory.NewTupleStore(db),
		memory.NewMetadataStore(db),
		db,
		NewRoleGraph(),
		NewNotifier(),
		zap.NewNop(),
		metrics,
	)
	return d, metrics
}

func TestRoleCountTracksMetadataLifecycle(t *testing.T) {
	d, metrics := newMeteredDelegate(t)
	ctx := context.Background()
	role := "role:default/reader"

	require.NoError(t, d.AddGroupingPolicy(ctx,
		[]string{"user:default/alice", role}, testRoleMeta(role), nil))
	assert.Equal(t, 1, metrics.roleCount)

	// A second member of the same role merges metadata, no new role.
	require.NoError(t, d.AddGroupingPolicy(ctx,
		[]string{"user:default/bob", role}, testRoleMeta(role), nil))
	assert.Equal(t, 1, metrics.roleCount)

	// Removing one of two members keeps the record alive.
	require.NoError(t, d.RemoveGroupingPolicy(ctx,
		[]string{"user:default/bob", role}, testRoleMeta(role), false, nil))
	assert.Equal(t, 1, metrics.roleCount)

	// Removing the last member deletes the record.
	require.NoError(t, d.RemoveGroupingPolicy(ctx,
		[]string{"user:default/alice", role}, testRoleMeta(role), false, nil))
	assert.Equal(t, 0, metrics.roleCount)
}

func TestRoleCountPreservedForAdminRole(t *testing.T) {
	d, metrics := newMeteredDelegate(t)
	ctx := context.Background()
	admin := types.AdminRoleName

	require.NoError(t, d.AddGroupingPolicy(ctx,
		[]string{"user:default/alice", admin}, testRoleMeta(admin), nil))
	require.NoError(t, d.RemoveGroupingPolicy(ctx,
		[]string{"user:default/alice", admin}, testRoleMeta(admin), false, nil))

	// The administrative record survives, so the gauge does too.
	assert.Equal(t, 1, metrics.roleCount)
}

func TestRebuildRoleGraphSeedsRoleCount(t *testing.T) {
	d, metrics := newMeteredDelegate(t)
	ctx := context.Background()

	require.NoError(t, d.AddGroupingPolicies(ctx, [][]string{
		{"user:default/alice", "role:default/reader"},
		{"user:default/bob", "role:default/reader"},
	}, testRoleMeta("role:default/reader"), nil))
	require.NoError(t, d.AddGroupingPolicy(ctx,
		[]string{"user:default/carol", "role:default/writer"}, testRoleMeta("role:default/writer"), nil))

	require.NoError(t, d.RebuildRoleGraph(ctx))

	assert.Equal(t, []int{2}, metrics.seeded)
	assert.Equal(t, 2, metrics.roleCount)
}

func TestGroupingPolicyFieldValidation(t *testing.T) {
	d, _ := newTestDelegate(t)
	ctx := context.Background()
	meta := testRoleMeta("role:default/reader")
	short := []string{"user:default/alice"}

	assert.Error(t, d.AddGroupingPolicy(ctx, short, meta, nil))
	assert.Error(t, d.AddGroupingPolicies(ctx, [][]string{short}, meta, nil))
	assert.Error(t, d.RemoveGroupingPolicy(ctx, short, meta, false, nil))
	assert.Error(t, d.RemoveGroupingPolicies(ctx, [][]string{short}, meta, false, nil))
	assert.Error(t, d.UpdateGroupingPolicies(ctx, [][]string{short}, nil, meta, nil))
	assert.Error(t, d.UpdateGroupingPolicies(ctx,
		[][]string{{"user:default/alice", "role:default/reader"}},
		[][]string{short}, meta, nil))

	stored, err := d.GetGroupingPolicy(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
