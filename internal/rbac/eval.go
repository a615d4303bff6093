package rbac

import (
	"context"
	"time"

	"github.com/casbin/casbin/v2"

	"github.com/authz-engine/rbac-core/internal/storage"
	"github.com/authz-engine/rbac-core/pkg/types"
)

// Enforce decides whether subject may perform action on resourceType. The
// decision runs against an ephemeral evaluation context built from a
// server-side-filtered tuple subset, never against the full policy set.
//
// When roles is non-empty, one filter per role matches (role,
// resourceType, action) on fields 0-2. When roles is empty, a single
// filter matches (resourceType, action) on fields 1-2 and the loaded
// subset is narrowed to tuples whose subject is a directly-identified
// principal; role-granted permissions must not leak into a check that was
// given no resolved roles.
func (d *EnforcerDelegate) Enforce(ctx context.Context, subject, resourceType, action string, roles []string) (bool, error) {
	start := d.now()

	filters, err := enforceFilters(subject, resourceType, action, roles)
	if err != nil {
		return false, err
	}
	rules, err := d.tuples.QueryFiltered(ctx, filters, nil)
	if err != nil {
		return false, err
	}
	if len(roles) == 0 {
		rules = directPrincipalRules(rules)
	}

	evalCtx, err := d.newEvalContext(rules)
	if err != nil {
		return false, err
	}
	allowed, err := evalCtx.decide(subject, resourceType, action)
	if err != nil {
		return false, err
	}
	if d.metrics != nil {
		d.metrics.RecordEnforce(allowed, len(rules), time.Since(start))
	}
	return allowed, nil
}

// enforceFilters builds the tuple filters for one enforce call.
func enforceFilters(subject, resourceType, action string, roles []string) ([]storage.TupleFilter, error) {
	if len(roles) == 0 {
		f, err := matchFrom(storage.PolicyTypePermission, 1, resourceType, action)
		if err != nil {
			return nil, err
		}
		return []storage.TupleFilter{f}, nil
	}
	filters := make([]storage.TupleFilter, 0, len(roles))
	for _, role := range roles {
		f, err := matchFrom(storage.PolicyTypePermission, 0, role, resourceType, action)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// directPrincipalRules retains only tuples whose subject is a user- or
// group-typed principal, discarding role-typed subjects.
func directPrincipalRules(rules [][]string) [][]string {
	var kept [][]string
	for _, rule := range rules {
		if len(rule) == 0 {
			continue
		}
		switch types.PrincipalKind(rule[0]) {
		case "user", "group":
			kept = append(kept, rule)
		}
	}
	return kept
}

// evalContext is a disposable evaluation instance: a minimal rule model
// evaluated purely in memory, plus a read-only reference to the shared
// role graph. Nothing survives past one decision.
type evalContext struct {
	enforcer *casbin.Enforcer
}

// newEvalContext builds a throwaway evaluation context over the given
// permission rules. The delegate's role graph is attached by reference so
// role-inheritance resolution matches the delegate's view; automatic link
// rebuilding is disabled and the graph is rebuilt on demand exactly once.
func (d *EnforcerDelegate) newEvalContext(rules [][]string) (*evalContext, error) {
	m, err := newModelWithRules(rules)
	if err != nil {
		return nil, err
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	// The matcher's g() binds to the grouping assertion's role manager,
	// which casbin only attaches during BuildRoleLinks. That call would
	// Clear() the shared graph, so the manager is attached here directly,
	// after NewEnforcer so initRmMap cannot overwrite it.
	m["g"]["g"].RM = d.graph.Manager()
	e.SetRoleManager(d.graph.Manager())
	e.EnableAutoBuildRoleLinks(false)
	if err := d.graph.Rebuild(); err != nil {
		return nil, err
	}
	return &evalContext{enforcer: e}, nil
}

func (c *evalContext) decide(subject, resourceType, action string) (bool, error) {
	return c.enforcer.Enforce(subject, resourceType, action)
}
