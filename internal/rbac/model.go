package rbac

import (
	"fmt"

	"github.com/casbin/casbin/v2/model"
	"github.com/casbin/casbin/v2/persist"

	"github.com/authz-engine/rbac-core/internal/storage"
)

// modelText is the RBAC rule model: a request is allowed when some policy
// rule matches the resource and action for the subject itself or for a
// role the subject holds through the grouping graph.
const modelText = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// newModelWithRules builds a fresh rule model populated with the given
// permission rules. Grouping rules are never loaded into it; role
// resolution goes through the shared role graph instead.
func newModelWithRules(rules [][]string) (model.Model, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule model: %w", err)
	}
	for _, rule := range rules {
		line := make([]string, 0, len(rule)+1)
		line = append(line, storage.PolicyTypePermission)
		line = append(line, rule...)
		persist.LoadPolicyArray(line, m)
	}
	return m, nil
}
