package rbac

import (
	"fmt"
	"sync"

	"github.com/casbin/casbin/v2/rbac"
	defaultrolemanager "github.com/casbin/casbin/v2/rbac/default-role-manager"
)

// defaultMaxHierarchyLevel bounds transitive role chains in the underlying
// role manager.
const defaultMaxHierarchyLevel = 10

// RoleGraph maintains the directed membership edges between principals and
// roles and resolves transitive role membership. It is shared between the
// delegate and every ephemeral evaluation context; the evaluation side only
// reads from it.
type RoleGraph interface {
	AddLink(member, role string) error
	DeleteLink(member, role string) error
	HasLink(member, role string) (bool, error)
	// RolesFor resolves the full transitive role set of a principal.
	RolesFor(principal string) ([]string, error)
	// Rebuild re-derives the underlying manager state from the known edge
	// set. It is a no-op unless an edge mutation happened since the last
	// rebuild.
	Rebuild() error
	// Manager exposes the underlying role manager for attaching to an
	// evaluation context.
	Manager() rbac.RoleManager
}

type edge struct {
	member string
	role   string
}

type roleGraph struct {
	mu    sync.Mutex
	rm    rbac.RoleManager
	edges map[edge]struct{}
	dirty bool
}

// NewRoleGraph creates an empty role graph backed by the default role
// manager.
func NewRoleGraph() RoleGraph {
	return &roleGraph{
		rm:    defaultrolemanager.NewRoleManager(defaultMaxHierarchyLevel),
		edges: make(map[edge]struct{}),
	}
}

func (g *roleGraph) AddLink(member, role string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.rm.AddLink(member, role); err != nil {
		return fmt.Errorf("failed to add role link %s -> %s: %w", member, role, err)
	}
	g.edges[edge{member, role}] = struct{}{}
	g.dirty = true
	return nil
}

func (g *roleGraph) DeleteLink(member, role string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.rm.DeleteLink(member, role); err != nil {
		return fmt.Errorf("failed to delete role link %s -> %s: %w", member, role, err)
	}
	delete(g.edges, edge{member, role})
	g.dirty = true
	return nil
}

func (g *roleGraph) HasLink(member, role string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rm.HasLink(member, role)
}

func (g *roleGraph) RolesFor(principal string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Breadth-first walk: GetRoles is a single hop, but a principal holds
	// roles transitively through membership chains.
	seen := map[string]struct{}{principal: {}}
	queue := []string{principal}
	var roles []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		next, err := g.rm.GetRoles(current)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve roles for %s: %w", current, err)
		}
		for _, role := range next {
			if _, ok := seen[role]; ok {
				continue
			}
			seen[role] = struct{}{}
			roles = append(roles, role)
			queue = append(queue, role)
		}
	}
	return roles, nil
}

func (g *roleGraph) Rebuild() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.dirty {
		return nil
	}
	if err := g.rm.Clear(); err != nil {
		return fmt.Errorf("failed to clear role manager: %w", err)
	}
	for e := range g.edges {
		if err := g.rm.AddLink(e.member, e.role); err != nil {
			return fmt.Errorf("failed to rebuild role link %s -> %s: %w", e.member, e.role, err)
		}
	}
	g.dirty = false
	return nil
}

func (g *roleGraph) Manager() rbac.RoleManager {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rm
}
