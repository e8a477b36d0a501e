// Package rbac resolves role sets to allow/deny decisions over "verb:resource"
// permissions. Role expansion (including inherited roles) is computed once
// per definition and held in an immutable snapshot; Reload swaps snapshots
// atomically, so Resolve never takes a lock.
package rbac

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
)

// Role defines the permissions a role grants directly and the roles whose
// permissions it inherits.
type Role struct {
	Permissions []string `json:"permissions" yaml:"permissions"`
	Inherits    []string `json:"inherits,omitempty" yaml:"inherits,omitempty"`
}

var (
	// ErrUnknownRole is returned when a role inherits from an undefined role.
	ErrUnknownRole = errors.New("rbac: unknown role")
	// ErrInheritanceCycle is returned when role inheritance loops.
	ErrInheritanceCycle = errors.New("rbac: inheritance cycle")
)

type snapshot struct {
	version uint64
	roles   map[string]*grant
}

// Resolver answers permission checks against the current role snapshot.
type Resolver struct {
	current atomic.Pointer[snapshot]
}

// New compiles defs into a Resolver.
func New(defs map[string]Role) (*Resolver, error) {
	snap, err := compile(defs, 1)
	if err != nil {
		return nil, err
	}
	r := &Resolver{}
	r.current.Store(snap)
	return r, nil
}

// FromPermissions builds a Resolver from flat role→permissions definitions.
func FromPermissions(defs map[string][]string) (*Resolver, error) {
	return New(flatten(defs))
}

func flatten(defs map[string][]string) map[string]Role {
	out := make(map[string]Role, len(defs))
	for name, perms := range defs {
		out[name] = Role{Permissions: perms}
	}
	return out
}

// Resolve reports whether any role in roles grants permission. Unknown roles
// grant nothing; a malformed permission is always denied.
func (r *Resolver) Resolve(roles []string, permission string) bool {
	want, err := Parse(permission)
	if err != nil {
		return false
	}
	snap := r.current.Load()
	for _, name := range roles {
		g, ok := snap.roles[name]
		if ok && g.allows(want) {
			return true
		}
	}
	return false
}

// Reload is the role-change signal: it compiles defs and, only if they are
// valid, replaces the active snapshot. In-flight Resolve calls finish against
// the snapshot they started with.
func (r *Resolver) Reload(defs map[string]Role) error {
	for {
		old := r.current.Load()
		next, err := compile(defs, old.version+1)
		if err != nil {
			return err
		}
		if r.current.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// Version increases by one on every successful Reload.
func (r *Resolver) Version() uint64 {
	return r.current.Load().version
}

// Expand returns the effective permissions of role in sorted order, with
// exact grants folded into covering "verb:*" grants.
func (r *Resolver) Expand(role string) []string {
	g, ok := r.current.Load().roles[role]
	if !ok {
		return nil
	}
	out := g.list()
	sort.Strings(out)
	return out
}

// Roles lists the defined role names in sorted order.
func (r *Resolver) Roles() []string {
	snap := r.current.Load()
	out := make([]string, 0, len(snap.roles))
	for name := range snap.roles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func compile(defs map[string]Role, version uint64) (*snapshot, error) {
	direct := make(map[string]*grant, len(defs))
	for name, role := range defs {
		if name == "" {
			return nil, errors.New("rbac: role name empty")
		}
		g := newGrant()
		for _, s := range role.Permissions {
			p, err := Parse(s)
			if err != nil {
				return nil, fmt.Errorf("%w: role %q permission %q", ErrInvalidPermission, name, s)
			}
			g.add(p)
		}
		direct[name] = g
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(defs))
	expanded := make(map[string]*grant, len(defs))

	var visit func(name string) (*grant, error)
	visit = func(name string) (*grant, error) {
		switch state[name] {
		case done:
			return expanded[name], nil
		case visiting:
			return nil, fmt.Errorf("%w at role %q", ErrInheritanceCycle, name)
		}
		role, ok := defs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRole, name)
		}
		state[name] = visiting

		g := newGrant()
		g.merge(direct[name])
		for _, parent := range role.Inherits {
			pg, err := visit(parent)
			if err != nil {
				return nil, err
			}
			g.merge(pg)
		}

		state[name] = done
		expanded[name] = g
		return g, nil
	}

	for name := range defs {
		if _, err := visit(name); err != nil {
			return nil, err
		}
	}
	return &snapshot{version: version, roles: expanded}, nil
}
