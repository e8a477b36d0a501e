package rbac

import (
	"errors"
	"strings"
)

const (
	// Wildcard grants every permission.
	Wildcard = "*"
	sep      = ":"
)

// ErrInvalidPermission is returned for strings that are not "*", "verb:*" or
// "verb:resource".
var ErrInvalidPermission = errors.New("rbac: invalid permission")

// Permission is a parsed "verb:resource" string.
type Permission struct {
	Verb     string
	Resource string
}

// String renders the permission in its canonical form.
func (p Permission) String() string {
	if p.Verb == Wildcard {
		return Wildcard
	}
	return p.Verb + sep + p.Resource
}

// IsWildcard reports whether p is the global "*".
func (p Permission) IsWildcard() bool {
	return p.Verb == Wildcard
}

// AnyResource reports whether p is a "verb:*" grant.
func (p Permission) AnyResource() bool {
	return p.Verb != Wildcard && p.Resource == Wildcard
}

// Parse validates s. Verbs and resources are non-empty and contain no
// whitespace; only the resource may be "*".
func Parse(s string) (Permission, error) {
	if s == Wildcard {
		return Permission{Verb: Wildcard}, nil
	}
	verb, resource, ok := strings.Cut(s, sep)
	if !ok || verb == "" || resource == "" {
		return Permission{}, ErrInvalidPermission
	}
	if verb == Wildcard || strings.ContainsAny(verb, " \t\n*") {
		return Permission{}, ErrInvalidPermission
	}
	if strings.ContainsAny(resource, " \t\n") {
		return Permission{}, ErrInvalidPermission
	}
	if resource != Wildcard && strings.Contains(resource, Wildcard) {
		return Permission{}, ErrInvalidPermission
	}
	return Permission{Verb: verb, Resource: resource}, nil
}

// grant is the precomputed expansion of a permission set.
type grant struct {
	all   bool
	verbs map[string]struct{}
	exact map[string]struct{}
}

func newGrant() *grant {
	return &grant{
		verbs: make(map[string]struct{}),
		exact: make(map[string]struct{}),
	}
}

func (g *grant) add(p Permission) {
	switch {
	case p.IsWildcard():
		g.all = true
	case p.AnyResource():
		g.verbs[p.Verb] = struct{}{}
	default:
		g.exact[p.String()] = struct{}{}
	}
}

func (g *grant) merge(o *grant) {
	if o.all {
		g.all = true
	}
	for v := range o.verbs {
		g.verbs[v] = struct{}{}
	}
	for e := range o.exact {
		g.exact[e] = struct{}{}
	}
}

func (g *grant) allows(p Permission) bool {
	if g.all {
		return true
	}
	if p.IsWildcard() {
		return false
	}
	if _, ok := g.verbs[p.Verb]; ok {
		return true
	}
	if p.AnyResource() {
		return false
	}
	_, ok := g.exact[p.String()]
	return ok
}

func (g *grant) list() []string {
	if g.all {
		return []string{Wildcard}
	}
	out := make([]string, 0, len(g.verbs)+len(g.exact))
	for v := range g.verbs {
		out = append(out, v+sep+Wildcard)
	}
	for e := range g.exact {
		verb, _, _ := strings.Cut(e, sep)
		if _, covered := g.verbs[verb]; covered {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Match reports whether any of granted satisfies permission. Invalid entries
// in granted are ignored; an invalid permission is never satisfied.
func Match(granted []string, permission string) bool {
	want, err := Parse(permission)
	if err != nil {
		return false
	}
	g := newGrant()
	for _, s := range granted {
		p, err := Parse(s)
		if err != nil {
			continue
		}
		g.add(p)
	}
	return g.allows(want)
}
