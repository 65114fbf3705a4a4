package auth

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Compound permission operators.
const (
	SpecAnd = "and"
	SpecOr  = "or"
	// SpecAny skips the permission check entirely.
	SpecAny = "any"
)

// PermissionSpec is a command's permission requirement: a single permission,
// an and/or combination, or "any".
//
// In YAML it is written either as a scalar ("chat", "any") or as a sequence
// whose first element is the operator: [or, moderate, fetch].
type PermissionSpec struct {
	Op    string
	Perms []string
}

// Require is a spec for a single permission.
func Require(permission string) PermissionSpec {
	return PermissionSpec{Op: SpecAnd, Perms: []string{permission}}
}

// AllOf requires every permission.
func AllOf(perms ...string) PermissionSpec {
	return PermissionSpec{Op: SpecAnd, Perms: perms}
}

// AnyOf requires at least one permission.
func AnyOf(perms ...string) PermissionSpec {
	return PermissionSpec{Op: SpecOr, Perms: perms}
}

// Anyone is a spec that lets every caller through.
func Anyone() PermissionSpec {
	return PermissionSpec{Op: SpecAny}
}

// IsZero reports whether the spec was never set.
func (p PermissionSpec) IsZero() bool {
	return p.Op == "" && len(p.Perms) == 0
}

// Normalize fills defaults: an unset operator means "and", and an empty
// permission list means the baseline chat permission.
func (p PermissionSpec) Normalize() PermissionSpec {
	if p.Op == "" {
		p.Op = SpecAnd
	}
	p.Op = strings.ToLower(p.Op)
	if p.Op != SpecAny && len(p.Perms) == 0 {
		p.Perms = []string{PermChat}
	}
	return p
}

// String renders the spec for logs.
func (p PermissionSpec) String() string {
	n := p.Normalize()
	if n.Op == SpecAny {
		return SpecAny
	}
	if len(n.Perms) == 1 {
		return n.Perms[0]
	}
	return n.Op + "(" + strings.Join(n.Perms, ",") + ")"
}

// Validate checks the operator and that every permission is known.
func (p PermissionSpec) Validate(known []string) error {
	n := p.Normalize()
	switch n.Op {
	case SpecAnd, SpecOr, SpecAny:
	default:
		return fmt.Errorf("unknown permission operator %q", p.Op)
	}
	if known == nil {
		return nil
	}
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}
	for _, perm := range n.Perms {
		if !set[perm] {
			return fmt.Errorf("unknown permission %q", perm)
		}
	}
	return nil
}

// UnmarshalYAML accepts a scalar or an [op, perm...] sequence.
func (p *PermissionSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == SpecAny {
			*p = Anyone()
			return nil
		}
		*p = Require(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		if len(items) == 0 {
			*p = PermissionSpec{}
			return nil
		}
		*p = PermissionSpec{Op: items[0], Perms: items[1:]}
		return nil
	}
	return fmt.Errorf("line %d: permission must be a string or a list", node.Line)
}

// MarshalYAML writes the scalar form when possible.
func (p PermissionSpec) MarshalYAML() (any, error) {
	n := p.Normalize()
	if n.Op == SpecAny {
		return SpecAny, nil
	}
	if n.Op == SpecAnd && len(n.Perms) == 1 {
		return n.Perms[0], nil
	}
	return append([]string{n.Op}, n.Perms...), nil
}

// CanSpec evaluates a compound spec for the user in scope. An unrecognized
// operator denies and logs a warning.
func (a *Auth) CanSpec(ctx context.Context, userID, scopeID int64, spec PermissionSpec, opts ...CanOption) (bool, error) {
	n := spec.Normalize()
	switch n.Op {
	case SpecAny:
		return true, nil
	case SpecAnd:
		for _, perm := range n.Perms {
			ok, err := a.Can(ctx, userID, scopeID, perm, opts...)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case SpecOr:
		for _, perm := range n.Perms {
			ok, err := a.Can(ctx, userID, scopeID, perm, opts...)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		a.logger.Warn("unknown permission operator, denying", "op", spec.Op, "perms", spec.Perms)
		return false, nil
	}
}
