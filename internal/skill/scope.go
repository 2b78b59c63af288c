package skill

import (
	"fmt"
	"sort"
)

// Kind is the breadth of a scope assignment.
type Kind string

const (
	KindGlobal Kind = "global"
	KindBase   Kind = "base"
	KindAgent  Kind = "agent"
)

// ParseKind converts a wire value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindGlobal, KindBase, KindAgent:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScopeKind, s)
}

// Specificity orders kinds from broadest (1) to most specific (3).
func (k Kind) Specificity() int {
	switch k {
	case KindGlobal:
		return 1
	case KindBase:
		return 2
	case KindAgent:
		return 3
	}
	return 0
}

// ValidateRef enforces that global scopes carry no ref and the others do.
func ValidateRef(kind Kind, ref string) error {
	switch kind {
	case KindGlobal:
		if ref != "" {
			return fmt.Errorf("%w: global scope takes no ref, got %q", ErrInvalidScopeRef, ref)
		}
	case KindBase, KindAgent:
		if ref == "" {
			return fmt.Errorf("%w: %s scope requires a ref", ErrInvalidScopeRef, kind)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidScopeKind, string(kind))
	}
	return nil
}

// ScopeRef names one scope on a resolution path.
type ScopeRef struct {
	Kind Kind   `json:"scope_kind"`
	Ref  string `json:"scope_ref,omitempty"`
}

// Path is the scope chain of a run: global, then its base, then its agent.
type Path struct {
	BaseID  string `json:"base_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
}

// Refs returns the scopes on the path from broadest to most specific.
// Empty base or agent IDs are omitted.
func (p Path) Refs() []ScopeRef {
	refs := []ScopeRef{{Kind: KindGlobal}}
	if p.BaseID != "" {
		refs = append(refs, ScopeRef{Kind: KindBase, Ref: p.BaseID})
	}
	if p.AgentID != "" {
		refs = append(refs, ScopeRef{Kind: KindAgent, Ref: p.AgentID})
	}
	return refs
}

// AssignmentKey identifies one binding of a graph node to a scope.
type AssignmentKey struct {
	Kind    Kind   `json:"scope_kind"`
	Ref     string `json:"scope_ref,omitempty"`
	GraphID string `json:"graph_id"`
	NodeID  string `json:"node_id"`
}

// Assignment is an active scope binding.
type Assignment struct {
	AssignmentKey
	AssignedAtMs int64 `json:"assigned_at_ms"`
}

// AssignmentFilter narrows List. Zero fields match everything.
type AssignmentFilter struct {
	Kind Kind
	Ref  string
}

// Match reports whether a satisfies the filter.
func (f AssignmentFilter) Match(a Assignment) bool {
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	if f.Ref != "" && a.Ref != f.Ref {
		return false
	}
	return true
}

// SortAssignments orders assignments by (specificity, ref, graph, node).
func SortAssignments(as []Assignment) {
	sort.Slice(as, func(i, j int) bool {
		a, b := as[i], as[j]
		if a.Kind.Specificity() != b.Kind.Specificity() {
			return a.Kind.Specificity() < b.Kind.Specificity()
		}
		if a.Ref != b.Ref {
			return a.Ref < b.Ref
		}
		if a.GraphID != b.GraphID {
			return a.GraphID < b.GraphID
		}
		return a.NodeID < b.NodeID
	})
}

// Snapshot is a consistent read of the assignments on a path together with
// every graph they reference.
type Snapshot struct {
	Assignments []Assignment
	Graphs      map[string]*Graph
}
