package skill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AssignmentStore persists scope assignments.
// PutAssignment reports whether a new row was created; DeleteAssignment
// whether one was removed. Neither treats the no-op case as an error.
type AssignmentStore interface {
	NodeExists(ctx context.Context, graphID, nodeID string) (bool, error)
	PutAssignment(ctx context.Context, a Assignment) (bool, error)
	DeleteAssignment(ctx context.Context, key AssignmentKey) (bool, error)
	ListAssignments(ctx context.Context, f AssignmentFilter) ([]Assignment, error)
}

// Manager binds graph nodes to global, base and agent scopes.
// Assignments are additive: a broader binding stays visible at narrower scopes.
type Manager struct {
	store  AssignmentStore
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a Manager backed by store.
func NewManager(store AssignmentStore, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger, now: time.Now}
}

// Assign binds a node to a scope. Reassigning an active binding is a no-op and
// returns created=false.
func (m *Manager) Assign(ctx context.Context, key AssignmentKey) (*Assignment, bool, error) {
	if err := ValidateRef(key.Kind, key.Ref); err != nil {
		return nil, false, err
	}
	ok, err := m.store.NodeExists(ctx, key.GraphID, key.NodeID)
	if err != nil {
		return nil, false, fmt.Errorf("lookup node %s/%s: %w", key.GraphID, key.NodeID, err)
	}
	if !ok {
		return nil, false, fmt.Errorf("%w: %s/%s", ErrAssignmentNotFound, key.GraphID, key.NodeID)
	}

	a := Assignment{AssignmentKey: key, AssignedAtMs: m.now().UnixMilli()}
	created, err := m.store.PutAssignment(ctx, a)
	if err != nil {
		return nil, false, fmt.Errorf("assign %s/%s: %w", key.GraphID, key.NodeID, err)
	}
	if created {
		m.logger.Info("skill assigned",
			zap.String("scope", string(key.Kind)),
			zap.String("ref", key.Ref),
			zap.String("graph", key.GraphID),
			zap.String("node", key.NodeID))
	}
	return &a, created, nil
}

// Unassign removes a binding. Removing an absent binding is not an error.
func (m *Manager) Unassign(ctx context.Context, key AssignmentKey) (bool, error) {
	if err := ValidateRef(key.Kind, key.Ref); err != nil {
		return false, err
	}
	removed, err := m.store.DeleteAssignment(ctx, key)
	if err != nil {
		return false, fmt.Errorf("unassign %s/%s: %w", key.GraphID, key.NodeID, err)
	}
	if removed {
		m.logger.Info("skill unassigned",
			zap.String("scope", string(key.Kind)),
			zap.String("ref", key.Ref),
			zap.String("graph", key.GraphID),
			zap.String("node", key.NodeID))
	}
	return removed, nil
}

// List returns the bindings matching f in (specificity, ref, graph, node) order.
func (m *Manager) List(ctx context.Context, f AssignmentFilter) ([]Assignment, error) {
	if f.Kind != "" {
		if _, err := ParseKind(string(f.Kind)); err != nil {
			return nil, err
		}
	}
	out, err := m.store.ListAssignments(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	SortAssignments(out)
	return out, nil
}
