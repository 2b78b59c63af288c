package skill

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// memStore is an in-memory GraphStore and AssignmentStore for tests.
type memStore struct {
	mu          sync.Mutex
	graphs      map[string]*Graph
	assignments map[AssignmentKey]Assignment
	replaceErr  error
}

func newMemStore() *memStore {
	return &memStore{
		graphs:      make(map[string]*Graph),
		assignments: make(map[AssignmentKey]Assignment),
	}
}

func (s *memStore) ReplaceGraph(_ context.Context, g *Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.graphs[g.ID] = g
	return nil
}

func (s *memStore) ListGraphs(_ context.Context) ([]Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Summary
	for _, g := range s.graphs {
		out = append(out, g.Summary())
	}
	return out, nil
}

func (s *memStore) GetGraph(_ context.Context, graphID string) (*Graph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[graphID]
	if !ok {
		return nil, ErrGraphNotFound
	}
	return g, nil
}

func (s *memStore) NodeExists(_ context.Context, graphID, nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.graphs[graphID]
	return ok && g.HasNode(nodeID), nil
}

func (s *memStore) PutAssignment(_ context.Context, a Assignment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[a.AssignmentKey]; ok {
		return false, nil
	}
	s.assignments[a.AssignmentKey] = a
	return true, nil
}

func (s *memStore) DeleteAssignment(_ context.Context, key AssignmentKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assignments[key]; !ok {
		return false, nil
	}
	delete(s.assignments, key)
	return true, nil
}

func (s *memStore) ListAssignments(_ context.Context, f AssignmentFilter) ([]Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Assignment
	for _, a := range s.assignments {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func seededManager(t *testing.T) (*Manager, *memStore) {
	t.Helper()
	store := newMemStore()
	store.graphs["g1"] = &Graph{ID: "g1", PackName: "pack", Nodes: []Node{{ID: "a"}, {ID: "b"}}}
	return NewManager(store, zap.NewNop()), store
}

func TestManagerAssignIdempotent(t *testing.T) {
	mgr, store := seededManager(t)
	ctx := context.Background()
	key := AssignmentKey{Kind: KindAgent, Ref: "agent-1", GraphID: "g1", NodeID: "a"}

	_, created, err := mgr.Assign(ctx, key)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !created {
		t.Fatal("first assign should create")
	}
	_, created, err = mgr.Assign(ctx, key)
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if created {
		t.Fatal("reassign should be a no-op")
	}
	if len(store.assignments) != 1 {
		t.Fatalf("got %d assignments, want 1", len(store.assignments))
	}
}

func TestManagerAssignUnknownNode(t *testing.T) {
	mgr, _ := seededManager(t)
	ctx := context.Background()

	cases := []AssignmentKey{
		{Kind: KindGlobal, GraphID: "g1", NodeID: "missing"},
		{Kind: KindGlobal, GraphID: "nope", NodeID: "a"},
	}
	for _, key := range cases {
		if _, _, err := mgr.Assign(ctx, key); !errors.Is(err, ErrAssignmentNotFound) {
			t.Errorf("assign %+v: got %v, want ErrAssignmentNotFound", key, err)
		}
	}
}

func TestManagerScopeRefValidation(t *testing.T) {
	mgr, _ := seededManager(t)
	ctx := context.Background()

	cases := []struct {
		name string
		key  AssignmentKey
	}{
		{"global with ref", AssignmentKey{Kind: KindGlobal, Ref: "x", GraphID: "g1", NodeID: "a"}},
		{"base without ref", AssignmentKey{Kind: KindBase, GraphID: "g1", NodeID: "a"}},
		{"agent without ref", AssignmentKey{Kind: KindAgent, GraphID: "g1", NodeID: "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := mgr.Assign(ctx, tc.key); !errors.Is(err, ErrInvalidScopeRef) {
				t.Fatalf("assign: got %v, want ErrInvalidScopeRef", err)
			}
			if _, err := mgr.Unassign(ctx, tc.key); !errors.Is(err, ErrInvalidScopeRef) {
				t.Fatalf("unassign: got %v, want ErrInvalidScopeRef", err)
			}
		})
	}

	if _, _, err := mgr.Assign(ctx, AssignmentKey{Kind: "team", Ref: "x", GraphID: "g1", NodeID: "a"}); !errors.Is(err, ErrInvalidScopeKind) {
		t.Fatalf("unknown kind: got %v, want ErrInvalidScopeKind", err)
	}
}

func TestManagerUnassign(t *testing.T) {
	mgr, _ := seededManager(t)
	ctx := context.Background()
	key := AssignmentKey{Kind: KindBase, Ref: "base-1", GraphID: "g1", NodeID: "b"}

	removed, err := mgr.Unassign(ctx, key)
	if err != nil || removed {
		t.Fatalf("unassign absent: removed=%v err=%v, want false/nil", removed, err)
	}
	if _, _, err := mgr.Assign(ctx, key); err != nil {
		t.Fatalf("assign: %v", err)
	}
	removed, err = mgr.Unassign(ctx, key)
	if err != nil || !removed {
		t.Fatalf("unassign present: removed=%v err=%v, want true/nil", removed, err)
	}
	list, _ := mgr.List(ctx, AssignmentFilter{})
	if len(list) != 0 {
		t.Fatalf("got %d assignments after unassign, want 0", len(list))
	}
}

func TestManagerListOrderAndFilter(t *testing.T) {
	mgr, _ := seededManager(t)
	ctx := context.Background()
	keys := []AssignmentKey{
		{Kind: KindAgent, Ref: "z", GraphID: "g1", NodeID: "a"},
		{Kind: KindGlobal, GraphID: "g1", NodeID: "b"},
		{Kind: KindBase, Ref: "b1", GraphID: "g1", NodeID: "a"},
		{Kind: KindGlobal, GraphID: "g1", NodeID: "a"},
	}
	for _, k := range keys {
		if _, _, err := mgr.Assign(ctx, k); err != nil {
			t.Fatalf("assign %+v: %v", k, err)
		}
	}

	all, err := mgr.List(ctx, AssignmentFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"global//a", "global//b", "base/b1/a", "agent/z/a"}
	if len(all) != len(want) {
		t.Fatalf("got %d assignments, want %d", len(all), len(want))
	}
	for i, a := range all {
		got := string(a.Kind) + "/" + a.Ref + "/" + a.NodeID
		if got != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got, want[i])
		}
	}

	globals, _ := mgr.List(ctx, AssignmentFilter{Kind: KindGlobal})
	if len(globals) != 2 {
		t.Errorf("got %d global assignments, want 2", len(globals))
	}
	if _, err := mgr.List(ctx, AssignmentFilter{Kind: "team"}); !errors.Is(err, ErrInvalidScopeKind) {
		t.Errorf("list unknown kind: got %v, want ErrInvalidScopeKind", err)
	}
}

func TestPathRefs(t *testing.T) {
	refs := Path{BaseID: "b", AgentID: "a"}.Refs()
	if len(refs) != 3 || refs[0].Kind != KindGlobal || refs[1].Ref != "b" || refs[2].Ref != "a" {
		t.Fatalf("unexpected refs: %+v", refs)
	}
	if refs := (Path{AgentID: "a"}).Refs(); len(refs) != 2 || refs[1].Kind != KindAgent {
		t.Fatalf("unexpected refs without base: %+v", refs)
	}
}
