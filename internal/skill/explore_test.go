package skill

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"
)

type stubExplorer struct {
	ids   []string
	err   error
	calls int
}

func (e *stubExplorer) Reachable(context.Context, string, string, int) ([]string, error) {
	e.calls++
	return e.ids, e.err
}

func exploreFixture(t *testing.T) *Importer {
	t.Helper()
	store := newMemStore()
	store.graphs["g"] = &Graph{
		ID:    "g",
		Nodes: []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		Edges: []Edge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "a"}, {From: "d", To: "a"}},
	}
	return NewImporter(store, zap.NewNop())
}

func TestGraphReachable(t *testing.T) {
	g := &Graph{
		Nodes: []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []Edge{{From: "a", To: "a"}, {From: "a", To: "c"}, {From: "c", To: "b"}},
	}
	tests := []struct {
		depth int
		want  []string
	}{
		{0, []string{}},
		{1, []string{"c"}},
		{2, []string{"b", "c"}},
		{9, []string{"b", "c"}},
	}
	for _, tt := range tests {
		if got := g.Reachable("a", tt.depth); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Reachable(a, %d) = %v, want %v", tt.depth, got, tt.want)
		}
	}
}

func TestExploreFromStore(t *testing.T) {
	im := exploreFixture(t)
	got, err := im.Explore(context.Background(), "g", "a", 5)
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != ExploreSourceStore || !reflect.DeepEqual(got.Reachable, []string{"b", "c"}) {
		t.Fatalf("explore = %+v", got)
	}
}

func TestExploreUsesProjection(t *testing.T) {
	im := exploreFixture(t)
	ex := &stubExplorer{ids: []string{"b"}}
	im.SetExplorer(ex)
	got, err := im.Explore(context.Background(), "g", "a", 1)
	if err != nil {
		t.Fatal(err)
	}
	if ex.calls != 1 || got.Source != ExploreSourceProjection || !reflect.DeepEqual(got.Reachable, []string{"b"}) {
		t.Fatalf("explore = %+v (calls %d)", got, ex.calls)
	}

	ex.err = errors.New("bolt down")
	got, err = im.Explore(context.Background(), "g", "d", 2)
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != ExploreSourceStore || !reflect.DeepEqual(got.Reachable, []string{"a", "b"}) {
		t.Fatalf("fallback explore = %+v", got)
	}
}

func TestExploreErrors(t *testing.T) {
	im := exploreFixture(t)
	ctx := context.Background()
	if _, err := im.Explore(ctx, "nope", "a", 1); !errors.Is(err, ErrGraphNotFound) {
		t.Errorf("unknown graph err = %v", err)
	}
	if _, err := im.Explore(ctx, "g", "zz", 1); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("unknown node err = %v", err)
	}
	if _, err := im.Explore(ctx, "g", "a", -1); !errors.Is(err, ErrInvalidDepth) {
		t.Errorf("negative depth err = %v", err)
	}
	if _, err := im.Graph(ctx, "nope"); !errors.Is(err, ErrGraphNotFound) {
		t.Errorf("Graph(nope) err = %v", err)
	}
}
