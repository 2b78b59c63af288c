// Package storetest holds the behavioural contract shared by every
// persistence backend. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/nidhogg/nuka-library/internal/library"
	"github.com/nidhogg/nuka-library/internal/memory"
	"github.com/nidhogg/nuka-library/internal/resolver"
	"github.com/nidhogg/nuka-library/internal/skill"
)

// Store is everything a backend must provide.
type Store interface {
	skill.GraphStore
	skill.AssignmentStore
	resolver.Source
	library.RunStore
	library.ArtifactRepo
	memory.ArtifactReader
}

// Run exercises a backend. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("GraphReplace", func(t *testing.T) { testGraphReplace(t, newStore(t)) })
	t.Run("Assignments", func(t *testing.T) { testAssignments(t, newStore(t)) })
	t.Run("Snapshot", func(t *testing.T) { testSnapshot(t, newStore(t)) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, newStore(t)) })
	t.Run("Artifacts", func(t *testing.T) { testArtifacts(t, newStore(t)) })
	t.Run("ArtifactPages", func(t *testing.T) { testArtifactPages(t, newStore(t)) })
}

func sampleGraph(id string, nodes ...string) *skill.Graph {
	g := &skill.Graph{ID: id, PackName: "pack-" + id, Title: "Graph " + id, ImportedAtMs: 1000}
	for i, n := range nodes {
		g.Nodes = append(g.Nodes, skill.Node{ID: n, Title: "Title " + n, Description: "about " + n, Body: "body of " + n})
		if i > 0 {
			g.Edges = append(g.Edges, skill.Edge{From: nodes[i-1], To: n})
		}
	}
	return g
}

func testGraphReplace(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.ReplaceGraph(ctx, sampleGraph("g1", "a", "b", "c")); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceGraph(ctx, sampleGraph("g1", "x", "y")); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceGraph(ctx, sampleGraph("g0", "only")); err != nil {
		t.Fatal(err)
	}

	sums, err := s.ListGraphs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []skill.Summary{
		{GraphID: "g0", PackName: "pack-g0", Title: "Graph g0", NodeCount: 1, EdgeCount: 0, ImportedAtMs: 1000},
		{GraphID: "g1", PackName: "pack-g1", Title: "Graph g1", NodeCount: 2, EdgeCount: 1, ImportedAtMs: 1000},
	}
	if !reflect.DeepEqual(sums, want) {
		t.Fatalf("graphs = %+v, want %+v", sums, want)
	}

	for node, want := range map[string]bool{"a": false, "x": true, "zz": false} {
		ok, err := s.NodeExists(ctx, "g1", node)
		if err != nil || ok != want {
			t.Errorf("NodeExists(g1, %s) = %v, %v; want %v", node, ok, err, want)
		}
	}

	g, err := s.GetGraph(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(g, sampleGraph("g1", "x", "y")) {
		t.Fatalf("GetGraph(g1) = %+v", g)
	}
	if _, err := s.GetGraph(ctx, "missing"); !errors.Is(err, skill.ErrGraphNotFound) {
		t.Fatalf("GetGraph(missing) err = %v", err)
	}
}

func testAssignments(t *testing.T, s Store) {
	ctx := context.Background()
	a := skill.Assignment{AssignmentKey: skill.AssignmentKey{Kind: skill.KindBase, Ref: "b1", GraphID: "g", NodeID: "n"}, AssignedAtMs: 5}

	created, err := s.PutAssignment(ctx, a)
	if err != nil || !created {
		t.Fatalf("first put = %v, %v", created, err)
	}
	created, err = s.PutAssignment(ctx, a)
	if err != nil || created {
		t.Fatalf("second put = %v, %v", created, err)
	}
	global := skill.Assignment{AssignmentKey: skill.AssignmentKey{Kind: skill.KindGlobal, GraphID: "g", NodeID: "n"}, AssignedAtMs: 6}
	if _, err := s.PutAssignment(ctx, global); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListAssignments(ctx, skill.AssignmentFilter{Kind: skill.KindBase})
	if err != nil || len(got) != 1 || got[0] != a {
		t.Fatalf("list base = %+v, %v", got, err)
	}
	all, err := s.ListAssignments(ctx, skill.AssignmentFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("list all = %+v, %v", all, err)
	}

	removed, err := s.DeleteAssignment(ctx, a.AssignmentKey)
	if err != nil || !removed {
		t.Fatalf("delete = %v, %v", removed, err)
	}
	removed, err = s.DeleteAssignment(ctx, a.AssignmentKey)
	if err != nil || removed {
		t.Fatalf("second delete = %v, %v", removed, err)
	}
}

func testSnapshot(t *testing.T, s Store) {
	ctx := context.Background()
	if err := s.ReplaceGraph(ctx, sampleGraph("g", "a", "b")); err != nil {
		t.Fatal(err)
	}
	for _, k := range []skill.AssignmentKey{
		{Kind: skill.KindGlobal, GraphID: "g", NodeID: "a"},
		{Kind: skill.KindAgent, Ref: "A", GraphID: "g", NodeID: "b"},
		{Kind: skill.KindAgent, Ref: "B", GraphID: "g", NodeID: "b"},
		{Kind: skill.KindAgent, Ref: "A", GraphID: "gone", NodeID: "x"},
	} {
		if _, err := s.PutAssignment(ctx, skill.Assignment{AssignmentKey: k}); err != nil {
			t.Fatal(err)
		}
	}

	snap, err := s.LoadSnapshot(ctx, skill.Path{AgentID: "A"}.Refs())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Assignments) != 3 {
		t.Errorf("assignments = %+v", snap.Assignments)
	}
	g := snap.Graphs["g"]
	if g == nil || len(g.Nodes) != 2 || len(g.Edges) != 1 || g.Nodes[0].Body != "body of a" {
		t.Fatalf("graph = %+v", g)
	}
	if _, ok := snap.Graphs["gone"]; ok {
		t.Error("missing graph should be absent from snapshot")
	}

	res := resolver.Resolve(snap, resolver.Request{Path: skill.Path{AgentID: "A"}, MaxDepth: 2, MaxNodes: 8})
	if len(res) != 2 || res[0].Node.ID != "b" || res[0].Scope != skill.KindAgent {
		t.Errorf("resolved = %+v", res)
	}
}

func testRuns(t *testing.T, s Store) {
	ctx := context.Background()
	runs := []library.Run{
		{ID: "r2", AgentID: "a", BaseID: "b1", Task: "two", Context: []byte(`{"k":1}`), CreatedAtMs: 1, UpdatedAtMs: 1},
		{ID: "r1", AgentID: "a", BaseID: "b2", Task: "one", CreatedAtMs: 1, UpdatedAtMs: 1},
		{ID: "r3", AgentID: "other", CreatedAtMs: 1, UpdatedAtMs: 1},
	}
	for _, r := range runs {
		if err := s.PutRun(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	updated := runs[0]
	updated.Status = "done"
	updated.UpdatedAtMs = 2
	if err := s.PutRun(ctx, updated); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListRuns(ctx, library.RunFilter{AgentID: "a"})
	if err != nil || len(got) != 2 || got[0].ID != "r1" || got[1].Status != "done" {
		t.Fatalf("runs = %+v, %v", got, err)
	}
	if string(got[1].Context) != `{"k":1}` {
		t.Errorf("context = %s", got[1].Context)
	}
	got, err = s.ListRuns(ctx, library.RunFilter{AgentID: "a", BaseID: "b2"})
	if err != nil || len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("base filter = %+v, %v", got, err)
	}
	got, err = s.ListRuns(ctx, library.RunFilter{AgentID: "a", RunID: "r2"})
	if err != nil || len(got) != 1 {
		t.Fatalf("run filter = %+v, %v", got, err)
	}

	if _, err := s.GetRun(ctx, "nope"); !errors.Is(err, library.ErrRunNotFound) {
		t.Errorf("GetRun missing = %v", err)
	}

	steps := []library.Step{
		{ID: "r2:b", RunID: "r2", StepID: "b", StepIndex: 1},
		{ID: "r2:a", RunID: "r2", StepID: "a", StepIndex: 1, Input: []byte(`{"q":"x"}`)},
		{ID: "r2:z", RunID: "r2", StepID: "z", StepIndex: 0},
	}
	for _, st := range steps {
		if err := s.PutStep(ctx, st); err != nil {
			t.Fatal(err)
		}
	}
	steps[0].Output = "done"
	if err := s.PutStep(ctx, steps[0]); err != nil {
		t.Fatal(err)
	}
	gotSteps, err := s.ListSteps(ctx, "r2")
	if err != nil || len(gotSteps) != 3 {
		t.Fatalf("steps = %+v, %v", gotSteps, err)
	}
	var order []string
	for _, st := range gotSteps {
		order = append(order, st.StepID)
	}
	if !reflect.DeepEqual(order, []string{"z", "a", "b"}) || gotSteps[2].Output != "done" {
		t.Errorf("steps = %+v", gotSteps)
	}
}

func artifact(key library.Key, version int, createdAt int64) *library.Artifact {
	return &library.Artifact{
		AgentID: key.AgentID, BaseID: key.BaseID, RunID: key.RunID,
		SourceEvent: library.EventRunDone, HierarchyJSON: "{}", DocumentMD: "# doc\n",
		ContentHash: "h", Version: version, Summary: "0 runs, 0 steps, 0 skill blocks", CreatedAtMs: createdAt,
	}
}

func testArtifacts(t *testing.T, s Store) {
	ctx := context.Background()
	key := library.Key{AgentID: "a", RunID: "r"}

	if _, err := s.LatestArtifact(ctx, key); !errors.Is(err, library.ErrArtifactNotFound) {
		t.Fatalf("empty latest = %v", err)
	}
	v1 := artifact(key, 1, 10)
	if err := s.InsertArtifact(ctx, v1); err != nil || v1.ID == 0 {
		t.Fatalf("insert v1 = %v (id %d)", err, v1.ID)
	}
	if err := s.InsertArtifact(ctx, artifact(key, 1, 11)); !errors.Is(err, library.ErrVersionConflict) {
		t.Fatalf("duplicate version = %v, want ErrVersionConflict", err)
	}
	if err := s.InsertArtifact(ctx, artifact(library.Key{AgentID: "a"}, 1, 11)); err != nil {
		t.Fatalf("broader key shares no versions: %v", err)
	}
	v2 := artifact(key, 2, 12)
	if err := s.InsertArtifact(ctx, v2); err != nil {
		t.Fatal(err)
	}

	latest, err := s.LatestArtifact(ctx, key)
	if err != nil || latest.ID != v2.ID || latest.Version != 2 {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
	hist, err := s.ArtifactHistory(ctx, key, 10)
	if err != nil || len(hist) != 2 || hist[0].Version != 2 || hist[1].Version != 1 {
		t.Fatalf("history = %+v, %v", hist, err)
	}

	got, err := s.GetArtifact(ctx, v1.ID)
	if err != nil || !reflect.DeepEqual(got, v1) {
		t.Fatalf("get = %+v, %v; want %+v", got, err, v1)
	}
	if _, err := s.GetArtifact(ctx, 999999); !errors.Is(err, library.ErrArtifactNotFound) {
		t.Errorf("missing artifact = %v", err)
	}
}

func testArtifactPages(t *testing.T, s Store) {
	ctx := context.Background()
	var ids []int64
	for i, ts := range []int64{100, 300, 300, 300, 200} {
		a := artifact(library.Key{AgentID: "a", RunID: string(rune('a' + i))}, 1, ts)
		if err := s.InsertArtifact(ctx, a); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, a.ID)
	}
	if err := s.InsertArtifact(ctx, artifact(library.Key{AgentID: "b"}, 1, 999)); err != nil {
		t.Fatal(err)
	}
	// (created_at DESC, id DESC): the three 300s by id desc, then 200, then 100.
	want := []int64{ids[3], ids[2], ids[1], ids[4], ids[0]}

	var walked []int64
	q := library.ArtifactQuery{AgentID: "a", Limit: 2}
	for i := 0; i < 5; i++ {
		rows, err := s.ListArtifacts(ctx, q)
		if err != nil {
			t.Fatal(err)
		}
		for _, r := range rows {
			walked = append(walked, r.ID)
		}
		if len(rows) < q.Limit {
			break
		}
		last := rows[len(rows)-1]
		q.Before = &library.Cursor{CreatedAtMs: last.CreatedAtMs, ID: last.ID}
	}
	if !reflect.DeepEqual(walked, want) {
		t.Fatalf("walked %v, want %v", walked, want)
	}

	all, err := s.ListArtifacts(ctx, library.ArtifactQuery{Limit: 10})
	if err != nil || len(all) != 6 || all[0].AgentID != "b" {
		t.Errorf("unfiltered = %d rows, %v", len(all), err)
	}
}
