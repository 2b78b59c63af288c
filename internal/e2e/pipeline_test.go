//go:build integration

// Package e2e drives the whole library pipeline against real PostgreSQL,
// Neo4j and Redis containers.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-library/internal/graphproj"
	"github.com/nidhogg/nuka-library/internal/library"
	"github.com/nidhogg/nuka-library/internal/memory"
	"github.com/nidhogg/nuka-library/internal/orchestrator"
	"github.com/nidhogg/nuka-library/internal/resolver"
	"github.com/nidhogg/nuka-library/internal/skill"
	pgstore "github.com/nidhogg/nuka-library/internal/store"
)

// Package-level shared state, set by TestMain.
var (
	testLogger    *zap.Logger
	testStore     *pgstore.Store
	testProjector *graphproj.Projector
	testRedisURL  string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	testLogger = zap.NewNop()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		return 1
	}
	defer pgCleanup()
	testStore, err = pgstore.New(ctx, pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		return 1
	}
	defer testStore.Close()
	if err := testStore.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}

	neo4jURI, neo4jCleanup, err := startNeo4j(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "neo4j: %v\n", err)
		return 1
	}
	defer neo4jCleanup()
	testProjector, err = graphproj.New(neo4jURI, "", "", testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "projector: %v\n", err)
		return 1
	}
	defer testProjector.Close(ctx)
	if err := testProjector.EnsureConstraints(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "constraints: %v\n", err)
		return 1
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		return 1
	}
	defer redisCleanup()
	testRedisURL = redisURL

	return m.Run()
}

func TestPipeline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	importer := skill.NewImporter(testStore, testLogger)
	importer.SetProjector(testProjector)
	importer.SetExplorer(testProjector)
	manager := skill.NewManager(testStore, testLogger)
	svc := library.NewService(testStore, testStore, resolver.New(testStore, testLogger), library.Options{
		BuildRetries:    3,
		RetryBackoff:    10 * time.Millisecond,
		ContextMaxDepth: 2,
		ContextMaxNodes: 8,
	}, testLogger)
	inspector := memory.NewInspector(testStore, 0, testLogger)

	bus, err := orchestrator.NewBus(ctx, testRedisURL, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()
	svc.SetPublisher(bus)

	// 1. Import the pack; the graph lands in Postgres and Neo4j.
	sum, err := importer.Import(ctx, skill.ImportRequest{
		PackName: "go-backend", SourceRoot: "testdata/pack", IndexPath: "INDEX.md", GraphID: "go",
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if sum.Title != "Go Backend" || sum.NodeCount != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	ex, err := importer.Explore(ctx, "go", "Deploy", 3)
	if err != nil || ex.Source != skill.ExploreSourceProjection || !reflect.DeepEqual(ex.Reachable, []string{"Fakes", "Testing"}) {
		t.Fatalf("neo4j exploration = %+v, %v", ex, err)
	}

	// 2. Scope Deploy to the base and Fakes to the agent.
	for _, key := range []skill.AssignmentKey{
		{Kind: skill.KindBase, Ref: "svc", GraphID: "go", NodeID: "Deploy"},
		{Kind: skill.KindAgent, Ref: "coder", GraphID: "go", NodeID: "Fakes"},
	} {
		if _, _, err := manager.Assign(ctx, key); err != nil {
			t.Fatalf("assign %+v: %v", key, err)
		}
	}

	// 3. The run pipeline records a run.
	err = svc.RecordRun(ctx, library.Run{
		ID: "run-1", AgentID: "coder", BaseID: "svc", Task: "add tests for deploy", Status: "running",
		Context: json.RawMessage(`{"repo":"nuka","skill_contexts":[{"scope":"base","source":"context","node_ref":"ops","body":"use canaries"}]}`),
	}, []library.Step{
		{StepID: "plan", StepIndex: 0, Status: "done", Output: "plan ready"},
	})
	if err != nil {
		t.Fatalf("record run: %v", err)
	}

	// 4. A trigger on the bus is dispatched into a rebuild.
	dispatcher := orchestrator.NewDispatcher(svc, 2, testLogger)
	dctx, dcancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		dispatcher.Run(dctx, bus.SubscribeTriggers(dctx, "0"))
		close(done)
	}()
	if err := bus.PublishTrigger(ctx, orchestrator.Trigger{
		AgentID: "coder", BaseID: "svc", RunID: "run-1", SourceEvent: "run.done",
	}); err != nil {
		t.Fatal(err)
	}
	for dispatcher.Stats().Rebuilt == 0 {
		if dispatcher.Stats().Failed > 0 {
			t.Fatal("triggered rebuild failed")
		}
		select {
		case <-ctx.Done():
			t.Fatal("trigger never dispatched")
		case <-time.After(100 * time.Millisecond):
		}
	}
	dcancel()
	<-done

	key := library.Key{AgentID: "coder", BaseID: "svc", RunID: "run-1"}
	art, err := svc.Latest(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"[agent] skill_graph: go/Fakes (Fakes)",
		"[base] skill_graph: go/Deploy (Deploy)",
		"[base] context: ops",
		"- repo: \"nuka\"",
	} {
		if !strings.Contains(art.DocumentMD, want) {
			t.Fatalf("document missing %q:\n%s", want, art.DocumentMD)
		}
	}
	if art.ContentHash != library.ContentHash([]byte(art.DocumentMD)) {
		t.Fatal("content hash does not cover the document")
	}

	// 5. A manual rebuild with nothing changed keeps the version.
	res, err := svc.Rebuild(ctx, library.RebuildRequest{Key: key})
	if err != nil || res.Changed || res.Artifact.Version != 1 {
		t.Fatalf("manual rebuild = %+v, %v", res, err)
	}

	// 6. The inspector lists the single stored version.
	page, err := inspector.List(ctx, memory.ListRequest{AgentID: "coder"})
	if err != nil || len(page.Items) != 1 || page.Items[0].Source != "run.done" {
		t.Fatalf("inspector page = %+v, %v", page, err)
	}
}
