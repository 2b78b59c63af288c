package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nidhogg/nuka-library/internal/library"
	"github.com/nidhogg/nuka-library/internal/storetest"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "library.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store { return openTestStore(t) })
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "library.db")
	s, err := Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := s.PutRun(ctx, library.Run{ID: "r1", AgentID: "a"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.GetRun(ctx, "r1"); err != nil {
		t.Fatalf("run lost after reopen: %v", err)
	}
}

func TestConcurrentRebuildsStoreOneVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.PutRun(ctx, library.Run{ID: "r1", AgentID: "a", Task: "t", Context: []byte(`{"skill_contexts":["x"]}`)}); err != nil {
		t.Fatal(err)
	}

	// Two services share the database the way two processes would.
	opts := library.Options{BuildRetries: 5}
	services := []*library.Service{
		library.NewService(s, s, nil, opts, zap.NewNop()),
		library.NewService(s, s, nil, opts, zap.NewNop()),
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		svc := services[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Rebuild(ctx, library.RebuildRequest{Key: library.Key{AgentID: "a"}}); err != nil {
				t.Errorf("rebuild: %v", err)
			}
		}()
	}
	wg.Wait()

	hist, err := s.ArtifactHistory(ctx, library.Key{AgentID: "a"}, 10)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history = %d rows, %v", len(hist), err)
	}
}
