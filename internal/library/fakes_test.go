package library

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/nidhogg/nuka-library/internal/resolver"
)

type memRuns struct {
	mu    sync.Mutex
	runs  map[string]Run
	steps map[string][]Step
}

func newMemRuns() *memRuns {
	return &memRuns{runs: make(map[string]Run), steps: make(map[string][]Step)}
}

func (m *memRuns) ListRuns(_ context.Context, f RunFilter) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, r := range m.runs {
		if r.AgentID != f.AgentID || (f.BaseID != "" && r.BaseID != f.BaseID) || (f.RunID != "" && r.ID != f.RunID) {
			continue
		}
		out = append(out, r)
	}
	// Deliberately unsorted: the builder owns ordering.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memRuns) ListSteps(_ context.Context, runID string) ([]Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := append([]Step(nil), m.steps[runID]...)
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps, nil
}

func (m *memRuns) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return &r, nil
}

func (m *memRuns) PutRun(_ context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *memRuns) PutStep(_ context.Context, st Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[st.RunID]
	for i := range steps {
		if steps[i].StepID == st.StepID {
			steps[i] = st
			return nil
		}
	}
	m.steps[st.RunID] = append(steps, st)
	return nil
}

type memRepo struct {
	mu        sync.Mutex
	rows      []Artifact
	nextID    int64
	conflicts int // remaining forced conflicts
	inserts   int
}

func (r *memRepo) LatestArtifact(_ context.Context, key Key) (*Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *Artifact
	for i := range r.rows {
		a := r.rows[i]
		if a.Key() == key && (latest == nil || a.Version > latest.Version) {
			latest = &a
		}
	}
	if latest == nil {
		return nil, ErrArtifactNotFound
	}
	return latest, nil
}

func (r *memRepo) InsertArtifact(_ context.Context, a *Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inserts++
	if r.conflicts != 0 {
		if r.conflicts > 0 {
			r.conflicts--
		}
		return ErrVersionConflict
	}
	for _, row := range r.rows {
		if row.Key() == a.Key() && row.Version == a.Version {
			return ErrVersionConflict
		}
	}
	r.nextID++
	a.ID = r.nextID
	r.rows = append(r.rows, *a)
	return nil
}

func (r *memRepo) ArtifactHistory(_ context.Context, key Key, limit int) ([]Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Artifact
	for _, a := range r.rows {
		if a.Key() == key {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type stubResolver struct {
	mu      sync.Mutex
	results []resolver.Result
	reqs    []resolver.Request
}

func (s *stubResolver) Resolve(_ context.Context, req resolver.Request) ([]resolver.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return s.results, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }
