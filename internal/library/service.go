package library

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-library/internal/resolver"
	"github.com/nidhogg/nuka-library/internal/skill"
	"go.uber.org/zap"
)

// Lifecycle event types published after a rebuild.
const (
	EventRebuilt   = "library.rebuilt"
	EventUnchanged = "library.unchanged"
)

// RunStore is the run pipeline's record store.
type RunStore interface {
	RunSource
	GetRun(ctx context.Context, runID string) (*Run, error)
	PutRun(ctx context.Context, run Run) error
	PutStep(ctx context.Context, step Step) error
}

// ArtifactRepo persists artifact versions. InsertArtifact must fail with
// ErrVersionConflict when (agent, base, run, version) already exists, and sets
// the new row's ID on success. LatestArtifact returns ErrArtifactNotFound when
// the key has no versions.
type ArtifactRepo interface {
	LatestArtifact(ctx context.Context, key Key) (*Artifact, error)
	InsertArtifact(ctx context.Context, a *Artifact) error
	ArtifactHistory(ctx context.Context, key Key, limit int) ([]Artifact, error)
}

// Event announces the outcome of a rebuild to downstream consumers.
type Event struct {
	Type        string      `json:"type"`
	AgentID     string      `json:"agent_id"`
	BaseID      string      `json:"base_id,omitempty"`
	RunID       string      `json:"run_id,omitempty"`
	ArtifactID  int64       `json:"artifact_id"`
	Version     int         `json:"version"`
	ContentHash string      `json:"content_hash"`
	SourceEvent SourceEvent `json:"source_event"`
	AtMs        int64       `json:"at_ms"`
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Options tunes the Service.
type Options struct {
	BuildRetries    int
	RetryBackoff    time.Duration
	ContextMaxDepth int
	ContextMaxNodes int
}

// RebuildRequest asks for the artifact of a key to be rebuilt.
type RebuildRequest struct {
	Key
	SourceEvent string `json:"source_event,omitempty"`
}

// RebuildResult is the latest artifact after a rebuild. Changed is false when
// the content was identical and no version was written.
type RebuildResult struct {
	Artifact *Artifact `json:"artifact"`
	Changed  bool      `json:"changed"`
}

// PreviewRequest asks which skill nodes a run step would receive.
type PreviewRequest struct {
	RunID    string `json:"run_id"`
	StepID   string `json:"step_id"`
	Query    string `json:"query,omitempty"`
	MaxDepth int    `json:"max_depth"`
	MaxNodes int    `json:"max_nodes"`
}

// PreviewResult is the ranked node list for a preview.
type PreviewResult struct {
	RunID  string            `json:"run_id"`
	StepID string            `json:"step_id,omitempty"`
	Query  string            `json:"query,omitempty"`
	Path   skill.Path        `json:"path"`
	Nodes  []resolver.Result `json:"nodes"`
}

// Service rebuilds and versions Library Artifacts. Builds for the same key
// are serialized in-process, and the repository's conditional insert guards
// against writers in other processes.
type Service struct {
	runs      RunStore
	repo      ArtifactRepo
	skills    SkillResolver
	builder   *Builder
	publisher Publisher
	locks     *keyLocks
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a Service. skills may be nil.
func NewService(runs RunStore, repo ArtifactRepo, skills SkillResolver, opts Options, logger *zap.Logger) *Service {
	if opts.BuildRetries < 0 {
		opts.BuildRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 20 * time.Millisecond
	}
	return &Service{
		runs:    runs,
		repo:    repo,
		skills:  skills,
		builder: NewBuilder(runs, skills, opts.ContextMaxDepth, opts.ContextMaxNodes),
		locks:   newKeyLocks(),
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// SetPublisher attaches an optional lifecycle event publisher.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// Rebuild builds, renders and hashes the artifact for req.Key. When the digest
// equals the latest stored version nothing is written and that version is
// returned; otherwise version latest+1 is inserted. Version conflicts are
// retried up to BuildRetries times before ErrBuildFailed.
func (s *Service) Rebuild(ctx context.Context, req RebuildRequest) (*RebuildResult, error) {
	if err := req.Key.Validate(); err != nil {
		return nil, err
	}
	event, err := ParseSourceEvent(req.SourceEvent)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.Key)
	defer unlock()

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= s.opts.BuildRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * s.opts.RetryBackoff):
			}
		}

		res, err := s.rebuildOnce(ctx, req.Key, event)
		if err == nil {
			s.logger.Info("library rebuilt",
				zap.String("agent", req.AgentID),
				zap.String("base", req.BaseID),
				zap.String("run", req.RunID),
				zap.String("event", string(event)),
				zap.Int("version", res.Artifact.Version),
				zap.String("hash", res.Artifact.ContentHash),
				zap.Bool("changed", res.Changed),
				zap.Duration("duration", time.Since(start)))
			s.publish(ctx, res, event)
			return res, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("artifact version conflict, retrying",
			zap.String("agent", req.AgentID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrBuildFailed, req.Key, s.opts.BuildRetries+1, lastErr)
}

func (s *Service) rebuildOnce(ctx context.Context, key Key, event SourceEvent) (*RebuildResult, error) {
	build, err := s.builder.Build(ctx, key)
	if err != nil {
		return nil, err
	}

	latest, err := s.repo.LatestArtifact(ctx, key)
	switch {
	case errors.Is(err, ErrArtifactNotFound):
		latest = nil
	case err != nil:
		return nil, fmt.Errorf("%w: latest artifact: %w", ErrStorage, err)
	}
	if latest != nil && latest.ContentHash == build.ContentHash {
		return &RebuildResult{Artifact: latest, Changed: false}, nil
	}

	next := 1
	if latest != nil {
		next = latest.Version + 1
	}
	art := &Artifact{
		AgentID:       key.AgentID,
		BaseID:        key.BaseID,
		RunID:         key.RunID,
		SourceEvent:   event,
		HierarchyJSON: build.HierarchyJSON,
		DocumentMD:    build.Document,
		ContentHash:   build.ContentHash,
		Version:       next,
		Summary:       build.Summary,
		CreatedAtMs:   s.now().UnixMilli(),
	}
	if err := s.repo.InsertArtifact(ctx, art); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: insert artifact: %w", ErrStorage, err)
	}
	return &RebuildResult{Artifact: art, Changed: true}, nil
}

func (s *Service) publish(ctx context.Context, res *RebuildResult, event SourceEvent) {
	if s.publisher == nil {
		return
	}
	typ := EventUnchanged
	if res.Changed {
		typ = EventRebuilt
	}
	a := res.Artifact
	ev := Event{
		Type:        typ,
		AgentID:     a.AgentID,
		BaseID:      a.BaseID,
		RunID:       a.RunID,
		ArtifactID:  a.ID,
		Version:     a.Version,
		ContentHash: a.ContentHash,
		SourceEvent: event,
		AtMs:        s.now().UnixMilli(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish library event failed", zap.String("agent", a.AgentID), zap.Error(err))
	}
}

// Latest returns the newest stored version for key.
func (s *Service) Latest(ctx context.Context, key Key) (*Artifact, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.repo.LatestArtifact(ctx, key)
}

// History returns up to limit versions for key, newest first.
func (s *Service) History(ctx context.Context, key Key, limit int) ([]Artifact, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ArtifactHistory(ctx, key, limit)
}

// Preview resolves the skill nodes a run step would receive. An empty query
// falls back to the run's task, as in artifact builds.
func (s *Service) Preview(ctx context.Context, req PreviewRequest) (*PreviewResult, error) {
	if req.RunID == "" {
		return nil, fmt.Errorf("%w: run_id is required", ErrInvalidRequest)
	}
	if req.MaxDepth < 0 || req.MaxNodes < 0 {
		return nil, fmt.Errorf("%w: max_depth and max_nodes must be >= 0", ErrInvalidRequest)
	}
	run, err := s.runs.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if req.StepID != "" {
		steps, err := s.runs.ListSteps(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: list steps: %w", ErrStorage, err)
		}
		found := false
		for _, st := range steps {
			if st.StepID == req.StepID {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s in run %s", ErrStepNotFound, req.StepID, run.ID)
		}
	}

	query := req.Query
	if query == "" {
		query = run.Task
	}
	out := &PreviewResult{
		RunID:  run.ID,
		StepID: req.StepID,
		Query:  query,
		Path:   skill.Path{BaseID: run.BaseID, AgentID: run.AgentID},
		Nodes:  []resolver.Result{},
	}
	if s.skills == nil {
		return out, nil
	}
	nodes, err := s.skills.Resolve(ctx, resolver.Request{
		Path:     out.Path,
		Query:    query,
		MaxDepth: req.MaxDepth,
		MaxNodes: req.MaxNodes,
	})
	if err != nil {
		return nil, err
	}
	out.Nodes = nodes
	return out, nil
}

// RecordRun stores a run and its steps as delivered by the run pipeline.
func (s *Service) RecordRun(ctx context.Context, run Run, steps []Step) error {
	if run.ID == "" || run.AgentID == "" {
		return fmt.Errorf("%w: run_id and agent_id are required", ErrInvalidRequest)
	}
	if _, err := decodePayload(run.Context); err != nil {
		return fmt.Errorf("run context: %w", err)
	}
	now := s.now().UnixMilli()
	if run.CreatedAtMs == 0 {
		run.CreatedAtMs = now
	}
	if run.UpdatedAtMs == 0 {
		run.UpdatedAtMs = now
	}
	for i := range steps {
		st := &steps[i]
		if st.RunID == "" {
			st.RunID = run.ID
		}
		if st.RunID != run.ID || st.StepID == "" {
			return fmt.Errorf("%w: step %d must belong to run %s and carry a step_id", ErrInvalidRequest, i, run.ID)
		}
		if st.ID == "" {
			st.ID = run.ID + ":" + st.StepID
		}
		if st.AgentID == "" {
			st.AgentID = run.AgentID
		}
		if _, err := decodePayload(st.Input); err != nil {
			return fmt.Errorf("step %s input: %w", st.StepID, err)
		}
	}

	if err := s.runs.PutRun(ctx, run); err != nil {
		return fmt.Errorf("%w: put run: %w", ErrStorage, err)
	}
	for _, st := range steps {
		if err := s.runs.PutStep(ctx, st); err != nil {
			return fmt.Errorf("%w: put step: %w", ErrStorage, err)
		}
	}
	s.logger.Info("run recorded",
		zap.String("run", run.ID),
		zap.String("agent", run.AgentID),
		zap.Int("steps", len(steps)))
	return nil
}
