package skill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// GraphStore persists skill graphs. ReplaceGraph must swap the whole graph in a
// single transaction so readers never observe a partial import.
type GraphStore interface {
	ReplaceGraph(ctx context.Context, g *Graph) error
	ListGraphs(ctx context.Context) ([]Summary, error)
	// GetGraph returns ErrGraphNotFound for unknown ids.
	GetGraph(ctx context.Context, graphID string) (*Graph, error)
}

// Projector mirrors an imported graph into a secondary store for exploration.
type Projector interface {
	ProjectGraph(ctx context.Context, g *Graph) error
}

// Explorer answers reachability queries against a projected graph.
type Explorer interface {
	Reachable(ctx context.Context, graphID, nodeID string, maxDepth int) ([]string, error)
}

// Importer validates packs from disk and stores them atomically.
type Importer struct {
	store     GraphStore
	projector Projector
	explorer  Explorer
	logger    *zap.Logger
	now       func() time.Time
}

// NewImporter creates an Importer backed by store.
func NewImporter(store GraphStore, logger *zap.Logger) *Importer {
	return &Importer{store: store, logger: logger, now: time.Now}
}

// SetProjector attaches an optional graph projection.
func (im *Importer) SetProjector(p Projector) {
	im.projector = p
}

// SetExplorer routes Explore through the projection. Without one, Explore
// walks the stored graph.
func (im *Importer) SetExplorer(e Explorer) {
	im.explorer = e
}

// Import loads and validates the pack, then replaces any graph with the same ID.
// Validation failures return *ImportError and leave the store untouched.
func (im *Importer) Import(ctx context.Context, req ImportRequest) (*Summary, error) {
	start := time.Now()
	g, err := LoadPack(req)
	if err != nil {
		im.logger.Warn("skill pack rejected",
			zap.String("pack", req.PackName),
			zap.String("graph", req.GraphID),
			zap.Error(err))
		return nil, err
	}
	g.ImportedAtMs = im.now().UnixMilli()

	if err := im.store.ReplaceGraph(ctx, g); err != nil {
		return nil, fmt.Errorf("store skill graph %s: %w", g.ID, err)
	}

	if im.projector != nil {
		if err := im.projector.ProjectGraph(ctx, g); err != nil {
			im.logger.Warn("skill graph projection failed", zap.String("graph", g.ID), zap.Error(err))
		}
	}

	sum := g.Summary()
	im.logger.Info("skill pack imported",
		zap.String("pack", g.PackName),
		zap.String("graph", g.ID),
		zap.Int("nodes", sum.NodeCount),
		zap.Int("edges", sum.EdgeCount),
		zap.Duration("duration", time.Since(start)))
	return &sum, nil
}

// Graphs lists stored graph summaries.
func (im *Importer) Graphs(ctx context.Context) ([]Summary, error) {
	return im.store.ListGraphs(ctx)
}
