package skill

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	ExploreSourceProjection = "neo4j"
	ExploreSourceStore      = "store"
)

// Exploration lists the nodes a node links to within a hop budget.
type Exploration struct {
	GraphID   string   `json:"graph_id"`
	NodeID    string   `json:"node_id"`
	MaxDepth  int      `json:"max_depth"`
	Reachable []string `json:"reachable"`
	Source    string   `json:"source"`
}

// Graph returns a stored graph with its nodes and edges.
func (im *Importer) Graph(ctx context.Context, graphID string) (*Graph, error) {
	return im.store.GetGraph(ctx, graphID)
}

// Explore lists the nodes reachable from nodeID within maxDepth outgoing hops.
// The projection answers when attached; if it fails, the stored graph does.
func (im *Importer) Explore(ctx context.Context, graphID, nodeID string, maxDepth int) (*Exploration, error) {
	if maxDepth < 0 {
		return nil, fmt.Errorf("%w: max_depth must be >= 0", ErrInvalidDepth)
	}
	g, err := im.store.GetGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	if !g.HasNode(nodeID) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNodeNotFound, graphID, nodeID)
	}

	out := &Exploration{GraphID: graphID, NodeID: nodeID, MaxDepth: maxDepth}
	if im.explorer != nil {
		ids, err := im.explorer.Reachable(ctx, graphID, nodeID, maxDepth)
		if err == nil {
			out.Reachable, out.Source = ids, ExploreSourceProjection
			return out, nil
		}
		im.logger.Warn("projected exploration failed, using stored graph",
			zap.String("graph", graphID),
			zap.String("node", nodeID),
			zap.Error(err))
	}
	out.Reachable, out.Source = g.Reachable(nodeID, maxDepth), ExploreSourceStore
	return out, nil
}
