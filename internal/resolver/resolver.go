package resolver

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/nidhogg/nuka-library/internal/skill"
	"go.uber.org/zap"
)

const (
	// DecayFactor is the per-hop multiplier applied to a node's scope weight.
	DecayFactor = 0.7
	// QueryWeight scales the keyword similarity term.
	QueryWeight = 2.0
)

// Request describes one resolution: the run's scope path, an optional
// free-text query and the traversal budget.
type Request struct {
	Path     skill.Path `json:"path"`
	Query    string     `json:"query,omitempty"`
	MaxDepth int        `json:"max_depth"`
	MaxNodes int        `json:"max_nodes"`
}

// Result is one ranked node. Scope is the most specific scope the node was
// seeded from or inherited through expansion; Depth is hops from that seed.
type Result struct {
	GraphID string     `json:"graph_id"`
	Node    skill.Node `json:"node"`
	Score   float64    `json:"score"`
	Scope   skill.Kind `json:"scope"`
	Depth   int        `json:"depth"`
}

// NodeRef returns "<graph_id>/<node_id>".
func (r Result) NodeRef() string {
	return r.GraphID + "/" + r.Node.ID
}

// Source supplies a consistent snapshot of the assignments on a scope path
// and every graph they reference.
type Source interface {
	LoadSnapshot(ctx context.Context, refs []skill.ScopeRef) (*skill.Snapshot, error)
}

// Resolver reads snapshots from a Source and ranks the applicable nodes.
type Resolver struct {
	source Source
	logger *zap.Logger
}

// New creates a Resolver.
func New(source Source, logger *zap.Logger) *Resolver {
	return &Resolver{source: source, logger: logger}
}

// Resolve loads one snapshot for req.Path and runs the bounded traversal.
// A zero depth or node budget returns an empty result without reading storage.
func (r *Resolver) Resolve(ctx context.Context, req Request) ([]Result, error) {
	if req.MaxDepth < 0 || req.MaxNodes < 0 {
		return nil, fmt.Errorf("resolver: negative budget (max_depth=%d, max_nodes=%d)", req.MaxDepth, req.MaxNodes)
	}
	if req.MaxDepth == 0 || req.MaxNodes == 0 {
		return []Result{}, nil
	}

	start := time.Now()
	snap, err := r.source.LoadSnapshot(ctx, req.Path.Refs())
	if err != nil {
		return nil, fmt.Errorf("load skill snapshot: %w", err)
	}
	results := Resolve(snap, req)

	r.logger.Debug("skill resolution complete",
		zap.String("agent", req.Path.AgentID),
		zap.String("base", req.Path.BaseID),
		zap.Int("seeds", len(snap.Assignments)),
		zap.Int("resolved", len(results)),
		zap.Duration("duration", time.Since(start)))
	return results, nil
}

type nodeKey struct {
	graph string
	node  string
}

func (k nodeKey) less(o nodeKey) bool {
	if k.node != o.node {
		return k.node < o.node
	}
	return k.graph < o.graph
}

type visit struct {
	scope skill.Kind
	depth int
}

// Resolve is the pure traversal over a snapshot. Seeds are the nodes assigned
// on req.Path (hop 0); a level-synchronous BFS follows outgoing edges for up to
// MaxDepth hops, visiting each node once. Scores combine scope weight decayed
// by depth with query similarity, sorted by score descending then node id,
// and truncated to MaxNodes.
func Resolve(snap *skill.Snapshot, req Request) []Result {
	if snap == nil || req.MaxDepth <= 0 || req.MaxNodes <= 0 {
		return []Result{}
	}

	onPath := make(map[skill.ScopeRef]bool)
	for _, ref := range req.Path.Refs() {
		onPath[ref] = true
	}

	nodes := make(map[nodeKey]skill.Node)
	adjacency := make(map[nodeKey][]nodeKey)
	for gid, g := range snap.Graphs {
		for _, n := range g.Nodes {
			nodes[nodeKey{gid, n.ID}] = n
		}
		for _, e := range g.Edges {
			from := nodeKey{gid, e.From}
			adjacency[from] = append(adjacency[from], nodeKey{gid, e.To})
		}
	}

	frontier := make(map[nodeKey]skill.Kind)
	for _, a := range snap.Assignments {
		if !onPath[skill.ScopeRef{Kind: a.Kind, Ref: a.Ref}] {
			continue
		}
		k := nodeKey{a.GraphID, a.NodeID}
		if _, ok := nodes[k]; !ok {
			continue
		}
		if cur, ok := frontier[k]; !ok || a.Kind.Specificity() > cur.Specificity() {
			frontier[k] = a.Kind
		}
	}

	visited := make(map[nodeKey]visit)
	for depth := 0; len(frontier) > 0; depth++ {
		level := sortedKeys(frontier)
		for _, k := range level {
			visited[k] = visit{scope: frontier[k], depth: depth}
		}
		if depth == req.MaxDepth {
			break
		}
		next := make(map[nodeKey]skill.Kind)
		for _, k := range level {
			scope := frontier[k]
			for _, to := range adjacency[k] {
				if _, seen := visited[to]; seen {
					continue
				}
				if _, ok := nodes[to]; !ok {
					continue
				}
				if cur, ok := next[to]; !ok || scope.Specificity() > cur.Specificity() {
					next[to] = scope
				}
			}
		}
		frontier = next
	}

	keywords := queryKeywords(req.Query)
	results := make([]Result, 0, len(visited))
	for k, v := range visited {
		n := nodes[k]
		score := scopeWeight(v.scope) * math.Pow(DecayFactor, float64(v.depth))
		if len(keywords) > 0 {
			score += QueryWeight * keywordSimilarity(keywords, n.Title, n.Description)
		}
		results = append(results, Result{
			GraphID: k.graph,
			Node:    n,
			Score:   score,
			Scope:   v.scope,
			Depth:   v.depth,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return nodeKey{a.GraphID, a.Node.ID}.less(nodeKey{b.GraphID, b.Node.ID})
	})
	if len(results) > req.MaxNodes {
		results = results[:req.MaxNodes]
	}
	return results
}

func scopeWeight(k skill.Kind) float64 {
	return float64(k.Specificity())
}

func sortedKeys(m map[nodeKey]skill.Kind) []nodeKey {
	keys := make([]nodeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
	return keys
}
