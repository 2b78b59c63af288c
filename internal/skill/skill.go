package skill

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Graph is an imported knowledge pack: nodes joined by directed wikilink edges.
// Nodes are sorted by ID and edges by (From, To) once a pack has been loaded.
type Graph struct {
	ID           string `json:"graph_id"`
	PackName     string `json:"pack_name"`
	Title        string `json:"title,omitempty"`
	Nodes        []Node `json:"nodes"`
	Edges        []Edge `json:"edges"`
	ImportedAtMs int64  `json:"imported_at_ms"`
}

// Node is one knowledge file of a pack.
type Node struct {
	ID          string `json:"node_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Body        string `json:"body"`
}

// Edge is a wikilink from one node body to another node. Edges may form cycles.
type Edge struct {
	From string `json:"from_node_id"`
	To   string `json:"to_node_id"`
}

// Summary is the compact view of a stored graph.
type Summary struct {
	GraphID      string `json:"graph_id"`
	PackName     string `json:"pack_name"`
	Title        string `json:"title,omitempty"`
	NodeCount    int    `json:"node_count"`
	EdgeCount    int    `json:"edge_count"`
	ImportedAtMs int64  `json:"imported_at_ms"`
}

// Summary returns the graph's summary.
func (g *Graph) Summary() Summary {
	return Summary{
		GraphID:      g.ID,
		PackName:     g.PackName,
		Title:        g.Title,
		NodeCount:    len(g.Nodes),
		EdgeCount:    len(g.Edges),
		ImportedAtMs: g.ImportedAtMs,
	}
}

// HasNode reports whether the graph contains a node with the given ID.
func (g *Graph) HasNode(id string) bool {
	for _, n := range g.Nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// Reachable returns the node ids reachable from nodeID within maxDepth
// outgoing hops, excluding nodeID itself, sorted by id.
func (g *Graph) Reachable(nodeID string, maxDepth int) []string {
	next := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		next[e.From] = append(next[e.From], e.To)
	}
	seen := map[string]bool{nodeID: true}
	frontier := []string{nodeID}
	out := []string{}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var level []string
		for _, id := range frontier {
			for _, to := range next[id] {
				if seen[to] {
					continue
				}
				seen[to] = true
				level = append(level, to)
			}
		}
		out = append(out, level...)
		frontier = level
	}
	sort.Strings(out)
	return out
}

var (
	ErrGraphNotFound      = errors.New("skill graph not found")
	ErrNodeNotFound       = errors.New("skill node not found")
	ErrInvalidDepth       = errors.New("invalid traversal depth")
	ErrAssignmentNotFound = errors.New("assignment target not found")
	ErrInvalidScopeRef    = errors.New("invalid scope ref")
	ErrInvalidScopeKind   = errors.New("invalid scope kind")
)

// ImportError lists every missing node file or malformed document found while
// validating a pack. An import that returns it has persisted nothing.
type ImportError struct {
	MissingOrInvalid []string `json:"missing_or_invalid"`
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("skill pack import failed (%d problems): %s",
		len(e.MissingOrInvalid), strings.Join(e.MissingOrInvalid, "; "))
}
