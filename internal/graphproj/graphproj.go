// Package graphproj mirrors imported skill graphs into Neo4j so packs can be
// explored with Cypher. The relational store stays authoritative.
package graphproj

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/nuka-library/internal/skill"
	"go.uber.org/zap"
)

// Projector writes (:SkillNode)-[:LINKS_TO]->(:SkillNode) subgraphs keyed by graph_id.
type Projector struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// New creates a Projector connected to uri.
func New(uri, user, password string, logger *zap.Logger) (*Projector, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Projector{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (p *Projector) Close(ctx context.Context) error {
	return p.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (p *Projector) Ping(ctx context.Context) error {
	return p.driver.VerifyConnectivity(ctx)
}

// EnsureConstraints creates the uniqueness constraint on (graph_id, node_id).
func (p *Projector) EnsureConstraints(ctx context.Context) error {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`CREATE CONSTRAINT skill_node_key IF NOT EXISTS
		 FOR (n:SkillNode) REQUIRE (n.graph_id, n.node_id) IS UNIQUE`, nil)
	if err != nil {
		return fmt.Errorf("create skill node constraint: %w", err)
	}
	return nil
}

// ProjectGraph replaces the projection of g in one write transaction.
func (p *Projector) ProjectGraph(ctx context.Context, g *skill.Graph) error {
	start := time.Now()
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	nodes := make([]map[string]any, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodes = append(nodes, map[string]any{
			"id":          n.ID,
			"title":       n.Title,
			"description": n.Description,
		})
	}
	edges := make([]map[string]any, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, map[string]any{"from": e.From, "to": e.To})
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			`MATCH (n:SkillNode {graph_id: $graphId}) DETACH DELETE n`,
			map[string]any{"graphId": g.ID}); err != nil {
			return nil, err
		}
		if _, err := tx.Run(ctx,
			`UNWIND $nodes AS node
			 CREATE (:SkillNode {
				graph_id: $graphId, pack_name: $pack, node_id: node.id,
				title: node.title, description: node.description
			 })`,
			map[string]any{"graphId": g.ID, "pack": g.PackName, "nodes": nodes}); err != nil {
			return nil, err
		}
		_, err := tx.Run(ctx,
			`UNWIND $edges AS edge
			 MATCH (a:SkillNode {graph_id: $graphId, node_id: edge.from}),
			       (b:SkillNode {graph_id: $graphId, node_id: edge.to})
			 CREATE (a)-[:LINKS_TO]->(b)`,
			map[string]any{"graphId": g.ID, "edges": edges})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("project graph %s: %w", g.ID, err)
	}

	p.logger.Info("skill graph projected",
		zap.String("graph", g.ID),
		zap.Int("nodes", len(nodes)),
		zap.Int("edges", len(edges)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Reachable returns the node ids reachable from nodeID within maxDepth
// outgoing hops, excluding nodeID itself, sorted by id.
func (p *Projector) Reachable(ctx context.Context, graphID, nodeID string, maxDepth int) ([]string, error) {
	if maxDepth <= 0 {
		return []string{}, nil
	}
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx,
			`MATCH (s:SkillNode {graph_id: $graphId, node_id: $nodeId})
			 MATCH (s)-[:LINKS_TO*1..`+fmt.Sprintf("%d", maxDepth)+`]->(n:SkillNode)
			 WHERE n <> s
			 RETURN DISTINCT n.node_id AS id
			 ORDER BY id`,
			map[string]any{"graphId": graphID, "nodeId": nodeID})
		if err != nil {
			return nil, err
		}
		ids := []string{}
		for result.Next(ctx) {
			if v, ok := result.Record().Get("id"); ok && v != nil {
				ids = append(ids, v.(string))
			}
		}
		return ids, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("reachable from %s/%s: %w", graphID, nodeID, err)
	}
	return out.([]string), nil
}
