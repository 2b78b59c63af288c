package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-library/internal/skill"
)

// ReplaceGraph swaps the stored graph with g in one transaction.
func (s *Store) ReplaceGraph(ctx context.Context, g *skill.Graph) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM skill_edges WHERE graph_id = $1`, g.ID); err != nil {
			return fmt.Errorf("clear edges of %s: %w", g.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM skill_nodes WHERE graph_id = $1`, g.ID); err != nil {
			return fmt.Errorf("clear nodes of %s: %w", g.ID, err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO skill_graphs (graph_id, pack_name, title, imported_at_ms)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (graph_id) DO UPDATE SET
				pack_name = EXCLUDED.pack_name,
				title = EXCLUDED.title,
				imported_at_ms = EXCLUDED.imported_at_ms`,
			g.ID, g.PackName, g.Title, g.ImportedAtMs)
		if err != nil {
			return fmt.Errorf("upsert graph %s: %w", g.ID, err)
		}

		_, err = tx.CopyFrom(ctx, pgx.Identifier{"skill_nodes"},
			[]string{"graph_id", "node_id", "title", "description", "body"},
			pgx.CopyFromSlice(len(g.Nodes), func(i int) ([]any, error) {
				n := g.Nodes[i]
				return []any{g.ID, n.ID, n.Title, n.Description, n.Body}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy nodes of %s: %w", g.ID, err)
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"skill_edges"},
			[]string{"graph_id", "from_node_id", "to_node_id"},
			pgx.CopyFromSlice(len(g.Edges), func(i int) ([]any, error) {
				e := g.Edges[i]
				return []any{g.ID, e.From, e.To}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy edges of %s: %w", g.ID, err)
		}
		return nil
	})
}

// ListGraphs returns graph summaries sorted by graph id.
func (s *Store) ListGraphs(ctx context.Context) ([]skill.Summary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT g.graph_id, g.pack_name, g.title, g.imported_at_ms,
		       (SELECT COUNT(*) FROM skill_nodes n WHERE n.graph_id = g.graph_id),
		       (SELECT COUNT(*) FROM skill_edges e WHERE e.graph_id = g.graph_id)
		FROM skill_graphs g
		ORDER BY g.graph_id`)
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	defer rows.Close()

	out := []skill.Summary{}
	for rows.Next() {
		var sum skill.Summary
		var nodes, edges int64
		if err := rows.Scan(&sum.GraphID, &sum.PackName, &sum.Title, &sum.ImportedAtMs, &nodes, &edges); err != nil {
			return nil, fmt.Errorf("scan graph: %w", err)
		}
		sum.NodeCount, sum.EdgeCount = int(nodes), int(edges)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// NodeExists reports whether graphID contains nodeID.
func (s *Store) NodeExists(ctx context.Context, graphID, nodeID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM skill_nodes WHERE graph_id = $1 AND node_id = $2)`,
		graphID, nodeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup node: %w", err)
	}
	return exists, nil
}

// PutAssignment inserts a if absent and reports whether a row was created.
func (s *Store) PutAssignment(ctx context.Context, a skill.Assignment) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO skill_assignments (scope_kind, scope_ref, graph_id, node_id, assigned_at_ms)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		string(a.Kind), a.Ref, a.GraphID, a.NodeID, a.AssignedAtMs)
	if err != nil {
		return false, fmt.Errorf("put assignment: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteAssignment removes key and reports whether it existed.
func (s *Store) DeleteAssignment(ctx context.Context, key skill.AssignmentKey) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM skill_assignments
		WHERE scope_kind = $1 AND scope_ref = $2 AND graph_id = $3 AND node_id = $4`,
		string(key.Kind), key.Ref, key.GraphID, key.NodeID)
	if err != nil {
		return false, fmt.Errorf("delete assignment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListAssignments returns the assignments matching f.
func (s *Store) ListAssignments(ctx context.Context, f skill.AssignmentFilter) ([]skill.Assignment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT scope_kind, scope_ref, graph_id, node_id, assigned_at_ms
		FROM skill_assignments
		WHERE ($1::text = '' OR scope_kind = $1) AND ($2::text = '' OR scope_ref = $2)`,
		string(f.Kind), f.Ref)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return collectAssignments(rows)
}

// LoadSnapshot reads the assignments on refs and every graph they reference
// inside one repeatable-read, read-only transaction.
func (s *Store) LoadSnapshot(ctx context.Context, refs []skill.ScopeRef) (*skill.Snapshot, error) {
	snap := &skill.Snapshot{Graphs: make(map[string]*skill.Graph)}
	if len(refs) == 0 {
		return snap, nil
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	kinds := make([]string, len(refs))
	scopeRefs := make([]string, len(refs))
	for i, r := range refs {
		kinds[i], scopeRefs[i] = string(r.Kind), r.Ref
	}
	rows, err := tx.Query(ctx, `
		SELECT a.scope_kind, a.scope_ref, a.graph_id, a.node_id, a.assigned_at_ms
		FROM skill_assignments a
		JOIN unnest($1::text[], $2::text[]) AS p(kind, ref)
		  ON a.scope_kind = p.kind AND a.scope_ref = p.ref`,
		kinds, scopeRefs)
	if err != nil {
		return nil, fmt.Errorf("snapshot assignments: %w", err)
	}
	snap.Assignments, err = collectAssignments(rows)
	if err != nil {
		return nil, err
	}

	for _, a := range snap.Assignments {
		if _, ok := snap.Graphs[a.GraphID]; ok {
			continue
		}
		g, err := loadGraph(ctx, tx, a.GraphID)
		if err != nil {
			return nil, err
		}
		if g != nil {
			snap.Graphs[a.GraphID] = g
		}
	}
	return snap, nil
}

// GetGraph returns skill.ErrGraphNotFound for unknown ids.
func (s *Store) GetGraph(ctx context.Context, graphID string) (*skill.Graph, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin graph read: %w", err)
	}
	defer tx.Rollback(ctx)

	g, err := loadGraph(ctx, tx, graphID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %s", skill.ErrGraphNotFound, graphID)
	}
	return g, nil
}

// loadGraph returns nil when the graph does not exist.
func loadGraph(ctx context.Context, tx pgx.Tx, graphID string) (*skill.Graph, error) {
	g := &skill.Graph{ID: graphID}
	err := tx.QueryRow(ctx,
		`SELECT pack_name, title, imported_at_ms FROM skill_graphs WHERE graph_id = $1`, graphID).
		Scan(&g.PackName, &g.Title, &g.ImportedAtMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load graph %s: %w", graphID, err)
	}

	rows, err := tx.Query(ctx, `
		SELECT node_id, title, description, body
		FROM skill_nodes WHERE graph_id = $1 ORDER BY node_id`, graphID)
	if err != nil {
		return nil, fmt.Errorf("load nodes of %s: %w", graphID, err)
	}
	g.Nodes, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (skill.Node, error) {
		var n skill.Node
		err := row.Scan(&n.ID, &n.Title, &n.Description, &n.Body)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan nodes of %s: %w", graphID, err)
	}

	rows, err = tx.Query(ctx, `
		SELECT from_node_id, to_node_id
		FROM skill_edges WHERE graph_id = $1 ORDER BY from_node_id, to_node_id`, graphID)
	if err != nil {
		return nil, fmt.Errorf("load edges of %s: %w", graphID, err)
	}
	g.Edges, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (skill.Edge, error) {
		var e skill.Edge
		err := row.Scan(&e.From, &e.To)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan edges of %s: %w", graphID, err)
	}
	return g, nil
}

func collectAssignments(rows pgx.Rows) ([]skill.Assignment, error) {
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (skill.Assignment, error) {
		var a skill.Assignment
		var kind string
		err := row.Scan(&kind, &a.Ref, &a.GraphID, &a.NodeID, &a.AssignedAtMs)
		a.Kind = skill.Kind(kind)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan assignments: %w", err)
	}
	return out, nil
}
