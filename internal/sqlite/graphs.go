package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-library/internal/skill"
)

// ReplaceGraph swaps the stored graph with g in one transaction.
func (s *Store) ReplaceGraph(ctx context.Context, g *skill.Graph) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM skill_edges WHERE graph_id = ?`,
			`DELETE FROM skill_nodes WHERE graph_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, g.ID); err != nil {
				return fmt.Errorf("clear graph %s: %w", g.ID, err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO skill_graphs (graph_id, pack_name, title, imported_at_ms)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (graph_id) DO UPDATE SET
				pack_name = excluded.pack_name,
				title = excluded.title,
				imported_at_ms = excluded.imported_at_ms`,
			g.ID, g.PackName, g.Title, g.ImportedAtMs)
		if err != nil {
			return fmt.Errorf("upsert graph %s: %w", g.ID, err)
		}

		nodeStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO skill_nodes (graph_id, node_id, title, description, body)
			VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare node insert: %w", err)
		}
		defer nodeStmt.Close()
		for _, n := range g.Nodes {
			if _, err := nodeStmt.ExecContext(ctx, g.ID, n.ID, n.Title, n.Description, n.Body); err != nil {
				return fmt.Errorf("insert node %s: %w", n.ID, err)
			}
		}

		edgeStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO skill_edges (graph_id, from_node_id, to_node_id)
			VALUES (?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare edge insert: %w", err)
		}
		defer edgeStmt.Close()
		for _, e := range g.Edges {
			if _, err := edgeStmt.ExecContext(ctx, g.ID, e.From, e.To); err != nil {
				return fmt.Errorf("insert edge %s->%s: %w", e.From, e.To, err)
			}
		}
		return nil
	})
}

// ListGraphs returns graph summaries sorted by graph id.
func (s *Store) ListGraphs(ctx context.Context) ([]skill.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
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
		if err := rows.Scan(&sum.GraphID, &sum.PackName, &sum.Title, &sum.ImportedAtMs, &sum.NodeCount, &sum.EdgeCount); err != nil {
			return nil, fmt.Errorf("scan graph: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// NodeExists reports whether graphID contains nodeID.
func (s *Store) NodeExists(ctx context.Context, graphID, nodeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM skill_nodes WHERE graph_id = ? AND node_id = ?`, graphID, nodeID).Scan(&one)
	if notFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup node: %w", err)
	}
	return true, nil
}

// PutAssignment inserts a if absent and reports whether a row was created.
func (s *Store) PutAssignment(ctx context.Context, a skill.Assignment) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_assignments (scope_kind, scope_ref, graph_id, node_id, assigned_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		string(a.Kind), a.Ref, a.GraphID, a.NodeID, a.AssignedAtMs)
	if err != nil {
		return false, fmt.Errorf("put assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put assignment: %w", err)
	}
	return n == 1, nil
}

// DeleteAssignment removes key and reports whether it existed.
func (s *Store) DeleteAssignment(ctx context.Context, key skill.AssignmentKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM skill_assignments
		WHERE scope_kind = ? AND scope_ref = ? AND graph_id = ? AND node_id = ?`,
		string(key.Kind), key.Ref, key.GraphID, key.NodeID)
	if err != nil {
		return false, fmt.Errorf("delete assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete assignment: %w", err)
	}
	return n > 0, nil
}

// ListAssignments returns the assignments matching f.
func (s *Store) ListAssignments(ctx context.Context, f skill.AssignmentFilter) ([]skill.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_kind, scope_ref, graph_id, node_id, assigned_at_ms
		FROM skill_assignments
		WHERE (? = '' OR scope_kind = ?) AND (? = '' OR scope_ref = ?)`,
		string(f.Kind), string(f.Kind), f.Ref, f.Ref)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()
	return scanAssignments(rows)
}

// LoadSnapshot reads the assignments on refs and every graph they reference
// inside one read transaction.
func (s *Store) LoadSnapshot(ctx context.Context, refs []skill.ScopeRef) (*skill.Snapshot, error) {
	snap := &skill.Snapshot{Graphs: make(map[string]*skill.Graph)}
	if len(refs) == 0 {
		return snap, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	conds := make([]string, 0, len(refs))
	args := make([]any, 0, 2*len(refs))
	for _, r := range refs {
		conds = append(conds, "(scope_kind = ? AND scope_ref = ?)")
		args = append(args, string(r.Kind), r.Ref)
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT scope_kind, scope_ref, graph_id, node_id, assigned_at_ms
		FROM skill_assignments
		WHERE `+strings.Join(conds, " OR "), args...)
	if err != nil {
		return nil, fmt.Errorf("snapshot assignments: %w", err)
	}
	snap.Assignments, err = scanAssignments(rows)
	rows.Close()
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin graph read: %w", err)
	}
	defer tx.Rollback()

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
func loadGraph(ctx context.Context, tx *sql.Tx, graphID string) (*skill.Graph, error) {
	g := &skill.Graph{ID: graphID}
	err := tx.QueryRowContext(ctx,
		`SELECT pack_name, title, imported_at_ms FROM skill_graphs WHERE graph_id = ?`, graphID).
		Scan(&g.PackName, &g.Title, &g.ImportedAtMs)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load graph %s: %w", graphID, err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT node_id, title, description, body
		FROM skill_nodes WHERE graph_id = ? ORDER BY node_id`, graphID)
	if err != nil {
		return nil, fmt.Errorf("load nodes of %s: %w", graphID, err)
	}
	for rows.Next() {
		var n skill.Node
		if err := rows.Scan(&n.ID, &n.Title, &n.Description, &n.Body); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan node: %w", err)
		}
		g.Nodes = append(g.Nodes, n)
	}
	rows.Close()

	rows, err = tx.QueryContext(ctx, `
		SELECT from_node_id, to_node_id
		FROM skill_edges WHERE graph_id = ? ORDER BY from_node_id, to_node_id`, graphID)
	if err != nil {
		return nil, fmt.Errorf("load edges of %s: %w", graphID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var e skill.Edge
		if err := rows.Scan(&e.From, &e.To); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		g.Edges = append(g.Edges, e)
	}
	return g, rows.Err()
}

func scanAssignments(rows *sql.Rows) ([]skill.Assignment, error) {
	var out []skill.Assignment
	for rows.Next() {
		var a skill.Assignment
		var kind string
		if err := rows.Scan(&kind, &a.Ref, &a.GraphID, &a.NodeID, &a.AssignedAtMs); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.Kind = skill.Kind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}
