package sqlite

import (
	"context"
	"fmt"

	"github.com/nidhogg/nuka-library/internal/library"
)

const artifactColumns = `id, agent_id, base_id, run_id, source_event, hierarchy_json, document_md,
	content_hash, version, summary, created_at_ms`

// LatestArtifact returns the highest version for key.
func (s *Store) LatestArtifact(ctx context.Context, key library.Key) (*library.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+artifactColumns+`
		FROM library_artifacts
		WHERE agent_id = ? AND base_id = ? AND run_id = ?
		ORDER BY version DESC LIMIT 1`,
		key.AgentID, key.BaseID, key.RunID)
	a, err := scanArtifact(row)
	if notFound(err) {
		return nil, library.ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest artifact: %w", err)
	}
	return a, nil
}

// InsertArtifact writes a new version. A duplicate (key, version) is reported
// as library.ErrVersionConflict.
func (s *Store) InsertArtifact(ctx context.Context, a *library.Artifact) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO library_artifacts (agent_id, base_id, run_id, source_event, hierarchy_json,
			document_md, content_hash, version, summary, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AgentID, a.BaseID, a.RunID, string(a.SourceEvent), a.HierarchyJSON,
		a.DocumentMD, a.ContentHash, a.Version, a.Summary, a.CreatedAtMs)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s v%d", library.ErrVersionConflict, a.Key(), a.Version)
	}
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert artifact id: %w", err)
	}
	a.ID = id
	return nil
}

// ArtifactHistory returns up to limit versions of key, newest first.
func (s *Store) ArtifactHistory(ctx context.Context, key library.Key, limit int) ([]library.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+`
		FROM library_artifacts
		WHERE agent_id = ? AND base_id = ? AND run_id = ?
		ORDER BY version DESC LIMIT ?`,
		key.AgentID, key.BaseID, key.RunID, limit)
	if err != nil {
		return nil, fmt.Errorf("artifact history: %w", err)
	}
	defer rows.Close()

	out := []library.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListArtifacts pages artifacts by (created_at_ms DESC, id DESC).
func (s *Store) ListArtifacts(ctx context.Context, q library.ArtifactQuery) ([]library.Artifact, error) {
	var beforeTs, beforeID int64
	hasCursor := 0
	if q.Before != nil {
		hasCursor = 1
		beforeTs, beforeID = q.Before.CreatedAtMs, q.Before.ID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+`
		FROM library_artifacts
		WHERE (? = '' OR agent_id = ?)
		  AND (? = '' OR base_id = ?)
		  AND (? = '' OR run_id = ?)
		  AND (? = 0 OR created_at_ms < ? OR (created_at_ms = ? AND id < ?))
		ORDER BY created_at_ms DESC, id DESC
		LIMIT ?`,
		q.AgentID, q.AgentID, q.BaseID, q.BaseID, q.RunID, q.RunID,
		hasCursor, beforeTs, beforeTs, beforeID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := []library.Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetArtifact returns library.ErrArtifactNotFound for unknown ids.
func (s *Store) GetArtifact(ctx context.Context, id int64) (*library.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM library_artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if notFound(err) {
		return nil, fmt.Errorf("%w: %d", library.ErrArtifactNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %d: %w", id, err)
	}
	return a, nil
}

func scanArtifact(sc scanner) (*library.Artifact, error) {
	var a library.Artifact
	var event string
	err := sc.Scan(&a.ID, &a.AgentID, &a.BaseID, &a.RunID, &event, &a.HierarchyJSON, &a.DocumentMD,
		&a.ContentHash, &a.Version, &a.Summary, &a.CreatedAtMs)
	if err != nil {
		return nil, err
	}
	a.SourceEvent = library.SourceEvent(event)
	return &a, nil
}
