package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/nuka-library/internal/library"
)

const artifactColumns = `id, agent_id, base_id, run_id, source_event, hierarchy_json, document_md,
	content_hash, version, summary, created_at_ms`

// LatestArtifact returns the highest version for key.
func (s *Store) LatestArtifact(ctx context.Context, key library.Key) (*library.Artifact, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+artifactColumns+`
		FROM library_artifacts
		WHERE agent_id = $1 AND base_id = $2 AND run_id = $3
		ORDER BY version DESC LIMIT 1`,
		key.AgentID, key.BaseID, key.RunID)
	if err != nil {
		return nil, fmt.Errorf("latest artifact: %w", err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanArtifact)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, library.ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest artifact: %w", err)
	}
	return &a, nil
}

// InsertArtifact writes a new version. A duplicate (key, version) is reported
// as library.ErrVersionConflict.
func (s *Store) InsertArtifact(ctx context.Context, a *library.Artifact) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO library_artifacts (agent_id, base_id, run_id, source_event, hierarchy_json,
			document_md, content_hash, version, summary, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		a.AgentID, a.BaseID, a.RunID, string(a.SourceEvent), a.HierarchyJSON,
		a.DocumentMD, a.ContentHash, a.Version, a.Summary, a.CreatedAtMs).Scan(&a.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s v%d", library.ErrVersionConflict, a.Key(), a.Version)
	}
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ArtifactHistory returns up to limit versions of key, newest first.
func (s *Store) ArtifactHistory(ctx context.Context, key library.Key, limit int) ([]library.Artifact, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+artifactColumns+`
		FROM library_artifacts
		WHERE agent_id = $1 AND base_id = $2 AND run_id = $3
		ORDER BY version DESC LIMIT $4`,
		key.AgentID, key.BaseID, key.RunID, limit)
	if err != nil {
		return nil, fmt.Errorf("artifact history: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanArtifact)
	if err != nil {
		return nil, fmt.Errorf("scan artifacts: %w", err)
	}
	return out, nil
}

// ListArtifacts pages artifacts by (created_at_ms DESC, id DESC) using a
// row-value keyset comparison.
func (s *Store) ListArtifacts(ctx context.Context, q library.ArtifactQuery) ([]library.Artifact, error) {
	var beforeTs, beforeID *int64
	if q.Before != nil {
		beforeTs, beforeID = &q.Before.CreatedAtMs, &q.Before.ID
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+artifactColumns+`
		FROM library_artifacts
		WHERE ($1::text = '' OR agent_id = $1)
		  AND ($2::text = '' OR base_id = $2)
		  AND ($3::text = '' OR run_id = $3)
		  AND ($4::bigint IS NULL OR (created_at_ms, id) < ($4, $5::bigint))
		ORDER BY created_at_ms DESC, id DESC
		LIMIT $6`,
		q.AgentID, q.BaseID, q.RunID, beforeTs, beforeID, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanArtifact)
	if err != nil {
		return nil, fmt.Errorf("scan artifacts: %w", err)
	}
	return out, nil
}

// GetArtifact returns library.ErrArtifactNotFound for unknown ids.
func (s *Store) GetArtifact(ctx context.Context, id int64) (*library.Artifact, error) {
	rows, err := s.db.Query(ctx, `SELECT `+artifactColumns+` FROM library_artifacts WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get artifact %d: %w", id, err)
	}
	a, err := pgx.CollectExactlyOneRow(rows, scanArtifact)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", library.ErrArtifactNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %d: %w", id, err)
	}
	return &a, nil
}

func scanArtifact(row pgx.CollectableRow) (library.Artifact, error) {
	var a library.Artifact
	var event string
	err := row.Scan(&a.ID, &a.AgentID, &a.BaseID, &a.RunID, &event, &a.HierarchyJSON, &a.DocumentMD,
		&a.ContentHash, &a.Version, &a.Summary, &a.CreatedAtMs)
	a.SourceEvent = library.SourceEvent(event)
	return a, err
}
