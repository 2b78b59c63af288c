// Package memory is the read side of the library: paginated, deterministic
// listings and detail views of stored artifacts.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nidhogg/nuka-library/internal/library"
	"go.uber.org/zap"
)

const (
	DefaultLimit    = 20
	MaxLimit        = 200
	DefaultMaxChars = 50000

	refPrefix = "artifact:"
)

// ArtifactReader is the storage the inspector reads from. ListArtifacts must
// order rows by (created_at_ms DESC, id DESC).
type ArtifactReader interface {
	ListArtifacts(ctx context.Context, q library.ArtifactQuery) ([]library.Artifact, error)
	GetArtifact(ctx context.Context, id int64) (*library.Artifact, error)
}

// ListRequest selects a page. Both cursor fields must be set together.
type ListRequest struct {
	AgentID           string
	BaseID            string
	RunID             string
	Limit             int
	BeforeCreatedAtMs *int64
	BeforeID          *int64
}

// Summary is the compact description of one artifact version.
type Summary struct {
	ID          int64    `json:"id"`
	Ref         string   `json:"ref"`
	AgentID     string   `json:"agent_id"`
	BaseID      string   `json:"base_id,omitempty"`
	RunID       string   `json:"run_id,omitempty"`
	Source      string   `json:"source"`
	TimestampMs int64    `json:"timestamp_ms"`
	SizeBytes   int      `json:"size_bytes"`
	ContentHash string   `json:"content_hash"`
	Version     int      `json:"version"`
	Scope       string   `json:"scope"`
	Tags        []string `json:"tags"`
	Summary     string   `json:"summary"`
}

// Page is one listing page. NextCursor is set when the page is full.
type Page struct {
	Items      []Summary       `json:"items"`
	NextCursor *library.Cursor `json:"next_cursor,omitempty"`
}

// Detail is the full record with a display-truncated document. ContentHash
// always covers the complete document.
type Detail struct {
	Summary
	HierarchyJSON string `json:"hierarchy_json"`
	DocumentMD    string `json:"document_md"`
	DocumentChars int    `json:"document_chars"`
	Truncated     bool   `json:"truncated"`
}

// Inspector serves list and detail queries over stored artifacts.
type Inspector struct {
	reader   ArtifactReader
	maxChars int
	logger   *zap.Logger
}

// NewInspector creates an Inspector. maxChars <= 0 selects DefaultMaxChars.
func NewInspector(reader ArtifactReader, maxChars int, logger *zap.Logger) *Inspector {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Inspector{reader: reader, maxChars: maxChars, logger: logger}
}

// List returns artifacts newest first using keyset pagination.
func (in *Inspector) List(ctx context.Context, req ListRequest) (*Page, error) {
	q := library.ArtifactQuery{
		AgentID: req.AgentID,
		BaseID:  req.BaseID,
		RunID:   req.RunID,
		Limit:   clampLimit(req.Limit),
	}
	switch {
	case req.BeforeCreatedAtMs != nil && req.BeforeID != nil:
		q.Before = &library.Cursor{CreatedAtMs: *req.BeforeCreatedAtMs, ID: *req.BeforeID}
	case req.BeforeCreatedAtMs != nil || req.BeforeID != nil:
		return nil, fmt.Errorf("%w: before_created_at_ms and before_id must be given together", library.ErrInvalidRequest)
	}

	rows, err := in.reader.ListArtifacts(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: list artifacts: %w", library.ErrStorage, err)
	}

	page := &Page{Items: make([]Summary, 0, len(rows))}
	for i := range rows {
		page.Items = append(page.Items, summarize(&rows[i]))
	}
	if len(rows) == q.Limit {
		last := rows[len(rows)-1]
		page.NextCursor = &library.Cursor{CreatedAtMs: last.CreatedAtMs, ID: last.ID}
	}
	in.logger.Debug("memory list",
		zap.String("agent", req.AgentID),
		zap.Int("limit", q.Limit),
		zap.Int("returned", len(rows)))
	return page, nil
}

// Detail fetches one artifact by "42" or "artifact:42".
func (in *Inspector) Detail(ctx context.Context, ref string) (*Detail, error) {
	id, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	a, err := in.reader.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}

	doc, chars, truncated := truncateRunes(a.DocumentMD, in.maxChars)
	return &Detail{
		Summary:       summarize(a),
		HierarchyJSON: a.HierarchyJSON,
		DocumentMD:    doc,
		DocumentChars: chars,
		Truncated:     truncated,
	}, nil
}

// ParseRef accepts a raw artifact id or the "artifact:<id>" form.
func ParseRef(ref string) (int64, error) {
	s := strings.TrimPrefix(strings.TrimSpace(ref), refPrefix)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid artifact ref %q", library.ErrInvalidRequest, ref)
	}
	return id, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

func summarize(a *library.Artifact) Summary {
	scope := "agent"
	switch {
	case a.RunID != "":
		scope = "run"
	case a.BaseID != "":
		scope = "base"
	}
	tags := []string{"library", "agent:" + a.AgentID}
	if a.BaseID != "" {
		tags = append(tags, "base:"+a.BaseID)
	}
	if a.RunID != "" {
		tags = append(tags, "run:"+a.RunID)
	}
	tags = append(tags, "event:"+string(a.SourceEvent))

	return Summary{
		ID:          a.ID,
		Ref:         refPrefix + strconv.FormatInt(a.ID, 10),
		AgentID:     a.AgentID,
		BaseID:      a.BaseID,
		RunID:       a.RunID,
		Source:      string(a.SourceEvent),
		TimestampMs: a.CreatedAtMs,
		SizeBytes:   len(a.DocumentMD),
		ContentHash: a.ContentHash,
		Version:     a.Version,
		Scope:       scope,
		Tags:        tags,
		Summary:     fmt.Sprintf("v%d %s", a.Version, a.Summary),
	}
}

// truncateRunes cuts s to at most limit characters.
func truncateRunes(s string, limit int) (string, int, bool) {
	chars := utf8.RuneCountInString(s)
	if chars <= limit {
		return s, chars, false
	}
	i, n := 0, 0
	for i = range s {
		if n == limit {
			break
		}
		n++
	}
	return s[:i], chars, true
}
