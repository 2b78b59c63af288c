package memory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/nidhogg/nuka-library/internal/library"
	"go.uber.org/zap"
)

type memReader struct {
	rows []library.Artifact
}

func (m *memReader) ListArtifacts(_ context.Context, q library.ArtifactQuery) ([]library.Artifact, error) {
	rows := append([]library.Artifact(nil), m.rows...)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAtMs != rows[j].CreatedAtMs {
			return rows[i].CreatedAtMs > rows[j].CreatedAtMs
		}
		return rows[i].ID > rows[j].ID
	})
	var out []library.Artifact
	for _, a := range rows {
		if q.AgentID != "" && a.AgentID != q.AgentID {
			continue
		}
		if q.Before != nil && (a.CreatedAtMs > q.Before.CreatedAtMs ||
			(a.CreatedAtMs == q.Before.CreatedAtMs && a.ID >= q.Before.ID)) {
			continue
		}
		out = append(out, a)
		if len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *memReader) GetArtifact(_ context.Context, id int64) (*library.Artifact, error) {
	for _, a := range m.rows {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, library.ErrArtifactNotFound
}

func seededReader() *memReader {
	r := &memReader{}
	// ids 1..7; 3, 4 and 5 share a timestamp.
	times := []int64{100, 200, 300, 300, 300, 400, 500}
	for i, ts := range times {
		r.rows = append(r.rows, library.Artifact{
			ID: int64(i + 1), AgentID: "a", CreatedAtMs: ts, Version: i + 1,
			SourceEvent: library.EventRunDone, DocumentMD: "doc", ContentHash: fmt.Sprint("h", i+1),
		})
	}
	return r
}

func pageIDs(p *Page) []int64 {
	var ids []int64
	for _, s := range p.Items {
		ids = append(ids, s.ID)
	}
	return ids
}

func int64p(v int64) *int64 { return &v }

func TestListPagination(t *testing.T) {
	in := NewInspector(seededReader(), 0, zap.NewNop())
	ctx := context.Background()

	var all []int64
	req := ListRequest{AgentID: "a", Limit: 2}
	for i := 0; i < 10; i++ {
		page, err := in.List(ctx, req)
		if err != nil {
			t.Fatal(err)
		}
		all = append(all, pageIDs(page)...)
		if page.NextCursor == nil {
			break
		}
		req.BeforeCreatedAtMs = int64p(page.NextCursor.CreatedAtMs)
		req.BeforeID = int64p(page.NextCursor.ID)
	}
	if want := []int64{7, 6, 5, 4, 3, 2, 1}; !reflect.DeepEqual(all, want) {
		t.Fatalf("walked %v, want %v", all, want)
	}
}

func TestListValidation(t *testing.T) {
	in := NewInspector(seededReader(), 0, zap.NewNop())
	_, err := in.List(context.Background(), ListRequest{BeforeID: int64p(3)})
	if !errors.Is(err, library.ErrInvalidRequest) {
		t.Fatalf("half cursor: got %v", err)
	}

	for _, tc := range []struct{ in, want int }{{0, 20}, {-5, 20}, {7, 7}, {1000, 200}} {
		if got := clampLimit(tc.in); got != tc.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestSummaryScopeAndTags(t *testing.T) {
	s := summarize(&library.Artifact{ID: 9, AgentID: "a", BaseID: "b", RunID: "r", SourceEvent: library.EventUIRebuild, DocumentMD: "héllo", Version: 2, Summary: "1 runs, 0 steps, 0 skill blocks"})
	if s.Scope != "run" || s.Ref != "artifact:9" || s.SizeBytes != 6 {
		t.Errorf("summary = %+v", s)
	}
	if want := []string{"library", "agent:a", "base:b", "run:r", "event:ui.rebuild"}; !reflect.DeepEqual(s.Tags, want) {
		t.Errorf("tags = %v", s.Tags)
	}
	if s := summarize(&library.Artifact{AgentID: "a", BaseID: "b"}); s.Scope != "base" {
		t.Errorf("scope = %s, want base", s.Scope)
	}
	if s := summarize(&library.Artifact{AgentID: "a"}); s.Scope != "agent" {
		t.Errorf("scope = %s, want agent", s.Scope)
	}
}

func TestDetailTruncation(t *testing.T) {
	doc := strings.Repeat("é", 60000)
	hash := library.ContentHash([]byte(doc))
	r := &memReader{rows: []library.Artifact{{ID: 42, AgentID: "a", DocumentMD: doc, ContentHash: hash}}}
	in := NewInspector(r, 50000, zap.NewNop())

	for _, ref := range []string{"42", "artifact:42"} {
		d, err := in.Detail(context.Background(), ref)
		if err != nil {
			t.Fatalf("%s: %v", ref, err)
		}
		if got := len([]rune(d.DocumentMD)); got != 50000 {
			t.Errorf("%s: %d chars, want 50000", ref, got)
		}
		if !d.Truncated || d.DocumentChars != 60000 || d.ContentHash != hash || d.SizeBytes != len(doc) {
			t.Errorf("%s: detail = truncated=%v chars=%d hash ok=%v", ref, d.Truncated, d.DocumentChars, d.ContentHash == hash)
		}
	}

	if _, err := in.Detail(context.Background(), "artifact:x"); !errors.Is(err, library.ErrInvalidRequest) {
		t.Errorf("bad ref: %v", err)
	}
	if _, err := in.Detail(context.Background(), "7"); !errors.Is(err, library.ErrArtifactNotFound) {
		t.Errorf("missing: %v", err)
	}
}
