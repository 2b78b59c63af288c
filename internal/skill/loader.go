package skill

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ImportRequest describes a pack already present on disk.
type ImportRequest struct {
	PackName   string `json:"pack_name"`
	SourceRoot string `json:"source_root"`
	IndexPath  string `json:"index_path"`
	GraphID    string `json:"graph_id,omitempty"`
	Title      string `json:"title,omitempty"`
}

type frontmatter struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

// LoadPack reads the index file, follows every wikilink transitively and
// returns the validated graph. Any missing node file or malformed frontmatter
// produces an *ImportError naming all problems; no partial graph is returned.
func LoadPack(req ImportRequest) (*Graph, error) {
	var problems []string
	if req.PackName == "" {
		problems = append(problems, "pack_name: required")
	}
	if req.SourceRoot == "" {
		problems = append(problems, "source_root: required")
	}
	if req.IndexPath == "" {
		problems = append(problems, "index_path: required")
	}
	if len(problems) > 0 {
		return nil, &ImportError{MissingOrInvalid: problems}
	}

	indexPath := req.IndexPath
	if !filepath.IsAbs(indexPath) {
		indexPath = filepath.Join(req.SourceRoot, indexPath)
	}
	data, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, &ImportError{MissingOrInvalid: []string{fmt.Sprintf("index %s: %s", req.IndexPath, readProblem(err))}}
	}
	indexFM, indexBody, err := splitFrontmatter(string(data))
	if err != nil {
		problems = append(problems, fmt.Sprintf("index %s: invalid frontmatter: %v", req.IndexPath, err))
	}

	queue := ExtractWikilinks(indexBody)
	if len(queue) == 0 && len(problems) == 0 {
		problems = append(problems, fmt.Sprintf("index %s: references no nodes", req.IndexPath))
	}

	seen := make(map[string]bool, len(queue))
	for _, id := range queue {
		seen[id] = true
	}
	valid := make(map[string]bool)
	var nodes []Node
	var edges []Edge

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if !validNodeID(id) {
			problems = append(problems, fmt.Sprintf("invalid node reference %q", id))
			continue
		}
		node, links, problem := loadNode(req.SourceRoot, id)
		if problem != "" {
			problems = append(problems, problem)
			continue
		}
		valid[id] = true
		nodes = append(nodes, node)
		for _, target := range links {
			edges = append(edges, Edge{From: id, To: target})
			if !seen[target] {
				seen[target] = true
				queue = append(queue, target)
			}
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, &ImportError{MissingOrInvalid: dedupeStrings(problems)}
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	edges = normalizeEdges(edges, valid)

	g := &Graph{
		ID:       req.GraphID,
		PackName: req.PackName,
		Title:    req.Title,
		Nodes:    nodes,
		Edges:    edges,
	}
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	if g.Title == "" {
		g.Title = indexFM.Title
	}
	return g, nil
}

// loadNode reads <root>/<id>.md. A non-empty problem string means the node is
// missing or malformed.
func loadNode(root, id string) (Node, []string, string) {
	file := id + ".md"
	data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(file)))
	if err != nil {
		return Node{}, nil, fmt.Sprintf("node %s: %s", file, readProblem(err))
	}
	fm, body, err := splitFrontmatter(string(data))
	if err != nil {
		return Node{}, nil, fmt.Sprintf("node %s: invalid frontmatter: %v", file, err)
	}
	title := strings.TrimSpace(fm.Title)
	if title == "" {
		title = id
	}
	node := Node{
		ID:          id,
		Title:       title,
		Description: strings.TrimSpace(fm.Description),
		Body:        strings.TrimSpace(body),
	}
	return node, ExtractWikilinks(body), ""
}

// splitFrontmatter separates a leading "---" YAML block from the markdown body.
// Documents without a leading block have empty frontmatter.
func splitFrontmatter(src string) (frontmatter, string, error) {
	var fm frontmatter
	src = strings.ReplaceAll(src, "\r\n", "\n")
	src = strings.TrimPrefix(src, "\ufeff")
	if src != "---" && !strings.HasPrefix(src, "---\n") {
		return fm, src, nil
	}

	rest := strings.TrimPrefix(strings.TrimPrefix(src, "---"), "\n")
	var block, body string
	switch {
	case rest == "---" || strings.HasPrefix(rest, "---\n"):
		body = strings.TrimPrefix(strings.TrimPrefix(rest, "---"), "\n")
	default:
		end := strings.Index(rest, "\n---\n")
		switch {
		case end >= 0:
			block, body = rest[:end], rest[end+len("\n---\n"):]
		case strings.HasSuffix(rest, "\n---"):
			block = strings.TrimSuffix(rest, "\n---")
		default:
			return fm, "", errors.New("unterminated frontmatter block")
		}
	}

	if strings.TrimSpace(block) != "" {
		if err := yaml.Unmarshal([]byte(block), &fm); err != nil {
			return frontmatter{}, "", err
		}
	}
	return fm, body, nil
}

func validNodeID(id string) bool {
	if id == "" || strings.ContainsRune(id, 0) || filepath.IsAbs(id) || strings.HasPrefix(id, "/") {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(id), "/") {
		if part == ".." || part == "" {
			return false
		}
	}
	return true
}

func readProblem(err error) string {
	if errors.Is(err, os.ErrNotExist) {
		return "missing file"
	}
	return err.Error()
}

func normalizeEdges(edges []Edge, valid map[string]bool) []Edge {
	seen := make(map[Edge]bool, len(edges))
	out := make([]Edge, 0, len(edges))
	for _, e := range edges {
		if !valid[e.From] || !valid[e.To] || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

func dedupeStrings(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && s == sorted[i-1] {
			continue
		}
		out = append(out, s)
	}
	return out
}
