package library

import (
	"sort"
	"strings"

	"github.com/nidhogg/nuka-library/internal/resolver"
)

// Block sources.
const (
	SourceContext    = "context"
	SourceStepInput  = "step_input"
	SourceAssignment = "assignment"
	SourceSkillGraph = "skill_graph"
)

// defaultBlockScope applies to payload blocks that carry no scope.
const defaultBlockScope = "run"

// SkillContextBlock is the normalized provenance record of one piece of skill
// context. Equality and ordering cover all five fields.
type SkillContextBlock struct {
	Scope   string `json:"scope"`
	Source  string `json:"source"`
	NodeRef string `json:"node_ref"`
	Title   string `json:"title"`
	Body    string `json:"body"`
}

// Less orders blocks by (scope, source, node_ref, title, body), byte-wise.
func (b SkillContextBlock) Less(o SkillContextBlock) bool {
	if b.Scope != o.Scope {
		return b.Scope < o.Scope
	}
	if b.Source != o.Source {
		return b.Source < o.Source
	}
	if b.NodeRef != o.NodeRef {
		return b.NodeRef < o.NodeRef
	}
	if b.Title != o.Title {
		return b.Title < o.Title
	}
	return b.Body < o.Body
}

func (b SkillContextBlock) empty() bool {
	return b.NodeRef == "" && b.Title == "" && b.Body == ""
}

// Item renders the block as a hierarchy item: a header line followed by the
// body on continuation lines.
func (b SkillContextBlock) Item() string {
	var sb strings.Builder
	sb.WriteString("[" + b.Scope + "] " + b.Source)
	if b.NodeRef != "" {
		sb.WriteString(": " + b.NodeRef)
	}
	if b.Title != "" {
		sb.WriteString(" (" + b.Title + ")")
	}
	if b.Body != "" {
		sb.WriteString("\n" + b.Body)
	}
	return sb.String()
}

// SortBlocks sorts in place and drops exact duplicates.
func SortBlocks(blocks []SkillContextBlock) []SkillContextBlock {
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Less(blocks[j]) })
	out := blocks[:0]
	for i, b := range blocks {
		if i > 0 && b == blocks[i-1] {
			continue
		}
		out = append(out, b)
	}
	return out
}

// blocksFromList normalizes a decoded skill_contexts array. Objects accept
// node_ref|node_id|ref and body|content|text; bare strings become node refs.
func blocksFromList(v any, defaultSource string) []SkillContextBlock {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []SkillContextBlock
	for _, item := range list {
		var b SkillContextBlock
		switch x := item.(type) {
		case map[string]any:
			b = blockFromObject(x, defaultSource)
		case string:
			b = SkillContextBlock{Scope: defaultBlockScope, Source: defaultSource, NodeRef: strings.TrimSpace(x)}
		case nil:
			continue
		default:
			body, err := canonicalJSON(x)
			if err != nil {
				continue
			}
			b = SkillContextBlock{Scope: defaultBlockScope, Source: defaultSource, Body: body}
		}
		if !b.empty() {
			out = append(out, b)
		}
	}
	return out
}

func blockFromObject(m map[string]any, defaultSource string) SkillContextBlock {
	b := SkillContextBlock{
		Scope:   firstString(m, "scope"),
		Source:  firstString(m, "source"),
		NodeRef: firstString(m, "node_ref", "node_id", "ref"),
		Title:   firstString(m, "title"),
		Body:    firstString(m, "body", "content", "text"),
	}
	if b.Scope == "" {
		b.Scope = defaultBlockScope
	}
	if b.Source == "" {
		b.Source = defaultSource
	}
	return b
}

// firstString returns the first non-empty value among keys. Non-string values
// are rendered as canonical JSON.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var s string
		if str, isStr := v.(string); isStr {
			s = str
		} else if enc, err := canonicalJSON(v); err == nil {
			s = enc
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// assignmentBlocks reads input.assignment.skills[]: strings become node refs,
// objects are normalized like any other block.
func assignmentBlocks(input map[string]any) []SkillContextBlock {
	assignment, ok := input["assignment"].(map[string]any)
	if !ok {
		return nil
	}
	return blocksFromList(assignment["skills"], SourceAssignment)
}

// resolvedBlocks synthesizes blocks from ranked skill graph nodes.
func resolvedBlocks(results []resolver.Result) []SkillContextBlock {
	out := make([]SkillContextBlock, 0, len(results))
	for _, r := range results {
		body := strings.TrimSpace(r.Node.Body)
		if body == "" {
			body = strings.TrimSpace(r.Node.Description)
		}
		out = append(out, SkillContextBlock{
			Scope:   string(r.Scope),
			Source:  SourceSkillGraph,
			NodeRef: r.NodeRef(),
			Title:   strings.TrimSpace(r.Node.Title),
			Body:    body,
		})
	}
	return out
}
