package library

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/nidhogg/nuka-library/internal/resolver"
	"github.com/nidhogg/nuka-library/internal/skill"
)

// SkillContextTitle is the title of the per-run skill context section.
const SkillContextTitle = "Skill Context (University -> Library)"

// Node is one section of the canonical artifact tree. Items and Children are
// in final order when the builder returns; nothing downstream reorders them.
type Node struct {
	Title    string   `json:"title"`
	Items    []string `json:"items"`
	Children []*Node  `json:"children"`
}

func newNode(title string) *Node {
	return &Node{Title: title, Items: []string{}, Children: []*Node{}}
}

func (n *Node) add(child *Node) *Node {
	n.Children = append(n.Children, child)
	return child
}

// RunSource reads run pipeline records.
type RunSource interface {
	ListRuns(ctx context.Context, f RunFilter) ([]Run, error)
	ListSteps(ctx context.Context, runID string) ([]Step, error)
}

// SkillResolver ranks the skill graph nodes applicable to a run.
type SkillResolver interface {
	Resolve(ctx context.Context, req resolver.Request) ([]resolver.Result, error)
}

// Build is the output of one hierarchy build: the tree, its canonical JSON,
// the rendered document and its digest.
type Build struct {
	Tree          *Node
	HierarchyJSON string
	Document      string
	ContentHash   string
	Summary       string
	Runs          int
	Steps         int
	Blocks        int
}

// Builder assembles run, step, context and skill data into the artifact tree.
type Builder struct {
	runs     RunSource
	skills   SkillResolver
	maxDepth int
	maxNodes int
}

// NewBuilder creates a Builder. skills may be nil, in which case only blocks
// present in payloads are included.
func NewBuilder(runs RunSource, skills SkillResolver, maxDepth, maxNodes int) *Builder {
	return &Builder{runs: runs, skills: skills, maxDepth: maxDepth, maxNodes: maxNodes}
}

// Build produces the canonical tree for key and renders it.
func (b *Builder) Build(ctx context.Context, key Key) (*Build, error) {
	runs, err := b.runs.ListRuns(ctx, RunFilter(key))
	if err != nil {
		return nil, fmt.Errorf("%w: list runs: %w", ErrStorage, err)
	}
	if key.RunID != "" && len(runs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, key.RunID)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })

	out := &Build{Runs: len(runs)}
	root := newNode("Library Artifact: " + key.AgentID)
	runsNode := root.add(newNode("Runs"))
	seen := make(map[SkillContextBlock]bool)

	for _, run := range runs {
		runNode, steps, blocks, err := b.buildRun(ctx, run)
		if err != nil {
			return nil, err
		}
		out.Steps += steps

		skillNode := newNode(SkillContextTitle)
		for _, blk := range SortBlocks(blocks) {
			if seen[blk] {
				continue
			}
			seen[blk] = true
			skillNode.Items = append(skillNode.Items, blk.Item())
			out.Blocks++
		}
		runNode.add(skillNode)
		runsNode.add(runNode)
	}

	hierarchy, err := encodeTree(root)
	if err != nil {
		return nil, err
	}
	doc := Render(root)

	out.Tree = root
	out.HierarchyJSON = hierarchy
	out.Document = string(doc)
	out.ContentHash = ContentHash(doc)
	out.Summary = fmt.Sprintf("%d runs, %d steps, %d skill blocks", out.Runs, out.Steps, out.Blocks)
	return out, nil
}

// buildRun returns the run's section without its skill context child, the
// number of steps, and every skill block collected for the run.
func (b *Builder) buildRun(ctx context.Context, run Run) (*Node, int, []SkillContextBlock, error) {
	node := newNode("Run " + run.ID)
	node.Items = sortedItems(
		field("workflow", run.WorkflowID),
		field("task", run.Task),
		field("status", run.Status),
	)

	payload, err := decodePayload(run.Context)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("run %s context: %w", run.ID, err)
	}
	ctxNode := node.add(newNode("Context"))
	ctxNode.Items, err = payloadItems("", payload)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("run %s context: %w", run.ID, err)
	}

	var blocks []SkillContextBlock
	if m, ok := payload.(map[string]any); ok {
		blocks = append(blocks, blocksFromList(m["skill_contexts"], SourceContext)...)
	}

	steps, err := b.runs.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("%w: list steps of %s: %w", ErrStorage, run.ID, err)
	}
	sort.Slice(steps, func(i, j int) bool {
		if steps[i].StepIndex != steps[j].StepIndex {
			return steps[i].StepIndex < steps[j].StepIndex
		}
		return steps[i].StepID < steps[j].StepID
	})

	stepsNode := node.add(newNode("Steps"))
	for _, st := range steps {
		stepNode, stepBlocks, err := buildStep(st)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("run %s step %s: %w", run.ID, st.StepID, err)
		}
		stepsNode.add(stepNode)
		blocks = append(blocks, stepBlocks...)
	}

	if b.skills != nil {
		agent := run.AgentID
		results, err := b.skills.Resolve(ctx, resolver.Request{
			Path:     skill.Path{BaseID: run.BaseID, AgentID: agent},
			Query:    run.Task,
			MaxDepth: b.maxDepth,
			MaxNodes: b.maxNodes,
		})
		if err != nil {
			return nil, 0, nil, fmt.Errorf("%w: resolve skills for run %s: %w", ErrStorage, run.ID, err)
		}
		blocks = append(blocks, resolvedBlocks(results)...)
	}
	return node, len(steps), blocks, nil
}

func buildStep(st Step) (*Node, []SkillContextBlock, error) {
	node := newNode("Step " + strconv.Itoa(st.StepIndex) + ": " + st.StepID)
	items := []string{
		field("agent", st.AgentID),
		field("status", st.Status),
		field("output", st.Output),
	}

	payload, err := decodePayload(st.Input)
	if err != nil {
		return nil, nil, err
	}
	var blocks []SkillContextBlock
	if m, ok := payload.(map[string]any); ok {
		blocks = append(blocks, blocksFromList(m["skill_contexts"], SourceStepInput)...)
		blocks = append(blocks, assignmentBlocks(m)...)
		stripAssignmentSkills(m)
	}
	inputItems, err := payloadItems("input.", payload)
	if err != nil {
		return nil, nil, err
	}
	node.Items = sortedItems(append(items, inputItems...)...)
	return node, blocks, nil
}

// stripAssignmentSkills removes assignment.skills once it has been turned
// into blocks. The rest of the assignment stays in the step items; an
// assignment left empty is dropped.
func stripAssignmentSkills(input map[string]any) {
	assignment, ok := input["assignment"].(map[string]any)
	if !ok {
		return
	}
	if _, ok := assignment["skills"].([]any); !ok {
		return
	}
	rest := make(map[string]any, len(assignment)-1)
	for k, v := range assignment {
		if k != "skills" {
			rest[k] = v
		}
	}
	if len(rest) == 0 {
		delete(input, "assignment")
		return
	}
	input["assignment"] = rest
}

// payloadItems renders "<prefix><key>: <canonical JSON>" for each top-level
// key. An array skill_contexts is skipped since it renders as blocks. A
// non-object payload renders as one value item.
func payloadItems(prefix string, payload any) ([]string, error) {
	if payload == nil {
		return []string{}, nil
	}
	m, ok := payload.(map[string]any)
	if !ok {
		enc, err := canonicalJSON(payload)
		if err != nil {
			return nil, err
		}
		return []string{prefix + "value: " + enc}, nil
	}
	items := make([]string, 0, len(m))
	for k, v := range m {
		if _, isList := v.([]any); isList && k == "skill_contexts" {
			continue
		}
		enc, err := canonicalJSON(v)
		if err != nil {
			return nil, err
		}
		items = append(items, prefix+k+": "+enc)
	}
	return sortedItems(items...), nil
}

func field(name, value string) string {
	if value == "" {
		return ""
	}
	return name + ": " + value
}

// sortedItems drops empty items and sorts the rest.
func sortedItems(items ...string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it != "" {
			out = append(out, it)
		}
	}
	sort.Strings(out)
	return out
}

func encodeTree(root *Node) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(root); err != nil {
		return "", fmt.Errorf("encode hierarchy: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
