package skill

import (
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var (
	wikilinkRe   = regexp.MustCompile(`\[\[([^\[\]\n]+?)\]\]`)
	inlineCodeRe = regexp.MustCompile("`[^`\n]*`")
)

// The parser configuration never changes and goldmark parsers are safe to
// share; Parse creates per-call state.
var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParserInstance
}

// ExtractWikilinks returns the distinct [[Target]] references of a markdown
// body in document order. Links inside code blocks, HTML blocks and inline
// code spans are ignored. Aliases ([[T|label]]) and anchors ([[T#h]]) resolve
// to T.
func ExtractWikilinks(body string) []string {
	if !strings.Contains(body, "[[") {
		return nil
	}
	source := []byte(body)
	document := getMarkdownParser().Parser().Parse(text.NewReader(source))

	var targets []string
	seen := make(map[string]bool)
	_ = ast.Walk(document, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node.Kind() {
		case ast.KindFencedCodeBlock, ast.KindCodeBlock, ast.KindHTMLBlock:
			return ast.WalkSkipChildren, nil
		}
		if node.Type() != ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		lines := node.Lines()
		if lines == nil || lines.Len() == 0 {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		for i := 0; i < lines.Len(); i++ {
			segment := lines.At(i)
			b.Write(segment.Value(source))
		}
		plain := inlineCodeRe.ReplaceAllString(b.String(), "")
		for _, m := range wikilinkRe.FindAllStringSubmatch(plain, -1) {
			target := normalizeTarget(m[1])
			if target == "" || seen[target] {
				continue
			}
			seen[target] = true
			targets = append(targets, target)
		}
		return ast.WalkContinue, nil
	})
	return targets
}

func normalizeTarget(raw string) string {
	t := raw
	if i := strings.IndexByte(t, '|'); i >= 0 {
		t = t[:i]
	}
	if i := strings.IndexByte(t, '#'); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}
