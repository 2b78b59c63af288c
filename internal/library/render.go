package library

import (
	"bytes"
	"strings"
)

const maxHeadingLevel = 6

// Render serializes a tree to markdown. It walks depth-first, writing each
// heading at level depth+1 (capped at 6), then its items as bullets, then its
// children, all in the order given. Equal trees render to equal bytes.
func Render(root *Node) []byte {
	var buf bytes.Buffer
	renderNode(&buf, root, 0)
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return append(out, '\n')
}

func renderNode(buf *bytes.Buffer, n *Node, depth int) {
	level := depth + 1
	if level > maxHeadingLevel {
		level = maxHeadingLevel
	}
	buf.WriteString(strings.Repeat("#", level))
	buf.WriteByte(' ')
	buf.WriteString(singleLine(n.Title))
	buf.WriteString("\n\n")

	if len(n.Items) > 0 {
		for _, item := range n.Items {
			writeItem(buf, item)
		}
		buf.WriteByte('\n')
	}
	for _, c := range n.Children {
		renderNode(buf, c, depth+1)
	}
}

func writeItem(buf *bytes.Buffer, item string) {
	lines := strings.Split(strings.ReplaceAll(item, "\r\n", "\n"), "\n")
	buf.WriteString("- ")
	buf.WriteString(lines[0])
	buf.WriteByte('\n')
	for _, l := range lines[1:] {
		if l != "" {
			buf.WriteString("  ")
			buf.WriteString(l)
		}
		buf.WriteByte('\n')
	}
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
