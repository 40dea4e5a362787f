package warmap

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// attr returns the value of attribute key on n, or ("", false).
func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

// classes returns the whitespace-separated class list of n, lowercased.
func classes(n *html.Node) []string {
	v, ok := attr(n, "class")
	if !ok {
		return nil
	}
	fields := strings.Fields(v)
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = strings.ToLower(f)
	}
	return out
}

// hasClassPrefix reports whether n carries a class beginning with prefix.
func hasClassPrefix(n *html.Node, prefix string) (string, bool) {
	for _, c := range classes(n) {
		if strings.HasPrefix(c, prefix) {
			return c, true
		}
	}
	return "", false
}

// walk calls visit for every node in the subtree rooted at n, depth-first.
func walk(n *html.Node, visit func(*html.Node)) {
	if n == nil {
		return
	}
	visit(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

// findAll returns every node in the subtree rooted at n for which match
// returns true.
func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	walk(n, func(c *html.Node) {
		if match(c) {
			out = append(out, c)
		}
	})
	return out
}

func isElement(n *html.Node, tag string) bool {
	return n.Type == html.ElementNode && n.Data == tag
}

// nodeText concatenates all text node content within the subtree rooted at
// n, collapsing runs of whitespace to single spaces.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteString(" ")
		}
	})
	return strings.Join(strings.Fields(sb.String()), " ")
}

// cellLines splits the rendered text of n into lines the way a browser
// would render <br>-separated text in a table cell: text accumulates into
// the current line until a <br> element, which starts a new line. Empty
// lines are dropped.
func cellLines(n *html.Node) []string {
	var lines []string
	var cur strings.Builder

	flush := func() {
		line := strings.Join(strings.Fields(cur.String()), " ")
		if line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	var visit func(*html.Node)
	visit = func(c *html.Node) {
		switch {
		case c.Type == html.TextNode:
			cur.WriteString(c.Data)
			cur.WriteString(" ")
		case isElement(c, "br"):
			flush()
		default:
			for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
				visit(ch)
			}
		}
	}
	visit(n)
	flush()
	return lines
}

// images returns every <img> element within the subtree rooted at n.
func images(n *html.Node) []*html.Node {
	return findAll(n, func(c *html.Node) bool { return isElement(c, "img") })
}

// parseFragment parses an HTML fragment/document into a tree and returns
// its root. html.Parse tolerates malformed markup, so a broken document
// degrades to whatever tree was recoverable instead of failing the parse.
func parseFragment(data []byte) (*html.Node, error) {
	return html.Parse(bytes.NewReader(data))
}
