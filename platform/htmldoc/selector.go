package htmldoc

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// compound is one selector part such as "li.item[data-value]".
type compound struct {
	tag     string
	id      string
	classes []string
	attrKey string
	attrVal string
	hasVal  bool
}

// selector is a list of compounds joined by descendant combinators.
type selector []compound

// parseSelector accepts the subset: tag, #id, .class (repeatable),
// [attr], [attr=value] and the descendant combinator. Commas, child and
// sibling combinators and pseudo-classes are rejected.
func parseSelector(s string) (selector, error) {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return nil, fmt.Errorf("htmldoc: empty selector")
	}
	sel := make(selector, 0, len(parts))
	for _, p := range parts {
		if strings.ContainsAny(p, ",>+~:") {
			return nil, fmt.Errorf("htmldoc: unsupported selector %q", s)
		}
		c, err := parseCompound(p)
		if err != nil {
			return nil, fmt.Errorf("htmldoc: selector %q: %w", s, err)
		}
		sel = append(sel, c)
	}
	return sel, nil
}

func parseCompound(p string) (compound, error) {
	var c compound

	if idx := strings.IndexByte(p, '['); idx >= 0 {
		if !strings.HasSuffix(p, "]") {
			return c, fmt.Errorf("unterminated attribute in %q", p)
		}
		attr := p[idx+1 : len(p)-1]
		p = p[:idx]
		if eq := strings.IndexByte(attr, '='); eq >= 0 {
			c.attrKey = attr[:eq]
			c.attrVal = strings.Trim(attr[eq+1:], `"'`)
			c.hasVal = true
		} else {
			c.attrKey = attr
		}
		if c.attrKey == "" {
			return c, fmt.Errorf("empty attribute name in %q", p)
		}
	}

	// Split on '#' and '.' keeping the leading marker.
	start := 0
	for i := 0; i <= len(p); i++ {
		if i < len(p) && i != start && p[i] != '#' && p[i] != '.' {
			continue
		}
		if i == start {
			continue
		}
		tok := p[start:i]
		switch tok[0] {
		case '#':
			if len(tok) == 1 {
				return c, fmt.Errorf("empty id in %q", p)
			}
			c.id = tok[1:]
		case '.':
			if len(tok) == 1 {
				return c, fmt.Errorf("empty class in %q", p)
			}
			c.classes = append(c.classes, tok[1:])
		default:
			c.tag = strings.ToLower(tok)
		}
		start = i
	}
	if c.tag == "*" {
		c.tag = ""
	}
	return c, nil
}

func (c compound) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && n.Data != c.tag {
		return false
	}
	if c.id != "" && getAttr(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(getAttr(n, "class"))
		for _, want := range c.classes {
			if !contains(have, want) {
				return false
			}
		}
	}
	if c.attrKey != "" {
		v, ok := lookupAttr(n, c.attrKey)
		if !ok || (c.hasVal && v != c.attrVal) {
			return false
		}
	}
	return true
}

// match reports whether n matches the full selector: the last compound
// matches n and every earlier one matches some ancestor, right to left.
func (s selector) match(n *html.Node) bool {
	if !s[len(s)-1].match(n) {
		return false
	}
	i := len(s) - 2
	for a := n.Parent; a != nil && i >= 0; a = a.Parent {
		if s[i].match(a) {
			i--
		}
	}
	return i < 0
}

// selectAll returns matches in document order, each once.
func (s selector) selectAll(root *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if s.match(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

func getAttr(n *html.Node, key string) string {
	v, _ := lookupAttr(n, key)
	return v
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
