// Package htmldoc is a tracker platform over a parsed, static HTML
// document. Nothing moves in a static document: rects are zero and
// observers never fire, so trackers built on it publish one snapshot of
// structure, attributes, text and form state. It backs offline statistics
// over data-value lists and tests.
package htmldoc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/foresight/snapshot"
	"github.com/hazyhaar/foresight/tracker"
)

// Option configures a Document.
type Option func(*Document)

// WithLogger sets a custom logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(d *Document) { d.logger = l }
}

// Document is a parsed HTML document implementing tracker.Platform.
type Document struct {
	root   *html.Node
	logger *slog.Logger

	mu  sync.Mutex
	ids map[*html.Node]string
	seq int
}

var _ tracker.Platform = (*Document)(nil)

// Parse reads an HTML document.
func Parse(r io.Reader, opts ...Option) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: parse: %w", err)
	}
	d := &Document{root: root, ids: make(map[*html.Node]string)}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

// ParseString is Parse over a string.
func ParseString(s string, opts ...Option) (*Document, error) {
	return Parse(strings.NewReader(s), opts...)
}

// Query returns the elements matching selector in document order.
func (d *Document) Query(ctx context.Context, sel string) ([]tracker.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s, err := parseSelector(sel)
	if err != nil {
		return nil, err
	}
	nodes := s.selectAll(d.root)
	out := make([]tracker.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &Element{doc: d, node: n, id: d.idFor(n)})
	}
	d.logger.Debug("htmldoc: query", "selector", sel, "matches", len(out))
	return out, nil
}

// idFor keeps element ids stable across queries: an element's id
// attribute when present, a document sequence otherwise.
func (d *Document) idFor(n *html.Node) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.ids[n]; ok {
		return id
	}
	d.seq++
	id := "el-" + strconv.Itoa(d.seq)
	if v := getAttr(n, "id"); v != "" {
		id = v
	}
	d.ids[n] = id
	return id
}

// Observe never fires: the document is immutable.
func (d *Document) Observe(tracker.Element, tracker.ObserverKind, func(tracker.Signal)) (tracker.Release, error) {
	return func() {}, nil
}

// Listen never fires: there is no user in a static document.
func (d *Document) Listen(tracker.Element, tracker.EventType, func()) (tracker.Release, error) {
	return func() {}, nil
}

// Element is one node of a Document.
type Element struct {
	doc  *Document
	node *html.Node
	id   string
}

func (e *Element) ID() string { return e.id }

// Tag is the lower-case element name.
func (e *Element) Tag() string { return e.node.Data }

// Rect is always zero: a static document has no layout.
func (e *Element) Rect() (snapshot.Rect, error) { return snapshot.Rect{}, nil }

func (e *Element) Structure() (tracker.Structure, error) {
	st := tracker.Structure{Attributes: make(map[string]string, len(e.node.Attr))}
	for _, a := range e.node.Attr {
		st.Attributes[a.Key] = a.Val
	}
	st.Classes = strings.Fields(st.Attributes["class"])
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			st.Children++
		}
	}
	st.Descendants = countDescendants(e.node)
	st.Text = collectText(e.node)
	return st, nil
}

// Form reports native form state from attributes: checkboxes and radios
// are checkable, and a required control without a value is invalid.
func (e *Element) Form() (tracker.FormState, error) {
	n := e.node
	var fs tracker.FormState
	switch n.DataAtom {
	case atom.Input:
		typ := strings.ToLower(getAttr(n, "type"))
		if typ == "checkbox" || typ == "radio" {
			fs.Checkable = true
			_, fs.Checked = lookupAttr(n, "checked")
		}
		fs.Validatable = typ != "hidden" && typ != "button" && typ != "submit" && typ != "reset"
		fs.Valid = valid(n, getAttr(n, "value"), fs)
	case atom.Textarea:
		fs.Validatable = true
		fs.Valid = valid(n, collectText(n), fs)
	case atom.Select:
		fs.Validatable = true
		fs.Valid = valid(n, selectedValue(n), fs)
	}
	return fs, nil
}

func valid(n *html.Node, value string, fs tracker.FormState) bool {
	if _, required := lookupAttr(n, "required"); !required {
		return true
	}
	if fs.Checkable {
		return fs.Checked
	}
	return strings.TrimSpace(value) != ""
}

func selectedValue(sel *html.Node) string {
	var value string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Option {
			if _, ok := lookupAttr(n, "selected"); ok {
				if v, ok := lookupAttr(n, "value"); ok {
					value = v
				} else {
					value = collectText(n)
				}
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(sel)
	return value
}

func countDescendants(n *html.Node) int {
	total := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			total += 1 + countDescendants(c)
		}
	}
	return total
}

// collectText concatenates descendant text with collapsed whitespace,
// skipping script and style.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.DataAtom == atom.Script || n.DataAtom == atom.Style) {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
