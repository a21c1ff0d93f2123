package rodpage

import (
	"github.com/hazyhaar/foresight/snapshot"
	"github.com/hazyhaar/foresight/tracker"
)

// Element is a handle on one tagged element. Every read is a round trip to
// the page; a removed element reports tracker.ErrDetached.
type Element struct {
	page *Page
	id   string
}

// ID is the element's data-fs-id.
func (e *Element) ID() string { return e.id }

// Rect is the border box in document coordinates (viewport rect plus the
// scroll offset).
func (e *Element) Rect() (snapshot.Rect, error) {
	var r snapshot.Rect
	err := e.page.evalJSON(`(id) => JSON.stringify(window.__fs.rect(id))`, &r, e.id)
	return r, err
}

type structure struct {
	Children    int               `json:"children"`
	Descendants int               `json:"descendants"`
	Attributes  map[string]string `json:"attributes"`
	Classes     []string          `json:"classes"`
	Text        string            `json:"text"`
}

func (e *Element) Structure() (tracker.Structure, error) {
	var s structure
	if err := e.page.evalJSON(`(id) => JSON.stringify(window.__fs.structure(id))`, &s, e.id); err != nil {
		return tracker.Structure{}, err
	}
	return tracker.Structure{
		Children:    s.Children,
		Descendants: s.Descendants,
		Attributes:  s.Attributes,
		Classes:     s.Classes,
		Text:        s.Text,
	}, nil
}

type formState struct {
	Checkable   bool `json:"checkable"`
	Checked     bool `json:"checked"`
	Validatable bool `json:"validatable"`
	Valid       bool `json:"valid"`
}

func (e *Element) Form() (tracker.FormState, error) {
	var f formState
	if err := e.page.evalJSON(`(id) => JSON.stringify(window.__fs.form(id))`, &f, e.id); err != nil {
		return tracker.FormState{}, err
	}
	return tracker.FormState(f), nil
}
