// Package tree holds a project's folder/file hierarchy as an ordered forest
// whose nodes are addressed by id rather than by path.
//
// A Forest is not safe for concurrent use; the owning project serialises
// access to it.
package tree

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

type Kind string

const (
	KindFolder Kind = "folder"
	KindFile   Kind = "file"
)

var (
	ErrNotFound       = errors.New("element not found")
	ErrTypeMismatch   = errors.New("element type mismatch")
	ErrDuplicateID    = errors.New("duplicate element id")
	ErrInvalidElement = errors.New("invalid element")
)

// Element is a folder or a file. Only folders carry Children and only files
// carry Content.
type Element struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"type"`
	Name      string     `json:"name"`
	Content   string     `json:"content,omitempty"`
	Children  []*Element `json:"children,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func NewFolder(id, name string, now time.Time) *Element {
	return &Element{ID: id, Kind: KindFolder, Name: name, Children: []*Element{}, CreatedAt: now, UpdatedAt: now}
}

func NewFile(id, name string, now time.Time) *Element {
	return &Element{ID: id, Kind: KindFile, Name: name, CreatedAt: now, UpdatedAt: now}
}

// MarshalJSON always emits children for folders, as an empty list when
// there are none, and never for files.
func (e *Element) MarshalJSON() ([]byte, error) {
	type plain Element
	if !e.IsFolder() {
		return json.Marshal((*plain)(e))
	}
	children := e.Children
	if children == nil {
		children = []*Element{}
	}
	return json.Marshal(struct {
		*plain
		Children []*Element `json:"children"`
	}{(*plain)(e), children})
}

func (e *Element) IsFolder() bool {
	return e.Kind == KindFolder
}

func (e *Element) clone() *Element {
	out := *e
	if e.Children != nil {
		out.Children = make([]*Element, len(e.Children))
		for i, child := range e.Children {
			out.Children[i] = child.clone()
		}
	}
	return &out
}

// Forest is the ordered sequence of root elements.
type Forest struct {
	Roots []*Element
	now   func() time.Time
}

func New() *Forest {
	return &Forest{Roots: []*Element{}}
}

// WithClock replaces the timestamp source used for UpdatedAt.
func (f *Forest) WithClock(now func() time.Time) *Forest {
	f.now = now
	return f
}

func (f *Forest) timestamp() time.Time {
	if f.now != nil {
		return f.now()
	}
	return time.Now().UTC()
}

// Insert appends el as the last root when parentID is empty, or as the last
// child of the folder parentID anywhere in the forest.
func (f *Forest) Insert(parentID string, el *Element) error {
	if el == nil || el.ID == "" {
		return ErrInvalidElement
	}
	incoming, err := collectIDs(el, nil)
	if err != nil {
		return err
	}
	for id := range incoming {
		if _, ok := f.Find(id); ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
	}

	if parentID == "" {
		f.Roots = append(f.Roots, el)
		return nil
	}
	parent, ok := f.Find(parentID)
	if !ok {
		return fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
	}
	if !parent.IsFolder() {
		return fmt.Errorf("%w: parent %s is a file", ErrTypeMismatch, parentID)
	}
	parent.Children = append(parent.Children, el)
	return nil
}

// Rename sets the name of id and refreshes its UpdatedAt.
func (f *Forest) Rename(id, name string) error {
	el, ok := f.Find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	el.Name = name
	el.UpdatedAt = f.timestamp()
	return nil
}

// UpdateContent replaces the content of the file id.
func (f *Forest) UpdateContent(id, content string) error {
	el, ok := f.Find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if el.IsFolder() {
		return fmt.Errorf("%w: %s is a folder", ErrTypeMismatch, id)
	}
	el.Content = content
	el.UpdatedAt = f.timestamp()
	return nil
}

// Delete detaches id and its whole subtree, wherever it sits.
func (f *Forest) Delete(id string) error {
	parentID, ok := f.ParentOf(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f.DeleteAt(id, parentID)
}

// DeleteAt detaches id only when it is a direct child of parentID (a root
// when parentID is empty). It never falls back to a global search.
func (f *Forest) DeleteAt(id, parentID string) error {
	siblings := &f.Roots
	if parentID != "" {
		parent, ok := f.Find(parentID)
		if !ok {
			return fmt.Errorf("%w: parent %s", ErrNotFound, parentID)
		}
		if !parent.IsFolder() {
			return fmt.Errorf("%w: parent %s is a file", ErrTypeMismatch, parentID)
		}
		siblings = &parent.Children
	}
	idx := slices.IndexFunc(*siblings, func(el *Element) bool { return el.ID == id })
	if idx < 0 {
		return fmt.Errorf("%w: %s under %q", ErrNotFound, id, parentID)
	}
	*siblings = slices.Delete(*siblings, idx, idx+1)
	return nil
}

// Find returns the element with the given id, searching depth-first.
func (f *Forest) Find(id string) (*Element, bool) {
	siblings, idx := locate(&f.Roots, id)
	if siblings == nil {
		return nil, false
	}
	return (*siblings)[idx], true
}

// ParentOf returns the id of the folder holding id; "" for roots.
func (f *Forest) ParentOf(id string) (string, bool) {
	for _, root := range f.Roots {
		if root.ID == id {
			return "", true
		}
	}
	var parentID string
	found := false
	f.Walk(func(el *Element, _ int) bool {
		for _, child := range el.Children {
			if child.ID == id {
				parentID, found = el.ID, true
				return false
			}
		}
		return true
	})
	return parentID, found
}

// Walk visits every element in pre-order. Returning false stops the walk.
func (f *Forest) Walk(fn func(el *Element, depth int) bool) {
	walk(f.Roots, 0, fn)
}

func walk(list []*Element, depth int, fn func(*Element, int) bool) bool {
	for _, el := range list {
		if !fn(el, depth) {
			return false
		}
		if el.IsFolder() && !walk(el.Children, depth+1, fn) {
			return false
		}
	}
	return true
}

func (f *Forest) Len() int {
	n := 0
	f.Walk(func(*Element, int) bool { n++; return true })
	return n
}

// Clone returns a deep copy sharing no elements with f.
func (f *Forest) Clone() *Forest {
	out := &Forest{Roots: make([]*Element, len(f.Roots)), now: f.now}
	for i, root := range f.Roots {
		out.Roots[i] = root.clone()
	}
	return out
}

// Validate checks id uniqueness and that files carry no children.
func (f *Forest) Validate() error {
	seen := make(map[string]struct{})
	for _, root := range f.Roots {
		if _, err := collectIDs(root, seen); err != nil {
			return err
		}
	}
	return nil
}

func (f *Forest) MarshalJSON() ([]byte, error) {
	if f.Roots == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(f.Roots)
}

func (f *Forest) UnmarshalJSON(data []byte) error {
	var roots []*Element
	if err := json.Unmarshal(data, &roots); err != nil {
		return err
	}
	if roots == nil {
		roots = []*Element{}
	}
	next := Forest{Roots: roots}
	if err := next.Validate(); err != nil {
		return err
	}
	f.Roots = roots
	return nil
}

func locate(list *[]*Element, id string) (*[]*Element, int) {
	for i, el := range *list {
		if el.ID == id {
			return list, i
		}
		if el.IsFolder() {
			if siblings, idx := locate(&el.Children, id); siblings != nil {
				return siblings, idx
			}
		}
	}
	return nil, -1
}

func collectIDs(el *Element, seen map[string]struct{}) (map[string]struct{}, error) {
	if seen == nil {
		seen = make(map[string]struct{})
	}
	if el == nil || el.ID == "" {
		return nil, ErrInvalidElement
	}
	switch el.Kind {
	case KindFolder:
	case KindFile:
		if len(el.Children) > 0 {
			return nil, fmt.Errorf("%w: file %s has children", ErrInvalidElement, el.ID)
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidElement, el.Kind)
	}
	if _, dup := seen[el.ID]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, el.ID)
	}
	seen[el.ID] = struct{}{}
	for _, child := range el.Children {
		if _, err := collectIDs(child, seen); err != nil {
			return nil, err
		}
	}
	return seen, nil
}
