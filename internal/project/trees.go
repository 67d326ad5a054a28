package project

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"inkwell/api/internal/search"
	"inkwell/api/internal/tree"
	"inkwell/api/internal/util"
)

// Outcome is the result tag reported to callers of element operations.
type Outcome string

const (
	OutcomeOK           Outcome = "ok"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeTypeMismatch Outcome = "type_mismatch"
	OutcomeDuplicateID  Outcome = "duplicate_id"
	OutcomeInvalid      Outcome = "invalid"
)

// OutcomeOf maps an element operation error to its Outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, tree.ErrNotFound), errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, tree.ErrTypeMismatch):
		return OutcomeTypeMismatch
	case errors.Is(err, tree.ErrDuplicateID):
		return OutcomeDuplicateID
	default:
		return OutcomeInvalid
	}
}

// InsertElement creates a folder or file named name under parentID (a new
// root when parentID is empty) and returns a copy of it.
func (w *Workspace) InsertElement(ctx context.Context, projectID string, which Tree, parentID, name string, isFolder bool) (*tree.Element, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", tree.ErrInvalidElement)
	}
	var out *tree.Element
	err := w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		now := w.now()
		var el *tree.Element
		if isFolder {
			el = tree.NewFolder(util.NewID(""), name, now)
		} else {
			el = tree.NewFile(util.NewID(""), name, now)
		}
		if err := p.forest(which).Insert(parentID, el); err != nil {
			return nil, err
		}
		out = cloneElement(el)
		if which == TreeFiles && !isFolder {
			w.reindexManuscript(p, nil)
		}
		return w.treeWrite(p), nil
	})
	return out, err
}

func (w *Workspace) RenameElement(ctx context.Context, projectID string, which Tree, id, name string) (*tree.Element, error) {
	return w.UpdateElement(ctx, projectID, which, id, &name, nil)
}

func (w *Workspace) UpdateElementContent(ctx context.Context, projectID string, which Tree, id, content string) (*tree.Element, error) {
	return w.UpdateElement(ctx, projectID, which, id, nil, &content)
}

// UpdateElement renames id and replaces its content in a single change.
// Nil fields are left alone. A content change on a folder fails before
// anything is applied.
func (w *Workspace) UpdateElement(ctx context.Context, projectID string, which Tree, id string, name, content *string) (*tree.Element, error) {
	if name == nil && content == nil {
		return nil, fmt.Errorf("%w: name or content is required", tree.ErrInvalidElement)
	}
	var newName string
	if name != nil {
		if newName = strings.TrimSpace(*name); newName == "" {
			return nil, fmt.Errorf("%w: name is required", tree.ErrInvalidElement)
		}
	}
	var out *tree.Element
	err := w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		f := p.forest(which)
		el, ok := f.Find(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", tree.ErrNotFound, id)
		}
		if content != nil {
			if err := f.UpdateContent(id, *content); err != nil {
				return nil, err
			}
		}
		if name != nil {
			if err := f.Rename(id, newName); err != nil {
				return nil, err
			}
		}
		out = cloneElement(el)
		if which == TreeFiles && !el.IsFolder() {
			w.reindexManuscript(p, nil)
		}
		return w.treeWrite(p), nil
	})
	return out, err
}

// DeleteElement removes id and its subtree. A nil parentID finds id
// anywhere; otherwise id must be a direct child of *parentID, with ""
// naming the roots.
func (w *Workspace) DeleteElement(ctx context.Context, projectID string, which Tree, id string, parentID *string) error {
	return w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		f := p.forest(which)
		before := fileIDs(p)
		var err error
		if parentID != nil {
			err = f.DeleteAt(id, *parentID)
		} else {
			err = f.Delete(id)
		}
		if err != nil {
			return nil, err
		}
		if which == TreeFiles {
			w.reindexManuscript(p, before)
		}
		return w.treeWrite(p), nil
	})
}

// treeWrite captures both forests now so the write sees this mutation and
// nothing later.
func (w *Workspace) treeWrite(p *Project) writeFunc {
	row, rowErr := p.Row()
	manuscript := p.ManuscriptFiles()
	updatedAt := w.now()
	return func(ctx context.Context, g Gateway) error {
		if rowErr != nil {
			return rowErr
		}
		return g.SaveProjectTrees(ctx, row.ID, row.Files, row.MindMap, manuscript, updatedAt)
	}
}

// reindexManuscript pushes the current files to the search index and drops
// any id from before that no longer exists.
func (w *Workspace) reindexManuscript(p *Project, before map[string]struct{}) {
	if w.index == nil {
		return
	}
	files := p.ManuscriptFiles()
	records := make([]search.ManuscriptRecord, len(files))
	current := make(map[string]struct{}, len(files))
	for i, f := range files {
		records[i] = search.ManuscriptRecord{ID: f.ID, ProjectID: p.ID, Name: f.Name, Content: f.Content}
		current[f.ID] = struct{}{}
	}
	var removed []string
	for id := range before {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	w.index.IndexManuscript(p.ID, records, removed)
}

func fileIDs(p *Project) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range p.ManuscriptFiles() {
		out[f.ID] = struct{}{}
	}
	return out
}

func cloneElement(el *tree.Element) *tree.Element {
	f := &tree.Forest{Roots: []*tree.Element{el}}
	return f.Clone().Roots[0]
}
