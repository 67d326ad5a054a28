// Package project owns the per-project aggregate: the manuscript and mind-map
// forests plus characters, episodes, timeline scenes and todos. The
// Workspace serialises every mutation of a project behind one lock and
// writes changes through to the persistence gateway.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"inkwell/api/internal/store"
	"inkwell/api/internal/tree"
)

var (
	ErrNotFound         = errors.New("project not found")
	ErrEntityNotFound   = errors.New("entity not found")
	ErrInvalidReference = errors.New("invalid reference")
	ErrInvalidInput     = errors.New("invalid input")
)

// Tree selects which forest of a project an element operation targets.
type Tree string

const (
	TreeFiles   Tree = "files"
	TreeMindMap Tree = "mindmap"
)

func ParseTree(s string) (Tree, error) {
	switch Tree(s) {
	case TreeFiles, TreeMindMap:
		return Tree(s), nil
	default:
		return "", fmt.Errorf("%w: unknown tree %q", ErrInvalidInput, s)
	}
}

// Project is the aggregate. Its forests are only touched under the owning
// entry's lock; callers outside the package receive clones.
type Project struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner_id"`
	Title      string            `json:"title"`
	Genre      string            `json:"genre"`
	Logline    string            `json:"logline"`
	Files      *tree.Forest      `json:"files"`
	MindMap    *tree.Forest      `json:"mind_map"`
	Characters []store.Character `json:"characters"`
	Episodes   []store.Episode   `json:"episodes"`
	Scenes     []store.Scene     `json:"scenes"`
	Todos      []store.Todo      `json:"todos"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func (p *Project) forest(which Tree) *tree.Forest {
	if which == TreeMindMap {
		return p.MindMap
	}
	return p.Files
}

// Clone returns a deep copy sharing no mutable state with p.
func (p *Project) Clone() *Project {
	out := *p
	out.Files = p.Files.Clone()
	out.MindMap = p.MindMap.Clone()
	out.Characters = slices.Clone(p.Characters)
	out.Episodes = slices.Clone(p.Episodes)
	out.Scenes = make([]store.Scene, len(p.Scenes))
	for i, sc := range p.Scenes {
		sc.CharacterIDs = slices.Clone(sc.CharacterIDs)
		out.Scenes[i] = sc
	}
	out.Todos = slices.Clone(p.Todos)
	return &out
}

// Row is the projects-table view of the aggregate.
func (p *Project) Row() (store.Project, error) {
	files, err := json.Marshal(p.Files)
	if err != nil {
		return store.Project{}, fmt.Errorf("encode files: %w", err)
	}
	mindMap, err := json.Marshal(p.MindMap)
	if err != nil {
		return store.Project{}, fmt.Errorf("encode mind map: %w", err)
	}
	return store.Project{
		ID:        p.ID,
		OwnerID:   p.OwnerID,
		Title:     p.Title,
		Genre:     p.Genre,
		Logline:   p.Logline,
		Files:     files,
		MindMap:   mindMap,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}, nil
}

// ManuscriptFiles flattens the file forest into its searchable files, in
// tree order.
func (p *Project) ManuscriptFiles() []store.ManuscriptFile {
	var files []store.ManuscriptFile
	p.Files.Walk(func(el *tree.Element, _ int) bool {
		if !el.IsFolder() {
			files = append(files, store.ManuscriptFile{ID: el.ID, ProjectID: p.ID, Name: el.Name, Content: el.Content})
		}
		return true
	})
	return files
}

// fromRow rebuilds an aggregate from its stored pieces.
func fromRow(row store.Project) (*Project, error) {
	p := &Project{
		ID:        row.ID,
		OwnerID:   row.OwnerID,
		Title:     row.Title,
		Genre:     row.Genre,
		Logline:   row.Logline,
		Files:     tree.New(),
		MindMap:   tree.New(),
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if len(row.Files) > 0 {
		if err := json.Unmarshal(row.Files, p.Files); err != nil {
			return nil, fmt.Errorf("decode files of %s: %w", row.ID, err)
		}
	}
	if len(row.MindMap) > 0 {
		if err := json.Unmarshal(row.MindMap, p.MindMap); err != nil {
			return nil, fmt.Errorf("decode mind map of %s: %w", row.ID, err)
		}
	}
	return p, nil
}

func encodeSnapshot(p *Project) ([]byte, error) {
	return json.Marshal(p)
}

func decodeSnapshot(payload []byte) (*Project, error) {
	p := &Project{Files: tree.New(), MindMap: tree.New()}
	if err := json.Unmarshal(payload, p); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if p.ID == "" {
		return nil, errors.New("decode snapshot: missing project id")
	}
	if p.Files == nil {
		p.Files = tree.New()
	}
	if p.MindMap == nil {
		p.MindMap = tree.New()
	}
	return p, nil
}

func indexByID[T any](items []T, id string, idOf func(T) string) int {
	return slices.IndexFunc(items, func(item T) bool { return idOf(item) == id })
}

// upsertByID replaces the item with the same id or appends it.
func upsertByID[T any](items []T, item T, idOf func(T) string) []T {
	if i := indexByID(items, idOf(item), idOf); i >= 0 {
		items[i] = item
		return items
	}
	return append(items, item)
}

func removeByID[T any](items []T, id string, idOf func(T) string) ([]T, bool) {
	i := indexByID(items, id, idOf)
	if i < 0 {
		return items, false
	}
	return slices.Delete(items, i, i+1), true
}

func characterID(c store.Character) string { return c.ID }
func episodeID(e store.Episode) string     { return e.ID }
func sceneID(s store.Scene) string         { return s.ID }
func todoID(t store.Todo) string           { return t.ID }
