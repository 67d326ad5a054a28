package project

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/util"
)

type CharacterInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Role        string `json:"role" validate:"max=100"`
	Description string `json:"description"`
	Notes       string `json:"notes"`
	SortOrder   int    `json:"sortOrder" validate:"min=0"`
}

type EpisodeInput struct {
	Number   int    `json:"number" validate:"min=0"`
	Title    string `json:"title" validate:"required,max=300"`
	Synopsis string `json:"synopsis"`
	Content  string `json:"content"`
	Status   string `json:"status" validate:"omitempty,oneof=idea outline draft revised final"`
}

type SceneInput struct {
	EpisodeID    *string  `json:"episodeId"`
	Title        string   `json:"title" validate:"required,max=300"`
	Summary      string   `json:"summary"`
	StoryTime    string   `json:"storyTime" validate:"max=100"`
	Position     int      `json:"position" validate:"min=0"`
	CharacterIDs []string `json:"characterIds"`
}

type TodoInput struct {
	Text  string     `json:"text" validate:"required,max=1000"`
	Done  bool       `json:"done"`
	DueAt *time.Time `json:"dueAt"`
}

// SaveCharacter creates the character when id is empty, otherwise replaces
// the existing one.
func (w *Workspace) SaveCharacter(ctx context.Context, projectID, id string, in CharacterInput) (store.Character, error) {
	var out store.Character
	err := w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		if strings.TrimSpace(in.Name) == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
		}
		c, err := existingOrNew(p.Characters, id, characterID, "chr", w.now(), func(c *store.Character, id string, now time.Time) {
			c.ID, c.ProjectID, c.CreatedAt = id, p.ID, now
		})
		if err != nil {
			return nil, err
		}
		c.Name, c.Role, c.Description, c.Notes, c.SortOrder = strings.TrimSpace(in.Name), in.Role, in.Description, in.Notes, in.SortOrder
		c.UpdatedAt = w.now()
		p.Characters = upsertByID(p.Characters, c, characterID)
		out = c

		if w.index != nil {
			w.index.IndexCharacter(search.CharacterRecord{ID: c.ID, ProjectID: p.ID, Name: c.Name, Role: c.Role, Description: c.Description})
		}
		return func(ctx context.Context, g Gateway) error { return g.UpsertCharacter(ctx, c) }, nil
	})
	return out, err
}

// DeleteCharacter removes the character and drops it from every scene.
func (w *Workspace) DeleteCharacter(ctx context.Context, projectID, id string) error {
	return w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		next, ok := removeByID(p.Characters, id, characterID)
		if !ok {
			return nil, fmt.Errorf("%w: character %s", ErrEntityNotFound, id)
		}
		p.Characters = next

		var touched []store.Scene
		for i := range p.Scenes {
			sc := &p.Scenes[i]
			if j := slices.Index(sc.CharacterIDs, id); j >= 0 {
				sc.CharacterIDs = slices.Delete(sc.CharacterIDs, j, j+1)
				sc.UpdatedAt = w.now()
				touched = append(touched, cloneScene(*sc))
			}
		}
		if w.index != nil {
			w.index.Remove(search.ResultCharacter, id)
		}
		return func(ctx context.Context, g Gateway) error {
			if err := g.DeleteCharacter(ctx, p.ID, id); err != nil {
				return err
			}
			return upsertScenes(ctx, g, touched)
		}, nil
	})
}

func (w *Workspace) SaveEpisode(ctx context.Context, projectID, id string, in EpisodeInput) (store.Episode, error) {
	var out store.Episode
	err := w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		if strings.TrimSpace(in.Title) == "" {
			return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
		}
		e, err := existingOrNew(p.Episodes, id, episodeID, "ep", w.now(), func(e *store.Episode, id string, now time.Time) {
			e.ID, e.ProjectID, e.CreatedAt = id, p.ID, now
		})
		if err != nil {
			return nil, err
		}
		status := in.Status
		if status == "" {
			status = "idea"
		}
		e.Number, e.Title, e.Synopsis, e.Content, e.Status = in.Number, strings.TrimSpace(in.Title), in.Synopsis, in.Content, status
		e.UpdatedAt = w.now()
		p.Episodes = upsertByID(p.Episodes, e, episodeID)
		out = e

		if w.index != nil {
			w.index.IndexEpisode(search.EpisodeRecord{ID: e.ID, ProjectID: p.ID, Number: e.Number, Title: e.Title, Synopsis: e.Synopsis})
		}
		return func(ctx context.Context, g Gateway) error { return g.UpsertEpisode(ctx, e) }, nil
	})
	return out, err
}

// DeleteEpisode removes the episode and detaches its scenes.
func (w *Workspace) DeleteEpisode(ctx context.Context, projectID, id string) error {
	return w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		next, ok := removeByID(p.Episodes, id, episodeID)
		if !ok {
			return nil, fmt.Errorf("%w: episode %s", ErrEntityNotFound, id)
		}
		p.Episodes = next

		var touched []store.Scene
		for i := range p.Scenes {
			sc := &p.Scenes[i]
			if sc.EpisodeID != nil && *sc.EpisodeID == id {
				sc.EpisodeID = nil
				sc.UpdatedAt = w.now()
				touched = append(touched, cloneScene(*sc))
			}
		}
		if w.index != nil {
			w.index.Remove(search.ResultEpisode, id)
		}
		return func(ctx context.Context, g Gateway) error {
			if err := g.DeleteEpisode(ctx, p.ID, id); err != nil {
				return err
			}
			return upsertScenes(ctx, g, touched)
		}, nil
	})
}

// SaveScene stores a timeline entry. Its episode and characters must exist
// in the same project.
func (w *Workspace) SaveScene(ctx context.Context, projectID, id string, in SceneInput) (store.Scene, error) {
	var out store.Scene
	err := w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		if strings.TrimSpace(in.Title) == "" {
			return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
		}
		if in.EpisodeID != nil && *in.EpisodeID != "" && indexByID(p.Episodes, *in.EpisodeID, episodeID) < 0 {
			return nil, fmt.Errorf("%w: episode %s", ErrInvalidReference, *in.EpisodeID)
		}
		for _, cid := range in.CharacterIDs {
			if indexByID(p.Characters, cid, characterID) < 0 {
				return nil, fmt.Errorf("%w: character %s", ErrInvalidReference, cid)
			}
		}
		sc, err := existingOrNew(p.Scenes, id, sceneID, "scn", w.now(), func(sc *store.Scene, id string, now time.Time) {
			sc.ID, sc.ProjectID, sc.CreatedAt = id, p.ID, now
		})
		if err != nil {
			return nil, err
		}
		sc.EpisodeID = nil
		if in.EpisodeID != nil && *in.EpisodeID != "" {
			episode := *in.EpisodeID
			sc.EpisodeID = &episode
		}
		sc.Title, sc.Summary, sc.StoryTime, sc.Position = strings.TrimSpace(in.Title), in.Summary, in.StoryTime, in.Position
		sc.CharacterIDs = dedupe(in.CharacterIDs)
		sc.UpdatedAt = w.now()
		p.Scenes = upsertByID(p.Scenes, sc, sceneID)
		slices.SortStableFunc(p.Scenes, func(a, b store.Scene) int { return a.Position - b.Position })
		out = cloneScene(sc)

		saved := cloneScene(sc)
		return func(ctx context.Context, g Gateway) error { return g.UpsertScene(ctx, saved) }, nil
	})
	return out, err
}

func (w *Workspace) DeleteScene(ctx context.Context, projectID, id string) error {
	return w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		next, ok := removeByID(p.Scenes, id, sceneID)
		if !ok {
			return nil, fmt.Errorf("%w: scene %s", ErrEntityNotFound, id)
		}
		p.Scenes = next
		return func(ctx context.Context, g Gateway) error { return g.DeleteScene(ctx, p.ID, id) }, nil
	})
}

func (w *Workspace) SaveTodo(ctx context.Context, projectID, id string, in TodoInput) (store.Todo, error) {
	var out store.Todo
	err := w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		if strings.TrimSpace(in.Text) == "" {
			return nil, fmt.Errorf("%w: text is required", ErrInvalidInput)
		}
		td, err := existingOrNew(p.Todos, id, todoID, "todo", w.now(), func(td *store.Todo, id string, now time.Time) {
			td.ID, td.ProjectID, td.CreatedAt = id, p.ID, now
		})
		if err != nil {
			return nil, err
		}
		td.Text, td.Done, td.DueAt = strings.TrimSpace(in.Text), in.Done, in.DueAt
		td.UpdatedAt = w.now()
		p.Todos = upsertByID(p.Todos, td, todoID)
		out = td
		return func(ctx context.Context, g Gateway) error { return g.UpsertTodo(ctx, td) }, nil
	})
	return out, err
}

func (w *Workspace) DeleteTodo(ctx context.Context, projectID, id string) error {
	return w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		next, ok := removeByID(p.Todos, id, todoID)
		if !ok {
			return nil, fmt.Errorf("%w: todo %s", ErrEntityNotFound, id)
		}
		p.Todos = next
		return func(ctx context.Context, g Gateway) error { return g.DeleteTodo(ctx, p.ID, id) }, nil
	})
}

// existingOrNew returns a copy of the item with id, or a fresh item with a
// generated id when id is empty.
func existingOrNew[T any](items []T, id string, idOf func(T) string, prefix string, now time.Time, init func(*T, string, time.Time)) (T, error) {
	var item T
	if id == "" {
		init(&item, util.NewID(prefix), now)
		return item, nil
	}
	i := indexByID(items, id, idOf)
	if i < 0 {
		return item, fmt.Errorf("%w: %s", ErrEntityNotFound, id)
	}
	return items[i], nil
}

func cloneScene(sc store.Scene) store.Scene {
	sc.CharacterIDs = slices.Clone(sc.CharacterIDs)
	if sc.EpisodeID != nil {
		episode := *sc.EpisodeID
		sc.EpisodeID = &episode
	}
	return sc
}

func upsertScenes(ctx context.Context, g Gateway, scenes []store.Scene) error {
	for _, sc := range scenes {
		if err := g.UpsertScene(ctx, sc); err != nil {
			return err
		}
	}
	return nil
}

// dedupe keeps the first occurrence of each id, in order.
func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
