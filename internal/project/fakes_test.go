package project

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"inkwell/api/internal/outbox"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
)

// memGateway is an in-memory Gateway. Setting failWrites makes every write
// fail, which is how tests simulate a remote outage.
type memGateway struct {
	mu         sync.Mutex
	projects   map[string]store.Project
	manuscript map[string][]store.ManuscriptFile
	characters map[string]store.Character
	episodes   map[string]store.Episode
	scenes     map[string]store.Scene
	todos      map[string]store.Todo
	failWrites error
	treeSaves  int
}

func newMemGateway() *memGateway {
	return &memGateway{
		projects:   map[string]store.Project{},
		manuscript: map[string][]store.ManuscriptFile{},
		characters: map[string]store.Character{},
		episodes:   map[string]store.Episode{},
		scenes:     map[string]store.Scene{},
		todos:      map[string]store.Todo{},
	}
}

func (g *memGateway) setFailure(err error) {
	g.mu.Lock()
	g.failWrites = err
	g.mu.Unlock()
}

func (g *memGateway) ListProjects(_ context.Context, userID string) ([]store.Project, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.Project
	for _, p := range g.projects {
		if p.OwnerID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (g *memGateway) GetProject(_ context.Context, id string) (store.Project, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.projects[id]
	if !ok {
		return store.Project{}, store.ErrNotFound
	}
	return p, nil
}

func (g *memGateway) InsertProject(_ context.Context, p store.Project) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWrites != nil {
		return g.failWrites
	}
	g.projects[p.ID] = p
	return nil
}

func (g *memGateway) UpdateProjectMeta(_ context.Context, p store.Project) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWrites != nil {
		return g.failWrites
	}
	cur, ok := g.projects[p.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Title, cur.Genre, cur.Logline, cur.UpdatedAt = p.Title, p.Genre, p.Logline, p.UpdatedAt
	g.projects[p.ID] = cur
	return nil
}

func (g *memGateway) SaveProjectTrees(_ context.Context, id string, files, mindMap json.RawMessage, manuscript []store.ManuscriptFile, updatedAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWrites != nil {
		return g.failWrites
	}
	cur, ok := g.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	cur.Files, cur.MindMap, cur.UpdatedAt = files, mindMap, updatedAt
	g.projects[id] = cur
	g.manuscript[id] = manuscript
	g.treeSaves++
	return nil
}

func (g *memGateway) DeleteProject(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWrites != nil {
		return g.failWrites
	}
	if _, ok := g.projects[id]; !ok {
		return store.ErrNotFound
	}
	delete(g.projects, id)
	return nil
}

func listOf[T any](g *memGateway, m map[string]T, projectOf func(T) string, projectID string) []T {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []T
	for _, v := range m {
		if projectOf(v) == projectID {
			out = append(out, v)
		}
	}
	return out
}

func putOf[T any](g *memGateway, m map[string]T, id string, v T) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWrites != nil {
		return g.failWrites
	}
	m[id] = v
	return nil
}

func deleteOf[T any](g *memGateway, m map[string]T, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWrites != nil {
		return g.failWrites
	}
	if _, ok := m[id]; !ok {
		return store.ErrNotFound
	}
	delete(m, id)
	return nil
}

func (g *memGateway) ListCharacters(_ context.Context, pid string) ([]store.Character, error) {
	return listOf(g, g.characters, func(c store.Character) string { return c.ProjectID }, pid), nil
}
func (g *memGateway) UpsertCharacter(_ context.Context, c store.Character) error {
	return putOf(g, g.characters, c.ID, c)
}
func (g *memGateway) DeleteCharacter(_ context.Context, _, id string) error {
	return deleteOf(g, g.characters, id)
}
func (g *memGateway) ListEpisodes(_ context.Context, pid string) ([]store.Episode, error) {
	return listOf(g, g.episodes, func(e store.Episode) string { return e.ProjectID }, pid), nil
}
func (g *memGateway) UpsertEpisode(_ context.Context, e store.Episode) error {
	return putOf(g, g.episodes, e.ID, e)
}
func (g *memGateway) DeleteEpisode(_ context.Context, _, id string) error {
	return deleteOf(g, g.episodes, id)
}
func (g *memGateway) ListScenes(_ context.Context, pid string) ([]store.Scene, error) {
	return listOf(g, g.scenes, func(s store.Scene) string { return s.ProjectID }, pid), nil
}
func (g *memGateway) UpsertScene(_ context.Context, s store.Scene) error {
	return putOf(g, g.scenes, s.ID, s)
}
func (g *memGateway) DeleteScene(_ context.Context, _, id string) error {
	return deleteOf(g, g.scenes, id)
}
func (g *memGateway) ListTodos(_ context.Context, pid string) ([]store.Todo, error) {
	return listOf(g, g.todos, func(t store.Todo) string { return t.ProjectID }, pid), nil
}
func (g *memGateway) UpsertTodo(_ context.Context, t store.Todo) error {
	return putOf(g, g.todos, t.ID, t)
}
func (g *memGateway) DeleteTodo(_ context.Context, _, id string) error {
	return deleteOf(g, g.todos, id)
}

// memOutbox mirrors outbox.Outbox semantics in memory.
type memOutbox struct {
	mu      sync.Mutex
	entries map[string]outbox.Entry
	clock   time.Time
}

func newMemOutbox() *memOutbox {
	return &memOutbox{entries: map[string]outbox.Entry{}, clock: time.Unix(0, 0)}
}

func (o *memOutbox) Put(_ context.Context, id string, payload []byte, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock = o.clock.Add(time.Second)
	e := o.entries[id]
	e.ProjectID, e.Payload, e.QueuedAt = id, payload, o.clock
	e.Attempts++
	if cause != nil {
		e.LastError = cause.Error()
	}
	o.entries[id] = e
	return nil
}

func (o *memOutbox) Get(_ context.Context, id string) (outbox.Entry, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	return e, ok, nil
}

func (o *memOutbox) Pending(_ context.Context, limit int) ([]outbox.Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]outbox.Entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b outbox.Entry) int { return a.QueuedAt.Compare(b.QueuedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *memOutbox) Count(_ context.Context) (int, error) {
	return o.len(), nil
}

func (o *memOutbox) Remove(_ context.Context, id string, queuedAt time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[id]; ok && !e.QueuedAt.After(queuedAt) {
		delete(o.entries, id)
	}
	return nil
}

func (o *memOutbox) Discard(_ context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, id)
	return nil
}

func (o *memOutbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) Get(_ context.Context, id string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[id]
	return v, ok, nil
}

func (c *memCache) Put(_ context.Context, id string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[id] = payload
	return nil
}

func (c *memCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, id)
	return nil
}

type recordingIndexer struct {
	mu         sync.Mutex
	manuscript map[string][]search.ManuscriptRecord
	removed    map[search.ResultType][]string
	characters []search.CharacterRecord
}

func newRecordingIndexer() *recordingIndexer {
	return &recordingIndexer{manuscript: map[string][]search.ManuscriptRecord{}, removed: map[search.ResultType][]string{}}
}

func (r *recordingIndexer) IndexCharacter(c search.CharacterRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.characters = append(r.characters, c)
}

func (r *recordingIndexer) IndexEpisode(search.EpisodeRecord) {}

func (r *recordingIndexer) IndexManuscript(projectID string, records []search.ManuscriptRecord, removedIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manuscript[projectID] = records
	r.removed[search.ResultManuscript] = append(r.removed[search.ResultManuscript], removedIDs...)
}

func (r *recordingIndexer) Remove(rtyp search.ResultType, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed[rtyp] = append(r.removed[rtyp], ids...)
}
