package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"inkwell/api/internal/outbox"
	"inkwell/api/internal/search"
	"inkwell/api/internal/store"
	"inkwell/api/internal/tree"
	"inkwell/api/internal/util"
)

// Gateway is the remote store the workspace writes through to. Every
// driver in the store package satisfies it.
type Gateway interface {
	ListProjects(ctx context.Context, userID string) ([]store.Project, error)
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	InsertProject(ctx context.Context, p store.Project) error
	UpdateProjectMeta(ctx context.Context, p store.Project) error
	SaveProjectTrees(ctx context.Context, projectID string, files, mindMap json.RawMessage, manuscript []store.ManuscriptFile, updatedAt time.Time) error
	DeleteProject(ctx context.Context, projectID string) error

	ListCharacters(ctx context.Context, projectID string) ([]store.Character, error)
	UpsertCharacter(ctx context.Context, c store.Character) error
	DeleteCharacter(ctx context.Context, projectID, id string) error
	ListEpisodes(ctx context.Context, projectID string) ([]store.Episode, error)
	UpsertEpisode(ctx context.Context, e store.Episode) error
	DeleteEpisode(ctx context.Context, projectID, id string) error
	ListScenes(ctx context.Context, projectID string) ([]store.Scene, error)
	UpsertScene(ctx context.Context, sc store.Scene) error
	DeleteScene(ctx context.Context, projectID, id string) error
	ListTodos(ctx context.Context, projectID string) ([]store.Todo, error)
	UpsertTodo(ctx context.Context, td store.Todo) error
	DeleteTodo(ctx context.Context, projectID, id string) error
}

// Outbox holds snapshots whose remote write failed.
type Outbox interface {
	Put(ctx context.Context, projectID string, payload []byte, cause error) error
	Get(ctx context.Context, projectID string) (outbox.Entry, bool, error)
	Pending(ctx context.Context, limit int) ([]outbox.Entry, error)
	Remove(ctx context.Context, projectID string, queuedAt time.Time) error
	Discard(ctx context.Context, projectID string) error
	Count(ctx context.Context) (int, error)
}

// Cache mirrors serialised snapshots for fast reloads.
type Cache interface {
	Get(ctx context.Context, projectID string) ([]byte, bool, error)
	Put(ctx context.Context, projectID string, payload []byte) error
	Invalidate(ctx context.Context, projectID string) error
}

// Indexer receives search index updates. Calls must not block.
type Indexer interface {
	IndexCharacter(c search.CharacterRecord)
	IndexEpisode(e search.EpisodeRecord)
	IndexManuscript(projectID string, records []search.ManuscriptRecord, removedIDs []string)
	Remove(rtyp search.ResultType, ids ...string)
}

type entry struct {
	mu           sync.Mutex
	project      *Project
	dirty        bool
	lastError    string
	lastSyncedAt time.Time
}

// Status reports whether the in-memory project has diverged from the
// remote store.
type Status struct {
	ProjectID    string    `json:"projectId"`
	Dirty        bool      `json:"dirty"`
	LastError    string    `json:"lastError,omitempty"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

type Option func(*Workspace)

func WithOutbox(o Outbox) Option            { return func(w *Workspace) { w.outbox = o } }
func WithCache(c Cache) Option              { return func(w *Workspace) { w.cache = c } }
func WithIndexer(i Indexer) Option          { return func(w *Workspace) { w.index = i } }
func WithLogger(l *zap.Logger) Option       { return func(w *Workspace) { w.logger = l } }
func WithClock(now func() time.Time) Option { return func(w *Workspace) { w.now = now } }

// Workspace is the single owner of loaded projects.
type Workspace struct {
	gateway Gateway
	outbox  Outbox
	cache   Cache
	index   Indexer
	logger  *zap.Logger
	now     func() time.Time
	entries *xsync.Map[string, *entry]
}

func NewWorkspace(gateway Gateway, opts ...Option) *Workspace {
	w := &Workspace{
		gateway: gateway,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		entries: xsync.NewMap[string, *entry](),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("workspace")
	return w
}

// load returns the entry for projectID, reading it from the outbox, the
// snapshot cache or the gateway in that order.
func (w *Workspace) load(ctx context.Context, projectID string) (*entry, error) {
	if e, ok := w.entries.Load(projectID); ok {
		return e, nil
	}

	e := &entry{}
	if w.outbox != nil {
		pending, ok, err := w.outbox.Get(ctx, projectID)
		if err != nil {
			w.logger.Warn("outbox read failed", zap.String("project", projectID), zap.Error(err))
		} else if ok {
			if p, err := decodeSnapshot(pending.Payload); err == nil {
				e.project, e.dirty, e.lastError = p, true, pending.LastError
			}
		}
	}
	if e.project == nil && w.cache != nil {
		payload, ok, err := w.cache.Get(ctx, projectID)
		if err != nil {
			w.logger.Warn("snapshot cache read failed", zap.String("project", projectID), zap.Error(err))
		} else if ok {
			if p, err := decodeSnapshot(payload); err == nil {
				e.project = p
			}
		}
	}
	if e.project == nil {
		p, err := w.fetch(ctx, projectID)
		if err != nil {
			return nil, err
		}
		e.project = p
		e.lastSyncedAt = w.now()
		w.mirror(ctx, p)
	}

	actual, _ := w.entries.LoadOrStore(projectID, e)
	return actual, nil
}

func (w *Workspace) fetch(ctx context.Context, projectID string) (*Project, error) {
	row, err := w.gateway.GetProject(ctx, projectID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", projectID, err)
	}
	p, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	if p.Characters, err = w.gateway.ListCharacters(ctx, projectID); err != nil {
		return nil, fmt.Errorf("load characters: %w", err)
	}
	if p.Episodes, err = w.gateway.ListEpisodes(ctx, projectID); err != nil {
		return nil, fmt.Errorf("load episodes: %w", err)
	}
	if p.Scenes, err = w.gateway.ListScenes(ctx, projectID); err != nil {
		return nil, fmt.Errorf("load scenes: %w", err)
	}
	if p.Todos, err = w.gateway.ListTodos(ctx, projectID); err != nil {
		return nil, fmt.Errorf("load todos: %w", err)
	}
	return p, nil
}

// mirror refreshes the snapshot cache. Failures only cost a slower reload.
func (w *Workspace) mirror(ctx context.Context, p *Project) {
	if w.cache == nil {
		return
	}
	payload, err := encodeSnapshot(p)
	if err == nil {
		err = w.cache.Put(ctx, p.ID, payload)
	}
	if err != nil {
		w.logger.Warn("snapshot cache write failed", zap.String("project", p.ID), zap.Error(err))
	}
}

// writeFunc performs the remote half of a mutation.
type writeFunc func(ctx context.Context, g Gateway) error

// mutate applies change to the project under its lock and then writes it
// through. A change that returns an error must leave the project untouched.
// A failed write keeps the in-memory change, marks the project dirty and
// queues a full snapshot for the syncer.
func (w *Workspace) mutate(ctx context.Context, projectID string, change func(p *Project) (writeFunc, error)) error {
	e, err := w.load(ctx, projectID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.project.Files.WithClock(w.now)
	e.project.MindMap.WithClock(w.now)
	write, err := change(e.project)
	if err != nil {
		return err
	}
	e.project.UpdatedAt = w.now()
	w.mirror(ctx, e.project)

	if write == nil {
		return nil
	}
	if e.dirty {
		// Remote is already behind; a targeted write would land out of order.
		if w.outbox != nil {
			w.queue(ctx, e, errors.New(e.lastError))
			return nil
		}
		// No syncer will catch it up, so push the whole project now.
		project := e.project
		write = func(ctx context.Context, g Gateway) error { return push(ctx, g, project) }
	}
	if err := write(ctx, w.gateway); err != nil {
		w.logger.Warn("remote write failed, project marked dirty", zap.String("project", projectID), zap.Error(err))
		e.dirty = true
		e.lastError = err.Error()
		w.queue(ctx, e, err)
		return nil
	}
	e.dirty = false
	e.lastError = ""
	e.lastSyncedAt = w.now()
	return nil
}

func (w *Workspace) queue(ctx context.Context, e *entry, cause error) {
	if w.outbox == nil {
		return
	}
	payload, err := encodeSnapshot(e.project)
	if err == nil {
		err = w.outbox.Put(ctx, e.project.ID, payload, cause)
	}
	if err != nil {
		w.logger.Error("outbox write failed", zap.String("project", e.project.ID), zap.Error(err))
	}
}

// read runs fn on the locked project.
func (w *Workspace) read(ctx context.Context, projectID string, fn func(e *entry)) error {
	e, err := w.load(ctx, projectID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
	return nil
}

// CreateInput carries the editable project metadata.
type CreateInput struct {
	Title   string `json:"title" validate:"required,max=200"`
	Genre   string `json:"genre" validate:"max=100"`
	Logline string `json:"logline" validate:"max=1000"`
}

// Create inserts a new empty project owned by ownerID. Unlike the element
// operations it persists first; a project the remote store never saw has
// no membership row to authorise later requests.
func (w *Workspace) Create(ctx context.Context, ownerID string, in CreateInput) (*Project, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	now := w.now()
	p := &Project{
		ID:        util.NewID("prj"),
		OwnerID:   ownerID,
		Title:     title,
		Genre:     strings.TrimSpace(in.Genre),
		Logline:   strings.TrimSpace(in.Logline),
		Files:     tree.New(),
		MindMap:   tree.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	row, err := p.Row()
	if err != nil {
		return nil, err
	}
	if err := w.gateway.InsertProject(ctx, row); err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	w.entries.Store(p.ID, &entry{project: p, lastSyncedAt: now})
	w.mirror(ctx, p)
	return p.Clone(), nil
}

// Get returns a copy of the project.
func (w *Workspace) Get(ctx context.Context, projectID string) (*Project, error) {
	var out *Project
	err := w.read(ctx, projectID, func(e *entry) { out = e.project.Clone() })
	return out, err
}

// List returns the projects userID is a member of, as stored remotely.
// Loaded projects report their in-memory title and timestamps.
func (w *Workspace) List(ctx context.Context, userID string) ([]store.Project, error) {
	rows, err := w.gateway.ListProjects(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	for i, row := range rows {
		e, ok := w.entries.Load(row.ID)
		if !ok {
			continue
		}
		e.mu.Lock()
		rows[i].Title, rows[i].Genre, rows[i].Logline = e.project.Title, e.project.Genre, e.project.Logline
		rows[i].UpdatedAt = e.project.UpdatedAt
		e.mu.Unlock()
	}
	return rows, nil
}

func (w *Workspace) UpdateMeta(ctx context.Context, projectID string, in CreateInput) (*Project, error) {
	var out *Project
	err := w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		title := strings.TrimSpace(in.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
		}
		p.Title, p.Genre, p.Logline = title, strings.TrimSpace(in.Genre), strings.TrimSpace(in.Logline)
		p.UpdatedAt = w.now()
		out = p.Clone()
		row := store.Project{ID: p.ID, Title: p.Title, Genre: p.Genre, Logline: p.Logline, UpdatedAt: p.UpdatedAt}
		return func(ctx context.Context, g Gateway) error { return g.UpdateProjectMeta(ctx, row) }, nil
	})
	return out, err
}

// Delete removes the project remotely first, then forgets it locally.
func (w *Workspace) Delete(ctx context.Context, projectID string) error {
	var removed *Project
	if e, ok := w.entries.Load(projectID); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		removed = e.project.Clone()
	}

	if err := w.gateway.DeleteProject(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete project %s: %w", projectID, err)
	}
	w.entries.Delete(projectID)

	if w.cache != nil {
		if err := w.cache.Invalidate(ctx, projectID); err != nil {
			w.logger.Warn("snapshot cache invalidate failed", zap.String("project", projectID), zap.Error(err))
		}
	}
	if w.outbox != nil {
		if err := w.outbox.Discard(ctx, projectID); err != nil {
			w.logger.Warn("outbox discard failed", zap.String("project", projectID), zap.Error(err))
		}
	}
	if w.index != nil && removed != nil {
		w.index.Remove(search.ResultCharacter, ids(removed.Characters, characterID)...)
		w.index.Remove(search.ResultEpisode, ids(removed.Episodes, episodeID)...)
		w.index.Remove(search.ResultManuscript, ids(removed.ManuscriptFiles(), func(f store.ManuscriptFile) string { return f.ID })...)
	}
	return nil
}

// Status reports the sync state of a project.
func (w *Workspace) Status(ctx context.Context, projectID string) (Status, error) {
	var st Status
	err := w.read(ctx, projectID, func(e *entry) {
		st = Status{ProjectID: projectID, Dirty: e.dirty, LastError: e.lastError, LastSyncedAt: e.lastSyncedAt}
	})
	return st, err
}

// Restore replaces both forests, used when rolling back to a saved version.
func (w *Workspace) Restore(ctx context.Context, projectID string, files, mindMap json.RawMessage) (*Project, error) {
	var out *Project
	err := w.mutate(ctx, projectID, func(p *Project) (writeFunc, error) {
		nextFiles, nextMind := tree.New(), tree.New()
		if err := json.Unmarshal(files, nextFiles); err != nil {
			return nil, fmt.Errorf("%w: files: %v", ErrInvalidInput, err)
		}
		if len(mindMap) > 0 {
			if err := json.Unmarshal(mindMap, nextMind); err != nil {
				return nil, fmt.Errorf("%w: mind map: %v", ErrInvalidInput, err)
			}
		}
		before := fileIDs(p)
		p.Files, p.MindMap = nextFiles, nextMind
		out = p.Clone()
		w.reindexManuscript(p, before)
		return w.treeWrite(p), nil
	})
	return out, err
}

func ids[T any](items []T, idOf func(T) string) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = idOf(item)
	}
	return out
}
