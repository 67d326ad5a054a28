package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// MemoryStore keeps every table in process memory. It backs the "memory"
// storage driver used for local development and the HTTP tests; nothing
// survives a restart.
type MemoryStore struct {
	// mu serialises read-modify-write updates; plain reads and stores go
	// straight to the maps.
	mu sync.Mutex

	users      *xsync.Map[string, User]
	emails     *xsync.Map[string, string]
	refresh    *xsync.Map[string, refreshRow]
	projects   *xsync.Map[string, Project]
	members    *xsync.Map[memberKey, Member]
	manuscript *xsync.Map[string, []ManuscriptFile]
	characters *xsync.Map[string, Character]
	episodes   *xsync.Map[string, Episode]
	scenes     *xsync.Map[string, Scene]
	todos      *xsync.Map[string, Todo]
}

type memberKey struct{ projectID, userID string }

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      xsync.NewMap[string, User](),
		emails:     xsync.NewMap[string, string](),
		refresh:    xsync.NewMap[string, refreshRow](),
		projects:   xsync.NewMap[string, Project](),
		members:    xsync.NewMap[memberKey, Member](),
		manuscript: xsync.NewMap[string, []ManuscriptFile](),
		characters: xsync.NewMap[string, Character](),
		episodes:   xsync.NewMap[string, Episode](),
		scenes:     xsync.NewMap[string, Scene](),
		todos:      xsync.NewMap[string, Todo](),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Users

func (s *MemoryStore) CreateUser(_ context.Context, user User) error {
	user.Email = strings.ToLower(user.Email)
	if _, taken := s.emails.LoadOrStore(user.Email, user.ID); taken {
		return fmt.Errorf("insert user: email %s already registered", user.Email)
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	s.users.Store(user.ID, user)
	return nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	id, ok := s.emails.Load(strings.ToLower(email))
	if !ok {
		return User{}, ErrNotFound
	}
	return s.GetUserByID(ctx, id)
}

func (s *MemoryStore) GetUserByID(_ context.Context, userID string) (User, error) {
	user, ok := s.users.Load(userID)
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

// Refresh sessions

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	s.refresh.Store(tokenHash, refreshRow{TokenHash: tokenHash, UserID: userID, ExpiresAt: expiresAt})
	return nil
}

func (s *MemoryStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	row, ok := s.refresh.Load(tokenHash)
	if !ok || row.RevokedAt != nil || !row.ExpiresAt.After(time.Now()) {
		return User{}, ErrNotFound
	}
	return s.GetUserByID(ctx, row.UserID)
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.refresh.Load(tokenHash); ok {
		now := time.Now().UTC()
		row.RevokedAt = &now
		s.refresh.Store(tokenHash, row)
	}
	return nil
}

// Projects

func (s *MemoryStore) ListProjects(_ context.Context, userID string) ([]Project, error) {
	var projects []Project
	s.members.Range(func(key memberKey, _ Member) bool {
		if key.userID != userID {
			return true
		}
		if p, ok := s.projects.Load(key.projectID); ok {
			projects = append(projects, p)
		}
		return true
	})
	slices.SortFunc(projects, func(a, b Project) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return projects, nil
}

func (s *MemoryStore) GetProject(_ context.Context, projectID string) (Project, error) {
	p, ok := s.projects.Load(projectID)
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) InsertProject(ctx context.Context, p Project) error {
	p.Files = json.RawMessage(rawOrEmpty(p.Files))
	p.MindMap = json.RawMessage(rawOrEmpty(p.MindMap))
	if _, exists := s.projects.LoadOrStore(p.ID, p); exists {
		return fmt.Errorf("insert project: %s already exists", p.ID)
	}
	return s.UpsertMember(ctx, Member{ProjectID: p.ID, UserID: p.OwnerID, Role: "owner", CreatedAt: p.CreatedAt})
}

func (s *MemoryStore) UpdateProjectMeta(_ context.Context, p Project) error {
	return s.updateProject(p.ID, func(cur *Project) {
		cur.Title, cur.Genre, cur.Logline, cur.UpdatedAt = p.Title, p.Genre, p.Logline, p.UpdatedAt
	})
}

func (s *MemoryStore) SaveProjectTrees(_ context.Context, projectID string, files, mindMap json.RawMessage, manuscript []ManuscriptFile, updatedAt time.Time) error {
	err := s.updateProject(projectID, func(cur *Project) {
		cur.Files = json.RawMessage(rawOrEmpty(files))
		cur.MindMap = json.RawMessage(rawOrEmpty(mindMap))
		cur.UpdatedAt = updatedAt
	})
	if err != nil {
		return err
	}
	rows := make([]ManuscriptFile, len(manuscript))
	for i, f := range manuscript {
		f.ProjectID = projectID
		rows[i] = f
	}
	s.manuscript.Store(projectID, rows)
	return nil
}

func (s *MemoryStore) updateProject(projectID string, apply func(*Project)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.projects.Load(projectID)
	if !ok {
		return ErrNotFound
	}
	apply(&cur)
	s.projects.Store(projectID, cur)
	return nil
}

// DeleteProject cascades to everything the project owns.
func (s *MemoryStore) DeleteProject(_ context.Context, projectID string) error {
	if _, ok := s.projects.LoadAndDelete(projectID); !ok {
		return ErrNotFound
	}
	s.manuscript.Delete(projectID)
	s.members.Range(func(key memberKey, _ Member) bool {
		if key.projectID == projectID {
			s.members.Delete(key)
		}
		return true
	})
	deleteWhere(s.characters, func(c Character) bool { return c.ProjectID == projectID })
	deleteWhere(s.episodes, func(e Episode) bool { return e.ProjectID == projectID })
	deleteWhere(s.scenes, func(sc Scene) bool { return sc.ProjectID == projectID })
	deleteWhere(s.todos, func(td Todo) bool { return td.ProjectID == projectID })
	return nil
}

func (s *MemoryStore) GetMemberRole(_ context.Context, projectID, userID string) (string, error) {
	m, ok := s.members.Load(memberKey{projectID, userID})
	if !ok {
		return "", ErrNotFound
	}
	return m.Role, nil
}

func (s *MemoryStore) UpsertMember(_ context.Context, m Member) error {
	if _, ok := s.projects.Load(m.ProjectID); !ok {
		return ErrNotFound
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.members.Store(memberKey{m.ProjectID, m.UserID}, m)
	return nil
}

// ManuscriptFiles returns the flattened files last saved for projectID.
func (s *MemoryStore) ManuscriptFiles(projectID string) []ManuscriptFile {
	rows, _ := s.manuscript.Load(projectID)
	return slices.Clone(rows)
}

// Project-owned entities

func (s *MemoryStore) ListCharacters(_ context.Context, projectID string) ([]Character, error) {
	items := listWhere(s.characters, func(c Character) bool { return c.ProjectID == projectID })
	slices.SortFunc(items, func(a, b Character) int {
		return cmp.Or(cmp.Compare(a.SortOrder, b.SortOrder), strings.Compare(a.Name, b.Name))
	})
	return items, nil
}

func (s *MemoryStore) UpsertCharacter(_ context.Context, c Character) error {
	s.characters.Store(c.ID, c)
	return nil
}

func (s *MemoryStore) DeleteCharacter(_ context.Context, projectID, id string) error {
	return deleteScoped(&s.mu, s.characters, id, func(c Character) bool { return c.ProjectID == projectID })
}

func (s *MemoryStore) ListEpisodes(_ context.Context, projectID string) ([]Episode, error) {
	items := listWhere(s.episodes, func(e Episode) bool { return e.ProjectID == projectID })
	slices.SortFunc(items, func(a, b Episode) int { return cmp.Compare(a.Number, b.Number) })
	return items, nil
}

func (s *MemoryStore) UpsertEpisode(_ context.Context, e Episode) error {
	s.episodes.Store(e.ID, e)
	return nil
}

// DeleteEpisode detaches the episode's scenes, as the foreign key does in
// Postgres.
func (s *MemoryStore) DeleteEpisode(_ context.Context, projectID, id string) error {
	if err := deleteScoped(&s.mu, s.episodes, id, func(e Episode) bool { return e.ProjectID == projectID }); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scenes.Range(func(key string, sc Scene) bool {
		if sc.EpisodeID != nil && *sc.EpisodeID == id {
			sc.EpisodeID = nil
			s.scenes.Store(key, sc)
		}
		return true
	})
	return nil
}

func (s *MemoryStore) ListScenes(_ context.Context, projectID string) ([]Scene, error) {
	items := listWhere(s.scenes, func(sc Scene) bool { return sc.ProjectID == projectID })
	slices.SortFunc(items, func(a, b Scene) int { return cmp.Compare(a.Position, b.Position) })
	return items, nil
}

func (s *MemoryStore) UpsertScene(_ context.Context, sc Scene) error {
	sc.CharacterIDs = slices.Clone(sc.CharacterIDs)
	if sc.CharacterIDs == nil {
		sc.CharacterIDs = []string{}
	}
	s.scenes.Store(sc.ID, sc)
	return nil
}

func (s *MemoryStore) DeleteScene(_ context.Context, projectID, id string) error {
	return deleteScoped(&s.mu, s.scenes, id, func(sc Scene) bool { return sc.ProjectID == projectID })
}

func (s *MemoryStore) ListTodos(_ context.Context, projectID string) ([]Todo, error) {
	items := listWhere(s.todos, func(td Todo) bool { return td.ProjectID == projectID })
	slices.SortFunc(items, func(a, b Todo) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return items, nil
}

func (s *MemoryStore) UpsertTodo(_ context.Context, td Todo) error {
	s.todos.Store(td.ID, td)
	return nil
}

func (s *MemoryStore) DeleteTodo(_ context.Context, projectID, id string) error {
	return deleteScoped(&s.mu, s.todos, id, func(td Todo) bool { return td.ProjectID == projectID })
}

func listWhere[T any](m *xsync.Map[string, T], keep func(T) bool) []T {
	out := make([]T, 0)
	m.Range(func(_ string, v T) bool {
		if keep(v) {
			out = append(out, v)
		}
		return true
	})
	return out
}

func deleteWhere[T any](m *xsync.Map[string, T], match func(T) bool) {
	m.Range(func(key string, v T) bool {
		if match(v) {
			m.Delete(key)
		}
		return true
	})
}

func deleteScoped[T any](mu *sync.Mutex, m *xsync.Map[string, T], id string, inScope func(T) bool) error {
	mu.Lock()
	defer mu.Unlock()
	v, ok := m.Load(id)
	if !ok || !inScope(v) {
		return ErrNotFound
	}
	m.Delete(id)
	return nil
}
