package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/supabase-community/supabase-go"
)

// SupabaseStore talks to a hosted Supabase project through PostgREST. It
// serves the same operations as PostgresStore against the same schema.
//
// The PostgREST client has no context support; ctx is only checked for
// cancellation before each request.
type SupabaseStore struct {
	client *supabase.Client
}

func NewSupabaseStore(url, serviceKey string) (*SupabaseStore, error) {
	client, err := supabase.NewClient(url, serviceKey, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseStore{client: client}, nil
}

func (s *SupabaseStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.client.From("projects").Select("id", "", true).Limit(1, "").Execute()
	if err != nil {
		return fmt.Errorf("supabase ping: %w", err)
	}
	return nil
}

func (s *SupabaseStore) first(ctx context.Context, table, column, value string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var rows []json.RawMessage
	if _, err := s.client.From(table).Select("*", "", false).Eq(column, value).Limit(1, "").ExecuteTo(&rows); err != nil {
		return fmt.Errorf("select %s: %w", table, err)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(rows[0], out)
}

func (s *SupabaseStore) upsert(ctx context.Context, table, onConflict string, row any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := s.client.From(table).Upsert(row, onConflict, "minimal", "").Execute(); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func (s *SupabaseStore) listByProject(ctx context.Context, table, projectID string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.From(table).Select("*", "", false).Eq("project_id", projectID).ExecuteTo(out); err != nil {
		return fmt.Errorf("list %s: %w", table, err)
	}
	return nil
}

func (s *SupabaseStore) deleteScoped(ctx context.Context, table, projectID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var deleted []json.RawMessage
	if _, err := s.client.From(table).Delete("representation", "").Eq("project_id", projectID).Eq("id", id).ExecuteTo(&deleted); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	if len(deleted) == 0 {
		return ErrNotFound
	}
	return nil
}

// Users

func (s *SupabaseStore) CreateUser(ctx context.Context, user User) error {
	user.Email = strings.ToLower(user.Email)
	now := time.Now().UTC()
	user.CreatedAt, user.UpdatedAt = now, now
	return s.upsert(ctx, "users", "id", user)
}

func (s *SupabaseStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.first(ctx, "users", "email", strings.ToLower(email), &user)
	return user, err
}

func (s *SupabaseStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.first(ctx, "users", "id", userID, &user)
	return user, err
}

// Refresh sessions

type refreshRow struct {
	TokenHash string     `json:"token_hash"`
	UserID    string     `json:"user_id"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at"`
}

func (s *SupabaseStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	return s.upsert(ctx, "refresh_sessions", "token_hash", refreshRow{TokenHash: tokenHash, UserID: userID, ExpiresAt: expiresAt})
}

func (s *SupabaseStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var row refreshRow
	if err := s.first(ctx, "refresh_sessions", "token_hash", tokenHash, &row); err != nil {
		return User{}, err
	}
	if row.RevokedAt != nil || !row.ExpiresAt.After(time.Now()) {
		return User{}, ErrNotFound
	}
	return s.GetUserByID(ctx, row.UserID)
}

func (s *SupabaseStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	patch := map[string]any{"revoked_at": time.Now().UTC()}
	if _, _, err := s.client.From("refresh_sessions").Update(patch, "minimal", "").Eq("token_hash", tokenHash).Execute(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Projects

func (s *SupabaseStore) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var members []Member
	if _, err := s.client.From("project_members").Select("*", "", false).Eq("user_id", userID).ExecuteTo(&members); err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	projects := make([]Project, 0, len(members))
	for _, m := range members {
		p, err := s.GetProject(ctx, m.ProjectID)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

func (s *SupabaseStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var p Project
	err := s.first(ctx, "projects", "id", projectID, &p)
	return p, err
}

func (s *SupabaseStore) InsertProject(ctx context.Context, p Project) error {
	if len(p.Files) == 0 {
		p.Files = json.RawMessage("[]")
	}
	if len(p.MindMap) == 0 {
		p.MindMap = json.RawMessage("[]")
	}
	if err := s.upsert(ctx, "projects", "id", p); err != nil {
		return err
	}
	return s.UpsertMember(ctx, Member{ProjectID: p.ID, UserID: p.OwnerID, Role: "owner", CreatedAt: p.CreatedAt})
}

func (s *SupabaseStore) UpdateProjectMeta(ctx context.Context, p Project) error {
	return s.updateProject(ctx, p.ID, map[string]any{
		"title":      p.Title,
		"genre":      p.Genre,
		"logline":    p.Logline,
		"updated_at": p.UpdatedAt,
	})
}

func (s *SupabaseStore) SaveProjectTrees(ctx context.Context, projectID string, files, mindMap json.RawMessage, manuscript []ManuscriptFile, updatedAt time.Time) error {
	if err := s.updateProject(ctx, projectID, map[string]any{
		"files":      json.RawMessage(rawOrEmpty(files)),
		"mind_map":   json.RawMessage(rawOrEmpty(mindMap)),
		"updated_at": updatedAt,
	}); err != nil {
		return err
	}
	if _, _, err := s.client.From("manuscript_files").Delete("minimal", "").Eq("project_id", projectID).Execute(); err != nil {
		return fmt.Errorf("clear manuscript files: %w", err)
	}
	if len(manuscript) == 0 {
		return nil
	}
	rows := make([]ManuscriptFile, len(manuscript))
	for i, f := range manuscript {
		f.ProjectID = projectID
		rows[i] = f
	}
	if _, _, err := s.client.From("manuscript_files").Insert(rows, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("insert manuscript files: %w", err)
	}
	return nil
}

func (s *SupabaseStore) updateProject(ctx context.Context, projectID string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var updated []json.RawMessage
	if _, err := s.client.From("projects").Update(patch, "representation", "").Eq("id", projectID).ExecuteTo(&updated); err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if len(updated) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SupabaseStore) DeleteProject(ctx context.Context, projectID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var deleted []json.RawMessage
	if _, err := s.client.From("projects").Delete("representation", "").Eq("id", projectID).ExecuteTo(&deleted); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if len(deleted) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SupabaseStore) GetMemberRole(ctx context.Context, projectID, userID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var members []Member
	if _, err := s.client.From("project_members").Select("*", "", false).Eq("project_id", projectID).Eq("user_id", userID).ExecuteTo(&members); err != nil {
		return "", fmt.Errorf("read membership: %w", err)
	}
	if len(members) == 0 {
		return "", ErrNotFound
	}
	return members[0].Role, nil
}

func (s *SupabaseStore) UpsertMember(ctx context.Context, m Member) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return s.upsert(ctx, "project_members", "project_id,user_id", m)
}

// Project-owned entities

func (s *SupabaseStore) ListCharacters(ctx context.Context, projectID string) ([]Character, error) {
	var items []Character
	err := s.listByProject(ctx, "characters", projectID, &items)
	return items, err
}

func (s *SupabaseStore) UpsertCharacter(ctx context.Context, c Character) error {
	return s.upsert(ctx, "characters", "id", c)
}

func (s *SupabaseStore) DeleteCharacter(ctx context.Context, projectID, id string) error {
	return s.deleteScoped(ctx, "characters", projectID, id)
}

func (s *SupabaseStore) ListEpisodes(ctx context.Context, projectID string) ([]Episode, error) {
	var items []Episode
	err := s.listByProject(ctx, "episodes", projectID, &items)
	return items, err
}

func (s *SupabaseStore) UpsertEpisode(ctx context.Context, e Episode) error {
	return s.upsert(ctx, "episodes", "id", e)
}

func (s *SupabaseStore) DeleteEpisode(ctx context.Context, projectID, id string) error {
	return s.deleteScoped(ctx, "episodes", projectID, id)
}

func (s *SupabaseStore) ListScenes(ctx context.Context, projectID string) ([]Scene, error) {
	var items []Scene
	err := s.listByProject(ctx, "scenes", projectID, &items)
	return items, err
}

func (s *SupabaseStore) UpsertScene(ctx context.Context, sc Scene) error {
	if sc.CharacterIDs == nil {
		sc.CharacterIDs = []string{}
	}
	return s.upsert(ctx, "scenes", "id", sc)
}

func (s *SupabaseStore) DeleteScene(ctx context.Context, projectID, id string) error {
	return s.deleteScoped(ctx, "scenes", projectID, id)
}

func (s *SupabaseStore) ListTodos(ctx context.Context, projectID string) ([]Todo, error) {
	var items []Todo
	err := s.listByProject(ctx, "todos", projectID, &items)
	return items, err
}

func (s *SupabaseStore) UpsertTodo(ctx context.Context, td Todo) error {
	return s.upsert(ctx, "todos", "id", td)
}

func (s *SupabaseStore) DeleteTodo(ctx context.Context, projectID, id string) error {
	return s.deleteScoped(ctx, "todos", projectID, id)
}
