package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// ManuscriptFile is the flattened, searchable view of one file element.
type ManuscriptFile struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, LOWER($3), $4)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE email = LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

// Refresh sessions

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email)
	if err != nil {
		return User{}, notFound(err)
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Projects

const projectColumns = `p.id, p.owner_id, p.title, p.genre, p.logline, p.files, p.mind_map, p.created_at, p.updated_at`

func scanProject(row interface{ Scan(...any) error }) (Project, error) {
	var p Project
	var files, mindMap []byte
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Title, &p.Genre, &p.Logline, &files, &mindMap, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Project{}, err
	}
	p.Files = json.RawMessage(files)
	p.MindMap = json.RawMessage(mindMap)
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+projectColumns+`
		FROM projects p
		JOIN project_members m ON m.project_id = p.id
		WHERE m.user_id = $1
		ORDER BY p.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id = $1`, projectID)
	p, err := scanProject(row)
	if err != nil {
		return Project{}, notFound(err)
	}
	return p, nil
}

// InsertProject creates the project and its owner membership in one
// transaction.
func (s *PostgresStore) InsertProject(ctx context.Context, p Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, owner_id, title, genre, logline, files, mind_map, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.ID, p.OwnerID, p.Title, p.Genre, p.Logline, rawOrEmpty(p.Files), rawOrEmpty(p.MindMap), p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, 'owner')
	`, p.ID, p.OwnerID); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) UpdateProjectMeta(ctx context.Context, p Project) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET title=$2, genre=$3, logline=$4, updated_at=$5 WHERE id=$1
	`, p.ID, p.Title, p.Genre, p.Logline, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return expectRow(res)
}

// SaveProjectTrees writes both forests and rebuilds the flattened
// manuscript_files rows used for full-text search.
func (s *PostgresStore) SaveProjectTrees(ctx context.Context, projectID string, files, mindMap json.RawMessage, manuscript []ManuscriptFile, updatedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save trees: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE projects SET files=$2, mind_map=$3, updated_at=$4 WHERE id=$1
	`, projectID, rawOrEmpty(files), rawOrEmpty(mindMap), updatedAt)
	if err != nil {
		return fmt.Errorf("save trees: %w", err)
	}
	if err := expectRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM manuscript_files WHERE project_id=$1`, projectID); err != nil {
		return fmt.Errorf("clear manuscript files: %w", err)
	}
	for _, f := range manuscript {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO manuscript_files (id, project_id, name, content) VALUES ($1, $2, $3, $4)
		`, f.ID, projectID, f.Name, f.Content); err != nil {
			return fmt.Errorf("insert manuscript file %s: %w", f.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return expectRow(res)
}

func (s *PostgresStore) GetMemberRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&role)
	if err != nil {
		return "", notFound(err)
	}
	return role, nil
}

func (s *PostgresStore) UpsertMember(ctx context.Context, m Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, m.ProjectID, m.UserID, m.Role)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

// Characters

func (s *PostgresStore) ListCharacters(ctx context.Context, projectID string) ([]Character, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, role, description, notes, sort_order, created_at, updated_at
		FROM characters WHERE project_id=$1 ORDER BY sort_order, created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var items []Character
	for rows.Next() {
		var c Character
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Name, &c.Role, &c.Description, &c.Notes, &c.SortOrder, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan character: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertCharacter(ctx context.Context, c Character) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO characters (id, project_id, name, role, description, notes, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, role=EXCLUDED.role, description=EXCLUDED.description,
			notes=EXCLUDED.notes, sort_order=EXCLUDED.sort_order, updated_at=EXCLUDED.updated_at
	`, c.ID, c.ProjectID, c.Name, c.Role, c.Description, c.Notes, c.SortOrder, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert character: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCharacter(ctx context.Context, projectID, id string) error {
	return s.deleteScoped(ctx, "characters", projectID, id)
}

// Episodes

func (s *PostgresStore) ListEpisodes(ctx context.Context, projectID string) ([]Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, number, title, synopsis, content, status, created_at, updated_at
		FROM episodes WHERE project_id=$1 ORDER BY number, created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var items []Episode
	for rows.Next() {
		var e Episode
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Number, &e.Title, &e.Synopsis, &e.Content, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertEpisode(ctx context.Context, e Episode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, project_id, number, title, synopsis, content, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET number=EXCLUDED.number, title=EXCLUDED.title, synopsis=EXCLUDED.synopsis,
			content=EXCLUDED.content, status=EXCLUDED.status, updated_at=EXCLUDED.updated_at
	`, e.ID, e.ProjectID, e.Number, e.Title, e.Synopsis, e.Content, e.Status, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert episode: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteEpisode(ctx context.Context, projectID, id string) error {
	return s.deleteScoped(ctx, "episodes", projectID, id)
}

// Scenes

func (s *PostgresStore) ListScenes(ctx context.Context, projectID string) ([]Scene, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, episode_id, title, summary, story_time, position, character_ids, created_at, updated_at
		FROM scenes WHERE project_id=$1 ORDER BY position, created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()

	var items []Scene
	for rows.Next() {
		var sc Scene
		var episodeID sql.NullString
		var characterIDs []byte
		if err := rows.Scan(&sc.ID, &sc.ProjectID, &episodeID, &sc.Title, &sc.Summary, &sc.StoryTime, &sc.Position, &characterIDs, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		if episodeID.Valid {
			sc.EpisodeID = &episodeID.String
		}
		if len(characterIDs) > 0 {
			if err := json.Unmarshal(characterIDs, &sc.CharacterIDs); err != nil {
				return nil, fmt.Errorf("decode scene %s characters: %w", sc.ID, err)
			}
		}
		items = append(items, sc)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertScene(ctx context.Context, sc Scene) error {
	ids := sc.CharacterIDs
	if ids == nil {
		ids = []string{}
	}
	characterIDs, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode scene characters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scenes (id, project_id, episode_id, title, summary, story_time, position, character_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET episode_id=EXCLUDED.episode_id, title=EXCLUDED.title, summary=EXCLUDED.summary,
			story_time=EXCLUDED.story_time, position=EXCLUDED.position, character_ids=EXCLUDED.character_ids,
			updated_at=EXCLUDED.updated_at
	`, sc.ID, sc.ProjectID, sc.EpisodeID, sc.Title, sc.Summary, sc.StoryTime, sc.Position, string(characterIDs), sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert scene: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteScene(ctx context.Context, projectID, id string) error {
	return s.deleteScoped(ctx, "scenes", projectID, id)
}

// Todos

func (s *PostgresStore) ListTodos(ctx context.Context, projectID string) ([]Todo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, text, done, due_at, created_at, updated_at
		FROM todos WHERE project_id=$1 ORDER BY done, created_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list todos: %w", err)
	}
	defer rows.Close()

	var items []Todo
	for rows.Next() {
		var td Todo
		var dueAt sql.NullTime
		if err := rows.Scan(&td.ID, &td.ProjectID, &td.Text, &td.Done, &dueAt, &td.CreatedAt, &td.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		if dueAt.Valid {
			td.DueAt = &dueAt.Time
		}
		items = append(items, td)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertTodo(ctx context.Context, td Todo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO todos (id, project_id, text, done, due_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET text=EXCLUDED.text, done=EXCLUDED.done, due_at=EXCLUDED.due_at,
			updated_at=EXCLUDED.updated_at
	`, td.ID, td.ProjectID, td.Text, td.Done, td.DueAt, td.CreatedAt, td.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert todo: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTodo(ctx context.Context, projectID, id string) error {
	return s.deleteScoped(ctx, "todos", projectID, id)
}

// deleteScoped removes one row of a project-owned table. table is always a
// package constant, never caller input.
func (s *PostgresStore) deleteScoped(ctx context.Context, table, projectID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE project_id=$1 AND id=$2`, projectID, id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "[]"
	}
	return string(raw)
}
