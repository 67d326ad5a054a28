package store

import (
	"encoding/json"
	"time"
)

// Rows carry snake_case JSON tags because the Supabase gateway ships them to
// PostgREST as-is.

type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Project struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Title     string          `json:"title"`
	Genre     string          `json:"genre"`
	Logline   string          `json:"logline"`
	Files     json.RawMessage `json:"files"`
	MindMap   json.RawMessage `json:"mind_map"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type Member struct {
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type Character struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Description string    `json:"description"`
	Notes       string    `json:"notes"`
	SortOrder   int       `json:"sort_order"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Episode struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Synopsis  string    `json:"synopsis"`
	Content   string    `json:"content"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scene is one entry on a project's timeline.
type Scene struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	EpisodeID    *string   `json:"episode_id"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary"`
	StoryTime    string    `json:"story_time"`
	Position     int       `json:"position"`
	CharacterIDs []string  `json:"character_ids"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Todo struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"project_id"`
	Text      string     `json:"text"`
	Done      bool       `json:"done"`
	DueAt     *time.Time `json:"due_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
