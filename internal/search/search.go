package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultCharacter  ResultType = "character"
	ResultEpisode    ResultType = "episode"
	ResultManuscript ResultType = "manuscript"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Snippet   string     `json:"snippet"`
	ProjectID string     `json:"projectId"`
}

// Query describes a search request. ProjectIDs scopes the search to the
// projects the caller may read; an empty slice matches nothing.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	ProjectIDs []string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// CharacterRecord is the data we index for a character.
type CharacterRecord struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	Description string `json:"description"`
}

// EpisodeRecord is the data we index for an episode.
type EpisodeRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Synopsis  string `json:"synopsis"`
}

// ManuscriptRecord is one file of a project's manuscript tree.
type ManuscriptRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Content   string `json:"content"`
}

func limitOr(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
