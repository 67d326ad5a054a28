package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across characters, episodes and
// manuscript_files using plainto_tsquery and ts_rank, with ts_headline for
// snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || len(q.ProjectIDs) == 0 {
		return nil, 0, nil
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	placeholders := make([]string, len(q.ProjectIDs))
	for i, id := range q.ProjectIDs {
		args = append(args, id)
		placeholders[i] = fmt.Sprintf("$%d", i+2)
	}
	inProjects := "(" + strings.Join(placeholders, ", ") + ")"

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultCharacter {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'character'::text AS type, c.id, c.name AS title,
				ts_headline('english', coalesce(c.description, ''), %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.project_id,
				ts_rank(c.fts, %[1]s) AS rank
			FROM characters c
			WHERE c.fts @@ %[1]s AND c.project_id IN %[2]s`, tsQuery, inProjects))
	}
	if q.FilterType == "" || q.FilterType == ResultEpisode {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'episode'::text AS type, e.id, e.title,
				ts_headline('english', coalesce(e.synopsis, '') || ' ' || coalesce(e.content, ''), %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				e.project_id,
				ts_rank(e.fts, %[1]s) AS rank
			FROM episodes e
			WHERE e.fts @@ %[1]s AND e.project_id IN %[2]s`, tsQuery, inProjects))
	}
	if q.FilterType == "" || q.FilterType == ResultManuscript {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'manuscript'::text AS type, m.id, m.name AS title,
				ts_headline('english', coalesce(m.content, ''), %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.project_id,
				ts_rank(m.fts, %[1]s) AS rank
			FROM manuscript_files m
			WHERE m.fts @@ %[1]s AND m.project_id IN %[2]s`, tsQuery, inProjects))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, project_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limitOr(q.Limit, 20), offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ProjectID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]CharacterRecord, []EpisodeRecord, []ManuscriptRecord, error) {
	characters := make([]CharacterRecord, 0)
	err := p.each(ctx, `SELECT id, project_id, name, role, description FROM characters`, func(rows *sql.Rows) error {
		var c CharacterRecord
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Name, &c.Role, &c.Description); err != nil {
			return err
		}
		characters = append(characters, c)
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load characters: %w", err)
	}

	episodes := make([]EpisodeRecord, 0)
	err = p.each(ctx, `SELECT id, project_id, number, title, synopsis FROM episodes`, func(rows *sql.Rows) error {
		var e EpisodeRecord
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Number, &e.Title, &e.Synopsis); err != nil {
			return err
		}
		episodes = append(episodes, e)
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load episodes: %w", err)
	}

	manuscript := make([]ManuscriptRecord, 0)
	err = p.each(ctx, `SELECT id, project_id, name, content FROM manuscript_files`, func(rows *sql.Rows) error {
		var m ManuscriptRecord
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Name, &m.Content); err != nil {
			return err
		}
		manuscript = append(manuscript, m)
		return nil
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load manuscript files: %w", err)
	}

	return characters, episodes, manuscript, nil
}

func (p *PgFTS) each(ctx context.Context, query string, scan func(*sql.Rows) error) error {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
