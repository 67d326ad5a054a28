package search

import (
	"context"

	"go.uber.org/zap"
)

// backend is the Meilisearch side of the facade.
type backend interface {
	Searcher
	IndexCharacters([]CharacterRecord) error
	IndexEpisodes([]EpisodeRecord) error
	IndexManuscript([]ManuscriptRecord) error
	Delete(rtyp ResultType, ids ...string) error
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
// Either side may be nil.
type Service struct {
	meili    backend
	fallback Searcher
	loader   *PgFTS
	logger   *zap.Logger
}

func NewService(m *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{logger: logger.Named("search")}
	if m != nil {
		s.meili = m
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS. It
// never fails; errors are logged and yield an empty response.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts error", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) enabled() bool {
	return s.meili != nil && s.meili.Healthy()
}

// async runs fn in the background when Meilisearch is reachable.
func (s *Service) async(what, id string, fn func() error) {
	if !s.enabled() {
		return
	}
	go func() {
		if err := fn(); err != nil {
			s.logger.Warn("index update failed", zap.String("op", what), zap.String("id", id), zap.Error(err))
		}
	}()
}

func (s *Service) IndexCharacter(c CharacterRecord) {
	s.async("index character", c.ID, func() error { return s.meili.IndexCharacters([]CharacterRecord{c}) })
}

func (s *Service) IndexEpisode(e EpisodeRecord) {
	s.async("index episode", e.ID, func() error { return s.meili.IndexEpisodes([]EpisodeRecord{e}) })
}

// IndexManuscript replaces the indexed files of one project: records are
// upserted and removedIDs are dropped.
func (s *Service) IndexManuscript(projectID string, records []ManuscriptRecord, removedIDs []string) {
	s.async("index manuscript", projectID, func() error {
		if err := s.meili.IndexManuscript(records); err != nil {
			return err
		}
		if len(removedIDs) == 0 {
			return nil
		}
		return s.meili.Delete(ResultManuscript, removedIDs...)
	})
}

func (s *Service) Remove(rtyp ResultType, ids ...string) {
	if len(ids) == 0 {
		return
	}
	s.async("remove "+string(rtyp), ids[0], func() error { return s.meili.Delete(rtyp, ids...) })
}

// ReindexAll pushes every searchable row from Postgres into Meilisearch.
func (s *Service) ReindexAll(ctx context.Context) error {
	if !s.enabled() || s.loader == nil {
		return nil
	}
	characters, episodes, manuscript, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		return err
	}
	if err := s.meili.IndexCharacters(characters); err != nil {
		return err
	}
	if err := s.meili.IndexEpisodes(episodes); err != nil {
		return err
	}
	if err := s.meili.IndexManuscript(manuscript); err != nil {
		return err
	}
	s.logger.Info("reindexed",
		zap.Int("characters", len(characters)),
		zap.Int("episodes", len(episodes)),
		zap.Int("manuscript_files", len(manuscript)))
	return nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
