package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"inkwell/api/internal/store"
)

// push makes the remote store match p: metadata, both forests and every
// project-owned entity, deleting remote rows p no longer has.
func push(ctx context.Context, g Gateway, p *Project) error {
	row, err := p.Row()
	if err != nil {
		return err
	}
	if err := g.UpdateProjectMeta(ctx, row); err != nil {
		return fmt.Errorf("push meta: %w", err)
	}
	if err := g.SaveProjectTrees(ctx, p.ID, row.Files, row.MindMap, p.ManuscriptFiles(), p.UpdatedAt); err != nil {
		return fmt.Errorf("push trees: %w", err)
	}

	if err := reconcile(ctx, p.ID, p.Characters, characterID, g.ListCharacters, g.UpsertCharacter, g.DeleteCharacter); err != nil {
		return fmt.Errorf("push characters: %w", err)
	}
	if err := reconcile(ctx, p.ID, p.Episodes, episodeID, g.ListEpisodes, g.UpsertEpisode, g.DeleteEpisode); err != nil {
		return fmt.Errorf("push episodes: %w", err)
	}
	if err := reconcile(ctx, p.ID, p.Scenes, sceneID, g.ListScenes, g.UpsertScene, g.DeleteScene); err != nil {
		return fmt.Errorf("push scenes: %w", err)
	}
	if err := reconcile(ctx, p.ID, p.Todos, todoID, g.ListTodos, g.UpsertTodo, g.DeleteTodo); err != nil {
		return fmt.Errorf("push todos: %w", err)
	}
	return nil
}

func reconcile[T any](
	ctx context.Context,
	projectID string,
	local []T,
	idOf func(T) string,
	list func(context.Context, string) ([]T, error),
	upsert func(context.Context, T) error,
	remove func(context.Context, string, string) error,
) error {
	remote, err := list(ctx, projectID)
	if err != nil {
		return err
	}
	for _, item := range local {
		if err := upsert(ctx, item); err != nil {
			return err
		}
	}
	for _, item := range remote {
		if indexByID(local, idOf(item), idOf) >= 0 {
			continue
		}
		if err := remove(ctx, projectID, idOf(item)); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// SyncPending pushes queued snapshots to the gateway. Loaded projects push
// their current in-memory state, which is at least as new as the queued one.
// It returns how many projects were brought back in sync.
func (w *Workspace) SyncPending(ctx context.Context, limit int) (int, error) {
	_, synced, err := w.syncBatch(ctx, limit)
	return synced, err
}

// Drain gives every snapshot queued at the time of the call one sync
// attempt, batch entries at a time. Failed entries are requeued behind the
// rest, so the loop ends once the original count has been attempted.
func (w *Workspace) Drain(ctx context.Context, batch int) (int, error) {
	if w.outbox == nil {
		return 0, nil
	}
	if batch <= 0 {
		batch = 50
	}
	total, err := w.outbox.Count(ctx)
	if err != nil {
		return 0, err
	}
	synced := 0
	for attempted := 0; attempted < total; {
		n, ok, err := w.syncBatch(ctx, min(batch, total-attempted))
		synced += ok
		if err != nil {
			return synced, err
		}
		if n == 0 {
			break
		}
		attempted += n
	}
	return synced, nil
}

// syncBatch reports how many queued entries it attempted and how many of
// them were brought back in sync.
func (w *Workspace) syncBatch(ctx context.Context, limit int) (int, int, error) {
	if w.outbox == nil {
		return 0, 0, nil
	}
	pending, err := w.outbox.Pending(ctx, limit)
	if err != nil {
		return 0, 0, err
	}

	attempted, synced := 0, 0
	for _, queued := range pending {
		if err := ctx.Err(); err != nil {
			return attempted, synced, err
		}
		attempted++
		log := w.logger.With(zap.String("project", queued.ProjectID), zap.Int("attempts", queued.Attempts))

		if e, ok := w.entries.Load(queued.ProjectID); ok {
			if w.syncLoaded(ctx, e) {
				synced++
			}
			continue
		}

		p, err := decodeSnapshot(queued.Payload)
		if err != nil {
			log.Error("dropping undecodable snapshot", zap.Error(err))
			_ = w.outbox.Discard(ctx, queued.ProjectID)
			continue
		}
		err = push(ctx, w.gateway, p)
		switch {
		case errors.Is(err, store.ErrNotFound):
			log.Warn("project gone remotely, dropping snapshot")
			_ = w.outbox.Discard(ctx, queued.ProjectID)
		case err != nil:
			log.Warn("sync failed", zap.Error(err))
			_ = w.outbox.Put(ctx, queued.ProjectID, queued.Payload, err)
		default:
			if err := w.outbox.Remove(ctx, queued.ProjectID, queued.QueuedAt); err != nil {
				log.Warn("outbox remove failed", zap.Error(err))
			}
			synced++
		}
	}
	return attempted, synced, nil
}

func (w *Workspace) syncLoaded(ctx context.Context, e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	projectID := e.project.ID
	err := push(ctx, w.gateway, e.project)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("project gone remotely, dropping snapshot", zap.String("project", projectID))
		_ = w.outbox.Discard(ctx, projectID)
		w.entries.Delete(projectID)
		return false
	}
	if err != nil {
		e.lastError = err.Error()
		w.queue(ctx, e, err)
		return false
	}
	// The lock is held, so nothing newer can have been queued.
	if err := w.outbox.Discard(ctx, projectID); err != nil {
		w.logger.Warn("outbox discard failed", zap.String("project", projectID), zap.Error(err))
	}
	e.dirty = false
	e.lastError = ""
	e.lastSyncedAt = w.now()
	return true
}

// SyncObserver receives the outcome of every sync pass. *metrics.Collector
// satisfies it.
type SyncObserver interface {
	ObserveSync(outcome string, n int)
	SetOutboxPending(n int)
}

// Syncer drains the outbox on an interval.
type Syncer struct {
	ws       *Workspace
	interval time.Duration
	observer SyncObserver
	logger   *zap.Logger
}

func NewSyncer(ws *Workspace, interval time.Duration, observer SyncObserver) *Syncer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Syncer{ws: ws, interval: interval, observer: observer, logger: ws.logger.Named("syncer")}
}

// Run blocks until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pass(ctx)
		}
	}
}

func (s *Syncer) pass(ctx context.Context) {
	n, err := s.ws.SyncPending(ctx, 50)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("sync pass failed", zap.Error(err))
	}
	if n > 0 {
		s.logger.Info("synced projects", zap.Int("count", n))
	}
	if s.observer == nil || s.ws.outbox == nil {
		return
	}
	s.observer.ObserveSync("synced", n)
	left, err := s.ws.outbox.Count(ctx)
	if err != nil {
		return
	}
	s.observer.SetOutboxPending(left)
}
