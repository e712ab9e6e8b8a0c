package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/keepsake-ai/keepsake/internal/storage"
)

// Manager covers episode maintenance outside the session flow:
// deletion, full reindexing and per-episode re-enrichment.
type Manager struct {
	store     *storage.Store
	index     VectorIndexer
	extractor EntityExtractor
}

// NewManager wires a maintenance manager. extractor may be nil; then
// ReindexEpisode rebuilds fragments without re-running extraction.
func NewManager(store *storage.Store, index VectorIndexer, extractor EntityExtractor) *Manager {
	return &Manager{store: store, index: index, extractor: extractor}
}

// Delete removes the episode record, its entity rows and its vector
// fragments. Returns storage.ErrNotFound for unknown ids.
func (m *Manager) Delete(id string) error {
	if err := m.store.Delete(id); err != nil {
		return err
	}
	if err := m.index.DeleteEpisode(id); err != nil {
		// The episode record is gone; orphaned fragments resolve to
		// nothing at query time and vanish on the next reindex.
		slog.Warn("deleting vector fragments failed", "episode_id", id, "error", err)
	}
	return nil
}

// Reindex rebuilds vector fragments for every stored episode and
// returns how many were indexed. Episodes that fail to embed are
// skipped with a warning so one bad record cannot abort the rebuild.
func (m *Manager) Reindex(ctx context.Context) (int, error) {
	episodes, err := m.store.All()
	if err != nil {
		return 0, fmt.Errorf("listing episodes: %w", err)
	}

	indexed := 0
	for _, ep := range episodes {
		if err := ctx.Err(); err != nil {
			return indexed, err
		}
		if err := m.index.UpsertEpisode(ctx, ep); err != nil {
			slog.Warn("reindexing episode failed", "episode_id", ep.ID, "error", err)
			continue
		}
		indexed++
	}
	return indexed, nil
}

// ReindexEpisode re-runs enrichment for one episode: entity extraction
// (when an extractor is wired) followed by a fragment rebuild. Unlike
// the background pipeline, failures are returned to the caller.
func (m *Manager) ReindexEpisode(ctx context.Context, id string) error {
	ep, err := m.store.Get(id)
	if err != nil {
		return err
	}

	if m.extractor != nil {
		entities := m.extractor.Extract(ctx, ep.UserText())
		if !entities.IsEmpty() {
			if err := m.store.UpdateEntities(ep.ID, entities); err != nil {
				return fmt.Errorf("updating entities: %w", err)
			}
			ep.Entities = entities
		}
	}

	if err := m.index.UpsertEpisode(ctx, ep); err != nil {
		return fmt.Errorf("rebuilding fragments: %w", err)
	}
	return nil
}
