package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/keepsake-ai/keepsake/internal/storage"
)

const (
	defaultWorkers = 2
	queueCapacity  = 32
)

// EntityExtractor pulls structured entities from user turns.
type EntityExtractor interface {
	Extract(ctx context.Context, userTurns []string) storage.Entities
}

// VectorIndexer is the write surface of the semantic index.
type VectorIndexer interface {
	UpsertEpisode(ctx context.Context, ep storage.Episode) error
	DeleteEpisode(episodeID string) error
}

// Enricher runs post-close enrichment on a fixed worker pool: extract
// entities from the episode's user turns, write them to the store, then
// upsert vector fragments carrying the enriched record. Failures are
// logged and leave the episode with empty or partial entities; a later
// reindex can fill the gap.
type Enricher struct {
	store     *storage.Store
	index     VectorIndexer
	extractor EntityExtractor

	tasks     chan storage.Episode
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu     sync.Mutex
	closed bool
}

// NewEnricher starts `workers` goroutines (default 2) consuming the
// enrichment queue.
func NewEnricher(store *storage.Store, index VectorIndexer, extractor EntityExtractor, workers int) *Enricher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	e := &Enricher{
		store:     store,
		index:     index,
		extractor: extractor,
		tasks:     make(chan storage.Episode, queueCapacity),
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Submit queues an episode for enrichment. A full queue drops the task
// with a warning rather than blocking the caller; the episode stays
// retrievable through its raw text until a reindex.
func (e *Enricher) Submit(ep storage.Episode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		slog.Warn("enricher closed, dropping task", "episode_id", ep.ID)
		return
	}
	select {
	case e.tasks <- ep:
	default:
		slog.Warn("enrichment queue full, dropping task", "episode_id", ep.ID)
	}
}

// Close stops accepting tasks and waits for in-flight enrichment to
// finish.
func (e *Enricher) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.tasks)
	})
	e.wg.Wait()
}

func (e *Enricher) worker() {
	defer e.wg.Done()
	for ep := range e.tasks {
		e.enrich(context.Background(), ep)
	}
}

func (e *Enricher) enrich(ctx context.Context, ep storage.Episode) {
	entities := e.extractor.Extract(ctx, ep.UserText())
	if !entities.IsEmpty() {
		if err := e.store.UpdateEntities(ep.ID, entities); err != nil {
			slog.Warn("updating entities failed", "episode_id", ep.ID, "error", err)
		} else {
			ep.Entities = entities
		}
	}

	if err := e.index.UpsertEpisode(ctx, ep); err != nil {
		slog.Warn("vector upsert failed", "episode_id", ep.ID, "error", err)
		return
	}
	slog.Debug("episode enriched", "episode_id", ep.ID, "entities_empty", entities.IsEmpty())
}
