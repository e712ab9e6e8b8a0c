// Package retrieval fuses the entity index and the vector index into a
// single ranked episode list per query.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/keepsake-ai/keepsake/internal/intent"
	"github.com/keepsake-ai/keepsake/internal/reranking"
	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/internal/vector"
)

const (
	// Fixed raw scores for structured hits. An exact entity-type match
	// outranks a generic keyword match before weighting.
	entityMatchScore  = 1.0
	keywordMatchScore = 0.8

	maxStructuredKeywords = 5
	maxExpandedQueries    = 2

	SourceStructured = "structured"
	SourceVector     = "vector"
	SourceHybrid     = "hybrid"
)

// ScoredEpisode is one fused retrieval result.
type ScoredEpisode struct {
	Episode    storage.Episode
	Score      float64
	Source     string
	MatchTypes []string
}

// VectorSearcher is the semantic search surface the orchestrator needs.
type VectorSearcher interface {
	Search(ctx context.Context, query string, k int) ([]vector.Candidate, error)
}

// Understander produces the retrieval plan for a query.
type Understander interface {
	SearchConfig(ctx context.Context, query string) intent.SearchConfig
}

// Searcher orchestrates hybrid retrieval: understand the query, fan out
// to both indexes, merge by episode, rerank, truncate.
type Searcher struct {
	store    *storage.Store
	index    VectorSearcher
	parser   Understander
	reranker reranking.Reranker
}

// NewSearcher wires the retrieval orchestrator.
func NewSearcher(store *storage.Store, index VectorSearcher, parser Understander, reranker reranking.Reranker) *Searcher {
	return &Searcher{store: store, index: index, parser: parser, reranker: reranker}
}

// candidate is one per-source hit before fusion.
type candidate struct {
	episodeID string
	weighted  float64
	source    string
	matchType string
}

// Search runs the full retrieval pipeline and returns up to topK
// episodes ranked by relevance. Source failures degrade to the other
// source; both sources failing yields an empty result, not an error.
func (s *Searcher) Search(ctx context.Context, query string, topK int) ([]ScoredEpisode, error) {
	if topK <= 0 {
		return nil, nil
	}

	cfg := s.parser.SearchConfig(ctx, query)

	var (
		mu         sync.Mutex
		candidates []candidate
	)
	collect := func(batch []candidate) {
		mu.Lock()
		candidates = append(candidates, batch...)
		mu.Unlock()
	}

	g, gCtx := errgroup.WithContext(ctx)
	if cfg.UseStructured && len(cfg.Keywords) > 0 {
		g.Go(func() error {
			batch, err := s.searchStructured(cfg, topK)
			if err != nil {
				return err
			}
			collect(batch)
			return nil
		})
	}
	if cfg.UseVector {
		g.Go(func() error {
			batch, err := s.searchVector(gCtx, cfg, topK)
			if err != nil {
				if errors.Is(err, vector.ErrUnavailable) {
					slog.Warn("vector search unavailable, using structured results only", "error", err)
					return nil
				}
				return err
			}
			collect(batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}

	merged := mergeCandidates(candidates, 2*topK)
	if len(merged) == 0 {
		return nil, nil
	}

	resolved, err := s.resolve(merged)
	if err != nil {
		return nil, err
	}

	resolved, err = s.rerank(ctx, query, resolved)
	if err != nil {
		return nil, err
	}

	if len(resolved) > topK {
		resolved = resolved[:topK]
	}
	return resolved, nil
}

// searchStructured queries the entity index: each keyword against each
// hinted entity type, plus a generic keyword pass.
func (s *Searcher) searchStructured(cfg intent.SearchConfig, topK int) ([]candidate, error) {
	keywords := cfg.Keywords
	if len(keywords) > maxStructuredKeywords {
		keywords = keywords[:maxStructuredKeywords]
	}

	var out []candidate
	for _, kw := range keywords {
		for _, entityType := range cfg.EntityTypes {
			episodes, err := s.store.SearchByEntity(entityType, kw, topK)
			if err != nil {
				return nil, fmt.Errorf("entity search %s/%s: %w", entityType, kw, err)
			}
			for _, ep := range episodes {
				out = append(out, candidate{
					episodeID: ep.ID,
					weighted:  entityMatchScore * cfg.StructuredWeight,
					source:    SourceStructured,
					matchType: entityType + ":" + kw,
				})
			}
		}

		episodes, err := s.store.SearchByKeywords([]string{kw}, topK)
		if err != nil {
			return nil, fmt.Errorf("keyword search %s: %w", kw, err)
		}
		for _, ep := range episodes {
			out = append(out, candidate{
				episodeID: ep.ID,
				weighted:  keywordMatchScore * cfg.StructuredWeight,
				source:    SourceStructured,
				matchType: "keyword:" + kw,
			})
		}
	}
	return out, nil
}

// searchVector queries the semantic index once per expanded query.
func (s *Searcher) searchVector(ctx context.Context, cfg intent.SearchConfig, topK int) ([]candidate, error) {
	queries := cfg.ExpandedQueries
	if len(queries) > maxExpandedQueries {
		queries = queries[:maxExpandedQueries]
	}

	var out []candidate
	for _, q := range queries {
		hits, err := s.index.Search(ctx, q, topK)
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			out = append(out, candidate{
				episodeID: h.EpisodeID,
				weighted:  h.Score * cfg.VectorWeight,
				source:    SourceVector,
				matchType: "semantic:" + h.FragmentType,
			})
		}
	}
	return out, nil
}

// mergeCandidates groups hits by episode id, sums weighted scores
// across sources and keeps the strongest `limit` groups. An episode hit
// by both sources is tagged hybrid.
func mergeCandidates(candidates []candidate, limit int) []ScoredEpisode {
	type group struct {
		score      float64
		sources    map[string]bool
		matchTypes []string
	}
	groups := make(map[string]*group)
	var order []string

	for _, c := range candidates {
		g, ok := groups[c.episodeID]
		if !ok {
			g = &group{sources: make(map[string]bool)}
			groups[c.episodeID] = g
			order = append(order, c.episodeID)
		}
		g.score += c.weighted
		g.sources[c.source] = true
		g.matchTypes = append(g.matchTypes, c.matchType)
	}

	merged := make([]ScoredEpisode, 0, len(groups))
	for _, id := range order {
		g := groups[id]
		source := SourceHybrid
		if len(g.sources) == 1 {
			for s := range g.sources {
				source = s
			}
		}
		merged = append(merged, ScoredEpisode{
			Episode:    storage.Episode{ID: id},
			Score:      g.score,
			Source:     source,
			MatchTypes: g.matchTypes,
		})
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// resolve loads full episode records, silently dropping ids that were
// deleted between indexing and now.
func (s *Searcher) resolve(merged []ScoredEpisode) ([]ScoredEpisode, error) {
	out := merged[:0]
	for _, se := range merged {
		ep, err := s.store.Get(se.Episode.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolving episode %s: %w", se.Episode.ID, err)
		}
		se.Episode = ep
		out = append(out, se)
	}
	return out, nil
}

// rerank re-scores resolved candidates; a single candidate skips the
// call since there is nothing to reorder.
func (s *Searcher) rerank(ctx context.Context, query string, resolved []ScoredEpisode) ([]ScoredEpisode, error) {
	if len(resolved) < 2 {
		return resolved, nil
	}

	byID := make(map[string]ScoredEpisode, len(resolved))
	in := make([]reranking.Candidate, len(resolved))
	for i, se := range resolved {
		byID[se.Episode.ID] = se
		in[i] = reranking.Candidate{Episode: se.Episode, Score: se.Score}
	}

	scored, err := s.reranker.Rerank(ctx, query, in)
	if err != nil {
		return nil, fmt.Errorf("reranking: %w", err)
	}

	out := make([]ScoredEpisode, 0, len(scored))
	for _, c := range scored {
		se := byID[c.Episode.ID]
		se.Score = c.Score
		out = append(out, se)
	}
	return out, nil
}

// Recent returns the n most recently created episodes without scoring.
func (s *Searcher) Recent(n int) ([]storage.Episode, error) {
	return s.store.Recent(n)
}

// SearchByEmotion finds episodes carrying the given emotion tag.
func (s *Searcher) SearchByEmotion(tag string, k int) ([]storage.Episode, error) {
	return s.store.SearchByEmotion(tag, k)
}
