package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/keepsake-ai/keepsake/internal/intent"
	"github.com/keepsake-ai/keepsake/internal/reranking"
	"github.com/keepsake-ai/keepsake/internal/storage"
	"github.com/keepsake-ai/keepsake/internal/vector"
)

type fakeParser struct {
	cfg intent.SearchConfig
}

func (f *fakeParser) SearchConfig(ctx context.Context, query string) intent.SearchConfig {
	return f.cfg
}

type fakeVector struct {
	hits    []vector.Candidate
	err     error
	queries []string
}

func (f *fakeVector) Search(ctx context.Context, query string, k int) ([]vector.Candidate, error) {
	f.queries = append(f.queries, query)
	return f.hits, f.err
}

// reverseReranker inverts the incoming order.
type reverseReranker struct{}

func (reverseReranker) Rerank(ctx context.Context, query string, candidates []reranking.Candidate) ([]reranking.Candidate, error) {
	out := make([]reranking.Candidate, len(candidates))
	for i, c := range candidates {
		c.Score = float64(i+1) / 10
		out[len(candidates)-1-i] = c
	}
	return out, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:", "test-identity")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func saveCoffeeEpisode(t *testing.T, s *storage.Store, id string, createdAt time.Time) {
	t.Helper()
	ep := storage.Episode{
		ID:        id,
		CreatedAt: createdAt,
		Messages: []storage.Message{
			{Role: "user", Content: "got my usual caramel macchiato", Timestamp: createdAt},
		},
		Entities: storage.Entities{
			Objects: map[string]storage.Object{
				"caramel macchiato": {Type: "coffee", Description: "caramel macchiato, extra shot"},
			},
		},
	}
	if err := s.Save(ep); err != nil {
		t.Fatalf("saving %s: %v", id, err)
	}
}

func noop() reranking.Reranker { return &reranking.NoOpReranker{} }

func structuredConfig(keywords ...string) intent.SearchConfig {
	return intent.SearchConfig{
		UseStructured:    true,
		StructuredWeight: 1.0,
		Keywords:         keywords,
		EntityTypes:      []string{storage.TypeObjects},
		ExpandedQueries:  []string{"q"},
	}
}

func TestSearch_StructuredOnly(t *testing.T) {
	store := openTestStore(t)
	saveCoffeeEpisode(t, store, "ep1", time.Now().UTC())

	s := NewSearcher(store, &fakeVector{}, &fakeParser{cfg: structuredConfig("macchiato")}, noop())
	got, err := s.Search(context.Background(), "what was my coffee", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if got[0].Source != SourceStructured {
		t.Errorf("source = %q, want structured", got[0].Source)
	}
	// Hit by both the entity pass (1.0) and the keyword pass (0.8).
	if got[0].Score != 1.8 {
		t.Errorf("score = %v, want 1.8", got[0].Score)
	}
	if len(got[0].MatchTypes) != 2 {
		t.Errorf("match types = %v, want entity and keyword entries", got[0].MatchTypes)
	}
	if got[0].Episode.UserText()[0] != "got my usual caramel macchiato" {
		t.Error("episode not resolved to full record")
	}
}

func TestSearch_VectorOnly(t *testing.T) {
	store := openTestStore(t)
	saveCoffeeEpisode(t, store, "ep1", time.Now().UTC())

	fv := &fakeVector{hits: []vector.Candidate{
		{EpisodeID: "ep1", FragmentType: "full_conversation", Score: 0.9},
	}}
	cfg := intent.SearchConfig{
		UseVector:       true,
		VectorWeight:    1.0,
		ExpandedQueries: []string{"coffee memories"},
	}
	s := NewSearcher(store, fv, &fakeParser{cfg: cfg}, noop())

	got, err := s.Search(context.Background(), "coffee", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Source != SourceVector {
		t.Fatalf("got %+v, want one vector result", got)
	}
	if got[0].Score != 0.9 {
		t.Errorf("score = %v, want 0.9", got[0].Score)
	}
}

func TestSearch_HybridTagsAndSums(t *testing.T) {
	store := openTestStore(t)
	saveCoffeeEpisode(t, store, "ep1", time.Now().UTC())

	fv := &fakeVector{hits: []vector.Candidate{
		{EpisodeID: "ep1", FragmentType: "summary", Score: 0.8},
	}}
	cfg := intent.SearchConfig{
		UseStructured:    true,
		UseVector:        true,
		StructuredWeight: 0.5,
		VectorWeight:     0.5,
		Keywords:         []string{"macchiato"},
		EntityTypes:      []string{storage.TypeObjects},
		ExpandedQueries:  []string{"q"},
	}
	s := NewSearcher(store, fv, &fakeParser{cfg: cfg}, noop())

	got, err := s.Search(context.Background(), "coffee", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if got[0].Source != SourceHybrid {
		t.Errorf("source = %q, want hybrid", got[0].Source)
	}
	// (1.0 + 0.8) * 0.5 structured + 0.8 * 0.5 vector.
	want := 0.9 + 0.4
	if diff := got[0].Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want %v", got[0].Score, want)
	}
}

func TestSearch_VectorUnavailableDegrades(t *testing.T) {
	store := openTestStore(t)
	saveCoffeeEpisode(t, store, "ep1", time.Now().UTC())

	fv := &fakeVector{err: fmt.Errorf("%w: connection refused", vector.ErrUnavailable)}
	cfg := structuredConfig("macchiato")
	cfg.UseVector = true
	cfg.VectorWeight = 0.5
	s := NewSearcher(store, fv, &fakeParser{cfg: cfg}, noop())

	got, err := s.Search(context.Background(), "coffee", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d results, want structured result despite vector outage", len(got))
	}
}

func TestSearch_BothSourcesEmptyIsNotAnError(t *testing.T) {
	store := openTestStore(t)

	fv := &fakeVector{err: fmt.Errorf("%w: down", vector.ErrUnavailable)}
	cfg := intent.SearchConfig{UseVector: true, VectorWeight: 1.0, ExpandedQueries: []string{"q"}}
	s := NewSearcher(store, fv, &fakeParser{cfg: cfg}, noop())

	got, err := s.Search(context.Background(), "anything", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want empty", got)
	}
}

func TestSearch_VectorStorageFaultPropagates(t *testing.T) {
	store := openTestStore(t)

	fv := &fakeVector{err: errors.New("disk I/O error")}
	cfg := intent.SearchConfig{UseVector: true, VectorWeight: 1.0, ExpandedQueries: []string{"q"}}
	s := NewSearcher(store, fv, &fakeParser{cfg: cfg}, noop())

	if _, err := s.Search(context.Background(), "anything", 3); err == nil {
		t.Error("non-availability fault swallowed, want error")
	}
}

func TestSearch_DeletedEpisodeDroppedSilently(t *testing.T) {
	store := openTestStore(t)
	saveCoffeeEpisode(t, store, "ep1", time.Now().UTC())

	fv := &fakeVector{hits: []vector.Candidate{
		{EpisodeID: "ep1", Score: 0.9},
		{EpisodeID: "ghost", Score: 0.95},
	}}
	cfg := intent.SearchConfig{UseVector: true, VectorWeight: 1.0, ExpandedQueries: []string{"q"}}
	s := NewSearcher(store, fv, &fakeParser{cfg: cfg}, noop())

	got, err := s.Search(context.Background(), "coffee", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Episode.ID != "ep1" {
		t.Errorf("got %+v, want only ep1", got)
	}
}

func TestSearch_ExpandedQueriesCapped(t *testing.T) {
	store := openTestStore(t)

	fv := &fakeVector{}
	cfg := intent.SearchConfig{
		UseVector:       true,
		VectorWeight:    1.0,
		ExpandedQueries: []string{"a", "b", "c", "d"},
	}
	s := NewSearcher(store, fv, &fakeParser{cfg: cfg}, noop())

	if _, err := s.Search(context.Background(), "q", 3); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(fv.queries) != maxExpandedQueries {
		t.Errorf("vector queried %d times, want %d", len(fv.queries), maxExpandedQueries)
	}
}

func TestSearch_RerankReorders(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()
	saveCoffeeEpisode(t, store, "ep1", now.Add(-time.Hour))
	saveCoffeeEpisode(t, store, "ep2", now)

	fv := &fakeVector{hits: []vector.Candidate{
		{EpisodeID: "ep1", Score: 0.9},
		{EpisodeID: "ep2", Score: 0.5},
	}}
	cfg := intent.SearchConfig{UseVector: true, VectorWeight: 1.0, ExpandedQueries: []string{"q"}}
	s := NewSearcher(store, fv, &fakeParser{cfg: cfg}, reverseReranker{})

	got, err := s.Search(context.Background(), "coffee", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Episode.ID != "ep2" {
		t.Errorf("top after rerank = %s, want ep2", got[0].Episode.ID)
	}
}

func TestSearch_TruncatesToTopK(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()
	var hits []vector.Candidate
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("ep%d", i)
		saveCoffeeEpisode(t, store, id, now.Add(time.Duration(i)*time.Minute))
		hits = append(hits, vector.Candidate{EpisodeID: id, Score: 0.5 + float64(i)/100})
	}

	fv := &fakeVector{hits: hits}
	cfg := intent.SearchConfig{UseVector: true, VectorWeight: 1.0, ExpandedQueries: []string{"q"}}
	s := NewSearcher(store, fv, &fakeParser{cfg: cfg}, noop())

	got, err := s.Search(context.Background(), "coffee", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("got %d results, want 2", len(got))
	}
}

func TestSearch_WeightScalesScore(t *testing.T) {
	// The same structured hit under a higher structured weight must
	// never score lower.
	run := func(weight float64) float64 {
		store := openTestStore(t)
		saveCoffeeEpisode(t, store, "ep1", time.Now().UTC())
		cfg := structuredConfig("macchiato")
		cfg.StructuredWeight = weight
		s := NewSearcher(store, &fakeVector{}, &fakeParser{cfg: cfg}, noop())
		got, err := s.Search(context.Background(), "coffee", 1)
		if err != nil || len(got) != 1 {
			t.Fatalf("Search(weight=%v): %v, %v", weight, got, err)
		}
		return got[0].Score
	}

	low, high := run(0.3), run(0.7)
	if high <= low {
		t.Errorf("score at weight 0.7 = %v, not above score at 0.3 = %v", high, low)
	}
}

func TestRecent(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()
	saveCoffeeEpisode(t, store, "old", now.Add(-time.Hour))
	saveCoffeeEpisode(t, store, "new", now)

	s := NewSearcher(store, &fakeVector{}, &fakeParser{}, noop())
	got, err := s.Recent(1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("Recent(1) = %v, want [new]", got)
	}
}

func TestSearchByEmotion(t *testing.T) {
	store := openTestStore(t)
	ep := storage.Episode{
		ID:         "happy1",
		CreatedAt:  time.Now().UTC(),
		Messages:   []storage.Message{{Role: "user", Content: "great day"}},
		EmotionTag: "happy",
	}
	if err := store.Save(ep); err != nil {
		t.Fatalf("Save: %v", err)
	}
	saveCoffeeEpisode(t, store, "neutral1", time.Now().UTC())

	s := NewSearcher(store, &fakeVector{}, &fakeParser{}, noop())
	got, err := s.SearchByEmotion("happy", 5)
	if err != nil {
		t.Fatalf("SearchByEmotion: %v", err)
	}
	if len(got) != 1 || got[0].ID != "happy1" {
		t.Errorf("SearchByEmotion = %v, want [happy1]", got)
	}
}
