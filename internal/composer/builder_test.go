package composer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/keepsake-ai/keepsake/internal/intent"
	"github.com/keepsake-ai/keepsake/internal/retrieval"
	"github.com/keepsake-ai/keepsake/internal/storage"
)

type fakeRetriever struct {
	results []retrieval.ScoredEpisode
	err     error
	lastK   int
}

func (f *fakeRetriever) Search(ctx context.Context, query string, topK int) ([]retrieval.ScoredEpisode, error) {
	f.lastK = topK
	return f.results, f.err
}

type fakeParser struct {
	queryType string
}

func (f *fakeParser) Parse(ctx context.Context, query string) intent.Intent {
	return intent.Intent{QueryType: f.queryType}
}

func macchiatoResult(score float64) retrieval.ScoredEpisode {
	return retrieval.ScoredEpisode{
		Episode: storage.Episode{
			ID:        "ep1",
			CreatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
			Messages: []storage.Message{
				{Role: "user", Content: "grabbed a caramel macchiato on the way in"},
				{Role: "assistant", Content: "sounds tasty"},
			},
			Entities: storage.Entities{
				Objects: map[string]storage.Object{
					"caramel macchiato": {Type: "coffee", Description: "caramel macchiato, extra shot"},
				},
			},
		},
		Score:  score,
		Source: retrieval.SourceHybrid,
	}
}

func newTestBuilder(r Retriever, p Understander) *Builder {
	return NewBuilder(r, p, DefaultThresholds())
}

// Confidence policy: an entity field match pins confidence to 0.95.
// Otherwise the top rerank score decides, with strict boundaries:
// score > 0.5 is HIGH_CONF, score > 0.2 is UNCERTAIN, anything at or
// below 0.2 is NOT_FOUND.
func TestBuildContext_EntityMatchIsHighConfidence(t *testing.T) {
	// Rerank score alone (0.3) would only be UNCERTAIN; the flavor
	// field match overrides it.
	r := &fakeRetriever{results: []retrieval.ScoredEpisode{macchiatoResult(0.3)}}
	b := newTestBuilder(r, &fakeParser{queryType: intent.QueryFact})

	got, err := b.BuildContext(context.Background(), "what flavor was my coffee", 2)
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if !strings.Contains(got, "fabrication forbidden]") || !strings.Contains(got, "stated verbatim") {
		t.Errorf("not the high-confidence template:\n%s", got)
	}
	if !strings.Contains(got, "caramel macchiato, extra shot") {
		t.Errorf("fact missing from prompt:\n%s", got)
	}
}

func TestBuildContext_ScoreAboveHighThreshold(t *testing.T) {
	result := macchiatoResult(0.6)
	result.Episode.Entities = storage.Entities{}
	r := &fakeRetriever{results: []retrieval.ScoredEpisode{result}}
	b := newTestBuilder(r, &fakeParser{queryType: intent.QueryFact})

	got, err := b.BuildContext(context.Background(), "do you remember my morning drink", 2)
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if !strings.Contains(got, "stated verbatim") {
		t.Errorf("score 0.6 should be high confidence:\n%s", got)
	}
	// No entity fields to draw from, so the fact falls back to user turns.
	if !strings.Contains(got, "grabbed a caramel macchiato") {
		t.Errorf("user-turn fallback missing:\n%s", got)
	}
}

func TestBuildContext_ScoreExactlyAtHighThresholdIsUncertain(t *testing.T) {
	result := macchiatoResult(0.5)
	result.Episode.Entities = storage.Entities{}
	r := &fakeRetriever{results: []retrieval.ScoredEpisode{result}}
	b := newTestBuilder(r, &fakeParser{queryType: intent.QueryFact})

	got, _ := b.BuildContext(context.Background(), "do you remember my drink", 2)
	if !strings.Contains(got, "hedge and confirm") {
		t.Errorf("score exactly 0.5 should be uncertain:\n%s", got)
	}
}

func TestBuildContext_UncertainRange(t *testing.T) {
	result := macchiatoResult(0.3)
	result.Episode.Entities = storage.Entities{}
	r := &fakeRetriever{results: []retrieval.ScoredEpisode{result}}
	b := newTestBuilder(r, &fakeParser{queryType: intent.QueryFact})

	got, _ := b.BuildContext(context.Background(), "do you remember my drink", 2)
	if !strings.Contains(got, "invite the user to confirm") {
		t.Errorf("score 0.3 should be uncertain:\n%s", got)
	}
}

func TestBuildContext_ScoreAtUncertainThresholdIsNotFound(t *testing.T) {
	result := macchiatoResult(0.2)
	result.Episode.Entities = storage.Entities{}
	r := &fakeRetriever{results: []retrieval.ScoredEpisode{result}}
	b := newTestBuilder(r, &fakeParser{queryType: intent.QueryFact})

	got, _ := b.BuildContext(context.Background(), "do you remember my drink", 2)
	if !strings.Contains(got, "admit it, fabrication forbidden") {
		t.Errorf("score exactly 0.2 should be not-found:\n%s", got)
	}
}

func TestBuildContext_NoResultsIsNotFound(t *testing.T) {
	r := &fakeRetriever{}
	b := newTestBuilder(r, &fakeParser{queryType: intent.QueryFact})

	got, err := b.BuildContext(context.Background(), "what color was my shirt", 2)
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if !strings.Contains(got, "you do not remember this detail") {
		t.Errorf("empty results should admit absence:\n%s", got)
	}
	if r.lastK != factTopK {
		t.Errorf("fact search topK = %d, want %d", r.lastK, factTopK)
	}
}

func TestBuildContext_RegexFallbackDetectsFactQuery(t *testing.T) {
	// Parser says fuzzy but the phrasing is unmistakably factual.
	r := &fakeRetriever{results: []retrieval.ScoredEpisode{macchiatoResult(0.9)}}
	b := newTestBuilder(r, &fakeParser{queryType: intent.QueryFuzzy})

	got, _ := b.BuildContext(context.Background(), "do you remember what I drank", 2)
	if !strings.Contains(got, "stated verbatim") {
		t.Errorf("regex fallback missed a fact query:\n%s", got)
	}
}

func TestBuildContext_GenericContext(t *testing.T) {
	result := macchiatoResult(0.8)
	result.Episode.Summary = "morning coffee run"
	result.Episode.EmotionTag = "happy"
	r := &fakeRetriever{results: []retrieval.ScoredEpisode{result}}
	b := newTestBuilder(r, &fakeParser{queryType: intent.QueryFuzzy})

	got, err := b.BuildContext(context.Background(), "tell me about my mornings", 2)
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	for _, want := range []string{
		"Conversation from 2026-03-01",
		"[exact+semantic match]",
		"Summary: morning coffee run",
		"User: grabbed a caramel macchiato",
		"You: sounds tasty",
		"Emotion: happy",
		"Memory rules:",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("generic context missing %q:\n%s", want, got)
		}
	}
}

func TestBuildContext_GenericEmptyWhenNothingMatches(t *testing.T) {
	b := newTestBuilder(&fakeRetriever{}, &fakeParser{queryType: intent.QueryFuzzy})

	got, err := b.BuildContext(context.Background(), "just chatting about nothing", 2)
	if err != nil {
		t.Fatalf("BuildContext: %v", err)
	}
	if got != "" {
		t.Errorf("context = %q, want empty", got)
	}
}

func TestBuildContext_TruncatesLongTurns(t *testing.T) {
	result := macchiatoResult(0.8)
	result.Episode.Messages = []storage.Message{
		{Role: "user", Content: strings.Repeat("long story ", 30)},
	}
	r := &fakeRetriever{results: []retrieval.ScoredEpisode{result}}
	b := newTestBuilder(r, &fakeParser{queryType: intent.QueryFuzzy})

	got, _ := b.BuildContext(context.Background(), "chatting", 2)
	for _, line := range strings.Split(got, "\n") {
		if strings.HasPrefix(line, "  User: ") && len([]rune(line)) > maxTurnRunes+10 {
			t.Errorf("turn not truncated: %d runes", len([]rune(line)))
		}
	}
}

func TestExtractFact_Topics(t *testing.T) {
	ep := storage.Episode{
		Entities: storage.Entities{
			Objects: map[string]storage.Object{
				"presentation deck": {Color: "orange on grey", Description: "bright orange accents on a grey base"},
			},
			Places: map[string]storage.Place{
				"Starbucks": {Type: "cafe", Position: "near the office"},
			},
		},
	}

	tests := []struct {
		query     string
		wantFact  string
		wantMatch bool
	}{
		{"what color was the deck", "bright orange accents on a grey base", true},
		{"where did I buy it", "Starbucks, near the office", true},
		{"how fast was the train", "", false},
	}
	for _, tt := range tests {
		fact, match := extractFact(ep, tt.query)
		if fact != tt.wantFact || match != tt.wantMatch {
			t.Errorf("extractFact(%q) = (%q, %v), want (%q, %v)", tt.query, fact, match, tt.wantFact, tt.wantMatch)
		}
	}
}

// End-to-end policy scenarios.

func TestScenario_RememberedFlavor(t *testing.T) {
	r := &fakeRetriever{results: []retrieval.ScoredEpisode{macchiatoResult(0.9)}}
	b := newTestBuilder(r, &fakeParser{queryType: intent.QueryFact})

	got, _ := b.BuildContext(context.Background(), "do you remember what flavor of coffee I had", 2)
	if !strings.Contains(got, "caramel macchiato, extra shot") || !strings.Contains(got, "stated verbatim") {
		t.Errorf("remembered flavor should be asserted verbatim:\n%s", got)
	}
}

func TestScenario_NeverMentionedShirt(t *testing.T) {
	b := newTestBuilder(&fakeRetriever{}, &fakeParser{queryType: intent.QueryFact})

	got, _ := b.BuildContext(context.Background(), "what color shirt did I wear yesterday", 2)
	if !strings.Contains(got, "Never fabricate") {
		t.Errorf("unseen fact should trigger admission:\n%s", got)
	}
}

func TestScenario_LatteNotCappuccino(t *testing.T) {
	// Two coffee memories; the fact must come from the top-ranked one.
	latte := retrieval.ScoredEpisode{
		Episode: storage.Episode{
			ID:        "latte-ep",
			CreatedAt: time.Now(),
			Messages:  []storage.Message{{Role: "user", Content: "had an osmanthus latte today"}},
			Entities: storage.Entities{
				Objects: map[string]storage.Object{
					"osmanthus latte": {Type: "coffee", Description: "osmanthus latte"},
				},
			},
		},
		Score: 0.9,
	}
	other := macchiatoResult(0.4)
	r := &fakeRetriever{results: []retrieval.ScoredEpisode{latte, other}}
	b := newTestBuilder(r, &fakeParser{queryType: intent.QueryFact})

	got, _ := b.BuildContext(context.Background(), "what flavor was my coffee today", 2)
	if !strings.Contains(got, "osmanthus latte") {
		t.Errorf("fact should come from the top-ranked episode:\n%s", got)
	}
	if strings.Contains(got, "caramel macchiato") {
		t.Errorf("lower-ranked episode leaked into the fact prompt:\n%s", got)
	}
}
