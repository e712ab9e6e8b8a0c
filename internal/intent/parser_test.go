package intent

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/keepsake-ai/keepsake/internal/engine"
)

// mockChatter implements Chatter for testing.
type mockChatter struct {
	response string
	err      error
	delay    time.Duration
	calls    int
}

func (m *mockChatter) Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error) {
	m.calls++
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.response, m.err
}

func TestParse_FactQuery(t *testing.T) {
	mock := &mockChatter{
		response: `{"keywords":["coffee","flavor"],"entity_types":["objects"],"time_reference":"yesterday","query_type":"fact","search_strategy":"structured","expanded_queries":["coffee from yesterday"],"confidence":0.95}`,
	}
	p := NewParser(mock, "qwen-turbo")
	got := p.Parse(context.Background(), "what flavor of coffee did I have yesterday")

	if got.QueryType != QueryFact {
		t.Errorf("QueryType = %q, want fact", got.QueryType)
	}
	if got.Strategy != StrategyStructured {
		t.Errorf("Strategy = %q, want structured", got.Strategy)
	}
	if !reflect.DeepEqual(got.Keywords, []string{"coffee", "flavor"}) {
		t.Errorf("Keywords = %v", got.Keywords)
	}
	if got.TimeRange == nil {
		t.Fatal("TimeRange = nil, want yesterday window")
	}
	if !got.TimeRange.Start.Before(got.TimeRange.End) {
		t.Errorf("TimeRange start %v not before end %v", got.TimeRange.Start, got.TimeRange.End)
	}
}

func TestParse_StripsMarkdownFence(t *testing.T) {
	mock := &mockChatter{
		response: "```json\n{\"keywords\":[\"tea\"],\"entity_types\":[\"objects\"],\"time_reference\":\"none\",\"query_type\":\"fact\",\"search_strategy\":\"structured\",\"expanded_queries\":[\"tea\"],\"confidence\":0.9}\n```",
	}
	p := NewParser(mock, "qwen-turbo")
	got := p.Parse(context.Background(), "what tea do I like")

	if got.QueryType != QueryFact || len(got.Keywords) != 1 {
		t.Errorf("fenced response not parsed: %+v", got)
	}
}

func TestParse_MalformedFallsBackToRules(t *testing.T) {
	mock := &mockChatter{response: `not valid json {{{`}
	p := NewParser(mock, "qwen-turbo")
	got := p.Parse(context.Background(), "what flavor was my coffee")

	if got.Confidence != ruleConfidence {
		t.Errorf("Confidence = %v, want rule fallback %v", got.Confidence, ruleConfidence)
	}
	if got.QueryType != QueryFact {
		t.Errorf("QueryType = %q, want fact from rule patterns", got.QueryType)
	}
}

func TestParse_ChatErrorFallsBackToRules(t *testing.T) {
	mock := &mockChatter{err: fmt.Errorf("connection refused")}
	p := NewParser(mock, "qwen-turbo")
	got := p.Parse(context.Background(), "how was I feeling last week")

	if got.QueryType != QueryEmotion {
		t.Errorf("QueryType = %q, want emotion", got.QueryType)
	}
	if got.Strategy != StrategyVector {
		t.Errorf("Strategy = %q, want vector", got.Strategy)
	}
	if got.TimeRange == nil {
		t.Error("TimeRange = nil, want last-week window")
	}
}

func TestParse_Timeout(t *testing.T) {
	mock := &mockChatter{
		response: `{"query_type":"fact"}`,
		delay:    5 * time.Second,
	}
	p := NewParser(mock, "qwen-turbo")

	start := time.Now()
	got := p.Parse(context.Background(), "some query")
	elapsed := time.Since(start)

	if elapsed > 3500*time.Millisecond {
		t.Errorf("Parse took %v, want < 3.5s", elapsed)
	}
	if got.Confidence != ruleConfidence {
		t.Errorf("Confidence = %v, want rule fallback", got.Confidence)
	}
}

func TestParse_CachesByNormalizedQuery(t *testing.T) {
	mock := &mockChatter{
		response: `{"keywords":["coffee"],"entity_types":["objects"],"time_reference":"none","query_type":"fact","search_strategy":"structured","expanded_queries":["coffee"],"confidence":0.9}`,
	}
	p := NewParser(mock, "qwen-turbo")

	p.Parse(context.Background(), "What Coffee Did I Have")
	p.Parse(context.Background(), "  what coffee did i have  ")

	if mock.calls != 1 {
		t.Errorf("chat calls = %d, want 1 (second parse served from cache)", mock.calls)
	}
}

func TestParse_CacheEvictsOldestHalf(t *testing.T) {
	mock := &mockChatter{
		response: `{"keywords":[],"entity_types":[],"time_reference":"none","query_type":"fuzzy","search_strategy":"vector","expanded_queries":[],"confidence":0.5}`,
	}
	p := NewParser(mock, "qwen-turbo")

	for i := 0; i < cacheMaxSize+1; i++ {
		p.Parse(context.Background(), fmt.Sprintf("query number %d", i))
	}

	p.mu.Lock()
	size := len(p.cache)
	p.mu.Unlock()
	if size > cacheMaxSize/2+1 {
		t.Errorf("cache size after eviction = %d, want <= %d", size, cacheMaxSize/2+1)
	}
}

func TestParse_NilClientUsesRules(t *testing.T) {
	p := NewParser(nil, "")
	got := p.Parse(context.Background(), "where did I buy that latte yesterday")

	if got.Confidence != ruleConfidence {
		t.Errorf("Confidence = %v, want rule confidence", got.Confidence)
	}
	if got.TimeReference != "yesterday" {
		t.Errorf("TimeReference = %q, want yesterday", got.TimeReference)
	}
}

func TestParse_UnknownEnumsNormalized(t *testing.T) {
	mock := &mockChatter{
		response: `{"keywords":["x"],"entity_types":[],"time_reference":"none","query_type":"interrogative","search_strategy":"telepathy","expanded_queries":["x"],"confidence":0.9}`,
	}
	p := NewParser(mock, "qwen-turbo")
	got := p.Parse(context.Background(), "x marks the spot")

	if got.QueryType != QueryFuzzy {
		t.Errorf("QueryType = %q, want fuzzy for unknown value", got.QueryType)
	}
	if got.Strategy != StrategyHybrid {
		t.Errorf("Strategy = %q, want hybrid for unknown value", got.Strategy)
	}
}

func TestConfig_Weights(t *testing.T) {
	tests := []struct {
		name           string
		intent         Intent
		wantStructured float64
		wantVector     float64
	}{
		{"structured strategy", Intent{Strategy: StrategyStructured, Confidence: 0.9}, 1.0, 0.0},
		{"vector strategy", Intent{Strategy: StrategyVector, Confidence: 0.9}, 0.0, 1.0},
		{"hybrid high confidence", Intent{Strategy: StrategyHybrid, Confidence: 0.9}, 0.7, 0.3},
		{"hybrid mid confidence", Intent{Strategy: StrategyHybrid, Confidence: 0.6}, 0.5, 0.5},
		{"hybrid boundary 0.8 is mid", Intent{Strategy: StrategyHybrid, Confidence: 0.8}, 0.5, 0.5},
		{"hybrid low confidence", Intent{Strategy: StrategyHybrid, Confidence: 0.3}, 0.3, 0.7},
		{"hybrid boundary 0.5 is low", Intent{Strategy: StrategyHybrid, Confidence: 0.5}, 0.3, 0.7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.intent.Config("q")
			if cfg.StructuredWeight != tt.wantStructured {
				t.Errorf("StructuredWeight = %v, want %v", cfg.StructuredWeight, tt.wantStructured)
			}
			if cfg.VectorWeight != tt.wantVector {
				t.Errorf("VectorWeight = %v, want %v", cfg.VectorWeight, tt.wantVector)
			}
		})
	}
}

func TestConfig_ExpandedQueriesNeverEmpty(t *testing.T) {
	cfg := Intent{Strategy: StrategyVector}.Config("the original query")
	if len(cfg.ExpandedQueries) != 1 || cfg.ExpandedQueries[0] != "the original query" {
		t.Errorf("ExpandedQueries = %v, want the query itself", cfg.ExpandedQueries)
	}
}
