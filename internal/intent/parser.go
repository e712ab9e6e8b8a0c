package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/keepsake-ai/keepsake/internal/engine"
)

const (
	parseTimeout = 3 * time.Second
	cacheMaxSize = 100
)

// Chatter is the chat completion surface the parser needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Parser understands user queries via a fast LLM, with a deterministic
// rule fallback so retrieval degrades instead of failing. Identical
// queries recur within a session, so parses are cached by normalized
// query text.
type Parser struct {
	client Chatter
	model  string
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]Intent
	order []string
}

// NewParser creates a Parser using the given chat client and model name.
// A nil client skips the LLM path entirely and always uses rules.
func NewParser(client Chatter, model string) *Parser {
	return &Parser{
		client: client,
		model:  model,
		now:    time.Now,
		cache:  make(map[string]Intent),
	}
}

// Parse analyses the query. The LLM path is attempted first; on timeout,
// chat error or malformed JSON it falls back to rule parsing, so Parse
// always returns a usable Intent.
func (p *Parser) Parse(ctx context.Context, query string) Intent {
	key := strings.ToLower(strings.TrimSpace(query))
	if key == "" {
		return ruleParse(query, p.now())
	}

	p.mu.Lock()
	if cached, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return cached
	}
	p.mu.Unlock()

	var result Intent
	if p.client != nil {
		var ok bool
		result, ok = p.parseWithLLM(ctx, query)
		if !ok {
			result = ruleParse(query, p.now())
		}
	} else {
		result = ruleParse(query, p.now())
	}

	p.store(key, result)
	return result
}

// SearchConfig is the one-call interface used by the retrieval
// orchestrator: parse, then derive source weights.
func (p *Parser) SearchConfig(ctx context.Context, query string) SearchConfig {
	return p.Parse(ctx, query).Config(query)
}

func (p *Parser) parseWithLLM(ctx context.Context, query string) (Intent, bool) {
	ctx, cancel := context.WithTimeout(ctx, parseTimeout)
	defer cancel()

	raw, err := p.client.Chat(ctx, p.model, buildPrompt(query), parseSchema())
	if err != nil {
		slog.Warn("query parse chat failed, using rules", "error", err)
		return Intent{}, false
	}

	var wire struct {
		Keywords        []string `json:"keywords"`
		EntityTypes     []string `json:"entity_types"`
		TimeReference   string   `json:"time_reference"`
		QueryType       string   `json:"query_type"`
		SearchStrategy  string   `json:"search_strategy"`
		ExpandedQueries []string `json:"expanded_queries"`
		Confidence      float64  `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &wire); err != nil {
		slog.Warn("failed to unmarshal intent from LLM response", "error", err, "response", raw)
		return Intent{}, false
	}

	result := Intent{
		Keywords:        wire.Keywords,
		EntityTypes:     wire.EntityTypes,
		TimeReference:   wire.TimeReference,
		TimeRange:       timeRangeFor(wire.TimeReference, p.now()),
		QueryType:       normalizeQueryType(wire.QueryType),
		Strategy:        normalizeStrategy(wire.SearchStrategy),
		ExpandedQueries: wire.ExpandedQueries,
		Confidence:      wire.Confidence,
	}
	if len(result.ExpandedQueries) == 0 {
		result.ExpandedQueries = []string{query}
	}
	return result, true
}

func (p *Parser) store(key string, in Intent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.cache) >= cacheMaxSize {
		// Evict the oldest half rather than tracking per-entry recency.
		evict := p.order[:cacheMaxSize/2]
		for _, k := range evict {
			delete(p.cache, k)
		}
		p.order = append([]string(nil), p.order[cacheMaxSize/2:]...)
	}
	if _, exists := p.cache[key]; !exists {
		p.order = append(p.order, key)
	}
	p.cache[key] = in
}

func normalizeQueryType(qt string) string {
	switch qt {
	case QueryFact, QueryEmotion, QueryFuzzy:
		return qt
	}
	return QueryFuzzy
}

func normalizeStrategy(s string) string {
	switch s {
	case StrategyStructured, StrategyVector, StrategyHybrid:
		return s
	}
	return StrategyHybrid
}

// timeRangeFor resolves a symbolic time reference against now.
func timeRangeFor(ref string, now time.Time) *TimeRange {
	midnight := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
	switch ref {
	case "today":
		return &TimeRange{Start: midnight(now), End: now}
	case "yesterday":
		y := now.AddDate(0, 0, -1)
		return &TimeRange{Start: midnight(y), End: midnight(now)}
	case "last_week":
		return &TimeRange{Start: now.AddDate(0, 0, -7), End: now}
	case "last_month":
		return &TimeRange{Start: now.AddDate(0, 0, -30), End: now}
	}
	return nil
}

// stripCodeFence removes a surrounding markdown code fence if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "```json"); ok {
		s = rest
	} else if rest, ok := strings.CutPrefix(s, "```"); ok {
		s = rest
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
