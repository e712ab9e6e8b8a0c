// Package intent turns a free-text memory query into a structured
// retrieval plan: keywords, entity-type hints, a concrete time range,
// a query classification and a recommended search strategy.
package intent

import "time"

// Query classifications.
const (
	QueryFact    = "fact"
	QueryEmotion = "emotion"
	QueryFuzzy   = "fuzzy"
)

// Search strategies.
const (
	StrategyStructured = "structured"
	StrategyVector     = "vector"
	StrategyHybrid     = "hybrid"
)

// TimeRange bounds a query to a concrete window.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Intent is the structured understanding of one user query.
type Intent struct {
	Keywords        []string
	EntityTypes     []string
	TimeReference   string
	TimeRange       *TimeRange
	QueryType       string
	Strategy        string
	ExpandedQueries []string
	Confidence      float64
}

// SearchConfig is the retrieval plan derived from an Intent: which
// sources to query and how to weight their scores during fusion.
type SearchConfig struct {
	UseStructured    bool
	UseVector        bool
	StructuredWeight float64
	VectorWeight     float64
	Keywords         []string
	EntityTypes      []string
	TimeRange        *TimeRange
	ExpandedQueries  []string
	QueryType        string
}

// Config derives source weights from the parsed strategy. Hybrid
// weights lean on parse confidence: confident parses trust the exact
// entity index, vague ones lean on semantic similarity.
func (in Intent) Config(query string) SearchConfig {
	cfg := SearchConfig{
		Keywords:        in.Keywords,
		EntityTypes:     in.EntityTypes,
		TimeRange:       in.TimeRange,
		ExpandedQueries: in.ExpandedQueries,
		QueryType:       in.QueryType,
	}
	if len(cfg.ExpandedQueries) == 0 {
		cfg.ExpandedQueries = []string{query}
	}

	switch in.Strategy {
	case StrategyStructured:
		cfg.UseStructured = true
		cfg.StructuredWeight = 1.0
	case StrategyVector:
		cfg.UseVector = true
		cfg.VectorWeight = 1.0
	default:
		cfg.UseStructured = true
		cfg.UseVector = true
		switch {
		case in.Confidence > 0.8:
			cfg.StructuredWeight, cfg.VectorWeight = 0.7, 0.3
		case in.Confidence > 0.5:
			cfg.StructuredWeight, cfg.VectorWeight = 0.5, 0.5
		default:
			cfg.StructuredWeight, cfg.VectorWeight = 0.3, 0.7
		}
	}
	return cfg
}
