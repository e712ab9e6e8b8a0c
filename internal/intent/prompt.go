package intent

import (
	"fmt"

	"github.com/keepsake-ai/keepsake/internal/engine"
)

const parsePromptTemplate = `You are a query understanding engine for a personal memory assistant. Analyze the user's query and return ONLY a single valid JSON object conforming to the provided schema. No prose, no markdown.

Query types:
- "fact": the user asks for a specific remembered fact (what, which, how much)
- "emotion": the user asks about feelings or emotional memories
- "fuzzy": the query is vague and needs semantic matching

Search strategies:
- "structured": exact entity lookup will answer this query
- "vector": semantic similarity search will answer this query
- "hybrid": both sources should be combined

Rules:
- Extract core retrieval keywords, including close synonyms.
- entity_types may contain: objects, places, people, events, habits.
- time_reference is one of: today, yesterday, last_week, last_month, none.
- expanded_queries are semantic rephrasings used for vector search.
- confidence reflects how certain you are about this analysis (0.0-1.0).

Example:
Query: "do you remember what flavor of coffee I had yesterday"
{"keywords":["coffee","flavor","drink"],"entity_types":["objects"],"time_reference":"yesterday","query_type":"fact","search_strategy":"structured","expanded_queries":["coffee from yesterday","what I drank"],"confidence":0.95}

Example:
Query: "that time I was feeling down"
{"keywords":["feeling down","sad"],"entity_types":["events"],"time_reference":"none","query_type":"emotion","search_strategy":"vector","expanded_queries":["low mood","unhappy moment"],"confidence":0.8}`

// buildPrompt constructs the chat messages for query understanding.
func buildPrompt(query string) []engine.Message {
	return []engine.Message{
		{Role: "system", Content: parsePromptTemplate},
		{Role: "user", Content: fmt.Sprintf("Query: %q", query)},
	}
}

// parseSchema returns the JSON schema constraining the parse output.
func parseSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"keywords":         {Type: "array", Description: "Core retrieval keywords including synonyms"},
			"entity_types":     {Type: "array", Description: "Relevant entity categories: objects/places/people/events/habits"},
			"time_reference":   {Type: "string", Description: "One of: today, yesterday, last_week, last_month, none"},
			"query_type":       {Type: "string", Description: "One of: fact, emotion, fuzzy"},
			"search_strategy":  {Type: "string", Description: "One of: structured, vector, hybrid"},
			"expanded_queries": {Type: "array", Description: "Semantic rephrasings for vector search"},
			"confidence":       {Type: "number", Description: "Parse confidence between 0 and 1"},
		},
		Required: []string{"keywords", "entity_types", "time_reference", "query_type", "search_strategy", "expanded_queries", "confidence"},
	}
}
