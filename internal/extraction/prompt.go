package extraction

import (
	"fmt"

	"github.com/keepsake-ai/keepsake/internal/engine"
)

const extractionPromptTemplate = `Extract key entities from the user messages below for later exact retrieval.

CRITICAL RULES:
- Extract ONLY from the user messages. Never from assistant replies.
- Extract ONLY what the user explicitly stated. Never infer or invent.
- If the user did not mention something, do not extract it.

User messages:
%s

Return the information as a JSON object with this shape:
{
  "people": {"name": {"role": "relationship or role", "attributes": ["trait"]}},
  "places": {"place": {"type": "kind of place", "position": "location detail"}},
  "time_info": {"daily_routines": ["full time expression"], "time_markers": ["time"]},
  "objects": {"item": {"color": "color", "type": "kind", "description": "full description"}},
  "habits": ["habit"],
  "events": ["event"]
}

Requirements:
1. Objects carry their full description (color, kind, distinguishing traits).
2. Places carry position details when stated.
3. Food and drink names are extracted completely, with their traits.
4. Categories with nothing stated stay as empty objects {} or lists [].
5. Return ONLY the JSON object, no other text.`

// buildPrompt constructs the chat messages for entity extraction.
func buildPrompt(conversation string) []engine.Message {
	return []engine.Message{
		{Role: "user", Content: fmt.Sprintf(extractionPromptTemplate, conversation)},
	}
}

// extractionSchema returns the JSON schema constraining extraction output.
func extractionSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"people":    {Type: "object", Description: "Named people with role and attributes"},
			"places":    {Type: "object", Description: "Named places with type and position"},
			"time_info": {Type: "object", Description: "Daily routines and time markers"},
			"objects":   {Type: "object", Description: "Named objects with color, type and description"},
			"habits":    {Type: "array", Description: "Stated habits"},
			"events":    {Type: "array", Description: "Stated events"},
		},
		Required: []string{"people", "places", "time_info", "objects", "habits", "events"},
	}
}
