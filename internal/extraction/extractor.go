// Package extraction pulls structured entities out of closed episodes
// so the entity index can answer exact-match queries later.
package extraction

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/keepsake-ai/keepsake/internal/engine"
	"github.com/keepsake-ai/keepsake/internal/storage"
)

const extractionTimeout = 30 * time.Second

// Chatter is the chat completion surface the extractor needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Extractor uses an LLM to extract entities from user-authored turns.
type Extractor struct {
	client Chatter
	model  string
}

// NewExtractor creates an Extractor using the given chat client and model name.
func NewExtractor(client Chatter, model string) *Extractor {
	return &Extractor{client: client, model: model}
}

// jsonObjectPattern salvages an embedded JSON object from a chatty response.
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// Extract analyses user turns and returns the entities they explicitly
// mention. On any failure (timeout, chat error, unparseable output) it
// returns empty entities — enrichment must not surface extraction
// failures to the caller.
func (e *Extractor) Extract(ctx context.Context, userTurns []string) storage.Entities {
	conversation := buildConversation(userTurns)
	if conversation == "" {
		return emptyEntities()
	}

	ctx, cancel := context.WithTimeout(ctx, extractionTimeout)
	defer cancel()

	raw, err := e.client.Chat(ctx, e.model, buildPrompt(conversation), extractionSchema())
	if err != nil {
		slog.Warn("entity extraction chat failed", "error", err)
		return emptyEntities()
	}

	parsed, ok := parseEntities(raw)
	if !ok {
		slog.Warn("failed to parse entities from LLM response", "response", raw)
		return emptyEntities()
	}
	return mergeWithDefaults(parsed)
}

// buildConversation joins user turns into the extraction input.
// Assistant turns never reach this function so the model cannot
// harvest entities the user did not state.
func buildConversation(userTurns []string) string {
	var sb strings.Builder
	for _, turn := range userTurns {
		if strings.TrimSpace(turn) == "" {
			continue
		}
		sb.WriteString("User: ")
		sb.WriteString(turn)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

func parseEntities(raw string) (storage.Entities, bool) {
	text := stripCodeFence(raw)

	var entities storage.Entities
	if err := json.Unmarshal([]byte(text), &entities); err == nil {
		return entities, true
	}

	// Some models wrap the object in prose despite instructions.
	if match := jsonObjectPattern.FindString(text); match != "" {
		if err := json.Unmarshal([]byte(match), &entities); err == nil {
			return entities, true
		}
	}
	return storage.Entities{}, false
}

// emptyEntities returns the structure with every category present, so
// downstream JSON always carries the full shape.
func emptyEntities() storage.Entities {
	return storage.Entities{
		People:  map[string]storage.Person{},
		Places:  map[string]storage.Place{},
		Objects: map[string]storage.Object{},
		TimeInfo: storage.TimeInfo{
			DailyRoutines: []string{},
			TimeMarkers:   []string{},
		},
		Habits: []string{},
		Events: []string{},
	}
}

func mergeWithDefaults(parsed storage.Entities) storage.Entities {
	merged := emptyEntities()
	for name, p := range parsed.People {
		merged.People[name] = p
	}
	for name, pl := range parsed.Places {
		merged.Places[name] = pl
	}
	for name, o := range parsed.Objects {
		merged.Objects[name] = o
	}
	if parsed.TimeInfo.DailyRoutines != nil {
		merged.TimeInfo.DailyRoutines = parsed.TimeInfo.DailyRoutines
	}
	if parsed.TimeInfo.TimeMarkers != nil {
		merged.TimeInfo.TimeMarkers = parsed.TimeInfo.TimeMarkers
	}
	if parsed.Habits != nil {
		merged.Habits = parsed.Habits
	}
	if parsed.Events != nil {
		merged.Events = parsed.Events
	}
	return merged
}

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
