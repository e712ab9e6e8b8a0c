// Package composer turns retrieval results into the prompt fragment
// injected ahead of reply generation. Fact-seeking queries follow a
// strict confidence policy so the assistant states remembered facts
// verbatim, hedges when unsure, and admits gaps instead of inventing.
package composer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/keepsake-ai/keepsake/internal/intent"
	"github.com/keepsake-ai/keepsake/internal/retrieval"
	"github.com/keepsake-ai/keepsake/internal/storage"
)

const (
	factTopK          = 3
	maxContextTurns   = 6
	maxTurnRunes      = 80
	entityMatchScore  = 0.95
	defaultMaxContext = 2
)

// Thresholds partition rerank scores into confidence states. Both
// comparisons are strict: a score exactly at a boundary falls into the
// lower state.
type Thresholds struct {
	HighConfidence float64
	Uncertain      float64
}

// DefaultThresholds returns the standard confidence boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{HighConfidence: 0.5, Uncertain: 0.2}
}

// Retriever is the search surface the builder needs.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]retrieval.ScoredEpisode, error)
}

// Understander classifies queries.
type Understander interface {
	Parse(ctx context.Context, query string) intent.Intent
}

// Builder constructs context prompts from retrieved episodes.
type Builder struct {
	retriever  Retriever
	parser     Understander
	thresholds Thresholds
}

// NewBuilder wires a Builder with the given collaborators.
func NewBuilder(retriever Retriever, parser Understander, thresholds Thresholds) *Builder {
	if thresholds == (Thresholds{}) {
		thresholds = DefaultThresholds()
	}
	return &Builder{retriever: retriever, parser: parser, thresholds: thresholds}
}

// factQueryPattern is the deterministic fact-query fallback used when
// the parser does not classify the query as fact-seeking.
var factQueryPattern = regexp.MustCompile(`(?i)\b(do you remember|what (is|was|color|colour|flavor|flavour)|where|when|how (much|many)|who)\b`)

// BuildContext produces the prompt fragment for the query. Fact-seeking
// queries get one of three strict instruction templates; everything
// else gets a generic memory-context block, or an empty string when
// nothing relevant is stored.
func (b *Builder) BuildContext(ctx context.Context, query string, maxContext int) (string, error) {
	if maxContext <= 0 {
		maxContext = defaultMaxContext
	}

	if b.isFactQuery(ctx, query) {
		return b.buildFactPrompt(ctx, query)
	}

	episodes, err := b.retriever.Search(ctx, query, maxContext)
	if err != nil {
		return "", fmt.Errorf("searching context: %w", err)
	}
	if len(episodes) == 0 {
		return "", nil
	}
	return b.formatGenericContext(episodes), nil
}

func (b *Builder) isFactQuery(ctx context.Context, query string) bool {
	if b.parser != nil && b.parser.Parse(ctx, query).QueryType == intent.QueryFact {
		return true
	}
	return factQueryPattern.MatchString(query)
}

// buildFactPrompt resolves the query to HIGH_CONF, UNCERTAIN or
// NOT_FOUND. A direct entity-field match carries confidence 0.95;
// otherwise the top result's rerank score decides.
func (b *Builder) buildFactPrompt(ctx context.Context, query string) (string, error) {
	results, err := b.retriever.Search(ctx, query, factTopK)
	if err != nil {
		return "", fmt.Errorf("searching fact: %w", err)
	}
	if len(results) == 0 {
		return notFoundPrompt, nil
	}

	top := results[0]
	fact, fieldMatch := extractFact(top.Episode, query)
	if fact == "" {
		userTurns := top.Episode.UserText()
		if len(userTurns) > 2 {
			userTurns = userTurns[:2]
		}
		fact = strings.Join(userTurns, " ")
	}

	confidence := top.Score
	if fieldMatch {
		confidence = entityMatchScore
	}

	switch {
	case confidence > b.thresholds.HighConfidence:
		return fmt.Sprintf(highConfidencePrompt, fact, episodeContext(top.Episode)), nil
	case confidence > b.thresholds.Uncertain:
		return fmt.Sprintf(uncertainPrompt, fact, episodeContext(top.Episode)), nil
	default:
		return notFoundPrompt, nil
	}
}

// extractFact pulls the answer from the top result's entities, keyed by
// query topic. A hit here is stronger evidence than any rerank score.
func extractFact(ep storage.Episode, query string) (string, bool) {
	lower := strings.ToLower(query)

	if strings.Contains(lower, "color") || strings.Contains(lower, "colour") {
		for _, obj := range ep.Entities.Objects {
			if obj.Color != "" || obj.Description != "" {
				if obj.Description != "" {
					return obj.Description, true
				}
				return obj.Color, true
			}
		}
	}

	if strings.Contains(lower, "flavor") || strings.Contains(lower, "flavour") || strings.Contains(lower, "taste") {
		for name, obj := range ep.Entities.Objects {
			if obj.Description != "" {
				return obj.Description, true
			}
			if name != "" {
				return name, true
			}
		}
	}

	if strings.Contains(lower, "where") {
		for name, place := range ep.Entities.Places {
			if place.Position != "" {
				return name + ", " + place.Position, true
			}
			return name, true
		}
	}

	return "", false
}

// episodeContext renders the top episode for inclusion in a fact prompt.
func episodeContext(ep storage.Episode) string {
	var parts []string
	if ep.Summary != "" {
		parts = append(parts, "Summary: "+ep.Summary)
	}
	msgs := ep.Messages
	if len(msgs) > 4 {
		msgs = msgs[:4]
	}
	for _, msg := range msgs {
		parts = append(parts, roleLabel(msg.Role)+": "+msg.Content)
	}
	return strings.Join(parts, "\n")
}

// formatGenericContext renders retrieved episodes as a memory block for
// non-fact queries.
func (b *Builder) formatGenericContext(episodes []retrieval.ScoredEpisode) string {
	var sb strings.Builder
	sb.WriteString("[Important: long-term memory]\nYou and the user have previously talked about the following:\n\n")

	for _, se := range episodes {
		ep := se.Episode
		fmt.Fprintf(&sb, "Conversation from %s:\n", ep.CreatedAt.Format("2006-01-02"))

		switch se.Source {
		case retrieval.SourceHybrid:
			sb.WriteString("[exact+semantic match]\n")
		case retrieval.SourceVector:
			sb.WriteString("[semantic match]\n")
		}

		if ep.Summary != "" {
			sb.WriteString("Summary: " + ep.Summary + "\n")
		}

		msgs := ep.Messages
		if len(msgs) > maxContextTurns {
			msgs = msgs[:maxContextTurns]
		}
		for _, msg := range msgs {
			content := msg.Content
			if runes := []rune(content); len(runes) > maxTurnRunes {
				content = string(runes[:maxTurnRunes])
			}
			fmt.Fprintf(&sb, "  %s: %s\n", roleLabel(msg.Role), content)
		}

		if ep.EmotionTag != "" && ep.EmotionTag != "neutral" {
			sb.WriteString("Emotion: " + ep.EmotionTag + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString(memoryRules)
	return strings.TrimSpace(sb.String())
}

func roleLabel(role string) string {
	if role == "user" {
		return "User"
	}
	return "You"
}
