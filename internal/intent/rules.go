package intent

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/keepsake-ai/keepsake/internal/storage"
)

const maxRuleKeywords = 10

// ruleConfidence is the fixed confidence of the deterministic path.
const ruleConfidence = 0.5

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "is": {}, "was": {}, "are": {}, "were": {},
	"i": {}, "you": {}, "my": {}, "me": {}, "it": {}, "that": {}, "this": {},
	"do": {}, "did": {}, "does": {}, "have": {}, "had": {}, "has": {},
	"what": {}, "which": {}, "when": {}, "where": {}, "who": {}, "how": {},
	"remember": {}, "recall": {}, "about": {}, "of": {}, "in": {}, "on": {},
	"at": {}, "to": {}, "and": {}, "or": {}, "for": {}, "with": {},
}

var (
	objectPattern  = regexp.MustCompile(`(?i)\b(coffee|latte|macchiato|cappuccino|tea|juice|drink|drank|drinking|eat|ate|eating|food|meal|lunch|dinner|breakfast|snack|wearing|wore|bought|buy)\b`)
	objectNouns    = regexp.MustCompile(`(?i)\b(coffee|latte|macchiato|cappuccino|tea|juice|meal|lunch|dinner|breakfast|snack)\b`)
	placePattern   = regexp.MustCompile(`(?i)\b(where|office|work|school|home|shop|store|cafe|restaurant|gym|park)\b`)
	peoplePattern  = regexp.MustCompile(`(?i)\b(who|friend|colleague|coworker|family|mother|father|mom|dad|sister|brother|wife|husband|partner)\b`)
	factPattern    = regexp.MustCompile(`(?i)\b(what|which|when|where|who|how much|how many|is it|was it|did i|do you remember)\b`)
	emotionPattern = regexp.MustCompile(`(?i)\b(feel|felt|feeling|mood|happy|sad|upset|angry|anxious|stressed|excited|emotion|emotional)\b`)
)

// ruleParse is the deterministic fallback: keyword extraction over
// stopword-filtered tokens plus pattern-based entity, type and time
// detection. It never fails.
func ruleParse(query string, now time.Time) Intent {
	keywords := extractKeywords(query)
	var entityTypes []string
	queryType := QueryFuzzy
	strategy := StrategyHybrid

	if objectPattern.MatchString(query) {
		entityTypes = append(entityTypes, storage.TypeObjects)
		for _, noun := range objectNouns.FindAllString(query, -1) {
			keywords = appendUnique(keywords, strings.ToLower(noun))
		}
	}
	if placePattern.MatchString(query) {
		entityTypes = append(entityTypes, storage.TypePlaces)
	}
	if peoplePattern.MatchString(query) {
		entityTypes = append(entityTypes, storage.TypePeople)
	}

	if factPattern.MatchString(query) {
		queryType = QueryFact
		strategy = StrategyStructured
	} else if emotionPattern.MatchString(query) {
		queryType = QueryEmotion
		strategy = StrategyVector
	}

	timeRef := "none"
	lower := strings.ToLower(query)
	switch {
	case strings.Contains(lower, "today"):
		timeRef = "today"
	case strings.Contains(lower, "yesterday"):
		timeRef = "yesterday"
	case strings.Contains(lower, "last week"), strings.Contains(lower, "recently"):
		timeRef = "last_week"
	case strings.Contains(lower, "last month"):
		timeRef = "last_month"
	}

	if len(entityTypes) == 0 {
		entityTypes = []string{storage.TypeObjects, storage.TypeEvents}
	}
	if len(keywords) > maxRuleKeywords {
		keywords = keywords[:maxRuleKeywords]
	}

	return Intent{
		Keywords:        keywords,
		EntityTypes:     entityTypes,
		TimeReference:   timeRef,
		TimeRange:       timeRangeFor(timeRef, now),
		QueryType:       queryType,
		Strategy:        strategy,
		ExpandedQueries: []string{query},
		Confidence:      ruleConfidence,
	}
}

// extractKeywords tokenizes on non-letter/digit boundaries, lowercases,
// and drops stopwords and very short tokens.
func extractKeywords(query string) []string {
	tokens := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	var keywords []string
	for _, tok := range tokens {
		tok = strings.ToLower(tok)
		if len(tok) < 3 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		keywords = appendUnique(keywords, tok)
	}
	return keywords
}

func appendUnique(list []string, s string) []string {
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	return append(list, s)
}
