// Package reranking re-scores retrieval candidates by query relevance
// using a single batched LLM call.
package reranking

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/keepsake-ai/keepsake/internal/engine"
	"github.com/keepsake-ai/keepsake/internal/storage"
)

const (
	maxDigestRunes   = 200
	maxDigestTurns   = 3
	defaultTimeout   = 10 * time.Second
	scoreDenominator = 10.0
)

// Candidate pairs an episode with its relevance score. Score arrives
// holding the pre-rerank weighted score and leaves holding the
// normalized rerank score when scoring succeeds.
type Candidate struct {
	Episode storage.Episode
	Score   float64
}

// Chatter is the chat completion surface the reranker needs.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Reranker re-orders candidates by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error)
}

// NewReranker returns an LLMReranker if enabled, NoOpReranker otherwise.
func NewReranker(client Chatter, model string, enabled bool, timeout time.Duration) Reranker {
	if !enabled {
		return &NoOpReranker{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &LLMReranker{client: client, model: model, timeout: timeout}
}

// NoOpReranker returns candidates unchanged.
type NoOpReranker struct{}

func (r *NoOpReranker) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error) {
	return candidates, nil
}

// LLMReranker scores all candidates in one chat call: a numbered digest
// of each candidate goes in, "[i]: score" lines come out. One call for
// N candidates keeps rerank latency flat as the candidate set grows.
type LLMReranker struct {
	client  Chatter
	model   string
	timeout time.Duration
}

// Rerank scores candidates 0-10 against the query, normalizes to [0,1]
// and sorts descending. Candidates whose score cannot be parsed keep
// their pre-rerank score. On chat failure the input is returned
// unchanged so retrieval degrades instead of failing.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prompt := buildScoringPrompt(query, candidates)
	raw, err := r.client.Chat(ctx, r.model, []engine.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		slog.Warn("rerank chat failed, keeping retrieval order", "error", err)
		return candidates, nil
	}

	scores := parseScores(raw)
	result := make([]Candidate, len(candidates))
	copy(result, candidates)
	for i := range result {
		if s, ok := scores[i]; ok {
			result[i].Score = clamp01(s / scoreDenominator)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Score > result[j].Score
	})
	return result, nil
}

// buildScoringPrompt renders the numbered candidate digest.
func buildScoringPrompt(query string, candidates []Candidate) string {
	var sb strings.Builder
	sb.WriteString("You are a relevance judge. Rate how relevant each candidate memory is to the query.\n\n")
	fmt.Fprintf(&sb, "Query: %q\n\nCandidates:\n", query)
	for i, c := range candidates {
		fmt.Fprintf(&sb, "[%d] %s\n", i, digest(c.Episode))
	}
	sb.WriteString("\nScore each candidate from 0 to 10, one line per candidate:\n[0]: score\n[1]: score\n...\n\nReturn only the scores, no explanation.")
	return sb.String()
}

// digest summarizes an episode for scoring: its summary plus the first
// user turns, capped in length.
func digest(ep storage.Episode) string {
	userTurns := ep.UserText()
	if len(userTurns) > maxDigestTurns {
		userTurns = userTurns[:maxDigestTurns]
	}
	text := strings.Join(userTurns, " ")
	if runes := []rune(text); len(runes) > maxDigestRunes {
		text = string(runes[:maxDigestRunes])
	}
	if ep.Summary != "" {
		return ep.Summary + " | " + text
	}
	return text
}

var (
	bracketScorePattern = regexp.MustCompile(`\[(\d+)\]:\s*(\d+(?:\.\d+)?)`)
	plainScorePattern   = regexp.MustCompile(`(?m)^\s*(\d+)\s*[:\-]\s*(\d+(?:\.\d+)?)`)
	bareNumberPattern   = regexp.MustCompile(`\d+(?:\.\d+)?`)
)

// parseScores extracts index→score pairs from the response, trying the
// requested "[i]: score" shape first, then "i: score" / "i - score"
// lines, then a bare number list taken in candidate order.
func parseScores(raw string) map[int]float64 {
	scores := make(map[int]float64)

	for _, m := range bracketScorePattern.FindAllStringSubmatch(raw, -1) {
		idx, err1 := strconv.Atoi(m[1])
		score, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil {
			scores[idx] = score
		}
	}
	if len(scores) > 0 {
		return scores
	}

	for _, m := range plainScorePattern.FindAllStringSubmatch(raw, -1) {
		idx, err1 := strconv.Atoi(m[1])
		score, err2 := strconv.ParseFloat(m[2], 64)
		if err1 == nil && err2 == nil {
			scores[idx] = score
		}
	}
	if len(scores) > 0 {
		return scores
	}

	for i, m := range bareNumberPattern.FindAllString(raw, -1) {
		if score, err := strconv.ParseFloat(m, 64); err == nil {
			scores[i] = score
		}
	}
	return scores
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
