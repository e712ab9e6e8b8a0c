package vector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/keepsake-ai/keepsake/internal/storage"
)

// minMessageRunes is the shortest user message that gets its own fragment.
// Shorter turns ("ok", "haha") carry no retrievable meaning on their own;
// they still contribute to the full-conversation fragment.
const minMessageRunes = 10

// Candidate is one semantic search hit, keyed by the owning episode rather
// than the matched fragment.
type Candidate struct {
	EpisodeID    string
	FragmentID   string
	FragmentType string
	Text         string
	Score        float64
}

// Index derives fragments from episodes, embeds them, and serves
// nearest-neighbor queries.
type Index struct {
	embedder *Embedder
	store    Store
}

// NewIndex creates an Index backed by the given Embedder and Store.
func NewIndex(embedder *Embedder, store Store) *Index {
	return &Index{embedder: embedder, store: store}
}

// fragment is one embeddable unit awaiting its vector.
type fragment struct {
	id           string
	fragmentType string
	text         string
}

// deriveFragments builds the fragment set for an episode: the concatenated
// user text, each sufficiently long user message, and the summary if present.
// Assistant turns are excluded so the index never echoes the system's own
// inventions back as memories.
func deriveFragments(ep storage.Episode) []fragment {
	userTurns := ep.UserText()

	var frags []fragment
	if full := strings.TrimSpace(strings.Join(userTurns, " ")); full != "" {
		frags = append(frags, fragment{
			id:           ep.ID + "_full",
			fragmentType: "full_conversation",
			text:         full,
		})
	}
	for i, msg := range userTurns {
		if utf8.RuneCountInString(strings.TrimSpace(msg)) >= minMessageRunes {
			frags = append(frags, fragment{
				id:           fmt.Sprintf("%s_msg_%d", ep.ID, i),
				fragmentType: "single_message",
				text:         msg,
			})
		}
	}
	if summary := strings.TrimSpace(ep.Summary); summary != "" {
		frags = append(frags, fragment{
			id:           ep.ID + "_summary",
			fragmentType: "summary",
			text:         summary,
		})
	}
	return frags
}

// UpsertEpisode regenerates the fragment set for the episode: it embeds all
// fragments in one batched call, drops those whose embedding failed, removes
// the episode's previous fragments, and stores the survivors. Deterministic
// fragment ids make repeated calls overwrite rather than duplicate.
// Returns ErrUnavailable (wrapped) when the embedding collaborator is down.
func (ix *Index) UpsertEpisode(ctx context.Context, ep storage.Episode) error {
	frags := deriveFragments(ep)
	if len(frags) == 0 {
		// Nothing embeddable; clear any stale fragments from a prior version.
		return ix.store.DeleteEpisode(ep.ID)
	}

	texts := make([]string, len(frags))
	for i, f := range frags {
		texts[i] = f.text
	}

	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding fragments for %s: %w", ep.ID, err)
	}

	records := make([]Record, 0, len(frags))
	for i, f := range frags {
		if vecs[i] == nil {
			slog.Debug("fragment skipped, no embedding", "fragment_id", f.id)
			continue
		}
		records = append(records, Record{
			ID:           f.id,
			EpisodeID:    ep.ID,
			FragmentType: f.fragmentType,
			Text:         f.text,
			Embedding:    vecs[i],
			CreatedAt:    ep.CreatedAt,
		})
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: no fragment embedded for %s", ErrUnavailable, ep.ID)
	}

	// Drop fragments from a prior version whose ids no longer exist
	// (e.g. fewer messages after a re-save), then upsert.
	if err := ix.store.DeleteEpisode(ep.ID); err != nil {
		return err
	}
	return ix.store.Upsert(records)
}

// Search embeds the query and returns the k nearest fragments, each carrying
// its owning episode id. Returns ErrUnavailable (wrapped) when the embedding
// collaborator is down; a blank query returns no candidates.
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Candidate, error) {
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if vec == nil {
		return nil, nil
	}

	scored, err := ix.store.Search(vec, k)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, len(scored))
	for i, s := range scored {
		candidates[i] = Candidate{
			EpisodeID:    s.EpisodeID,
			FragmentID:   s.ID,
			FragmentType: s.FragmentType,
			Text:         s.Text,
			Score:        float64(s.Score),
		}
	}
	return candidates, nil
}

// DeleteEpisode removes every fragment belonging to the episode.
func (ix *Index) DeleteEpisode(episodeID string) error {
	return ix.store.DeleteEpisode(episodeID)
}
