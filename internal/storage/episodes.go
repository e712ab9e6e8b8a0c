package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Save upserts the episode record and fully rebuilds its entity index rows.
// Both writes happen in one transaction, so either the episode and its index
// are visible together or neither is.
func (s *Store) Save(ep Episode) error {
	messages, err := json.Marshal(ep.Messages)
	if err != nil {
		return fmt.Errorf("marshalling messages: %w", err)
	}
	entities, err := json.Marshal(ep.Entities)
	if err != nil {
		return fmt.Errorf("marshalling entities: %w", err)
	}

	createdAt := ep.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO episodes (id, created_at, messages, summary, emotion_tag, card_generated, entities)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			messages = excluded.messages,
			summary = excluded.summary,
			emotion_tag = excluded.emotion_tag,
			card_generated = excluded.card_generated,
			entities = excluded.entities`,
		ep.ID, createdAt.UTC().Format(time.RFC3339), string(messages),
		ep.Summary, ep.EmotionTag, boolToInt(ep.CardGenerated), string(entities),
	); err != nil {
		return fmt.Errorf("saving episode %s: %w", ep.ID, err)
	}

	if err := rebuildIndex(tx, ep.ID, ep.Entities); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateEntities replaces the stored entities for an episode and rebuilds its
// index rows. Used by the asynchronous enrichment pipeline; last writer wins.
func (s *Store) UpdateEntities(id string, entities Entities) error {
	blob, err := json.Marshal(entities)
	if err != nil {
		return fmt.Errorf("marshalling entities: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning entities transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE episodes SET entities = ? WHERE id = ?`, string(blob), id)
	if err != nil {
		return fmt.Errorf("updating entities for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := rebuildIndex(tx, id, entities); err != nil {
		return err
	}

	return tx.Commit()
}

// rebuildIndex replaces every entity_index row for the episode with rows
// derived from the given entities. Delete-all-then-reinsert keeps repeated
// updates idempotent.
func rebuildIndex(tx *sql.Tx, episodeID string, entities Entities) error {
	if _, err := tx.Exec("DELETE FROM entity_index WHERE episode_id = ?", episodeID); err != nil {
		return fmt.Errorf("clearing entity index for %s: %w", episodeID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO entity_index (episode_id, entity_type, entity_name, entity_value)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing index insert: %w", err)
	}
	defer stmt.Close()

	insert := func(entityType, name string, value any) error {
		var blob sql.NullString
		if value != nil {
			b, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("marshalling %s %q: %w", entityType, name, err)
			}
			blob = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.Exec(episodeID, entityType, name, blob); err != nil {
			return fmt.Errorf("indexing %s %q: %w", entityType, name, err)
		}
		return nil
	}

	for name, p := range entities.People {
		if err := insert(TypePeople, name, p); err != nil {
			return err
		}
	}
	for name, p := range entities.Places {
		if err := insert(TypePlaces, name, p); err != nil {
			return err
		}
	}
	for name, o := range entities.Objects {
		if err := insert(TypeObjects, name, o); err != nil {
			return err
		}
	}
	for _, ev := range entities.Events {
		if err := insert(TypeEvents, ev, nil); err != nil {
			return err
		}
	}
	for _, h := range entities.Habits {
		if err := insert(TypeHabits, h, nil); err != nil {
			return err
		}
	}
	for _, r := range entities.TimeInfo.DailyRoutines {
		if err := insert(TypeDailyRoutines, r, nil); err != nil {
			return err
		}
	}
	for _, m := range entities.TimeInfo.TimeMarkers {
		if err := insert(TypeTimeMarkers, m, nil); err != nil {
			return err
		}
	}

	return nil
}

// UpdateFields patches summary, emotion tag, and/or card_generated for a
// closed episode. Fields left nil are untouched.
func (s *Store) UpdateFields(id string, update FieldUpdate) error {
	var clauses []string
	var args []any

	if update.Summary != nil {
		clauses = append(clauses, "summary = ?")
		args = append(args, *update.Summary)
	}
	if update.EmotionTag != nil {
		clauses = append(clauses, "emotion_tag = ?")
		args = append(args, *update.EmotionTag)
	}
	if update.CardGenerated != nil {
		clauses = append(clauses, "card_generated = ?")
		args = append(args, boolToInt(*update.CardGenerated))
	}

	if len(clauses) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.Exec("UPDATE episodes SET "+strings.Join(clauses, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating fields for %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const episodeColumns = "id, created_at, messages, summary, emotion_tag, card_generated, entities"

// Get returns the episode with the given id, or ErrNotFound.
func (s *Store) Get(id string) (Episode, error) {
	row := s.db.QueryRow("SELECT "+episodeColumns+" FROM episodes WHERE id = ?", id)
	ep, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return Episode{}, ErrNotFound
	}
	return ep, err
}

// Recent returns up to n episodes ordered by creation time descending.
func (s *Store) Recent(n int) ([]Episode, error) {
	return s.queryEpisodes(
		"SELECT "+episodeColumns+" FROM episodes ORDER BY created_at DESC LIMIT ?", n)
}

// SearchByEntity returns episodes whose entities of the given type contain
// the keyword as a case-insensitive substring of the entity name,
// most-recent-first.
func (s *Store) SearchByEntity(entityType, keyword string, k int) ([]Episode, error) {
	return s.queryEpisodes(`
		SELECT DISTINCT m.id, m.created_at, m.messages, m.summary, m.emotion_tag, m.card_generated, m.entities
		FROM episodes m
		JOIN entity_index e ON m.id = e.episode_id
		WHERE e.entity_type = ? AND e.entity_name LIKE ? ESCAPE '\'
		ORDER BY m.created_at DESC
		LIMIT ?`,
		entityType, likePattern(keyword), k)
}

// SearchByKeywords OR-matches the keywords against all entity names and
// ranks episodes by the number of distinct keywords they match, then by
// recency. An episode matching two of three keywords therefore always ranks
// above one matching a single keyword.
func (s *Store) SearchByKeywords(keywords []string, k int) ([]Episode, error) {
	if len(keywords) == 0 {
		return nil, nil
	}

	matchCount := make(map[string]int)
	for _, kw := range keywords {
		if strings.TrimSpace(kw) == "" {
			continue
		}
		rows, err := s.db.Query(
			"SELECT DISTINCT episode_id FROM entity_index WHERE entity_name LIKE ? ESCAPE '\\'",
			likePattern(kw))
		if err != nil {
			return nil, fmt.Errorf("matching keyword %q: %w", kw, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, err
			}
			matchCount[id]++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	if len(matchCount) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(matchCount))
	for id := range matchCount {
		ids = append(ids, id)
	}

	episodes, err := s.episodesByIDs(ids)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(episodes, func(i, j int) bool {
		ci, cj := matchCount[episodes[i].ID], matchCount[episodes[j].ID]
		if ci != cj {
			return ci > cj
		}
		return episodes[i].CreatedAt.After(episodes[j].CreatedAt)
	})

	if len(episodes) > k {
		episodes = episodes[:k]
	}
	return episodes, nil
}

// SearchByText LIKE-matches the query against raw message content,
// most-recent-first. A coarse fallback for when no entities are indexed yet.
func (s *Store) SearchByText(query string, k int) ([]Episode, error) {
	return s.queryEpisodes(`
		SELECT `+episodeColumns+` FROM episodes
		WHERE messages LIKE ? ESCAPE '\'
		ORDER BY created_at DESC
		LIMIT ?`,
		likePattern(query), k)
}

// All returns every stored episode, most-recent-first.
func (s *Store) All() ([]Episode, error) {
	return s.queryEpisodes(`
		SELECT ` + episodeColumns + ` FROM episodes
		ORDER BY created_at DESC`)
}

// SearchByEmotion returns episodes tagged with the given emotion,
// most-recent-first.
func (s *Store) SearchByEmotion(tag string, k int) ([]Episode, error) {
	return s.queryEpisodes(`
		SELECT `+episodeColumns+` FROM episodes
		WHERE emotion_tag = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		tag, k)
}

// Delete removes the episode and its entity index rows.
func (s *Store) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM episodes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting episode %s: %w", id, err)
	}
	if _, err := tx.Exec("DELETE FROM entity_index WHERE episode_id = ?", id); err != nil {
		return fmt.Errorf("deleting entity index for %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// Count returns the number of stored episodes.
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM episodes").Scan(&count)
	return count, err
}

func (s *Store) episodesByIDs(ids []string) ([]Episode, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryEpisodes(
		"SELECT "+episodeColumns+" FROM episodes WHERE id IN (?"+strings.Repeat(",?", len(ids)-1)+")",
		args...)
}

func (s *Store) queryEpisodes(query string, args ...any) ([]Episode, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying episodes: %w", err)
	}
	defer rows.Close()

	var episodes []Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	return episodes, rows.Err()
}

// rowScanner lets scanEpisode work with both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (Episode, error) {
	var ep Episode
	var createdAt, messages, entities string
	var cardGenerated int

	err := row.Scan(&ep.ID, &createdAt, &messages, &ep.Summary, &ep.EmotionTag, &cardGenerated, &entities)
	if err != nil {
		return Episode{}, err
	}

	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Episode{}, fmt.Errorf("parsing created_at for %s: %w", ep.ID, err)
	}
	ep.CreatedAt = t
	ep.CardGenerated = cardGenerated != 0

	if err := json.Unmarshal([]byte(messages), &ep.Messages); err != nil {
		return Episode{}, fmt.Errorf("parsing messages for %s: %w", ep.ID, err)
	}
	if err := json.Unmarshal([]byte(entities), &ep.Entities); err != nil {
		return Episode{}, fmt.Errorf("parsing entities for %s: %w", ep.ID, err)
	}

	return ep, nil
}

// likePattern wraps a keyword in %...% and escapes LIKE metacharacters so
// user text cannot act as a wildcard.
func likePattern(keyword string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(keyword)
	return "%" + escaped + "%"
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
