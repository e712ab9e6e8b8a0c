// Package vector is the semantic index: it derives embeddable fragments
// from episodes, stores their vectors in SQLite, and answers nearest-neighbor
// queries by cosine similarity.
package vector

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrUnavailable signals that the embedding collaborator could not be
// reached. The retrieval orchestrator treats it as "skip the semantic
// source", never as a user-facing failure.
var ErrUnavailable = errors.New("embedding collaborator unavailable")

// Record is one stored fragment with its embedding.
type Record struct {
	ID           string
	EpisodeID    string
	FragmentType string // "full_conversation", "single_message", "summary"
	Text         string
	Embedding    []float32
	CreatedAt    time.Time
}

// ScoredFragment is a Record with a similarity score attached.
type ScoredFragment struct {
	Record
	Score float32
}

// Store is the persistence contract for fragment vectors.
type Store interface {
	// Upsert inserts records, replacing any existing record with the same id.
	Upsert(records []Record) error

	// Search returns the top-K fragments by cosine similarity to the vector.
	Search(vector []float32, topK int) ([]ScoredFragment, error)

	// DeleteEpisode removes every fragment belonging to the episode.
	DeleteEpisode(episodeID string) error

	// Count returns the number of stored fragments.
	Count() (int, error)

	Close() error
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore provides fragment storage and brute-force cosine similarity
// search backed by a per-identity SQLite database. Fragment counts stay in
// the low thousands for a personal memory, so every query scans the full
// table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the fragment database for one identity in
// dataDir. Pass ":memory:" as dataDir for an in-memory database.
func OpenSQLite(dataDir, identity string) (*SQLiteStore, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, fragmentFileName(identity))
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening fragment database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging fragment database: %w", err)
	}

	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fragments (
			id TEXT PRIMARY KEY,
			episode_id TEXT NOT NULL,
			fragment_type TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding BLOB NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_fragments_episode ON fragments(episode_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating fragments table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fragmentFileName(identity string) string {
	if identity == "" {
		identity = "default"
	}
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, identity)
	return cleaned + "_vectors.db"
}

// Upsert inserts records, replacing any existing record with the same id.
// Deterministic fragment ids make repeated upserts overwrite, not duplicate.
func (s *SQLiteStore) Upsert(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO fragments (id, episode_id, fragment_type, text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		blob := encodeFloat32s(r.Embedding)
		if _, err := stmt.Exec(r.ID, r.EpisodeID, r.FragmentType, r.Text, blob, createdAt.UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting fragment %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// fragScore holds only the id and score during the scan phase of Search.
// Full record details are fetched only for top-K winners.
type fragScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity search over all fragments,
// returning the top-K most similar.
func (s *SQLiteStore) Search(vector []float32, topK int) ([]ScoredFragment, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 || topK <= 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find top-K candidates.
	rows, err := s.db.Query("SELECT id, embedding FROM fragments")
	if err != nil {
		return nil, fmt.Errorf("querying fragments: %w", err)
	}
	defer rows.Close()

	h := &fragScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning fragment row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, fragScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = fragScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating fragments: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full records only for the winners.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(fragScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	args := make([]any, len(topIDs))
	for i, id := range topIDs {
		args[i] = id
	}
	fullQuery := `SELECT id, episode_id, fragment_type, text, embedding, created_at
		FROM fragments WHERE id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.Query(fullQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K fragments: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredFragment
	for fullRows.Next() {
		r, err := scanFragment(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredFragment{Record: r, Score: scores[r.ID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating top-K fragments: %w", err)
	}

	// Sort results by score descending (IN query doesn't preserve order).
	sortByScore(results)

	return results, nil
}

// DeleteEpisode removes every fragment belonging to the episode.
func (s *SQLiteStore) DeleteEpisode(episodeID string) error {
	if _, err := s.db.Exec("DELETE FROM fragments WHERE episode_id = ?", episodeID); err != nil {
		return fmt.Errorf("deleting fragments for %s: %w", episodeID, err)
	}
	return nil
}

// Count returns the number of stored fragments.
func (s *SQLiteStore) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM fragments").Scan(&count)
	return count, err
}

func scanFragment(rows *sql.Rows) (Record, error) {
	var r Record
	var blob []byte
	var createdAt string
	if err := rows.Scan(&r.ID, &r.EpisodeID, &r.FragmentType, &r.Text, &blob, &createdAt); err != nil {
		return Record{}, fmt.Errorf("scanning fragment: %w", err)
	}
	embedding, err := decodeFloat32s(blob)
	if err != nil {
		return Record{}, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
	}
	r.Embedding = embedding
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Record{}, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
	}
	r.CreatedAt = t
	return r, nil
}

// sortByScore sorts ScoredFragments by score descending. Used for small slices (topK).
func sortByScore(results []ScoredFragment) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// fragScoreHeap is a min-heap of fragScore ordered by Score.
// Used during the scan phase of Search to track top-K candidates by id only.
type fragScoreHeap []fragScore

func (h fragScoreHeap) Len() int           { return len(h) }
func (h fragScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h fragScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *fragScoreHeap) Push(x any)        { *h = append(*h, x.(fragScore)) }
func (h *fragScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
