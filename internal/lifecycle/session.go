// Package lifecycle manages the episode write path: an in-memory
// session buffer, a synchronous persist on close, and asynchronous
// enrichment that fills in entities and vector fragments afterwards.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keepsake-ai/keepsake/internal/storage"
)

var (
	ErrEpisodeOpen   = errors.New("an episode is already open")
	ErrNoOpenEpisode = errors.New("no open episode")
)

// Session buffers one conversation episode at a time for a single
// identity. Close persists the episode synchronously and hands it to
// the enricher; the caller never waits on extraction or embedding.
type Session struct {
	store    *storage.Store
	enricher *Enricher

	mu     sync.Mutex
	open   bool
	id     string
	buffer []storage.Message

	now   func() time.Time
	newID func() string
}

// NewSession creates a Session writing through the given store and
// enricher.
func NewSession(store *storage.Store, enricher *Enricher) *Session {
	return &Session{
		store:    store,
		enricher: enricher,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Start opens a new episode and returns its id. Fails if an episode is
// already open; the caller must close it first.
func (s *Session) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return "", ErrEpisodeOpen
	}
	s.open = true
	s.id = s.newID()
	s.buffer = s.buffer[:0]
	return s.id, nil
}

// Append adds one turn to the open episode.
func (s *Session) Append(role, content, emotion string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrNoOpenEpisode
	}
	if emotion == "" {
		emotion = "neutral"
	}
	s.buffer = append(s.buffer, storage.Message{
		Role:      role,
		Content:   content,
		Emotion:   emotion,
		Timestamp: s.now(),
	})
	return nil
}

// Close seals the open episode: the record persists before Close
// returns, while entity extraction and vector indexing run in the
// background. The returned episode carries empty entities until
// enrichment completes.
func (s *Session) Close(ctx context.Context) (storage.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return storage.Episode{}, ErrNoOpenEpisode
	}

	ep := storage.Episode{
		ID:        s.id,
		CreatedAt: s.now(),
		Messages:  append([]storage.Message(nil), s.buffer...),
	}
	if err := s.store.Save(ep); err != nil {
		return storage.Episode{}, fmt.Errorf("persisting episode %s: %w", ep.ID, err)
	}

	if s.enricher != nil {
		s.enricher.Submit(ep)
	}

	s.open = false
	s.id = ""
	s.buffer = s.buffer[:0]
	return ep, nil
}

// Open reports whether an episode is currently open.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}
