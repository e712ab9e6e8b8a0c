package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested episode does not exist.
var ErrNotFound = errors.New("not found")

// Message is one turn inside an episode.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Emotion   string    `json:"emotion,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Episode is one bounded conversation session. Messages are append-only
// while the episode is open and immutable once closed; Summary, EmotionTag,
// CardGenerated and Entities may be updated after the fact.
type Episode struct {
	ID            string
	CreatedAt     time.Time
	Messages      []Message
	Summary       string
	EmotionTag    string
	CardGenerated bool
	Entities      Entities
}

// UserText returns the contents of all user-authored turns.
func (e Episode) UserText() []string {
	var out []string
	for _, m := range e.Messages {
		if m.Role == "user" {
			out = append(out, m.Content)
		}
	}
	return out
}

// Person is a person entity extracted from user text.
type Person struct {
	Role       string   `json:"role,omitempty"`
	Attributes []string `json:"attributes,omitempty"`
}

// Place is a location entity.
type Place struct {
	Type     string `json:"type,omitempty"`
	Position string `json:"position,omitempty"`
}

// Object is a physical-object entity.
type Object struct {
	Color       string `json:"color,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// TimeInfo groups temporal expressions found in user text.
type TimeInfo struct {
	DailyRoutines []string `json:"daily_routines,omitempty"`
	TimeMarkers   []string `json:"time_markers,omitempty"`
}

// Entities holds the structured facts extracted from an episode's
// user-authored turns. Every field defaults to empty rather than absent so
// index and merge logic stays total.
type Entities struct {
	People   map[string]Person `json:"people,omitempty"`
	Places   map[string]Place  `json:"places,omitempty"`
	Objects  map[string]Object `json:"objects,omitempty"`
	TimeInfo TimeInfo          `json:"time_info,omitempty"`
	Habits   []string          `json:"habits,omitempty"`
	Events   []string          `json:"events,omitempty"`
}

// IsEmpty reports whether no entity of any category is present.
func (e Entities) IsEmpty() bool {
	return len(e.People) == 0 && len(e.Places) == 0 && len(e.Objects) == 0 &&
		len(e.TimeInfo.DailyRoutines) == 0 && len(e.TimeInfo.TimeMarkers) == 0 &&
		len(e.Habits) == 0 && len(e.Events) == 0
}

// Entity type names used in the entity index. Searches address categories
// by these names.
const (
	TypePeople        = "people"
	TypePlaces        = "places"
	TypeObjects       = "objects"
	TypeEvents        = "events"
	TypeHabits        = "habits"
	TypeDailyRoutines = "daily_routines"
	TypeTimeMarkers   = "time_markers"
)

// FieldUpdate patches the mutable fields of a closed episode. Nil pointers
// leave the stored value unchanged.
type FieldUpdate struct {
	Summary       *string
	EmotionTag    *string
	CardGenerated *bool
}
