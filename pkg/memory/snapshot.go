package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/loreweaver/pkg/utils"
)

// MaxSnapshotEntities caps how many entities a snapshot carries. Pruning
// entities happens only here.
const MaxSnapshotEntities = 200

// Snapshot is the plain structure handed to the external state store.
type Snapshot struct {
	CurrentTurn      int               `json:"current_turn"`
	CurrentLocation  string            `json:"current_location"`
	LocationsVisited []string          `json:"locations_visited"`
	Entities         map[string]Entity `json:"entities"`
	Events           []NarrativeEvent  `json:"events"`
	ActiveQuests     []string          `json:"active_quests"`
	CompletedQuests  []string          `json:"completed_quests"`
}

// Snapshot copies the memory into its persisted form, keeping the most
// recently seen entities (then the most mentioned) when over the cap.
func (m *Memory) Snapshot() Snapshot {
	keys := make([]string, 0, len(m.Entities))
	for k := range m.Entities {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m.Entities[keys[i]], m.Entities[keys[j]]
		if a.LastSeenTurn != b.LastSeenTurn {
			return a.LastSeenTurn > b.LastSeenTurn
		}
		if a.MentionsCount != b.MentionsCount {
			return a.MentionsCount > b.MentionsCount
		}
		return keys[i] < keys[j]
	})
	if len(keys) > MaxSnapshotEntities {
		keys = keys[:MaxSnapshotEntities]
	}

	entities := make(map[string]Entity, len(keys))
	for _, k := range keys {
		e := *m.Entities[k]
		e.Attributes = copyAttributes(e.Attributes)
		e.Relations = append([]string(nil), e.Relations...)
		entities[k] = e
	}
	return Snapshot{
		CurrentTurn:      m.TurnCounter,
		CurrentLocation:  m.CurrentLocation,
		LocationsVisited: m.VisitedLocations(),
		Entities:         entities,
		Events:           append([]NarrativeEvent(nil), m.Events...),
		ActiveQuests:     append([]string(nil), m.ActiveQuests...),
		CompletedQuests:  append([]string(nil), m.CompletedQuests...),
	}
}

// FromSnapshot rebuilds a Memory. Unknown entity kinds, out-of-range
// importances and negative turns are rejected with ErrInvalidSnapshot.
func FromSnapshot(s Snapshot) (*Memory, error) {
	if s.CurrentTurn < 0 {
		return nil, fmt.Errorf("%w: negative turn %d", ErrInvalidSnapshot, s.CurrentTurn)
	}
	m := New(s.CurrentLocation)
	m.TurnCounter = s.CurrentTurn
	for _, loc := range s.LocationsVisited {
		if strings.TrimSpace(loc) != "" {
			m.visited[utils.FoldKey(loc)] = loc
		}
	}
	for key, e := range s.Entities {
		if !e.Kind.valid() {
			return nil, fmt.Errorf("%w: entity %q has kind %q", ErrInvalidSnapshot, key, e.Kind)
		}
		name := e.Name
		if name == "" {
			name = key
		}
		e.Name = name
		e.Attributes = copyAttributes(e.Attributes)
		if e.MentionsCount <= 0 {
			e.MentionsCount = 1
		}
		m.Entities[utils.FoldKey(name)] = &e
	}
	for i, ev := range s.Events {
		if ev.Importance < MinImportance || ev.Importance > MaxImportance {
			return nil, fmt.Errorf("%w: event %d importance %d", ErrInvalidSnapshot, i, ev.Importance)
		}
	}
	m.Events = append(m.Events, s.Events...)
	if len(m.Events) > maxEvents {
		m.Events = pruneEvents(m.Events, eventsAfterPrune)
	}
	m.ActiveQuests = append(m.ActiveQuests, s.ActiveQuests...)
	m.CompletedQuests = append(m.CompletedQuests, s.CompletedQuests...)
	return m, nil
}

// Encode serializes the memory snapshot as JSON.
func (m *Memory) Encode() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}

// Decode restores a memory from Encode output. Empty input yields a fresh
// memory at startingLocation.
func Decode(data []byte, startingLocation string) (*Memory, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return New(startingLocation), nil
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if s.CurrentLocation == "" {
		s.CurrentLocation = startingLocation
	}
	return FromSnapshot(s)
}

func copyAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SetClock overrides the time source used to stamp events.
func (m *Memory) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}
