package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/loreweaver/pkg/utils"
)

// DefaultStartingLocation is where a fresh adventure begins.
const DefaultStartingLocation = "la Comté"

// Memory is the long-lived story state of one player session. It is not safe
// for concurrent use; the owning session serializes access. The zero value
// is usable but starts nowhere; New sets the starting location.
type Memory struct {
	TurnCounter     int
	CurrentLocation string
	Entities        map[string]*Entity
	Events          []NarrativeEvent
	ActiveQuests    []string
	CompletedQuests []string

	visited map[string]string
	now     func() time.Time
}

func New(startingLocation string) *Memory {
	if strings.TrimSpace(startingLocation) == "" {
		startingLocation = DefaultStartingLocation
	}
	return &Memory{
		CurrentLocation: startingLocation,
		Entities:        make(map[string]*Entity),
		visited:         make(map[string]string),
		now:             time.Now,
	}
}

// AdvanceTurn increments the turn counter once per player action and returns
// the new turn number.
func (m *Memory) AdvanceTurn() int {
	m.TurnCounter++
	return m.TurnCounter
}

// UpdateLocation moves the party and marks the place visited.
func (m *Memory) UpdateLocation(location string) {
	location = strings.TrimSpace(location)
	if location == "" || location == m.CurrentLocation {
		return
	}
	m.CurrentLocation = location
	m.markVisited(location)
}

func (m *Memory) markVisited(location string) {
	if m.visited == nil {
		m.visited = make(map[string]string)
	}
	m.visited[utils.FoldKey(location)] = location
}

// VisitedLocations lists visited places sorted by folded name.
func (m *Memory) VisitedLocations() []string {
	keys := make([]string, 0, len(m.visited))
	for k := range m.visited {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.visited[k])
	}
	return out
}

func (m *Memory) LocationsSummary() string {
	visited := m.VisitedLocations()
	if len(visited) == 0 {
		return "Aucun lieu visité pour l'instant."
	}
	return "Lieux visités: " + strings.Join(visited[:minInt(5, len(visited))], ", ")
}

func (m *Memory) AddQuest(label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}
	for _, q := range m.ActiveQuests {
		if q == label {
			return
		}
	}
	m.ActiveQuests = append(m.ActiveQuests, label)
}

// CompleteQuest moves an active quest to the completed list. Unknown labels
// are ignored.
func (m *Memory) CompleteQuest(label string) bool {
	for i, q := range m.ActiveQuests {
		if q == label {
			m.ActiveQuests = append(m.ActiveQuests[:i], m.ActiveQuests[i+1:]...)
			m.CompletedQuests = append(m.CompletedQuests, label)
			return true
		}
	}
	return false
}

func (m *Memory) Stats() Stats {
	s := Stats{
		CurrentTurn:      m.TurnCounter,
		TotalEntities:    len(m.Entities),
		LocationsVisited: len(m.visited),
		TotalEvents:      len(m.Events),
		ActiveQuests:     len(m.ActiveQuests),
		CompletedQuests:  len(m.CompletedQuests),
	}
	for _, e := range m.Entities {
		switch e.Kind {
		case KindCharacter:
			s.Characters++
		case KindItem:
			s.Items++
		}
	}
	return s
}
