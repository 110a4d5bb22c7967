package memory

import "time"

// EntityKind classifies a tracked story noun.
type EntityKind string

const (
	KindCharacter EntityKind = "character"
	KindItem      EntityKind = "item"
	KindLocation  EntityKind = "location"
)

func (k EntityKind) valid() bool {
	switch k {
	case KindCharacter, KindItem, KindLocation:
		return true
	default:
		return false
	}
}

// Entity is a recurring character, item or location, keyed by its folded name.
type Entity struct {
	Name          string            `json:"name"`
	Kind          EntityKind        `json:"kind"`
	FirstSeenTurn int               `json:"first_seen_turn"`
	LastSeenTurn  int               `json:"last_seen_turn"`
	MentionsCount int               `json:"mentions_count"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Relations     []string          `json:"relations,omitempty"`
}

// NarrativeEvent is a plot beat worth remembering.
type NarrativeEvent struct {
	Turn             int       `json:"turn"`
	Description      string    `json:"description"`
	InvolvedEntities []string  `json:"involved_entities,omitempty"`
	Location         string    `json:"location"`
	Importance       int       `json:"importance"`
	Timestamp        time.Time `json:"timestamp"`
}

const (
	MinImportance = 1
	MaxImportance = 5

	// TechnicalImportance marks events recorded for generation hiccups.
	TechnicalImportance = 2
)

// Stats is a point-in-time count of what a Memory holds.
type Stats struct {
	CurrentTurn      int `json:"current_turn"`
	TotalEntities    int `json:"total_entities"`
	Characters       int `json:"characters"`
	Items            int `json:"items"`
	LocationsVisited int `json:"locations_visited"`
	TotalEvents      int `json:"total_events"`
	ActiveQuests     int `json:"active_quests"`
	CompletedQuests  int `json:"completed_quests"`
}
