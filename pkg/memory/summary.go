package memory

import (
	"sort"
	"strings"
)

const (
	DefaultRecencyThreshold = 5

	summaryNames    = 3
	summaryEvents   = 3
	summaryQuests   = 2
	summaryEventLen = 80
)

// ActiveEntities returns entities seen within recencyThreshold turns of the
// current turn, most mentioned first.
func (m *Memory) ActiveEntities(recencyThreshold int) []Entity {
	if recencyThreshold < 0 {
		recencyThreshold = DefaultRecencyThreshold
	}
	var out []Entity
	for _, e := range m.Entities {
		if m.TurnCounter-e.LastSeenTurn <= recencyThreshold {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MentionsCount != out[j].MentionsCount {
			return out[i].MentionsCount > out[j].MentionsCount
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Summarize renders the compact digest embedded in generation prompts. Its
// size is bounded no matter how long the session has run.
func (m *Memory) Summarize(recencyThreshold int) string {
	lines := []string{"Lieu actuel: " + m.CurrentLocation}

	var chars, items []string
	for _, e := range m.ActiveEntities(recencyThreshold) {
		switch {
		case e.Kind == KindCharacter && len(chars) < summaryNames:
			chars = append(chars, e.Name)
		case e.Kind == KindItem && len(items) < summaryNames:
			items = append(items, e.Name)
		}
	}
	if len(chars) > 0 {
		lines = append(lines, "Personnages présents: "+strings.Join(chars, ", "))
	}
	if len(items) > 0 {
		lines = append(lines, "Objets importants: "+strings.Join(items, ", "))
	}

	if recent := m.RecentEvents(summaryEvents); len(recent) > 0 {
		lines = append(lines, "Événements récents:")
		for _, ev := range recent {
			lines = append(lines, "  - "+truncateRunes(ev.Description, summaryEventLen))
		}
	}

	if len(m.ActiveQuests) > 0 {
		lines = append(lines, "Quêtes actives: "+strings.Join(m.ActiveQuests[:minInt(summaryQuests, len(m.ActiveQuests))], ", "))
	}
	return strings.Join(lines, "\n")
}
