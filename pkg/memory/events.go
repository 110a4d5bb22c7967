package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/dlclark/regexp2"

	"github.com/dotsetgreg/loreweaver/pkg/utils"
)

const (
	maxEvents         = 20
	eventsAfterPrune  = 15
	descriptionLength = 100
	maxInvolved       = 5
)

type importanceTier struct {
	importance int
	re         *regexp2.Regexp
}

// Tiers are checked in order; the first that matches sets the importance.
var importanceTiers = []importanceTier{
	tier(5, "dragon", "bataille", "mort", "meurt"),
	tier(5, "victoire", "défaite", "découvre le trésor"),
	tier(4, "combat", "perd", "gagne"),
	tier(4, "rencontre", "trouve"),
	tier(3, "explore", "voyage", "parle", "décide"),
}

func tier(importance int, keywords ...string) importanceTier {
	alts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		alts = append(alts, regexp2.Escape(k))
	}
	return importanceTier{
		importance: importance,
		re:         regexp2.MustCompile(wordStart+"(?:"+strings.Join(alts, "|")+")", regexp2.IgnoreCase),
	}
}

// DetectEvent returns at most one candidate event for text, or nil when no
// importance tier matches. The memory is not modified.
func (m *Memory) DetectEvent(text string, turn int, location string) *NarrativeEvent {
	text = strings.TrimSpace(utils.Normalize(text))
	if text == "" {
		return nil
	}
	for _, t := range importanceTiers {
		ok, err := t.re.MatchString(text)
		if err != nil || !ok {
			continue
		}
		found := extract(text)
		involved := append(append([]string{}, found.characters...), found.items...)
		if len(involved) > maxInvolved {
			involved = involved[:maxInvolved]
		}
		return &NarrativeEvent{
			Turn:             turn,
			Description:      truncateRunes(text, descriptionLength),
			InvolvedEntities: involved,
			Location:         location,
			Importance:       t.importance,
			Timestamp:        m.clock(),
		}
	}
	return nil
}

// AddEvent appends ev and prunes the list once it grows past 20 entries,
// keeping the 15 most important. Ties go to the more recent event and the
// survivors stay in chronological order.
func (m *Memory) AddEvent(ev NarrativeEvent) {
	if ev.Importance < MinImportance {
		ev.Importance = MinImportance
	}
	if ev.Importance > MaxImportance {
		ev.Importance = MaxImportance
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.clock()
	}
	m.Events = append(m.Events, ev)
	if len(m.Events) > maxEvents {
		m.Events = pruneEvents(m.Events, eventsAfterPrune)
	}
}

func pruneEvents(events []NarrativeEvent, keep int) []NarrativeEvent {
	order := make([]int, len(events))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ea, eb := events[order[a]], events[order[b]]
		if ea.Importance != eb.Importance {
			return ea.Importance > eb.Importance
		}
		if ea.Turn != eb.Turn {
			return ea.Turn > eb.Turn
		}
		if !ea.Timestamp.Equal(eb.Timestamp) {
			return ea.Timestamp.After(eb.Timestamp)
		}
		return order[a] > order[b]
	})
	kept := make(map[int]bool, keep)
	for _, idx := range order[:minInt(keep, len(order))] {
		kept[idx] = true
	}
	out := make([]NarrativeEvent, 0, keep)
	for i, ev := range events {
		if kept[i] {
			out = append(out, ev)
		}
	}
	return out
}

// RecentEvents returns up to n events, newest first.
func (m *Memory) RecentEvents(n int) []NarrativeEvent {
	if n <= 0 || len(m.Events) == 0 {
		return nil
	}
	out := make([]NarrativeEvent, len(m.Events))
	copy(out, m.Events)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Turn > out[b].Turn })
	return out[:minInt(n, len(out))]
}

func (m *Memory) clock() time.Time {
	if m.now == nil {
		return time.Now()
	}
	return m.now()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
