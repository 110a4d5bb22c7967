package memory

import (
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/dotsetgreg/loreweaver/pkg/utils"
)

const (
	wordStart = `(?<![\p{L}\p{N}_])`
	wordEnd   = `(?![\p{L}\p{N}_])`

	maxRelations = 10
)

var (
	characterRegex  = regexp2.MustCompile(wordStart+`(hobbit|elfe|nain|orc|gobelin|troll|magicien|guerrier|ranger)s?`+wordEnd, regexp2.IgnoreCase)
	itemRegex       = regexp2.MustCompile(wordStart+`(épée|bouclier|anneau|dague|arc|potion|grimoire|trésor|coffre|armure|objet|artefact|relique)[sx]?`+wordEnd, regexp2.IgnoreCase)
	properNameRegex = regexp2.MustCompile(wordStart+`\p{Lu}\p{Ll}+(?:[ \-]\p{Lu}\p{Ll}+)?`+wordEnd, regexp2.None)
)

// KnownLocations are matched case-insensitively anywhere in the text.
var KnownLocations = []string{
	"la Comté",
	"Fondcombe",
	"les Mines de la Moria",
	"la forêt de Fangorn",
	"Minas Tirith",
	"le Mont Destin",
	"les plaines du Rohan",
	"Isengard",
	"Helm's Deep",
	"la forêt de Lothlórien",
	"la rivière Anduin",
	"la montagne solitaire",
	"taverne",
	"forêt",
	"montagne",
	"rivière",
	"grotte",
	"château",
}

var locationRegexes = compileLocations(KnownLocations)

type locationRule struct {
	name string
	re   *regexp2.Regexp
}

func compileLocations(names []string) []locationRule {
	out := make([]locationRule, 0, len(names))
	for _, n := range names {
		out = append(out, locationRule{
			name: n,
			re:   regexp2.MustCompile(wordStart+regexp2.Escape(utils.Normalize(n))+wordEnd, regexp2.IgnoreCase),
		})
	}
	return out
}

// Capitalized words that start sentences or name choices rather than people.
var notNames = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`le la les un une des du de au aux il elle ils elles on je tu nous vous
		ce cet cette ces mon ma mes ton ta tes son sa ses notre votre leur leurs
		dans sur sous avec pour par sans vers devant derrière après avant pendant
		et ou mais donc alors puis soudain enfin ici là oui non que qui quand où comment pourquoi
		continuer explorer retourner joueur mj lieu personnages objets événements quêtes derniers`) {
		notNames[w] = struct{}{}
	}
}

type extraction struct {
	characters []string
	items      []string
	locations  []string
}

func (e extraction) empty() bool {
	return len(e.characters) == 0 && len(e.items) == 0 && len(e.locations) == 0
}

// extract finds candidate entities in text without touching any memory.
// Names are deduplicated by folded key, first spelling wins.
func extract(text string) extraction {
	text = utils.Normalize(text)
	var out extraction
	if strings.TrimSpace(text) == "" {
		return out
	}
	seen := make(map[string]struct{})
	add := func(dst *[]string, name string) {
		key := utils.FoldKey(name)
		if key == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		*dst = append(*dst, name)
	}

	type span struct{ start, end int }
	var locSpans []span
	for _, loc := range locationRegexes {
		m, err := loc.re.FindStringMatch(text)
		if err != nil || m == nil {
			continue
		}
		add(&out.locations, loc.name)
		for m != nil && err == nil {
			locSpans = append(locSpans, span{m.Index, m.Index + m.Length})
			m, err = loc.re.FindNextMatch(m)
		}
	}
	insideLocation := func(start, end int) bool {
		for _, s := range locSpans {
			if start < s.end && end > s.start {
				return true
			}
		}
		return false
	}

	eachGroup(characterRegex, text, func(word string) {
		add(&out.characters, utils.Fold(word))
	})
	eachGroup(itemRegex, text, func(word string) {
		add(&out.items, utils.Fold(word))
	})
	eachMatch(properNameRegex, text, func(name string, start, end int) {
		first := strings.FieldsFunc(name, func(r rune) bool { return r == ' ' || r == '-' })[0]
		if _, stop := notNames[utils.Fold(first)]; stop {
			return
		}
		if insideLocation(start, end) {
			return
		}
		add(&out.characters, name)
	})
	return out
}

func eachMatch(re *regexp2.Regexp, text string, fn func(match string, start, end int)) {
	m, err := re.FindStringMatch(text)
	for err == nil && m != nil {
		fn(m.String(), m.Index, m.Index+m.Length)
		m, err = re.FindNextMatch(m)
	}
}

// eachGroup reports the first capture group, which holds the singular keyword.
func eachGroup(re *regexp2.Regexp, text string, fn func(word string)) {
	m, err := re.FindStringMatch(text)
	for err == nil && m != nil {
		fn(m.GroupByNumber(1).String())
		m, err = re.FindNextMatch(m)
	}
}

// Observe records every entity mentioned in text at the given turn and returns
// the names touched. A repeated mention bumps LastSeenTurn and MentionsCount
// on the existing entity. Characters mentioned together become related.
func (m *Memory) Observe(text string, turn int) []string {
	found := extract(text)
	if found.empty() {
		return nil
	}
	var touched []string
	for _, name := range found.characters {
		m.touch(name, KindCharacter, turn)
		touched = append(touched, name)
	}
	for _, name := range found.items {
		m.touch(name, KindItem, turn)
		touched = append(touched, name)
	}
	for _, name := range found.locations {
		m.touch(name, KindLocation, turn)
		m.markVisited(name)
		touched = append(touched, name)
	}
	m.relate(found.characters)
	return touched
}

func (m *Memory) touch(name string, kind EntityKind, turn int) *Entity {
	if m.Entities == nil {
		m.Entities = make(map[string]*Entity)
	}
	key := utils.FoldKey(name)
	if e, ok := m.Entities[key]; ok {
		e.LastSeenTurn = maxInt(e.LastSeenTurn, turn)
		e.MentionsCount++
		if e.Attributes == nil {
			e.Attributes = make(map[string]string)
		}
		if kind != KindLocation && m.CurrentLocation != "" {
			e.Attributes["last_location"] = m.CurrentLocation
		}
		return e
	}
	e := &Entity{
		Name:          name,
		Kind:          kind,
		FirstSeenTurn: turn,
		LastSeenTurn:  turn,
		MentionsCount: 1,
		Attributes:    make(map[string]string),
	}
	if kind != KindLocation && m.CurrentLocation != "" {
		e.Attributes["last_location"] = m.CurrentLocation
	}
	m.Entities[key] = e
	return e
}

func (m *Memory) relate(names []string) {
	if len(names) < 2 {
		return
	}
	for _, a := range names {
		e := m.Entities[utils.FoldKey(a)]
		if e == nil {
			continue
		}
		for _, b := range names {
			if a == b || containsFold(e.Relations, b) {
				continue
			}
			if len(e.Relations) >= maxRelations {
				break
			}
			e.Relations = append(e.Relations, b)
		}
	}
}

func containsFold(list []string, name string) bool {
	key := utils.FoldKey(name)
	for _, s := range list {
		if utils.FoldKey(s) == key {
			return true
		}
	}
	return false
}

// Entity returns the tracked entity for name, if any.
func (m *Memory) Entity(name string) (Entity, bool) {
	e, ok := m.Entities[utils.FoldKey(name)]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}
