package safety

// Word boundaries spelled out as lookarounds so accented letters count as
// word characters.
const (
	wordStart = `(?<![\p{L}\p{N}_])`
	wordEnd   = `(?![\p{L}\p{N}_])`
)

// Prompt-override phrasing. These run on player input only.
var injectionPatterns = []string{
	`ignore.*instructions`,
	`oublie.*règles`,
	`tu es maintenant`,
	`nouveau.*rôle`,
	`système.*prompt`,
	`</?(system|user|assistant)`,
	`you are now`,
	`disregard.*(instructions|rules)`,
}

type patternSet struct {
	category Category
	patterns []string
}

// Only content past a teen rating is matched; ordinary adventure violence,
// profanity and horror pass.
var categoryPatterns = []patternSet{
	{CategoryViolence, []string{
		`tortur\w*.{0,20}(détail|longuement|lentement)`,
		`évisc\w*.{0,10}(vivant|conscient)`,
		`écorch\w*.{0,10}vif`,
		`snuff|gore.{0,10}réel`,
	}},
	{CategoryLanguage, []string{
		`pédophil\w*|viole?r?.{0,10}(enfant|mineur)`,
	}},
	{CategoryFear, nil},
	{CategoryDrugs, []string{
		`inject\w*.{0,15}(héroïne|drogue)`,
		`comment.{0,10}(fabriquer|produire).{0,10}drogue`,
	}},
	{CategorySex, []string{
		`pornographi\w*|porno`,
		`pénis|vagin|orgasme|éjacul\w*|sodomie`,
		`porn|xxx|hardcore`,
		`pénétr\w*.{0,10}(sexuel|vagin|anal)`,
	}},
	{CategoryDiscrimination, []string{
		`racis\w*|nazi\w*|fascis\w*|hitler`,
		`nègre|bougnoule|youpin|chinetoque`,
		`homophob\w*|pédé|gouine|tapette`,
		`antisémit\w*|xénophob\w*`,
	}},
}

// DefaultBlacklist holds the terms that are always banned.
var DefaultBlacklist = []string{
	"pédophile",
	"pédophilie",
	"pornographique",
	"porno",
	"xxx",
	"nazi",
	"hitler",
	"nègre",
	"bougnoule",
	"youpin",
}

// DefaultReplacements maps a folded match to the text that stands in for it.
// Anything not listed becomes "...".
var DefaultReplacements = map[string]string{
	"nazi":           "ennemi",
	"hitler":         "tyran",
	"pornographique": "inapproprié",
	"porno":          "contenu adulte",
}

// educationalContext words clear exemptable matches within contextWindow runes.
var educationalContext = []string{
	"histoire",
	"historique",
	"guerre mondiale",
	"leçon",
	"apprendre",
	"comprendre",
	"éviter",
	"combattre",
	"résistance",
	"libération",
}

const (
	contextWindow      = 80
	defaultReplacement = "..."
)
