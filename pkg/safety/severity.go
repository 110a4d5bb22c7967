package safety

import (
	"fmt"
	"strings"
)

// Severity ranks how objectionable a match is. The zero value is Safe and the
// constants are ordered, so comparisons read naturally.
type Severity int

const (
	Safe Severity = iota
	Mild
	Moderate
	High
	Extreme
)

var severityNames = [...]string{"SAFE", "MILD", "MODERATE", "HIGH", "EXTREME"}

func (s Severity) String() string {
	if s < Safe || s > Extreme {
		return "UNKNOWN"
	}
	return severityNames[s]
}

// AtMost reports whether s does not exceed limit.
func (s Severity) AtMost(limit Severity) bool {
	return s <= limit
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(b)))
	for i, n := range severityNames {
		if n == name {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", string(b))
}

// Category groups the patterns a violation came from.
type Category string

const (
	CategoryInjection      Category = "injection"
	CategoryBlacklist      Category = "blacklist"
	CategoryViolence       Category = "violence"
	CategoryLanguage       Category = "language"
	CategoryFear           Category = "fear"
	CategoryDrugs          Category = "drugs"
	CategorySex            Category = "sex"
	CategoryDiscrimination Category = "discrimination"
)

// Exemptable reports whether an educational context can clear a match.
// Blacklist hits, language, drugs, sex and discrimination are never cleared.
func (c Category) Exemptable() bool {
	switch c {
	case CategoryViolence, CategoryFear:
		return true
	default:
		return false
	}
}

// Profile is the content policy for an audience.
type Profile struct {
	TargetAge int
	Strict    bool
}

// DefaultProfile is the teen profile used when nothing is configured.
func DefaultProfile() Profile {
	return Profile{TargetAge: 16, Strict: true}
}

// CategorySeverity maps a category to the severity its matches carry under p.
func (p Profile) CategorySeverity(c Category) Severity {
	sev := baseSeverity(c)
	age := p.TargetAge
	if age <= 0 {
		age = DefaultProfile().TargetAge
	}
	if age < 16 {
		switch c {
		case CategoryViolence, CategoryLanguage:
			sev = High
		case CategoryDrugs:
			sev = Moderate
		}
	}
	if age < 12 && c == CategoryFear {
		sev = Mild
	}
	return sev
}

func baseSeverity(c Category) Severity {
	switch c {
	case CategoryInjection, CategoryDiscrimination:
		return Extreme
	case CategoryBlacklist, CategorySex:
		return High
	case CategoryViolence, CategoryLanguage:
		return Moderate
	case CategoryDrugs:
		return Mild
	case CategoryFear:
		return Safe
	default:
		return Mild
	}
}
