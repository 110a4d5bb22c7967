package narrator

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/dotsetgreg/loreweaver/pkg/utils"
)

const (
	ChoiceCount = 3

	DefaultAnimation = "none"
	DefaultSFX       = "ambient"

	FallbackNarrative = "L'aventure continue de manière mystérieuse..."
)

// DefaultChoices pad short choice lists and make up the fallback payload.
var DefaultChoices = [ChoiceCount]string{"Continuer", "Explorer", "Retourner"}

// Response is the structured payload of one turn.
type Response struct {
	Narrative        string   `json:"narrative"`
	Choices          []string `json:"choices"`
	Location         string   `json:"location"`
	AnimationTrigger string   `json:"animation_trigger"`
	SFX              string   `json:"sfx"`
	ContentFiltered  bool     `json:"content_filtered,omitempty"`
}

// FallbackResponse is returned when generation is exhausted or aborted.
func FallbackResponse(location string) Response {
	return Response{
		Narrative:        FallbackNarrative,
		Choices:          append([]string(nil), DefaultChoices[:]...),
		Location:         location,
		AnimationTrigger: DefaultAnimation,
		SFX:              DefaultSFX,
	}
}

// MalformedResponseError reports backend output that is not the expected
// JSON object. It is retried like a transport failure.
type MalformedResponseError struct {
	Reason string
	Raw    string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response: %s (raw=%q)", e.Reason, utils.Truncate(e.Raw, 80))
}

// ParseResponse extracts the payload from raw backend text. Code fences and
// prose around the object are tolerated. A string narrative and a choices
// array are required; choices come back with exactly ChoiceCount entries.
func ParseResponse(raw string) (Response, error) {
	body, ok := jsonObject(raw)
	if !ok {
		return Response{}, &MalformedResponseError{Reason: "no JSON object", Raw: raw}
	}

	narrative := gjson.Get(body, "narrative")
	if narrative.Type != gjson.String || strings.TrimSpace(narrative.String()) == "" {
		return Response{}, &MalformedResponseError{Reason: "missing narrative string", Raw: raw}
	}
	choices := gjson.Get(body, "choices")
	if !choices.IsArray() {
		return Response{}, &MalformedResponseError{Reason: "missing choices list", Raw: raw}
	}

	var list []string
	for _, c := range choices.Array() {
		if c.Type != gjson.String && c.Type != gjson.Number {
			continue
		}
		list = append(list, c.String())
	}

	resp := Response{
		Narrative:        strings.TrimSpace(narrative.String()),
		Choices:          NormalizeChoices(list),
		Location:         strings.TrimSpace(gjson.Get(body, "location").String()),
		AnimationTrigger: stringOr(gjson.Get(body, "animation_trigger"), DefaultAnimation),
		SFX:              stringOr(gjson.Get(body, "sfx"), DefaultSFX),
	}
	return resp, nil
}

// NormalizeChoices keeps the first three non-blank choices in order and pads
// with DefaultChoices that are not already present.
func NormalizeChoices(choices []string) []string {
	out := make([]string, 0, ChoiceCount)
	for _, c := range choices {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		out = append(out, c)
		if len(out) == ChoiceCount {
			return out
		}
	}
	for _, d := range DefaultChoices {
		if len(out) == ChoiceCount {
			break
		}
		if !containsString(out, d) {
			out = append(out, d)
		}
	}
	for len(out) < ChoiceCount {
		out = append(out, DefaultChoices[len(out)])
	}
	return out
}

// jsonObject returns the widest span of raw that parses as a JSON object,
// trying opening braces left to right and closing braces right to left, so
// stray braces in the surrounding prose are skipped.
func jsonObject(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if gjson.Valid(raw) && gjson.Parse(raw).IsObject() {
		return raw, true
	}
	var ends []int
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '}' {
			ends = append(ends, i)
		}
	}
	for start := 0; start < len(raw); start++ {
		if raw[start] != '{' {
			continue
		}
		for _, end := range ends {
			if end <= start {
				break
			}
			if candidate := raw[start : end+1]; gjson.Valid(candidate) {
				return candidate, true
			}
		}
	}
	return "", false
}

func stringOr(r gjson.Result, def string) string {
	if r.Type != gjson.String {
		return def
	}
	if s := strings.TrimSpace(r.String()); s != "" {
		return s
	}
	return def
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
