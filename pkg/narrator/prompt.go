package narrator

import "strings"

const responseFormat = `Réponds uniquement avec un objet JSON:
{
  "narrative": "1 à 3 phrases",
  "choices": ["choix 1", "choix 2", "choix 3"],
  "location": "lieu actuel",
  "animation_trigger": "none",
  "sfx": "ambient"
}`

// BuildPrompt assembles the generation prompt from the session context, the
// compressed story context and the filtered player choice.
func BuildPrompt(system, storyContext, choice string) string {
	var sb strings.Builder
	if s := strings.TrimSpace(system); s != "" {
		sb.WriteString(s)
		sb.WriteString("\n\n")
	}
	if c := strings.TrimSpace(storyContext); c != "" {
		sb.WriteString("Mémoire de l'histoire:\n")
		sb.WriteString(c)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Choix du joueur: ")
	sb.WriteString(strings.TrimSpace(choice))
	sb.WriteString("\n\n")
	sb.WriteString(responseFormat)
	return sb.String()
}
