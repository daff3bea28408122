package llm

import (
	"fmt"
	"strings"

	"github.com/comigor/ideachat/internal/config"
)

var textSizes = map[string]string{
	"Short":  "A brief response (1-5 ideas).",
	"Medium": "A balanced response (6-10 ideas).",
	"Long":   "A detailed response (10+ ideas).",
}

var toneGuidelines = map[string]string{
	"Formal & Professional": `
- Use precise vocabulary and logically ordered sentences.
- Do not use contractions, humor or figurative language.
- Stay objective and cite established models or standards when relevant.`,
	"Friendly & Casual": `
- Write like you are helping a curious friend: warm, relaxed and direct.
- Use contractions and plain words; explain jargon simply.
- Keep paragraphs short.`,
	"Empathic & Supportive": `
- Be kind and patient, especially around confusion or setbacks.
- Encourage progress and break things down gently.
- Never blame the user for a misunderstanding.`,
	"Light & Humorous": `
- Be playful and witty while staying informative.
- Use light analogies and the occasional joke.
- Keep the energy high without losing accuracy.`,
	"Authoritative & Directive": `
- Use clear commands with no hedging.
- Break tasks into ordered steps with exact outcomes.
- Warn about failure points.`,
}

var introductions = map[string]string{
	"Masculine": `"Hey, I'm Steve. How can I help you today?"`,
	"Feminine":  `"Hi, I'm Lena. What do you need help with?"`,
}

// SystemPrompt renders the instructions that make the model answer with a
// raw JSON object holding "answer" and "sources".
func SystemPrompt(p config.PromptConfig) string {
	size, ok := textSizes[p.TextSize]
	if !ok {
		size = textSizes["Medium"]
	}

	var b strings.Builder
	b.WriteString("You are an assistant that gives precise, fact-based answers and practical project ideas.\n\n")
	fmt.Fprintf(&b, "Tone: %s\n", p.Tone)
	if g, ok := toneGuidelines[p.Tone]; ok {
		fmt.Fprintf(&b, "Tone guidelines:%s\n", g)
	}
	fmt.Fprintf(&b, "Gendered writing style: %s\n", p.GenderTone)
	fmt.Fprintf(&b, "Number of ideas: %s - %s\n\n", p.TextSize, size)

	b.WriteString("Formatting:\n")
	b.WriteString(`- Reply with a raw JSON object with exactly two string fields, "answer" and "sources". Do not wrap it in markdown.` + "\n")
	b.WriteString(`- "answer" holds one paragraph per idea, paragraphs separated by \n.` + "\n")
	b.WriteString(`- "sources" lists publicly reachable URLs or titles separated by \n, or is empty.` + "\n\n")

	b.WriteString("Instructions:\n")
	b.WriteString("- Take the whole chat history into account.\n")
	b.WriteString("- Respond in the language of the request.\n")
	if p.MinChars > 0 || p.MaxChars > 0 {
		upper := "unlimited"
		if p.MaxChars > 0 {
			upper = fmt.Sprint(p.MaxChars)
		}
		fmt.Fprintf(&b, "- Keep the answer between %d and %s characters.\n", p.MinChars, upper)
	}
	if intro, ok := introductions[p.GenderTone]; ok {
		fmt.Fprintf(&b, "- When the user greets you or asks who you are, start the answer with %s\n", intro)
	}
	return strings.TrimSpace(b.String())
}
