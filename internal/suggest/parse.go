// Package suggest turns generative text into date suggestions and romantic
// quotes, with static fallbacks when the generator is unavailable or talks
// nonsense.
package suggest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	appLog "lovecal/internal/log"
	"lovecal/internal/model"
)

// Separator splits suggestion blocks in generated text.
const Separator = "|||"

// Keys every block must carry, in this order.
var blockKeys = []string{"TITLE", "LOCATION", "BUDGET", "DESCRIPTION"}

type Language string

const (
	English Language = "en"
	German  Language = "de"
)

// Prompt asks for five date ideas in the block format Parse understands.
func Prompt(city string, budget float64, lang Language) string {
	if lang == German {
		return fmt.Sprintf(`Schlage 5 kreative Date-Ideen für ein Paar in %s vor, maximales Budget %.2f €.
Antworte nur in diesem Format und trenne die Ideen mit %s:
TITLE: <Titel>
LOCATION: <Ort>
BUDGET: <Betrag in € oder kostenlos>
DESCRIPTION: <ein bis zwei Sätze>`, city, budget, Separator)
	}
	return fmt.Sprintf(`Suggest 5 creative date ideas for a couple in %s with a maximum budget of %.2f EUR.
Answer only in this format and separate the ideas with %s:
TITLE: <title>
LOCATION: <place>
BUDGET: <amount in EUR or free>
DESCRIPTION: <one or two sentences>`, city, budget, Separator)
}

// QuotePrompt asks for one short romantic quote.
func QuotePrompt(lang Language) string {
	if lang == German {
		return "Schreibe ein kurzes, originelles romantisches Zitat für ein Paar. Nur das Zitat, ohne Anführungszeichen."
	}
	return "Write one short, original romantic quote for a couple. Only the quote, no quotation marks."
}

// Parse reads "|||"-separated blocks. A block is kept only when it has the
// four keys in order; anything else is skipped.
func Parse(text string) []model.Suggestion {
	out := make([]model.Suggestion, 0)
	for i, block := range strings.Split(text, Separator) {
		if strings.TrimSpace(block) == "" {
			continue
		}
		s, err := parseBlock(block)
		if err != nil {
			appLog.Debug("skipping suggestion block", "index", i, "reason", err.Error())
			continue
		}
		out = append(out, s)
	}
	return out
}

func parseBlock(block string) (model.Suggestion, error) {
	values := make([]string, 0, len(blockKeys))
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		key = strings.ToUpper(strings.Trim(strings.TrimSpace(key), "*"))
		if !ok || len(values) >= len(blockKeys) || key != blockKeys[len(values)] {
			// Continuation of a multi-line description.
			if len(values) == len(blockKeys) {
				values[len(values)-1] += " " + line
				continue
			}
			return model.Suggestion{}, fmt.Errorf("expected %s, got %q", blockKeys[len(values)], line)
		}
		values = append(values, strings.TrimSpace(value))
	}
	if len(values) != len(blockKeys) {
		return model.Suggestion{}, fmt.Errorf("got %d of %d keys", len(values), len(blockKeys))
	}
	if values[0] == "" {
		return model.Suggestion{}, fmt.Errorf("empty title")
	}
	return model.Suggestion{
		Title:       values[0],
		Location:    values[1],
		Budget:      ParseBudget(values[2]),
		Description: values[3],
	}, nil
}

var (
	freeRe   = regexp.MustCompile(`(?i)\b(free|kostenlos|gratis|umsonst)\b`)
	numberRe = regexp.MustCompile(`\d+([,.]\d+)?`)
)

// ParseBudget reads the first number of amounts like "€ 45,50", "45.50 EUR"
// or "20-30 €" (the lower bound). A comma is the decimal separator. Free
// words and unparseable text give 0.
func ParseBudget(s string) float64 {
	if freeRe.MatchString(s) {
		return 0
	}
	m := numberRe.FindString(s)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.Replace(m, ",", ".", 1), 64)
	if err != nil {
		return 0
	}
	return v
}
