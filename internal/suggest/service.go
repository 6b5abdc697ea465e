package suggest

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"lovecal/internal/clock"
	appLog "lovecal/internal/log"
	"lovecal/internal/model"
	"lovecal/internal/ttlcache"
)

// QuoteTTL is how long a couple keeps its quote of the day.
const QuoteTTL = 24 * time.Hour

var staticSuggestions = map[Language][]model.Suggestion{
	English: {
		{Title: "Sunset picnic", Location: "The nearest park", Budget: 15, Description: "Pack sandwiches and a blanket and watch the sun go down together."},
		{Title: "Cook a new cuisine", Location: "At home", Budget: 25, Description: "Pick a country neither of you has cooked from and make a three-course dinner."},
		{Title: "Museum evening", Location: "City museum", Budget: 30, Description: "Many museums open late once a week. Pick your favourite piece each."},
		{Title: "Stargazing walk", Location: "Outside the city", Budget: 0, Description: "Drive out of the light pollution, bring tea and a star map app."},
		{Title: "Board game café", Location: "Local café", Budget: 20, Description: "Try a game neither of you knows and let the loser buy dessert."},
	},
	German: {
		{Title: "Picknick bei Sonnenuntergang", Location: "Der nächste Park", Budget: 15, Description: "Packt Brote und eine Decke ein und schaut gemeinsam den Sonnenuntergang an."},
		{Title: "Neue Küche ausprobieren", Location: "Zuhause", Budget: 25, Description: "Sucht euch ein Land aus, dessen Küche ihr noch nie gekocht habt, und zaubert ein Drei-Gänge-Menü."},
		{Title: "Museumsabend", Location: "Stadtmuseum", Budget: 30, Description: "Viele Museen haben einmal pro Woche länger geöffnet. Sucht euch jeweils ein Lieblingsstück aus."},
		{Title: "Sterne beobachten", Location: "Außerhalb der Stadt", Budget: 0, Description: "Fahrt raus aus der Lichtverschmutzung, nehmt Tee und eine Sternkarten-App mit."},
		{Title: "Spielecafé", Location: "Café um die Ecke", Budget: 20, Description: "Probiert ein Spiel aus, das keiner kennt. Wer verliert, zahlt den Nachtisch."},
	},
}

var staticQuotes = map[Language][]model.Quote{
	English: {
		{Text: "Whatever our souls are made of, his and mine are the same.", Author: "Emily Brontë"},
		{Text: "Love is composed of a single soul inhabiting two bodies.", Author: "Aristotle"},
		{Text: "I have found the one whom my soul loves.", Author: "Song of Solomon"},
		{Text: "You are my today and all of my tomorrows.", Author: "Leo Christopher"},
	},
	German: {
		{Text: "Man sieht nur mit dem Herzen gut.", Author: "Antoine de Saint-Exupéry"},
		{Text: "Liebe ist das Einzige, was wächst, wenn wir es verschwenden.", Author: "Ricarda Huch"},
		{Text: "Wo Liebe ist, da ist auch Leben.", Author: "Mahatma Gandhi"},
		{Text: "Du bist mein Heute und all meine Morgen.", Author: "Leo Christopher"},
	},
}

// Service serves suggestions and quotes. The generator is optional; every
// failure falls back to static content, so callers never see an error.
type Service struct {
	gen    Generator
	lang   Language
	clock  clock.Clock
	quotes *ttlcache.Cache[model.Quote]
}

func NewService(gen Generator, lang Language, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if lang != German {
		lang = English
	}
	return &Service{
		gen:    gen,
		lang:   lang,
		clock:  clk,
		quotes: ttlcache.New[model.Quote]("quote", ttlcache.NewMemoryBackend(), QuoteTTL, clk),
	}
}

// Suggestions returns date ideas for city within budget. fromGenerator
// reports whether they came from the generator rather than the static list.
func (s *Service) Suggestions(ctx context.Context, city string, budget float64) (out []model.Suggestion, fromGenerator bool) {
	if s.gen != nil {
		text, err := s.gen.GenerateContent(ctx, Prompt(city, budget, s.lang))
		if err != nil {
			appLog.Error("suggestion generation failed, using static list", err, "city", city)
		} else if parsed := Parse(text); len(parsed) > 0 {
			return parsed, true
		} else {
			appLog.Warn("generator returned no parseable suggestions", "city", city, "length", len(text))
		}
	}
	return s.staticWithin(budget), false
}

func (s *Service) staticWithin(budget float64) []model.Suggestion {
	all := staticSuggestions[s.lang]
	if budget <= 0 {
		return append([]model.Suggestion(nil), all...)
	}
	out := make([]model.Suggestion, 0, len(all))
	for _, sg := range all {
		if sg.Budget <= budget {
			out = append(out, sg)
		}
	}
	return out
}

// Quote returns the couple's quote of the day, generating one when none is
// cached.
func (s *Service) Quote(ctx context.Context, coupleID string) model.Quote {
	if q, ok := s.quotes.Get(ctx, coupleID); ok {
		return q
	}

	now := s.clock.Now().UTC()
	q := s.staticQuote(now)
	if s.gen != nil {
		text, err := s.gen.GenerateContent(ctx, QuotePrompt(s.lang))
		switch text = cleanQuote(text); {
		case err != nil:
			appLog.Error("quote generation failed, using static quote", err)
		case text == "":
			appLog.Warn("generator returned an empty quote")
		default:
			q = model.Quote{Text: text}
		}
	}
	q.ID = uuid.NewString()
	q.CoupleID = coupleID
	q.CreatedAt = now

	if err := s.quotes.Put(ctx, coupleID, q); err != nil {
		appLog.Error("quote cache write failed", err, "couple", coupleID)
	}
	return q
}

func (s *Service) staticQuote(now time.Time) model.Quote {
	list := staticQuotes[s.lang]
	return list[now.YearDay()%len(list)]
}

func cleanQuote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"“”„'")
	return strings.TrimSpace(s)
}
