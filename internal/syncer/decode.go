package syncer

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"lovecal/internal/apperr"
	"lovecal/internal/model"
)

// EntityType names a synchronized collection.
type EntityType string

const (
	TypeDates  EntityType = "dates"
	TypeWishes EntityType = "wishes"
	TypeQuotes EntityType = "quotes"
)

// AllTypes lists the entity types covered by a full sync.
var AllTypes = []EntityType{TypeDates, TypeWishes, TypeQuotes}

// Decoder turns a raw record into a typed entity. scopeID is used to fill
// in the couple id when the document omits it.
type Decoder func(rec model.Record, scopeID string) (model.Entity, error)

var validate = validator.New()

func decodeInto[T model.Entity](rec model.Record, fill func(*T)) (model.Entity, error) {
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return nil, apperr.Database("decode "+rec.ID, err)
	}
	fill(&v)
	if err := validate.Struct(v); err != nil {
		return nil, apperr.ValidationFromValidator("decode "+rec.ID, err)
	}
	return v, nil
}

// DefaultDecoders decodes the JSON document of each built-in type and
// validates its required fields.
func DefaultDecoders() map[EntityType]Decoder {
	return map[EntityType]Decoder{
		TypeDates: func(rec model.Record, scopeID string) (model.Entity, error) {
			return decodeInto(rec, func(d *model.Date) {
				if d.ID == "" {
					d.ID = rec.ID
				}
				if d.CoupleID == "" {
					d.CoupleID = scopeID
				}
			})
		},
		TypeWishes: func(rec model.Record, scopeID string) (model.Entity, error) {
			return decodeInto(rec, func(w *model.Wish) {
				if w.ID == "" {
					w.ID = rec.ID
				}
				if w.CoupleID == "" {
					w.CoupleID = scopeID
				}
			})
		},
		TypeQuotes: func(rec model.Record, scopeID string) (model.Entity, error) {
			return decodeInto(rec, func(q *model.Quote) {
				if q.ID == "" {
					q.ID = rec.ID
				}
				if q.CoupleID == "" {
					q.CoupleID = scopeID
				}
			})
		},
	}
}

// Dates narrows a synced entity list to dates.
func Dates(entities []model.Entity) []model.Date {
	out := make([]model.Date, 0, len(entities))
	for _, e := range entities {
		if d, ok := e.(model.Date); ok {
			out = append(out, d)
		}
	}
	return out
}

// Wishes narrows a synced entity list to wishes.
func Wishes(entities []model.Entity) []model.Wish {
	out := make([]model.Wish, 0, len(entities))
	for _, e := range entities {
		if w, ok := e.(model.Wish); ok {
			out = append(out, w)
		}
	}
	return out
}

// Quotes narrows a synced entity list to quotes.
func Quotes(entities []model.Entity) []model.Quote {
	out := make([]model.Quote, 0, len(entities))
	for _, e := range entities {
		if q, ok := e.(model.Quote); ok {
			out = append(out, q)
		}
	}
	return out
}

func (t EntityType) valid() error {
	switch t {
	case TypeDates, TypeWishes, TypeQuotes:
		return nil
	}
	return fmt.Errorf("unknown entity type %q", string(t))
}
