package model

import (
	"encoding/json"
	"time"
)

// Entity is anything the sync coordinator mirrors locally.
type Entity interface {
	EntityID() string
}

// Record is a raw document as returned by the remote document store, before
// it is decoded into a typed entity.
type Record struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at,omitempty"`
}

// Date is a planned date of a couple. It may recur (anniversaries) via an
// RRULE string in Recurrence.
type Date struct {
	ID          string    `json:"id" validate:"required"`
	CoupleID    string    `json:"couple_id" validate:"required"`
	Title       string    `json:"title" validate:"required,max=200"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Budget      float64   `json:"budget,omitempty" validate:"gte=0"`
	Start       time.Time `json:"start" validate:"required"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day,omitempty"`

	// Recurrence is a raw RRULE (e.g. "FREQ=YEARLY"), empty for one-off dates.
	Recurrence string `json:"recurrence,omitempty"`

	// CalendarEventID links the date to its event on the shared calendar.
	CalendarEventID string `json:"calendar_event_id,omitempty"`
	CreatedBy       string `json:"created_by,omitempty"`
}

func (d Date) EntityID() string { return d.ID }

// Wish is a date idea one partner would like to do.
type Wish struct {
	ID          string    `json:"id" validate:"required"`
	CoupleID    string    `json:"couple_id" validate:"required"`
	Title       string    `json:"title" validate:"required"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Budget      float64   `json:"budget,omitempty" validate:"gte=0"`
	Fulfilled   bool      `json:"fulfilled,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (w Wish) EntityID() string { return w.ID }

// Quote is a romantic quote, either generated or picked from the static list.
type Quote struct {
	ID        string    `json:"id" validate:"required"`
	CoupleID  string    `json:"couple_id" validate:"required"`
	Text      string    `json:"text" validate:"required"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (q Quote) EntityID() string { return q.ID }

// Couple is the two-user pairing around which calendars, budgets and wishes
// are scoped.
type Couple struct {
	ID         string    `json:"id"`
	Partner1ID string    `json:"partner1_id"`
	Partner2ID string    `json:"partner2_id,omitempty"`
	InviteCode string    `json:"invite_code"`
	CalendarID string    `json:"calendar_id,omitempty"`
	Budget     float64   `json:"monthly_budget,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsComplete reports whether both partners have joined.
func (c Couple) IsComplete() bool {
	return c.Partner1ID != "" && c.Partner2ID != ""
}

// Suggestion is one parsed generative date idea.
type Suggestion struct {
	Title       string  `json:"title"`
	Location    string  `json:"location"`
	Budget      float64 `json:"budget"`
	Description string  `json:"description"`
}

// CalendarEvent is an event on the shared remote calendar.
type CalendarEvent struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day,omitempty"`
	RRule       string    `json:"rrule,omitempty"`
}

func (e CalendarEvent) EntityID() string { return e.ID }

// Occurrence represents a single concrete instance of a date
// (after recurrence expansion and timezone normalization).
type Occurrence struct {
	DateID string `json:"date_id"`

	// InstanceKey uniquely identifies a single occurrence of a recurring
	// date, derived from the local start time.
	InstanceKey string `json:"instance_key"`

	Title    string `json:"title"`
	Location string `json:"location,omitempty"`
	AllDay   bool   `json:"all_day"`

	// Start / End are in the configured display timezone.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// EventFromDate maps a planned date onto its calendar event.
func EventFromDate(d Date) CalendarEvent {
	id := d.CalendarEventID
	if id == "" {
		id = d.ID
	}
	end := d.End
	if end.IsZero() {
		end = d.Start.Add(2 * time.Hour)
	}
	return CalendarEvent{
		ID:          id,
		Summary:     d.Title,
		Description: d.Description,
		Location:    d.Location,
		Start:       d.Start,
		End:         end,
		AllDay:      d.AllDay,
		RRule:       d.Recurrence,
	}
}
