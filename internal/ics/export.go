package ics

import (
	"sort"
	"time"

	ical "github.com/arran4/golang-ical"

	"lovecal/internal/model"
)

// ProductID identifies calendars written by this program.
const ProductID = "-//lovecal//shared calendar//EN"

// Export renders events as a PUBLISH calendar, ordered by id. stamp becomes
// every event's DTSTAMP.
func Export(events []model.CalendarEvent, stamp time.Time) []byte {
	sorted := make([]model.CalendarEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	cal := ical.NewCalendar()
	cal.SetProductId(ProductID)
	cal.SetMethod(ical.MethodPublish)

	for _, ev := range sorted {
		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(stamp)
		ve.SetSummary(ev.Summary)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.AllDay {
			ve.SetAllDayStartAt(ev.Start)
			end := ev.End
			if !end.After(ev.Start) {
				end = ev.Start.AddDate(0, 0, 1)
			}
			ve.SetAllDayEndAt(end)
		} else {
			ve.SetStartAt(ev.Start)
			ve.SetEndAt(ev.End)
		}
		if ev.RRule != "" {
			ve.AddRrule(ev.RRule)
		}
	}
	return []byte(cal.Serialize())
}
