package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "lovecal/internal/log"
	"lovecal/internal/model"
)

const (
	defaultMaxOccurrencesPerDate = 500
	defaultDuration              = 2 * time.Hour
)

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// DisplayLocation is the timezone occurrences are converted to. If nil,
	// time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive window.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerDate caps a single recurring date. Zero means
	// defaultMaxOccurrencesPerDate.
	MaxOccurrencesPerDate int
}

// ExpandResult holds the occurrences sorted by start, plus the ids of dates
// that hit the cap.
type ExpandResult struct {
	Occurrences []model.Occurrence `json:"occurrences"`
	Truncated   []string           `json:"truncated,omitempty"`
}

// Expand turns planned dates into concrete occurrences inside the window.
// One-off dates yield at most one occurrence; dates with a Recurrence RRULE
// are expanded from their start. An unparsable RRULE is logged and the
// date is treated as one-off.
func Expand(dates []model.Date, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerDate <= 0 {
		cfg.MaxOccurrencesPerDate = defaultMaxOccurrencesPerDate
	}

	occurrences := make([]model.Occurrence, 0)
	for _, d := range dates {
		occ, hitCap := expandDate(d, cfg)
		if hitCap {
			result.Truncated = append(result.Truncated, d.ID)
			appLog.Warn("expand: truncated occurrences", "date", d.ID, "cap", cfg.MaxOccurrencesPerDate)
		}
		occurrences = append(occurrences, occ...)
	}

	sort.SliceStable(occurrences, func(i, j int) bool {
		return occurrences[i].Start.Before(occurrences[j].Start)
	})
	result.Occurrences = occurrences
	return result, nil
}

func expandDate(d model.Date, cfg ExpandConfig) ([]model.Occurrence, bool) {
	dur := duration(d)

	if d.Recurrence == "" {
		return expandSingle(d, dur, cfg), false
	}

	r, err := rrule.StrToRRule(d.Recurrence)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "date", d.ID, "rrule", d.Recurrence)
		return expandSingle(d, dur, cfg), false
	}
	r.DTStart(d.Start)

	// Widen the lower bound by the duration so an instance that started
	// before the window but is still running is included.
	loc := d.Start.Location()
	times := r.Between(cfg.RangeStart.Add(-dur).In(loc), cfg.RangeEnd.In(loc), true)

	hitCap := false
	if len(times) > cfg.MaxOccurrencesPerDate {
		times = times[:cfg.MaxOccurrencesPerDate]
		hitCap = true
	}

	out := make([]model.Occurrence, 0, len(times))
	for _, start := range times {
		end := start.Add(dur)
		if d.AllDay {
			start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
			end = start.AddDate(0, 0, 1)
		}
		if !overlaps(start, end, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		out = append(out, makeOccurrence(d, start, end, cfg.DisplayLocation))
	}
	return out, hitCap
}

func expandSingle(d model.Date, dur time.Duration, cfg ExpandConfig) []model.Occurrence {
	start, end := d.Start, d.Start.Add(dur)
	if d.AllDay {
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
		end = start.AddDate(0, 0, 1)
	}
	if !overlaps(start, end, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	return []model.Occurrence{makeOccurrence(d, start, end, cfg.DisplayLocation)}
}

func duration(d model.Date) time.Duration {
	if d.End.After(d.Start) {
		return d.End.Sub(d.Start)
	}
	if d.AllDay {
		return 24 * time.Hour
	}
	return defaultDuration
}

func makeOccurrence(d model.Date, start, end time.Time, displayLoc *time.Location) model.Occurrence {
	startLocal := start.In(displayLoc)
	return model.Occurrence{
		DateID:      d.ID,
		InstanceKey: d.ID + "@" + startLocal.Format(time.RFC3339),
		Title:       d.Title,
		Location:    d.Location,
		AllDay:      d.AllDay,
		Start:       startLocal,
		End:         end.In(displayLoc),
	}
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}
