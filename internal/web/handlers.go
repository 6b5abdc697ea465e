package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"lovecal/internal/apperr"
	"lovecal/internal/calendar"
	"lovecal/internal/ics"
	appLog "lovecal/internal/log"
	"lovecal/internal/model"
	"lovecal/internal/syncer"
)

func scopeParam(r *http.Request) (string, error) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		return "", apperr.Validation("scope", map[string]string{"scope": "is required"})
	}
	return scope, nil
}

func (s *Server) handleSyncState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sync.State())
}

type syncResponse struct {
	Type  syncer.EntityType `json:"type"`
	Count int               `json:"count"`
	Items []model.Entity    `json:"items"`
}

// handleSyncOne returns one entity type for a scope, refreshing it from the
// remote source when the local copy is older than the sync interval.
//
// GET /api/sync/{type}?scope=<couple id>
func (s *Server) handleSyncOne(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	t := syncer.EntityType(r.PathValue("type"))
	items, err := s.deps.Sync.Sync(r.Context(), t, scope)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{Type: t, Count: len(items), Items: items})
}

// handleSyncAll runs a full sync of every entity type.
//
// POST /api/sync?scope=<couple id>
func (s *Server) handleSyncAll(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	all, err := s.deps.Sync.SyncAll(r.Context(), scope)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	out := make(map[syncer.EntityType]syncResponse, len(all))
	for t, items := range all {
		out[t] = syncResponse{Type: t, Count: len(items), Items: items}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   s.deps.Sync.State(),
		"results": out,
	})
}

type budgetResponse struct {
	MonthlyBudget *float64 `json:"monthly_budget"`
	Spent         *float64 `json:"spent"`
	Remaining     *float64 `json:"remaining,omitempty"`
	CacheValid    bool     `json:"cache_valid"`
}

func (s *Server) budgetSnapshot(coupleID string) budgetResponse {
	b := s.deps.Couples.Budget()
	var resp budgetResponse
	if v, ok := b.MonthlyBudget(coupleID); ok {
		resp.MonthlyBudget = &v
	}
	if v, ok := b.Spent(coupleID); ok {
		resp.Spent = &v
	}
	if resp.MonthlyBudget != nil && resp.Spent != nil {
		left := *resp.MonthlyBudget - *resp.Spent
		resp.Remaining = &left
	}
	resp.CacheValid = b.IsCacheValid(coupleID)
	return resp
}

// handleGetBudget serves the couple's cached budget, reloading an expired
// one from the couple record.
//
// GET /api/budget?couple=<id>
func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("couple")
	if id == "" {
		writeAppError(w, r, apperr.Validation("get budget", map[string]string{"couple": "is required"}))
		return
	}
	if _, err := s.deps.Couples.MonthlyBudget(r.Context(), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.budgetSnapshot(id))
}

type budgetRequest struct {
	CoupleID      string   `json:"couple_id" validate:"required"`
	MonthlyBudget *float64 `json:"monthly_budget" validate:"omitempty,gte=0"`
	Spent         *float64 `json:"spent" validate:"omitempty,gte=0"`
}

// handlePutBudget stores the monthly budget on the couple record and caches
// the amount spent.
//
// PUT /api/budget {"couple_id":..., "monthly_budget":..., "spent":...}
func (s *Server) handlePutBudget(w http.ResponseWriter, r *http.Request) {
	var req budgetRequest
	if err := s.decodeJSON(r, "put budget", &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	if req.MonthlyBudget == nil && req.Spent == nil {
		writeAppError(w, r, apperr.Validation("put budget", map[string]string{"monthly_budget": "or spent is required"}))
		return
	}

	if req.MonthlyBudget != nil {
		if _, err := s.deps.Couples.SetBudget(r.Context(), req.CoupleID, *req.MonthlyBudget); err != nil {
			writeAppError(w, r, err)
			return
		}
	}
	if req.Spent != nil {
		s.deps.Couples.Budget().SaveSpent(req.CoupleID, *req.Spent)
	}
	writeJSON(w, http.StatusOK, s.budgetSnapshot(req.CoupleID))
}

func (s *Server) handleGetCouple(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Couples.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type createCoupleRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (s *Server) handleCreateCouple(w http.ResponseWriter, r *http.Request) {
	var req createCoupleRequest
	if err := s.decodeJSON(r, "create couple", &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	c, err := s.deps.Couples.Create(r.Context(), req.UserID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type joinCoupleRequest struct {
	UserID     string `json:"user_id" validate:"required"`
	InviteCode string `json:"invite_code" validate:"required"`
}

func (s *Server) handleJoinCouple(w http.ResponseWriter, r *http.Request) {
	var req joinCoupleRequest
	if err := s.decodeJSON(r, "join couple", &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	c, err := s.deps.Couples.Join(r.Context(), req.UserID, req.InviteCode)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleSuggestions returns generated date ideas, or the static list when
// the generator is unavailable.
//
// GET /api/suggestions?city=Berlin&budget=50
func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	city := q.Get("city")
	if city == "" {
		writeAppError(w, r, apperr.Validation("suggestions", map[string]string{"city": "is required"}))
		return
	}
	budget := parseFloatDefault(q.Get("budget"), 0)
	items, generated := s.deps.Suggest.Suggestions(r.Context(), city, budget)
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": items,
		"generated":   generated,
	})
}

// GET /api/quote?couple=<id>
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("couple")
	if id == "" {
		writeAppError(w, r, apperr.Validation("quote", map[string]string{"couple": "is required"}))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Suggest.Quote(r.Context(), id))
}

type feedStatus struct {
	ID     string `json:"id"`
	Events int    `json:"events"`
	Stale  bool   `json:"stale,omitempty"`
	Error  string `json:"error,omitempty"`
}

// occurrencesResponse is the JSON response shape for /api/dates/occurrences.
type occurrencesResponse struct {
	Occurrences     []model.Occurrence `json:"occurrences"`
	TruncatedDates  []string           `json:"truncated_dates,omitempty"`
	Feeds           []feedStatus       `json:"feeds,omitempty"`
	RangeStart      time.Time          `json:"range_start"`
	RangeEnd        time.Time          `json:"range_end"`
	DisplayTimeZone string             `json:"display_timezone"`
}

// feedDates fetches the configured ICS feeds. A failing feed is reported in
// the status list and otherwise ignored.
func (s *Server) feedDates(ctx context.Context) ([]model.Date, []feedStatus) {
	if s.deps.Feeds == nil || len(s.cfg.Calendar.Feeds) == 0 {
		return nil, nil
	}
	var (
		dates    []model.Date
		statuses = make([]feedStatus, 0, len(s.cfg.Calendar.Feeds))
	)
	for _, fc := range s.cfg.Calendar.Feeds {
		res, err := s.deps.Feeds.Fetch(ctx, ics.Feed{ID: fc.ID, URL: fc.URL})
		if err != nil {
			appLog.Error("feed fetch failed", err, "feed", fc.ID, "url", appLog.RedactURL(fc.URL))
			statuses = append(statuses, feedStatus{ID: fc.ID, Error: err.Error()})
			continue
		}
		dates = append(dates, ics.DatesFromFeed(res)...)
		statuses = append(statuses, feedStatus{ID: fc.ID, Events: len(res.Events), Stale: res.Stale})
	}
	return dates, statuses
}

// handleOccurrences expands the couple's planned dates (including yearly
// anniversaries and other RRULEs) and the configured ICS feeds into
// concrete occurrences.
//
// GET /api/dates/occurrences?scope=<id>&days=30&backfill=1
//   - days:     how many days ahead (default calendar.horizon_days)
//   - backfill: how many past days to include (default 1)
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), s.cfg.Calendar.HorizonDays)
	if days <= 0 {
		days = s.cfg.Calendar.HorizonDays
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}

	ctx := r.Context()
	cacheKey := scope + "|" + strconv.Itoa(days) + "|" + strconv.Itoa(backfill)
	if resp, ok := s.occurrences.Get(ctx, cacheKey); ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	entities, err := s.deps.Sync.Sync(ctx, syncer.TypeDates, scope)
	if err != nil {
		writeAppError(w, r, err)
		return
	}

	now := s.deps.Clock.Now().In(s.loc)
	rangeStart := now.AddDate(0, 0, -backfill)
	rangeEnd := now.AddDate(0, 0, days)

	dates := syncer.Dates(entities)
	extra, feeds := s.feedDates(ctx)
	dates = append(dates, extra...)

	res, err := ics.Expand(dates, ics.ExpandConfig{
		DisplayLocation:       s.loc,
		RangeStart:            rangeStart,
		RangeEnd:              rangeEnd,
		MaxOccurrencesPerDate: s.cfg.Calendar.MaxRecurring,
	})
	if err != nil {
		writeAppError(w, r, apperr.Unknown("expand", err))
		return
	}

	resp := occurrencesResponse{
		Occurrences:     res.Occurrences,
		TruncatedDates:  res.Truncated,
		Feeds:           feeds,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: s.loc.String(),
	}
	if err := s.occurrences.Put(ctx, cacheKey, resp); err != nil {
		appLog.Error("occurrences cache write failed", err, "scope", scope)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCalendarICS exports the couple's dates as an iCalendar feed.
//
// GET /calendar.ics?scope=<id>
func (s *Server) handleCalendarICS(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeParam(r)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	entities, err := s.deps.Sync.Sync(r.Context(), syncer.TypeDates, scope)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	dates := syncer.Dates(entities)
	events := make([]model.CalendarEvent, len(dates))
	for i, d := range dates {
		events[i] = model.EventFromDate(d)
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", "lovecal-"+scope+".ics"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ics.Export(events, s.deps.Clock.Now()))
}

type batchRequest struct {
	Op     string                `json:"op" validate:"required,oneof=insert update delete get"`
	Events []model.CalendarEvent `json:"events"`
	IDs    []string              `json:"ids"`
}

// handleCalendarBatch submits calendar mutations in chunks. A partial
// failure answers 207 with the ids that were applied.
//
// POST /api/calendar/batch {"op":"delete","ids":[...]}
func (s *Server) handleCalendarBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := s.decodeJSON(r, "calendar batch", &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	op, err := calendar.ParseOp(req.Op)
	if err != nil {
		writeAppError(w, r, apperr.Validation("calendar batch", map[string]string{"op": err.Error()}))
		return
	}

	var res calendar.Result
	ctx := r.Context()
	switch op {
	case calendar.OpInsert:
		res, err = s.deps.Calendar.CreateEvents(ctx, req.Events)
	case calendar.OpUpdate:
		res, err = s.deps.Calendar.UpdateEvents(ctx, req.Events)
	case calendar.OpDelete:
		res, err = s.deps.Calendar.DeleteEvents(ctx, req.IDs)
	case calendar.OpGet:
		res, err = s.deps.Calendar.GetEvents(ctx, req.IDs)
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type shareRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// POST /api/calendar/share {"email":"partner@example.com"}
func (s *Server) handleCalendarShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := s.decodeJSON(r, "share calendar", &req); err != nil {
		writeAppError(w, r, err)
		return
	}
	if err := s.deps.Calendar.ShareWith(r.Context(), req.Email); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
