package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lovecal/internal/apperr"
	"lovecal/internal/calendar"
	"lovecal/internal/clock"
	"lovecal/internal/config"
	"lovecal/internal/couple"
	"lovecal/internal/ics"
	"lovecal/internal/model"
	"lovecal/internal/ratelimit"
	"lovecal/internal/remote"
	"lovecal/internal/store"
	"lovecal/internal/suggest"
	"lovecal/internal/syncer"
)

type staticSource struct {
	docs map[string][]model.Record
}

func (s *staticSource) Page(_ context.Context, req remote.PageRequest) ([]model.Record, error) {
	var out []model.Record
	for _, r := range s.docs[req.Collection] {
		if r.ID > req.After && len(out) < req.Limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func dateRecord(t *testing.T, d model.Date) model.Record {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	return model.Record{ID: d.ID, Data: raw}
}

type fixture struct {
	server  *Server
	handler http.Handler
	clock   *clock.Fake
	couples *couple.Service
	icsPath string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))

	src := &staticSource{docs: map[string][]model.Record{
		string(syncer.TypeDates): {
			dateRecord(t, model.Date{
				ID:         "d1",
				Title:      "Anniversary",
				Start:      time.Date(2020, 2, 14, 19, 0, 0, 0, time.UTC),
				End:        time.Date(2020, 2, 14, 22, 0, 0, 0, time.UTC),
				Recurrence: "FREQ=YEARLY",
			}),
			dateRecord(t, model.Date{
				ID:       "d2",
				Title:    "Climbing",
				Location: "Boulderhalle",
				Start:    time.Date(2026, 2, 20, 17, 0, 0, 0, time.UTC),
				End:      time.Date(2026, 2, 20, 19, 0, 0, 0, time.UTC),
			}),
		},
	}}

	settings := store.NewMemorySettings()
	sync := syncer.New(src, store.NewMemoryMirror(), syncer.NewRecordStore(settings), clk)

	couples := couple.NewService(
		couple.NewMemoryRepository(),
		nil,
		couple.NewCache(settings, couple.DefaultCoupleTTL, clk),
		couple.NewCalendarIDCache(settings, couple.DefaultCalendarIDTTL, clk),
		couple.NewBudgetCache(couple.DefaultBudgetTTL, clk),
		clk,
	)

	icsPath := filepath.Join(t.TempDir(), "calendar.ics")
	cal := calendar.NewClient(calendar.NewICSProvider(icsPath, clk), ratelimit.New(clk), "primary")

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	if mutate != nil {
		mutate(cfg)
	}

	s := NewServer(cfg, Deps{
		Sync:     sync,
		Couples:  couples,
		Calendar: cal,
		Suggest:  suggest.NewService(nil, suggest.English, clk),
		Clock:    clk,
	})
	return &fixture{server: s, handler: s.Handler(), clock: clk, couples: couples, icsPath: icsPath}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "alex", Password: "s3cret"}
	})

	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/sync/state", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "LoveCal")

	req := httptest.NewRequest(http.MethodGet, "/api/sync/state", nil)
	req.SetBasicAuth("alex", "s3cret")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/sync/state", nil)
	req.SetBasicAuth("alex", "wrong")
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBasicAuth_DisabledWithEmptyCredentials(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "alex"}
	})
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/sync/state", "").Code)
}

func TestSyncOne(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/sync/dates?scope=c1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[struct {
		Type  string            `json:"type"`
		Count int               `json:"count"`
		Items []json.RawMessage `json:"items"`
	}](t, rec)
	assert.Equal(t, "dates", body.Type)
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Items, 2)

	state := decodeBody[syncer.State](t, f.do(t, http.MethodGet, "/api/sync/state", ""))
	assert.Equal(t, syncer.PhaseSuccess, state.Phase)
	assert.Equal(t, syncer.TypeDates, state.Type)
}

func TestSyncOne_Rejected(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/sync/dates", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, apperr.KindValidation, body.Kind)
	assert.Contains(t, body.Fields, "scope")

	rec = f.do(t, http.MethodGet, "/api/sync/photos?scope=c1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody[errorResponse](t, rec).Fields, "type")
}

func TestSyncAll(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/sync?scope=c1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[struct {
		State   syncer.State `json:"state"`
		Results map[string]struct {
			Count int `json:"count"`
		} `json:"results"`
	}](t, rec)
	assert.Equal(t, syncer.PhaseSuccess, body.State.Phase)
	assert.Equal(t, 2, body.Results["dates"].Count)
	assert.Equal(t, 0, body.Results["wishes"].Count)
	assert.Contains(t, body.Results, "quotes")
}

func TestOccurrences(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/api/dates/occurrences?scope=c1&days=30", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[occurrencesResponse](t, rec)

	require.Len(t, body.Occurrences, 2)
	assert.Equal(t, "d1", body.Occurrences[0].DateID)
	assert.Equal(t, time.Date(2026, 2, 14, 19, 0, 0, 0, time.UTC), body.Occurrences[0].Start.UTC())
	assert.Equal(t, "d2", body.Occurrences[1].DateID)
	assert.Equal(t, "UTC", body.DisplayTimeZone)
	assert.Empty(t, body.TruncatedDates)

	rec = f.do(t, http.MethodGet, "/api/dates/occurrences?scope=c1&days=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[occurrencesResponse](t, rec).Occurrences)
}

func TestCalendarICS(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/calendar.ics?scope=c1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/calendar")
	body := rec.Body.String()
	assert.Contains(t, body, "BEGIN:VCALENDAR")
	assert.Contains(t, body, "SUMMARY:Anniversary")
	assert.Contains(t, body, "SUMMARY:Climbing")
	assert.Contains(t, body, "RRULE:FREQ=YEARLY")
}

func TestCouples(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/couples", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[model.Couple](t, rec)
	assert.Equal(t, "u1", created.Partner1ID)
	require.NotEmpty(t, created.InviteCode)

	rec = f.do(t, http.MethodPost, "/api/couples/join",
		fmt.Sprintf(`{"user_id":"u2","invite_code":%q}`, created.InviteCode))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	joined := decodeBody[model.Couple](t, rec)
	assert.Equal(t, "u2", joined.Partner2ID)
	assert.True(t, joined.IsComplete())

	rec = f.do(t, http.MethodGet, "/api/couples/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decodeBody[model.Couple](t, rec).ID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/couples/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/couples", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/couples", `{"user_id":"u1","extra":1}`).Code)
}

func TestBudget(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/budget", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/budget?couple=nope", "").Code)

	c, err := f.couples.Create(context.Background(), "u1")
	require.NoError(t, err)
	other, err := f.couples.Create(context.Background(), "u2")
	require.NoError(t, err)

	body := decodeBody[budgetResponse](t, f.do(t, http.MethodGet, "/api/budget?couple="+c.ID, ""))
	require.NotNil(t, body.MonthlyBudget)
	assert.Zero(t, *body.MonthlyBudget)
	assert.Nil(t, body.Spent)

	rec := f.do(t, http.MethodPut, "/api/budget",
		fmt.Sprintf(`{"couple_id":%q,"monthly_budget":500,"spent":120.5}`, c.ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody[budgetResponse](t, rec)
	require.NotNil(t, body.MonthlyBudget)
	require.NotNil(t, body.Remaining)
	assert.Equal(t, 500.0, *body.MonthlyBudget)
	assert.Equal(t, 379.5, *body.Remaining)
	assert.True(t, body.CacheValid)

	// Past the TTL the budget is reloaded from the couple record.
	f.clock.Advance(couple.DefaultBudgetTTL + time.Second)
	body = decodeBody[budgetResponse](t, f.do(t, http.MethodGet, "/api/budget?couple="+c.ID, ""))
	require.NotNil(t, body.MonthlyBudget)
	assert.Equal(t, 500.0, *body.MonthlyBudget)

	// Another couple never sees this budget.
	rec = f.do(t, http.MethodPut, "/api/budget", fmt.Sprintf(`{"couple_id":%q,"monthly_budget":100}`, other.ID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody[budgetResponse](t, f.do(t, http.MethodGet, "/api/budget?couple="+c.ID, ""))
	assert.Equal(t, 500.0, *body.MonthlyBudget)
	body = decodeBody[budgetResponse](t, f.do(t, http.MethodGet, "/api/budget?couple="+other.ID, ""))
	assert.Equal(t, 100.0, *body.MonthlyBudget)
	assert.Nil(t, body.Spent)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/budget",
		fmt.Sprintf(`{"couple_id":%q,"monthly_budget":-1}`, c.ID)).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/budget", `{"monthly_budget":5}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/api/budget", fmt.Sprintf(`{"couple_id":%q}`, c.ID)).Code)
}

func TestCalendarBatch(t *testing.T) {
	f := newFixture(t, nil)

	insert := `{"op":"insert","events":[
		{"id":"e1","summary":"Dinner","start":"2026-02-14T19:00:00Z","end":"2026-02-14T21:00:00Z"},
		{"id":"e2","summary":"Brunch","start":"2026-02-15T10:00:00Z","end":"2026-02-15T12:00:00Z"}]}`
	rec := f.do(t, http.MethodPost, "/api/calendar/batch", insert)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[calendar.Result](t, rec)
	assert.Equal(t, []string{"e1", "e2"}, res.SucceededIDs)
	assert.Equal(t, 1, res.RoundTrips)

	rec = f.do(t, http.MethodPost, "/api/calendar/batch", `{"op":"delete","ids":["e1"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"e1"}, decodeBody[calendar.Result](t, rec).SucceededIDs)

	rec = f.do(t, http.MethodPost, "/api/calendar/batch", `{"op":"move","ids":["e1"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCalendarShare(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/api/calendar/share", `{"email":"not-an-email"}`).Code)
	assert.Equal(t, http.StatusNoContent,
		f.do(t, http.MethodPost, "/api/calendar/share", `{"email":"partner@example.com"}`).Code)
	assert.FileExists(t, f.icsPath+".acl.json")
}

func TestSuggestionsAndQuote(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/suggestions", "").Code)

	rec := f.do(t, http.MethodGet, "/api/suggestions?city=Berlin&budget=20", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Suggestions []model.Suggestion `json:"suggestions"`
		Generated   bool               `json:"generated"`
	}](t, rec)
	assert.False(t, body.Generated)
	require.NotEmpty(t, body.Suggestions)
	for _, s := range body.Suggestions {
		assert.LessOrEqual(t, s.Budget, 20.0)
	}

	rec = f.do(t, http.MethodGet, "/api/quote?couple=c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	q := decodeBody[model.Quote](t, rec)
	assert.Equal(t, "c1", q.CoupleID)
	assert.NotEmpty(t, q.Text)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/quote", "").Code)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("op", nil), http.StatusBadRequest},
		{apperr.Auth("op", "expired"), http.StatusUnauthorized},
		{apperr.Permission("op", "denied"), http.StatusForbidden},
		{apperr.RateLimited("op", nil), http.StatusTooManyRequests},
		{apperr.Network("op", errors.New("refused")), http.StatusBadGateway},
		{apperr.Batch("op", "partial", []string{"a"}, nil), http.StatusMultiStatus},
		{apperr.Database("op", errors.New("boom")), http.StatusInternalServerError},
		{fmt.Errorf("get: %w", couple.ErrNotFound), http.StatusNotFound},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestWriteAppError_BatchCarriesSucceededIDs(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/calendar/batch", nil)
	writeAppError(rec, req, apperr.Batch("calendar delete", "stopped", []string{"e1", "e2"}, errors.New("gone")))

	assert.Equal(t, http.StatusMultiStatus, rec.Code)
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, apperr.KindBatch, body.Kind)
	assert.Equal(t, []string{"e1", "e2"}, body.SucceededIDs)
}

func TestOccurrences_MergesFeeds(t *testing.T) {
	feedBody := ics.Export([]model.CalendarEvent{{
		ID:      "valentine",
		Summary: "Valentine's Day",
		Start:   time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC),
		AllDay:  true,
	}}, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	feedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(feedBody)
	}))
	defer feedSrv.Close()

	f := newFixture(t, func(c *config.Config) {
		c.Calendar.Feeds = []config.FeedConfig{
			{ID: "holidays", URL: feedSrv.URL},
			{ID: "broken", URL: "http://127.0.0.1:1/unreachable.ics"},
		}
	})
	f.server.deps.Feeds = ics.NewFeedFetcher(t.TempDir(), time.Second, f.clock)

	rec := f.do(t, http.MethodGet, "/api/dates/occurrences?scope=c1&days=30", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[occurrencesResponse](t, rec)

	require.Len(t, body.Occurrences, 3)
	ids := make([]string, len(body.Occurrences))
	for i, o := range body.Occurrences {
		ids[i] = o.DateID
	}
	assert.Contains(t, ids, "feed:holidays:valentine")

	require.Len(t, body.Feeds, 2)
	assert.Equal(t, 1, body.Feeds[0].Events)
	assert.NotEmpty(t, body.Feeds[1].Error)
}
