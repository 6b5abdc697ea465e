package web

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"lovecal/internal/apperr"
	"lovecal/internal/calendar"
	"lovecal/internal/clock"
	"lovecal/internal/config"
	"lovecal/internal/couple"
	"lovecal/internal/ics"
	appLog "lovecal/internal/log"
	"lovecal/internal/suggest"
	"lovecal/internal/syncer"
	"lovecal/internal/ttlcache"
)

// occurrencesCacheTTL bounds how long an expanded occurrence list is reused
// between requests.
const occurrencesCacheTTL = 30 * time.Second

// Deps are the components the API serves.
type Deps struct {
	Sync     *syncer.Coordinator
	Couples  *couple.Service
	Calendar *calendar.Client
	Suggest  *suggest.Service
	// Feeds is optional; nil skips the configured ICS feeds.
	Feeds    *ics.FeedFetcher
	Clock    clock.Clock
}

// Server provides the HTTP API.
type Server struct {
	cfg      *config.Config
	deps     Deps
	mux      *http.ServeMux
	validate *validator.Validate
	loc      *time.Location

	// occurrences caches /api/dates/occurrences responses.
	occurrences *ttlcache.Cache[occurrencesResponse]
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	s := &Server{
		cfg:         cfg,
		deps:        deps,
		mux:         http.NewServeMux(),
		validate:    validator.New(),
		loc:         resolveLocationOrLocal(cfg.Timezone),
		occurrences: ttlcache.New[occurrencesResponse]("occurrences", ttlcache.NewMemoryBackend(), occurrencesCacheTTL, deps.Clock),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials mean disabled.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="LoveCal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/sync/state", s.handleSyncState)
	s.mux.HandleFunc("GET /api/sync/{type}", s.handleSyncOne)
	s.mux.HandleFunc("POST /api/sync", s.handleSyncAll)

	s.mux.HandleFunc("GET /api/budget", s.handleGetBudget)
	s.mux.HandleFunc("PUT /api/budget", s.handlePutBudget)

	s.mux.HandleFunc("GET /api/couples/{id}", s.handleGetCouple)
	s.mux.HandleFunc("POST /api/couples", s.handleCreateCouple)
	s.mux.HandleFunc("POST /api/couples/join", s.handleJoinCouple)

	s.mux.HandleFunc("GET /api/suggestions", s.handleSuggestions)
	s.mux.HandleFunc("GET /api/quote", s.handleQuote)

	s.mux.HandleFunc("GET /api/dates/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("GET /calendar.ics", s.handleCalendarICS)
	s.mux.HandleFunc("POST /api/calendar/batch", s.handleCalendarBatch)
	s.mux.HandleFunc("POST /api/calendar/share", s.handleCalendarShare)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func parseFloatDefault(s string, def float64) float64 {
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

// decodeJSON reads a size-limited JSON body into v and validates it.
func (s *Server) decodeJSON(r *http.Request, op string, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation(op, map[string]string{"body": err.Error()})
	}
	if err := s.validate.Struct(v); err != nil {
		return apperr.ValidationFromValidator(op, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

type errorResponse struct {
	Error        string            `json:"error"`
	Kind         apperr.Kind       `json:"kind,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
	SucceededIDs []string          `json:"succeeded_ids,omitempty"`
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	if errors.Is(err, couple.ErrNotFound) {
		return http.StatusNotFound
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindRateLimit:
		return http.StatusTooManyRequests
	case apperr.KindNetwork:
		return http.StatusBadGateway
	case apperr.KindBatch:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError renders err with its kind, validation fields and partial
// batch progress.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Kind: apperr.KindOf(err)}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		resp.Fields = ae.Fields
		resp.SucceededIDs = ae.SucceededIDs
	}
	if status >= http.StatusInternalServerError {
		appLog.Error("request failed", err, "method", r.Method, "path", r.URL.Path)
	} else {
		appLog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "err", err.Error())
	}
	writeJSON(w, status, resp)
}
