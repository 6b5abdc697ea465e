// Package calendar submits event mutations to the shared couple calendar in
// chunked batches, one round trip per chunk.
package calendar

import (
	"context"
	"fmt"
	"strings"

	"lovecal/internal/apperr"
	appLog "lovecal/internal/log"
	"lovecal/internal/model"
	"lovecal/internal/ratelimit"
)

const (
	// LimiterKey is the rate limiter resource for calendar round trips.
	LimiterKey            = "calendar_api"
	DefaultCallsPerMinute = 100
	// MaxChunkSize is the provider's limit of sub-requests per round trip.
	MaxChunkSize = 50
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpGet    Op = "get"
)

func ParseOp(s string) (Op, error) {
	switch op := Op(strings.ToLower(strings.TrimSpace(s))); op {
	case OpInsert, OpUpdate, OpDelete, OpGet:
		return op, nil
	}
	return "", fmt.Errorf("unknown op %q", s)
}

// Request is one sub-request of a round trip.
type Request struct {
	Op      Op                   `json:"op"`
	EventID string               `json:"event_id,omitempty"`
	Event   *model.CalendarEvent `json:"event,omitempty"`
}

// Response answers the Request at the same index. Err is set when that
// sub-request failed.
type Response struct {
	EventID string
	Event   *model.CalendarEvent
	Err     error
}

// ACLRule grants a user access to a calendar.
type ACLRule struct {
	Role  string `json:"role"`
	Scope string `json:"scope"`
	Email string `json:"email"`
}

// Provider executes calendar round trips.
type Provider interface {
	// ExecuteBatch runs all requests in one round trip. A non-nil error
	// means the round trip itself failed; per-request failures are
	// reported in the responses.
	ExecuteBatch(ctx context.Context, calendarID string, reqs []Request) ([]Response, error)
	InsertACL(ctx context.Context, calendarID string, rule ACLRule) error
}

// Policy decides what happens after a failed sub-request.
type Policy int

const (
	// FailFast stops at the first failed sub-request.
	FailFast Policy = iota
	// BestEffort runs every chunk and reports all failures at the end.
	BestEffort
)

func ParsePolicy(s string) Policy {
	if strings.EqualFold(strings.TrimSpace(s), "best_effort") {
		return BestEffort
	}
	return FailFast
}

func (p Policy) String() string {
	if p == BestEffort {
		return "best_effort"
	}
	return "fail_fast"
}

// Result accumulates what a batch submission achieved, also when it failed.
type Result struct {
	Succeeded    []model.CalendarEvent `json:"succeeded"`
	SucceededIDs []string              `json:"succeeded_ids"`
	FailedIDs    []string              `json:"failed_ids,omitempty"`
	RoundTrips   int                   `json:"round_trips"`
}

// Client chunks operations over a Provider.
type Client struct {
	provider   Provider
	limiter    *ratelimit.Limiter
	calendarID string
	chunkSize  int
	policy     Policy
	perMinute  int
}

type Option func(*Client)

// WithChunkSize sets the chunk size, clamped to 1..MaxChunkSize.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		switch {
		case n <= 0:
		case n > MaxChunkSize:
			c.chunkSize = MaxChunkSize
		default:
			c.chunkSize = n
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

func WithCallsPerMinute(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.perMinute = n
		}
	}
}

// NewClient builds a client for calendarID. When limiter is non-nil the
// calendar_api limit is registered on it and every round trip acquires it.
func NewClient(provider Provider, limiter *ratelimit.Limiter, calendarID string, opts ...Option) *Client {
	c := &Client{
		provider:   provider,
		limiter:    limiter,
		calendarID: calendarID,
		chunkSize:  MaxChunkSize,
		policy:     FailFast,
		perMinute:  DefaultCallsPerMinute,
	}
	for _, o := range opts {
		o(c)
	}
	if c.limiter != nil {
		c.limiter.Configure(LimiterKey, c.perMinute)
	}
	return c
}

func (c *Client) CalendarID() string { return c.calendarID }

// SubmitBatch applies op to every item, at most chunkSize sub-requests per
// round trip. Deletes and gets only use the item ids.
//
// The returned Result is always populated with what succeeded. A failed
// sub-request yields a batch error carrying the succeeded ids; a failed
// round trip stops immediately and returns the provider's error. Chunks
// already applied are never rolled back.
func (c *Client) SubmitBatch(ctx context.Context, op Op, items []model.CalendarEvent) (Result, error) {
	res := Result{
		Succeeded:    make([]model.CalendarEvent, 0),
		SucceededIDs: make([]string, 0, len(items)),
	}
	opName := "calendar " + string(op)

	var firstFailure error
	for start := 0; start < len(items); start += c.chunkSize {
		end := min(start+c.chunkSize, len(items))
		chunk := items[start:end]

		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx, LimiterKey); err != nil {
				return res, err
			}
		}

		reqs := make([]Request, len(chunk))
		for i := range chunk {
			reqs[i] = newRequest(op, chunk[i])
		}

		resps, err := c.provider.ExecuteBatch(ctx, c.calendarID, reqs)
		res.RoundTrips++
		if err != nil {
			appLog.Error("calendar round trip failed", err,
				"op", op, "round_trip", res.RoundTrips, "succeeded", len(res.SucceededIDs))
			return res, err
		}
		if len(resps) != len(reqs) {
			return res, apperr.Unknown(opName, fmt.Errorf("provider answered %d of %d requests", len(resps), len(reqs)))
		}

		for i, r := range resps {
			id := reqs[i].EventID
			if r.EventID != "" {
				id = r.EventID
			}
			if r.Err != nil {
				appLog.Error("calendar sub-request failed", r.Err, "op", op, "event", id)
				if c.policy == FailFast {
					return res, apperr.Batch(opName,
						fmt.Sprintf("%s failed for %s after %d succeeded", op, id, len(res.SucceededIDs)),
						res.SucceededIDs, r.Err)
				}
				res.FailedIDs = append(res.FailedIDs, id)
				if firstFailure == nil {
					firstFailure = r.Err
				}
				continue
			}
			res.SucceededIDs = append(res.SucceededIDs, id)
			if op == OpDelete {
				continue
			}
			switch {
			case r.Event != nil:
				res.Succeeded = append(res.Succeeded, *r.Event)
			case reqs[i].Event != nil:
				ev := *reqs[i].Event
				ev.ID = id
				res.Succeeded = append(res.Succeeded, ev)
			}
		}
	}

	if len(res.FailedIDs) > 0 {
		return res, apperr.Batch(opName,
			fmt.Sprintf("%d of %d %s requests failed", len(res.FailedIDs), len(items), op),
			res.SucceededIDs, firstFailure)
	}
	appLog.Info("calendar batch done", "op", op, "items", len(items), "round_trips", res.RoundTrips)
	return res, nil
}

func newRequest(op Op, ev model.CalendarEvent) Request {
	r := Request{Op: op, EventID: ev.ID}
	if op == OpInsert || op == OpUpdate {
		e := ev
		r.Event = &e
	}
	return r
}

func (c *Client) CreateEvents(ctx context.Context, events []model.CalendarEvent) (Result, error) {
	return c.SubmitBatch(ctx, OpInsert, events)
}

func (c *Client) UpdateEvents(ctx context.Context, events []model.CalendarEvent) (Result, error) {
	return c.SubmitBatch(ctx, OpUpdate, events)
}

func (c *Client) DeleteEvents(ctx context.Context, ids []string) (Result, error) {
	return c.SubmitBatch(ctx, OpDelete, idsToEvents(ids))
}

func (c *Client) GetEvents(ctx context.Context, ids []string) (Result, error) {
	return c.SubmitBatch(ctx, OpGet, idsToEvents(ids))
}

// ShareWith gives email write access to the calendar.
func (c *Client) ShareWith(ctx context.Context, email string) error {
	if !strings.Contains(email, "@") {
		return apperr.Validation("share calendar", map[string]string{"email": "must be an email address"})
	}
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, LimiterKey); err != nil {
			return err
		}
	}
	return c.provider.InsertACL(ctx, c.calendarID, ACLRule{Role: "writer", Scope: "user", Email: email})
}

func idsToEvents(ids []string) []model.CalendarEvent {
	out := make([]model.CalendarEvent, len(ids))
	for i, id := range ids {
		out[i] = model.CalendarEvent{ID: id}
	}
	return out
}
