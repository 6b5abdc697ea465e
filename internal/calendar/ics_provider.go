package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"

	"lovecal/internal/apperr"
	"lovecal/internal/clock"
	"lovecal/internal/config"
	"lovecal/internal/ics"
	appLog "lovecal/internal/log"
	"lovecal/internal/model"
)

// ICSProvider keeps the calendar in a local .ics file. One round trip loads
// the file, applies every sub-request and writes the result back once.
// Sharing rules go to a JSON file next to it.
type ICSProvider struct {
	path  string
	clock clock.Clock

	mu sync.Mutex
}

func NewICSProvider(path string, clk clock.Clock) *ICSProvider {
	if clk == nil {
		clk = clock.Real{}
	}
	return &ICSProvider{path: path, clock: clk}
}

func (p *ICSProvider) aclPath() string { return p.path + ".acl.json" }

// Events returns every event currently stored.
func (p *ICSProvider) Events(ctx context.Context) ([]model.CalendarEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byID, _, err := p.load()
	if err != nil {
		return nil, err
	}
	out := make([]model.CalendarEvent, 0, len(byID))
	for _, ev := range byID {
		out = append(out, ev)
	}
	return out, nil
}

func (p *ICSProvider) ExecuteBatch(ctx context.Context, calendarID string, reqs []Request) ([]Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Network("ics batch", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	byID, order, err := p.load()
	if err != nil {
		return nil, err
	}

	resps := make([]Response, len(reqs))
	dirty := false
	for i, r := range reqs {
		resps[i] = p.apply(byID, &order, r)
		if resps[i].Err == nil && r.Op != OpGet {
			dirty = true
		}
	}

	if dirty {
		events := make([]model.CalendarEvent, 0, len(byID))
		seen := make(map[string]bool, len(byID))
		for _, id := range order {
			if ev, ok := byID[id]; ok && !seen[id] {
				seen[id] = true
				events = append(events, ev)
			}
		}
		if err := config.WriteFileAtomic(p.path, ics.Export(events, p.clock.Now())); err != nil {
			return nil, apperr.Database("ics save", err)
		}
	}
	appLog.Debug("ics batch applied", "calendar", calendarID, "requests", len(reqs), "saved", dirty)
	return resps, nil
}

func (p *ICSProvider) apply(byID map[string]model.CalendarEvent, order *[]string, r Request) Response {
	id := r.EventID
	_, exists := byID[id]

	switch r.Op {
	case OpInsert:
		if r.Event == nil {
			return Response{EventID: id, Err: apperr.Validation("insert", map[string]string{"event": "is required"})}
		}
		if id == "" {
			id = uuid.NewString()
		} else if exists {
			return Response{EventID: id, Err: apperr.Validation("insert", map[string]string{"id": "already exists"})}
		}
		ev := *r.Event
		ev.ID = id
		byID[id] = ev
		*order = append(*order, id)
		return Response{EventID: id, Event: &ev}

	case OpUpdate:
		if r.Event == nil {
			return Response{EventID: id, Err: apperr.Validation("update", map[string]string{"event": "is required"})}
		}
		if !exists {
			return Response{EventID: id, Err: notFound(id)}
		}
		ev := *r.Event
		ev.ID = id
		byID[id] = ev
		return Response{EventID: id, Event: &ev}

	case OpDelete:
		if !exists {
			return Response{EventID: id, Err: notFound(id)}
		}
		delete(byID, id)
		return Response{EventID: id}

	case OpGet:
		if !exists {
			return Response{EventID: id, Err: notFound(id)}
		}
		ev := byID[id]
		return Response{EventID: id, Event: &ev}
	}
	return Response{EventID: id, Err: apperr.Validation("batch", map[string]string{"op": fmt.Sprintf("unknown op %q", r.Op)})}
}

func notFound(id string) error {
	return apperr.Database("event "+id, errors.New("not found"))
}

// load reads the calendar file. A missing file is an empty calendar.
func (p *ICSProvider) load() (map[string]model.CalendarEvent, []string, error) {
	byID := make(map[string]model.CalendarEvent)
	body, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return byID, nil, nil
	}
	if err != nil {
		return nil, nil, apperr.Database("ics load", err)
	}
	events, err := ics.Parse(body)
	if err != nil {
		return nil, nil, apperr.Database("ics load", err)
	}
	order := make([]string, 0, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
		order = append(order, ev.ID)
	}
	return byID, order, nil
}

func (p *ICSProvider) InsertACL(ctx context.Context, calendarID string, rule ACLRule) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rules, err := p.ACL()
	if err != nil {
		return err
	}
	for _, r := range rules {
		if r.Email == rule.Email {
			return nil
		}
	}
	rules = append(rules, rule)
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return apperr.Unknown("acl save", err)
	}
	if err := config.WriteFileAtomic(p.aclPath(), data); err != nil {
		return apperr.Database("acl save", err)
	}
	appLog.Info("calendar shared", "calendar", calendarID, "email", rule.Email, "role", rule.Role)
	return nil
}

// ACL returns the stored sharing rules.
func (p *ICSProvider) ACL() ([]ACLRule, error) {
	data, err := os.ReadFile(p.aclPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Database("acl load", err)
	}
	var rules []ACLRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, apperr.Database("acl load", err)
	}
	return rules, nil
}
