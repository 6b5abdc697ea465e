package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lovecal/internal/apperr"
	"lovecal/internal/model"
	"lovecal/internal/remote"
)

// HTTPProvider talks to a calendar service exposing a JSON batch endpoint
// at {base}/calendars/{id}/batch and an ACL endpoint at
// {base}/calendars/{id}/acl.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPProvider(baseURL, token string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type batchBody struct {
	Requests []Request `json:"requests"`
}

type batchItem struct {
	EventID string               `json:"event_id"`
	Status  int                  `json:"status"`
	Event   *model.CalendarEvent `json:"event,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type batchReply struct {
	Responses []batchItem `json:"responses"`
}

func (p *HTTPProvider) ExecuteBatch(ctx context.Context, calendarID string, reqs []Request) ([]Response, error) {
	var reply batchReply
	if err := p.post(ctx, "batch", calendarID, batchBody{Requests: reqs}, &reply); err != nil {
		return nil, err
	}
	if len(reply.Responses) != len(reqs) {
		return nil, apperr.Unknown("calendar batch", fmt.Errorf("got %d responses for %d requests", len(reply.Responses), len(reqs)))
	}

	out := make([]Response, len(reply.Responses))
	for i, item := range reply.Responses {
		out[i] = Response{EventID: item.EventID, Event: item.Event}
		if item.Status < 200 || item.Status > 299 {
			out[i].Err = remote.StatusError("calendar "+string(reqs[i].Op), item.Status, []byte(item.Error))
		}
	}
	return out, nil
}

func (p *HTTPProvider) InsertACL(ctx context.Context, calendarID string, rule ACLRule) error {
	return p.post(ctx, "acl", calendarID, rule, nil)
}

func (p *HTTPProvider) post(ctx context.Context, endpoint, calendarID string, body, out any) error {
	op := "calendar " + endpoint
	data, err := json.Marshal(body)
	if err != nil {
		return apperr.Unknown(op, err)
	}

	u := p.baseURL + "/calendars/" + url.PathEscape(calendarID) + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return apperr.Unknown(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return apperr.Network(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return remote.StatusError(op, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Database(op+" decode", err)
	}
	return nil
}
