package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"lovecal/internal/apperr"
	appLog "lovecal/internal/log"
	"lovecal/internal/model"
)

// PageRequest asks for one page of a collection filtered by scope.
type PageRequest struct {
	Collection string
	ScopeID    string
	// After is the id of the last document of the previous page; empty for
	// the first page.
	After string
	Limit int
}

// Source is the paged read side of the remote document store.
type Source interface {
	Page(ctx context.Context, req PageRequest) ([]model.Record, error)
}

// pageResponse is the JSON body returned by the document API.
type pageResponse struct {
	Documents []model.Record `json:"documents"`
}

// HTTPSource reads pages from the document API:
//
//	GET {base}/v1/{collection}?scope=..&after=..&limit=..
type HTTPSource struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewHTTPSource creates a Source for baseURL. token is sent as a bearer
// token when non-empty.
func NewHTTPSource(baseURL, token string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSource{
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

func (s *HTTPSource) Page(ctx context.Context, req PageRequest) ([]model.Record, error) {
	op := "remote page " + req.Collection

	q := url.Values{}
	q.Set("scope", req.ScopeID)
	if req.After != "" {
		q.Set("after", req.After)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	u := s.baseURL + "/v1/" + url.PathEscape(req.Collection) + "?" + q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperr.Unknown(op, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	appLog.Debug("remote page fetch", "collection", req.Collection, "scope", req.ScopeID, "after", req.After, "url", appLog.RedactURL(u))

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Network(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Network(op, err)
	}

	if err := StatusError(op, resp.StatusCode, body); err != nil {
		return nil, err
	}

	var page pageResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, apperr.Database(op, fmt.Errorf("decode page: %w", err))
	}
	return page.Documents, nil
}

// StatusError maps a non-2xx HTTP status to an apperr kind. It returns nil
// for 2xx.
func StatusError(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case status == http.StatusUnauthorized:
		return apperr.Auth(op, msg)
	case status == http.StatusForbidden:
		return apperr.Permission(op, msg)
	case status == http.StatusTooManyRequests:
		return apperr.RateLimited(op, errors.New(msg))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return apperr.Validation(op, map[string]string{"request": msg})
	case status >= 500:
		return apperr.Network(op, fmt.Errorf("http %d: %s", status, msg))
	default:
		return apperr.Unknown(op, fmt.Errorf("http %d: %s", status, msg))
	}
}
