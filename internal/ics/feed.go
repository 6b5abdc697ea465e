package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"lovecal/internal/apperr"
	"lovecal/internal/clock"
	"lovecal/internal/config"
	appLog "lovecal/internal/log"
	"lovecal/internal/model"
	"lovecal/internal/remote"
)

// Feed is an external ICS subscription shown next to the couple's dates,
// e.g. public holidays or a shift plan.
type Feed struct {
	ID  string
	URL string
}

// FeedResult is the outcome of fetching one feed.
type FeedResult struct {
	Feed   Feed
	Events []model.CalendarEvent
	// Stale is true when the body came from the disk cache because the
	// server answered 304 or could not be reached.
	Stale bool
}

type feedMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FeedFetcher downloads ICS feeds with conditional requests and keeps the
// last good body on disk, so a feed outage keeps serving the previous copy.
type FeedFetcher struct {
	client   *http.Client
	cacheDir string
	clock    clock.Clock
}

// NewFeedFetcher creates a fetcher caching under cacheDir, one
// subdirectory per feed URL.
func NewFeedFetcher(cacheDir string, timeout time.Duration, clk clock.Clock) *FeedFetcher {
	if cacheDir == "" {
		cacheDir = "./var/feed-cache"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &FeedFetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
		clock:    clk,
	}
}

// FetchAll fetches every feed. Feeds that fail without a cached copy are
// logged, left out of the results and reported in the error slice.
func (f *FeedFetcher) FetchAll(ctx context.Context, feeds []Feed) ([]FeedResult, []error) {
	results := make([]FeedResult, 0, len(feeds))
	var errs []error

	for _, feed := range feeds {
		res, err := f.Fetch(ctx, feed)
		if err != nil {
			errs = append(errs, err)
			appLog.Error("feed fetch failed", err, "feed", feed.ID, "url", appLog.RedactURL(feed.URL))
			continue
		}
		results = append(results, res)
	}
	return results, errs
}

// Fetch downloads and parses one feed, honoring ETag and Last-Modified.
func (f *FeedFetcher) Fetch(ctx context.Context, feed Feed) (FeedResult, error) {
	const op = "fetch feed"
	if feed.URL == "" {
		return FeedResult{}, apperr.Validation(op, map[string]string{"url": "is required"})
	}

	dir := f.cacheDirFor(feed.URL)
	meta, _ := f.loadMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return FeedResult{}, apperr.Validation(op, map[string]string{"url": err.Error()})
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cached) > 0 {
			appLog.Error("feed unreachable, using cached body", err, "feed", feed.ID)
			return f.result(feed, cached, true)
		}
		return FeedResult{}, apperr.Network(op, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FeedResult{}, apperr.Network(op, err)
		}
		res, err := f.result(feed, body, false)
		if err != nil {
			// Keep the last good copy rather than caching a broken body.
			if len(cached) > 0 {
				appLog.Error("feed body unreadable, using cached body", err, "feed", feed.ID)
				return f.result(feed, cached, true)
			}
			return FeedResult{}, err
		}
		newMeta := feedMeta{
			URL:          feed.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			UpdatedAt:    f.clock.Now().UTC(),
		}
		if err := f.save(dir, newMeta, body); err != nil {
			appLog.Error("feed cache save failed", err, "feed", feed.ID)
		}
		appLog.Debug("feed fetched", "feed", feed.ID, "events", len(res.Events))
		return res, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return FeedResult{}, apperr.Database(op, errors.New("304 Not Modified without a cached body"))
		}
		return f.result(feed, cached, true)

	default:
		if len(cached) > 0 {
			appLog.Warn("feed answered non-OK, using cached body", "feed", feed.ID, "status", resp.StatusCode)
			return f.result(feed, cached, true)
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return FeedResult{}, remote.StatusError(op, resp.StatusCode, msg)
	}
}

func (f *FeedFetcher) result(feed Feed, body []byte, stale bool) (FeedResult, error) {
	events, err := Parse(body)
	if err != nil {
		return FeedResult{}, apperr.Database("parse feed "+feed.ID, err)
	}
	return FeedResult{Feed: feed, Events: events, Stale: stale}, nil
}

func (f *FeedFetcher) cacheDirFor(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *FeedFetcher) loadMeta(dir string) (feedMeta, error) {
	var meta feedMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return feedMeta{}, err
	}
	return meta, nil
}

func (f *FeedFetcher) save(dir string, meta feedMeta, body []byte) error {
	// Body first so meta never points at a missing body.
	if err := config.WriteFileAtomic(filepath.Join(dir, "body.ics"), body); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(filepath.Join(dir, "meta.json"), data)
}

// DatesFromFeed turns feed events into read-only dates for expansion. Ids
// are namespaced by feed so they never collide with planned dates.
func DatesFromFeed(res FeedResult) []model.Date {
	out := make([]model.Date, 0, len(res.Events))
	for _, ev := range res.Events {
		out = append(out, model.Date{
			ID:          "feed:" + res.Feed.ID + ":" + ev.ID,
			Title:       ev.Summary,
			Description: ev.Description,
			Location:    ev.Location,
			Start:       ev.Start,
			End:         ev.End,
			AllDay:      ev.AllDay,
			Recurrence:  ev.RRule,
		})
	}
	return out
}
