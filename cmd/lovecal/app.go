package main

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"lovecal/internal/apperr"
	"lovecal/internal/calendar"
	"lovecal/internal/clock"
	"lovecal/internal/config"
	"lovecal/internal/couple"
	"lovecal/internal/ics"
	appLog "lovecal/internal/log"
	"lovecal/internal/model"
	"lovecal/internal/ratelimit"
	"lovecal/internal/remote"
	"lovecal/internal/store"
	"lovecal/internal/suggest"
	"lovecal/internal/syncer"
)

// app holds the wired components shared by the scheduler and the API.
type app struct {
	clock    clock.Clock
	loc      *time.Location
	redis    *redis.Client
	listener remote.Listener

	sync     *syncer.Coordinator
	couples  *couple.Service
	calendar *calendar.Client
	suggest  *suggest.Service
	feeds    *ics.FeedFetcher
}

// offlineSource stands in for the document store when no remote is
// configured. Every sync degrades to the local mirror.
type offlineSource struct{}

func (offlineSource) Page(context.Context, remote.PageRequest) ([]model.Record, error) {
	return nil, apperr.Network("remote page", errors.New("no remote document store configured"))
}

func newApp(conf *config.Config) (*app, error) {
	a := &app{clock: clock.Real{}, loc: time.Local}
	if loc, err := time.LoadLocation(conf.Timezone); err == nil {
		a.loc = loc
	} else {
		appLog.Error("failed to load timezone; falling back to local", err, "name", conf.Timezone)
	}

	var (
		settings store.Settings
		mirror   store.Mirror
		repo     couple.Repository
	)
	if conf.Redis.Addr != "" {
		client, err := store.NewRedisClient(conf.Redis)
		if err != nil {
			return nil, err
		}
		prefix := conf.Redis.KeyPrefix
		a.redis = client
		a.listener = remote.NewRedisListener(client)
		settings = store.NewRedisSettings(client, prefix)
		mirror = store.NewRedisMirror(client, prefix)
		repo = couple.NewRedisRepository(client, prefix)
	} else {
		appLog.Warn("redis not configured, state is kept in memory only")
		settings = store.NewMemorySettings()
		mirror = store.NewMemoryMirror()
		repo = couple.NewMemoryRepository()
	}

	var source remote.Source = offlineSource{}
	if conf.Remote.BaseURL != "" {
		source = remote.NewHTTPSource(conf.Remote.BaseURL, conf.Remote.Token, conf.Remote.Timeout)
	} else {
		appLog.Warn("remote document store not configured, serving the local mirror")
	}
	a.sync = syncer.New(source, mirror, syncer.NewRecordStore(settings), a.clock,
		syncer.WithInterval(conf.Sync.Interval),
		syncer.WithPageSize(conf.Remote.PageSize),
		syncer.WithSingleFlight(conf.Sync.SingleFlight),
		syncer.WithFetchTimeout(conf.Sync.Interval),
	)

	a.couples = couple.NewService(
		repo,
		a.listener,
		couple.NewCache(settings, conf.Cache.CoupleTTL, a.clock),
		couple.NewCalendarIDCache(settings, conf.Cache.CalendarIDTTL, a.clock),
		couple.NewBudgetCache(conf.Cache.BudgetTTL, a.clock),
		a.clock,
	)

	var provider calendar.Provider
	switch conf.Calendar.Provider {
	case "http":
		provider = calendar.NewHTTPProvider(conf.Calendar.BaseURL, conf.Calendar.Token, conf.Remote.Timeout)
	default:
		provider = calendar.NewICSProvider(conf.Calendar.ICSPath, a.clock)
	}
	a.calendar = calendar.NewClient(provider, ratelimit.New(a.clock), conf.Calendar.CalendarID,
		calendar.WithChunkSize(conf.Calendar.ChunkSize),
		calendar.WithPolicy(calendar.ParsePolicy(conf.Calendar.BatchPolicy)),
		calendar.WithCallsPerMinute(conf.Calendar.CallsPerMin),
	)

	a.feeds = ics.NewFeedFetcher(conf.Calendar.FeedCacheDir, conf.Remote.Timeout, a.clock)

	var gen suggest.Generator
	if conf.Generator.Endpoint != "" {
		gen = suggest.NewHTTPGenerator(conf.Generator.Endpoint, conf.Generator.APIKey, conf.Generator.Model, conf.Generator.Timeout)
	}
	a.suggest = suggest.NewService(gen, suggest.Language(conf.Generator.Language), a.clock)

	return a, nil
}

// refresh runs a full sync for every scope, re-primes the couple caches and
// warms the feed cache. Remote failures only show up in the sync state; the
// returned error covers cancellation and invalid scopes.
func (a *app) refresh(ctx context.Context, scopes []string, feeds []config.FeedConfig) error {
	if len(feeds) > 0 {
		list := make([]ics.Feed, len(feeds))
		for i, fc := range feeds {
			list[i] = ics.Feed{ID: fc.ID, URL: fc.URL}
		}
		res, errs := a.feeds.FetchAll(ctx, list)
		appLog.Info("feeds refreshed", "ok", len(res), "failed", len(errs))
	}
	if len(scopes) == 0 {
		appLog.Debug("refresh skipped, no scopes configured")
		return nil
	}
	var errs []error
	for _, scope := range scopes {
		if _, err := a.sync.SyncAll(ctx, scope); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if _, err := a.couples.CalendarID(ctx, scope); err != nil && !errors.Is(err, couple.ErrNotFound) {
			appLog.Error("calendar id refresh failed", err, "couple", scope)
		}
	}
	st := a.sync.State()
	appLog.Info("refresh done", "scopes", len(scopes), "phase", st.Phase, "reason", st.Reason)
	return errors.Join(errs...)
}

func (a *app) logSyncState(ctx context.Context) {
	ch, unsubscribe := a.sync.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-ch:
			if st.Phase == syncer.PhaseError {
				appLog.Warn("sync state", "phase", st.Phase, "type", st.Type, "reason", st.Reason)
			} else {
				appLog.Debug("sync state", "phase", st.Phase, "type", st.Type)
			}
		}
	}
}

// watchCouples follows pushed couple changes so the caches never serve a
// stale record for longer than one round trip.
func (a *app) watchCouples(ctx context.Context, scopes []string) {
	if a.listener == nil {
		return
	}
	for _, id := range scopes {
		updates, stop, err := a.couples.Watch(ctx, id)
		if err != nil {
			appLog.Error("couple watch failed", err, "couple", id)
			continue
		}
		go func() {
			defer stop()
			for c := range updates {
				appLog.Info("couple updated", "couple", c.ID, "complete", c.IsComplete())
			}
		}()
	}
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			appLog.Error("redis close failed", err)
		}
	}
}
