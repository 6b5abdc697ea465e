// Package syncer keeps the local mirror of remote entities fresh. A sync for
// an entity type is skipped while its last successful fetch is younger than
// the interval; remote failures degrade to whatever the mirror holds.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"lovecal/internal/apperr"
	"lovecal/internal/clock"
	appLog "lovecal/internal/log"
	"lovecal/internal/model"
	"lovecal/internal/remote"
	"lovecal/internal/store"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultPageSize = 500
	// DefaultFetchTimeout bounds a fetch shared by concurrent callers.
	DefaultFetchTimeout = 2 * time.Minute
)

var errFlightTimeout = errors.New("shared sync timed out")

// Coordinator decides per entity type whether to hit the remote source or
// serve the mirror.
type Coordinator struct {
	source  remote.Source
	mirror  store.Mirror
	records *RecordStore
	clock   clock.Clock

	interval     time.Duration
	fetchTimeout time.Duration
	pageSize     int
	singleFlight bool
	decoders     map[EntityType]Decoder

	group  singleflight.Group
	signal *Signal
}

type Option func(*Coordinator)

func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithFetchTimeout bounds a shared fetch, which outlives the caller that
// started it.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

func WithPageSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithSingleFlight toggles sharing of one remote fetch between concurrent
// syncs of the same entity type and scope.
func WithSingleFlight(on bool) Option {
	return func(c *Coordinator) { c.singleFlight = on }
}

// WithDecoder overrides the decoder of one entity type.
func WithDecoder(t EntityType, d Decoder) Option {
	return func(c *Coordinator) { c.decoders[t] = d }
}

func New(source remote.Source, mirror store.Mirror, records *RecordStore, clk clock.Clock, opts ...Option) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Coordinator{
		source:       source,
		mirror:       mirror,
		records:      records,
		clock:        clk,
		interval:     DefaultInterval,
		fetchTimeout: DefaultFetchTimeout,
		pageSize:     DefaultPageSize,
		singleFlight: true,
		decoders:     DefaultDecoders(),
		signal:       NewSignal(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Interval returns the freshness window.
func (c *Coordinator) Interval() time.Duration { return c.interval }

// State returns the latest sync state.
func (c *Coordinator) State() State { return c.signal.Current() }

// Subscribe observes sync state changes.
func (c *Coordinator) Subscribe() (<-chan State, func()) { return c.signal.Subscribe() }

// outcome is one sync result. fetchErr is set when the remote fetch failed
// and the entities came from the mirror instead.
type outcome struct {
	entities []model.Entity
	fetchErr error
	fetched  bool
}

// Sync returns the entities of one type for a scope. The error is non-nil
// only for invalid input or a cancelled context.
func (c *Coordinator) Sync(ctx context.Context, t EntityType, scopeID string) ([]model.Entity, error) {
	out, err := c.run(ctx, t, scopeID)
	if err != nil {
		return nil, err
	}
	switch {
	case out.fetchErr != nil:
		c.signal.set(State{Phase: PhaseError, Type: t, Reason: out.fetchErr.Error(), At: c.clock.Now()})
	case out.fetched:
		c.signal.set(State{Phase: PhaseSuccess, Type: t, At: c.clock.Now()})
	}
	return out.entities, nil
}

// SyncAll syncs every entity type concurrently and reports one state once
// all of them have converged.
func (c *Coordinator) SyncAll(ctx context.Context, scopeID string) (map[EntityType][]model.Entity, error) {
	c.signal.set(State{Phase: PhaseSyncing, At: c.clock.Now()})

	var (
		mu       sync.Mutex
		result   = make(map[EntityType][]model.Entity, len(AllTypes))
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range AllTypes {
		g.Go(func() error {
			out, err := c.run(gctx, t, scopeID)
			if err != nil {
				return err
			}
			mu.Lock()
			result[t] = out.entities
			if out.fetchErr != nil && firstErr == nil {
				firstErr = out.fetchErr
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.signal.set(State{Phase: PhaseError, Reason: err.Error(), At: c.clock.Now()})
		return nil, err
	}

	if firstErr != nil {
		c.signal.set(State{Phase: PhaseError, Reason: firstErr.Error(), At: c.clock.Now()})
	} else {
		c.signal.set(State{Phase: PhaseSuccess, At: c.clock.Now()})
	}
	return result, nil
}

// ClearCache forgets every sync record and empties the mirror, so the next
// sync of each type goes to the remote source.
func (c *Coordinator) ClearCache(ctx context.Context) error {
	if err := c.records.RemoveAll(ctx); err != nil {
		return apperr.Database("clear sync records", err)
	}
	for _, t := range AllTypes {
		if err := c.mirror.Clear(ctx, string(t)); err != nil {
			return apperr.Database("clear mirror "+string(t), err)
		}
	}
	appLog.Info("sync cache cleared")
	return nil
}

func (c *Coordinator) run(ctx context.Context, t EntityType, scopeID string) (outcome, error) {
	if err := t.valid(); err != nil {
		return outcome{}, apperr.Validation("sync", map[string]string{"type": err.Error()})
	}
	if scopeID == "" {
		return outcome{}, apperr.Validation("sync", map[string]string{"scope": "is required"})
	}
	if !c.singleFlight {
		return c.syncOnce(ctx, t, scopeID)
	}

	// The flight runs detached so one caller leaving does not fail the
	// others; each caller still honors its own ctx.
	ch := c.group.DoChan(string(t)+"\x00"+scopeID, func() (any, error) {
		fctx, cancel := context.WithTimeoutCause(context.WithoutCancel(ctx), c.fetchTimeout, errFlightTimeout)
		defer cancel()
		return c.syncOnce(fctx, t, scopeID)
	})
	select {
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			appLog.Debug("sync shared with concurrent caller", "type", t, "scope", scopeID)
		}
		if res.Err != nil {
			return outcome{}, res.Err
		}
		return res.Val.(outcome), nil
	}
}

func (c *Coordinator) syncOnce(ctx context.Context, t EntityType, scopeID string) (outcome, error) {
	now := c.clock.Now()

	key := EntityKey(t, scopeID)
	rec, ok, err := c.records.Get(ctx, key)
	if err != nil {
		appLog.Warn("sync record unreadable, fetching", "type", t, "err", err.Error())
	}
	if ok && now.Sub(rec.LastSyncTime) <= c.interval {
		appLog.Debug("serving mirror", "type", t, "scope", scopeID, "age", now.Sub(rec.LastSyncTime).String())
		return outcome{entities: c.fromMirror(ctx, t, scopeID)}, nil
	}

	c.signal.set(State{Phase: PhaseSyncing, Type: t, At: now})

	recs, err := c.fetchAll(ctx, t, scopeID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if !errors.Is(context.Cause(ctx), errFlightTimeout) {
				return outcome{}, ctxErr
			}
			err = apperr.Network("sync "+string(t), errFlightTimeout)
		}
		appLog.Error("remote fetch failed, serving mirror", err, "type", t, "scope", scopeID)
		return outcome{entities: c.fromMirror(context.WithoutCancel(ctx), t, scopeID), fetchErr: err}, nil
	}

	entities, kept := c.decodeAll(t, scopeID, recs)
	if err := c.mirror.Upsert(ctx, string(t), scopeID, kept); err != nil {
		// The fetched set is still good; only the stamp is withheld so the
		// next call retries the write.
		appLog.Error("mirror upsert failed", err, "type", t, "scope", scopeID)
		return outcome{entities: entities, fetchErr: apperr.Database("mirror upsert", err)}, nil
	}
	if err := c.records.Stamp(ctx, key, now); err != nil {
		appLog.Error("sync stamp failed", err, "type", t)
	}

	appLog.Info("synced", "type", t, "scope", scopeID, "count", len(entities))
	return outcome{entities: entities, fetched: true}, nil
}

// fetchAll pages through the remote collection, anchoring each page on the
// last id of the previous one, until a short page arrives.
func (c *Coordinator) fetchAll(ctx context.Context, t EntityType, scopeID string) ([]model.Record, error) {
	var (
		all   []model.Record
		after string
	)
	for {
		page, err := c.source.Page(ctx, remote.PageRequest{
			Collection: string(t),
			ScopeID:    scopeID,
			After:      after,
			Limit:      c.pageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < c.pageSize {
			return all, nil
		}
		last := page[len(page)-1].ID
		if last == "" || last == after {
			return nil, apperr.Database("page "+string(t), errors.New("cursor did not advance"))
		}
		after = last
	}
}

func (c *Coordinator) decodeAll(t EntityType, scopeID string, recs []model.Record) ([]model.Entity, []model.Record) {
	decode := c.decoders[t]
	entities := make([]model.Entity, 0, len(recs))
	kept := make([]model.Record, 0, len(recs))
	for _, r := range recs {
		if r.ID == "" {
			appLog.Warn("skipping record without id", "type", t, "scope", scopeID)
			continue
		}
		e, err := decode(r, scopeID)
		if err != nil {
			appLog.Error("skipping undecodable record", err, "type", t, "id", r.ID)
			continue
		}
		entities = append(entities, e)
		kept = append(kept, r)
	}
	return entities, kept
}

func (c *Coordinator) fromMirror(ctx context.Context, t EntityType, scopeID string) []model.Entity {
	recs, err := c.mirror.List(ctx, string(t), scopeID)
	if err != nil {
		appLog.Error("mirror read failed", err, "type", t, "scope", scopeID)
		return []model.Entity{}
	}
	entities, _ := c.decodeAll(t, scopeID, recs)
	return entities
}
