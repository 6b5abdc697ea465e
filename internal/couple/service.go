// Package couple manages the pairing of two users and the small per-couple
// caches (couple record, shared calendar id, budget).
package couple

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"

	"lovecal/internal/apperr"
	"lovecal/internal/clock"
	appLog "lovecal/internal/log"
	"lovecal/internal/model"
	"lovecal/internal/remote"
)

// Service reads couples through the cache and writes them through the
// repository. Write failures always propagate.
type Service struct {
	repo     Repository
	listener remote.Listener
	cache    *Cache
	calIDs   *CalendarIDCache
	budget   *BudgetCache
	clock    clock.Clock
}

func NewService(repo Repository, listener remote.Listener, cache *Cache, calIDs *CalendarIDCache, budget *BudgetCache, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		repo:     repo,
		listener: listener,
		cache:    cache,
		calIDs:   calIDs,
		budget:   budget,
		clock:    clk,
	}
}

// Budget exposes the budget cache.
func (s *Service) Budget() *BudgetCache { return s.budget }

func newInviteCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// Create starts a couple with userID as the first partner.
func (s *Service) Create(ctx context.Context, userID string) (model.Couple, error) {
	if strings.TrimSpace(userID) == "" {
		return model.Couple{}, apperr.Validation("create couple", map[string]string{"user_id": "is required"})
	}
	c := model.Couple{
		ID:         uuid.NewString(),
		Partner1ID: userID,
		InviteCode: newInviteCode(),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return model.Couple{}, err
	}
	s.cache.Put(ctx, c)
	appLog.Info("couple created", "couple", c.ID, "user", userID)
	return c, nil
}

// Join adds userID as the second partner of the couple owning inviteCode.
func (s *Service) Join(ctx context.Context, userID, inviteCode string) (model.Couple, error) {
	fields := map[string]string{}
	if strings.TrimSpace(userID) == "" {
		fields["user_id"] = "is required"
	}
	code := strings.ToUpper(strings.TrimSpace(inviteCode))
	if code == "" {
		fields["invite_code"] = "is required"
	}
	if len(fields) > 0 {
		return model.Couple{}, apperr.Validation("join couple", fields)
	}

	c, err := s.repo.FindByInvite(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return model.Couple{}, apperr.Validation("join couple", map[string]string{"invite_code": "is unknown"})
	}
	if err != nil {
		return model.Couple{}, err
	}
	if c.Partner1ID == userID || c.Partner2ID == userID {
		return c, nil
	}
	if c.IsComplete() {
		return model.Couple{}, apperr.Permission("join couple", "couple already has two partners")
	}

	c.Partner2ID = userID
	if err := s.repo.Update(ctx, c); err != nil {
		return model.Couple{}, err
	}
	s.cache.Put(ctx, c)
	appLog.Info("couple joined", "couple", c.ID, "user", userID)
	return c, nil
}

// Get returns the couple, preferring a fresh cache entry.
func (s *Service) Get(ctx context.Context, id string) (model.Couple, error) {
	if c, ok := s.cache.Get(ctx, id); ok {
		return c, nil
	}
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Couple{}, err
	}
	s.cache.Put(ctx, c)
	return c, nil
}

// SetBudget stores the monthly budget on the couple and refreshes the
// budget cache.
func (s *Service) SetBudget(ctx context.Context, id string, monthly float64) (model.Couple, error) {
	if monthly < 0 {
		return model.Couple{}, apperr.Validation("set budget", map[string]string{"monthly_budget": "must be >= 0"})
	}
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return model.Couple{}, err
	}
	c.Budget = monthly
	if err := s.repo.Update(ctx, c); err != nil {
		return model.Couple{}, err
	}
	s.cache.Put(ctx, c)
	s.budget.SaveMonthlyBudget(c.ID, monthly)
	return c, nil
}

// MonthlyBudget serves the cached budget, reloading it from the couple
// record once the cache has expired.
func (s *Service) MonthlyBudget(ctx context.Context, id string) (float64, error) {
	if v, ok := s.budget.MonthlyBudget(id); ok {
		return v, nil
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	s.budget.SaveMonthlyBudget(id, c.Budget)
	return c.Budget, nil
}

// SetCalendarID links the couple to its shared calendar.
func (s *Service) SetCalendarID(ctx context.Context, id, calendarID string) error {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	c.CalendarID = calendarID
	if err := s.repo.Update(ctx, c); err != nil {
		return err
	}
	s.cache.Put(ctx, c)
	return s.calIDs.Cache(ctx, id, calendarID)
}

// CalendarID returns the couple's shared calendar id, or "" if none is set.
func (s *Service) CalendarID(ctx context.Context, id string) (string, error) {
	if v, ok := s.calIDs.Get(ctx, id); ok {
		return v, nil
	}
	c, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if c.CalendarID != "" {
		if err := s.calIDs.Cache(ctx, id, c.CalendarID); err != nil {
			appLog.Error("calendar id cache write failed", err, "couple", id)
		}
	}
	return c.CalendarID, nil
}

// Watch subscribes to pushed changes of one couple. Every snapshot refreshes
// the cache and is forwarded on the returned channel, which is closed when
// stop is called or ctx is done.
func (s *Service) Watch(ctx context.Context, id string) (<-chan model.Couple, func(), error) {
	if s.listener == nil {
		return nil, nil, apperr.Unknown("watch couple", errors.New("no listener configured"))
	}
	sub, err := s.listener.Listen(ctx, Collection, id)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan model.Couple, 4)
	go func() {
		defer close(out)
		for snap := range sub.C {
			if snap.Deleted {
				s.cache.Invalidate(ctx, id)
				continue
			}
			var c model.Couple
			if err := json.Unmarshal(snap.Data, &c); err != nil {
				appLog.Error("couple snapshot decode failed", err, "couple", id)
				continue
			}
			s.cache.Put(ctx, c)
			select {
			case out <- c:
			default:
				appLog.Warn("couple watcher is slow, dropping update", "couple", id)
			}
		}
	}()
	return out, sub.Close, nil
}
