package syncer

import (
	"sync"
	"time"
)

// Phase is the coarse sync progress shown to observers.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseSuccess Phase = "success"
	PhaseError   Phase = "error"
)

// State is informational only; it never gates correctness.
type State struct {
	Phase  Phase      `json:"phase"`
	Type   EntityType `json:"type,omitempty"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

// Signal holds the latest State and fans it out to subscribers. Slow
// subscribers only ever see the most recent state.
type Signal struct {
	mu      sync.Mutex
	current State
	subs    map[int]chan State
	nextID  int
}

func NewSignal() *Signal {
	return &Signal{
		current: State{Phase: PhaseIdle},
		subs:    make(map[int]chan State),
	}
}

// Current returns the latest state.
func (s *Signal) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe returns a channel primed with the current state and a function
// that unsubscribes and closes it.
func (s *Signal) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan State, 1)
	ch <- s.current
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Signal) set(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = st
	for _, ch := range s.subs {
		// Drop the stale value, keep the newest.
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
