package remote

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"lovecal/internal/apperr"
	appLog "lovecal/internal/log"
)

// Snapshot is one pushed state of a watched document.
type Snapshot struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	// Deleted is set when the document was removed.
	Deleted bool `json:"deleted,omitempty"`
}

// Listener opens real-time subscriptions on single documents.
type Listener interface {
	Listen(ctx context.Context, collection, id string) (*Subscription, error)
}

// Subscription delivers snapshots on C until Close is called or the
// context passed to Listen is done. C is closed afterwards.
type Subscription struct {
	C <-chan Snapshot

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops the subscription and waits for its goroutine to exit. It is
// safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Channel returns the pub/sub channel name of a document.
func Channel(collection, id string) string {
	return "doc:" + collection + ":" + id
}

// RedisListener implements Listener over Redis pub/sub.
type RedisListener struct {
	client redis.UniversalClient
}

func NewRedisListener(client redis.UniversalClient) *RedisListener {
	return &RedisListener{client: client}
}

func (l *RedisListener) Listen(ctx context.Context, collection, id string) (*Subscription, error) {
	channel := Channel(collection, id)
	ps := l.client.Subscribe(ctx, channel)

	// Wait for the subscription confirmation so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, apperr.Network("listen "+channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan Snapshot, 16)
	sub := &Subscription{C: out, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var snap Snapshot
				if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
					appLog.Error("snapshot decode failed", err, "channel", channel)
					continue
				}
				select {
				case out <- snap:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	appLog.Debug("listening for snapshots", "channel", channel)
	return sub, nil
}

// Publish pushes a snapshot to listeners of its document.
func Publish(ctx context.Context, client redis.UniversalClient, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return apperr.Unknown("publish", err)
	}
	if err := client.Publish(ctx, Channel(snap.Collection, snap.ID), data).Err(); err != nil {
		return apperr.Network("publish", err)
	}
	return nil
}
