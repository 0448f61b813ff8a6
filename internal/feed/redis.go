package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"moplaychat/internal/redis"
)

const channelPrefix = "feed:"

const handleBuffer = 64

// RedisFeed carries change events over redis pub/sub, one channel per table.
type RedisFeed struct {
	client *redis.Client
	log    zerolog.Logger

	mu      sync.Mutex
	handles map[*redisHandle]struct{}
	closed  bool
}

// NewRedisFeed wraps the shared redis client as a change feed.
func NewRedisFeed(client *redis.Client, log zerolog.Logger) (*RedisFeed, error) {
	if client == nil || client.Raw() == nil {
		return nil, errors.New("redis client required")
	}
	return &RedisFeed{
		client:  client,
		log:     log,
		handles: make(map[*redisHandle]struct{}),
	}, nil
}

// Publish broadcasts the event on the table's channel.
func (f *RedisFeed) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return errors.New("event required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return f.client.Raw().Publish(ctx, channelPrefix+event.Table, payload).Err()
}

// Subscribe opens a new pub/sub connection scoped to one table.
func (f *RedisFeed) Subscribe(table string, opts SubscribeOptions) (Handle, error) {
	if table == "" {
		return nil, errors.New("table required")
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.New("feed closed")
	}
	pubsub := f.client.Raw().Subscribe(context.Background(), channelPrefix+table)
	h := &redisHandle{
		feed:   f,
		pubsub: pubsub,
		events: make(chan *Event, handleBuffer),
	}
	f.handles[h] = struct{}{}
	f.mu.Unlock()

	go h.pump(opts)
	return h, nil
}

// Close tears down every open handle. The shared redis client is left open
// for its other users.
func (f *RedisFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	handles := make([]*redisHandle, 0, len(f.handles))
	for h := range f.handles {
		handles = append(handles, h)
	}
	f.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	return nil
}

func (f *RedisFeed) drop(h *redisHandle) {
	f.mu.Lock()
	delete(f.handles, h)
	f.mu.Unlock()
}

type redisHandle struct {
	feed   *RedisFeed
	pubsub *goredis.PubSub
	events chan *Event

	closeOnce sync.Once
}

func (h *redisHandle) Events() <-chan *Event {
	return h.events
}

func (h *redisHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.pubsub.Close()
		h.feed.drop(h)
	})
	return err
}

func (h *redisHandle) pump(opts SubscribeOptions) {
	defer close(h.events)
	for msg := range h.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			h.feed.log.Warn().Err(err).Msg("feed event decode failed")
			continue
		}
		if !opts.matches(&event) {
			continue
		}
		select {
		case h.events <- &event:
		default:
			// Slow consumer: drop rather than block. Consumers re-read
			// full state on their own cadence.
			h.feed.log.Debug().Str("table", event.Table).Msg("feed event dropped")
		}
	}
}
