package feed

import (
	"context"
	"errors"
	"sync"
)

// MemoryFeed is an in-process change feed used for single-node deployments
// and tests. Semantics match the redis feed: buffered delivery, events
// dropped when a consumer lags.
type MemoryFeed struct {
	mu     sync.Mutex
	subs   map[string]map[*memoryHandle]SubscribeOptions
	closed bool
}

// NewMemoryFeed creates an empty in-process feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[string]map[*memoryHandle]SubscribeOptions)}
}

// Publish fans the event out to matching subscribers of its table.
func (f *MemoryFeed) Publish(_ context.Context, event *Event) error {
	if event == nil {
		return errors.New("event required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("feed closed")
	}
	for h, opts := range f.subs[event.Table] {
		if !opts.matches(event) {
			continue
		}
		select {
		case h.events <- event:
		default:
		}
	}
	return nil
}

// Subscribe registers a new handle for the table.
func (f *MemoryFeed) Subscribe(table string, opts SubscribeOptions) (Handle, error) {
	if table == "" {
		return nil, errors.New("table required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errors.New("feed closed")
	}
	h := &memoryHandle{feed: f, table: table, events: make(chan *Event, handleBuffer)}
	if f.subs[table] == nil {
		f.subs[table] = make(map[*memoryHandle]SubscribeOptions)
	}
	f.subs[table][h] = opts
	return h, nil
}

// Close releases all handles.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	f.closed = true
	var handles []*memoryHandle
	for _, set := range f.subs {
		for h := range set {
			handles = append(handles, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	return nil
}

type memoryHandle struct {
	feed   *MemoryFeed
	table  string
	events chan *Event

	closeOnce sync.Once
}

func (h *memoryHandle) Events() <-chan *Event {
	return h.events
}

func (h *memoryHandle) Close() error {
	h.closeOnce.Do(func() {
		h.feed.mu.Lock()
		delete(h.feed.subs[h.table], h)
		h.feed.mu.Unlock()
		close(h.events)
	})
	return nil
}
