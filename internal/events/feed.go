package events

import (
	"context"
	"sync"
)

// Feed fans events out to all active subscribers (SSE clients).
type Feed struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	buffer int
}

// NewFeed initialises an empty feed. buffer bounds how many events a slow
// subscriber may lag behind before events are dropped for it.
func NewFeed(buffer int) *Feed {
	if buffer <= 0 {
		buffer = 16
	}
	return &Feed{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (f *Feed) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, f.buffer)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		close(ch)
		f.mu.Unlock()
	}()

	return ch
}

// Subscribers reports the number of active subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Publish fans the event out to all subscribers. It never blocks.
func (f *Feed) Publish(_ context.Context, evt Event) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
			// slow subscriber
		}
	}
	return nil
}
