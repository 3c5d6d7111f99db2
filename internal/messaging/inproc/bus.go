package inproc

import (
	"errors"
	"sync"
	"sync/atomic"

	"taskswarm/internal/domain"
)

var ErrSubscriberExists = errors.New("subscriber already registered in bus")

// Bus fans run events out to every registered subscriber and keeps the most
// recent ones for late readers. Publishing never blocks: a subscriber whose
// queue is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Event
	buffer int

	histMu  sync.Mutex
	history []domain.Event
	keep    int

	dropped atomic.Int64
}

func New(buffer, keep int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	if keep <= 0 {
		keep = 500
	}
	return &Bus{
		subs:   make(map[string]chan domain.Event),
		buffer: buffer,
		keep:   keep,
	}
}

func (b *Bus) Register(subscriberID string) (<-chan domain.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[subscriberID]; ok {
		return nil, ErrSubscriberExists
	}
	ch := make(chan domain.Event, b.buffer)
	b.subs[subscriberID] = ch
	return ch, nil
}

func (b *Bus) Unregister(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	close(ch)
}

func (b *Bus) Publish(evt domain.Event) {
	b.histMu.Lock()
	b.history = append(b.history, evt)
	if over := len(b.history) - b.keep; over > 0 {
		b.history = append([]domain.Event(nil), b.history[over:]...)
	}
	b.histMu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Recent returns up to limit of the latest events, oldest first. A
// non-positive limit returns everything kept.
func (b *Bus) Recent(limit int) []domain.Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	start := 0
	if limit > 0 && len(b.history) > limit {
		start = len(b.history) - limit
	}
	return append([]domain.Event(nil), b.history[start:]...)
}

func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
