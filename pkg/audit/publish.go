package audit

import (
	"context"
	"log/slog"
	"sync"
)

// Bus is an in-process append-only fan-out of committed events. Slow
// subscribers drop events rather than block the commit path.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
	log  *slog.Logger
}

func NewBus() *Bus {
	return &Bus{log: slog.Default().With("component", "audit.bus")}
}

// Subscribe returns a buffered stream of committed events.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish implements Sink.
func (b *Bus) Publish(_ context.Context, ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- *ev:
		default:
			b.log.Warn("dropping audit event for slow subscriber", "eventId", ev.EventID)
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
