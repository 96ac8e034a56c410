package storage

import (
	"sync"
	"time"

	"github.com/gobbyhq/gobby/pkg/logger"
)

var changeLog = logger.New("storage:change")

// ChangeEvent describes one committed mutation on the project database.
// Listeners use these to schedule debounced JSONL export and to mark search
// indices dirty.
type ChangeEvent struct {
	Entity string // "task", "session", "workflow_state", "memory", ...
	Op     string // "create", "update", "delete"
	ID     string
	At     time.Time
}

// ChangeBus fans change events out to subscribers over bounded channels.
// A full channel drops the oldest event with a warning so a slow subscriber
// can never stall a write path.
type ChangeBus struct {
	mu   sync.Mutex
	subs map[string]chan ChangeEvent
}

// NewChangeBus creates an empty bus.
func NewChangeBus() *ChangeBus {
	return &ChangeBus{subs: map[string]chan ChangeEvent{}}
}

// Subscribe registers a named subscriber with the given buffer size and
// returns its receive channel. Re-subscribing under the same name replaces
// the previous subscription.
func (b *ChangeBus) Subscribe(name string, buffer int) <-chan ChangeEvent {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.subs[name]; ok {
		close(old)
	}
	ch := make(chan ChangeEvent, buffer)
	b.subs[name] = ch
	return ch
}

// Unsubscribe removes and closes a subscription.
func (b *ChangeBus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[name]; ok {
		close(ch)
		delete(b.subs, name)
	}
}

// Publish delivers ev to every subscriber without blocking. When a
// subscriber's channel is full the oldest buffered event is dropped.
func (b *ChangeBus) Publish(ev ChangeEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			select {
			case dropped := <-ch:
				changeLog.Printf("warn: subscriber %s full, dropped %s/%s %s", name, dropped.Entity, dropped.Op, dropped.ID)
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// Close shuts down every subscription.
func (b *ChangeBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, ch := range b.subs {
		close(ch)
		delete(b.subs, name)
	}
}
