// Package notify carries fire-and-forget refresh signals from the sync
// engine to whoever renders task lists.
package notify

import "sync"

// Event is one refresh signal.
type Event int

const (
	// EventRefresh means task contents changed.
	EventRefresh Event = iota
	// EventRefreshList means the set of calendars changed.
	EventRefreshList
)

// Broadcaster fans events out to subscribers. Delivery is best-effort: a
// subscriber that is not draining its channel misses events instead of
// blocking the sync pass.
type Broadcaster struct {
	mu   sync.Mutex
	subs []chan Event
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe returns a buffered channel of events. Subscriptions last for the
// lifetime of the broadcaster.
func (b *Broadcaster) Subscribe() <-chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) Refresh()     { b.broadcast(EventRefresh) }
func (b *Broadcaster) RefreshList() { b.broadcast(EventRefreshList) }

func (b *Broadcaster) broadcast(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) Refresh()     {}
func (Nop) RefreshList() {}
