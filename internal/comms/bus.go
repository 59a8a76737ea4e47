package comms

import "sync"

// TargetAll addresses a payload to every minion.
const TargetAll = "all"

// ToMinion is a payload addressed to one minion (by relay URL) or to all.
type ToMinion struct {
	Target  string
	Payload Payload
}

// Matches reports whether a minion listening on url should act on the
// message.
func (m ToMinion) Matches(url string) bool {
	return m.Target == TargetAll || m.Target == url
}

const busBuffer = 256

// Bus is the overlord-to-minions broadcast channel. Every subscriber gets
// its own buffered channel; when a subscriber lags behind, its oldest
// pending message is dropped so the sender never blocks.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan ToMinion
	next int
}

// NewBus creates an empty broadcast bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan ToMinion)}
}

// Subscribe registers a new receiver. The returned cancel function must be
// called when the receiver exits; the channel is closed by it.
func (b *Bus) Subscribe() (<-chan ToMinion, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan ToMinion, busBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Send broadcasts a message to all subscribers without blocking. A full
// subscriber loses its oldest message.
func (b *Bus) Send(msg ToMinion) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		for {
			select {
			case ch <- msg:
			default:
				// Lagging subscriber: drop its oldest and retry.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
