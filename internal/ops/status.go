package ops

import "sync"

// StatusQueue collects short user-visible status messages: connection
// problems, rejected relays, progress notes. The UI drains it; if nothing
// drains it, old messages fall off the front.
type StatusQueue struct {
	mu       sync.Mutex
	messages []string
	max      int
}

// NewStatusQueue returns a queue that retains at most max messages.
func NewStatusQueue(max int) *StatusQueue {
	if max <= 0 {
		max = 64
	}
	return &StatusQueue{max: max}
}

// Write appends a message, discarding the oldest if the queue is full.
func (q *StatusQueue) Write(msg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	if len(q.messages) > q.max {
		q.messages = q.messages[len(q.messages)-q.max:]
	}
}

// Drain returns all pending messages and empties the queue.
func (q *StatusQueue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.messages
	q.messages = nil
	return out
}

// Len reports the number of pending messages.
func (q *StatusQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}
