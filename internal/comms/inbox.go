package comms

import (
	"context"
	"sync"
)

// Inbox is the overlord's unbounded multi-producer command queue. Producers
// never block; the single consumer drains strictly in FIFO order.
type Inbox struct {
	mu     sync.Mutex
	queue  []Command
	signal chan struct{}
	closed bool
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{signal: make(chan struct{}, 1)}
}

// Send enqueues a command. It returns false if the inbox is closed.
func (in *Inbox) Send(cmd Command) bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	in.queue = append(in.queue, cmd)
	in.mu.Unlock()

	select {
	case in.signal <- struct{}{}:
	default:
	}
	return true
}

// Recv blocks until a command is available, the inbox is closed and drained,
// or the context ends. The second return is false when no more commands will
// ever arrive.
func (in *Inbox) Recv(ctx context.Context) (Command, bool) {
	for {
		in.mu.Lock()
		if len(in.queue) > 0 {
			cmd := in.queue[0]
			in.queue = in.queue[1:]
			in.mu.Unlock()
			return cmd, true
		}
		closed := in.closed
		in.mu.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-in.signal:
		case <-ctx.Done():
			return nil, false
		}
	}
}

// TryRecv returns the next command without blocking.
func (in *Inbox) TryRecv() (Command, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return nil, false
	}
	cmd := in.queue[0]
	in.queue = in.queue[1:]
	return cmd, true
}

// Close marks the inbox closed. Pending commands remain receivable.
func (in *Inbox) Close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()

	select {
	case in.signal <- struct{}{}:
	default:
	}
}

// Len reports the number of queued commands.
func (in *Inbox) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}
