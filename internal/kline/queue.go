package kline

import (
	"context"
	"sync"

	"ngefeed/internal/model"

	"github.com/gammazero/deque"
)

// commandQueue is an unbounded FIFO with a single consumer. Producers never
// block; the consumer waits on signal when the queue is empty.
type commandQueue struct {
	mu     sync.Mutex
	items  deque.Deque[model.Command]
	signal chan struct{}
	closed bool
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		items:  deque.Deque[model.Command]{},
		signal: make(chan struct{}, 1),
	}
}

// push appends cmd. It reports false once the queue is closed.
func (q *commandQueue) push(cmd model.Command) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items.PushBack(cmd)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until a command is available, ctx ends or the queue is closed.
func (q *commandQueue) pop(ctx context.Context) (model.Command, bool) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			cmd := q.items.PopFront()
			q.mu.Unlock()
			return cmd, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return model.Command{}, false
		}

		select {
		case <-ctx.Done():
			return model.Command{}, false
		case <-q.signal:
		}
	}
}

// close stops accepting commands and drops what is still queued.
func (q *commandQueue) close() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	q.closed = true
	dropped := q.items.Len()
	q.items.Clear()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return dropped
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
