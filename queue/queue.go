// Package queue implements the bounded real-time command queue between the
// Kodi notification callback and the Home Assistant dispatcher. The queue
// favors freshness over completeness: producers drop on overflow and the
// consumer can destructively collapse it to the newest entry.
package queue

import (
	"context"
	"errors"

	"github.com/goodlucknow/kodi2home/proto"
)

const DefaultCapacity = 20

var ErrShutdown = errors.New("queue: shutdown requested")

// Queue is a bounded FIFO of pending commands. Contents are in-memory only
// and are discarded on restart or shutdown.
type Queue struct {
	ch chan proto.Command
}

// New creates a queue with the given capacity. Non-positive capacities fall
// back to DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan proto.Command, capacity)}
}

// TryEnqueue offers a command without blocking. It returns false when the
// queue is full; the caller logs and drops. The Kodi callback must never
// block here or it would stall the notification read loop.
func (q *Queue) TryEnqueue(cmd proto.Command) bool {
	select {
	case q.ch <- cmd:
		return true
	default:
		return false
	}
}

// Dequeue blocks until a command is available or ctx is done. It returns
// ErrShutdown when interrupted by cancellation.
func (q *Queue) Dequeue(ctx context.Context) (proto.Command, error) {
	select {
	case cmd := <-q.ch:
		return cmd, nil
	case <-ctx.Done():
		return proto.Command{}, ErrShutdown
	}
}

// CollapseToLatest destructively drains everything currently queued and
// returns the newest command seen, starting from an already-dequeued first
// item. The second return is the number of commands discarded, reported so
// drops stay visible to operators.
func (q *Queue) CollapseToLatest(first proto.Command) (proto.Command, int) {
	latest := first
	dropped := 0
	for {
		select {
		case cmd := <-q.ch:
			dropped++
			latest = cmd
		default:
			return latest, dropped
		}
	}
}

// Drain discards all queued commands and returns how many were thrown away.
// Used at shutdown: delivering stale button presses after shutdown is wrong
// behavior, so nothing is flushed.
func (q *Queue) Drain() int {
	drained := 0
	for {
		select {
		case <-q.ch:
			drained++
		default:
			return drained
		}
	}
}

// Len reports the number of commands currently queued.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
