package camera

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/thesyncim/uvkit/pkg/frame"
)

// DefaultQueueSize is the number of frames buffered between the source
// and Grab.
const DefaultQueueSize = 2

// DropQueue is a bounded frame queue. Push never blocks: frames arriving
// while the queue is full are released and counted.
type DropQueue struct {
	ch      chan *frame.VideoFrame
	dropped atomic.Uint64
	onDrop  func()
}

// NewDropQueue returns a queue holding up to size frames. onDrop may be
// nil.
func NewDropQueue(size int, onDrop func()) *DropQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &DropQueue{ch: make(chan *frame.VideoFrame, size), onDrop: onDrop}
}

// Push enqueues f, or releases it if the queue is full. It reports
// whether f was queued.
func (q *DropQueue) Push(f *frame.VideoFrame) bool {
	select {
	case q.ch <- f:
		return true
	default:
		q.dropped.Add(1)
		f.Release()
		if q.onDrop != nil {
			q.onDrop()
		}
		return false
	}
}

// Pop waits up to timeout for a frame. It returns nil on timeout.
func (q *DropQueue) Pop(ctx context.Context, timeout time.Duration) (*frame.VideoFrame, error) {
	select {
	case f := <-q.ch:
		return f, nil
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-q.ch:
		return f, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of queued frames.
func (q *DropQueue) Len() int {
	return len(q.ch)
}

// Dropped returns the number of frames dropped so far.
func (q *DropQueue) Dropped() uint64 {
	return q.dropped.Load()
}

// Drain releases every queued frame.
func (q *DropQueue) Drain() {
	for {
		select {
		case f := <-q.ch:
			f.Release()
		default:
			return
		}
	}
}
