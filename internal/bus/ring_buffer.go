package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when a push is rejected on a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when a pop finds no envelope in time.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned once a closed queue is fully drained.
	ErrQueueClosed = errors.New("queue is closed")
)

// OverflowPolicy decides what happens when a push hits a full buffer.
type OverflowPolicy string

const (
	// OverflowDropOldest evicts the oldest envelope to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowReject refuses the new envelope.
	OverflowReject OverflowPolicy = "reject"
)

// ringBuffer is a thread-safe circular buffer of envelopes. One exists
// per stream.
type ringBuffer struct {
	buffer   []*Envelope
	size     int
	head     int
	tail     int
	count    int
	closed   bool
	overflow OverflowPolicy
	mu       sync.Mutex
	cond     *sync.Cond

	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
}

func newRingBuffer(size int, overflow OverflowPolicy) *ringBuffer {
	if size <= 0 {
		size = 4096
	}
	if overflow == "" {
		overflow = OverflowDropOldest
	}

	rb := &ringBuffer{
		buffer:   make([]*Envelope, size),
		size:     size,
		overflow: overflow,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// push enqueues an envelope without blocking the producer. Under
// OverflowDropOldest the oldest envelope is evicted and the returned
// flag reports the eviction so the caller can count and log it; under
// OverflowReject ErrQueueFull is returned.
func (rb *ringBuffer) push(env *Envelope) (dropped bool, err error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return false, ErrQueueClosed
	}

	if rb.count == rb.size {
		atomic.AddUint64(&rb.totalDropped, 1)
		if rb.overflow == OverflowReject {
			return false, ErrQueueFull
		}
		// Evict the oldest entry.
		rb.buffer[rb.head] = nil
		rb.head = (rb.head + 1) % rb.size
		rb.count--
		dropped = true
	}

	rb.buffer[rb.tail] = env
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.totalPushed, 1)

	rb.cond.Signal()
	return dropped, nil
}

// popBlocking dequeues the next envelope, waiting until one is
// available or the queue is closed and drained.
func (rb *ringBuffer) popBlocking() (*Envelope, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}

	if rb.count == 0 && rb.closed {
		return nil, ErrQueueClosed
	}

	env := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)

	return env, nil
}

// popWithTimeout dequeues the next envelope, giving up after the
// timeout. Returns ErrQueueEmpty on timeout.
func (rb *ringBuffer) popWithTimeout(timeout time.Duration) (*Envelope, error) {
	deadline := time.Now().Add(timeout)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrQueueEmpty
		}

		timer := time.AfterFunc(remaining, func() {
			rb.mu.Lock()
			rb.cond.Broadcast()
			rb.mu.Unlock()
		})
		rb.cond.Wait()
		timer.Stop()
	}

	if rb.count == 0 {
		if rb.closed {
			return nil, ErrQueueClosed
		}
		return nil, ErrQueueEmpty
	}

	env := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)

	return env, nil
}

func (rb *ringBuffer) len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// close stops accepting pushes. Queued envelopes remain poppable until
// drained, then pops return ErrQueueClosed.
func (rb *ringBuffer) close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// QueueMetrics holds statistics for one stream's buffer.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

func (rb *ringBuffer) metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   atomic.LoadUint64(&rb.totalPushed),
		Popped:   atomic.LoadUint64(&rb.totalPopped),
		Dropped:  atomic.LoadUint64(&rb.totalDropped),
		Depth:    rb.len(),
		Capacity: rb.size,
	}
}
