package arbiter

import "sync"

// ChoiceQueue is a FIFO of thread-id hints the core pushes for the
// arbiter to consume in order; an empty queue means "choose freely".
//
// The spec names this a "LIFO... popped from the tail", but the queue the
// original implementation actually walks inserts every hint at the front
// and always reads back from the tail -- net effect, first in, first out
// -- so this type implements FIFO order to match the real behavior. See
// DESIGN.md.
//
// Internally this is a buffered-channel pipeline in the pump-goroutine
// shape used elsewhere in this stack for variable-depth buffering,
// simplified down from that original's disk-spillover cache since a
// choices queue never needs to survive a crash.
type ChoiceQueue struct {
	in  chan uint32
	out chan uint32

	mu     sync.Mutex
	closed bool
}

const choiceQueueDepth = 256

// NewChoiceQueue constructs an empty queue and starts its pump goroutine.
func NewChoiceQueue() *ChoiceQueue {
	q := &ChoiceQueue{
		in:  make(chan uint32),
		out: make(chan uint32, choiceQueueDepth),
	}
	go q.pump()
	return q
}

func (q *ChoiceQueue) pump() {
	var buf []uint32
	for {
		if len(buf) == 0 {
			v, ok := <-q.in
			if !ok {
				close(q.out)
				return
			}
			buf = append(buf, v)
		}
		select {
		case v, ok := <-q.in:
			if !ok {
				for _, b := range buf {
					q.out <- b
				}
				close(q.out)
				return
			}
			buf = append(buf, v)
		case q.out <- buf[0]:
			buf = buf[1:]
		}
	}
}

// Push enqueues a thread-id hint. It panics if called after Close, same
// contract as sending on a closed channel.
func (q *ChoiceQueue) Push(tid uint32) {
	q.in <- tid
}

// Pop removes and returns the oldest hint; ok is false if the queue is
// empty and closed.
func (q *ChoiceQueue) Pop() (tid uint32, ok bool) {
	tid, ok = <-q.out
	return
}

// TryPop is the non-blocking variant used by an arbiter that must choose
// freely rather than wait when no hint is queued.
func (q *ChoiceQueue) TryPop() (tid uint32, ok bool) {
	select {
	case tid, ok = <-q.out:
		return
	default:
		return 0, false
	}
}

// Close shuts the queue down, draining any buffered hints to Pop/TryPop
// before the output channel closes.
func (q *ChoiceQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.in)
}
