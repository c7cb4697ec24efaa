// Package pool implements the admission gate that bounds how many agent
// subprocesses run at once. Callers acquire a slot before spawning and
// release it when the subprocess exits; excess callers queue, highest
// priority first, FIFO within equal priority.
package pool

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"github.com/ByteMirror/agentmux/log"
)

// ErrPoolClosed is returned to waiters dropped by ClearQueue or Close, and
// to any Acquire after Close.
var ErrPoolClosed = errors.New("process pool closed")

// Stats is a point-in-time snapshot of pool occupancy. It is the only
// externally visible notification of queue change.
type Stats struct {
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	err      error
	// granted and removed are guarded by the pool mutex. A waiter may be
	// both granted and abandoned when a grant races a cancellation; the
	// canceling side hands the slot back.
	granted bool
	removed bool
	index   int
}

// Pool is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	limit   int
	running int
	queue   waitQueue
	queued  int
	nextSeq uint64
	closed  bool
}

// NewPool creates a pool with the given concurrency limit (minimum 1).
func NewPool(maxConcurrent int) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{limit: maxConcurrent}
}

// Acquire blocks until a slot is granted, the context is canceled, or the
// pool is closed. A nil return means the caller owns one slot and must
// Release it exactly once.
func (p *Pool) Acquire(ctx context.Context, priority int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.running < p.limit {
		p.running++
		p.mu.Unlock()
		return nil
	}

	w := &waiter{
		priority: priority,
		seq:      p.nextSeq,
		ready:    make(chan struct{}),
	}
	p.nextSeq++
	heap.Push(&p.queue, w)
	p.queued++
	p.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
		p.mu.Lock()
		if w.granted {
			// The grant won the race. Hand the slot straight back so it
			// isn't leaked.
			p.running--
			p.wakeLocked()
			p.mu.Unlock()
			return ctx.Err()
		}
		w.removed = true
		p.queued--
		p.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees one slot and wakes the best queued waiter, if any.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running == 0 {
		log.WarningLog.Printf("pool release with no outstanding acquisitions")
		return
	}
	p.running--
	p.wakeLocked()
}

// wakeLocked grants slots to queued waiters while headroom remains.
// Caller must hold the mutex.
func (p *Pool) wakeLocked() {
	for p.running < p.limit {
		w := p.popLocked()
		if w == nil {
			return
		}
		w.granted = true
		p.running++
		close(w.ready)
	}
}

// popLocked returns the next live waiter, discarding abandoned ones.
func (p *Pool) popLocked() *waiter {
	for p.queue.Len() > 0 {
		w := heap.Pop(&p.queue).(*waiter)
		if w.removed {
			continue
		}
		p.queued--
		return w
	}
	return nil
}

// SetLimit adjusts capacity live. Lowering it never preempts running work;
// it only stops new grants until occupancy drops below the new limit.
// Raising it wakes queued waiters up to the new headroom.
func (p *Pool) SetLimit(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limit = n
	p.wakeLocked()
}

// ClearQueue drops every queued waiter with ErrPoolClosed. Running work is
// untouched. Used during shutdown.
func (p *Pool) ClearQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearQueueLocked()
}

func (p *Pool) clearQueueLocked() {
	for {
		w := p.popLocked()
		if w == nil {
			return
		}
		w.err = ErrPoolClosed
		close(w.ready)
	}
}

// Close clears the queue and rejects all future Acquires.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.clearQueueLocked()
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	available := p.limit - p.running
	if available < 0 {
		available = 0
	}
	return Stats{
		Running:       p.running,
		Queued:        p.queued,
		Available:     available,
		MaxConcurrent: p.limit,
	}
}

// waitQueue is a max-heap on priority; the seq counter keeps equal-priority
// waiters FIFO, which a bare heap would not.
type waitQueue []*waiter

func (q waitQueue) Len() int { return len(q) }

func (q waitQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waitQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waitQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return w
}
