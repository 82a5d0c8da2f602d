// Package limiter bounds how many jobs run at once. Callers past the bound
// wait in FIFO order.
package limiter

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrNotInitialized is returned when acquiring from a limiter with no slots.
var ErrNotInitialized = errors.New("limiter not initialized")

// ErrQueueFull is returned when every slot is taken and the wait queue is at
// its bound.
var ErrQueueFull = errors.New("task queue is full")

// Stats is a point-in-time view of the limiter.
type Stats struct {
	Limit   int `json:"limit"`
	InUse   int `json:"in_use"`
	Waiting int `json:"waiting"`
	// MaxWaiting is the wait queue bound; zero means unbounded.
	MaxWaiting int `json:"max_waiting"`
}

// Limiter is a counting semaphore with FIFO hand-off. It is safe for
// concurrent use.
type Limiter struct {
	mu      sync.Mutex
	sem     *semaphore.Weighted
	limit   int
	inUse   int
	waiting int
	// maxWaiting bounds waiting; zero means unbounded.
	maxWaiting int
}

// New creates a limiter with limit slots.
func New(limit int) *Limiter {
	l := &Limiter{}
	l.Initialize(limit)
	return l
}

// Initialize sets the slot count. It is meant to be called once at startup,
// before any slot is acquired; later calls are ignored.
func (l *Limiter) Initialize(limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sem != nil || limit <= 0 {
		return
	}
	l.sem = semaphore.NewWeighted(int64(limit))
	l.limit = limit
}

// SetMaxWaiting bounds how many callers may wait for a slot. Zero or less
// removes the bound.
func (l *Limiter) SetMaxWaiting(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxWaiting = max(n, 0)
}

// AcquireSlot blocks until a slot is free or ctx is done. Waiters are served
// in arrival order. With no slot free and the queue at its bound it returns
// ErrQueueFull at once.
func (l *Limiter) AcquireSlot(ctx context.Context) error {
	l.mu.Lock()
	sem := l.sem
	if sem == nil {
		l.mu.Unlock()
		return ErrNotInitialized
	}
	// TryAcquire fails while anyone is queued, so arrival order holds.
	if sem.TryAcquire(1) {
		l.inUse++
		l.mu.Unlock()
		return nil
	}
	if l.maxWaiting > 0 && l.waiting >= l.maxWaiting {
		l.mu.Unlock()
		return ErrQueueFull
	}
	l.waiting++
	l.mu.Unlock()

	err := sem.Acquire(ctx, 1)

	l.mu.Lock()
	l.waiting--
	if err == nil {
		l.inUse++
	}
	l.mu.Unlock()
	return err
}

// Admit reports ErrQueueFull when a new caller of AcquireSlot would be
// turned away. It is a point-in-time check for admission control.
func (l *Limiter) Admit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxWaiting > 0 && l.inUse >= l.limit && l.waiting >= l.maxWaiting {
		return ErrQueueFull
	}
	return nil
}

// ReleaseSlot returns a slot, waking the longest waiter if any.
func (l *Limiter) ReleaseSlot() {
	l.mu.Lock()
	if l.inUse == 0 {
		l.mu.Unlock()
		panic("limiter: release without acquire")
	}
	l.inUse--
	sem := l.sem
	l.mu.Unlock()

	sem.Release(1)
}

// Stats returns the current counts.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{Limit: l.limit, InUse: l.inUse, Waiting: l.waiting, MaxWaiting: l.maxWaiting}
}
