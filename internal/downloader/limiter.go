package downloader

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds the number of tasks that are downloading or uploading at once.
// Waiters are admitted in FIFO order; queued tasks do not hold a slot.
type Limiter struct {
	capacity int64
	sem      *semaphore.Weighted
	inUse    atomic.Int64
}

func NewLimiter(capacity int) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	return &Limiter{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) (*Slot, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	l.inUse.Add(1)
	return &Slot{limiter: l}, nil
}

func (l *Limiter) Capacity() int {
	return int(l.capacity)
}

// InUse reports the number of slots currently held.
func (l *Limiter) InUse() int {
	return int(l.inUse.Load())
}

// Slot is one held unit of capacity. Release is safe to call more than once.
type Slot struct {
	limiter *Limiter
	once    sync.Once
}

func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.limiter.inUse.Add(-1)
		s.limiter.sem.Release(1)
	})
}
