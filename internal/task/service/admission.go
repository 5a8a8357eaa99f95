package service

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/taskstream/taskstream/internal/common/metrics"
	"github.com/taskstream/taskstream/internal/task/models"
)

// Admission bounds the number of concurrently executing tasks with a
// weighted semaphore. Acquire blocks up to a deadline so that a short
// burst above capacity queues instead of failing immediately.
type Admission struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    int64
}

// NewAdmission creates an admission gate with the given capacity.
func NewAdmission(capacity int) *Admission {
	if capacity < 1 {
		capacity = 1
	}
	metrics.AdmissionCapacity.Set(float64(capacity))
	metrics.AdmissionInUse.Set(0)
	return &Admission{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire claims one execution slot, waiting up to timeout for one to
// free up. It returns a rate-limited error when the deadline expires
// and a cancelled error when ctx is cancelled first.
func (a *Admission) Acquire(ctx context.Context, timeout time.Duration) error {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := a.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return models.WrapError(models.KindCancelled, ctx.Err(), "admission wait cancelled")
		}
		metrics.AdmissionTimeouts.Inc()
		return models.NewError(models.KindRateLimited, "no execution slot available within %s", timeout)
	}

	a.addInUse(1)
	return nil
}

// TryAcquire claims a slot without waiting.
func (a *Admission) TryAcquire() bool {
	if !a.sem.TryAcquire(1) {
		return false
	}
	a.addInUse(1)
	return true
}

// Release returns a previously acquired slot.
func (a *Admission) Release() {
	a.sem.Release(1)
	a.addInUse(-1)
}

// InUse reports how many slots are currently held.
func (a *Admission) InUse() int {
	return int(atomic.LoadInt64(&a.inUse))
}

// Capacity reports the total number of slots.
func (a *Admission) Capacity() int {
	return int(a.capacity)
}

func (a *Admission) addInUse(delta int64) {
	metrics.AdmissionInUse.Set(float64(atomic.AddInt64(&a.inUse, delta)))
}
