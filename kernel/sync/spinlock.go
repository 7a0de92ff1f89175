// Package sync provides synchronization primitive implementations that are
// safe to use from both interrupt handlers and regular kernel tasks.
package sync

import (
	"corekern/kernel"
	"corekern/kernel/cpu"
	"corekern/kernel/kfmt"
	"sync/atomic"
)

// attemptsBeforeYielding defines the number of failed acquire attempts a
// spinlock with YieldOnWait set performs before handing the CPU back to the
// scheduler.
const attemptsBeforeYielding = 64

var (
	// yieldFn is installed by the scheduler via SetYieldFn once
	// context-switching is available.
	yieldFn func()

	// ownerFn is installed by the scheduler via SetOwnerFn and returns an
	// identifier for the currently running task or 0 if unknown.
	ownerFn func() uint64

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	pauseFn = cpu.Pause
	panicFn = kfmt.Panic

	errReleaseUnlocked  = &kernel.Error{Module: "sync", Message: "release of an unlocked spinlock"}
	errReleaseNotOwner  = &kernel.Error{Module: "sync", Message: "spinlock released by a task that does not hold it"}
	errRecursiveAcquire = &kernel.Error{Module: "sync", Message: "recursive spinlock acquisition"}
)

// SetYieldFn registers the function that spinlocks with YieldOnWait set use
// to give up the CPU while waiting. Passing nil reverts to busy-waiting.
func SetYieldFn(fn func()) {
	yieldFn = fn
}

// SetOwnerFn registers a function that returns the id of the currently
// running task. When set, spinlocks record their holder and detect
// recursive acquisitions and releases by tasks that do not hold the lock.
func SetOwnerFn(fn func() uint64) {
	ownerFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked spinlock.
type Spinlock struct {
	state uint32

	// owner holds the id of the task holding the lock if an owner
	// function has been registered.
	owner uint64

	// YieldOnWait makes waiters yield the CPU to the scheduler between
	// acquisition attempts instead of spinning continuously.
	YieldOnWait bool
}

// Acquire blocks until the lock can be acquired by the currently active task.
// There is no timeout. Any attempt to re-acquire a lock already held by the
// current task is reported via a kernel panic if an owner function has been
// registered; otherwise it deadlocks.
func (l *Spinlock) Acquire() {
	id := currentOwner()
	if id != 0 && atomic.LoadUint32(&l.state) == 1 && atomic.LoadUint64(&l.owner) == id {
		panicFn(errRecursiveAcquire)
		return
	}

	acquireSpinlock(&l.state, l.YieldOnWait)
	atomic.StoreUint64(&l.owner, id)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	if atomic.SwapUint32(&l.state, 1) != 0 {
		return false
	}

	atomic.StoreUint64(&l.owner, currentOwner())
	return true
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Releasing a free lock, or a lock held by another task, triggers a kernel
// panic.
func (l *Spinlock) Release() {
	if atomic.LoadUint32(&l.state) == 0 {
		panicFn(errReleaseUnlocked)
		return
	}

	if id := currentOwner(); id != 0 {
		if holder := atomic.LoadUint64(&l.owner); holder != 0 && holder != id {
			panicFn(errReleaseNotOwner)
			return
		}
	}

	atomic.StoreUint64(&l.owner, 0)
	atomic.StoreUint32(&l.state, 0)
}

// IsLocked reports whether the lock is currently held. The result is only
// advisory as the lock may change state as soon as IsLocked returns.
func (l *Spinlock) IsLocked() bool {
	return atomic.LoadUint32(&l.state) != 0
}

func currentOwner() uint64 {
	if ownerFn == nil {
		return 0
	}

	return ownerFn()
}

// acquireSpinlock implements a test-and-test-and-set loop: the expensive
// atomic swap is only retried after a plain load observes the lock as free.
func acquireSpinlock(state *uint32, yield bool) {
	for {
		if atomic.CompareAndSwapUint32(state, 0, 1) {
			return
		}

		for attempts := 0; atomic.LoadUint32(state) != 0; attempts++ {
			if yield && yieldFn != nil && attempts >= attemptsBeforeYielding {
				yieldFn()
				attempts = 0
				continue
			}

			pauseFn()
		}
	}
}
