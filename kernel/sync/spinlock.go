// Package sync provides the synchronization primitives used by the kernel:
// a plain spinlock and an interrupt-suspending spinlock.
package sync

import (
	"sync/atomic"

	"vireo/kernel"
	"vireo/kernel/cpu"
	"vireo/kernel/kfmt"
)

var (
	// yieldFn is invoked between acquisition attempts once the scheduler
	// is up; until then busy-waiting is the only option.
	yieldFn func()

	// The following functions are overridden by tests; when compiling
	// the kernel they are automatically inlined.
	irqEnabledFn = cpu.InterruptsEnabled
	irqDisableFn = cpu.DisableInterrupts
	irqEnableFn  = cpu.EnableInterrupts
	panicFn      = kfmt.Panic

	errReleaseNotHeld = &kernel.Error{Module: "sync", Message: "release of a spinlock that is not held"}
)

// SetIrqControl overrides the interrupt control primitives used by
// IrqSpinlock. Tests in packages whose locks would otherwise execute the
// real privileged instructions install no-op implementations through it.
func SetIrqControl(enabled func() bool, disable, enable func()) {
	irqEnabledFn = enabled
	irqDisableFn = disable
	irqEnableFn = enable
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint(0); !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempt++ {
		if yieldFn != nil && attempt&1023 == 1023 {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Releasing a lock that is not held is a fatal contract violation.
func (l *Spinlock) Release() {
	if atomic.SwapUint32(&l.state, 0) == 0 {
		panicFn(errReleaseNotHeld)
	}
}

// IrqSpinlock is a spinlock that suspends interrupt handling on the local
// CPU while held and restores the previous interrupt-enable state on
// release. This prevents a deadlock where an interrupt handler on the same
// CPU tries to re-acquire a lock already held by the interrupted context.
type IrqSpinlock struct {
	lock Spinlock

	// irqState records whether interrupts were enabled when the current
	// holder acquired the lock. Only valid while the lock is held.
	irqState bool
}

// Acquire disables local interrupts and blocks until the lock can be
// acquired, remembering the interrupt-enable state found on entry.
func (l *IrqSpinlock) Acquire() {
	wasEnabled := irqEnabledFn()
	irqDisableFn()
	l.lock.Acquire()
	l.irqState = wasEnabled
}

// TryToAcquire attempts to acquire the lock without spinning. On failure the
// interrupt-enable state found on entry is restored before returning.
func (l *IrqSpinlock) TryToAcquire() bool {
	wasEnabled := irqEnabledFn()
	irqDisableFn()
	if !l.lock.TryToAcquire() {
		if wasEnabled {
			irqEnableFn()
		}
		return false
	}

	l.irqState = wasEnabled
	return true
}

// Release relinquishes the lock and restores the interrupt-enable state that
// was in effect when the lock was acquired. Releasing a lock that is not
// held is a fatal contract violation.
func (l *IrqSpinlock) Release() {
	// The saved state must be read before the lock word is cleared;
	// afterwards another CPU may acquire the lock and overwrite it.
	wasEnabled := l.irqState
	l.lock.Release()
	if wasEnabled {
		irqEnableFn()
	}
}
