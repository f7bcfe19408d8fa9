package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source of an EventLoop.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, callback func()) Stopper
}

// Stopper cancels a pending clock callback.
type Stopper interface {
	Stop() bool
}

// SystemClock is the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

func (systemClock) AfterFunc(delay time.Duration, callback func()) Stopper {
	return time.AfterFunc(delay, callback)
}

// ManualClock only moves when Advance is called. Callbacks due at or before
// the new time run synchronously inside Advance, earliest first.
type ManualClock struct {
	mutexForTimers sync.Mutex
	now            time.Time
	sequence       uint64
	pending        []*manualTimer
}

type manualTimer struct {
	clock    *ManualClock
	deadline time.Time
	sequence uint64
	callback func()
	stopped  bool
}

// NewManualClock returns a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (clock *ManualClock) Now() time.Time {
	clock.mutexForTimers.Lock()
	defer clock.mutexForTimers.Unlock()
	return clock.now
}

func (clock *ManualClock) AfterFunc(delay time.Duration, callback func()) Stopper {
	clock.mutexForTimers.Lock()
	defer clock.mutexForTimers.Unlock()

	clock.sequence++
	timer := &manualTimer{
		clock:    clock,
		deadline: clock.now.Add(delay),
		sequence: clock.sequence,
		callback: callback,
	}
	clock.pending = append(clock.pending, timer)
	return timer
}

// Advance moves the clock forward and fires every callback that became due.
func (clock *ManualClock) Advance(delta time.Duration) {
	clock.mutexForTimers.Lock()
	clock.now = clock.now.Add(delta)
	now := clock.now

	var due []*manualTimer
	kept := clock.pending[:0]
	for _, timer := range clock.pending {
		switch {
		case timer.stopped:
		case !timer.deadline.After(now):
			timer.stopped = true
			due = append(due, timer)
		default:
			kept = append(kept, timer)
		}
	}
	clock.pending = kept
	clock.mutexForTimers.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].deadline.Equal(due[j].deadline) {
			return due[i].deadline.Before(due[j].deadline)
		}
		return due[i].sequence < due[j].sequence
	})
	for _, timer := range due {
		timer.callback()
	}
}

// Pending returns how many callbacks have not fired or been stopped.
func (clock *ManualClock) Pending() int {
	clock.mutexForTimers.Lock()
	defer clock.mutexForTimers.Unlock()
	count := 0
	for _, timer := range clock.pending {
		if !timer.stopped {
			count++
		}
	}
	return count
}

func (timer *manualTimer) Stop() bool {
	timer.clock.mutexForTimers.Lock()
	defer timer.clock.mutexForTimers.Unlock()
	if timer.stopped {
		return false
	}
	timer.stopped = true
	return true
}
