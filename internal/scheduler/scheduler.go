// Package scheduler implements the single-threaded event loop that drives
// the enforcer.
//
// The event loop is responsible for:
//   - Running every session mutation one at a time, in submission order
//   - Owning the timer table (revalidation, force termination, bearer
//     creation delay, update retries)
//   - Running outbound RPCs off the loop and re-entering it with their
//     completions
//
// Timers are registered in a table private to one loop. Each registration
// returns an opaque Handle that is consumed exactly once, either by the timer
// firing or by Cancel. Two timers for the same purpose are not deduplicated;
// handlers must check current state before acting.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/free5gc/sessiond/internal/logger"
)

// ErrStopped is returned when work is submitted to a stopped loop.
var ErrStopped = errors.New("event loop stopped")

// settlePollInterval is how often Settle re-checks for in-flight work.
const settlePollInterval = time.Millisecond

// Handle identifies one timer registration. The zero Handle is never issued.
type Handle uint64

// EventLoop serializes tasks and timers onto one goroutine.
type EventLoop interface {
	// Start launches the loop goroutine. Tasks posted before Start run once
	// it is up.
	Start(ctx context.Context) error

	// Stop ends the loop, drops queued tasks and stops every timer. It is
	// safe to call Stop() multiple times.
	Stop(ctx context.Context) error

	// Post queues a task. It never blocks.
	Post(task func()) error

	// Call runs a task on the loop and waits for it. It must not be called
	// from the loop itself.
	Call(ctx context.Context, task func()) error

	// Go runs work on its own goroutine; the continuation it returns, if
	// any, is posted back onto the loop.
	Go(work func() func())

	// Schedule arms a one-shot timer whose task runs on the loop.
	Schedule(delay time.Duration, task func()) Handle

	// Cancel consumes a handle that has not fired yet and reports whether
	// it did.
	Cancel(handle Handle) bool

	// PendingTimers returns the number of unconsumed handles.
	PendingTimers() int

	// Now returns the loop clock's time.
	Now() time.Time

	// Settle waits until no task is queued and no Go work is in flight.
	Settle(ctx context.Context) error
}

type timerEntry struct {
	stopper Stopper
	task    func()
}

// eventLoopImpl is the concrete implementation of EventLoop.
type eventLoopImpl struct {
	clock Clock

	mutexForQueue sync.Mutex
	queue         []func()
	stopped       bool
	wakeChannel   chan struct{}

	mutexForTimers sync.Mutex
	timers         map[Handle]*timerEntry
	lastHandle     Handle

	// outstanding counts queued tasks, the running task and Go work.
	outstanding atomic.Int64

	startStopMutex sync.Mutex
	started        bool
	stopChannel    chan struct{}
	stoppedChannel chan struct{}
}

// NewEventLoop creates an event loop on the given clock; nil selects the
// system clock.
func NewEventLoop(clock Clock) EventLoop {
	if clock == nil {
		clock = SystemClock()
	}
	return &eventLoopImpl{
		clock:          clock,
		wakeChannel:    make(chan struct{}, 1),
		timers:         make(map[Handle]*timerEntry),
		stopChannel:    make(chan struct{}),
		stoppedChannel: make(chan struct{}),
	}
}

// Start implements EventLoop.Start.
func (loop *eventLoopImpl) Start(ctx context.Context) error {
	loop.startStopMutex.Lock()
	defer loop.startStopMutex.Unlock()

	if loop.started {
		logger.SchedulerLog.Warn("EventLoop.Start called more than once; ignoring subsequent call")
		return nil
	}
	loop.started = true

	go loop.runLoop()

	logger.SchedulerLog.Info("Event loop started")
	return nil
}

// Stop implements EventLoop.Stop.
func (loop *eventLoopImpl) Stop(ctx context.Context) error {
	loop.startStopMutex.Lock()
	defer loop.startStopMutex.Unlock()

	loop.mutexForQueue.Lock()
	alreadyStopped := loop.stopped
	loop.stopped = true
	dropped := len(loop.queue)
	loop.queue = nil
	loop.outstanding.Add(-int64(dropped))
	loop.mutexForQueue.Unlock()

	if alreadyStopped {
		return nil
	}

	loop.mutexForTimers.Lock()
	for handle, entry := range loop.timers {
		entry.stopper.Stop()
		delete(loop.timers, handle)
	}
	loop.mutexForTimers.Unlock()

	if !loop.started {
		return nil
	}
	close(loop.stopChannel)

	select {
	case <-loop.stoppedChannel:
	case <-ctx.Done():
		return ctx.Err()
	}

	if dropped > 0 {
		logger.SchedulerLog.Warnf("Event loop stopped with %d queued task(s) dropped", dropped)
	}
	logger.SchedulerLog.Info("Event loop stopped")
	return nil
}

// runLoop executes queued tasks until stopChannel is closed.
func (loop *eventLoopImpl) runLoop() {
	defer close(loop.stoppedChannel)

	for {
		task, ok := loop.dequeue()
		if ok {
			loop.runTask(task)
			loop.outstanding.Add(-1)
			continue
		}
		select {
		case <-loop.stopChannel:
			return
		case <-loop.wakeChannel:
		}
	}
}

func (loop *eventLoopImpl) dequeue() (func(), bool) {
	loop.mutexForQueue.Lock()
	defer loop.mutexForQueue.Unlock()
	if loop.stopped || len(loop.queue) == 0 {
		return nil, false
	}
	task := loop.queue[0]
	loop.queue[0] = nil
	loop.queue = loop.queue[1:]
	return task, true
}

// runTask keeps the loop alive when a task panics.
func (loop *eventLoopImpl) runTask(task func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logger.SchedulerLog.Errorf("event loop task panicked: %v", recovered)
		}
	}()
	task()
}

// Post implements EventLoop.Post.
func (loop *eventLoopImpl) Post(task func()) error {
	loop.mutexForQueue.Lock()
	if loop.stopped {
		loop.mutexForQueue.Unlock()
		return ErrStopped
	}
	loop.queue = append(loop.queue, task)
	loop.outstanding.Add(1)
	loop.mutexForQueue.Unlock()

	select {
	case loop.wakeChannel <- struct{}{}:
	default:
	}
	return nil
}

// Call implements EventLoop.Call.
func (loop *eventLoopImpl) Call(ctx context.Context, task func()) error {
	doneChannel := make(chan struct{})
	postError := loop.Post(func() {
		defer close(doneChannel)
		task()
	})
	if postError != nil {
		return postError
	}
	select {
	case <-doneChannel:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-loop.stoppedChannel:
		return ErrStopped
	}
}

// Go implements EventLoop.Go.
func (loop *eventLoopImpl) Go(work func() func()) {
	loop.outstanding.Add(1)
	go func() {
		defer loop.outstanding.Add(-1)
		continuation := work()
		if continuation == nil {
			return
		}
		if postError := loop.Post(continuation); postError != nil {
			logger.SchedulerLog.Debugf("completion dropped: %v", postError)
		}
	}()
}

// Schedule implements EventLoop.Schedule.
func (loop *eventLoopImpl) Schedule(delay time.Duration, task func()) Handle {
	loop.mutexForTimers.Lock()
	defer loop.mutexForTimers.Unlock()

	loop.lastHandle++
	handle := loop.lastHandle
	entry := &timerEntry{task: task}
	loop.timers[handle] = entry
	entry.stopper = loop.clock.AfterFunc(delay, func() {
		if postError := loop.Post(func() { loop.fire(handle) }); postError != nil {
			loop.consume(handle)
		}
	})
	return handle
}

// fire runs on the loop. A handle cancelled after its clock callback ran is
// already gone from the table and fires nothing.
func (loop *eventLoopImpl) fire(handle Handle) {
	entry, found := loop.consume(handle)
	if !found {
		return
	}
	entry.task()
}

func (loop *eventLoopImpl) consume(handle Handle) (*timerEntry, bool) {
	loop.mutexForTimers.Lock()
	defer loop.mutexForTimers.Unlock()
	entry, found := loop.timers[handle]
	if found {
		delete(loop.timers, handle)
	}
	return entry, found
}

// Cancel implements EventLoop.Cancel.
func (loop *eventLoopImpl) Cancel(handle Handle) bool {
	entry, found := loop.consume(handle)
	if !found {
		return false
	}
	entry.stopper.Stop()
	return true
}

// PendingTimers implements EventLoop.PendingTimers.
func (loop *eventLoopImpl) PendingTimers() int {
	loop.mutexForTimers.Lock()
	defer loop.mutexForTimers.Unlock()
	return len(loop.timers)
}

// Now implements EventLoop.Now.
func (loop *eventLoopImpl) Now() time.Time {
	return loop.clock.Now()
}

// Settle implements EventLoop.Settle.
func (loop *eventLoopImpl) Settle(ctx context.Context) error {
	for {
		if callError := loop.Call(ctx, func() {}); callError != nil {
			return callError
		}
		if loop.outstanding.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(settlePollInterval):
		}
	}
}
