package courier

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Config configures a Dispatcher.
type Config struct {
	// Maximum number of async calls executing concurrently.
	// Defaults to 64.
	MaxRequests int
	// Maximum number of async calls executing concurrently against a
	// single host. Defaults to 5.
	MaxRequestsPerHost int
	// Executor to run async calls on. If nil, a goroutine pool with a
	// 60-second idle keep-alive is created lazily on first use.
	Executor Executor
	// Logger to use. If nil, a new zerolog logger writing through a
	// console writer is created.
	Logger *zerolog.Logger
}

// Dispatcher is the policy on when async calls are executed. Each
// client owns one dispatcher; it admits calls up to the configured
// limits and queues the rest in arrival order.
type Dispatcher struct {
	mu                 sync.Mutex
	maxRequests        int
	maxRequestsPerHost int
	idleCallback       func()
	executor           Executor
	log                zerolog.Logger

	// Ready async calls in the order they'll be run.
	readyAsyncCalls []AsyncCall
	// Running async calls. Includes cancelled calls that haven't
	// finished yet.
	runningAsyncCalls []AsyncCall
	// Running sync calls. Includes cancelled calls that haven't
	// finished yet.
	runningSyncCalls []Call
}

// NewDispatcher creates a dispatcher from the given config.
func NewDispatcher(config Config) *Dispatcher {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "dispatcher").Logger()

	d := &Dispatcher{
		maxRequests:        config.MaxRequests,
		maxRequestsPerHost: config.MaxRequestsPerHost,
		executor:           config.Executor,
		log:                logger,
	}
	if d.maxRequests == 0 {
		d.maxRequests = 64
	}
	if d.maxRequestsPerHost == 0 {
		d.maxRequestsPerHost = 5
	}
	return d
}

// executorLocked returns the executor, creating the default one on
// first need. Callers must hold d.mu.
func (d *Dispatcher) executorLocked() Executor {
	if d.executor == nil {
		d.executor = newGoExecutor(d.log)
	}
	return d.executor
}

// Enqueue admits an async call. If both the global and the per-host
// limit have headroom the call starts executing immediately; otherwise
// it waits in the ready queue until capacity opens. Enqueue never
// rejects a call.
func (d *Dispatcher) Enqueue(call AsyncCall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.runningAsyncCalls) < d.maxRequests && d.runningCallsForHost(call.Host()) < d.maxRequestsPerHost {
		d.runningAsyncCalls = append(d.runningAsyncCalls, call)
		d.log.Trace().Str("host", call.Host()).Msg("Call admitted")
		d.executorLocked().Execute(call.Run)
	} else {
		d.readyAsyncCalls = append(d.readyAsyncCalls, call)
		d.log.Trace().Str("host", call.Host()).Msg("Call queued")
	}
}

// Executed records a sync call as in-flight. Sync calls are throttled
// by their caller's own goroutine, so no admission limit applies.
func (d *Dispatcher) Executed(call Call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runningSyncCalls = append(d.runningSyncCalls, call)
}

// FinishedAsync signals completion of an async call. The call must
// have been admitted by Enqueue; finishing an untracked call panics.
func (d *Dispatcher) FinishedAsync(call AsyncCall) {
	d.finished(func() bool { return d.removeRunningAsync(call) }, true)
}

// FinishedSync signals completion of a sync call recorded by Executed.
// Finishing an untracked call panics.
func (d *Dispatcher) FinishedSync(call Call) {
	d.finished(func() bool { return d.removeRunningSync(call) }, false)
}

func (d *Dispatcher) finished(remove func() bool, promote bool) {
	var idleCallback func()
	d.mu.Lock()
	removed := remove()
	if removed {
		if promote {
			d.promoteCalls()
		}
		if len(d.runningAsyncCalls)+len(d.runningSyncCalls) == 0 {
			idleCallback = d.idleCallback
		}
	}
	d.mu.Unlock()

	if !removed {
		panic("courier: call was not in flight")
	}
	// The idle callback runs on the finishing goroutine, outside the
	// critical section.
	if idleCallback != nil {
		d.log.Trace().Msg("Dispatcher idle")
		idleCallback()
	}
}

// promoteCalls moves eligible calls from ready to running after
// capacity opens. The ready queue drains in FIFO order, except that a
// call whose host is saturated stays queued and may be leapfrogged by
// later calls to other hosts.
func (d *Dispatcher) promoteCalls() {
	if len(d.runningAsyncCalls) >= d.maxRequests {
		return // Already running max capacity.
	}
	if len(d.readyAsyncCalls) == 0 {
		return // No ready calls to promote.
	}
	remaining := d.readyAsyncCalls[:0]
	for i, call := range d.readyAsyncCalls {
		if len(d.runningAsyncCalls) >= d.maxRequests {
			remaining = append(remaining, d.readyAsyncCalls[i:]...)
			break // Reached max capacity.
		}
		if d.runningCallsForHost(call.Host()) < d.maxRequestsPerHost {
			d.runningAsyncCalls = append(d.runningAsyncCalls, call)
			d.log.Trace().Str("host", call.Host()).Msg("Call promoted")
			d.executorLocked().Execute(call.Run)
		} else {
			remaining = append(remaining, call)
		}
	}
	d.readyAsyncCalls = remaining
}

// runningCallsForHost returns the number of running async calls that
// share a host with the given one. Callers must hold d.mu.
func (d *Dispatcher) runningCallsForHost(host string) int {
	result := 0
	for _, c := range d.runningAsyncCalls {
		if strings.EqualFold(c.Host(), host) {
			result++
		}
	}
	return result
}

// CancelAll cancels every call currently enqueued or executing,
// whether sync or async. Calls stay tracked until their own
// termination path finishes them.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, call := range d.readyAsyncCalls {
		call.Cancel()
	}
	for _, call := range d.runningAsyncCalls {
		call.Cancel()
	}
	for _, call := range d.runningSyncCalls {
		call.Cancel()
	}
	d.log.Debug().Msg("Cancelled all calls")
}

// SetMaxRequests adjusts the global concurrency limit. Calls already
// in flight beyond the new limit stay in flight; the limit applies to
// subsequent admissions.
func (d *Dispatcher) SetMaxRequests(max int) error {
	if max < 1 {
		return fmt.Errorf("max < 1: %d", max)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxRequests = max
	d.promoteCalls()
	return nil
}

// SetMaxRequestsPerHost adjusts the per-host concurrency limit. This
// limits calls by host name: concurrent calls to a single IP address
// may still exceed it when hostnames share an address or a proxy.
func (d *Dispatcher) SetMaxRequestsPerHost(max int) error {
	if max < 1 {
		return fmt.Errorf("max < 1: %d", max)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxRequestsPerHost = max
	d.promoteCalls()
	return nil
}

// MaxRequests returns the global concurrency limit.
func (d *Dispatcher) MaxRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxRequests
}

// MaxRequestsPerHost returns the per-host concurrency limit.
func (d *Dispatcher) MaxRequestsPerHost() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxRequestsPerHost
}

// SetIdleCallback sets the callback invoked each time the dispatcher
// becomes idle (the number of running calls returns to zero). There is
// a single slot; setting replaces any previous callback. The callback
// runs on the goroutine that finished the last call.
func (d *Dispatcher) SetIdleCallback(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idleCallback = callback
}

// QueuedCalls returns a snapshot of the calls awaiting execution.
func (d *Dispatcher) QueuedCalls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make([]Call, 0, len(d.readyAsyncCalls))
	for _, call := range d.readyAsyncCalls {
		result = append(result, call)
	}
	return result
}

// RunningCalls returns a snapshot of the calls currently executing,
// sync calls first.
func (d *Dispatcher) RunningCalls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make([]Call, 0, len(d.runningSyncCalls)+len(d.runningAsyncCalls))
	result = append(result, d.runningSyncCalls...)
	for _, call := range d.runningAsyncCalls {
		result = append(result, call)
	}
	return result
}

// QueuedCallsCount returns the number of calls awaiting execution.
func (d *Dispatcher) QueuedCallsCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.readyAsyncCalls)
}

// RunningCallsCount returns the number of calls currently executing,
// sync and async.
func (d *Dispatcher) RunningCallsCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.runningAsyncCalls) + len(d.runningSyncCalls)
}

func (d *Dispatcher) removeRunningAsync(call AsyncCall) bool {
	for i, c := range d.runningAsyncCalls {
		if c == call {
			d.runningAsyncCalls = append(d.runningAsyncCalls[:i], d.runningAsyncCalls[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Dispatcher) removeRunningSync(call Call) bool {
	for i, c := range d.runningSyncCalls {
		if c == call {
			d.runningSyncCalls = append(d.runningSyncCalls[:i], d.runningSyncCalls[i+1:]...)
			return true
		}
	}
	return false
}
