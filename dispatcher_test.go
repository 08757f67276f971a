package courier

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// recordingExecutor collects submitted tasks without running them, so
// tests control exactly when calls execute and finish.
type recordingExecutor struct {
	tasks []func()
}

func (e *recordingExecutor) Execute(task func()) {
	e.tasks = append(e.tasks, task)
}

type testCall struct {
	host      string
	cancelled int32
	run       func()
}

func (c *testCall) Host() string { return c.host }

func (c *testCall) Cancel() { atomic.StoreInt32(&c.cancelled, 1) }

func (c *testCall) Cancelled() bool { return atomic.LoadInt32(&c.cancelled) == 1 }

func (c *testCall) Run() {
	if c.run != nil {
		c.run()
	}
}

func newTestDispatcher(maxRequests, maxRequestsPerHost int) (*Dispatcher, *recordingExecutor) {
	executor := &recordingExecutor{}
	logger := zerolog.Nop()
	d := NewDispatcher(Config{
		MaxRequests:        maxRequests,
		MaxRequestsPerHost: maxRequestsPerHost,
		Executor:           executor,
		Logger:             &logger,
	})
	return d, executor
}

func TestDefaults(t *testing.T) {
	d := NewDispatcher(Config{})
	if d.MaxRequests() != 64 {
		t.Fatalf("MaxRequests is %d", d.MaxRequests())
	}
	if d.MaxRequestsPerHost() != 5 {
		t.Fatalf("MaxRequestsPerHost is %d", d.MaxRequestsPerHost())
	}
}

func TestEnqueueRunsWithinLimits(t *testing.T) {
	d, executor := newTestDispatcher(2, 2)
	a := &testCall{host: "a.example"}
	b := &testCall{host: "b.example"}
	c := &testCall{host: "c.example"}

	d.Enqueue(a)
	d.Enqueue(b)
	d.Enqueue(c)

	if got := d.RunningCallsCount(); got != 2 {
		t.Fatalf("Running %d calls, expected 2", got)
	}
	if got := d.QueuedCallsCount(); got != 1 {
		t.Fatalf("Queued %d calls, expected 1", got)
	}
	if len(executor.tasks) != 2 {
		t.Fatalf("Executor got %d tasks, expected 2", len(executor.tasks))
	}
}

func TestPerHostLimit(t *testing.T) {
	// maxRequests=10, maxRequestsPerHost=2; five calls to A and one to
	// B admit two A's and the B, with three A's waiting.
	d, _ := newTestDispatcher(10, 2)
	var as []*testCall
	for i := 0; i < 5; i++ {
		call := &testCall{host: "a.example"}
		as = append(as, call)
		d.Enqueue(call)
	}
	b := &testCall{host: "b.example"}
	d.Enqueue(b)

	if got := d.RunningCallsCount(); got != 3 {
		t.Fatalf("Running %d calls, expected 3", got)
	}
	if got := d.QueuedCallsCount(); got != 3 {
		t.Fatalf("Queued %d calls, expected 3", got)
	}

	// After one A finishes, the next A is promoted.
	d.FinishedAsync(as[0])
	if got := d.RunningCallsCount(); got != 3 {
		t.Fatalf("Running %d calls after finish, expected 3", got)
	}
	if got := d.QueuedCallsCount(); got != 2 {
		t.Fatalf("Queued %d calls after finish, expected 2", got)
	}
	running := d.RunningCalls()
	hosts := map[string]int{}
	for _, call := range running {
		hosts[call.Host()]++
	}
	if hosts["a.example"] != 2 || hosts["b.example"] != 1 {
		t.Fatalf("Running hosts are %v", hosts)
	}
}

func TestLaterHostBypassesSaturatedHost(t *testing.T) {
	// maxRequests=10, maxRequestsPerHost=1; enqueue A, A, B, A. B is
	// admitted even though it arrived after the held A's.
	d, _ := newTestDispatcher(10, 1)
	a1 := &testCall{host: "a.example"}
	a2 := &testCall{host: "a.example"}
	b := &testCall{host: "b.example"}
	a3 := &testCall{host: "a.example"}
	d.Enqueue(a1)
	d.Enqueue(a2)
	d.Enqueue(b)
	d.Enqueue(a3)

	running := d.RunningCalls()
	if len(running) != 2 {
		t.Fatalf("Running %d calls, expected 2", len(running))
	}
	if running[0] != Call(a1) || running[1] != Call(b) {
		t.Fatalf("Running calls are %v", running)
	}
	queued := d.QueuedCalls()
	if len(queued) != 2 || queued[0] != Call(a2) || queued[1] != Call(a3) {
		t.Fatalf("Queued calls are %v", queued)
	}
}

func TestHostComparisonIsCaseInsensitive(t *testing.T) {
	d, _ := newTestDispatcher(10, 1)
	d.Enqueue(&testCall{host: "A.Example"})
	d.Enqueue(&testCall{host: "a.example"})

	if got := d.RunningCallsCount(); got != 1 {
		t.Fatalf("Running %d calls, expected 1", got)
	}
	if got := d.QueuedCallsCount(); got != 1 {
		t.Fatalf("Queued %d calls, expected 1", got)
	}
}

func TestReadyQueueIsFIFO(t *testing.T) {
	d, _ := newTestDispatcher(1, 10)
	first := &testCall{host: "a.example"}
	d.Enqueue(first)
	var queued []*testCall
	for i := 0; i < 4; i++ {
		call := &testCall{host: "a.example"}
		queued = append(queued, call)
		d.Enqueue(call)
	}

	previous := first
	for _, next := range queued {
		d.FinishedAsync(previous)
		running := d.RunningCalls()
		if len(running) != 1 || running[0] != Call(next) {
			t.Fatalf("Promoted %v, expected %v", running, next)
		}
		previous = next
	}
}

func TestFinishedUnknownCallPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Expected panic for untracked call")
		}
	}()
	d, _ := newTestDispatcher(1, 1)
	d.FinishedAsync(&testCall{host: "a.example"})
}

func TestIdleCallbackFiresOncePerTransition(t *testing.T) {
	d, _ := newTestDispatcher(10, 10)
	var idleCount int
	d.SetIdleCallback(func() { idleCount++ })

	a := &testCall{host: "a.example"}
	b := &testCall{host: "b.example"}
	d.Enqueue(a)
	d.Enqueue(b)
	d.FinishedAsync(a)
	if idleCount != 0 {
		t.Fatalf("Idle fired %d times with a call still running", idleCount)
	}
	d.FinishedAsync(b)
	if idleCount != 1 {
		t.Fatalf("Idle fired %d times, expected 1", idleCount)
	}
}

func TestIdleCallbackCountsSyncCalls(t *testing.T) {
	d, _ := newTestDispatcher(10, 10)
	var idleCount int
	d.SetIdleCallback(func() { idleCount++ })

	async := &testCall{host: "a.example"}
	sync := &testCall{host: "b.example"}
	d.Enqueue(async)
	d.Executed(sync)

	d.FinishedAsync(async)
	if idleCount != 0 {
		t.Fatalf("Idle fired %d times with a sync call running", idleCount)
	}
	d.FinishedSync(sync)
	if idleCount != 1 {
		t.Fatalf("Idle fired %d times, expected 1", idleCount)
	}
}

func TestIdleCallbackRunsOutsideLock(t *testing.T) {
	d, _ := newTestDispatcher(10, 10)
	var sawCount int
	d.SetIdleCallback(func() {
		// The dispatcher must be usable from within the callback.
		sawCount = d.RunningCallsCount()
	})
	call := &testCall{host: "a.example"}
	d.Enqueue(call)
	d.FinishedAsync(call)
	if sawCount != 0 {
		t.Fatalf("Running count inside idle callback is %d", sawCount)
	}
}

func TestSetMaxRequestsPromotes(t *testing.T) {
	d, _ := newTestDispatcher(1, 10)
	d.Enqueue(&testCall{host: "a.example"})
	d.Enqueue(&testCall{host: "b.example"})
	if got := d.RunningCallsCount(); got != 1 {
		t.Fatalf("Running %d calls, expected 1", got)
	}

	if err := d.SetMaxRequests(2); err != nil {
		t.Fatal(err)
	}
	if got := d.RunningCallsCount(); got != 2 {
		t.Fatalf("Running %d calls after raise, expected 2", got)
	}
}

func TestSetMaxRequestsPerHostPromotes(t *testing.T) {
	d, _ := newTestDispatcher(10, 1)
	d.Enqueue(&testCall{host: "a.example"})
	d.Enqueue(&testCall{host: "a.example"})
	if got := d.RunningCallsCount(); got != 1 {
		t.Fatalf("Running %d calls, expected 1", got)
	}

	if err := d.SetMaxRequestsPerHost(2); err != nil {
		t.Fatal(err)
	}
	if got := d.RunningCallsCount(); got != 2 {
		t.Fatalf("Running %d calls after raise, expected 2", got)
	}
}

func TestSetMaxValidation(t *testing.T) {
	d, _ := newTestDispatcher(10, 10)
	if err := d.SetMaxRequests(0); err == nil {
		t.Fatal("Expected error for max requests < 1")
	}
	if err := d.SetMaxRequestsPerHost(0); err == nil {
		t.Fatal("Expected error for max requests per host < 1")
	}
	if d.MaxRequests() != 10 || d.MaxRequestsPerHost() != 10 {
		t.Fatal("Limits changed by rejected update")
	}
}

func TestCancelAllSignalsEveryQueue(t *testing.T) {
	d, _ := newTestDispatcher(1, 1)
	running := &testCall{host: "a.example"}
	ready := &testCall{host: "a.example"}
	sync := &testCall{host: "b.example"}
	d.Enqueue(running)
	d.Enqueue(ready)
	d.Executed(sync)

	d.CancelAll()

	for i, call := range []*testCall{running, ready, sync} {
		if !call.Cancelled() {
			t.Fatalf("Call %d not cancelled", i)
		}
	}
	// Cancellation does not remove calls; termination does.
	if got := d.RunningCallsCount(); got != 2 {
		t.Fatalf("Running %d calls after cancel, expected 2", got)
	}
	if got := d.QueuedCallsCount(); got != 1 {
		t.Fatalf("Queued %d calls after cancel, expected 1", got)
	}
}

// TestDispatchThroughServer drives the dispatcher end to end: real
// executor, real calls against a local test server.
func TestDispatchThroughServer(t *testing.T) {
	router := chi.NewRouter()
	var hits int32
	router.Get("/resource/{id}", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("Hello " + chi.URLParam(r, "id")))
	})
	server := httptest.NewServer(router)
	defer server.Close()

	logger := zerolog.Nop()
	d := NewDispatcher(Config{MaxRequests: 4, MaxRequestsPerHost: 4, Logger: &logger})
	idle := make(chan struct{}, 1)
	d.SetIdleCallback(func() { idle <- struct{}{} })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		call := &serverCall{
			dispatcher: d,
			host:       "127.0.0.1",
			url:        fmt.Sprintf("%s/resource/%d", server.URL, i),
			done:       wg.Done,
		}
		d.Enqueue(call)
	}
	wg.Wait()

	select {
	case <-idle:
	case <-time.After(5 * time.Second):
		t.Fatal("Dispatcher did not become idle")
	}
	if got := atomic.LoadInt32(&hits); got != 8 {
		t.Fatalf("Server got %d hits, expected 8", got)
	}
	if got := d.RunningCallsCount(); got != 0 {
		t.Fatalf("Running %d calls after idle", got)
	}
}

type serverCall struct {
	dispatcher *Dispatcher
	host       string
	url        string
	done       func()
}

func (c *serverCall) Host() string { return c.host }

func (c *serverCall) Cancel() {}

func (c *serverCall) Run() {
	defer c.dispatcher.FinishedAsync(c)
	defer c.done()
	res, err := http.Get(c.url)
	if err != nil {
		return
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}
