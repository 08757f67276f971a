package courier

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Executor runs dispatcher tasks. Execute must not block: the
// dispatcher submits work while holding its lock. An executor supplied
// via Config must be able to run at least MaxRequests tasks
// concurrently.
type Executor interface {
	Execute(task func())
}

// goExecutor hands tasks to an idle worker goroutine when one is
// waiting, and spawns a new worker otherwise. Idle workers linger for
// the keep-alive period before exiting, so bursts reuse goroutines
// instead of churning them.
type goExecutor struct {
	log       zerolog.Logger
	keepAlive time.Duration
	handoff   chan func()
	nextID    int64
}

func newGoExecutor(log zerolog.Logger) *goExecutor {
	return &goExecutor{
		log:       log,
		keepAlive: 60 * time.Second,
		handoff:   make(chan func()),
	}
}

func (e *goExecutor) Execute(task func()) {
	select {
	case e.handoff <- task:
	default:
		id := atomic.AddInt64(&e.nextID, 1)
		go e.work(fmt.Sprintf("courier-dispatcher-%d", id), task)
	}
}

func (e *goExecutor) work(name string, task func()) {
	log := e.log.With().Str("worker", name).Logger()
	log.Trace().Msg("Worker started")
	for {
		task()
		idle := time.NewTimer(e.keepAlive)
		select {
		case task = <-e.handoff:
			idle.Stop()
		case <-idle.C:
			log.Trace().Msg("Worker idle, exiting")
			return
		}
	}
}
