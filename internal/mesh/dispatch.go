package mesh

import (
	"log/slog"
	"sync"

	"github.com/postalsys/pfd-agent/internal/recovery"
)

// dispatcher runs callbacks one at a time, in submission order, on its own
// goroutine. Callers never block on the callee, so callbacks may be queued
// while mesh locks are held.
type dispatcher struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.run()
	return d
}

// post queues fn. Posts after close are dropped.
func (d *dispatcher) post(name string, fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, func() {
		recovery.Call(d.logger, name, fn)
	})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.stopped)

	for {
		d.mu.Lock()
		batch := d.queue
		d.queue = nil
		closed := d.closed
		d.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-d.wake:
		case <-d.done:
		}
	}
}

// close stops accepting callbacks, drains what is queued and waits for the
// worker to exit. It must not be called from a dispatched callback.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.stopped
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.done)
	<-d.stopped
}
