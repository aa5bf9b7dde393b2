// Package serial provides the single work queue that serializes all call
// state processing. Registry mutation, listener fan-out and audio state
// machine messages all execute on one goroutine; external entry points
// (SIP callbacks, HTTP handlers, headset commands, hardware receivers)
// marshal onto the queue instead of mutating state inline.
package serial

import (
	"log/slog"
	"sync"
	"time"
)

// Runner is a single-goroutine work queue with strict submission
// ordering. Internal follow-up work may be posted to the front of the
// queue so that multi-step reactions appear atomic to external
// observers: an external message can never interleave between a message
// and its front-posted follow-ups.
type Runner struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []item
	stopped bool
	done    chan struct{}
	logger  *slog.Logger
}

type item struct {
	label string
	fn    func()
}

// NewRunner creates a runner and starts its worker goroutine.
func NewRunner(logger *slog.Logger) *Runner {
	r := &Runner{
		done:   make(chan struct{}),
		logger: logger.With("subsystem", "serial"),
	}
	r.cond = sync.NewCond(&r.mu)
	go r.loop()
	return r
}

// Post appends work to the back of the queue. It never blocks.
func (r *Runner) Post(label string, fn func()) {
	r.enqueue(item{label: label, fn: fn}, false)
}

// PostFront inserts work at the front of the queue. Reserved for
// internal follow-up messages generated while processing another
// message; external entry points must use Post.
func (r *Runner) PostFront(label string, fn func()) {
	r.enqueue(item{label: label, fn: fn}, true)
}

// PostDelayed schedules work to be posted after the given delay. The
// returned timer may be stopped to cancel the work before it is posted;
// once posted it runs like any other message.
func (r *Runner) PostDelayed(label string, d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		r.Post(label, fn)
	})
}

// Stop drains nothing: queued work is abandoned and the worker exits
// after finishing the message in flight. Post calls after Stop are
// dropped.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.queue = nil
	r.cond.Signal()
	r.mu.Unlock()
	<-r.done
}

func (r *Runner) enqueue(it item, front bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		r.logger.Warn("message dropped after stop", "label", it.label)
		return
	}
	if front {
		r.queue = append([]item{it}, r.queue...)
	} else {
		r.queue = append(r.queue, it)
	}
	r.cond.Signal()
}

func (r *Runner) loop() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 && !r.stopped {
			r.cond.Wait()
		}
		if r.stopped {
			r.mu.Unlock()
			return
		}
		it := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		r.run(it)
	}
}

// run executes one message, containing panics so a single bad handler
// cannot take down call processing.
func (r *Runner) run(it item) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in queued work",
				"label", it.label,
				"panic", rec,
			)
		}
	}()
	it.fn()
}

// Submit marshals fn onto the runner and blocks the calling goroutine
// until it has run, returning its result. Used by synchronous external
// surfaces (headset protocol replies). Must not be called from the
// runner's own goroutine.
func Submit[T any](r *Runner, label string, fn func() T) T {
	ch := make(chan T, 1)
	r.Post(label, func() {
		ch <- fn()
	})

	select {
	case v := <-ch:
		return v
	case <-r.done:
		var zero T
		return zero
	}
}
