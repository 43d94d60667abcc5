// Package loop implements the single-threaded execution context of a node.
//
// Work items are closures executed one at a time, to completion, in the order
// they were posted. Any goroutine (a socket reader, a timer, another node) that
// wants to run code in the context of the loop MUST go through [Loop.Post]
// rather than calling the target directly.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
)

var (
	ErrClosed = errors.New("loop: closed")

	MetricLoopPanicCount = []string{"darc", "loop", "panic", "count"}
	MetricLoopPostCount  = []string{"darc", "loop", "post", "count"}
)

// Fataler is implemented by panic values which denote a broken local
// invariant. The loop re-raises them instead of recovering.
type Fataler interface {
	Fatal() bool
}

type Config struct {
	Logger       *slog.Logger
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

type Loop struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	lk     sync.Mutex
	queue  []func()
	closed bool
	wakeCh chan struct{}
	doneCh chan struct{}

	// goroutine running the work items.
	owner atomic.Uint64
}

// New starts the loop goroutine.
func New(cfg Config) *Loop {
	l := &Loop{
		logger: cfg.Logger,
		msink:  cfg.MetricSink,
		labels: cfg.MetricLabels,
		wakeCh: make(chan struct{}, 1),
		doneCh: make(chan struct{}),
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.msink == nil {
		l.msink = &metrics.BlackholeSink{}
	}

	go l.run()
	return l
}

// Post enqueues fn. It returns false if the loop is closed, in which case fn
// will never run.
func (l *Loop) Post(fn func()) bool {
	l.lk.Lock()
	if l.closed {
		l.lk.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.lk.Unlock()

	l.msink.IncrCounterWithLabels(MetricLoopPostCount, 1.0, l.labels)
	select {
	case l.wakeCh <- struct{}{}:
	default:
		// a wake-up is already pending.
	}
	return true
}

// OnLoop reports whether the caller is the loop goroutine, i.e. whether it
// runs from a work item.
func (l *Loop) OnLoop() bool {
	return l.owner.Load() == goid()
}

// Run executes fn on the loop and waits for it to return. From a work item,
// fn runs in place. Either way fn never overlaps with another work item.
func (l *Loop) Run(fn func()) error {
	if l.OnLoop() {
		fn()
		return nil
	}

	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	<-done
	return nil
}

// Sync waits until every item posted before the call has been executed.
// It MUST NOT be called from the loop itself.
func (l *Loop) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !l.Post(func() { close(done) }) {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Close stops accepting work, runs what was already posted and waits
// for the loop goroutine to exit.
// It MUST NOT be called from the loop itself.
func (l *Loop) Close() {
	l.lk.Lock()
	if l.closed {
		l.lk.Unlock()
		<-l.doneCh
		return
	}
	l.closed = true
	l.lk.Unlock()

	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
	<-l.doneCh
}

func (l *Loop) run() {
	defer close(l.doneCh)
	l.owner.Store(goid())
	for range l.wakeCh {
		for {
			l.lk.Lock()
			batch := l.queue
			l.queue = nil
			closed := l.closed
			l.lk.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}

			for _, fn := range batch {
				l.exec(fn)
			}
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if f, ok := r.(Fataler); ok && f.Fatal() {
			panic(r)
		}
		l.msink.IncrCounterWithLabels(MetricLoopPanicCount, 1.0, l.labels)
		l.logger.Error("recovered from a panic in posted work", "panic", fmt.Sprint(r))
	}()
	fn()
}
