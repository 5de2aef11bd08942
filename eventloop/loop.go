// Package eventloop runs capture logic on a single goroutine.
//
// Every component of the capture engine is driven from one Loop and is not
// safe for use from other goroutines. Work that blocks (hardware
// negotiation, network uploads) goes through Async, and its continuation is
// posted back to the loop.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Timer is a pending callback registered with AfterFunc.
type Timer interface {
	// Stop prevents the callback from being posted. It is best-effort: a
	// callback already sitting in the queue still runs, so callbacks must
	// re-check their own state.
	Stop() bool
}

// Clock reports loop time.
type Clock interface {
	Now() time.Time
}

// Loop is the single-threaded executor every capture component runs on.
type Loop interface {
	Clock
	// Post queues fn to run on the loop, after everything already queued.
	Post(fn func())
	// AfterFunc queues fn once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
	// Async runs work off the loop, then queues then on the loop.
	Async(work func(), then func())
}

var ErrLoopStopped = errors.New("event loop stopped")

// EventLoop is the production Loop backed by wall-clock timers.
type EventLoop struct {
	log *slog.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	quit    chan struct{}
	stopped bool
}

var _ Loop = (*EventLoop)(nil)

func New(log *slog.Logger) *EventLoop {
	if log == nil {
		log = slog.Default()
	}
	return &EventLoop{
		log:  log.With("svc", "eventloop"),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
}

func (l *EventLoop) Now() time.Time {
	return time.Now()
}

func (l *EventLoop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *EventLoop) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, func() {
		l.Post(fn)
	})
}

func (l *EventLoop) Async(work func(), then func()) {
	go func() {
		work()
		l.Post(then)
	}()
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from the loop goroutine.
func (l *EventLoop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-l.quit:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled. Callbacks posted after Run
// returns are dropped.
func (l *EventLoop) Run(ctx context.Context) error {
	l.log.Debug("event loop started")
	defer func() {
		l.mu.Lock()
		if !l.stopped {
			l.stopped = true
			close(l.quit)
		}
		l.queue = nil
		l.mu.Unlock()
		l.log.Debug("event loop stopped")
	}()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.run(fn)
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *EventLoop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("callback panicked", "err", fmt.Sprint(r))
		}
	}()
	fn()
}
