// Package poll runs fixed-interval fetch loops that only call back when the
// fetched snapshot actually changed.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"neighborly/api/internal/logging"
	"neighborly/api/internal/metrics"
)

type Fetcher[T any] func(ctx context.Context) (T, error)

type Equal[T any] func(a, b T) bool

type options struct {
	name    string
	log     *logrus.Entry
	onError func(error)
}

type Option func(*options)

// WithName labels log lines and the failure metric.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// WithOnError is called with every fetch error, after it is logged.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// Subscription is one running poll loop.
type Subscription struct {
	mu      sync.Mutex
	stopped bool
	timer   *time.Timer
	release func() bool
}

// Subscribe fetches immediately and then again interval after each fetch
// completes, so one subscription never has two fetches in flight. onData
// receives the first snapshot and every later one that is not equal to the
// snapshot delivered before it. Errors are logged and the loop continues.
//
// The loop stops when Cancel is called or ctx is done. A fetch running at
// that moment is not interrupted, but its result is dropped. onData and the
// WithOnError callback may call Cancel on their own subscription.
func Subscribe[T any](ctx context.Context, fetch Fetcher[T], onData func(T), interval time.Duration, equal Equal[T], opts ...Option) *Subscription {
	o := options{name: "poll"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Discard()
	}
	log := o.log.WithField("subscription", o.name)

	sub := &Subscription{}
	var (
		prev    T
		hasPrev bool
		tick    func()
	)
	tick = func() {
		if sub.isStopped() || ctx.Err() != nil {
			return
		}
		next, err := fetch(ctx)
		changed := err == nil && (!hasPrev || !equal(prev, next))

		// Callbacks run unlocked, right after the stop check, so they may
		// cancel their own subscription. Only this tick chain touches prev.
		if sub.isStopped() || ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			log.WithError(err).Warn("poll fetch failed")
			metrics.RecordPollFailure(o.name)
			if o.onError != nil {
				o.onError(err)
			}
		case changed:
			prev, hasPrev = next, true
			onData(next)
		}

		sub.mu.Lock()
		defer sub.mu.Unlock()
		if sub.stopped || ctx.Err() != nil {
			return
		}
		sub.timer = time.AfterFunc(interval, tick)
	}

	sub.mu.Lock()
	sub.timer = time.AfterFunc(0, tick)
	sub.release = context.AfterFunc(ctx, sub.Cancel)
	sub.mu.Unlock()
	return sub
}

func (s *Subscription) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Cancel stops the loop. After it returns onData is not called again.
// Calling it more than once is harmless.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.release != nil {
		s.release()
	}
}

func (s *Subscription) Stopped() bool {
	return s.isStopped()
}
