package storage

import (
	"time"

	"github.com/Tryliate/Tryliate-sub001/pkg/backoff"
	"github.com/Tryliate/Tryliate-sub001/pkg/models"
)

// Options holds the queue policy shared by every JobStore implementation.
type Options struct {
	MaxAttempts       int
	Backoff           backoff.Strategy
	Now               func() time.Time
	RecurringDisabled bool
}

type Option func(*Options)

func DefaultOptions() Options {
	return Options{
		MaxAttempts: models.DefaultMaxAttempts,
		Backoff:     backoff.DefaultStrategy(),
		Now:         time.Now,
	}
}

func NewOptions(opts ...Option) Options {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxAttempts sets the retry ceiling for jobs enqueued without one.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxAttempts = n
		}
	}
}

// WithRetryDelay uses a constant delay between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Backoff = backoff.NewConstant(d)
	}
}

func WithBackoff(s backoff.Strategy) Option {
	return func(o *Options) {
		if s != nil {
			o.Backoff = s
		}
	}
}

// WithClock overrides the time source. Only the in-memory store uses it;
// Postgres relies on NOW().
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		o.Now = now
	}
}

// WithoutRecurring turns recurring seeds off regardless of the backend.
func WithoutRecurring() Option {
	return func(o *Options) {
		o.RecurringDisabled = true
	}
}

// RetryDelay picks the delay before the given (1-indexed) retry attempt.
func (o Options) RetryDelay(explicit time.Duration, attempt int) time.Duration {
	if explicit > 0 {
		return explicit
	}
	return o.Backoff.Delay(attempt)
}

// ResolveMaxAttempts applies the default ceiling.
func (o Options) ResolveMaxAttempts(n int) int {
	if n > 0 {
		return n
	}
	return o.MaxAttempts
}
