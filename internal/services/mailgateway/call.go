package mailgateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Options tunes how a gateway talks to its provider.
type Options struct {
	RequestsPerSecond float64
	RequestTimeout    time.Duration
	MaxMessages       int
	Query             string
	Retries           uint64
	// Endpoint overrides the provider API base URL.
	Endpoint string
	Logger   zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 10
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = 200
	}
	if o.Retries == 0 {
		o.Retries = 3
	}
	return o
}

// retryable marks an error worth another attempt. Only retryable errors
// count against the circuit breaker.
type retryable struct {
	err error
}

func (r *retryable) Error() string { return r.err.Error() }
func (r *retryable) Unwrap() error { return r.err }

func isRetryable(err error) bool {
	var r *retryable
	return errors.As(err, &r)
}

// classifier maps a raw provider error to ErrUnauthorized, a retryable
// error, or a permanent one.
type classifier func(error) error

// caller guards provider calls with a token bucket, a circuit breaker and
// exponential backoff.
type caller struct {
	name     string
	limiter  *rate.Limiter
	cb       *gobreaker.CircuitBreaker
	retries  uint64
	timeout  time.Duration
	classify classifier
	log      zerolog.Logger
}

func newCaller(name string, opts Options, classify classifier) *caller {
	opts = opts.withDefaults()
	log := opts.Logger.With().Str("provider", name).Logger()

	burst := int(opts.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &caller{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || !isRetryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
			},
		}),
		retries:  opts.Retries,
		timeout:  opts.RequestTimeout,
		classify: classify,
		log:      log,
	}
}

// do runs fn until it succeeds, fails permanently, or retries run out.
// Exhausted retries surface as ErrTransient.
func (c *caller) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.retries), ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		_, err := c.cb.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			if err := fn(callCtx); err != nil {
				return nil, c.classify(err)
			}
			return nil, nil
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(&retryable{err: err})
		case isRetryable(err):
			c.log.Debug().Err(err).Str("op", op).Int("attempt", attempt).Msg("retrying provider call")
			return err
		}
		return backoff.Permanent(err)
	}, b)
	if err != nil && isRetryable(err) {
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, c.name, op, err)
	}
	if err != nil && !errors.Is(err, ErrUnauthorized) {
		return fmt.Errorf("%s %s: %w", c.name, op, err)
	}
	return err
}
