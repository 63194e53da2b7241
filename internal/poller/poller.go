// Package poller waits for post-call analysis to become available.
//
// A Poller issues one call-details request per attempt, strictly in sequence,
// until the readiness predicate holds, the attempt budget runs out, the
// context is cancelled, or a request fails. Callers only ever see "a result"
// or "no result"; the reason for no result is logged.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"call-insights-go/internal/logger"
	"call-insights-go/internal/observe"
	"call-insights-go/internal/types"
)

const (
	DefaultInterval    = 3000 * time.Millisecond
	DefaultMaxAttempts = 20
)

// Fetcher retrieves the current call-details body for a call.
type Fetcher interface {
	Fetch(ctx context.Context, callID string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, callID string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, callID string) ([]byte, error) {
	return f(ctx, callID)
}

type settings struct {
	interval    time.Duration
	maxAttempts int
	onLoading   func(bool)
	log         *logrus.Entry
	metrics     *observe.Metrics
}

// Option configures a Poller, or a single Poll call when passed to Poll.
type Option func(*settings)

// WithInterval sets the wait between attempts. Non-positive values keep the
// current setting.
func WithInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMaxAttempts caps the number of requests. Non-positive values keep the
// current setting.
func WithMaxAttempts(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithLoading registers a hook that is called with true when polling begins
// and false when it ends, whatever the reason.
func WithLoading(fn func(bool)) Option {
	return func(s *settings) { s.onLoading = fn }
}

func WithLogger(log *logrus.Entry) Option {
	return func(s *settings) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *observe.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

type Poller struct {
	fetcher Fetcher
	base    settings
}

func New(f Fetcher, opts ...Option) *Poller {
	s := settings{
		interval:    DefaultInterval,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, o := range opts {
		o(&s)
	}
	if s.log == nil {
		s.log = logger.New().Component("poller")
	}
	return &Poller{fetcher: f, base: s}
}

var errNotReady = errors.New("call details not ready")

// Poll blocks until the analysis for callID is ready or polling stops. An
// empty callID issues no requests. Cancelling ctx stops polling before the
// next attempt and aborts an in-flight request; that is a normal stop, not a
// failure.
func (p *Poller) Poll(ctx context.Context, callID string, opts ...Option) (*types.CallResult, bool) {
	s := p.base
	for _, o := range opts {
		o(&s)
	}
	log := s.log.WithField("call_id", callID)

	if callID == "" {
		log.Debug("no call id, nothing to poll")
		s.metrics.RecordPollOutcome(ctx, observe.OutcomeSkipped, 0)
		return nil, false
	}

	if s.onLoading != nil {
		s.onLoading(true)
		defer s.onLoading(false)
	}

	start := time.Now()
	attempts := 0
	op := func() (*types.CallResult, error) {
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}
		attempts++
		s.metrics.RecordPollAttempt(ctx)

		body, err := p.fetcher.Fetch(ctx, callID)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		res, ready, warnings, err := Ready(body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		for _, w := range warnings {
			log.WithField("attempt", attempts).Warn(w)
		}
		if !ready {
			return nil, errNotReady
		}
		return res, nil
	}
	notify := func(_ error, next time.Duration) {
		log.WithFields(logrus.Fields{
			"attempt":      attempts,
			"max_attempts": s.maxAttempts,
			"next_in_ms":   next.Milliseconds(),
		}).Debug("call details not ready")
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.interval), uint64(s.maxAttempts-1)),
		ctx,
	)
	res, err := backoff.RetryNotifyWithData(op, b, notify)

	elapsed := time.Since(start)
	log = log.WithFields(logrus.Fields{
		"attempts":    attempts,
		"duration_ms": elapsed.Milliseconds(),
	})
	outcome := classify(ctx, err)
	s.metrics.RecordPollOutcome(ctx, outcome, elapsed)

	switch outcome {
	case observe.OutcomeResult:
		log.Info("call details ready")
		return res, true
	case observe.OutcomeExhausted:
		log.Info("call details not ready after max attempts")
	case observe.OutcomeCancelled:
		log.Info("polling cancelled")
	default:
		log.WithField("error", err.Error()).Error("polling failed")
	}
	return nil, false
}

func classify(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return observe.OutcomeResult
	case errors.Is(err, errNotReady):
		return observe.OutcomeExhausted
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return observe.OutcomeCancelled
	default:
		return observe.OutcomeFailed
	}
}
