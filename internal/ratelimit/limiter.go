// Package ratelimit is the shared request limiter: fixed one-minute
// windows counted on the shared store, with a circuit breaker in front and
// a bounded in-process sliding-window fallback. The limiter never fails
// open: if neither the store nor the fallback can count a request, the
// request is denied.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tollgate/server/internal/circuitbreaker"
	"github.com/tollgate/server/internal/metrics"
)

// fallbackMaxKeys bounds the in-process counter map.
const fallbackMaxKeys = 10000

// CounterStore is the slice of the document store the limiter needs.
type CounterStore interface {
	IncrRateCounter(ctx context.Context, key string, windowStart time.Time) (int, error)
	PruneRateCounters(ctx context.Context, olderThan time.Time) (int64, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter counts per-key requests per minute.
type Limiter struct {
	store    CounterStore
	breaker  *circuitbreaker.Manager
	metrics  *metrics.Metrics
	log      zerolog.Logger
	now      func() time.Time
	interval time.Duration

	mu       sync.Mutex
	fallback map[string]*slidingWindow

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// slidingWindow holds the timestamps of requests seen in the last
// interval, oldest first. Expired stamps are evicted on every touch.
type slidingWindow struct {
	stamps []time.Time
}

func (s *slidingWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(s.stamps) && !s.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		s.stamps = append(s.stamps[:0], s.stamps[i:]...)
	}
}

func (s *slidingWindow) newest() time.Time {
	if len(s.stamps) == 0 {
		return time.Time{}
	}
	return s.stamps[len(s.stamps)-1]
}

// New creates a limiter. sweepInterval drives the background pruner of
// both the fallback map and the store counters (zero disables it).
func New(store CounterStore, breaker *circuitbreaker.Manager, m *metrics.Metrics, log zerolog.Logger, sweepInterval time.Duration) *Limiter {
	l := &Limiter{
		store:     store,
		breaker:   breaker,
		metrics:   m,
		log:       log.With().Str("component", "ratelimit").Logger(),
		now:       time.Now,
		interval:  time.Minute,
		fallback:  make(map[string]*slidingWindow),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	if sweepInterval > 0 {
		go l.sweepLoop(sweepInterval)
	} else {
		close(l.sweepDone)
	}
	return l
}

// Close stops the sweeper.
func (l *Limiter) Close() error {
	select {
	case <-l.stopSweep:
	default:
		close(l.stopSweep)
	}
	<-l.sweepDone
	return nil
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	defer close(l.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := l.now().Add(-2 * l.interval)
			l.sweepFallback(cutoff)
			if l.store != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if n, err := l.store.PruneRateCounters(ctx, cutoff); err != nil {
					l.log.Warn().Err(err).Msg("prune rate counters")
				} else if n > 0 {
					l.log.Debug().Int64("pruned", n).Msg("pruned rate counters")
				}
				cancel()
			}
		case <-l.stopSweep:
			return
		}
	}
}

func (l *Limiter) sweepFallback(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, c := range l.fallback {
		if c.newest().Before(cutoff) {
			delete(l.fallback, k)
		}
	}
}

// Allow counts one request against the key and reports whether it fits
// within limit requests per minute.
func (l *Limiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	now := l.now()
	windowStart := now.Truncate(l.interval)
	retryAfter := windowStart.Add(l.interval).Sub(now)

	count, err := l.countPrimary(ctx, key, windowStart)
	if err != nil {
		l.metrics.ObserveRateLimitFallback()
		count, err = l.countFallback(key, now)
		if err != nil {
			// Neither side could count: deny rather than fail open.
			l.log.Warn().Err(err).Str("key", key).Msg("limiter unavailable, denying")
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}

	if count > limit {
		l.metrics.ObserveRateLimit(key)
		return Decision{Allowed: false, RetryAfter: retryAfter}
	}
	return Decision{Allowed: true, Remaining: limit - count}
}

func (l *Limiter) countPrimary(ctx context.Context, key string, windowStart time.Time) (int, error) {
	if l.store == nil {
		return 0, errNoStore
	}
	out, err := l.breaker.Execute(circuitbreaker.ServiceStoreCounter, func() (interface{}, error) {
		return l.store.IncrRateCounter(ctx, key, windowStart)
	})
	if err != nil {
		return 0, err
	}
	return out.(int), nil
}

var errNoStore = &limiterError{"no counter store configured"}
var errFallbackFull = &limiterError{"fallback counter map full"}

type limiterError struct{ msg string }

func (e *limiterError) Error() string { return "ratelimit: " + e.msg }

// countFallback records one request in the key's sliding window and
// returns how many fall inside the last interval, the new one included.
func (l *Limiter) countFallback(key string, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.interval)
	c, ok := l.fallback[key]
	if ok {
		c.prune(cutoff)
		c.stamps = append(c.stamps, now)
		return len(c.stamps), nil
	}

	if len(l.fallback) >= fallbackMaxKeys {
		// Try to reclaim idle keys before giving up.
		for k, old := range l.fallback {
			if old.newest().Before(cutoff) {
				delete(l.fallback, k)
			}
		}
		if len(l.fallback) >= fallbackMaxKeys {
			return 0, errFallbackFull
		}
	}
	l.fallback[key] = &slidingWindow{stamps: []time.Time{now}}
	return 1, nil
}
