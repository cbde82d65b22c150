package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/akashsinga/quantpulse/internal/metrics"
)

// ErrUnavailable is returned when the shared state behind the limiter cannot
// be reached. Callers must fail closed: no token, no upstream call.
var ErrUnavailable = errors.New("rate limiter shared state unavailable")

const (
	// stateTTL bounds how long a crashed process can hold the spacing key.
	stateTTL = 5 * time.Minute

	// retryFloor is the minimum sleep between acquisition attempts.
	retryFloor = 100 * time.Millisecond
)

// acquireScript implements the compare-and-set: write now as the last
// acquisition timestamp only if the minimum spacing has elapsed. Timestamps
// are microseconds since epoch.
var acquireScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
local min = tonumber(ARGV[2])
if now - last >= min then
	redis.call('SET', KEYS[1], now, 'EX', tonumber(ARGV[3]))
	return 1
end
return 0
`)

// Limiter spaces upstream calls uniformly across every process and host
// sharing the same Redis key. One shared scalar (the last acquisition
// timestamp) is the entire coordination state; uniform spacing, not a token
// bucket, because the upstream penalizes bursts as much as sustained rates.
type Limiter struct {
	rdb         redis.Cmdable
	key         string
	minInterval time.Duration
	m           *metrics.Registry

	successful atomic.Int64
	timeouts   atomic.Int64
	lastReqUs  atomic.Int64

	// Injectable for tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New builds a limiter enforcing rps requests per second against key.
func New(rdb redis.Cmdable, key string, rps float64, m *metrics.Registry) (*Limiter, error) {
	if rps <= 0 {
		return nil, fmt.Errorf("rps must be positive, got %v", rps)
	}
	return &Limiter{
		rdb:         rdb,
		key:         key,
		minInterval: time.Duration(float64(time.Second) / rps),
		m:           m,
		now:         time.Now,
		sleep:       sleepCtx,
	}, nil
}

// Acquire blocks until the caller may issue tokens upstream requests, or
// until timeout expires. The returned bool is false on timeout. Shared-state
// errors are returned as ErrUnavailable (wrapped); the caller must not
// proceed upstream in that case.
func (l *Limiter) Acquire(ctx context.Context, tokens int, timeout time.Duration, clientID string) (bool, error) {
	if tokens < 1 {
		tokens = 1
	}
	needed := time.Duration(tokens) * l.minInterval
	deadline := l.now().Add(timeout)
	started := l.now()

	for {
		now := l.now()
		if now.After(deadline) {
			l.timeouts.Add(1)
			if l.m != nil {
				l.m.AcquireTimeout.Inc()
			}
			log.Warn().Str("client_id", clientID).Dur("timeout", timeout).
				Msg("rate limit acquisition timed out")
			return false, nil
		}

		ok, elapsed, err := l.tryAcquire(ctx, now, needed)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if ok {
			l.successful.Add(1)
			l.lastReqUs.Store(now.UnixMicro())
			if l.m != nil {
				l.m.AcquireSuccess.Inc()
				l.m.AcquireWait.Observe(l.now().Sub(started).Seconds())
			}
			return true, nil
		}

		// Lost the race or spacing not yet satisfied: wait out the
		// remainder plus a small cushion before retrying.
		wait := needed - elapsed + retryFloor
		if wait < retryFloor {
			wait = retryFloor
		}
		if err := l.sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

// tryAcquire performs one compare-and-set round. elapsed is how long ago the
// last successful acquisition happened, valid only when ok is false.
func (l *Limiter) tryAcquire(ctx context.Context, now time.Time, needed time.Duration) (ok bool, elapsed time.Duration, err error) {
	lastStr, err := l.rdb.Get(ctx, l.key).Result()
	switch {
	case err == redis.Nil:
		lastStr = "0"
	case err != nil:
		return false, 0, err
	}
	lastUs, err := strconv.ParseInt(lastStr, 10, 64)
	if err != nil {
		// A corrupt key reads as "never acquired"; the CAS script overwrites
		// it on the next grant.
		log.Warn().Str("key", l.key).Str("value", lastStr).
			Msg("rate limiter state key is not a timestamp, treating as unset")
		lastUs = 0
	}
	elapsed = time.Duration(now.UnixMicro()-lastUs) * time.Microsecond

	if elapsed < needed {
		return false, elapsed, nil
	}

	res, err := acquireScript.Run(ctx, l.rdb, []string{l.key},
		now.UnixMicro(), needed.Microseconds(), int(stateTTL.Seconds())).Int64()
	if err != nil {
		return false, 0, err
	}
	return res == 1, elapsed, nil
}

// Counters exposes the diagnostic counters.
func (l *Limiter) Counters() (successful, timeouts int64, lastRequest time.Time) {
	us := l.lastReqUs.Load()
	if us > 0 {
		lastRequest = time.UnixMicro(us)
	}
	return l.successful.Load(), l.timeouts.Load(), lastRequest
}

// MinInterval reports the enforced spacing between acquisitions.
func (l *Limiter) MinInterval() time.Duration {
	return l.minInterval
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	instance *Limiter
	initOnce sync.Once
)

// Init installs the process-wide limiter. All in-process callers coalesce on
// this single instance; calling Init twice is a no-op.
func Init(rdb redis.Cmdable, key string, rps float64, m *metrics.Registry) (*Limiter, error) {
	var err error
	initOnce.Do(func() {
		instance, err = New(rdb, key, rps, m)
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// Shared returns the process-wide limiter, or nil before Init.
func Shared() *Limiter {
	return instance
}
