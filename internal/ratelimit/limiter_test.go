package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "quantpulse:ratelimit:test"

// testClock is a deterministic clock; sleeps advance it instead of waiting.
type testClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newTestLimiter(t *testing.T, rps float64) (*Limiter, redismock.ClientMock, *testClock) {
	t.Helper()
	rdb, mock := redismock.NewClientMock()
	l, err := New(rdb, testKey, rps, nil)
	require.NoError(t, err)

	clk := &testClock{now: time.Unix(1_700_000_000, 0)}
	l.now = func() time.Time { return clk.now }
	l.sleep = func(_ context.Context, d time.Duration) error {
		clk.sleeps = append(clk.sleeps, d)
		clk.now = clk.now.Add(d)
		return nil
	}
	return l, mock, clk
}

func TestAcquireFirstCallSucceeds(t *testing.T) {
	l, mock, clk := newTestLimiter(t, 5)
	needed := l.MinInterval()

	mock.ExpectGet(testKey).RedisNil()
	mock.ExpectEvalSha(acquireScript.Hash(), []string{testKey},
		clk.now.UnixMicro(), needed.Microseconds(), int(stateTTL.Seconds())).SetVal(int64(1))

	ok, err := l.Acquire(context.Background(), 1, time.Second, "client-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, clk.sleeps, "no wait when spacing already satisfied")

	successful, timeouts, last := l.Counters()
	assert.Equal(t, int64(1), successful)
	assert.Equal(t, int64(0), timeouts)
	assert.Equal(t, clk.now.UnixMicro(), last.UnixMicro())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireWaitsOutMinimumSpacing(t *testing.T) {
	l, mock, clk := newTestLimiter(t, 5) // 200ms spacing
	needed := l.MinInterval()

	// Last acquisition 50ms ago: first round must not acquire.
	last := clk.now.Add(-50 * time.Millisecond).UnixMicro()
	mock.ExpectGet(testKey).SetVal(fmt.Sprintf("%d", last))

	// After sleeping out the remainder the second round succeeds.
	afterSleep := clk.now.Add(needed - 50*time.Millisecond + retryFloor)
	mock.ExpectGet(testKey).SetVal(fmt.Sprintf("%d", last))
	mock.ExpectEvalSha(acquireScript.Hash(), []string{testKey},
		afterSleep.UnixMicro(), needed.Microseconds(), int(stateTTL.Seconds())).SetVal(int64(1))

	ok, err := l.Acquire(context.Background(), 1, 5*time.Second, "client-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, clk.sleeps, 1)
	assert.Equal(t, needed-50*time.Millisecond+retryFloor, clk.sleeps[0],
		"wait covers the remaining spacing plus the retry floor")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireMultipleTokensScaleSpacing(t *testing.T) {
	l, mock, clk := newTestLimiter(t, 5)
	needed := 3 * l.MinInterval()

	mock.ExpectGet(testKey).RedisNil()
	mock.ExpectEvalSha(acquireScript.Hash(), []string{testKey},
		clk.now.UnixMicro(), needed.Microseconds(), int(stateTTL.Seconds())).SetVal(int64(1))

	ok, err := l.Acquire(context.Background(), 3, time.Second, "client-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireTimesOut(t *testing.T) {
	l, mock, clk := newTestLimiter(t, 5)

	// Shared state reports an acquisition just now, so the first round cannot
	// acquire; the sleep overshoots the deadline and the second round times out.
	mock.ExpectGet(testKey).SetVal(fmt.Sprintf("%d", clk.now.UnixMicro()))
	l.sleep = func(_ context.Context, _ time.Duration) error {
		clk.now = clk.now.Add(time.Second)
		return nil
	}

	ok, err := l.Acquire(context.Background(), 1, 500*time.Millisecond, "client-1")
	require.NoError(t, err)
	assert.False(t, ok, "timeout returns false without error")

	_, timeouts, _ := l.Counters()
	assert.Equal(t, int64(1), timeouts)
}

func TestAcquireTreatsCorruptStateAsUnset(t *testing.T) {
	l, mock, clk := newTestLimiter(t, 5)
	needed := l.MinInterval()

	mock.ExpectGet(testKey).SetVal("not-a-timestamp")
	mock.ExpectEvalSha(acquireScript.Hash(), []string{testKey},
		clk.now.UnixMicro(), needed.Microseconds(), int(stateTTL.Seconds())).SetVal(int64(1))

	ok, err := l.Acquire(context.Background(), 1, time.Second, "client-1")
	require.NoError(t, err)
	assert.True(t, ok, "a corrupt spacing key reads as never acquired")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireFailsClosedWhenStateUnavailable(t *testing.T) {
	l, mock, _ := newTestLimiter(t, 5)
	mock.ExpectGet(testKey).SetErr(fmt.Errorf("connection refused"))

	ok, err := l.Acquire(context.Background(), 1, time.Second, "client-1")
	assert.False(t, ok)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestNewRejectsNonPositiveRate(t *testing.T) {
	rdb, _ := redismock.NewClientMock()
	_, err := New(rdb, testKey, 0, nil)
	assert.Error(t, err)
	_, err = New(rdb, testKey, -1, nil)
	assert.Error(t, err)
}

func TestMinInterval(t *testing.T) {
	rdb, _ := redismock.NewClientMock()
	l, err := New(rdb, testKey, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, l.MinInterval())
}
