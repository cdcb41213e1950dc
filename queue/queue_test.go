package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, name string, opts Options) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, name, opts)
}

func TestNextBackoffFixed(t *testing.T) {
	opts := Options{Backoff: 5 * time.Second, BackoffType: BackoffFixed}.withDefaults()

	assert.Equal(t, 5*time.Second, NextBackoff(opts, 1))
	assert.Equal(t, 5*time.Second, NextBackoff(opts, 2))
	assert.Equal(t, 5*time.Second, NextBackoff(opts, 3))
}

func TestNextBackoffExponential(t *testing.T) {
	opts := Options{Backoff: time.Second, BackoffType: BackoffExponential}.withDefaults()

	assert.Equal(t, 1*time.Second, NextBackoff(opts, 1))
	assert.Equal(t, 2*time.Second, NextBackoff(opts, 2))
	assert.Equal(t, 4*time.Second, NextBackoff(opts, 3))
}

func TestNextBackoffClampsAttempt(t *testing.T) {
	opts := Options{Backoff: time.Second, BackoffType: BackoffExponential}.withDefaults()
	assert.Equal(t, time.Second, NextBackoff(opts, 0))
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()

	assert.Equal(t, 1, opts.Attempts)
	assert.Equal(t, time.Second, opts.Backoff)
	assert.Equal(t, BackoffFixed, opts.BackoffType)
	assert.Equal(t, int64(100), opts.KeepCompleted)
	assert.Equal(t, int64(1000), opts.KeepFailed)
}

func TestJobEnvelopeRoundTrip(t *testing.T) {
	job := Job{
		ID:         "j-1",
		Queue:      "trade-sync",
		Payload:    json.RawMessage(`{"login":"100001"}`),
		Attempts:   2,
		EnqueuedAt: time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(job)
	require.NoError(t, err)

	var decoded Job
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, job.ID, decoded.ID)
	assert.Equal(t, job.Attempts, decoded.Attempts)
	assert.JSONEq(t, string(job.Payload), string(decoded.Payload))
}

// The retained dead-job envelope must carry the runs actually made, not the
// attempt count it was enqueued with.
func TestFailedJobRetainsAttemptCount(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t, "risk-events", Options{Attempts: 2, Backoff: time.Millisecond})

	require.NoError(t, q.Enqueue(ctx, map[string]string{"challengeId": "ch-1"}))

	// First run fails: the job is rescheduled onto the delayed set.
	job, raw, err := q.claim(ctx, time.Second)
	require.NoError(t, err)
	job.Attempts++
	require.NoError(t, q.retryOrFail(ctx, job, raw))

	require.Eventually(t, func() bool {
		n, err := q.promoteDelayed(ctx)
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)

	// Second run exhausts the policy: the job lands on the failed list.
	job, raw, err = q.claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts) // the retried envelope kept run one
	job.Attempts++
	require.NoError(t, q.retryOrFail(ctx, job, raw))

	entries, err := q.rdb.LRange(ctx, q.failedKey(), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var dead Job
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &dead))
	assert.Equal(t, 2, dead.Attempts)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestQueueKeyLayout(t *testing.T) {
	q := New(nil, "risk-events", Options{})

	assert.Equal(t, "risk-events", q.Name())
	assert.Equal(t, "queue:risk-events:wait", q.waitKey())
	assert.Equal(t, "queue:risk-events:active", q.activeKey())
	assert.Equal(t, "queue:risk-events:delayed", q.delayedKey())
	assert.Equal(t, "queue:risk-events:completed", q.doneKey())
	assert.Equal(t, "queue:risk-events:failed", q.failedKey())
}
