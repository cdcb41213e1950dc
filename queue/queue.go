// queue/queue.go
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// BackoffType selects how retry delay grows between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Options are the per-queue retry and retention policy.
type Options struct {
	// Attempts is the total number of tries a job gets (first run included).
	Attempts int
	// Backoff is the base delay before a retry.
	Backoff time.Duration
	// BackoffType: fixed keeps Backoff constant, exponential doubles it per
	// retry starting from Backoff.
	BackoffType BackoffType
	// KeepCompleted caps the completed-job history ring.
	KeepCompleted int64
	// KeepFailed caps the dead-job list, kept larger for diagnosis.
	KeepFailed int64
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
	if o.BackoffType == "" {
		o.BackoffType = BackoffFixed
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = 100
	}
	if o.KeepFailed <= 0 {
		o.KeepFailed = 1000
	}
	return o
}

// NextBackoff returns the delay before retry number `attempt` (1-based: the
// delay after the first failed run is attempt 1).
func NextBackoff(opts Options, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if opts.BackoffType == BackoffExponential {
		return opts.Backoff << (attempt - 1)
	}
	return opts.Backoff
}

// Job is the envelope stored in redis around a caller payload.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"` // runs already made
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue is a named at-least-once job queue over redis: a wait list for ready
// jobs, a delayed zset for scheduled retries, and capped completed/failed
// history lists.
type Queue struct {
	rdb  *redis.Client
	name string
	opts Options
}

func New(rdb *redis.Client, name string, opts Options) *Queue {
	return &Queue{
		rdb:  rdb,
		name: name,
		opts: opts.withDefaults(),
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) waitKey() string    { return "queue:" + q.name + ":wait" }
func (q *Queue) activeKey() string  { return "queue:" + q.name + ":active" }
func (q *Queue) delayedKey() string { return "queue:" + q.name + ":delayed" }
func (q *Queue) doneKey() string    { return "queue:" + q.name + ":completed" }
func (q *Queue) failedKey() string  { return "queue:" + q.name + ":failed" }

// Enqueue pushes one job payload onto the wait list.
func (q *Queue) Enqueue(ctx context.Context, payload any) error {
	return q.EnqueueBatch(ctx, []any{payload})
}

// EnqueueBatch pushes many payloads in a single pipeline round trip — the
// scheduler enqueues every active account per cycle, so this is the hot path.
func (q *Queue) EnqueueBatch(ctx context.Context, payloads []any) error {
	if len(payloads) == 0 {
		return nil
	}

	encoded := make([]interface{}, 0, len(payloads))
	now := time.Now().UTC()
	for _, p := range payloads {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal job payload for queue %s: %w", q.name, err)
		}
		job := Job{
			ID:         uuid.NewString(),
			Queue:      q.name,
			Payload:    raw,
			EnqueuedAt: now,
		}
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job envelope for queue %s: %w", q.name, err)
		}
		encoded = append(encoded, data)
	}

	if err := q.rdb.LPush(ctx, q.waitKey(), encoded...).Err(); err != nil {
		return fmt.Errorf("failed to enqueue %d job(s) on %s: %w", len(encoded), q.name, err)
	}
	return nil
}

// Depth returns the number of jobs waiting to be claimed.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.waitKey()).Result()
}

// FailedCount returns the number of retained dead jobs.
func (q *Queue) FailedCount(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.failedKey()).Result()
}

// claim blocks until a job is ready, moving it wait → active so a crashed
// worker leaves evidence rather than silently dropping the job. There is no
// stalled-job reclaim pass: a job stranded in active by a crash stays there
// for inspection. Sync jobs are regenerated every scheduler cycle and risk
// events by the next sync of the same account, so nothing stays unprocessed.
func (q *Queue) claim(ctx context.Context, timeout time.Duration) (*Job, string, error) {
	data, err := q.rdb.BRPopLPush(ctx, q.waitKey(), q.activeKey(), timeout).Result()
	if err != nil {
		return nil, "", err
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		// Undecodable envelope: drop it from active into failed, keep draining.
		q.rdb.LRem(ctx, q.activeKey(), 1, data)
		q.rdb.LPush(ctx, q.failedKey(), data)
		return nil, "", fmt.Errorf("failed to decode job envelope on %s: %w", q.name, err)
	}
	return &job, data, nil
}

// complete removes the job from active and records it in the capped history.
func (q *Queue) complete(ctx context.Context, raw string) {
	pipe := q.rdb.Pipeline()
	pipe.LRem(ctx, q.activeKey(), 1, raw)
	pipe.LPush(ctx, q.doneKey(), raw)
	pipe.LTrim(ctx, q.doneKey(), 0, q.opts.KeepCompleted-1)
	_, _ = pipe.Exec(ctx)
}

// retryOrFail reschedules the job per the queue policy, or moves it to the
// failed list once its attempts are spent. Both paths re-marshal the envelope
// so the retained Attempts counter reflects the runs actually made.
func (q *Queue) retryOrFail(ctx context.Context, job *Job, raw string) error {
	q.rdb.LRem(ctx, q.activeKey(), 1, raw)

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to re-marshal job %s: %w", job.ID, err)
	}

	if job.Attempts >= q.opts.Attempts {
		pipe := q.rdb.Pipeline()
		pipe.LPush(ctx, q.failedKey(), data)
		pipe.LTrim(ctx, q.failedKey(), 0, q.opts.KeepFailed-1)
		_, err := pipe.Exec(ctx)
		return err
	}

	delay := NextBackoff(q.opts, job.Attempts)
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	return q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: readyAt, Member: data}).Err()
}

// promoteDelayed atomically moves due jobs from the delayed zset back onto
// the wait list. Lua keeps remove+push atomic across competing processes.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, job in ipairs(due) do
    redis.call('ZREM', KEYS[1], job)
    redis.call('LPUSH', KEYS[2], job)
end
return #due
`)

func (q *Queue) promoteDelayed(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey(), q.waitKey()}, now).Result()
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}
