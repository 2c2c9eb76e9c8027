/*
Copyright 2025 The FlakeGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue implements FlakeGuard's durable job queues on redis:
// idempotency keys, per-error-class retries with backoff, a stalled-job
// watchdog, a dead queue, and graceful worker drain.
package queue

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
)

// Logical queue names.
const (
	QueueEvents    = "events"
	QueueIngest    = "ingest"
	QueueAnalyze   = "analyze"
	QueueRecompute = "recompute"
	QueuePoll      = "poll"
	QueueDead      = "dead"
)

// Job is one durable unit of work.
type Job struct {
	ID      string
	Queue   string
	Key     string
	Payload []byte
	Attempt int
}

// Config carries the queue knobs.
type Config struct {
	// MaxAttempts is the default attempt budget; per-error-class
	// policies can lower it.
	MaxAttempts int
	// HeartbeatTTL is how long a claimed job may go without a heartbeat
	// before the watchdog returns it to waiting.
	HeartbeatTTL time.Duration
	// BaseBackoff and MaxBackoff shape retry delays.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultConfig returns the stock knobs.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		HeartbeatTTL: 30 * time.Second,
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   5 * time.Minute,
	}
}

// Queue is a redis-backed durable queue. One Queue value serves all
// logical queues; they share the connection pool.
type Queue struct {
	pool *redis.Pool
	cfg  Config
	log  *logrus.Entry
	rand *rand.Rand
	now  func() time.Time
}

// NewPool builds a bounded redigo pool.
func NewPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     10,
		MaxActive:   50,
		IdleTimeout: 240 * time.Second,
		Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr) },
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// New returns a Queue over the pool.
func New(pool *redis.Pool, cfg Config, log *logrus.Entry) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Queue{
		pool: pool,
		cfg:  cfg,
		log:  log,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
		now:  time.Now,
	}
}

// Key layout. Everything is prefixed so one redis can be shared.
func pendingKey(q string) string    { return "fg:q:" + q }
func processingKey(q string) string { return "fg:proc:" + q }
func delayedKey(q string) string    { return "fg:delay:" + q }
func jobKey(id string) string       { return "fg:job:" + id }
func dedupKey(q, key string) string { return "fg:key:" + q + ":" + key }
func heartbeatKey(id string) string { return "fg:hb:" + id }

// claimScript atomically moves a pending job to the processing list
// and plants its heartbeat, so a worker crash between the two steps
// cannot orphan a job.
var claimScript = redis.NewScript(2, `
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if id then
	redis.call('SET', 'fg:hb:'..id, ARGV[1], 'EX', ARGV[2])
end
return id
`)

// Enqueue registers a job under its idempotency key. A job whose key is
// already registered in any non-terminal state is dropped; the return
// value reports whether the job was actually enqueued.
func (q *Queue) Enqueue(ctx context.Context, queue, key string, payload []byte) (bool, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return false, errors.Wrap(err, "getting redis connection")
	}
	defer conn.Close()

	id := uuid.NewString()
	registered, err := redis.Int(conn.Do("SETNX", dedupKey(queue, key), id))
	if err != nil {
		return false, errors.Wrap(err, "registering idempotency key")
	}
	if registered == 0 {
		return false, nil
	}
	if _, err := conn.Do("HSET", jobKey(id),
		"queue", queue,
		"key", key,
		"payload", payload,
		"attempt", 0,
	); err != nil {
		return false, errors.Wrap(err, "writing job")
	}
	if _, err := conn.Do("LPUSH", pendingKey(queue), id); err != nil {
		return false, errors.Wrap(err, "pushing job")
	}
	return true, nil
}

// claim pops one job from a queue, or returns nil when empty.
func (q *Queue) claim(ctx context.Context, queue string) (*Job, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "getting redis connection")
	}
	defer conn.Close()

	id, err := redis.String(claimScript.Do(conn,
		pendingKey(queue), processingKey(queue),
		q.now().Unix(), int(q.cfg.HeartbeatTTL.Seconds())))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claiming job")
	}
	return q.loadJob(conn, queue, id)
}

func (q *Queue) loadJob(conn redis.Conn, queue, id string) (*Job, error) {
	vals, err := redis.StringMap(conn.Do("HGETALL", jobKey(id)))
	if err != nil {
		return nil, errors.Wrap(err, "loading job")
	}
	if len(vals) == 0 {
		// Job hash vanished (manual intervention); drop the reference.
		conn.Do("LREM", processingKey(queue), 1, id)
		return nil, nil
	}
	attempt, _ := strconv.Atoi(vals["attempt"])
	return &Job{
		ID:      id,
		Queue:   queue,
		Key:     vals["key"],
		Payload: []byte(vals["payload"]),
		Attempt: attempt,
	}, nil
}

// heartbeat refreshes a claimed job's liveness marker.
func (q *Queue) heartbeat(ctx context.Context, job *Job) error {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("SET", heartbeatKey(job.ID), q.now().Unix(), "EX", int(q.cfg.HeartbeatTTL.Seconds()))
	return err
}

// complete removes a finished job and frees its idempotency key.
func (q *Queue) complete(ctx context.Context, job *Job) error {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.Send("LREM", processingKey(job.Queue), 1, job.ID)
	conn.Send("DEL", jobKey(job.ID), heartbeatKey(job.ID), dedupKey(job.Queue, job.Key))
	_, err = conn.Do("")
	return errors.Wrap(err, "completing job")
}

// release returns an aborted job to waiting with its attempt counter
// unchanged (graceful-shutdown path).
func (q *Queue) release(job *Job) error {
	conn := q.pool.Get()
	defer conn.Close()
	conn.Send("LREM", processingKey(job.Queue), 1, job.ID)
	conn.Send("DEL", heartbeatKey(job.ID))
	conn.Send("LPUSH", pendingKey(job.Queue), job.ID)
	_, err := conn.Do("")
	return errors.Wrap(err, "releasing job")
}

// fail records a failed attempt and either schedules a retry or moves
// the job to the dead queue, according to the error's class.
func (q *Queue) fail(ctx context.Context, job *Job, jobErr error) (retried bool, err error) {
	kind := flakeerrors.KindOf(jobErr)
	attempt := job.Attempt + 1
	budget := flakeerrors.MaxAttempts(kind, q.cfg.MaxAttempts)

	conn, cerr := q.pool.GetContext(ctx)
	if cerr != nil {
		return false, errors.Wrap(cerr, "getting redis connection")
	}
	defer conn.Close()

	if attempt >= budget {
		conn.Send("LREM", processingKey(job.Queue), 1, job.ID)
		conn.Send("DEL", heartbeatKey(job.ID), dedupKey(job.Queue, job.Key))
		conn.Send("HSET", jobKey(job.ID), "attempt", attempt, "error", jobErr.Error())
		conn.Send("LPUSH", pendingKey(QueueDead), job.ID)
		_, err = conn.Do("")
		return false, errors.Wrap(err, "burying job")
	}

	delay := q.retryDelay(kind, attempt, jobErr)
	readyAt := q.now().Add(delay).Unix()
	conn.Send("LREM", processingKey(job.Queue), 1, job.ID)
	conn.Send("DEL", heartbeatKey(job.ID))
	conn.Send("HSET", jobKey(job.ID), "attempt", attempt, "error", jobErr.Error())
	conn.Send("ZADD", delayedKey(job.Queue), readyAt, job.ID)
	_, err = conn.Do("")
	return true, errors.Wrap(err, "scheduling retry")
}

// retryDelay picks the wait before the next attempt: rate-limited jobs
// wait for the upstream reset, everything else backs off exponentially
// with jitter.
func (q *Queue) retryDelay(kind flakeerrors.Kind, attempt int, jobErr error) time.Duration {
	if flakeerrors.WaitsForReset(kind) {
		if reset := flakeerrors.ResetOf(jobErr); !reset.IsZero() {
			if d := reset.Sub(q.now()); d > 0 {
				return d
			}
		}
	}
	d := time.Duration(float64(q.cfg.BaseBackoff) * math.Exp2(float64(attempt-1)))
	if d > q.cfg.MaxBackoff {
		d = q.cfg.MaxBackoff
	}
	return d + time.Duration(q.rand.Int63n(int64(d)/4+1))
}

// promoteDelayed moves due retries back onto the pending list.
func (q *Queue) promoteDelayed(ctx context.Context, queue string) (int, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	ids, err := redis.Strings(conn.Do("ZRANGEBYSCORE", delayedKey(queue), "-inf", q.now().Unix()))
	if err != nil {
		return 0, errors.Wrap(err, "listing due retries")
	}
	for _, id := range ids {
		conn.Send("ZREM", delayedKey(queue), id)
		conn.Send("LPUSH", pendingKey(queue), id)
	}
	if len(ids) > 0 {
		if _, err := conn.Do(""); err != nil {
			return 0, errors.Wrap(err, "promoting retries")
		}
	}
	return len(ids), nil
}

// reapStalled returns processing jobs whose heartbeat expired (their
// worker died) to the pending list, attempt counter unchanged.
func (q *Queue) reapStalled(ctx context.Context, queue string) (int, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	ids, err := redis.Strings(conn.Do("LRANGE", processingKey(queue), 0, -1))
	if err != nil {
		return 0, errors.Wrap(err, "listing processing jobs")
	}
	reaped := 0
	for _, id := range ids {
		alive, err := redis.Int(conn.Do("EXISTS", heartbeatKey(id)))
		if err != nil {
			return reaped, errors.Wrap(err, "checking heartbeat")
		}
		if alive == 1 {
			continue
		}
		conn.Send("LREM", processingKey(queue), 1, id)
		conn.Send("LPUSH", pendingKey(queue), id)
		if _, err := conn.Do(""); err != nil {
			return reaped, errors.Wrap(err, "requeueing stalled job")
		}
		q.log.WithFields(logrus.Fields{"queue": queue, "job": id}).Warn("requeued stalled job")
		reaped++
	}
	return reaped, nil
}

// Depth returns the pending length of a queue, for metrics.
func (q *Queue) Depth(ctx context.Context, queue string) (int, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	n, err := redis.Int(conn.Do("LLEN", pendingKey(queue)))
	return n, errors.Wrap(err, "reading queue depth")
}

// SetCache stores a TTL'd marker, used by the poller's seen-run cache.
func (q *Queue) SetCache(ctx context.Context, key string, ttl time.Duration) error {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("SET", "fg:cache:"+key, 1, "EX", int(ttl.Seconds()))
	return errors.Wrap(err, "setting cache marker")
}

// InCache reports whether a marker is present.
func (q *Queue) InCache(ctx context.Context, key string) (bool, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	n, err := redis.Int(conn.Do("EXISTS", "fg:cache:"+key))
	if err != nil {
		return false, errors.Wrap(err, "checking cache marker")
	}
	return n == 1, nil
}
