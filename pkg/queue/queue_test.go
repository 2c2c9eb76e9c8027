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

package queue

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	q := New(NewPool(mr.Addr()), DefaultConfig(), logrus.WithField("test", t.Name()))
	q.rand = rand.New(rand.NewSource(1))
	return q, mr
}

// A webhook delivery enqueued twice within the dedup window runs once.
func TestEnqueueIdempotency(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	ok, err := q.Enqueue(ctx, QueueEvents, "delivery-D1", []byte(`{"n":1}`))
	if err != nil || !ok {
		t.Fatalf("first enqueue: ok=%v err=%v", ok, err)
	}
	ok, err = q.Enqueue(ctx, QueueEvents, "delivery-D1", []byte(`{"n":2}`))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if ok {
		t.Error("duplicate delivery id was enqueued, want dropped")
	}
	if n, _ := q.Depth(ctx, QueueEvents); n != 1 {
		t.Errorf("depth = %d, want 1", n)
	}
}

func TestClaimCompleteFreesKey(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, QueueIngest, "repo/1/run/2", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	job, err := q.claim(ctx, QueueIngest)
	if err != nil || job == nil {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if job.Key != "repo/1/run/2" || string(job.Payload) != "payload" || job.Attempt != 0 {
		t.Errorf("job = %+v", job)
	}
	// While claimed, the key still dedups.
	if ok, _ := q.Enqueue(ctx, QueueIngest, "repo/1/run/2", nil); ok {
		t.Error("enqueue while in flight should be dropped")
	}
	if err := q.complete(ctx, job); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// After completion the key frees and a fresh job is accepted.
	if ok, _ := q.Enqueue(ctx, QueueIngest, "repo/1/run/2", nil); !ok {
		t.Error("enqueue after completion should be accepted")
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	job, err := q.claim(context.Background(), QueueAnalyze)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job != nil {
		t.Errorf("job = %+v, want nil", job)
	}
}

func TestFailSchedulesRetryAndPromotes(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, QueueIngest, "k", nil)
	job, _ := q.claim(ctx, QueueIngest)

	retried, err := q.fail(ctx, job, flakeerrors.New(flakeerrors.UpstreamUnavailable, "502"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !retried {
		t.Fatal("upstream errors should retry")
	}
	if n, _ := q.Depth(ctx, QueueIngest); n != 0 {
		t.Errorf("depth before promotion = %d, want 0", n)
	}

	// Jump past the backoff and promote.
	mr.FastForward(10 * time.Minute)
	q.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	n, err := q.promoteDelayed(ctx, QueueIngest)
	if err != nil || n != 1 {
		t.Fatalf("promoteDelayed: n=%d err=%v", n, err)
	}
	again, _ := q.claim(ctx, QueueIngest)
	if again == nil || again.Attempt != 1 {
		t.Fatalf("reclaimed job = %+v, want attempt 1", again)
	}
}

func TestFailBuriesAfterBudget(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, QueueEvents, "k", nil)
	job, _ := q.claim(ctx, QueueEvents)

	// Validation errors have a budget of one attempt.
	retried, err := q.fail(ctx, job, flakeerrors.New(flakeerrors.BadRequest, "bad payload"))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if retried {
		t.Error("validation errors must not retry")
	}
	if n, _ := q.Depth(ctx, QueueDead); n != 1 {
		t.Errorf("dead depth = %d, want 1", n)
	}
	// The idempotency key frees so a corrected delivery can re-enter.
	if ok, _ := q.Enqueue(ctx, QueueEvents, "k", nil); !ok {
		t.Error("key should free after burial")
	}
}

func TestReleaseKeepsAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, QueueAnalyze, "k", nil)
	job, _ := q.claim(ctx, QueueAnalyze)
	if err := q.release(job); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, _ := q.claim(ctx, QueueAnalyze)
	if again == nil || again.Attempt != 0 {
		t.Fatalf("released job = %+v, want attempt unchanged", again)
	}
}

func TestReapStalled(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, QueueIngest, "k", nil)
	job, _ := q.claim(ctx, QueueIngest)
	if job == nil {
		t.Fatal("claim returned nil")
	}

	// Simulate a dead worker: its heartbeat lapses.
	mr.Del(heartbeatKey(job.ID))
	n, err := q.reapStalled(ctx, QueueIngest)
	if err != nil || n != 1 {
		t.Fatalf("reapStalled: n=%d err=%v", n, err)
	}
	again, _ := q.claim(ctx, QueueIngest)
	if again == nil || again.ID != job.ID {
		t.Fatalf("stalled job not reclaimed: %+v", again)
	}
}

func TestReapLeavesHealthyJobs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, QueueIngest, "k", nil)
	if job, _ := q.claim(ctx, QueueIngest); job == nil {
		t.Fatal("claim returned nil")
	}
	n, err := q.reapStalled(ctx, QueueIngest)
	if err != nil || n != 0 {
		t.Fatalf("reapStalled: n=%d err=%v, want 0 (heartbeat alive)", n, err)
	}
}

func TestRetryDelayWaitsForReset(t *testing.T) {
	q, _ := newTestQueue(t)
	reset := time.Now().Add(90 * time.Second)
	err := flakeerrors.NewRateLimited(reset, "throttled")
	d := q.retryDelay(flakeerrors.RateLimited, 1, err)
	if d < 80*time.Second || d > 95*time.Second {
		t.Errorf("retryDelay = %v, want about until reset (90s)", d)
	}
}

func TestCacheMarkers(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	if err := q.SetCache(ctx, "run/1", 7*24*time.Hour); err != nil {
		t.Fatal(err)
	}
	if ok, _ := q.InCache(ctx, "run/1"); !ok {
		t.Error("marker missing")
	}
	if ok, _ := q.InCache(ctx, "run/2"); ok {
		t.Error("unexpected marker")
	}
	mr.FastForward(8 * 24 * time.Hour)
	if ok, _ := q.InCache(ctx, "run/1"); ok {
		t.Error("marker should expire after TTL")
	}
}
