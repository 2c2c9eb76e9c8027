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
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
)

// Handler processes one job. Returned errors are classified by kind to
// decide retry versus dead-queue.
type Handler func(ctx context.Context, job Job) error

// WorkerConfig shapes the worker pool.
type WorkerConfig struct {
	// Concurrency maps queue name to worker slots. Suggested defaults:
	// ingest 3, analyze 5, recompute 2, events 10, poll 1.
	Concurrency map[string]int
	// PollInterval is the idle sleep between claim attempts.
	PollInterval time.Duration
	// WatchdogInterval paces the stalled-job and delayed-retry sweeps.
	WatchdogInterval time.Duration
	// DrainDeadline bounds graceful shutdown.
	DrainDeadline time.Duration
}

// DefaultWorkerConfig returns the stock pool shape.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency: map[string]int{
			QueueEvents:    10,
			QueueIngest:    3,
			QueueAnalyze:   5,
			QueueRecompute: 2,
			QueuePoll:      1,
		},
		PollInterval:     time.Second,
		WatchdogInterval: 10 * time.Second,
		DrainDeadline:    30 * time.Second,
	}
}

type workerMetrics struct {
	Processed *prometheus.CounterVec
	Failures  *prometheus.CounterVec
	Stalled   *prometheus.CounterVec
	Depth     *prometheus.GaugeVec
}

var (
	workerMetricsOnce sync.Once
	workerMetricsInst *workerMetrics
)

func initWorkerMetrics() *workerMetrics {
	workerMetricsOnce.Do(func() {
		workerMetricsInst = &workerMetrics{
			Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "flakeguard_jobs_processed_total",
				Help: "Jobs finished by queue and outcome",
			}, []string{"queue", "outcome"}),
			Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "flakeguard_job_failures_total",
				Help: "Job handler failures by queue and error kind",
			}, []string{"queue", "kind"}),
			Stalled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "flakeguard_jobs_stalled_total",
				Help: "Jobs returned to waiting by the stalled-job watchdog",
			}, []string{"queue"}),
			Depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "flakeguard_queue_depth",
				Help: "Pending jobs by queue",
			}, []string{"queue"}),
		}
		prometheus.MustRegister(workerMetricsInst.Processed)
		prometheus.MustRegister(workerMetricsInst.Failures)
		prometheus.MustRegister(workerMetricsInst.Stalled)
		prometheus.MustRegister(workerMetricsInst.Depth)
	})
	return workerMetricsInst
}

// Workers runs handlers against the queues until its context is
// cancelled, then drains.
type Workers struct {
	queue    *Queue
	cfg      WorkerConfig
	log      *logrus.Entry
	handlers map[string]Handler
	metrics  *workerMetrics

	wg sync.WaitGroup
}

// NewWorkers builds a worker pool over the queue. handlers maps queue
// names to their processors; queues without a handler are not claimed
// by this process.
func NewWorkers(q *Queue, cfg WorkerConfig, handlers map[string]Handler, log *logrus.Entry) *Workers {
	if cfg.PollInterval <= 0 {
		def := DefaultWorkerConfig()
		if cfg.Concurrency == nil {
			cfg.Concurrency = def.Concurrency
		}
		cfg.PollInterval = def.PollInterval
		cfg.WatchdogInterval = def.WatchdogInterval
		if cfg.DrainDeadline <= 0 {
			cfg.DrainDeadline = def.DrainDeadline
		}
	}
	return &Workers{
		queue:    q,
		cfg:      cfg,
		log:      log,
		handlers: handlers,
		metrics:  initWorkerMetrics(),
	}
}

// Run blocks until ctx is cancelled and the pool has drained. In-flight
// jobs get DrainDeadline to finish; jobs still running after that have
// their context cancelled, which releases them back to waiting with the
// attempt counter unchanged (a job whose worker dies before releasing it
// is resumed by the watchdog once its heartbeat lapses).
func (w *Workers) Run(ctx context.Context) {
	// runCtx stops the claim loops; jobCtx reaches the handlers and is
	// only cancelled once Run returns.
	runCtx, cancelRun := context.WithCancel(context.Background())
	jobCtx, abortJobs := context.WithCancel(context.Background())
	defer abortJobs()

	for name, handler := range w.handlers {
		slots := w.cfg.Concurrency[name]
		if slots <= 0 {
			slots = 1
		}
		w.wg.Add(1)
		go w.runQueue(runCtx, jobCtx, name, handler, slots)
	}
	w.wg.Add(1)
	go w.runWatchdog(runCtx)

	<-ctx.Done()
	w.log.Info("shutting down, draining in-flight jobs")
	done := make(chan struct{})
	go func() {
		cancelRun()
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.log.Info("drained cleanly")
	case <-time.After(w.cfg.DrainDeadline):
		w.log.Warn("drain deadline exceeded, abandoning in-flight jobs")
	}
}

// runQueue claims jobs for one queue under a concurrency bound.
func (w *Workers) runQueue(ctx, jobCtx context.Context, name string, handler Handler, slots int) {
	defer w.wg.Done()
	sem := semaphore.NewWeighted(int64(slots))
	log := w.log.WithField("queue", name)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Wait for in-flight handlers before returning so Run's
			// drain accounting sees them.
			sem.Acquire(context.Background(), int64(slots))
			return
		case <-ticker.C:
		}
		for {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			job, err := w.queue.claim(ctx, name)
			if err != nil {
				log.WithError(err).Error("claim failed")
				sem.Release(1)
				break
			}
			if job == nil {
				sem.Release(1)
				break
			}
			w.wg.Add(1)
			go func(job *Job) {
				defer w.wg.Done()
				defer sem.Release(1)
				w.process(jobCtx, log, handler, job)
			}(job)
		}
		if n, err := w.queue.Depth(ctx, name); err == nil {
			w.metrics.Depth.WithLabelValues(name).Set(float64(n))
		}
	}
}

// process runs one job with a heartbeat refresher. Cancellation between
// suspension points releases the job back to waiting with its attempt
// counter unchanged.
func (w *Workers) process(ctx context.Context, log *logrus.Entry, handler Handler, job *Job) {
	jobLog := log.WithFields(logrus.Fields{"job": job.ID, "key": job.Key, "attempt": job.Attempt})

	hbCtx, stopHB := context.WithCancel(context.Background())
	defer stopHB()
	go func() {
		t := time.NewTicker(w.queue.cfg.HeartbeatTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				if err := w.queue.heartbeat(hbCtx, job); err != nil {
					jobLog.WithError(err).Warn("heartbeat failed")
				}
			}
		}
	}()

	err := handler(ctx, *job)
	switch {
	case err == nil:
		if err := w.queue.complete(context.Background(), job); err != nil {
			jobLog.WithError(err).Error("completing job")
		}
		w.metrics.Processed.WithLabelValues(job.Queue, "ok").Inc()
	case ctx.Err() != nil:
		// Shutdown or cancellation, not a handler failure.
		if err := w.queue.release(job); err != nil {
			jobLog.WithError(err).Error("releasing job")
		}
		w.metrics.Processed.WithLabelValues(job.Queue, "released").Inc()
		jobLog.Info("released job on cancellation")
	default:
		kind := flakeerrors.KindOf(err)
		w.metrics.Failures.WithLabelValues(job.Queue, string(kind)).Inc()
		retried, failErr := w.queue.fail(context.Background(), job, err)
		if failErr != nil {
			jobLog.WithError(failErr).Error("recording job failure")
		}
		outcome := "dead"
		if retried {
			outcome = "retried"
		}
		w.metrics.Processed.WithLabelValues(job.Queue, outcome).Inc()
		jobLog.WithError(err).WithField("outcome", outcome).Warn("job failed")
	}
}

// runWatchdog periodically promotes due retries and reaps stalled jobs
// across every queue this process handles.
func (w *Workers) runWatchdog(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for name := range w.handlers {
			if _, err := w.queue.promoteDelayed(ctx, name); err != nil {
				w.log.WithError(err).WithField("queue", name).Error("promoting delayed jobs")
			}
			n, err := w.queue.reapStalled(ctx, name)
			if err != nil {
				w.log.WithError(err).WithField("queue", name).Error("reaping stalled jobs")
				continue
			}
			if n > 0 {
				w.metrics.Stalled.WithLabelValues(name).Add(float64(n))
			}
		}
	}
}
