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

// Package poller backfills workflow runs for repositories that missed
// webhooks, sweeping each active repository on a cursor since its last
// poll. It paces itself against the upstream rate budget: under 10%
// remaining it halts entirely, under the reserve it only visits the
// oldest few repositories per tick.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub005/pkg/ghclient"
	"github.com/thc1006/flakeguard-sub005/pkg/ingest"
	"github.com/thc1006/flakeguard-sub005/pkg/store"
)

// Host is the slice of the host client the poller needs.
type Host interface {
	ListWorkflowRuns(ctx context.Context, installation int64, owner, repo string, since time.Time, page int) (ghclient.RunsPage, error)
	LowOnBudget(installation int64, percent int) bool
}

// Storage is the slice of the store the poller needs.
type Storage interface {
	ReposDuePolling(ctx context.Context, olderThan time.Time, limit int) ([]store.Repository, error)
	SetLastPolledAt(ctx context.Context, repoID int64, t time.Time) error
	HasWorkflowRun(ctx context.Context, repoID, externalRunID int64) (bool, error)
}

// SeenCache is the short-lived processed-run marker store.
type SeenCache interface {
	SetCache(ctx context.Context, key string, ttl time.Duration) error
	InCache(ctx context.Context, key string) (bool, error)
}

// Enqueuer hands discovered runs to the ingest queue.
type Enqueuer interface {
	EnqueueIngest(ctx context.Context, msg ingest.IngestMsg) error
}

// Config paces the poller.
type Config struct {
	// Interval is the minimum age of last_polled_at before a repo is
	// due again.
	Interval time.Duration
	// Backfill bounds how far back a never-polled repo looks.
	Backfill time.Duration
	// HaltBudgetPercent stops all polling when the budget drops under
	// it.
	HaltBudgetPercent int
	// ReserveBudgetPercent restricts polling to the oldest
	// RestrictedReposPerTick repos when the budget drops under it.
	ReserveBudgetPercent   int
	RestrictedReposPerTick int
	// ReposPerTick bounds a normal sweep.
	ReposPerTick int
	// MaxPages bounds one repository sweep.
	MaxPages int
	// SeenTTL is the processed-run cache lifetime.
	SeenTTL time.Duration
}

// DefaultConfig returns the stock pacing.
func DefaultConfig() Config {
	return Config{
		Interval:               15 * time.Minute,
		Backfill:               7 * 24 * time.Hour,
		HaltBudgetPercent:      10,
		ReserveBudgetPercent:   15,
		RestrictedReposPerTick: 3,
		ReposPerTick:           50,
		MaxPages:               10,
		SeenTTL:                7 * 24 * time.Hour,
	}
}

type pollerMetrics struct {
	Sweeps    prometheus.Counter
	RunsFound prometheus.Counter
	Halts     prometheus.Counter
}

var sharedMetrics *pollerMetrics

func initMetrics() *pollerMetrics {
	if sharedMetrics != nil {
		return sharedMetrics
	}
	sharedMetrics = &pollerMetrics{
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flakeguard_poller_sweeps_total",
			Help: "Repository sweeps performed",
		}),
		RunsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flakeguard_poller_runs_found_total",
			Help: "Runs discovered by polling that webhooks missed",
		}),
		Halts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flakeguard_poller_halts_total",
			Help: "Ticks aborted because the rate budget ran low",
		}),
	}
	prometheus.MustRegister(sharedMetrics.Sweeps)
	prometheus.MustRegister(sharedMetrics.RunsFound)
	prometheus.MustRegister(sharedMetrics.Halts)
	return sharedMetrics
}

// Poller sweeps repositories for missed runs.
type Poller struct {
	cfg     Config
	host    Host
	storage Storage
	seen    SeenCache
	enq     Enqueuer
	log     *logrus.Entry
	metrics *pollerMetrics
	now     func() time.Time
}

// New builds a Poller.
func New(cfg Config, host Host, storage Storage, seen SeenCache, enq Enqueuer, log *logrus.Entry) *Poller {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Poller{
		cfg:     cfg,
		host:    host,
		storage: storage,
		seen:    seen,
		enq:     enq,
		log:     log,
		metrics: initMetrics(),
		now:     time.Now,
	}
}

// Run ticks until the context ends.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.log.WithError(err).Error("poll tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick sweeps every repository that is due, subject to the rate
// budget.
func (p *Poller) Tick(ctx context.Context) error {
	now := p.now()
	repos, err := p.storage.ReposDuePolling(ctx, now.Add(-p.cfg.Interval), p.cfg.ReposPerTick)
	if err != nil {
		return err
	}
	for i, repo := range repos {
		if p.host.LowOnBudget(repo.InstallationRef, p.cfg.HaltBudgetPercent) {
			// Under 10%: stop entirely, webhooks still flow.
			p.log.WithField("repo", repo.Owner+"/"+repo.Name).Warn("rate budget exhausted, halting poll tick")
			p.metrics.Halts.Inc()
			return nil
		}
		if p.host.LowOnBudget(repo.InstallationRef, p.cfg.ReserveBudgetPercent) && i >= p.cfg.RestrictedReposPerTick {
			// Under the reserve: only the K oldest repos this tick.
			p.log.Debug("rate budget under reserve, restricting sweep")
			p.metrics.Halts.Inc()
			return nil
		}
		if err := p.sweepRepo(ctx, repo); err != nil {
			p.log.WithError(err).WithField("repo", repo.Owner+"/"+repo.Name).Error("sweep failed")
			continue
		}
		if err := p.storage.SetLastPolledAt(ctx, repo.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// sweepRepo lists completed runs since the repo's cursor and enqueues
// the ones the store has not seen.
func (p *Poller) sweepRepo(ctx context.Context, repo store.Repository) error {
	p.metrics.Sweeps.Inc()
	since := p.now().Add(-p.cfg.Backfill)
	if repo.LastPolledAt != nil && repo.LastPolledAt.After(since) {
		since = *repo.LastPolledAt
	}
	page := 1
	for pages := 0; pages < p.cfg.MaxPages; pages++ {
		result, err := p.host.ListWorkflowRuns(ctx, repo.InstallationRef, repo.Owner, repo.Name, since, page)
		if err != nil {
			return err
		}
		for _, run := range result.Runs {
			if err := p.maybeEnqueue(ctx, repo, run); err != nil {
				return err
			}
		}
		if result.NextPage == 0 {
			return nil
		}
		page = result.NextPage
	}
	return nil
}

func seenKey(repo store.Repository, runID int64) string {
	return fmt.Sprintf("poll:%s/%s#%d", repo.Owner, repo.Name, runID)
}

func (p *Poller) maybeEnqueue(ctx context.Context, repo store.Repository, run ghclient.WorkflowRun) error {
	key := seenKey(repo, run.ID)
	if seen, err := p.seen.InCache(ctx, key); err != nil {
		return err
	} else if seen {
		return nil
	}
	if have, err := p.storage.HasWorkflowRun(ctx, repo.ID, run.ID); err != nil {
		return err
	} else if have {
		// Already ingested via webhook; remember that to avoid
		// re-checking the store every sweep.
		return p.seen.SetCache(ctx, key, p.cfg.SeenTTL)
	}
	p.metrics.RunsFound.Inc()
	if err := p.enq.EnqueueIngest(ctx, ingest.IngestMsg{
		Installation:  repo.InstallationRef,
		Owner:         repo.Owner,
		Repo:          repo.Name,
		DefaultBranch: repo.DefaultBranch,
		ExternalRunID: run.ID,
		HeadSHA:       run.HeadSHA,
		HeadBranch:    run.HeadBranch,
		RunNumber:     run.RunNumber,
		Attempt:       run.Attempt,
		Status:        run.Status,
		Conclusion:    run.Conclusion,
		CreatedAt:     run.CreatedAt,
		UpdatedAt:     run.UpdatedAt,
	}); err != nil {
		return err
	}
	return p.seen.SetCache(ctx, key, p.cfg.SeenTTL)
}
