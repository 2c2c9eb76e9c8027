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

package ghclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/go-github/v53/github"
)

// Priority orders callers when the rate budget runs low. Critical
// traffic (interactive check-run callbacks) is never delayed by the
// reserve; lower priorities wait for the reset.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityCritical
)

// rateBudget is one installation's remaining rate window, updated from
// every response.
type rateBudget struct {
	remaining int
	limit     int
	reset     time.Time
	known     bool
}

// accountant tracks per-installation rate budgets. It is a monotonic
// record of the latest observed headers; waiters consult it under the
// lock before issuing calls.
type accountant struct {
	reservePercent int

	mu      sync.Mutex
	budgets map[int64]rateBudget
}

func newAccountant(reservePercent int) *accountant {
	if reservePercent <= 0 {
		reservePercent = 15
	}
	return &accountant{reservePercent: reservePercent, budgets: map[int64]rateBudget{}}
}

// record updates the budget from a response's rate headers.
func (a *accountant) record(installation int64, resp *github.Response) {
	if resp == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budgets[installation] = rateBudget{
		remaining: resp.Rate.Remaining,
		limit:     resp.Rate.Limit,
		reset:     resp.Rate.Reset.Time,
		known:     true,
	}
}

// snapshot returns the last observed budget for an installation.
func (a *accountant) snapshot(installation int64) (rateBudget, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.budgets[installation]
	return b, ok
}

// delay returns how long a caller of the given priority must wait
// before issuing a call. Zero means go ahead.
func (a *accountant) delay(installation int64, prio Priority, now time.Time) time.Duration {
	if prio >= PriorityCritical {
		return 0
	}
	b, ok := a.snapshot(installation)
	if !ok || !b.known || b.limit == 0 {
		return 0
	}
	reserve := b.limit * a.reservePercent / 100
	if b.remaining >= reserve {
		return 0
	}
	if d := b.reset.Sub(now); d > 0 {
		return d
	}
	return 0
}

// wait blocks for the computed delay, honoring context cancellation.
func (a *accountant) wait(ctx context.Context, installation int64, prio Priority) error {
	d := a.delay(installation, prio, time.Now())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// lowOnBudget reports whether the remaining budget is under the given
// percentage of the limit. The poller uses this to pause sweeps.
func (a *accountant) lowOnBudget(installation int64, percent int) bool {
	b, ok := a.snapshot(installation)
	if !ok || !b.known || b.limit == 0 {
		return false
	}
	return b.remaining < b.limit*percent/100
}
