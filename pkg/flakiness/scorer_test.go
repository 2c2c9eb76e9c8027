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

package flakiness

import (
	"math"
	"testing"
	"time"

	"github.com/thc1006/flakeguard-sub005/pkg/signature"
)

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	norm, err := signature.NewNormalizer(0)
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	return New(DefaultConfig(), norm)
}

// newestFirst reverses a chronological slice into store order.
func newestFirst(chrono []Occurrence) []Occurrence {
	out := make([]Occurrence, len(chrono))
	for i, o := range chrono {
		out[len(chrono)-1-i] = o
	}
	return out
}

// Timeout-style flake: ten passes, then alternating failed/passed
// ending on passed, every failure sharing one timeout message and
// passing on its attempt-2 retry.
func TestScoreTimeoutFlake(t *testing.T) {
	s := newScorer(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	step := 6 * time.Hour
	var chrono []Occurrence
	runID := int64(100)
	for i := 0; i < 10; i++ {
		chrono = append(chrono, Occurrence{Status: StatusPassed, Attempt: 1, WorkflowRunID: runID, At: base.Add(time.Duration(i) * step)})
		runID++
	}
	for i := 0; i < 8; i++ {
		at := base.Add(time.Duration(10+i) * step)
		if i%2 == 0 {
			chrono = append(chrono,
				Occurrence{Status: StatusFailed, Attempt: 1, WorkflowRunID: runID, Message: "Test timed out after 30000ms", At: at},
				Occurrence{Status: StatusPassed, Attempt: 2, WorkflowRunID: runID, At: at.Add(5 * time.Minute)},
			)
		} else {
			chrono = append(chrono, Occurrence{Status: StatusPassed, Attempt: 1, WorkflowRunID: runID, At: at})
		}
		runID++
	}
	now := chrono[len(chrono)-1].At.Add(time.Hour)
	firstSeen := base.AddDate(0, 0, -30)

	got := s.Score(newestFirst(chrono), firstSeen, now)

	if math.Abs(got.Features.Intermittency-8.0/17.0) > 1e-9 {
		t.Errorf("intermittency = %v, want %v", got.Features.Intermittency, 8.0/17.0)
	}
	if got.Features.RerunPassRate != 1.0 {
		t.Errorf("rerun pass rate = %v, want 1.0", got.Features.RerunPassRate)
	}
	if got.Features.FailureClustering != 1.0 {
		t.Errorf("failure clustering = %v, want 1.0 (isolated failures)", got.Features.FailureClustering)
	}
	if got.Score <= 0.6 {
		t.Errorf("score = %v, want > 0.6", got.Score)
	}
	if got.Recommendation != RecommendQuarantine {
		t.Errorf("recommendation = %s, want quarantine", got.Recommendation)
	}
	if got.Priority != PriorityCritical {
		t.Errorf("priority = %s, want critical", got.Priority)
	}
	if got.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", got.Confidence)
	}
}

// Twenty consecutive identical failures are a broken test, not a flake.
func TestScoreBrokenTest(t *testing.T) {
	s := newScorer(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var chrono []Occurrence
	for i := 0; i < 20; i++ {
		chrono = append(chrono, Occurrence{
			Status:        StatusFailed,
			Attempt:       1,
			WorkflowRunID: int64(i),
			Message:       "Assertion failed: expected 42 but got 41",
			At:            base.Add(time.Duration(i) * time.Hour),
		})
	}
	now := chrono[len(chrono)-1].At.Add(time.Hour)

	got := s.Score(newestFirst(chrono), base, now)

	if got.Features.Intermittency != 0 {
		t.Errorf("intermittency = %v, want 0", got.Features.Intermittency)
	}
	if got.Features.MaxConsecutiveFailures != 20 {
		t.Errorf("max consecutive = %d, want 20", got.Features.MaxConsecutiveFailures)
	}
	if got.Score >= 0.3 {
		t.Errorf("score = %v, want < 0.3", got.Score)
	}
	if got.Recommendation == RecommendQuarantine {
		t.Error("a consistently broken test must not be recommended for quarantine")
	}
}

func TestScoreDegenerateInputs(t *testing.T) {
	s := newScorer(t)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	// Single run.
	one := []Occurrence{{Status: StatusFailed, Attempt: 1, At: now}}
	if got := s.Score(one, time.Time{}, now); got.Score != 0 || got.Recommendation != RecommendNone {
		t.Errorf("single run: score = %v rec = %s, want 0/none", got.Score, got.Recommendation)
	}

	// All passing.
	var pass []Occurrence
	for i := 0; i < 10; i++ {
		pass = append(pass, Occurrence{Status: StatusPassed, Attempt: 1, At: now.Add(time.Duration(i) * time.Hour)})
	}
	if got := s.Score(newestFirst(pass), time.Time{}, now); got.Score != 0 {
		t.Errorf("all passing: score = %v, want 0", got.Score)
	}

	// Empty window.
	if got := s.Score(nil, time.Time{}, now); got.Score != 0 || got.WindowN != 0 {
		t.Errorf("empty: %+v", got)
	}
}

func TestScoreWindowClamp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WindowSize = 10
	norm, err := signature.NewNormalizer(0)
	if err != nil {
		t.Fatal(err)
	}
	s := New(cfg, norm)
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var occs []Occurrence
	for i := 0; i < 30; i++ {
		st := StatusPassed
		if i%2 == 0 {
			st = StatusFailed
		}
		occs = append(occs, Occurrence{Status: st, Attempt: 1, At: now.Add(-time.Duration(i) * time.Hour)})
	}
	got := s.Score(occs, time.Time{}, now)
	if got.WindowN != 10 {
		t.Errorf("WindowN = %d, want 10", got.WindowN)
	}
	if got.Features.Total != 10 {
		t.Errorf("Total = %d, want 10", got.Features.Total)
	}
}

func TestRecentFailureGate(t *testing.T) {
	s := newScorer(t)
	// Flaky long ago, quiet lately: intermittent history whose failures
	// all fall outside the lookback window.
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var chrono []Occurrence
	for i := 0; i < 12; i++ {
		st := StatusPassed
		if i%2 == 0 {
			st = StatusFailed
		}
		chrono = append(chrono, Occurrence{Status: st, Attempt: 1, At: base.Add(time.Duration(i) * time.Hour)})
	}
	now := base.AddDate(0, 2, 0)
	got := s.Score(newestFirst(chrono), base, now)
	if got.Features.RecentFailures != 0 {
		t.Errorf("recent failures = %d, want 0", got.Features.RecentFailures)
	}
	if got.Recommendation != RecommendNone {
		t.Errorf("recommendation = %s, want none without recent failures", got.Recommendation)
	}
}

func TestPriorityBump(t *testing.T) {
	if got := PriorityLow.Bump(); got != PriorityMedium {
		t.Errorf("low bumps to %s", got)
	}
	if got := PriorityCritical.Bump(); got != PriorityCritical {
		t.Errorf("critical bumps to %s, want saturation", got)
	}
}
