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

package detection

import (
	"testing"
	"time"

	"github.com/thc1006/flakeguard-sub005/pkg/flakiness"
	"github.com/thc1006/flakeguard-sub005/pkg/signature"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	norm, err := signature.NewNormalizer(0)
	if err != nil {
		t.Fatal(err)
	}
	cfg := flakiness.DefaultConfig()
	return NewEngine(cfg, flakiness.New(cfg, norm))
}

// newestFirst reverses a chronological slice into store order.
func newestFirst(chrono []flakiness.Occurrence) []flakiness.Occurrence {
	out := make([]flakiness.Occurrence, len(chrono))
	for i, o := range chrono {
		out[len(chrono)-1-i] = o
	}
	return out
}

func timeoutFlakeWindow() []flakiness.Occurrence {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	step := 6 * time.Hour
	var chrono []flakiness.Occurrence
	runID := int64(1)
	for i := 0; i < 10; i++ {
		chrono = append(chrono, flakiness.Occurrence{Status: flakiness.StatusPassed, Attempt: 1, WorkflowRunID: runID, At: base.Add(time.Duration(i) * step)})
		runID++
	}
	for i := 0; i < 8; i++ {
		at := base.Add(time.Duration(10+i) * step)
		if i%2 == 0 {
			chrono = append(chrono,
				flakiness.Occurrence{Status: flakiness.StatusFailed, Attempt: 1, WorkflowRunID: runID, Message: "Test timed out after 30000ms", At: at, DurationMS: 30000},
				flakiness.Occurrence{Status: flakiness.StatusPassed, Attempt: 2, WorkflowRunID: runID, At: at.Add(5 * time.Minute), DurationMS: 900},
			)
		} else {
			chrono = append(chrono, flakiness.Occurrence{Status: flakiness.StatusPassed, Attempt: 1, WorkflowRunID: runID, At: at, DurationMS: 1000})
		}
		runID++
	}
	return chrono
}

func TestAnalyzeTimeoutFlake(t *testing.T) {
	e := newEngine(t)
	chrono := timeoutFlakeWindow()
	now := chrono[len(chrono)-1].At.Add(time.Hour)

	a := e.Analyze(newestFirst(chrono), now.AddDate(0, -1, 0), now)

	if a.Dominant == nil || a.Dominant.Pattern != PatternTimeout {
		t.Fatalf("dominant = %+v, want timeout", a.Dominant)
	}
	if a.Dominant.Confidence < 0.7 {
		t.Errorf("timeout confidence = %v, want >= 0.7 for uniform timeout messages", a.Dominant.Confidence)
	}
	if a.Recommendation != flakiness.RecommendQuarantine {
		t.Errorf("recommendation = %s, want quarantine", a.Recommendation)
	}
	if a.Score.Score <= 0.6 {
		t.Errorf("score = %v, want > 0.6", a.Score.Score)
	}
	if a.Confidence <= 0.4 {
		t.Errorf("combined confidence = %v, want substantial", a.Confidence)
	}
	// Retries all pass: the retry-success environmental factor is
	// reported and at full significance.
	foundRetry := false
	for _, f := range a.EnvFactors {
		if f.Name == "retry_success_rate" {
			foundRetry = true
			if f.Significance != 1.0 {
				t.Errorf("retry significance = %v, want 1.0", f.Significance)
			}
		}
	}
	if !foundRetry {
		t.Errorf("env factors = %+v, want retry_success_rate", a.EnvFactors)
	}
	// A >0.6 environmental score bumps the priority, which saturates at
	// critical here.
	if a.Priority != flakiness.PriorityCritical {
		t.Errorf("priority = %s, want critical", a.Priority)
	}
}

func TestClassifyPatterns(t *testing.T) {
	mk := func(msgs ...string) []flakiness.Occurrence {
		var occs []flakiness.Occurrence
		for _, m := range msgs {
			occs = append(occs, flakiness.Occurrence{Status: flakiness.StatusFailed, Attempt: 1, Message: m})
		}
		return occs
	}
	tests := []struct {
		name string
		occs []flakiness.Occurrence
		want Pattern
	}{
		{"timeout", mk("Test timed out after 30000ms", "context deadline exceeded"), PatternTimeout},
		{"resource", mk("fork: cannot allocate memory", "too many open files"), PatternResourceContention},
		{"race", mk("WARNING: DATA RACE", "fatal error: concurrent map writes"), PatternRaceCondition},
		{"external", mk("dial tcp: connection refused", "getaddrinfo ENOTFOUND api.example.com"), PatternExternalDependency},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyPatterns(tc.occs)
			if len(got) == 0 || got[0].Pattern != tc.want {
				t.Errorf("classifyPatterns() = %+v, want dominant %s", got, tc.want)
			}
		})
	}
	if got := classifyPatterns(mk("some unclassifiable assertion")); len(got) != 0 {
		t.Errorf("classifyPatterns(unclassifiable) = %+v, want none", got)
	}
	if got := classifyPatterns(nil); got != nil {
		t.Errorf("classifyPatterns(nil) = %+v, want nil", got)
	}
}

// Promotion must not fire for tests below the minimum-runs gate: the
// conservative outcome wins.
func TestNoPromotionBelowMinRuns(t *testing.T) {
	norm, err := signature.NewNormalizer(0)
	if err != nil {
		t.Fatal(err)
	}
	cfg := flakiness.DefaultConfig()
	cfg.MinRunsForQuarantine = 10
	e := NewEngine(cfg, flakiness.New(cfg, norm))

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var chrono []flakiness.Occurrence
	for i := 0; i < 6; i++ {
		st := flakiness.StatusPassed
		msg := ""
		if i%2 == 0 {
			st = flakiness.StatusFailed
			msg = "Test timed out after 5000ms"
		}
		chrono = append(chrono, flakiness.Occurrence{Status: st, Attempt: 1, Message: msg, At: base.Add(time.Duration(i) * 6 * time.Hour)})
	}
	now := chrono[len(chrono)-1].At.Add(time.Hour)
	a := e.Analyze(newestFirst(chrono), base, now)
	if a.Recommendation != flakiness.RecommendNone {
		t.Errorf("recommendation = %s, want none below the min-runs gate", a.Recommendation)
	}
}

func TestAnalyzeEnvironmentHourConcentration(t *testing.T) {
	base := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	var occs []flakiness.Occurrence
	// Nightly job: all failures at 03:00 UTC.
	for i := 0; i < 4; i++ {
		occs = append(occs, flakiness.Occurrence{Status: flakiness.StatusFailed, Attempt: 1, At: base.AddDate(0, 0, i)})
	}
	factors := analyzeEnvironment(occs)
	found := false
	for _, f := range factors {
		if f.Name == "hour_of_day_concentration" && f.Significance == 1.0 {
			found = true
		}
	}
	if !found {
		t.Errorf("factors = %+v, want full hour concentration", factors)
	}
}
