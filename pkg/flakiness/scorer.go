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

// Package flakiness computes per-test flake features and a calibrated
// composite score over a rolling window of occurrences.
package flakiness

import (
	"math"
	"time"

	"github.com/thc1006/flakeguard-sub005/pkg/clusters"
	"github.com/thc1006/flakeguard-sub005/pkg/signature"
)

// Status mirrors the normalized occurrence outcome.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Recommendation is the quarantine advice for a test.
type Recommendation string

const (
	RecommendNone       Recommendation = "none"
	RecommendWarn       Recommendation = "warn"
	RecommendQuarantine Recommendation = "quarantine"
)

// Priority buckets a recommendation for triage.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Bump raises a priority one step, saturating at critical.
func (p Priority) Bump() Priority {
	switch p {
	case PriorityLow:
		return PriorityMedium
	case PriorityMedium:
		return PriorityHigh
	case PriorityHigh:
		return PriorityCritical
	default:
		return p
	}
}

// Occurrence is one observed result of a test, newest first in the
// window handed to the scorer (the store's ordering).
type Occurrence struct {
	Status        Status
	Attempt       int
	WorkflowRunID int64
	Message       string
	DurationMS    int64
	At            time.Time
}

// Failed reports whether the occurrence counts as a failure.
func (o Occurrence) Failed() bool {
	return o.Status == StatusFailed || o.Status == StatusError
}

// Config carries the scorer thresholds.
type Config struct {
	// WindowSize is the rolling window length N.
	WindowSize int
	// LookbackDays bounds the recent-failures feature.
	LookbackDays int
	// MinRunsForQuarantine gates any recommendation.
	MinRunsForQuarantine int
	// MinRecentFailures gates any recommendation.
	MinRecentFailures int
	// QuarantineThreshold and WarnThreshold split the score range.
	QuarantineThreshold float64
	WarnThreshold       float64
	// ClusterGap merges failures on the time axis, see pkg/clusters.
	ClusterGap time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		WindowSize:           50,
		LookbackDays:         7,
		MinRunsForQuarantine: 5,
		MinRecentFailures:    2,
		QuarantineThreshold:  0.6,
		WarnThreshold:        0.3,
		ClusterGap:           clusters.DefaultGapThreshold,
	}
}

// Features are the extracted per-test flake signals. All ratios are in
// [0,1]; counters and day measures are informational.
type Features struct {
	FailSuccessRatio          float64
	RerunPassRate             float64
	Intermittency             float64
	FailureClustering         float64
	MessageVariance           float64
	ConsecutiveFailures       int
	MaxConsecutiveFailures    int
	RecentFailures            int
	DaysSinceFirstSeen        float64
	AvgTimeBetweenFailuresHrs float64
	Total                     int
}

// Score is the scorer's verdict for one test.
type Score struct {
	Score          float64
	Confidence     float64
	Features       Features
	WindowN        int
	Recommendation Recommendation
	Priority       Priority
	UpdatedAt      time.Time
}

// Scorer computes flake scores. Construct with New.
type Scorer struct {
	cfg  Config
	norm *signature.Normalizer
}

// New returns a Scorer. The normalizer is used to collapse equivalent
// failure messages when measuring message variance.
func New(cfg Config, norm *signature.Normalizer) *Scorer {
	if cfg.WindowSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Scorer{cfg: cfg, norm: norm}
}

// Composite weights. Kept fixed so that scores are comparable across
// repositories and over time.
const (
	weightIntermittency     = 0.30
	weightRerunPassRate     = 0.25
	weightFailureClustering = 0.15
	weightMessageVariance   = 0.10
	weightFailSuccessRatio  = 0.10
)

// Score computes the features and composite score for one test given
// its occurrence window (newest first) and first-seen timestamp.
func (s *Scorer) Score(occs []Occurrence, firstSeen time.Time, now time.Time) Score {
	if len(occs) > s.cfg.WindowSize {
		occs = occs[:s.cfg.WindowSize]
	}
	// Chronological order for sequence features.
	seq := make([]Occurrence, len(occs))
	for i, o := range occs {
		seq[len(occs)-1-i] = o
	}

	f := s.extract(seq, firstSeen, now)
	score := s.composite(f)
	conf := s.confidence(f)
	rec, prio := s.recommend(score, f)
	return Score{
		Score:          score,
		Confidence:     conf,
		Features:       f,
		WindowN:        len(occs),
		Recommendation: rec,
		Priority:       prio,
		UpdatedAt:      now,
	}
}

func (s *Scorer) extract(seq []Occurrence, firstSeen time.Time, now time.Time) Features {
	var f Features

	// First attempts form the primary sequence; retries only feed the
	// rerun-pass-rate feature.
	var primary []Occurrence
	var rerunTotal, rerunPassed int
	for _, o := range seq {
		if o.Attempt > 1 {
			rerunTotal++
			if o.Status == StatusPassed {
				rerunPassed++
			}
			continue
		}
		if o.Status == StatusSkipped {
			continue
		}
		primary = append(primary, o)
	}
	f.Total = len(primary)
	if f.Total == 0 {
		return f
	}

	var failures int
	var failTimes []time.Time
	var failMessages []string
	consec, maxConsec := 0, 0
	transitions, pairs := 0, 0
	prevFailed := false
	for i, o := range primary {
		failed := o.Failed()
		if failed {
			failures++
			failTimes = append(failTimes, o.At)
			if o.Message != "" {
				failMessages = append(failMessages, o.Message)
			}
			consec++
			if consec > maxConsec {
				maxConsec = consec
			}
		} else {
			consec = 0
		}
		if i > 0 {
			pairs++
			if failed != prevFailed {
				transitions++
			}
		}
		prevFailed = failed
	}
	f.ConsecutiveFailures = consec
	f.MaxConsecutiveFailures = maxConsec
	f.FailSuccessRatio = float64(failures) / float64(f.Total)
	if pairs > 0 {
		f.Intermittency = float64(transitions) / float64(pairs)
	}
	if rerunTotal > 0 {
		f.RerunPassRate = float64(rerunPassed) / float64(rerunTotal)
	}
	tcs := clusters.ClusterTimes(failTimes, s.cfg.ClusterGap)
	f.FailureClustering = clusters.Scatter(tcs, len(failTimes))
	if len(failMessages) > 0 {
		unique := map[string]bool{}
		for _, m := range failMessages {
			unique[s.norm.Normalize(m)] = true
		}
		f.MessageVariance = float64(len(unique)) / float64(len(failMessages))
	}

	cutoff := now.AddDate(0, 0, -s.cfg.LookbackDays)
	for _, ft := range failTimes {
		if ft.After(cutoff) {
			f.RecentFailures++
		}
	}
	if firstSeen.IsZero() {
		firstSeen = primary[0].At
	}
	f.DaysSinceFirstSeen = now.Sub(firstSeen).Hours() / 24
	if len(failTimes) > 1 {
		span := failTimes[len(failTimes)-1].Sub(failTimes[0]).Hours()
		f.AvgTimeBetweenFailuresHrs = span / float64(len(failTimes)-1)
	}
	return f
}

func (s *Scorer) composite(f Features) float64 {
	if f.Total <= 1 || f.FailSuccessRatio == 0 || f.FailSuccessRatio == 1 {
		return 0
	}
	score := weightIntermittency*f.Intermittency +
		weightRerunPassRate*f.RerunPassRate +
		weightFailureClustering*f.FailureClustering +
		weightMessageVariance*f.MessageVariance +
		weightFailSuccessRatio*f.FailSuccessRatio

	total := float64(f.Total)
	maxConsec := float64(f.MaxConsecutiveFailures)
	// A long unbroken failure run is a broken test, not a flaky one.
	if maxConsec >= 0.8*total {
		score *= 1 - 0.10*(maxConsec/total)
	}
	// Fails intermittently and passes on retry: the classic flake.
	if f.RerunPassRate > 0.3 && f.Intermittency > 0.4 {
		score *= 1.2
	}
	// Currently failing streak: likely a fresh breakage.
	if float64(f.ConsecutiveFailures) >= math.Min(5, 0.6*total) && f.ConsecutiveFailures > 0 {
		score *= 0.8
	}

	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func (s *Scorer) confidence(f Features) float64 {
	conf := math.Min(1, float64(f.Total)/20)
	if f.DaysSinceFirstSeen > 7 {
		conf *= 1.2
	}
	if f.DaysSinceFirstSeen < 1 {
		conf *= 0.5
	}
	if math.IsNaN(conf) || math.IsInf(conf, 0) {
		return 0
	}
	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

func (s *Scorer) recommend(score float64, f Features) (Recommendation, Priority) {
	prio := priorityFor(score + f.RerunPassRate + f.Intermittency)
	if f.Total < s.cfg.MinRunsForQuarantine || f.RecentFailures < s.cfg.MinRecentFailures {
		return RecommendNone, prio
	}
	switch {
	case score >= s.cfg.QuarantineThreshold:
		return RecommendQuarantine, prio
	case score >= s.cfg.WarnThreshold:
		return RecommendWarn, prio
	default:
		return RecommendNone, prio
	}
}

func priorityFor(sum float64) Priority {
	switch {
	case sum >= 2.0:
		return PriorityCritical
	case sum >= 1.5:
		return PriorityHigh
	case sum >= 1.0:
		return PriorityMedium
	default:
		return PriorityLow
	}
}
