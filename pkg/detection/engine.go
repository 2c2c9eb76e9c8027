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

// Package detection combines the rolling-window scorer, temporal
// clustering, lexical failure patterns and environmental factors into a
// single comprehensive analysis per test.
package detection

import (
	"math"
	"time"

	"github.com/thc1006/flakeguard-sub005/pkg/clusters"
	"github.com/thc1006/flakeguard-sub005/pkg/flakiness"
)

// Analysis is the engine's combined verdict for one test.
type Analysis struct {
	Score flakiness.Score

	Burstiness  float64
	Periodicity float64

	Patterns []PatternResult
	// Dominant is the strongest reported pattern, nil when none passed
	// the report threshold.
	Dominant *PatternResult

	EnvFactors []EnvFactor
	// EnvScore is the strongest environmental significance.
	EnvScore float64

	// Confidence combines the scorer, clustering and pattern evidence.
	Confidence float64

	// Recommendation and Priority start from the scorer's verdict and
	// may be promoted by the combination rules.
	Recommendation flakiness.Recommendation
	Priority       flakiness.Priority
}

// Engine runs the full analysis. Construct with NewEngine.
type Engine struct {
	cfg    flakiness.Config
	scorer *flakiness.Scorer
}

// NewEngine wires the engine to a configured scorer.
func NewEngine(cfg flakiness.Config, scorer *flakiness.Scorer) *Engine {
	return &Engine{cfg: cfg, scorer: scorer}
}

// flakyAgreementThreshold is the per-method bool cutoff for the
// agreement bonus.
const flakyAgreementThreshold = 0.5

// Analyze scores the window (newest first) and layers the clustering,
// pattern and environmental evidence on top.
func (e *Engine) Analyze(occs []flakiness.Occurrence, firstSeen, now time.Time) Analysis {
	score := e.scorer.Score(occs, firstSeen, now)

	var failTimes []time.Time
	for _, o := range occs {
		if o.Failed() && o.Attempt <= 1 {
			failTimes = append(failTimes, o.At)
		}
	}
	tcs := clusters.ClusterTimes(failTimes, e.cfg.ClusterGap)
	burst := clusters.Burstiness(tcs)
	period := clusters.Periodicity(tcs)

	patterns := classifyPatterns(occs)
	var dominant *PatternResult
	if len(patterns) > 0 {
		dominant = &patterns[0]
	}

	env := analyzeEnvironment(occs)
	envScore := 0.0
	for _, f := range env {
		if f.Significance > envScore {
			envScore = f.Significance
		}
	}

	// Agreement bonus: each method votes flaky at its 0.5 threshold;
	// two or more votes raise the scorer's confidence by up to 20%.
	votes := 0
	if score.Score >= flakyAgreementThreshold {
		votes++
	}
	if burst+period >= flakyAgreementThreshold {
		votes++
	}
	if dominant != nil && dominant.Confidence >= flakyAgreementThreshold {
		votes++
	}
	if envScore >= flakyAgreementThreshold {
		votes++
	}
	scorerConf := score.Confidence
	if votes >= 2 {
		scorerConf *= 1 + math.Min(0.20, 0.10*float64(votes-1))
		if scorerConf > 1 {
			scorerConf = 1
		}
	}

	patternConf := 0.0
	if dominant != nil {
		patternConf = dominant.Confidence
	}
	confidence := 0.5*scorerConf + 0.3*math.Min(1, burst+period) + 0.2*patternConf

	rec := score.Recommendation
	prio := score.Priority
	// A dominant pattern is strong evidence, but never promotes a test
	// that has not cleared the minimum-runs gate: the conservative
	// outcome wins below it.
	if dominant != nil && dominant.Confidence > 0.7 &&
		rec == flakiness.RecommendWarn &&
		score.Features.Total >= e.cfg.MinRunsForQuarantine {
		rec = flakiness.RecommendQuarantine
	}
	if envScore > 0.6 {
		prio = prio.Bump()
	}

	return Analysis{
		Score:          score,
		Burstiness:     burst,
		Periodicity:    period,
		Patterns:       patterns,
		Dominant:       dominant,
		EnvFactors:     env,
		EnvScore:       envScore,
		Confidence:     clamp01(confidence),
		Recommendation: rec,
		Priority:       prio,
	}
}
