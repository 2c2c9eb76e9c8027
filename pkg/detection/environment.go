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
	"math"

	"github.com/thc1006/flakeguard-sub005/pkg/flakiness"
)

// EnvFactor is one environmental signal with its significance in [0,1].
type EnvFactor struct {
	Name         string
	Significance float64
}

const (
	envDurationVariance  = "duration_variance"
	envHourConcentration = "hour_of_day_concentration"
	envRetrySuccess      = "retry_success_rate"
)

// envReportThreshold filters factors out of the report.
const envReportThreshold = 0.3

// analyzeEnvironment derives environmental factors from the raw window.
func analyzeEnvironment(occs []flakiness.Occurrence) []EnvFactor {
	var factors []EnvFactor

	// Coefficient of variation of durations, squashed into [0,1].
	var durs []float64
	for _, o := range occs {
		if o.Status != flakiness.StatusSkipped && o.DurationMS > 0 {
			durs = append(durs, float64(o.DurationMS))
		}
	}
	if len(durs) >= 3 {
		mean, std := meanStd(durs)
		if mean > 0 {
			cv := std / mean
			factors = append(factors, EnvFactor{envDurationVariance, clamp01(cv / (1 + cv) * 2)})
		}
	}

	// Concentration of failures in one hour of the day.
	hourCount := map[int]int{}
	failures := 0
	for _, o := range occs {
		if o.Failed() {
			hourCount[o.At.UTC().Hour()]++
			failures++
		}
	}
	if failures >= 3 {
		max := 0
		for _, c := range hourCount {
			if c > max {
				max = c
			}
		}
		factors = append(factors, EnvFactor{envHourConcentration, float64(max) / float64(failures)})
	}

	// Retries succeeding points at environment rather than code.
	var retries, retryPasses int
	for _, o := range occs {
		if o.Attempt > 1 {
			retries++
			if o.Status == flakiness.StatusPassed {
				retryPasses++
			}
		}
	}
	if retries > 0 {
		factors = append(factors, EnvFactor{envRetrySuccess, float64(retryPasses) / float64(retries)})
	}

	var reported []EnvFactor
	for _, f := range factors {
		if f.Significance > envReportThreshold {
			reported = append(reported, f)
		}
	}
	return reported
}

func meanStd(xs []float64) (mean, std float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var variance float64
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, math.Sqrt(variance)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
