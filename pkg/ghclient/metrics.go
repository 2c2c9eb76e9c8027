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
	"strconv"
	"sync"

	"github.com/google/go-github/v53/github"
	"github.com/prometheus/client_golang/prometheus"
)

// clientMetrics are served on the process metrics port.
type clientMetrics struct {
	Requests           *prometheus.CounterVec
	RateRemaining      *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *clientMetrics
)

func initMetrics() *clientMetrics {
	metricsOnce.Do(func() {
		metricsInst = &clientMetrics{
			Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "flakeguard_github_requests_total",
				Help: "GitHub API requests by resource and status code",
			}, []string{"resource", "status"}),
			RateRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "flakeguard_github_rate_remaining",
				Help: "Remaining GitHub rate budget by installation",
			}, []string{"installation"}),
			BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "flakeguard_github_breaker_transitions_total",
				Help: "Circuit breaker state transitions by resource and new state",
			}, []string{"resource", "state"}),
		}
		prometheus.MustRegister(metricsInst.Requests)
		prometheus.MustRegister(metricsInst.RateRemaining)
		prometheus.MustRegister(metricsInst.BreakerTransitions)
	})
	return metricsInst
}

func (m *clientMetrics) observe(resource string, resp *github.Response, installation int64) {
	if resp.Response != nil {
		m.Requests.WithLabelValues(resource, strconv.Itoa(resp.StatusCode)).Inc()
	}
	m.RateRemaining.WithLabelValues(strconv.FormatInt(installation, 10)).Set(float64(resp.Rate.Remaining))
}
