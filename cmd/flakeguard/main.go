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

// flakeguard is the FlakeGuard service binary: it receives host
// webhooks, runs the durable queue workers that ingest and analyze CI
// test reports, polls for runs that webhooks missed, and publishes
// check runs with quarantine recommendations.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub005/pkg/actions"
	"github.com/thc1006/flakeguard-sub005/pkg/artifacts"
	"github.com/thc1006/flakeguard-sub005/pkg/checks"
	"github.com/thc1006/flakeguard-sub005/pkg/detection"
	"github.com/thc1006/flakeguard-sub005/pkg/flakiness"
	"github.com/thc1006/flakeguard-sub005/pkg/ghclient"
	"github.com/thc1006/flakeguard-sub005/pkg/ingest"
	"github.com/thc1006/flakeguard-sub005/pkg/logrusutil"
	"github.com/thc1006/flakeguard-sub005/pkg/poller"
	"github.com/thc1006/flakeguard-sub005/pkg/queue"
	"github.com/thc1006/flakeguard-sub005/pkg/signature"
	"github.com/thc1006/flakeguard-sub005/pkg/store"
	"github.com/thc1006/flakeguard-sub005/pkg/webhook"
)

type options struct {
	listenAddr  string
	metricsAddr string

	githubAppID       int64
	privateKeyPath    string
	webhookSecretPath string

	databaseURL  string
	maxDBConns   int
	redisAddr    string
	ensureSchema bool

	allowedEvents string

	pollInterval        time.Duration
	windowSize          int
	quarantineThreshold float64
	warnThreshold       float64
	drainDeadline       time.Duration
}

func gatherOptions() options {
	var o options
	flag.StringVar(&o.listenAddr, "listen-addr", ":8080", "address for the webhook listener")
	flag.StringVar(&o.metricsAddr, "metrics-addr", ":9090", "address for prometheus metrics")
	flag.Int64Var(&o.githubAppID, "github-app-id", 0, "GitHub App id")
	flag.StringVar(&o.privateKeyPath, "github-app-private-key-path", "", "path to the GitHub App RSA private key")
	flag.StringVar(&o.webhookSecretPath, "webhook-secret-path", "", "path to the webhook HMAC secret")
	flag.StringVar(&o.databaseURL, "database-url", "", "postgres connection string")
	flag.IntVar(&o.maxDBConns, "max-db-connections", 20, "bound on the postgres connection pool")
	flag.StringVar(&o.redisAddr, "redis-addr", "127.0.0.1:6379", "redis address backing the job queues")
	flag.BoolVar(&o.ensureSchema, "ensure-schema", false, "create database tables on startup if absent")
	flag.StringVar(&o.allowedEvents, "allowed-events", "", "comma-separated webhook event allow-list override")
	flag.DurationVar(&o.pollInterval, "poll-interval", 15*time.Minute, "how often to sweep repositories for missed runs")
	flag.IntVar(&o.windowSize, "window-size", 50, "rolling occurrence window per test")
	flag.Float64Var(&o.quarantineThreshold, "quarantine-threshold", 0.6, "score at or above which quarantine is recommended")
	flag.Float64Var(&o.warnThreshold, "warn-threshold", 0.3, "score at or above which a warning is recommended")
	flag.DurationVar(&o.drainDeadline, "drain-deadline", 30*time.Second, "grace period for in-flight jobs on shutdown")
	flag.Parse()
	return o
}

func (o options) validate() error {
	switch {
	case o.githubAppID == 0:
		return flag.ErrHelp
	case o.privateKeyPath == "":
		return flag.ErrHelp
	case o.webhookSecretPath == "":
		return flag.ErrHelp
	case o.databaseURL == "":
		return flag.ErrHelp
	}
	return nil
}

func main() {
	logrusutil.Init("flakeguard")
	o := gatherOptions()
	if err := o.validate(); err != nil {
		logrus.Fatal("--github-app-id, --github-app-private-key-path, --webhook-secret-path and --database-url are required")
	}
	log := logrus.NewEntry(logrus.StandardLogger())

	privateKey, err := os.ReadFile(o.privateKeyPath)
	if err != nil {
		log.WithError(err).Fatal("reading app private key")
	}
	webhookSecret, err := os.ReadFile(o.webhookSecretPath)
	if err != nil {
		log.WithError(err).Fatal("reading webhook secret")
	}

	db, err := store.Open(o.databaseURL, o.maxDBConns)
	if err != nil {
		log.WithError(err).Fatal("opening database")
	}
	st := store.New(db, log.WithField("component", "store"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if o.ensureSchema {
		if err := st.EnsureSchema(ctx); err != nil {
			log.WithError(err).Fatal("ensuring schema")
		}
	}

	ghCfg := ghclient.DefaultConfig()
	ghCfg.AppID = o.githubAppID
	ghCfg.PrivateKeyPEM = privateKey
	gh, err := ghclient.New(ghCfg, log.WithField("component", "ghclient"))
	if err != nil {
		log.WithError(err).Fatal("building host client")
	}

	q := queue.New(queue.NewPool(o.redisAddr), queue.DefaultConfig(), log.WithField("component", "queue"))

	norm, err := signature.NewNormalizer(0)
	if err != nil {
		log.WithError(err).Fatal("building normalizer")
	}
	scoring := flakiness.DefaultConfig()
	scoring.WindowSize = o.windowSize
	scoring.QuarantineThreshold = o.quarantineThreshold
	scoring.WarnThreshold = o.warnThreshold
	engine := detection.NewEngine(scoring, flakiness.New(scoring, norm))

	actionHandler := actions.New(actions.Deps{
		Store: st,
		GH:    gh,
		Log:   log.WithField("component", "actions"),
	})
	pipeline := ingest.New(ingest.Deps{
		Store:      st,
		GH:         gh,
		Artifacts:  artifacts.New(artifacts.DefaultConfig(), log.WithField("component", "artifacts")),
		Queue:      q,
		Normalizer: norm,
		Engine:     engine,
		Renderer:   checks.New(checks.DefaultConfig()),
		Actions:    actionHandler,
		Scoring:    scoring,
		Log:        log.WithField("component", "pipeline"),
	})

	var allowed []string
	if o.allowedEvents != "" {
		allowed = strings.Split(o.allowedEvents, ",")
	}
	hook := webhook.NewServer(webhook.Config{
		WebhookSecret: webhookSecret,
		AllowedEvents: allowed,
	}, q, log.WithField("component", "webhook"))

	pollCfg := poller.DefaultConfig()
	pollCfg.Interval = o.pollInterval
	pl := poller.New(pollCfg, gh, st, q, pipeline, log.WithField("component", "poller"))
	go pl.Run(ctx)

	// Prometheus scraping on its own mux, greenhouse-style.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Infof("metrics listening on %s", o.metricsAddr)
		log.WithError(http.ListenAndServe(o.metricsAddr, metricsMux)).Fatal("metrics listener returned")
	}()

	router := mux.NewRouter()
	hook.Routes(router)
	server := &http.Server{Addr: o.listenAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Infof("webhook listening on %s", o.listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("webhook listener returned")
		}
	}()

	workerCfg := queue.DefaultWorkerConfig()
	workerCfg.DrainDeadline = o.drainDeadline
	workers := queue.NewWorkers(q, workerCfg, map[string]queue.Handler{
		queue.QueueEvents:    pipeline.HandleEvent,
		queue.QueueIngest:    pipeline.HandleIngest,
		queue.QueueAnalyze:   pipeline.HandleAnalyze,
		queue.QueueRecompute: pipeline.HandleRecompute,
	}, log.WithField("component", "workers"))

	// Blocks until SIGINT/SIGTERM, then drains.
	workers.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("webhook server shutdown")
	}
	log.Info("flakeguard stopped")
}
