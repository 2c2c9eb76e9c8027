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

// Package ingest wires the pipeline together: inbound events fan into
// ingest jobs, ingest jobs fetch and parse artifacts into the store,
// and analyze jobs score the affected tests and publish check runs.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/go-github/v53/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub005/pkg/actions"
	"github.com/thc1006/flakeguard-sub005/pkg/artifacts"
	"github.com/thc1006/flakeguard-sub005/pkg/checks"
	"github.com/thc1006/flakeguard-sub005/pkg/detection"
	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
	"github.com/thc1006/flakeguard-sub005/pkg/flakiness"
	"github.com/thc1006/flakeguard-sub005/pkg/ghclient"
	"github.com/thc1006/flakeguard-sub005/pkg/junit"
	"github.com/thc1006/flakeguard-sub005/pkg/queue"
	"github.com/thc1006/flakeguard-sub005/pkg/signature"
	"github.com/thc1006/flakeguard-sub005/pkg/store"
	"github.com/thc1006/flakeguard-sub005/pkg/webhook"
)

// provider is the only code host FlakeGuard currently speaks to.
const provider = "github"

// checkName is the check-run name shown on commits.
const checkName = "FlakeGuard"

// HostClient is the slice of the host client the pipeline needs.
type HostClient interface {
	ListArtifacts(ctx context.Context, installation int64, owner, repo string, runID int64) ([]ghclient.ArtifactMeta, error)
	DownloadArtifact(ctx context.Context, installation int64, owner, repo string, artifactID int64) (io.ReadCloser, error)
	CreateCheckRun(ctx context.Context, installation int64, owner, repo string, spec ghclient.CheckRunSpec) (int64, error)
}

// Deps are the pipeline's collaborators, passed as one record.
type Deps struct {
	Store      *store.Store
	GH         HostClient
	Artifacts  *artifacts.Reader
	Queue      *queue.Queue
	Normalizer *signature.Normalizer
	Engine     *detection.Engine
	Renderer   *checks.Renderer
	Actions    *actions.Handler
	Scoring    flakiness.Config
	Log        *logrus.Entry
}

// Pipeline owns the event, ingest, analyze and recompute handlers.
type Pipeline struct {
	deps    Deps
	metrics *pipelineMetrics
}

type pipelineMetrics struct {
	ArtifactOutcomes *prometheus.CounterVec
	ParsedCases      prometheus.Counter
	ParseWarnings    prometheus.Counter
}

var sharedMetrics *pipelineMetrics

func initPipelineMetrics() *pipelineMetrics {
	if sharedMetrics != nil {
		return sharedMetrics
	}
	sharedMetrics = &pipelineMetrics{
		ArtifactOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flakeguard_artifacts_total",
			Help: "Processed artifacts by outcome",
		}, []string{"outcome"}),
		ParsedCases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flakeguard_parsed_cases_total",
			Help: "Test cases parsed from reports",
		}),
		ParseWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flakeguard_parse_warnings_total",
			Help: "Recoverable report parsing warnings",
		}),
	}
	prometheus.MustRegister(sharedMetrics.ArtifactOutcomes)
	prometheus.MustRegister(sharedMetrics.ParsedCases)
	prometheus.MustRegister(sharedMetrics.ParseWarnings)
	return sharedMetrics
}

// New builds the pipeline.
func New(deps Deps) *Pipeline {
	return &Pipeline{deps: deps, metrics: initPipelineMetrics()}
}

// IngestMsg is the payload of an ingest job, keyed (repo, run).
type IngestMsg struct {
	Installation  int64     `json:"installation"`
	Owner         string    `json:"owner"`
	Repo          string    `json:"repo"`
	DefaultBranch string    `json:"defaultBranch"`
	ExternalRunID int64     `json:"runId"`
	HeadSHA       string    `json:"headSha"`
	HeadBranch    string    `json:"headBranch"`
	RunNumber     int       `json:"runNumber"`
	Attempt       int       `json:"attempt"`
	Status        string    `json:"status"`
	Conclusion    string    `json:"conclusion"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// AnalyzeMsg is the payload of an analyze job.
type AnalyzeMsg struct {
	Installation  int64  `json:"installation"`
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	RepositoryID  int64  `json:"repositoryId"`
	RunID         int64  `json:"runDbId"`
	ExternalRunID int64  `json:"runId"`
	HeadSHA       string `json:"headSha"`
}

// RecomputeMsg batches re-scoring: all tests of a repository or an
// explicit list.
type RecomputeMsg struct {
	Installation int64   `json:"installation"`
	Owner        string  `json:"owner"`
	Repo         string  `json:"repo"`
	RepositoryID int64   `json:"repositoryId"`
	TestCaseIDs  []int64 `json:"testCaseIds,omitempty"`
	Pattern      string  `json:"pattern,omitempty"`
	All          bool    `json:"all,omitempty"`
}

// ingestKey is the dedup key for (repo, run) jobs.
func ingestKey(owner, repo string, runID int64) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, runID)
}

// HandleEvent dispatches one webhook delivery from the events queue.
func (p *Pipeline) HandleEvent(ctx context.Context, job queue.Job) error {
	var env webhook.Envelope
	if err := json.Unmarshal(job.Payload, &env); err != nil {
		return flakeerrors.Wrap(flakeerrors.BadRequest, err, "decoding event envelope")
	}
	log := p.deps.Log.WithFields(logrus.Fields{"event": env.Type, "delivery": env.DeliveryID})

	switch env.Type {
	case "workflow_run":
		return p.handleWorkflowRunEvent(ctx, log, env.Payload)
	case "check_run":
		return p.handleCheckRunEvent(ctx, log, env.Payload)
	case "installation", "installation_repositories":
		return p.handleInstallationEvent(ctx, log, env.Payload)
	default:
		// Allow-listed but carrying nothing the core acts on (push,
		// pull_request, check_suite, workflow_job feed future
		// correlation, not ingestion).
		log.Debug("event acknowledged without action")
		return nil
	}
}

func (p *Pipeline) handleWorkflowRunEvent(ctx context.Context, log *logrus.Entry, payload []byte) error {
	var ev github.WorkflowRunEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return flakeerrors.Wrap(flakeerrors.BadRequest, err, "decoding workflow_run event")
	}
	run := ev.GetWorkflowRun()
	if run == nil || ev.GetAction() != "completed" {
		return nil
	}
	msg := IngestMsg{
		Installation:  ev.GetInstallation().GetID(),
		Owner:         ev.GetRepo().GetOwner().GetLogin(),
		Repo:          ev.GetRepo().GetName(),
		DefaultBranch: ev.GetRepo().GetDefaultBranch(),
		ExternalRunID: run.GetID(),
		HeadSHA:       run.GetHeadSHA(),
		HeadBranch:    run.GetHeadBranch(),
		RunNumber:     run.GetRunNumber(),
		Attempt:       run.GetRunAttempt(),
		Status:        run.GetStatus(),
		Conclusion:    run.GetConclusion(),
		CreatedAt:     run.GetCreatedAt().Time,
		UpdatedAt:     run.GetUpdatedAt().Time,
	}
	return p.EnqueueIngest(ctx, msg)
}

// EnqueueIngest registers an ingest job for a completed run; the
// (repo, run) dedup key drops replays. The poller uses this too.
func (p *Pipeline) EnqueueIngest(ctx context.Context, msg IngestMsg) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return flakeerrors.Wrap(flakeerrors.Internal, err, "encoding ingest job")
	}
	enqueued, err := p.deps.Queue.Enqueue(ctx, queue.QueueIngest, ingestKey(msg.Owner, msg.Repo, msg.ExternalRunID), body)
	if err != nil {
		return flakeerrors.Wrap(flakeerrors.UpstreamUnavailable, err, "enqueueing ingest")
	}
	if !enqueued {
		p.deps.Log.WithField("run", msg.ExternalRunID).Debug("ingest already queued")
	}
	return nil
}

func (p *Pipeline) handleInstallationEvent(ctx context.Context, log *logrus.Entry, payload []byte) error {
	var ev github.InstallationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return flakeerrors.Wrap(flakeerrors.BadRequest, err, "decoding installation event")
	}
	inst := ev.GetInstallation().GetID()
	for _, r := range ev.Repositories {
		owner, name := splitFullName(r.GetFullName())
		if owner == "" {
			continue
		}
		if _, err := p.deps.Store.UpsertRepository(ctx, store.Repository{
			Provider:        provider,
			Owner:           owner,
			Name:            name,
			InstallationRef: inst,
			DefaultBranch:   "main",
		}); err != nil {
			return err
		}
		log.WithField("repo", r.GetFullName()).Info("registered repository")
	}
	return nil
}

func splitFullName(full string) (owner, name string) {
	for i := 0; i < len(full); i++ {
		if full[i] == '/' {
			return full[:i], full[i+1:]
		}
	}
	return "", ""
}

// HandleIngest fetches a run's artifacts, parses every report inside
// them and persists the normalized rows in one transaction, then
// queues analysis. Artifact-level failures are terminal for that
// artifact only; siblings continue.
func (p *Pipeline) HandleIngest(ctx context.Context, job queue.Job) error {
	var msg IngestMsg
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return flakeerrors.Wrap(flakeerrors.BadRequest, err, "decoding ingest job")
	}
	log := p.deps.Log.WithFields(logrus.Fields{"repo": msg.Owner + "/" + msg.Repo, "run": msg.ExternalRunID})

	repo, err := p.deps.Store.UpsertRepository(ctx, store.Repository{
		Provider:        provider,
		Owner:           msg.Owner,
		Name:            msg.Repo,
		InstallationRef: msg.Installation,
		DefaultBranch:   defaultBranch(msg.DefaultBranch),
	})
	if err != nil {
		return err
	}
	if !repo.Active {
		log.Info("repository deactivated, skipping ingest")
		return nil
	}

	metas, err := p.deps.GH.ListArtifacts(ctx, msg.Installation, msg.Owner, msg.Repo, msg.ExternalRunID)
	if err != nil {
		return err
	}

	var outcomes []store.TestOutcome
	for _, meta := range metas {
		arts, err := p.collectArtifact(ctx, log, msg, meta)
		if err != nil {
			// Terminal artifact outcomes are recorded and the rest of
			// the run still ingests.
			kind := flakeerrors.KindOf(err)
			if kind == flakeerrors.ArtifactTooLarge || kind == flakeerrors.ArtifactExpired || kind == flakeerrors.ParseError {
				log.WithError(err).WithField("artifact", meta.Name).Warn("skipping artifact")
				p.metrics.ArtifactOutcomes.WithLabelValues(string(kind)).Inc()
				continue
			}
			return err
		}
		p.metrics.ArtifactOutcomes.WithLabelValues("ok").Inc()
		outcomes = append(outcomes, arts...)
	}

	batch := store.IngestBatch{
		Repo: repo,
		Run: store.WorkflowRun{
			ExternalRunID: msg.ExternalRunID,
			Status:        msg.Status,
			Conclusion:    msg.Conclusion,
			HeadSHA:       msg.HeadSHA,
			HeadBranch:    msg.HeadBranch,
			RunNumber:     msg.RunNumber,
			Attempt:       msg.Attempt,
			CreatedAt:     orNow(msg.CreatedAt),
			UpdatedAt:     orNow(msg.UpdatedAt),
		},
		Outcomes: outcomes,
	}
	counts, err := p.deps.Store.IngestRun(ctx, batch)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"tests": counts.TestCases, "occurrences": counts.Occurrences}).Info("ingested run")

	if len(outcomes) == 0 {
		// No reports: nothing to analyze, no check run.
		return nil
	}
	analyzeBody, err := json.Marshal(AnalyzeMsg{
		Installation:  msg.Installation,
		Owner:         msg.Owner,
		Repo:          msg.Repo,
		RepositoryID:  repo.ID,
		RunID:         counts.RunID,
		ExternalRunID: msg.ExternalRunID,
		HeadSHA:       msg.HeadSHA,
	})
	if err != nil {
		return flakeerrors.Wrap(flakeerrors.Internal, err, "encoding analyze job")
	}
	_, err = p.deps.Queue.Enqueue(ctx, queue.QueueAnalyze, ingestKey(msg.Owner, msg.Repo, msg.ExternalRunID), analyzeBody)
	return err
}

// collectArtifact downloads one artifact and parses every report entry
// into outcomes.
func (p *Pipeline) collectArtifact(ctx context.Context, log *logrus.Entry, msg IngestMsg, meta ghclient.ArtifactMeta) ([]store.TestOutcome, error) {
	if meta.Expired {
		return nil, flakeerrors.New(flakeerrors.ArtifactExpired, "artifact %s expired upstream", meta.Name)
	}
	stream, err := p.deps.GH.DownloadArtifact(ctx, msg.Installation, msg.Owner, msg.Repo, meta.ID)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var outcomes []store.TestOutcome
	err = p.deps.Artifacts.Extract(stream, meta.SizeInBytes, func(entry artifacts.Entry) error {
		res, err := junit.Parse(entry.Reader, junit.Options{Family: familyForPath(entry.Path)})
		if err != nil {
			// One malformed report should not sink its siblings in the
			// same archive.
			log.WithError(err).WithField("entry", entry.Path).Warn("skipping malformed report")
			p.metrics.ParseWarnings.Inc()
			return nil
		}
		for _, w := range res.Warnings {
			log.WithField("entry", entry.Path).Warn(w)
			p.metrics.ParseWarnings.Inc()
		}
		for _, suite := range res.Suites {
			for _, c := range suite.Cases {
				outcomes = append(outcomes, p.toOutcome(msg, suite, c))
				p.metrics.ParsedCases.Inc()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcomes, nil
}

// toOutcome normalizes one parsed case into a persistable outcome,
// computing message signatures as required by the scoring layer.
func (p *Pipeline) toOutcome(msg IngestMsg, suite junit.Suite, c junit.Case) store.TestOutcome {
	out := store.TestOutcome{
		Suite:      suite.Name,
		ClassName:  c.ClassName,
		Name:       c.Name,
		Status:     string(c.Status),
		DurationMS: int64(c.TimeSeconds * 1000),
		Attempt:    maxInt(msg.Attempt, 1),
	}
	detail := c.Error
	if detail == nil {
		detail = c.Failure
	}
	if detail != nil {
		out.Message = detail.Message
		out.Stack = detail.Stack
		if detail.Message != "" {
			out.MessageSignature = p.deps.Normalizer.Signature(detail.Message)
		}
		if detail.Stack != "" {
			out.StackDigest = p.deps.Normalizer.StackDigest(detail.Stack)
		}
	}
	return out
}

// familyForPath guesses the report dialect from its path, a hint only.
func familyForPath(path string) junit.Family {
	switch {
	case containsFold(path, "surefire"):
		return junit.FamilySurefire
	case containsFold(path, "pytest"):
		return junit.FamilyPytest
	case containsFold(path, "jest"):
		return junit.FamilyJest
	case containsFold(path, "phpunit"):
		return junit.FamilyPHPUnit
	case containsFold(path, "test-results"):
		return junit.FamilyGradle
	default:
		return junit.FamilyUnknown
	}
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}

func defaultBranch(b string) string {
	if b == "" {
		return "main"
	}
	return b
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
