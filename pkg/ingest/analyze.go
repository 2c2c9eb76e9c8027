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

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/go-github/v53/github"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub005/pkg/actions"
	"github.com/thc1006/flakeguard-sub005/pkg/checks"
	"github.com/thc1006/flakeguard-sub005/pkg/clusters"
	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
	"github.com/thc1006/flakeguard-sub005/pkg/flakiness"
	"github.com/thc1006/flakeguard-sub005/pkg/ghclient"
	"github.com/thc1006/flakeguard-sub005/pkg/queue"
	"github.com/thc1006/flakeguard-sub005/pkg/store"
)

// clusterLookback bounds the failure history considered for signature
// clustering.
const clusterLookback = 30 * 24 * time.Hour

// candidate pairs a scored test with its identity for rendering and
// action dispatch.
type candidate struct {
	testCase *store.TestCase
	result   checks.TestResult
}

// HandleAnalyze scores every test a run touched, refreshes signature
// clusters, and publishes the check run.
func (p *Pipeline) HandleAnalyze(ctx context.Context, job queue.Job) error {
	var msg AnalyzeMsg
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return flakeerrors.Wrap(flakeerrors.BadRequest, err, "decoding analyze job")
	}
	log := p.deps.Log.WithFields(logrus.Fields{"repo": msg.Owner + "/" + msg.Repo, "run": msg.ExternalRunID})

	testIDs, err := p.deps.Store.TestCaseIDsForRun(ctx, msg.RunID)
	if err != nil {
		return err
	}
	if len(testIDs) == 0 {
		log.Info("run has no occurrences, skipping analysis")
		return nil
	}

	candidates, err := p.scoreTests(ctx, testIDs)
	if err != nil {
		return err
	}
	if err := p.refreshClusters(ctx, msg.RepositoryID); err != nil {
		// Clustering is derived state; a failure here should not lose
		// the scores already persisted.
		log.WithError(err).Warn("refreshing failure clusters")
	}
	return p.publishCheckRun(ctx, log, msg, candidates)
}

// scoreTests runs the detection engine over each test's rolling window
// and persists the resulting score rows.
func (p *Pipeline) scoreTests(ctx context.Context, testIDs []int64) ([]candidate, error) {
	now := time.Now().UTC()
	var out []candidate
	for _, id := range testIDs {
		tc, err := p.deps.Store.GetTestCase(ctx, id)
		if err != nil {
			return nil, err
		}
		if tc == nil {
			continue
		}
		occs, err := p.deps.Store.RecentRunsForTest(ctx, id, p.deps.Scoring.WindowSize)
		if err != nil {
			return nil, err
		}
		firstSeen, err := p.deps.Store.FirstSeen(ctx, id)
		if err != nil {
			return nil, err
		}
		window := toWindow(occs)
		analysis := p.deps.Engine.Analyze(window, firstSeen, now)

		features, err := json.Marshal(analysis.Score.Features)
		if err != nil {
			return nil, flakeerrors.Wrap(flakeerrors.Internal, err, "encoding features")
		}
		if err := p.deps.Store.UpsertFlakeScore(ctx, store.FlakeScore{
			TestCaseID:     id,
			Score:          analysis.Score.Score,
			Confidence:     analysis.Confidence,
			Features:       features,
			WindowN:        analysis.Score.WindowN,
			Recommendation: string(analysis.Recommendation),
			Priority:       string(analysis.Priority),
			UpdatedAt:      now,
		}); err != nil {
			return nil, err
		}

		failCount := 0
		for _, o := range window {
			if o.Failed() && o.Attempt <= 1 {
				failCount++
			}
		}
		if failCount == 0 && analysis.Score.Score == 0 {
			// Healthy test: not a candidate.
			continue
		}
		quarantine, err := p.deps.Store.CurrentQuarantine(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, candidate{
			testCase: tc,
			result: checks.TestResult{
				Name:        displayName(tc),
				File:        tc.File,
				FailCount:   failCount,
				Quarantined: quarantine != nil && quarantine.State == store.QuarantineActive,
				Analysis:    analysis,
			},
		})
	}
	return out, nil
}

func displayName(tc *store.TestCase) string {
	if tc.ClassName == "" {
		return tc.Name
	}
	return tc.ClassName + "." + tc.Name
}

func toWindow(occs []store.Occurrence) []flakiness.Occurrence {
	out := make([]flakiness.Occurrence, 0, len(occs))
	for _, o := range occs {
		out = append(out, flakiness.Occurrence{
			Status:        flakiness.Status(o.Status),
			Attempt:       o.Attempt,
			WorkflowRunID: o.WorkflowRunID,
			Message:       o.Message,
			DurationMS:    o.DurationMS,
			At:            o.CreatedAt,
		})
	}
	return out
}

// refreshClusters regroups the repository's recent failures by message
// signature and upserts the materialized clusters.
func (p *Pipeline) refreshClusters(ctx context.Context, repoID int64) error {
	var sigOccs []clusters.SignatureOccurrence
	since := time.Now().Add(-clusterLookback)
	err := p.deps.Store.ForEachFailedOccurrence(ctx, repoID, since, 500, func(o store.Occurrence) error {
		sigOccs = append(sigOccs, clusters.SignatureOccurrence{
			TestCaseID:       o.TestCaseID,
			MessageSignature: o.MessageSignature,
			StackDigest:      o.StackDigest,
			Message:          o.Message,
			Stack:            o.Stack,
			At:               o.CreatedAt,
		})
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range clusters.GroupBySignature(sigOccs) {
		if err := p.deps.Store.UpsertFailureCluster(ctx, store.FailureCluster{
			RepositoryID:     repoID,
			MessageSignature: c.MessageSignature,
			StackDigest:      c.StackDigest,
			ExampleMessage:   c.ExampleMessage,
			ExampleStack:     c.ExampleStack,
			TestCaseIDs:      c.TestCaseIDs,
			OccurrenceCount:  c.OccurrenceCount,
			WindowStart:      c.WindowStart,
			WindowEnd:        c.WindowEnd,
		}); err != nil {
			return err
		}
	}
	return nil
}

// publishCheckRun renders the candidates and publishes the analysis on
// the commit. The external id dedups republication for the same SHA.
func (p *Pipeline) publishCheckRun(ctx context.Context, log *logrus.Entry, msg AnalyzeMsg, cands []candidate) error {
	if len(cands) == 0 {
		log.Info("no flaky candidates, no check run published")
		return nil
	}
	repo, err := p.deps.Store.GetRepository(ctx, provider, msg.Owner, msg.Repo)
	if err != nil {
		return err
	}
	branch := "main"
	if repo != nil {
		branch = repo.DefaultBranch
	}
	results := make([]checks.TestResult, 0, len(cands))
	for _, c := range cands {
		results = append(results, c.result)
	}
	output := p.deps.Renderer.Render(checks.RepoInfo{
		Host:          "github.com",
		Owner:         msg.Owner,
		Name:          msg.Repo,
		DefaultBranch: branch,
	}, results)

	spec := ghclient.CheckRunSpec{
		Name:       checkName,
		HeadSHA:    msg.HeadSHA,
		ExternalID: fmt.Sprintf("flakeguard-analysis-%s", msg.HeadSHA),
		Status:     "completed",
		Conclusion: "neutral",
		Title:      output.Title,
		Summary:    output.Summary,
	}
	for _, a := range output.Actions {
		spec.Actions = append(spec.Actions, ghclient.CheckRunAction(a))
	}
	id, err := p.deps.GH.CreateCheckRun(ctx, msg.Installation, msg.Owner, msg.Repo, spec)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"check_run": id, "candidates": len(cands)}).Info("published check run")
	return nil
}

// HandleRecompute rescoring: all tests of a repository, a name
// pattern, or an explicit list.
func (p *Pipeline) HandleRecompute(ctx context.Context, job queue.Job) error {
	var msg RecomputeMsg
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return flakeerrors.Wrap(flakeerrors.BadRequest, err, "decoding recompute job")
	}
	ids := msg.TestCaseIDs
	var err error
	switch {
	case msg.All:
		ids, err = p.deps.Store.AllTestCaseIDs(ctx, msg.RepositoryID)
	case msg.Pattern != "":
		ids, err = p.deps.Store.TestCaseIDsMatching(ctx, msg.RepositoryID, msg.Pattern)
	}
	if err != nil {
		return err
	}
	_, err = p.scoreTests(ctx, ids)
	return err
}

// handleCheckRunEvent executes a check-run button press.
func (p *Pipeline) handleCheckRunEvent(ctx context.Context, log *logrus.Entry, payload []byte) error {
	var ev github.CheckRunEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return flakeerrors.Wrap(flakeerrors.BadRequest, err, "decoding check_run event")
	}
	if ev.GetAction() != "requested_action" || ev.GetRequestedAction() == nil {
		return nil
	}
	owner := ev.GetRepo().GetOwner().GetLogin()
	name := ev.GetRepo().GetName()
	headSHA := ev.GetCheckRun().GetHeadSHA()
	target := actionsTarget(ev, owner, name, headSHA)
	log = log.WithFields(logrus.Fields{"action": ev.GetRequestedAction().Identifier, "sha": headSHA})

	repo, err := p.deps.Store.GetRepository(ctx, provider, owner, name)
	if err != nil {
		return err
	}
	if repo == nil {
		return flakeerrors.New(flakeerrors.BadRequest, "callback for unknown repository %s/%s", owner, name)
	}
	run, err := p.deps.Store.LatestRunForSHA(ctx, repo.ID, headSHA)
	if err != nil {
		return err
	}
	if run == nil {
		return flakeerrors.New(flakeerrors.BadRequest, "callback for unknown run on %s", headSHA)
	}
	target.RunID = run.ExternalRunID

	testIDs, err := p.deps.Store.TestCaseIDsForRun(ctx, run.ID)
	if err != nil {
		return err
	}
	cands, err := p.scoreTests(ctx, testIDs)
	if err != nil {
		return err
	}

	var result actions.Result
	switch ev.GetRequestedAction().Identifier {
	case checks.ActionQuarantine:
		var ids []int64
		for _, c := range cands {
			if c.result.Analysis.Recommendation == flakiness.RecommendQuarantine && !c.result.Quarantined {
				ids = append(ids, c.testCase.ID)
			}
		}
		result, err = p.deps.Actions.Quarantine(ctx, target, ids)
	case checks.ActionRerunFailed:
		result, err = p.deps.Actions.RerunFailed(ctx, target, false)
	case checks.ActionOpenIssue:
		var ids []int64
		for _, c := range cands {
			if c.result.FailCount >= 3 {
				ids = append(ids, c.testCase.ID)
			}
		}
		result, err = p.deps.Actions.OpenIssue(ctx, target, ids)
	default:
		log.Warn("unknown requested action")
		return nil
	}
	if err != nil {
		return err
	}
	log.WithField("result", result.Message).Info("executed check-run action")
	return nil
}

func actionsTarget(ev github.CheckRunEvent, owner, name, headSHA string) actions.Target {
	return actions.Target{
		Installation: ev.GetInstallation().GetID(),
		Owner:        owner,
		Repo:         name,
		HeadSHA:      headSHA,
		RequestedBy:  ev.GetSender().GetLogin(),
	}
}
