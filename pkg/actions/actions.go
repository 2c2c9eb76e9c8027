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

// Package actions executes the three check-run buttons: quarantine,
// rerun-failed and open-issue. Every action is idempotent; duplicate
// button presses are no-ops, and partial failures are reported
// honestly rather than masked.
package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub005/pkg/ghclient"
	"github.com/thc1006/flakeguard-sub005/pkg/store"
)

// quarantineDuration is how long a quarantine decision holds before it
// expires on its own.
const quarantineDuration = 30 * 24 * time.Hour

// issueTitlePrefix marks FlakeGuard-generated issues; the exact title
// is the dedup key, so it must stay stable across releases.
const issueTitlePrefix = "[FlakeGuard]"

// HostClient is the slice of the host client the actions need.
type HostClient interface {
	RerunFailedJobs(ctx context.Context, installation int64, owner, repo string, runID int64, debug bool) error
	PullRequestsForCommit(ctx context.Context, installation int64, owner, repo, sha string) ([]int, error)
	CreateIssue(ctx context.Context, installation int64, owner, repo, title, body string, labels []string) (ghclient.IssueRef, error)
	CreateIssueComment(ctx context.Context, installation int64, owner, repo string, number int, body string) error
	FindOpenIssueByTitle(ctx context.Context, installation int64, owner, repo, title string) (*ghclient.IssueRef, error)
}

// Storage is the slice of the store the actions need.
type Storage interface {
	GetTestCase(ctx context.Context, id int64) (*store.TestCase, error)
	CurrentQuarantine(ctx context.Context, testCaseID int64) (*store.QuarantineDecision, error)
	CreateQuarantineDecision(ctx context.Context, d store.QuarantineDecision) (store.QuarantineDecision, error)
	IssueLinkForTest(ctx context.Context, testCaseID int64) (*store.IssueLink, error)
	CreateIssueLink(ctx context.Context, l store.IssueLink) error
}

// Deps are the handler's collaborators, passed as one record.
type Deps struct {
	Store Storage
	GH    HostClient
	Log   *logrus.Entry
}

// Handler executes check-run actions.
type Handler struct {
	deps Deps
}

// New returns a Handler.
func New(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// Target identifies the repository and run a button press refers to.
type Target struct {
	Installation int64
	Owner        string
	Repo         string
	RunID        int64
	HeadSHA      string
	RequestedBy  string
}

// Result reports an action's outcome, including honest partial
// success ("2/3 sub-steps succeeded").
type Result struct {
	StepsTotal     int
	StepsSucceeded int
	Message        string
}

// Complete reports whether every sub-step succeeded.
func (r Result) Complete() bool { return r.StepsSucceeded == r.StepsTotal }

// Quarantine activates a 30-day quarantine for each test and links a
// tracking issue where none exists. Pressing the button twice within
// the same check run is a no-op: active decisions are left untouched.
func (h *Handler) Quarantine(ctx context.Context, target Target, testCaseIDs []int64) (Result, error) {
	res := Result{StepsTotal: len(testCaseIDs)}
	var quarantined []string
	for _, id := range testCaseIDs {
		log := h.deps.Log.WithField("test_case", id)
		tc, err := h.deps.Store.GetTestCase(ctx, id)
		if err != nil || tc == nil {
			log.WithError(err).Error("loading test case")
			continue
		}
		current, err := h.deps.Store.CurrentQuarantine(ctx, id)
		if err != nil {
			log.WithError(err).Error("loading quarantine state")
			continue
		}
		if current != nil && current.State == store.QuarantineActive {
			// Already quarantined: duplicate invocation, count as done.
			res.StepsSucceeded++
			continue
		}
		until := time.Now().Add(quarantineDuration)
		if _, err := h.deps.Store.CreateQuarantineDecision(ctx, store.QuarantineDecision{
			TestCaseID: id,
			State:      store.QuarantineActive,
			Rationale:  fmt.Sprintf("quarantined from check run for %s", target.HeadSHA),
			ByUser:     target.RequestedBy,
			Until:      &until,
		}); err != nil {
			log.WithError(err).Error("creating quarantine decision")
			continue
		}
		if err := h.ensureTrackingIssue(ctx, target, tc); err != nil {
			// The quarantine itself succeeded; the issue is best
			// effort and is retried on the next press.
			log.WithError(err).Warn("linking tracking issue")
		}
		res.StepsSucceeded++
		quarantined = append(quarantined, displayName(tc))
	}
	res.Message = fmt.Sprintf("quarantined %d/%d tests", res.StepsSucceeded, res.StepsTotal)
	if len(quarantined) > 0 {
		res.Message += ": " + strings.Join(quarantined, ", ")
	}
	return res, nil
}

// ensureTrackingIssue creates the per-test tracking issue unless one is
// already linked or an open issue with the FlakeGuard title exists.
func (h *Handler) ensureTrackingIssue(ctx context.Context, target Target, tc *store.TestCase) error {
	link, err := h.deps.Store.IssueLinkForTest(ctx, tc.ID)
	if err != nil {
		return err
	}
	if link != nil {
		return nil
	}
	title := issueTitle(tc)
	if existing, err := h.deps.GH.FindOpenIssueByTitle(ctx, target.Installation, target.Owner, target.Repo, title); err != nil {
		return err
	} else if existing != nil {
		return h.deps.Store.CreateIssueLink(ctx, store.IssueLink{TestCaseID: tc.ID, Provider: "github", URL: existing.URL})
	}
	ref, err := h.deps.GH.CreateIssue(ctx, target.Installation, target.Owner, target.Repo,
		title, issueBody(tc, target), []string{"kind/flake", "flakeguard"})
	if err != nil {
		return err
	}
	return h.deps.Store.CreateIssueLink(ctx, store.IssueLink{TestCaseID: tc.ID, Provider: "github", URL: ref.URL})
}

// RerunFailed asks the host to rerun the run's failed jobs and posts a
// PR comment when the commit belongs to a pull request. A failed
// comment does not fail the action; the result reports partial
// success.
func (h *Handler) RerunFailed(ctx context.Context, target Target, debug bool) (Result, error) {
	res := Result{StepsTotal: 2}
	if err := h.deps.GH.RerunFailedJobs(ctx, target.Installation, target.Owner, target.Repo, target.RunID, debug); err != nil {
		res.Message = fmt.Sprintf("rerun request failed: %v", err)
		return res, err
	}
	res.StepsSucceeded++

	prs, err := h.deps.GH.PullRequestsForCommit(ctx, target.Installation, target.Owner, target.Repo, target.HeadSHA)
	if err != nil || len(prs) == 0 {
		if err != nil {
			h.deps.Log.WithError(err).Warn("resolving pull request for rerun comment")
		}
		// No PR to comment on still counts the comment step as done.
		res.StepsSucceeded++
		res.Message = "rerun requested"
		return res, nil
	}
	comment := fmt.Sprintf(":repeat: FlakeGuard requested a rerun of the failed jobs in run %d.", target.RunID)
	if err := h.deps.GH.CreateIssueComment(ctx, target.Installation, target.Owner, target.Repo, prs[0], comment); err != nil {
		h.deps.Log.WithError(err).Warn("posting rerun comment")
		res.Message = fmt.Sprintf("%d/%d sub-steps succeeded: rerun requested, comment failed", res.StepsSucceeded, res.StepsTotal)
		return res, nil
	}
	res.StepsSucceeded++
	res.Message = "rerun requested and PR notified"
	return res, nil
}

// OpenIssue files a tracking issue: a per-test issue for exactly one
// test, a summary issue for several. An open issue carrying the same
// FlakeGuard-generated title short-circuits the action.
func (h *Handler) OpenIssue(ctx context.Context, target Target, testCaseIDs []int64) (Result, error) {
	res := Result{StepsTotal: 1}
	var tests []*store.TestCase
	for _, id := range testCaseIDs {
		tc, err := h.deps.Store.GetTestCase(ctx, id)
		if err != nil {
			return res, err
		}
		if tc != nil {
			tests = append(tests, tc)
		}
	}
	if len(tests) == 0 {
		res.StepsSucceeded = 1
		res.Message = "no tests to report"
		return res, nil
	}

	var title, body string
	if len(tests) == 1 {
		title = issueTitle(tests[0])
		body = issueBody(tests[0], target)
	} else {
		title = fmt.Sprintf("%s %d flaky tests detected in %s/%s", issueTitlePrefix, len(tests), target.Owner, target.Repo)
		var b strings.Builder
		fmt.Fprintf(&b, "FlakeGuard detected %d flaky tests on commit %s:\n\n", len(tests), target.HeadSHA)
		for _, tc := range tests {
			fmt.Fprintf(&b, "- `%s`\n", displayName(tc))
		}
		body = b.String()
	}

	if existing, err := h.deps.GH.FindOpenIssueByTitle(ctx, target.Installation, target.Owner, target.Repo, title); err != nil {
		return res, err
	} else if existing != nil {
		res.StepsSucceeded = 1
		res.Message = fmt.Sprintf("issue already open: %s", existing.URL)
		return res, nil
	}

	ref, err := h.deps.GH.CreateIssue(ctx, target.Installation, target.Owner, target.Repo, title, body, []string{"kind/flake", "flakeguard"})
	if err != nil {
		res.Message = fmt.Sprintf("opening issue failed: %v", err)
		return res, err
	}
	if len(tests) == 1 {
		if err := h.deps.Store.CreateIssueLink(ctx, store.IssueLink{TestCaseID: tests[0].ID, Provider: "github", URL: ref.URL}); err != nil {
			h.deps.Log.WithError(err).Warn("recording issue link")
		}
	}
	res.StepsSucceeded = 1
	res.Message = fmt.Sprintf("opened %s", ref.URL)
	return res, nil
}

func displayName(tc *store.TestCase) string {
	if tc.ClassName == "" {
		return tc.Name
	}
	return tc.ClassName + "." + tc.Name
}

// issueTitle is the dedup key for per-test issues. Do not change the
// format or existing issues stop being recognized.
func issueTitle(tc *store.TestCase) string {
	return fmt.Sprintf("%s Flaky test: %s", issueTitlePrefix, displayName(tc))
}

func issueBody(tc *store.TestCase, target Target) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FlakeGuard identified `%s` as flaky.\n\n", displayName(tc))
	fmt.Fprintf(&b, "- Suite: `%s`\n", tc.Suite)
	if tc.File != "" {
		fmt.Fprintf(&b, "- File: `%s`\n", tc.File)
	}
	fmt.Fprintf(&b, "- Observed on commit %s in %s/%s\n", target.HeadSHA, target.Owner, target.Repo)
	b.WriteString("\nThe test has been intermittently failing without related code changes. See the FlakeGuard check run on the commit for the full analysis.\n")
	return b.String()
}
