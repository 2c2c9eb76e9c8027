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

// Package ghclient is the rate-limit-aware, retrying GitHub client
// behind every host call FlakeGuard makes: installation tokens,
// workflow runs, artifacts, check runs, issues and reruns. Callers see
// opaque record types, never the SDK's shapes.
package ghclient

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v53/github"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
)

// Config carries the client's knobs.
type Config struct {
	AppID         int64
	PrivateKeyPEM []byte

	// ReservePercent of the rate limit is kept back for critical
	// traffic; below it, lower priorities wait for the reset.
	ReservePercent int
	// MaxRetries bounds attempts on retryable failures.
	MaxRetries int
	// BaseBackoff and MaxBackoff shape the exponential retry delay.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// RequestTimeout bounds each host call.
	RequestTimeout time.Duration
	// BreakerFailures opens the per-(installation, resource) circuit
	// after this many consecutive failures.
	BreakerFailures uint32
}

// DefaultConfig returns the stock knobs.
func DefaultConfig() Config {
	return Config{
		ReservePercent:  15,
		MaxRetries:      3,
		BaseBackoff:     500 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		RequestTimeout:  30 * time.Second,
		BreakerFailures: 5,
	}
}

// WorkflowRun is the opaque run record handed to callers.
type WorkflowRun struct {
	ID         int64
	RunNumber  int
	Attempt    int
	Status     string
	Conclusion string
	HeadSHA    string
	HeadBranch string
	Event      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RunsPage is one page of workflow runs plus the cursor for the next.
type RunsPage struct {
	Runs     []WorkflowRun
	NextPage int
}

// ArtifactMeta describes one downloadable artifact.
type ArtifactMeta struct {
	ID          int64
	Name        string
	SizeInBytes int64
	Expired     bool
}

// CheckRunAction is one button on a check run; the host caps these at
// three.
type CheckRunAction struct {
	Label       string
	Description string
	Identifier  string
}

// CheckRunSpec is everything needed to publish or update a check run.
type CheckRunSpec struct {
	Name       string
	HeadSHA    string
	ExternalID string
	Status     string
	Conclusion string
	Title      string
	Summary    string
	Actions    []CheckRunAction
}

// IssueRef locates a created or found issue.
type IssueRef struct {
	Number int
	URL    string
}

// Narrow slices of go-github, so tests can fake the transport-facing
// surface.
type actionsService interface {
	ListRepositoryWorkflowRuns(ctx context.Context, owner, repo string, opts *github.ListWorkflowRunsOptions) (*github.WorkflowRuns, *github.Response, error)
	ListWorkflowRunArtifacts(ctx context.Context, owner, repo string, runID int64, opts *github.ListOptions) (*github.ArtifactList, *github.Response, error)
	RerunFailedJobsByID(ctx context.Context, owner, repo string, runID int64) (*github.Response, error)
}

type checksService interface {
	CreateCheckRun(ctx context.Context, owner, repo string, opts github.CreateCheckRunOptions) (*github.CheckRun, *github.Response, error)
	UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, opts github.UpdateCheckRunOptions) (*github.CheckRun, *github.Response, error)
}

type issuesService interface {
	Create(ctx context.Context, owner, repo string, issue *github.IssueRequest) (*github.Issue, *github.Response, error)
	CreateComment(ctx context.Context, owner, repo string, number int, comment *github.IssueComment) (*github.IssueComment, *github.Response, error)
}

type searchService interface {
	Issues(ctx context.Context, query string, opts *github.SearchOptions) (*github.IssuesSearchResult, *github.Response, error)
}

type reposService interface {
	Get(ctx context.Context, owner, repo string) (*github.Repository, *github.Response, error)
}

type pullsService interface {
	ListPullRequestsWithCommit(ctx context.Context, owner, repo, sha string, opts *github.PullRequestListOptions) ([]*github.PullRequest, *github.Response, error)
}

// services bundles the per-installation go-github slices plus the raw
// HTTP client used for artifact streams.
type services struct {
	actions actionsService
	checks  checksService
	issues  issuesService
	search  searchService
	repos   reposService
	pulls   pullsService
	httpc   *http.Client
}

// Client is the host client. Construct with New.
type Client struct {
	cfg     Config
	log     *logrus.Entry
	tokens  *TokenManager
	acct    *accountant
	metrics *clientMetrics

	mu       sync.Mutex
	perInst  map[int64]services
	breakers map[string]*gobreaker.CircuitBreaker

	// newServices builds the per-installation bundle; tests replace it
	// with fakes.
	newServices func(installation int64) services

	rand *rand.Rand
}

// New builds a Client from an App id and private key.
func New(cfg Config, log *logrus.Entry) (*Client, error) {
	if cfg.MaxRetries == 0 {
		d := DefaultConfig()
		d.AppID = cfg.AppID
		d.PrivateKeyPEM = cfg.PrivateKeyPEM
		cfg = d
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "parsing app private key")
	}
	appsHTTP := &http.Client{
		Transport: NewAppsTransport(nil, cfg.AppID, key),
		Timeout:   cfg.RequestTimeout,
	}
	tokens := NewTokenManager(github.NewClient(appsHTTP).Apps)

	c := &Client{
		cfg:      cfg,
		log:      log,
		tokens:   tokens,
		acct:     newAccountant(cfg.ReservePercent),
		metrics:  initMetrics(),
		perInst:  map[int64]services{},
		breakers: map[string]*gobreaker.CircuitBreaker{},
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.newServices = func(installation int64) services {
		httpc := &http.Client{
			Transport: &installationTransport{
				base:         http.DefaultTransport,
				mgr:          tokens,
				installation: installation,
			},
			Timeout: cfg.RequestTimeout,
		}
		gh := github.NewClient(httpc)
		return services{
			actions: gh.Actions,
			checks:  gh.Checks,
			issues:  gh.Issues,
			search:  gh.Search,
			repos:   gh.Repositories,
			pulls:   gh.PullRequests,
			httpc:   httpc,
		}
	}
	return c, nil
}

// InstallationToken exposes the cached token for collaborators that
// talk to the host directly (none in the core, but the contract is
// part of the client surface).
func (c *Client) InstallationToken(ctx context.Context, installation int64) (string, time.Time, error) {
	return c.tokens.Token(ctx, installation)
}

// LowOnBudget reports whether the installation's remaining rate budget
// is under the given percent of its limit.
func (c *Client) LowOnBudget(installation int64, percent int) bool {
	return c.acct.lowOnBudget(installation, percent)
}

func (c *Client) forInstallation(installation int64) services {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.perInst[installation]; ok {
		return s
	}
	s := c.newServices(installation)
	c.perInst[installation] = s
	return s
}

func (c *Client) breakerFor(installation int64, resource string) *gobreaker.CircuitBreaker {
	key := fmt.Sprintf("%d/%s", installation, resource)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[key]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     key,
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state change")
			c.metrics.BreakerTransitions.WithLabelValues(resource, to.String()).Inc()
		},
	})
	c.breakers[key] = cb
	return cb
}

// backoff returns the jittered exponential delay for a retry attempt.
func (c *Client) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.BaseBackoff) * math.Exp2(float64(attempt)))
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	// Up to 25% jitter keeps a worker fleet from retrying in lockstep.
	jitter := time.Duration(c.rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// do runs one host call with throttling, circuit breaking, retries and
// rate accounting. The call closure performs a single attempt.
func (c *Client) do(ctx context.Context, installation int64, resource string, prio Priority, call func() (*github.Response, error)) error {
	if err := c.acct.wait(ctx, installation, prio); err != nil {
		return err
	}

	attemptOnce := func() error {
		resp, err := call()
		c.acct.record(installation, resp)
		if resp != nil {
			c.metrics.observe(resource, resp, installation)
		}
		return err
	}

	run := func() error {
		authRetried := false
		for attempt := 0; ; attempt++ {
			err := attemptOnce()
			if err == nil {
				return nil
			}
			kind, reset := classify(err)
			retryable := kind == flakeerrors.RateLimited || kind == flakeerrors.UpstreamUnavailable
			if kind == flakeerrors.AuthFailure && !authRetried {
				// One refresh attempt, then degrade.
				authRetried = true
				c.tokens.Invalidate(installation)
				continue
			}
			if !retryable || attempt >= c.cfg.MaxRetries-1 {
				return wrapKind(kind, reset, err, resource)
			}
			delay := c.backoff(attempt)
			if kind == flakeerrors.RateLimited && !reset.IsZero() {
				if d := time.Until(reset); d > delay {
					delay = d
				}
			}
			c.log.WithError(err).WithFields(logrus.Fields{
				"resource": resource,
				"attempt":  attempt + 1,
				"delay":    delay.String(),
			}).Warn("retrying host call")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		}
	}

	if prio >= PriorityCritical {
		return run()
	}
	_, err := c.breakerFor(installation, resource).Execute(func() (interface{}, error) {
		return nil, run()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return flakeerrors.Wrap(flakeerrors.UpstreamUnavailable, err, resource+" circuit open")
	}
	return err
}

// classify maps a go-github error to a taxonomy kind and, for rate
// limits, the reset instant.
func classify(err error) (flakeerrors.Kind, time.Time) {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return flakeerrors.RateLimited, rle.Rate.Reset.Time
	}
	var arle *github.AbuseRateLimitError
	if errors.As(err, &arle) {
		reset := time.Time{}
		if arle.RetryAfter != nil {
			reset = time.Now().Add(*arle.RetryAfter)
		}
		return flakeerrors.RateLimited, reset
	}
	var ghe *github.ErrorResponse
	if errors.As(err, &ghe) && ghe.Response != nil {
		switch code := ghe.Response.StatusCode; {
		case code == http.StatusUnauthorized:
			return flakeerrors.AuthFailure, time.Time{}
		case code == http.StatusTooManyRequests:
			return flakeerrors.RateLimited, time.Time{}
		case code == http.StatusRequestTimeout || code >= 500:
			return flakeerrors.UpstreamUnavailable, time.Time{}
		case code == http.StatusGone:
			return flakeerrors.ArtifactExpired, time.Time{}
		case code >= 400:
			return flakeerrors.BadRequest, time.Time{}
		}
	}
	// Connection-level failures have no *github.ErrorResponse.
	return flakeerrors.UpstreamUnavailable, time.Time{}
}

func wrapKind(kind flakeerrors.Kind, reset time.Time, err error, resource string) error {
	if kind == flakeerrors.RateLimited && !reset.IsZero() {
		return flakeerrors.NewRateLimited(reset, "%s: %v", resource, err)
	}
	return flakeerrors.Wrap(kind, err, resource)
}

// ListWorkflowRuns pages through completed workflow runs created since
// the cutoff.
func (c *Client) ListWorkflowRuns(ctx context.Context, installation int64, owner, repo string, since time.Time, page int) (RunsPage, error) {
	svc := c.forInstallation(installation)
	opts := &github.ListWorkflowRunsOptions{
		Status:      "completed",
		ListOptions: github.ListOptions{Page: page, PerPage: 100},
	}
	if !since.IsZero() {
		opts.Created = ">=" + since.UTC().Format("2006-01-02T15:04:05Z")
	}
	var out RunsPage
	err := c.do(ctx, installation, "workflow_runs", PriorityLow, func() (*github.Response, error) {
		runs, resp, err := svc.actions.ListRepositoryWorkflowRuns(ctx, owner, repo, opts)
		if err != nil {
			return resp, err
		}
		for _, r := range runs.WorkflowRuns {
			out.Runs = append(out.Runs, WorkflowRun{
				ID:         r.GetID(),
				RunNumber:  r.GetRunNumber(),
				Attempt:    r.GetRunAttempt(),
				Status:     r.GetStatus(),
				Conclusion: r.GetConclusion(),
				HeadSHA:    r.GetHeadSHA(),
				HeadBranch: r.GetHeadBranch(),
				Event:      r.GetEvent(),
				CreatedAt:  r.GetCreatedAt().Time,
				UpdatedAt:  r.GetUpdatedAt().Time,
			})
		}
		out.NextPage = resp.NextPage
		return resp, nil
	})
	return out, err
}

// ListArtifacts enumerates a run's artifacts, depaginating.
func (c *Client) ListArtifacts(ctx context.Context, installation int64, owner, repo string, runID int64) ([]ArtifactMeta, error) {
	svc := c.forInstallation(installation)
	var out []ArtifactMeta
	opts := &github.ListOptions{PerPage: 100}
	for {
		var next int
		err := c.do(ctx, installation, "artifacts", PriorityNormal, func() (*github.Response, error) {
			list, resp, err := svc.actions.ListWorkflowRunArtifacts(ctx, owner, repo, runID, opts)
			if err != nil {
				return resp, err
			}
			for _, a := range list.Artifacts {
				out = append(out, ArtifactMeta{
					ID:          a.GetID(),
					Name:        a.GetName(),
					SizeInBytes: a.GetSizeInBytes(),
					Expired:     a.GetExpired(),
				})
			}
			next = resp.NextPage
			return resp, nil
		})
		if err != nil {
			return nil, err
		}
		if next == 0 {
			return out, nil
		}
		opts.Page = next
	}
}

// DownloadArtifact opens a streaming reader over an artifact's zip
// archive. The caller must close it.
func (c *Client) DownloadArtifact(ctx context.Context, installation int64, owner, repo string, artifactID int64) (io.ReadCloser, error) {
	svc := c.forInstallation(installation)
	// The download endpoint redirects to a short-lived signed URL; the
	// redirect target needs no further auth.
	url := fmt.Sprintf("https://api.github.com/repos/%s/%s/actions/artifacts/%d/zip", owner, repo, artifactID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building artifact request")
	}
	streamClient := &http.Client{Transport: svc.httpc.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, flakeerrors.Wrap(flakeerrors.UpstreamUnavailable, err, "downloading artifact")
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, flakeerrors.New(flakeerrors.ArtifactExpired, "artifact %d is gone (status %d)", artifactID, resp.StatusCode)
	default:
		resp.Body.Close()
		return nil, flakeerrors.New(flakeerrors.UpstreamUnavailable, "artifact %d download status %d", artifactID, resp.StatusCode)
	}
}

// CreateCheckRun publishes a check run with at most three actions.
func (c *Client) CreateCheckRun(ctx context.Context, installation int64, owner, repo string, spec CheckRunSpec) (int64, error) {
	svc := c.forInstallation(installation)
	opts := github.CreateCheckRunOptions{
		Name:       spec.Name,
		HeadSHA:    spec.HeadSHA,
		ExternalID: github.String(spec.ExternalID),
		Status:     github.String(spec.Status),
		Output: &github.CheckRunOutput{
			Title:   github.String(spec.Title),
			Summary: github.String(spec.Summary),
		},
		Actions: toGithubActions(spec.Actions),
	}
	if spec.Conclusion != "" {
		opts.Conclusion = github.String(spec.Conclusion)
		opts.CompletedAt = &github.Timestamp{Time: time.Now().UTC()}
	}
	var id int64
	err := c.do(ctx, installation, "check_runs", PriorityNormal, func() (*github.Response, error) {
		cr, resp, err := svc.checks.CreateCheckRun(ctx, owner, repo, opts)
		if err == nil {
			id = cr.GetID()
		}
		return resp, err
	})
	return id, err
}

// UpdateCheckRun patches an existing check run.
func (c *Client) UpdateCheckRun(ctx context.Context, installation int64, owner, repo string, checkRunID int64, spec CheckRunSpec) error {
	svc := c.forInstallation(installation)
	opts := github.UpdateCheckRunOptions{
		Name: spec.Name,
		Output: &github.CheckRunOutput{
			Title:   github.String(spec.Title),
			Summary: github.String(spec.Summary),
		},
		Actions: toGithubActions(spec.Actions),
	}
	if spec.Status != "" {
		opts.Status = github.String(spec.Status)
	}
	if spec.Conclusion != "" {
		opts.Conclusion = github.String(spec.Conclusion)
	}
	return c.do(ctx, installation, "check_runs", PriorityCritical, func() (*github.Response, error) {
		_, resp, err := svc.checks.UpdateCheckRun(ctx, owner, repo, checkRunID, opts)
		return resp, err
	})
}

func toGithubActions(actions []CheckRunAction) []*github.CheckRunAction {
	if len(actions) > 3 {
		actions = actions[:3]
	}
	var out []*github.CheckRunAction
	for _, a := range actions {
		out = append(out, &github.CheckRunAction{
			Label:       a.Label,
			Description: a.Description,
			Identifier:  a.Identifier,
		})
	}
	return out
}

// CreateIssue opens a tracking issue.
func (c *Client) CreateIssue(ctx context.Context, installation int64, owner, repo, title, body string, labels []string) (IssueRef, error) {
	svc := c.forInstallation(installation)
	req := &github.IssueRequest{Title: github.String(title), Body: github.String(body)}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	var out IssueRef
	err := c.do(ctx, installation, "issues", PriorityCritical, func() (*github.Response, error) {
		issue, resp, err := svc.issues.Create(ctx, owner, repo, req)
		if err == nil {
			out = IssueRef{Number: issue.GetNumber(), URL: issue.GetHTMLURL()}
		}
		return resp, err
	})
	return out, err
}

// CreateIssueComment posts a comment on an issue or pull request.
func (c *Client) CreateIssueComment(ctx context.Context, installation int64, owner, repo string, number int, body string) error {
	svc := c.forInstallation(installation)
	return c.do(ctx, installation, "issues", PriorityCritical, func() (*github.Response, error) {
		_, resp, err := svc.issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{Body: github.String(body)})
		return resp, err
	})
}

// FindOpenIssueByTitle searches open issues for a title equal to the
// given one ignoring case, the dedup key for FlakeGuard-generated issues.
func (c *Client) FindOpenIssueByTitle(ctx context.Context, installation int64, owner, repo, title string) (*IssueRef, error) {
	svc := c.forInstallation(installation)
	query := fmt.Sprintf("repo:%s/%s is:issue is:open in:title %q", owner, repo, title)
	var out *IssueRef
	err := c.do(ctx, installation, "search", PriorityNormal, func() (*github.Response, error) {
		result, resp, err := svc.search.Issues(ctx, query, &github.SearchOptions{ListOptions: github.ListOptions{PerPage: 20}})
		if err != nil {
			return resp, err
		}
		for _, issue := range result.Issues {
			if strings.EqualFold(issue.GetTitle(), title) {
				out = &IssueRef{Number: issue.GetNumber(), URL: issue.GetHTMLURL()}
				break
			}
		}
		return resp, nil
	})
	return out, err
}

// RerunFailedJobs asks the host to rerun the failed jobs of a run. The
// debug flag is recorded for the operator; the host endpoint does not
// take it.
func (c *Client) RerunFailedJobs(ctx context.Context, installation int64, owner, repo string, runID int64, debug bool) error {
	svc := c.forInstallation(installation)
	if debug {
		c.log.WithField("run", runID).Info("rerunning failed jobs with debug requested")
	}
	return c.do(ctx, installation, "rerun", PriorityCritical, func() (*github.Response, error) {
		return svc.actions.RerunFailedJobsByID(ctx, owner, repo, runID)
	})
}

// GetDefaultBranch fetches a repository's default branch.
func (c *Client) GetDefaultBranch(ctx context.Context, installation int64, owner, repo string) (string, error) {
	svc := c.forInstallation(installation)
	var branch string
	err := c.do(ctx, installation, "repos", PriorityNormal, func() (*github.Response, error) {
		r, resp, err := svc.repos.Get(ctx, owner, repo)
		if err == nil {
			branch = r.GetDefaultBranch()
		}
		return resp, err
	})
	return branch, err
}

// PullRequestsForCommit returns the PR numbers associated with a head
// SHA, for rerun comments.
func (c *Client) PullRequestsForCommit(ctx context.Context, installation int64, owner, repo, sha string) ([]int, error) {
	svc := c.forInstallation(installation)
	var out []int
	err := c.do(ctx, installation, "pulls", PriorityNormal, func() (*github.Response, error) {
		prs, resp, err := svc.pulls.ListPullRequestsWithCommit(ctx, owner, repo, sha, nil)
		if err != nil {
			return resp, err
		}
		for _, pr := range prs {
			out = append(out, pr.GetNumber())
		}
		return resp, nil
	})
	return out, err
}
