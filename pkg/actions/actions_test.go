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

package actions

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub005/pkg/ghclient"
	"github.com/thc1006/flakeguard-sub005/pkg/store"
)

type fakeHost struct {
	rerunCalls  int
	rerunErr    error
	prs         []int
	commentErr  error
	comments    []string
	created     []string
	createErr   error
	openByTitle map[string]*ghclient.IssueRef
	searchCalls int
}

func (f *fakeHost) RerunFailedJobs(ctx context.Context, inst int64, owner, repo string, runID int64, debug bool) error {
	f.rerunCalls++
	return f.rerunErr
}

func (f *fakeHost) PullRequestsForCommit(ctx context.Context, inst int64, owner, repo, sha string) ([]int, error) {
	return f.prs, nil
}

func (f *fakeHost) CreateIssue(ctx context.Context, inst int64, owner, repo, title, body string, labels []string) (ghclient.IssueRef, error) {
	if f.createErr != nil {
		return ghclient.IssueRef{}, f.createErr
	}
	f.created = append(f.created, title)
	return ghclient.IssueRef{Number: len(f.created), URL: "https://github.com/" + owner + "/" + repo + "/issues/1"}, nil
}

func (f *fakeHost) CreateIssueComment(ctx context.Context, inst int64, owner, repo string, number int, body string) error {
	if f.commentErr != nil {
		return f.commentErr
	}
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeHost) FindOpenIssueByTitle(ctx context.Context, inst int64, owner, repo, title string) (*ghclient.IssueRef, error) {
	f.searchCalls++
	return f.openByTitle[title], nil
}

type fakeStorage struct {
	tests      map[int64]*store.TestCase
	current    map[int64]*store.QuarantineDecision
	decisions  []store.QuarantineDecision
	issueLinks map[int64]*store.IssueLink
	newLinks   []store.IssueLink
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		tests:      map[int64]*store.TestCase{},
		current:    map[int64]*store.QuarantineDecision{},
		issueLinks: map[int64]*store.IssueLink{},
	}
}

func (f *fakeStorage) GetTestCase(ctx context.Context, id int64) (*store.TestCase, error) {
	return f.tests[id], nil
}

func (f *fakeStorage) CurrentQuarantine(ctx context.Context, id int64) (*store.QuarantineDecision, error) {
	return f.current[id], nil
}

func (f *fakeStorage) CreateQuarantineDecision(ctx context.Context, d store.QuarantineDecision) (store.QuarantineDecision, error) {
	f.decisions = append(f.decisions, d)
	f.current[d.TestCaseID] = &d
	return d, nil
}

func (f *fakeStorage) IssueLinkForTest(ctx context.Context, id int64) (*store.IssueLink, error) {
	return f.issueLinks[id], nil
}

func (f *fakeStorage) CreateIssueLink(ctx context.Context, l store.IssueLink) error {
	f.newLinks = append(f.newLinks, l)
	f.issueLinks[l.TestCaseID] = &l
	return nil
}

var target = Target{Installation: 1, Owner: "acme", Repo: "widgets", RunID: 42, HeadSHA: "abc123", RequestedBy: "dev"}

func newHandler(host *fakeHost, st *fakeStorage, t *testing.T) *Handler {
	return New(Deps{Store: st, GH: host, Log: logrus.WithField("test", t.Name())})
}

func TestQuarantineCreatesDecisionAndIssue(t *testing.T) {
	st := newFakeStorage()
	st.tests[7] = &store.TestCase{ID: 7, ClassName: "CartTest", Name: "checksOut", Suite: "unit"}
	host := &fakeHost{openByTitle: map[string]*ghclient.IssueRef{}}
	h := newHandler(host, st, t)

	res, err := h.Quarantine(context.Background(), target, []int64{7})
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if !res.Complete() {
		t.Errorf("result = %+v, want complete", res)
	}
	if len(st.decisions) != 1 || st.decisions[0].State != store.QuarantineActive {
		t.Fatalf("decisions = %+v", st.decisions)
	}
	if st.decisions[0].Until == nil {
		t.Error("decision has no expiry")
	}
	if len(host.created) != 1 || !strings.Contains(host.created[0], "CartTest.checksOut") {
		t.Errorf("issues created = %v", host.created)
	}
	if len(st.newLinks) != 1 {
		t.Errorf("issue links = %+v", st.newLinks)
	}
}

// A second press while the decision is active changes nothing.
func TestQuarantineIdempotent(t *testing.T) {
	st := newFakeStorage()
	st.tests[7] = &store.TestCase{ID: 7, Name: "t"}
	host := &fakeHost{openByTitle: map[string]*ghclient.IssueRef{}}
	h := newHandler(host, st, t)

	if _, err := h.Quarantine(context.Background(), target, []int64{7}); err != nil {
		t.Fatal(err)
	}
	res, err := h.Quarantine(context.Background(), target, []int64{7})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Complete() {
		t.Errorf("duplicate press should still report success: %+v", res)
	}
	if len(st.decisions) != 1 {
		t.Errorf("decisions = %d, want 1 (no duplicate)", len(st.decisions))
	}
	if len(host.created) != 1 {
		t.Errorf("issues = %d, want 1", len(host.created))
	}
}

func TestQuarantineReusesOpenIssue(t *testing.T) {
	st := newFakeStorage()
	tc := &store.TestCase{ID: 7, ClassName: "C", Name: "n"}
	st.tests[7] = tc
	host := &fakeHost{openByTitle: map[string]*ghclient.IssueRef{
		issueTitle(tc): {Number: 5, URL: "https://github.com/acme/widgets/issues/5"},
	}}
	h := newHandler(host, st, t)

	if _, err := h.Quarantine(context.Background(), target, []int64{7}); err != nil {
		t.Fatal(err)
	}
	if len(host.created) != 0 {
		t.Errorf("created = %v, want reuse of open issue", host.created)
	}
	if len(st.newLinks) != 1 || st.newLinks[0].URL != "https://github.com/acme/widgets/issues/5" {
		t.Errorf("links = %+v", st.newLinks)
	}
}

// A failed PR comment degrades the result but not the action.
func TestRerunFailedPartialSuccess(t *testing.T) {
	st := newFakeStorage()
	host := &fakeHost{prs: []int{12}, commentErr: errors.New("comment boom")}
	h := newHandler(host, st, t)

	res, err := h.RerunFailed(context.Background(), target, false)
	if err != nil {
		t.Fatalf("RerunFailed: %v", err)
	}
	if host.rerunCalls != 1 {
		t.Errorf("rerun calls = %d", host.rerunCalls)
	}
	if res.Complete() {
		t.Errorf("result = %+v, want partial", res)
	}
	if !strings.Contains(res.Message, "1/2") {
		t.Errorf("message = %q, want honest partial report", res.Message)
	}
}

func TestRerunFailedNoPR(t *testing.T) {
	st := newFakeStorage()
	host := &fakeHost{}
	h := newHandler(host, st, t)

	res, err := h.RerunFailed(context.Background(), target, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Complete() {
		t.Errorf("result = %+v, want complete without a PR", res)
	}
}

func TestOpenIssueSingleVsSummary(t *testing.T) {
	st := newFakeStorage()
	st.tests[1] = &store.TestCase{ID: 1, ClassName: "A", Name: "one"}
	st.tests[2] = &store.TestCase{ID: 2, ClassName: "B", Name: "two"}
	host := &fakeHost{openByTitle: map[string]*ghclient.IssueRef{}}
	h := newHandler(host, st, t)

	if _, err := h.OpenIssue(context.Background(), target, []int64{1}); err != nil {
		t.Fatal(err)
	}
	if len(host.created) != 1 || !strings.Contains(host.created[0], "Flaky test: A.one") {
		t.Fatalf("created = %v", host.created)
	}

	if _, err := h.OpenIssue(context.Background(), target, []int64{1, 2}); err != nil {
		t.Fatal(err)
	}
	if len(host.created) != 2 || !strings.Contains(host.created[1], "2 flaky tests") {
		t.Errorf("created = %v, want a summary issue", host.created)
	}
}

func TestOpenIssueSkipsExisting(t *testing.T) {
	st := newFakeStorage()
	tc := &store.TestCase{ID: 1, ClassName: "A", Name: "one"}
	st.tests[1] = tc
	host := &fakeHost{openByTitle: map[string]*ghclient.IssueRef{
		issueTitle(tc): {Number: 9, URL: "https://github.com/acme/widgets/issues/9"},
	}}
	h := newHandler(host, st, t)

	res, err := h.OpenIssue(context.Background(), target, []int64{1})
	if err != nil {
		t.Fatal(err)
	}
	if len(host.created) != 0 {
		t.Errorf("created = %v, want none", host.created)
	}
	if !strings.Contains(res.Message, "already open") {
		t.Errorf("message = %q", res.Message)
	}
}
