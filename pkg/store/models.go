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

package store

import (
	"time"

	"github.com/lib/pq"
)

// Repository is a code-host repository under observation. Keyed by
// (provider, owner, name); created on first observation, deactivated
// only by explicit admin action.
type Repository struct {
	ID              int64      `db:"id"`
	Provider        string     `db:"provider"`
	Owner           string     `db:"owner"`
	Name            string     `db:"name"`
	InstallationRef int64      `db:"installation_ref"`
	DefaultBranch   string     `db:"default_branch"`
	LastPolledAt    *time.Time `db:"last_polled_at"`
	Active          bool       `db:"active"`
}

// WorkflowRun is one CI workflow run. Unique (repository_id,
// external_run_id).
type WorkflowRun struct {
	ID            int64     `db:"id"`
	RepositoryID  int64     `db:"repository_id"`
	ExternalRunID int64     `db:"external_run_id"`
	Status        string    `db:"status"`
	Conclusion    string    `db:"conclusion"`
	HeadSHA       string    `db:"head_sha"`
	HeadBranch    string    `db:"head_branch"`
	RunNumber     int       `db:"run_number"`
	Attempt       int       `db:"attempt"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Job is one job within a workflow run. Unique (workflow_run_id,
// external_job_id).
type Job struct {
	ID            int64      `db:"id"`
	WorkflowRunID int64      `db:"workflow_run_id"`
	ExternalJobID int64      `db:"external_job_id"`
	Name          string     `db:"name"`
	Status        string     `db:"status"`
	Conclusion    string     `db:"conclusion"`
	StartedAt     *time.Time `db:"started_at"`
	CompletedAt   *time.Time `db:"completed_at"`
}

// TestCase identifies a test by its full name within a repository.
// Unique (repository_id, suite, class_name, name).
type TestCase struct {
	ID           int64  `db:"id"`
	RepositoryID int64  `db:"repository_id"`
	Suite        string `db:"suite"`
	ClassName    string `db:"class_name"`
	Name         string `db:"name"`
	File         string `db:"file"`
	OwnerTeam    string `db:"owner_team"`
}

// Occurrence statuses.
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusError   = "error"
	StatusSkipped = "skipped"
	StatusFlaky   = "flaky"
)

// Occurrence is one observed result of a test in a run. Unique
// (test_case_id, workflow_run_id, attempt); never mutated after insert.
type Occurrence struct {
	ID               int64     `db:"id"`
	TestCaseID       int64     `db:"test_case_id"`
	WorkflowRunID    int64     `db:"workflow_run_id"`
	JobID            *int64    `db:"job_id"`
	Status           string    `db:"status"`
	DurationMS       int64     `db:"duration_ms"`
	Attempt          int       `db:"attempt"`
	Message          string    `db:"message"`
	Stack            string    `db:"stack"`
	MessageSignature string    `db:"message_signature"`
	StackDigest      string    `db:"stack_digest"`
	CreatedAt        time.Time `db:"created_at"`
}

// Failed reports whether the occurrence counts as a failure.
func (o Occurrence) Failed() bool {
	return o.Status == StatusFailed || o.Status == StatusError
}

// FailureCluster groups failures sharing a normalized message signature
// within a repository. One row per (repository_id, message_signature);
// membership grows monotonically.
type FailureCluster struct {
	ID               int64         `db:"id"`
	RepositoryID     int64         `db:"repository_id"`
	MessageSignature string        `db:"message_signature"`
	StackDigest      string        `db:"stack_digest"`
	ExampleMessage   string        `db:"example_message"`
	ExampleStack     string        `db:"example_stack"`
	TestCaseIDs      pq.Int64Array `db:"test_case_ids"`
	OccurrenceCount  int           `db:"occurrence_count"`
	WindowStart      time.Time     `db:"window_start"`
	WindowEnd        time.Time     `db:"window_end"`
}

// FlakeScore is the current score row for a test case.
type FlakeScore struct {
	TestCaseID     int64     `db:"test_case_id"`
	Score          float64   `db:"score"`
	Confidence     float64   `db:"confidence"`
	Features       []byte    `db:"features"`
	WindowN        int       `db:"window_n"`
	Recommendation string    `db:"recommendation"`
	Priority       string    `db:"priority"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// Quarantine decision states. A test has at most one non-terminal
// (proposed or active) decision.
const (
	QuarantineProposed  = "proposed"
	QuarantineActive    = "active"
	QuarantineDismissed = "dismissed"
	QuarantineExpired   = "expired"
)

// QuarantineDecision records one quarantine state change for a test.
type QuarantineDecision struct {
	ID         int64      `db:"id"`
	TestCaseID int64      `db:"test_case_id"`
	State      string     `db:"state"`
	Rationale  string     `db:"rationale"`
	ByUser     string     `db:"by_user"`
	Until      *time.Time `db:"until_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

// Terminal reports whether the decision can no longer change.
func (d QuarantineDecision) Terminal() bool {
	return d.State == QuarantineDismissed || d.State == QuarantineExpired
}

// IssueLink ties a test case to a tracking issue on the host.
type IssueLink struct {
	ID         int64     `db:"id"`
	TestCaseID int64     `db:"test_case_id"`
	Provider   string    `db:"provider"`
	URL        string    `db:"url"`
	CreatedAt  time.Time `db:"created_at"`
}
