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

// Package store persists FlakeGuard's entities in Postgres. Entity
// writes are idempotent upserts keyed by the natural keys, except
// quarantine decisions and issue links, which are plain inserts; the two compound
// unique indexes on workflow_runs and occurrences carry the bulk of the
// dedup weight. Occurrences are append-only.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
)

// defaultChunkSize bounds multi-row upsert statements.
const defaultChunkSize = 500

// Store wraps a bounded Postgres pool.
type Store struct {
	db    *sqlx.DB
	log   *logrus.Entry
	chunk int
}

// Open connects to Postgres with a bounded pool.
func Open(dsn string, maxConns int) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres")
	}
	if maxConns <= 0 {
		maxConns = 20
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// New wraps an existing pool.
func New(db *sqlx.DB, log *logrus.Entry) *Store {
	return &Store{db: db, log: log, chunk: defaultChunkSize}
}

// isUniqueViolation recognizes the conflict raced by concurrent
// upserts.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" || pqErr.Code == "40001"
	}
	return false
}

// withConflictRetry runs fn, retrying exactly once on a natural-key
// race. The race is tagged StoreConflict; a second conflict promotes
// it to upstream-unavailable so the queue backs off.
func (s *Store) withConflictRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isUniqueViolation(err) {
		return err
	}
	conflict := flakeerrors.Wrap(flakeerrors.StoreConflict, err, "natural-key upsert race")
	s.log.WithError(conflict).Debug("retrying after upsert conflict")
	if err := fn(); err != nil {
		if isUniqueViolation(err) {
			return flakeerrors.Wrap(flakeerrors.UpstreamUnavailable, conflict, "conflict persisted after retry")
		}
		return err
	}
	return nil
}

// UpsertRepository creates the repository on first observation or
// refreshes its mutable fields, returning the stored row.
func (s *Store) UpsertRepository(ctx context.Context, r Repository) (Repository, error) {
	const q = `
INSERT INTO repositories (provider, owner, name, installation_ref, default_branch, active)
VALUES ($1, $2, $3, $4, $5, TRUE)
ON CONFLICT (provider, owner, name) DO UPDATE
SET installation_ref = EXCLUDED.installation_ref,
    default_branch   = EXCLUDED.default_branch
RETURNING id, provider, owner, name, installation_ref, default_branch, last_polled_at, active`
	var out Repository
	err := s.withConflictRetry(ctx, func() error {
		return s.db.GetContext(ctx, &out, q, r.Provider, r.Owner, r.Name, r.InstallationRef, r.DefaultBranch)
	})
	return out, errors.Wrap(err, "upserting repository")
}

// GetRepository looks a repository up by natural key.
func (s *Store) GetRepository(ctx context.Context, provider, owner, name string) (*Repository, error) {
	var out Repository
	err := s.db.GetContext(ctx, &out,
		`SELECT * FROM repositories WHERE provider = $1 AND owner = $2 AND name = $3`,
		provider, owner, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting repository")
	}
	return &out, nil
}

// DeactivateRepository stops all processing for a repository. Admin
// action only; nothing reactivates automatically.
func (s *Store) DeactivateRepository(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE repositories SET active = FALSE WHERE id = $1`, id)
	return errors.Wrap(err, "deactivating repository")
}

// ReposDuePolling returns active repositories whose last poll is older
// than the cutoff (or that were never polled), oldest first.
func (s *Store) ReposDuePolling(ctx context.Context, olderThan time.Time, limit int) ([]Repository, error) {
	var out []Repository
	err := s.db.SelectContext(ctx, &out, `
SELECT * FROM repositories
WHERE active AND (last_polled_at IS NULL OR last_polled_at < $1)
ORDER BY last_polled_at ASC NULLS FIRST
LIMIT $2`, olderThan, limit)
	return out, errors.Wrap(err, "listing repositories due polling")
}

// SetLastPolledAt advances the poll cursor for a repository.
func (s *Store) SetLastPolledAt(ctx context.Context, repoID int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE repositories SET last_polled_at = $2 WHERE id = $1`, repoID, t)
	return errors.Wrap(err, "setting last_polled_at")
}

// HasWorkflowRun reports whether a run was already observed.
func (s *Store) HasWorkflowRun(ctx context.Context, repoID, externalRunID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM workflow_runs WHERE repository_id = $1 AND external_run_id = $2`,
		repoID, externalRunID)
	return n > 0, errors.Wrap(err, "checking workflow run")
}

// GetWorkflowRun fetches a run by natural key.
func (s *Store) GetWorkflowRun(ctx context.Context, repoID, externalRunID int64) (*WorkflowRun, error) {
	var out WorkflowRun
	err := s.db.GetContext(ctx, &out,
		`SELECT * FROM workflow_runs WHERE repository_id = $1 AND external_run_id = $2`,
		repoID, externalRunID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting workflow run")
	}
	return &out, nil
}

// TestOutcome is one parsed test result destined for persistence.
type TestOutcome struct {
	Suite            string
	ClassName        string
	Name             string
	File             string
	Status           string
	DurationMS       int64
	Attempt          int
	Message          string
	Stack            string
	MessageSignature string
	StackDigest      string
}

// IngestBatch is everything one ingest job writes: the run, its jobs,
// and the test outcomes of every parsed report.
type IngestBatch struct {
	Repo     Repository
	Run      WorkflowRun
	Jobs     []Job
	Outcomes []TestOutcome
}

// IngestCounts summarizes what an ingest transaction wrote.
type IngestCounts struct {
	RunID         int64
	TestCases     int
	Occurrences   int
	OccurrenceIDs map[string]int64
	TestCaseIDs   map[string]int64
}

// IngestRun persists one ingest job's rows in a single transaction.
// Re-running with the same batch is a no-op on occurrences and an
// idempotent update elsewhere.
func (s *Store) IngestRun(ctx context.Context, batch IngestBatch) (IngestCounts, error) {
	var counts IngestCounts
	err := s.withConflictRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "beginning ingest transaction")
		}
		defer tx.Rollback()
		counts, err = s.ingestTx(ctx, tx, batch)
		if err != nil {
			return err
		}
		return errors.Wrap(tx.Commit(), "committing ingest transaction")
	})
	return counts, err
}

func (s *Store) ingestTx(ctx context.Context, tx *sqlx.Tx, batch IngestBatch) (IngestCounts, error) {
	counts := IngestCounts{
		OccurrenceIDs: map[string]int64{},
		TestCaseIDs:   map[string]int64{},
	}

	run := batch.Run
	const upsertRun = `
INSERT INTO workflow_runs (repository_id, external_run_id, status, conclusion, head_sha, head_branch, run_number, attempt, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (repository_id, external_run_id) DO UPDATE
SET status = EXCLUDED.status,
    conclusion = EXCLUDED.conclusion,
    updated_at = EXCLUDED.updated_at
RETURNING id`
	if err := tx.GetContext(ctx, &counts.RunID, upsertRun,
		batch.Repo.ID, run.ExternalRunID, run.Status, run.Conclusion, run.HeadSHA,
		run.HeadBranch, run.RunNumber, run.Attempt, run.CreatedAt, run.UpdatedAt); err != nil {
		return counts, errors.Wrap(err, "upserting workflow run")
	}

	jobIDs := map[int64]int64{}
	for _, j := range batch.Jobs {
		const upsertJob = `
INSERT INTO jobs (workflow_run_id, external_job_id, name, status, conclusion, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (workflow_run_id, external_job_id) DO UPDATE
SET status = EXCLUDED.status,
    conclusion = EXCLUDED.conclusion,
    completed_at = EXCLUDED.completed_at
RETURNING id`
		var id int64
		if err := tx.GetContext(ctx, &id, upsertJob,
			counts.RunID, j.ExternalJobID, j.Name, j.Status, j.Conclusion, j.StartedAt, j.CompletedAt); err != nil {
			return counts, errors.Wrap(err, "upserting job")
		}
		jobIDs[j.ExternalJobID] = id
	}

	// Upsert test cases in chunks, collecting ids by full name.
	for _, chunk := range chunkOutcomes(batch.Outcomes, s.chunk) {
		if err := s.upsertTestCaseChunk(ctx, tx, batch.Repo.ID, chunk, counts.TestCaseIDs); err != nil {
			return counts, err
		}
	}
	counts.TestCases = len(counts.TestCaseIDs)

	// Append occurrences; the natural-key conflict makes redelivery a
	// no-op.
	now := time.Now().UTC()
	for _, chunk := range chunkOutcomes(batch.Outcomes, s.chunk) {
		n, err := s.insertOccurrenceChunk(ctx, tx, counts, chunk, now)
		if err != nil {
			return counts, err
		}
		counts.Occurrences += n
	}
	return counts, nil
}

func chunkOutcomes(outcomes []TestOutcome, size int) [][]TestOutcome {
	if size <= 0 {
		size = defaultChunkSize
	}
	var chunks [][]TestOutcome
	for len(outcomes) > size {
		chunks = append(chunks, outcomes[:size])
		outcomes = outcomes[size:]
	}
	if len(outcomes) > 0 {
		chunks = append(chunks, outcomes)
	}
	return chunks
}

// fullName keys a test outcome within its repository.
func fullName(suite, class, name string) string {
	return suite + "\x00" + class + "\x00" + name
}

func (s *Store) upsertTestCaseChunk(ctx context.Context, tx *sqlx.Tx, repoID int64, chunk []TestOutcome, ids map[string]int64) error {
	seen := map[string]bool{}
	var values []string
	var args []interface{}
	i := 0
	for _, o := range chunk {
		key := fullName(o.Suite, o.ClassName, o.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", i*5+1, i*5+2, i*5+3, i*5+4, i*5+5))
		args = append(args, repoID, o.Suite, o.ClassName, o.Name, o.File)
		i++
	}
	if len(values) == 0 {
		return nil
	}
	q := `
INSERT INTO test_cases (repository_id, suite, class_name, name, file)
VALUES ` + strings.Join(values, ", ") + `
ON CONFLICT (repository_id, suite, class_name, name) DO UPDATE
SET file = CASE WHEN EXCLUDED.file <> '' THEN EXCLUDED.file ELSE test_cases.file END
RETURNING id, suite, class_name, name`
	rows, err := tx.QueryxContext(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, "upserting test cases")
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var suite, class, name string
		if err := rows.Scan(&id, &suite, &class, &name); err != nil {
			return errors.Wrap(err, "scanning test case id")
		}
		ids[fullName(suite, class, name)] = id
	}
	return errors.Wrap(rows.Err(), "iterating test case ids")
}

func (s *Store) insertOccurrenceChunk(ctx context.Context, tx *sqlx.Tx, counts IngestCounts, chunk []TestOutcome, now time.Time) (int, error) {
	var values []string
	var args []interface{}
	i := 0
	for _, o := range chunk {
		tcID, ok := counts.TestCaseIDs[fullName(o.Suite, o.ClassName, o.Name)]
		if !ok {
			return 0, errors.Errorf("missing test case id for %s.%s", o.ClassName, o.Name)
		}
		attempt := o.Attempt
		if attempt <= 0 {
			attempt = 1
		}
		base := i * 10
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
		args = append(args, tcID, counts.RunID, o.Status, o.DurationMS, attempt,
			o.Message, o.Stack, o.MessageSignature, o.StackDigest, now)
		i++
	}
	if len(values) == 0 {
		return 0, nil
	}
	q := `
INSERT INTO occurrences (test_case_id, workflow_run_id, status, duration_ms, attempt, message, stack, message_signature, stack_digest, created_at)
VALUES ` + strings.Join(values, ", ") + `
ON CONFLICT (test_case_id, workflow_run_id, attempt) DO NOTHING`
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, errors.Wrap(err, "inserting occurrences")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "counting inserted occurrences")
	}
	return int(n), nil
}

// RecentRunsForTest returns the newest window occurrences for a test,
// newest first.
func (s *Store) RecentRunsForTest(ctx context.Context, testCaseID int64, window int) ([]Occurrence, error) {
	var out []Occurrence
	err := s.db.SelectContext(ctx, &out, `
SELECT * FROM occurrences
WHERE test_case_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, testCaseID, window)
	return out, errors.Wrap(err, "loading recent runs")
}

// FirstSeen returns the timestamp of the oldest recorded occurrence of
// a test, or the zero time when none exists.
func (s *Store) FirstSeen(ctx context.Context, testCaseID int64) (time.Time, error) {
	var t sql.NullTime
	err := s.db.GetContext(ctx, &t,
		`SELECT min(created_at) FROM occurrences WHERE test_case_id = $1`, testCaseID)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "loading first seen")
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

// ForEachFailedOccurrence pages through the failed occurrences of a
// repository since the cutoff, invoking fn for each. Paging is keyset
// on id, so new inserts during iteration are safe.
func (s *Store) ForEachFailedOccurrence(ctx context.Context, repoID int64, since time.Time, pageSize int, fn func(Occurrence) error) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	lastID := int64(0)
	for {
		var page []Occurrence
		err := s.db.SelectContext(ctx, &page, `
SELECT o.* FROM occurrences o
JOIN test_cases tc ON tc.id = o.test_case_id
WHERE tc.repository_id = $1
  AND o.status IN ('failed', 'error')
  AND o.created_at >= $2
  AND o.id > $3
ORDER BY o.id ASC
LIMIT $4`, repoID, since, lastID, pageSize)
		if err != nil {
			return errors.Wrap(err, "paging failed occurrences")
		}
		for _, o := range page {
			if err := fn(o); err != nil {
				return err
			}
			lastID = o.ID
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// LatestRunForSHA returns the most recent run observed for a head SHA,
// used to resolve check-run action callbacks.
func (s *Store) LatestRunForSHA(ctx context.Context, repoID int64, headSHA string) (*WorkflowRun, error) {
	var out WorkflowRun
	err := s.db.GetContext(ctx, &out, `
SELECT * FROM workflow_runs
WHERE repository_id = $1 AND head_sha = $2
ORDER BY created_at DESC, id DESC
LIMIT 1`, repoID, headSHA)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolving run for sha")
	}
	return &out, nil
}

// TestCaseIDsForRun lists the distinct tests touched by a run.
func (s *Store) TestCaseIDsForRun(ctx context.Context, runID int64) ([]int64, error) {
	var out []int64
	err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT test_case_id FROM occurrences WHERE workflow_run_id = $1 ORDER BY test_case_id`, runID)
	return out, errors.Wrap(err, "listing tests for run")
}

// GetTestCase fetches one test case by id.
func (s *Store) GetTestCase(ctx context.Context, id int64) (*TestCase, error) {
	var out TestCase
	err := s.db.GetContext(ctx, &out, `SELECT * FROM test_cases WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting test case")
	}
	return &out, nil
}

// UpsertFlakeScore replaces the current score row for a test.
func (s *Store) UpsertFlakeScore(ctx context.Context, fs FlakeScore) error {
	const q = `
INSERT INTO flake_scores (test_case_id, score, confidence, features, window_n, recommendation, priority, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (test_case_id) DO UPDATE
SET score = EXCLUDED.score,
    confidence = EXCLUDED.confidence,
    features = EXCLUDED.features,
    window_n = EXCLUDED.window_n,
    recommendation = EXCLUDED.recommendation,
    priority = EXCLUDED.priority,
    updated_at = EXCLUDED.updated_at`
	err := s.withConflictRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, fs.TestCaseID, fs.Score, fs.Confidence, fs.Features,
			fs.WindowN, fs.Recommendation, fs.Priority, fs.UpdatedAt)
		return err
	})
	return errors.Wrap(err, "upserting flake score")
}

// UpsertFailureCluster merges a signature cluster into its repository
// row. Membership only grows; the occurrence count is replaced by the
// fresh computation, and the window widens to cover both the stored and
// the fresh window.
func (s *Store) UpsertFailureCluster(ctx context.Context, c FailureCluster) error {
	const q = `
INSERT INTO failure_clusters (repository_id, message_signature, stack_digest, example_message, example_stack, test_case_ids, occurrence_count, window_start, window_end)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (repository_id, message_signature) DO UPDATE
SET test_case_ids = (
        SELECT ARRAY(SELECT DISTINCT unnest(failure_clusters.test_case_ids || EXCLUDED.test_case_ids) ORDER BY 1)
    ),
    occurrence_count = EXCLUDED.occurrence_count,
    example_message = EXCLUDED.example_message,
    example_stack = EXCLUDED.example_stack,
    window_start = LEAST(failure_clusters.window_start, EXCLUDED.window_start),
    window_end = GREATEST(failure_clusters.window_end, EXCLUDED.window_end)`
	err := s.withConflictRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, q, c.RepositoryID, c.MessageSignature, c.StackDigest,
			c.ExampleMessage, c.ExampleStack, c.TestCaseIDs, c.OccurrenceCount, c.WindowStart, c.WindowEnd)
		return err
	})
	return errors.Wrap(err, "upserting failure cluster")
}

// CurrentQuarantine returns the latest non-terminal decision for a
// test, expiring it on read when its deadline has passed.
func (s *Store) CurrentQuarantine(ctx context.Context, testCaseID int64) (*QuarantineDecision, error) {
	var out QuarantineDecision
	err := s.db.GetContext(ctx, &out, `
SELECT * FROM quarantine_decisions
WHERE test_case_id = $1 AND state IN ('proposed', 'active')
ORDER BY created_at DESC, id DESC
LIMIT 1`, testCaseID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading quarantine decision")
	}
	if out.Until != nil && out.Until.Before(time.Now()) {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE quarantine_decisions SET state = 'expired' WHERE id = $1`, out.ID); err != nil {
			return nil, errors.Wrap(err, "expiring quarantine decision")
		}
		return nil, nil
	}
	return &out, nil
}

// CreateQuarantineDecision records a new decision, dismissing any
// previous non-terminal one so a test carries at most one. The latest
// decision always wins.
func (s *Store) CreateQuarantineDecision(ctx context.Context, d QuarantineDecision) (QuarantineDecision, error) {
	var out QuarantineDecision
	err := s.withConflictRetry(ctx, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "beginning quarantine transaction")
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `
UPDATE quarantine_decisions SET state = 'dismissed'
WHERE test_case_id = $1 AND state IN ('proposed', 'active')`, d.TestCaseID); err != nil {
			return errors.Wrap(err, "dismissing previous decisions")
		}
		if err := tx.GetContext(ctx, &out, `
INSERT INTO quarantine_decisions (test_case_id, state, rationale, by_user, until_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, test_case_id, state, rationale, by_user, until_at, created_at`,
			d.TestCaseID, d.State, d.Rationale, d.ByUser, d.Until); err != nil {
			return errors.Wrap(err, "inserting quarantine decision")
		}
		return errors.Wrap(tx.Commit(), "committing quarantine decision")
	})
	return out, err
}

// IssueLinkForTest returns the first tracking issue linked to a test,
// or nil.
func (s *Store) IssueLinkForTest(ctx context.Context, testCaseID int64) (*IssueLink, error) {
	var out IssueLink
	err := s.db.GetContext(ctx, &out, `
SELECT * FROM issue_links WHERE test_case_id = $1 ORDER BY created_at ASC LIMIT 1`, testCaseID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading issue link")
	}
	return &out, nil
}

// CreateIssueLink records a tracking issue for a test.
func (s *Store) CreateIssueLink(ctx context.Context, l IssueLink) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO issue_links (test_case_id, provider, url) VALUES ($1, $2, $3)`,
		l.TestCaseID, l.Provider, l.URL)
	return errors.Wrap(err, "creating issue link")
}

// AllTestCaseIDs lists every test id in a repository, for recompute
// jobs scoped to all tests.
func (s *Store) AllTestCaseIDs(ctx context.Context, repoID int64) ([]int64, error) {
	var out []int64
	err := s.db.SelectContext(ctx, &out,
		`SELECT id FROM test_cases WHERE repository_id = $1 ORDER BY id`, repoID)
	return out, errors.Wrap(err, "listing test cases")
}

// TestCaseIDsMatching lists test ids whose full name matches a
// substring pattern, for pattern-scoped recompute jobs.
func (s *Store) TestCaseIDsMatching(ctx context.Context, repoID int64, pattern string) ([]int64, error) {
	var out []int64
	err := s.db.SelectContext(ctx, &out, `
SELECT id FROM test_cases
WHERE repository_id = $1
  AND (class_name || '.' || name) ILIKE '%' || $2 || '%'
ORDER BY id`, repoID, pattern)
	return out, errors.Wrap(err, "matching test cases")
}
