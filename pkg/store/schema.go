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

import "context"

// schema declares every table and the unique indexes that carry the
// dedup weight. Migration tooling is out of scope; EnsureSchema exists
// so tests and fresh deployments can bootstrap.
const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id               BIGSERIAL PRIMARY KEY,
	provider         TEXT NOT NULL,
	owner            TEXT NOT NULL,
	name             TEXT NOT NULL,
	installation_ref BIGINT NOT NULL,
	default_branch   TEXT NOT NULL DEFAULT 'main',
	last_polled_at   TIMESTAMPTZ,
	active           BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (provider, owner, name)
);

CREATE TABLE IF NOT EXISTS workflow_runs (
	id              BIGSERIAL PRIMARY KEY,
	repository_id   BIGINT NOT NULL REFERENCES repositories(id),
	external_run_id BIGINT NOT NULL,
	status          TEXT NOT NULL DEFAULT '',
	conclusion      TEXT NOT NULL DEFAULT '',
	head_sha        TEXT NOT NULL DEFAULT '',
	head_branch     TEXT NOT NULL DEFAULT '',
	run_number      INT NOT NULL DEFAULT 0,
	attempt         INT NOT NULL DEFAULT 1,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (repository_id, external_run_id)
);

CREATE TABLE IF NOT EXISTS jobs (
	id              BIGSERIAL PRIMARY KEY,
	workflow_run_id BIGINT NOT NULL REFERENCES workflow_runs(id),
	external_job_id BIGINT NOT NULL,
	name            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT '',
	conclusion      TEXT NOT NULL DEFAULT '',
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	UNIQUE (workflow_run_id, external_job_id)
);

CREATE TABLE IF NOT EXISTS test_cases (
	id            BIGSERIAL PRIMARY KEY,
	repository_id BIGINT NOT NULL REFERENCES repositories(id),
	suite         TEXT NOT NULL DEFAULT '',
	class_name    TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL,
	file          TEXT NOT NULL DEFAULT '',
	owner_team    TEXT NOT NULL DEFAULT '',
	UNIQUE (repository_id, suite, class_name, name)
);

CREATE TABLE IF NOT EXISTS occurrences (
	id                BIGSERIAL PRIMARY KEY,
	test_case_id      BIGINT NOT NULL REFERENCES test_cases(id),
	workflow_run_id   BIGINT NOT NULL REFERENCES workflow_runs(id),
	job_id            BIGINT REFERENCES jobs(id),
	status            TEXT NOT NULL,
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	attempt           INT NOT NULL DEFAULT 1,
	message           TEXT NOT NULL DEFAULT '',
	stack             TEXT NOT NULL DEFAULT '',
	message_signature TEXT NOT NULL DEFAULT '',
	stack_digest      TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (test_case_id, workflow_run_id, attempt)
);
CREATE INDEX IF NOT EXISTS occurrences_by_test_created
	ON occurrences (test_case_id, created_at DESC);
CREATE INDEX IF NOT EXISTS occurrences_by_signature
	ON occurrences (message_signature) WHERE message_signature <> '';

CREATE TABLE IF NOT EXISTS failure_clusters (
	id                BIGSERIAL PRIMARY KEY,
	repository_id     BIGINT NOT NULL REFERENCES repositories(id),
	message_signature TEXT NOT NULL,
	stack_digest      TEXT NOT NULL DEFAULT '',
	example_message   TEXT NOT NULL DEFAULT '',
	example_stack     TEXT NOT NULL DEFAULT '',
	test_case_ids     BIGINT[] NOT NULL DEFAULT '{}',
	occurrence_count  INT NOT NULL DEFAULT 0,
	window_start      TIMESTAMPTZ,
	window_end        TIMESTAMPTZ,
	UNIQUE (repository_id, message_signature)
);

CREATE TABLE IF NOT EXISTS flake_scores (
	test_case_id   BIGINT PRIMARY KEY REFERENCES test_cases(id),
	score          DOUBLE PRECISION NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	features       JSONB NOT NULL DEFAULT '{}',
	window_n       INT NOT NULL DEFAULT 0,
	recommendation TEXT NOT NULL DEFAULT 'none',
	priority       TEXT NOT NULL DEFAULT 'low',
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS quarantine_decisions (
	id           BIGSERIAL PRIMARY KEY,
	test_case_id BIGINT NOT NULL REFERENCES test_cases(id),
	state        TEXT NOT NULL,
	rationale    TEXT NOT NULL DEFAULT '',
	by_user      TEXT NOT NULL DEFAULT '',
	until_at     TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS quarantine_by_test
	ON quarantine_decisions (test_case_id, created_at DESC);

CREATE TABLE IF NOT EXISTS issue_links (
	id           BIGSERIAL PRIMARY KEY,
	test_case_id BIGINT NOT NULL REFERENCES test_cases(id),
	provider     TEXT NOT NULL,
	url          TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS issue_links_by_test ON issue_links (test_case_id);
`

// EnsureSchema creates all tables and indexes if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
