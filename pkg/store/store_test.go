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
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), logrus.WithField("test", t.Name())), mock
}

func TestChunkOutcomes(t *testing.T) {
	mk := func(n int) []TestOutcome {
		out := make([]TestOutcome, n)
		return out
	}
	tests := []struct {
		n, size  int
		wantLens []int
	}{
		{0, 500, nil},
		{3, 500, []int{3}},
		{500, 500, []int{500}},
		{501, 500, []int{500, 1}},
		{1250, 500, []int{500, 500, 250}},
		{5, 0, []int{5}},
	}
	for _, tc := range tests {
		chunks := chunkOutcomes(mk(tc.n), tc.size)
		var lens []int
		for _, c := range chunks {
			lens = append(lens, len(c))
		}
		if len(lens) != len(tc.wantLens) {
			t.Errorf("chunkOutcomes(%d, %d) lens = %v, want %v", tc.n, tc.size, lens, tc.wantLens)
			continue
		}
		for i := range lens {
			if lens[i] != tc.wantLens[i] {
				t.Errorf("chunkOutcomes(%d, %d) lens = %v, want %v", tc.n, tc.size, lens, tc.wantLens)
				break
			}
		}
	}
}

func TestRecentRunsForTestOrdersNewestFirst(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "test_case_id", "workflow_run_id", "job_id", "status", "duration_ms", "attempt", "message", "stack", "message_signature", "stack_digest", "created_at"}).
		AddRow(9, 7, 2, nil, "failed", 100, 1, "boom", "", "sig", "", now).
		AddRow(8, 7, 1, nil, "passed", 90, 1, "", "", "", "", now.Add(-time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM occurrences")).
		WithArgs(int64(7), 50).
		WillReturnRows(rows)

	occs, err := s.RecentRunsForTest(context.Background(), 7, 50)
	if err != nil {
		t.Fatalf("RecentRunsForTest: %v", err)
	}
	if len(occs) != 2 || occs[0].ID != 9 || occs[1].ID != 8 {
		t.Errorf("occurrences = %+v", occs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCurrentQuarantineExpiresOnRead(t *testing.T) {
	s, mock := newMockStore(t)
	past := time.Now().Add(-time.Hour)
	rows := sqlmock.NewRows([]string{"id", "test_case_id", "state", "rationale", "by_user", "until_at", "created_at"}).
		AddRow(3, 7, QuarantineActive, "flaky", "flakeguard", past, past.AddDate(0, -1, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM quarantine_decisions")).
		WithArgs(int64(7)).
		WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE quarantine_decisions SET state = 'expired'")).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	d, err := s.CurrentQuarantine(context.Background(), 7)
	if err != nil {
		t.Fatalf("CurrentQuarantine: %v", err)
	}
	if d != nil {
		t.Errorf("expired decision returned: %+v", d)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateQuarantineDecisionDismissesPrevious(t *testing.T) {
	s, mock := newMockStore(t)
	until := time.Now().Add(30 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE quarantine_decisions SET state = 'dismissed'")).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO quarantine_decisions")).
		WithArgs(int64(7), QuarantineActive, "scored 0.91", "flakeguard", until).
		WillReturnRows(sqlmock.NewRows([]string{"id", "test_case_id", "state", "rationale", "by_user", "until_at", "created_at"}).
			AddRow(11, 7, QuarantineActive, "scored 0.91", "flakeguard", until, time.Now()))
	mock.ExpectCommit()

	got, err := s.CreateQuarantineDecision(context.Background(), QuarantineDecision{
		TestCaseID: 7,
		State:      QuarantineActive,
		Rationale:  "scored 0.91",
		ByUser:     "flakeguard",
		Until:      &until,
	})
	if err != nil {
		t.Fatalf("CreateQuarantineDecision: %v", err)
	}
	if got.ID != 11 || got.State != QuarantineActive {
		t.Errorf("decision = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// hasKind walks the cause chain looking for a specific taxonomy kind.
func hasKind(err error, kind flakeerrors.Kind) bool {
	for err != nil {
		var fe *flakeerrors.Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Kind == kind {
			return true
		}
		err = fe.Unwrap()
	}
	return false
}

func TestWithConflictRetry(t *testing.T) {
	s, _ := newMockStore(t)

	calls := 0
	err := s.withConflictRetry(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &pq.Error{Code: "23505"}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("err = %v calls = %d, want nil/2", err, calls)
	}

	calls = 0
	err = s.withConflictRetry(context.Background(), func() error {
		calls++
		return &pq.Error{Code: "23505"}
	})
	if err == nil || calls != 2 {
		t.Errorf("err = %v calls = %d, want persistent conflict after one retry", err, calls)
	}
	// Promoted for the queue, with the conflict tag still in the chain.
	if kind := flakeerrors.KindOf(err); kind != flakeerrors.UpstreamUnavailable {
		t.Errorf("kind = %s, want upstream_unavailable after promotion", kind)
	}
	if !hasKind(err, flakeerrors.StoreConflict) {
		t.Errorf("error chain %v is missing the store_conflict tag", err)
	}

	boom := errors.New("unrelated")
	calls = 0
	err = s.withConflictRetry(context.Background(), func() error {
		calls++
		return boom
	})
	if errors.Cause(err) != boom || calls != 1 {
		t.Errorf("non-conflict errors must not retry: err = %v calls = %d", err, calls)
	}
}
