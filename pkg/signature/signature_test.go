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

package signature

import (
	"strings"
	"testing"
)

func mustNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(0)
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	return n
}

func TestNormalize(t *testing.T) {
	n := mustNormalizer(t)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "timestamps",
			in:   "failed at 2024-03-01T12:34:56.789Z retrying",
			want: "failed at <TIME> retrying",
		},
		{
			name: "wall clock",
			in:   "deadline was 12:34:56 exactly",
			want: "deadline was <TIME> exactly",
		},
		{
			name: "file line column",
			in:   "panic in server.go:123:7 during shutdown",
			want: "panic in <PATH> during shutdown",
		},
		{
			name: "hex address",
			in:   "nil pointer at address 0xc000123456",
			want: "nil pointer at address <ADDR>",
		},
		{
			name: "pid",
			in:   "killed pid 4242 on worker",
			want: "killed <ID> on worker",
		},
		{
			name: "host port",
			in:   "dial tcp 127.0.0.1:8080: connection refused",
			want: "dial tcp <NUM>.<NUM>.<NUM>.<NUM>:<PORT>: connection refused",
		},
		{
			name: "uuid",
			in:   "request 123e4567-e89b-12d3-a456-426614174000 failed",
			want: "request <UUID> failed",
		},
		{
			name: "duration with unit",
			in:   "Test timed out after 30000ms",
			want: "Test timed out after <NUM>ms",
		},
		{
			name: "assertion right hand sides",
			in:   "Assertion failed: expected 42 but got 41",
			want: "Assertion failed: expected <VAL> but got <VAL>",
		},
		{
			name: "bare numbers",
			in:   "retry 3 of 5 failed",
			want: "retry <NUM> of <NUM> failed",
		},
		{
			name: "whitespace collapse",
			in:   "a\n\n  b\t\tc",
			want: "a b c",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := n.Normalize(tc.in); got != tc.want {
				t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeCollapsesStackFrames(t *testing.T) {
	n := mustNormalizer(t)
	in := "NullPointerException: oops\n" +
		"    at com.example.Foo.bar(Foo.java:42)\n" +
		"    at com.example.Baz.qux(Baz.java:7)\n" +
		"caused by timeout"
	got := n.Normalize(in)
	if !strings.Contains(got, "[STACK]") {
		t.Fatalf("Normalize() = %q, want a [STACK] sentinel", got)
	}
	if strings.Count(got, "[STACK]") != 1 {
		t.Errorf("Normalize() = %q, want exactly one [STACK] sentinel for a frame run", got)
	}
	if !strings.Contains(got, "caused by timeout") {
		t.Errorf("Normalize() = %q, non-frame lines should survive", got)
	}
}

// Two messages differing only in volatile tokens must share a signature.
func TestSignatureStability(t *testing.T) {
	n := mustNormalizer(t)
	a := "Test timed out after 30000ms at 2024-01-02T03:04:05Z in worker pid 123"
	b := "Test timed out after 45000ms at 2025-06-07T08:09:10Z in worker pid 456"
	if n.Signature(a) != n.Signature(b) {
		t.Errorf("signatures differ:\n a=%s %q\n b=%s %q", n.Signature(a), n.Normalize(a), n.Signature(b), n.Normalize(b))
	}
	c := "Assertion failed: expected true but got false"
	if n.Signature(a) == n.Signature(c) {
		t.Error("unrelated failures should not share a signature")
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	n := mustNormalizer(t)
	inputs := []string{
		"Test timed out after 30000ms",
		"failed at 2024-03-01T12:34:56Z in server.go:10:2",
		"expected 42 but got 41",
		"dial tcp 10.0.0.1:443: i/o timeout",
		"oops\n  at Foo.bar(Foo.java:1)\n  at Baz.qux(Baz.java:2)\n",
		"request 123e4567-e89b-12d3-a456-426614174000 pid 9 0xdeadbeef",
		"",
		"plain message with no volatile tokens",
	}
	for _, in := range inputs {
		once := n.Normalize(in)
		twice := n.Normalize(once)
		if once != twice {
			t.Errorf("not idempotent for %q:\n once:  %q\n twice: %q", in, once, twice)
		}
	}
}

func TestStackDigest(t *testing.T) {
	n := mustNormalizer(t)
	a := "boom\n  at Foo.bar(Foo.java:42)\n  at Baz.qux(Baz.java:7)\n"
	b := "different message\n  at Foo.bar(Foo.java:99)\n  at Baz.qux(Baz.java:100)\n"
	if n.StackDigest(a) == "" {
		t.Fatal("StackDigest() = empty for a trace with frames")
	}
	if n.StackDigest(a) != n.StackDigest(b) {
		t.Error("stack digests should ignore line numbers")
	}
	if got := n.StackDigest("no frames here"); got != "" {
		t.Errorf("StackDigest() = %q for frameless input, want empty", got)
	}
}
