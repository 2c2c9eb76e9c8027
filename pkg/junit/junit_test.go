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

package junit

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
)

const surefireReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="com.example.CartTest" tests="3" failures="1" errors="0" skipped="1" time="1.042" hostname="ci-agent-7" timestamp="2024-03-01T12:00:00">
  <properties>
    <property name="java.version" value="17"/>
  </properties>
  <testcase classname="com.example.CartTest" name="addsItem" time="0.031"/>
  <testcase classname="com.example.CartTest" name="checksOut" time="0.900">
    <failure type="java.lang.AssertionError" message="expected 2 but was 1">java.lang.AssertionError: expected 2 but was 1
	at com.example.CartTest.checksOut(CartTest.java:44)</failure>
  </testcase>
  <testcase classname="com.example.CartTest" name="appliesCoupon" time="0.001">
    <skipped message="not implemented"/>
  </testcase>
  <system-out>cart setup ok</system-out>
</testsuite>`

func TestParseSurefire(t *testing.T) {
	res, err := Parse(strings.NewReader(surefireReport), Options{Family: FamilySurefire})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Suites) != 1 {
		t.Fatalf("got %d suites, want 1", len(res.Suites))
	}
	s := res.Suites[0]
	if s.Name != "com.example.CartTest" || s.Hostname != "ci-agent-7" {
		t.Errorf("suite header = %+v", s)
	}
	if s.Properties["java.version"] != "17" {
		t.Errorf("properties = %v", s.Properties)
	}
	if s.SystemOut != "cart setup ok" {
		t.Errorf("system-out = %q", s.SystemOut)
	}
	wantStatuses := []Status{StatusPassed, StatusFailed, StatusSkipped}
	if len(s.Cases) != 3 {
		t.Fatalf("got %d cases, want 3", len(s.Cases))
	}
	for i, c := range s.Cases {
		if c.Status != wantStatuses[i] {
			t.Errorf("case %d status = %s, want %s", i, c.Status, wantStatuses[i])
		}
	}
	fail := s.Cases[1]
	if fail.Failure == nil || fail.Failure.Message != "expected 2 but was 1" {
		t.Errorf("failure detail = %+v", fail.Failure)
	}
	if fail.Failure != nil && !strings.Contains(fail.Failure.Stack, "CartTest.java:44") {
		t.Errorf("failure stack = %q", fail.Failure.Stack)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", res.Warnings)
	}
}

func TestParseNestedTestsuites(t *testing.T) {
	report := `<testsuites>
  <testsuite name="outer" tests="1">
    <testcase classname="a" name="t1"/>
    <testsuite name="inner" tests="1">
      <testcase classname="b" name="t2">
        <error type="TypeError" message="x is not a function"/>
      </testcase>
    </testsuite>
  </testsuite>
  <testsuite name="sibling" tests="1">
    <testcase classname="c" name="t3"/>
  </testsuite>
</testsuites>`
	res, err := Parse(strings.NewReader(report), Options{Family: FamilyJest})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var names []string
	for _, s := range res.Suites {
		names = append(names, s.Name)
	}
	want := []string{"outer", "inner", "sibling"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("suite order mismatch (-want +got):\n%s", diff)
	}
	inner := res.Suites[1]
	if len(inner.Cases) != 1 || inner.Cases[0].Status != StatusError {
		t.Errorf("inner suite cases = %+v", inner.Cases)
	}
}

func TestStatusPrecedence(t *testing.T) {
	// A pathological case carrying both an error and a failure must be
	// classified as an error.
	report := `<testsuite name="s" tests="1" failures="1" errors="1">
  <testcase classname="c" name="both">
    <failure message="assert"/>
    <error message="crash"/>
  </testcase>
</testsuite>`
	res, err := Parse(strings.NewReader(report), Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c := res.Suites[0].Cases[0]
	if c.Status != StatusError {
		t.Errorf("status = %s, want error", c.Status)
	}
	if c.Failure == nil || c.Error == nil {
		t.Errorf("both details should be retained: %+v", c)
	}
}

func TestCounterMismatchWarnsAndTrustsCases(t *testing.T) {
	report := `<testsuite name="liar" tests="5" failures="2" errors="0" skipped="0">
  <testcase classname="c" name="only"/>
</testsuite>`
	res, err := Parse(strings.NewReader(report), Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Suites[0].Cases) != 1 {
		t.Fatalf("cases = %d, want 1", len(res.Suites[0].Cases))
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "liar") {
		t.Errorf("warnings = %v, want one mentioning the suite", res.Warnings)
	}
}

func TestOutputCapTruncates(t *testing.T) {
	big := strings.Repeat("x", 200)
	report := `<testsuite name="s" tests="1">
  <testcase classname="c" name="noisy">
    <failure message="boom">` + big + `</failure>
  </testcase>
</testsuite>`
	res, err := Parse(strings.NewReader(report), Options{OutputCap: 100})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	stack := res.Suites[0].Cases[0].Failure.Stack
	if !strings.HasSuffix(stack, "[... truncated]") {
		t.Errorf("stack = %q, want truncation sentinel", stack)
	}
	if len(stack) > 100+len("\n[... truncated]") {
		t.Errorf("stack length %d exceeds cap", len(stack))
	}
}

func TestMissingClassname(t *testing.T) {
	report := `<testsuite name="s" tests="1"><testcase name="solo"/></testsuite>`
	res, err := Parse(strings.NewReader(report), Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := res.Suites[0].Cases[0].ClassName; got != "" {
		t.Errorf("classname = %q, want empty", got)
	}
}

func TestMessageFallsBackToBody(t *testing.T) {
	report := `<testsuite name="s" tests="1">
  <testcase classname="c" name="t">
    <failure>Timeout of 2000ms exceeded.
stack line</failure>
  </testcase>
</testsuite>`
	res, err := Parse(strings.NewReader(report), Options{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := res.Suites[0].Cases[0].Failure.Message; got != "Timeout of 2000ms exceeded." {
		t.Errorf("message = %q", got)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "not xml at all", "<other>doc</other>"} {
		_, err := Parse(strings.NewReader(in), Options{})
		if err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
			continue
		}
		if kind := flakeerrors.KindOf(err); kind != flakeerrors.ParseError {
			t.Errorf("Parse(%q) error kind = %s, want parse_error", in, kind)
		}
	}
}
