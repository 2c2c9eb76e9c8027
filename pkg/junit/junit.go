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

// Package junit parses JUnit-family XML reports (Surefire, Gradle,
// jest-junit, pytest, PHPUnit) into normalized suite and case records.
//
// Parsing is streaming: the document is walked token by token and never
// held in memory, so a pathological report cannot balloon the worker.
package junit

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
)

// Family hints at the producer of a report. It only influences the
// fallback suite name; the parser accepts any JUnit dialect regardless.
type Family string

const (
	FamilyUnknown  Family = ""
	FamilySurefire Family = "surefire"
	FamilyGradle   Family = "gradle"
	FamilyJest     Family = "jest"
	FamilyPytest   Family = "pytest"
	FamilyPHPUnit  Family = "phpunit"
)

// Status is the normalized outcome of a single test case.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Detail carries the type, message and body of a <failure> or <error>.
type Detail struct {
	Type    string
	Message string
	Stack   string
}

// Case is one normalized <testcase>.
type Case struct {
	Suite       string
	ClassName   string
	Name        string
	TimeSeconds float64
	Status      Status
	Failure     *Detail
	Error       *Detail
	SkipMessage string
}

// Suite is one normalized <testsuite>.
type Suite struct {
	Name       string
	Package    string
	Hostname   string
	Timestamp  string
	Properties map[string]string
	SystemOut  string
	SystemErr  string
	Cases      []Case
}

// Result is the outcome of parsing one report document.
type Result struct {
	Suites []Suite
	// Warnings records counter mismatches and other recoverable oddities.
	Warnings []string
}

// Options tune parsing limits.
type Options struct {
	Family Family
	// OutputCap bounds the retained bytes of any text block
	// (system-out, system-err, failure bodies). Defaults to 64 KiB.
	OutputCap int
}

const defaultOutputCap = 64 * 1024

// truncationSentinel marks text cut at OutputCap.
const truncationSentinel = "\n[... truncated]"

// Parse reads a JUnit-family XML document from r. It accepts both
// <testsuites> and a bare <testsuite> root; multiple roots concatenate.
func Parse(r io.Reader, opts Options) (*Result, error) {
	if opts.OutputCap <= 0 {
		opts.OutputCap = defaultOutputCap
	}
	dec := xml.NewDecoder(r)
	res := &Result{}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, flakeerrors.Wrap(flakeerrors.ParseError, err, "reading report")
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "testsuites":
			// Children handled by subsequent iterations.
		case "testsuite":
			suites, err := parseSuite(dec, start, opts, res)
			if err != nil {
				return nil, err
			}
			res.Suites = append(res.Suites, suites...)
		default:
			if err := dec.Skip(); err != nil {
				return nil, flakeerrors.Wrap(flakeerrors.ParseError, err, "skipping element")
			}
		}
	}
	if len(res.Suites) == 0 {
		return nil, flakeerrors.New(flakeerrors.ParseError, "document contains no testsuite elements")
	}
	return res, nil
}

// declaredCounts are the tests/failures/errors/skipped attributes, used
// for validation only; actual counts are recomputed from cases.
type declaredCounts struct {
	tests, failures, errors, skipped int
	declared                         bool
}

// parseSuite consumes one <testsuite> element. Gradle nests suites, so
// the return value is a slice: the suite itself plus any nested suites,
// flattened in document order.
func parseSuite(dec *xml.Decoder, start xml.StartElement, opts Options, res *Result) ([]Suite, error) {
	suite := Suite{Name: fallbackName(opts.Family)}
	var counts declaredCounts
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "name":
			if attr.Value != "" {
				suite.Name = attr.Value
			}
		case "package":
			suite.Package = attr.Value
		case "hostname":
			suite.Hostname = attr.Value
		case "timestamp":
			suite.Timestamp = attr.Value
		case "tests":
			counts.tests = atoi(attr.Value)
			counts.declared = true
		case "failures":
			counts.failures = atoi(attr.Value)
		case "errors":
			counts.errors = atoi(attr.Value)
		case "skipped", "skip":
			counts.skipped = atoi(attr.Value)
		}
	}

	var nested []Suite
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, flakeerrors.Wrap(flakeerrors.ParseError, err, "reading testsuite")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "testsuite":
				inner, err := parseSuite(dec, t, opts, res)
				if err != nil {
					return nil, err
				}
				nested = append(nested, inner...)
			case "testcase":
				c, err := parseCase(dec, t, suite.Name, opts)
				if err != nil {
					return nil, err
				}
				suite.Cases = append(suite.Cases, *c)
			case "properties":
				props, err := parseProperties(dec)
				if err != nil {
					return nil, err
				}
				suite.Properties = props
			case "system-out":
				text, err := readText(dec, opts.OutputCap)
				if err != nil {
					return nil, err
				}
				suite.SystemOut = text
			case "system-err":
				text, err := readText(dec, opts.OutputCap)
				if err != nil {
					return nil, err
				}
				suite.SystemErr = text
			default:
				if err := dec.Skip(); err != nil {
					return nil, flakeerrors.Wrap(flakeerrors.ParseError, err, "skipping element")
				}
			}
		case xml.EndElement:
			if t.Name.Local == "testsuite" {
				validateCounts(&suite, counts, res)
				return append([]Suite{suite}, nested...), nil
			}
		}
	}
}

// validateCounts compares the suite's declared counters with the counts
// recomputed from cases. The cases win; a mismatch only warns.
func validateCounts(suite *Suite, counts declaredCounts, res *Result) {
	if !counts.declared {
		return
	}
	var failures, errs, skipped int
	for _, c := range suite.Cases {
		switch c.Status {
		case StatusFailed:
			failures++
		case StatusError:
			errs++
		case StatusSkipped:
			skipped++
		}
	}
	if counts.tests != len(suite.Cases) || counts.failures != failures || counts.errors != errs || counts.skipped != skipped {
		res.Warnings = append(res.Warnings,
			"suite "+suite.Name+": declared counters ("+
				itoa(counts.tests)+"/"+itoa(counts.failures)+"/"+itoa(counts.errors)+"/"+itoa(counts.skipped)+
				") disagree with cases ("+
				itoa(len(suite.Cases))+"/"+itoa(failures)+"/"+itoa(errs)+"/"+itoa(skipped)+"), trusting cases")
	}
}

func parseCase(dec *xml.Decoder, start xml.StartElement, suiteName string, opts Options) (*Case, error) {
	c := &Case{Suite: suiteName, Status: StatusPassed}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "name":
			c.Name = attr.Value
		case "classname":
			c.ClassName = attr.Value
		case "time":
			if v, err := strconv.ParseFloat(strings.TrimSpace(attr.Value), 64); err == nil {
				c.TimeSeconds = v
			}
		}
	}
	var sawError, sawFailure, sawSkipped bool
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, flakeerrors.Wrap(flakeerrors.ParseError, err, "reading testcase")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "error":
				d, err := parseDetail(dec, t, opts)
				if err != nil {
					return nil, err
				}
				c.Error = d
				sawError = true
			case "failure":
				d, err := parseDetail(dec, t, opts)
				if err != nil {
					return nil, err
				}
				c.Failure = d
				sawFailure = true
			case "skipped":
				for _, attr := range t.Attr {
					if attr.Name.Local == "message" {
						c.SkipMessage = attr.Value
					}
				}
				if err := dec.Skip(); err != nil {
					return nil, flakeerrors.Wrap(flakeerrors.ParseError, err, "skipping element")
				}
				sawSkipped = true
			default:
				if err := dec.Skip(); err != nil {
					return nil, flakeerrors.Wrap(flakeerrors.ParseError, err, "skipping element")
				}
			}
		case xml.EndElement:
			if t.Name.Local == "testcase" {
				// error > failure > skipped > passed
				switch {
				case sawError:
					c.Status = StatusError
				case sawFailure:
					c.Status = StatusFailed
				case sawSkipped:
					c.Status = StatusSkipped
				}
				return c, nil
			}
		}
	}
}

func parseDetail(dec *xml.Decoder, start xml.StartElement, opts Options) (*Detail, error) {
	d := &Detail{}
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case "type":
			d.Type = attr.Value
		case "message":
			d.Message = attr.Value
		}
	}
	body, err := readText(dec, opts.OutputCap)
	if err != nil {
		return nil, err
	}
	d.Stack = body
	if d.Message == "" {
		// Some producers put the message in the element body only.
		d.Message = firstLine(body)
	}
	return d, nil
}

func parseProperties(dec *xml.Decoder) (map[string]string, error) {
	props := map[string]string{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, flakeerrors.Wrap(flakeerrors.ParseError, err, "reading properties")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "property" {
				var name, value string
				for _, attr := range t.Attr {
					switch attr.Name.Local {
					case "name":
						name = attr.Value
					case "value":
						value = attr.Value
					}
				}
				if name != "" {
					props[name] = value
				}
			}
			if err := dec.Skip(); err != nil {
				return nil, flakeerrors.Wrap(flakeerrors.ParseError, err, "skipping element")
			}
		case xml.EndElement:
			if t.Name.Local == "properties" {
				return props, nil
			}
		}
	}
}

// readText consumes tokens until the current element closes, retaining
// at most cap bytes of character data.
func readText(dec *xml.Decoder, capBytes int) (string, error) {
	var b strings.Builder
	truncated := false
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", flakeerrors.Wrap(flakeerrors.ParseError, err, "reading text")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if truncated {
				continue
			}
			remaining := capBytes - b.Len()
			if remaining <= 0 {
				truncated = true
				continue
			}
			if len(t) > remaining {
				b.Write(t[:remaining])
				truncated = true
			} else {
				b.Write(t)
			}
		}
	}
	text := strings.TrimSpace(b.String())
	if truncated {
		text += truncationSentinel
	}
	return text, nil
}

func fallbackName(f Family) string {
	if f == FamilyUnknown {
		return "unnamed"
	}
	return string(f)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

func atoi(s string) int {
	v, _ := strconv.Atoi(strings.TrimSpace(s))
	return v
}

func itoa(v int) string { return strconv.Itoa(v) }
