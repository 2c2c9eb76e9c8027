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

// Package signature canonicalizes failure messages and stack traces so
// that "the same" failure hashes to the same value across runs. Volatile
// tokens (timestamps, addresses, ids, sizes) are replaced with stable
// placeholders and the result is hashed.
//
// The substitution order matters: file:line references must be rewritten
// before bare numbers, otherwise the line numbers are destroyed first and
// the path rule no longer matches.
package signature

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Ordered substitution rules. Placeholders contain no digits, which is
// what makes Normalize idempotent.
var rules = []rule{
	// ISO-8601 timestamps, with optional fractional seconds and zone.
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`), `<TIME>`},
	// Bare dates.
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}`), `<DATE>`},
	// Wall-clock times. Must not fire inside path:line:column references,
	// so the leading character may not be a colon or a word character.
	{regexp.MustCompile(`(^|[^:\w])\d{1,2}:\d{2}(?::\d{2})?(?:\.\d+)?(?:\s?[APap][Mm])?\b`), `${1}<TIME>`},
	// file:line and file:line:column references.
	{regexp.MustCompile(`[\w~$./\\-]+\.[A-Za-z]{1,5}:\d+(?::\d+)?`), `<PATH>`},
	// Hex addresses (pointer prints).
	{regexp.MustCompile(`0[xX][0-9a-fA-F]+`), `<ADDR>`},
	// PID/TID mentions.
	{regexp.MustCompile(`(?i)\b[pt]id\s*[:=#]?\s*\d+`), `<ID>`},
	{regexp.MustCompile(`(?i)\b(process|thread)\s+(id\s*)?[:=#]?\s*\d+`), `<ID>`},
	// host:port and port mentions.
	{regexp.MustCompile(`(?i)\bport\s*[:=]?\s*\d{2,5}\b`), `port <PORT>`},
	{regexp.MustCompile(`(localhost|\d{1,3}(?:\.\d{1,3}){3}|\[[0-9a-fA-F:]+\]):\d{2,5}\b`), `${1}:<PORT>`},
	// UUIDs and 32-char hex hashes.
	{regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`), `<UUID>`},
	{regexp.MustCompile(`\b[0-9a-fA-F]{32}\b`), `<HASH>`},
	// Numbers with units (durations, sizes).
	{regexp.MustCompile(`(?i)\b\d+(?:\.\d+)?\s?(ms|msecs?|milliseconds?|secs?|seconds?|mins?|minutes?|hours?|ns|us|µs|[smh]|bytes?|[kmgt]i?b)\b`), `<NUM>${1}`},
	// Right-hand sides of assertion phrases.
	{regexp.MustCompile(`(?i)\b(expected|actual|got)(\s*[:=]?\s*)("[^"]*"|'[^']*'|\x60[^\x60]*\x60|\S+)`), `${1}${2}<VAL>`},
	// Everything numeric that survived the rules above.
	{regexp.MustCompile(`\b\d+\b`), `<NUM>`},
}

// stackFrameRE matches a run of consecutive "at ..." stack frame lines.
var stackFrameRE = regexp.MustCompile(`(?m)(?:^[ \t]*(?:at|File)[ \t]+\S[^\n]*\n?)+`)

// frameLineRE matches a single stack frame line, for StackDigest.
var frameLineRE = regexp.MustCompile(`(?m)^[ \t]*(?:at|File)[ \t]+\S[^\n]*$`)

var whitespaceRE = regexp.MustCompile(`\s+`)

// Normalizer canonicalizes messages, memoizing recent inputs. The zero
// value is not usable; call NewNormalizer.
type Normalizer struct {
	cache *lru.Cache
}

// NewNormalizer returns a Normalizer with a bounded memoization cache.
func NewNormalizer(cacheSize int) (*Normalizer, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Normalizer{cache: c}, nil
}

// Normalize returns the canonical form of a raw failure message. It is
// deterministic and idempotent: Normalize(Normalize(x)) == Normalize(x).
func (n *Normalizer) Normalize(raw string) string {
	if v, ok := n.cache.Get(raw); ok {
		return v.(string)
	}
	canonical := normalize(raw)
	n.cache.Add(raw, canonical)
	return canonical
}

// Signature returns the stable 128-bit signature of a raw message as a
// 32-char hex string. MD5 is used as a stable non-cryptographic hash, not
// as a security primitive.
func (n *Normalizer) Signature(raw string) string {
	return Hash(n.Normalize(raw))
}

// StackDigest applies the same normalization restricted to the stack
// frame lines of a trace and hashes the result. It returns "" when the
// trace contains no recognizable frames.
func (n *Normalizer) StackDigest(stack string) string {
	frames := frameLineRE.FindAllString(stack, -1)
	if len(frames) == 0 {
		return ""
	}
	joined := strings.Join(frames, "\n")
	canonical := joined
	for _, r := range rules {
		canonical = r.re.ReplaceAllString(canonical, r.repl)
	}
	canonical = strings.TrimSpace(whitespaceRE.ReplaceAllString(canonical, " "))
	return Hash(canonical)
}

// Hash hashes an already-canonical string.
func Hash(canonical string) string {
	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

func normalize(raw string) string {
	s := raw
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	// Collapse each run of stack frame lines into a single sentinel.
	s = stackFrameRE.ReplaceAllString(s, "[STACK]\n")
	s = whitespaceRE.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
