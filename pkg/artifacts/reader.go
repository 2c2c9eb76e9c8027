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

// Package artifacts streams zipped CI artifacts and yields the JUnit
// report entries inside them. Archives are spooled to a temp file while
// counting bytes, never held in memory, and both per-archive and
// per-entry size caps abort oversized input before ingestion starts.
package artifacts

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/thc1006/flakeguard-sub005/pkg/flakeerrors"
)

// Config bounds artifact processing.
type Config struct {
	// MaxArchiveBytes caps the compressed archive size (default 512 MiB).
	MaxArchiveBytes int64
	// MaxEntryBytes caps each decompressed entry (default 128 MiB).
	MaxEntryBytes int64
}

// DefaultConfig returns the stock caps.
func DefaultConfig() Config {
	return Config{
		MaxArchiveBytes: 512 << 20,
		MaxEntryBytes:   128 << 20,
	}
}

// Entry is one report file found in an archive.
type Entry struct {
	Path   string
	Reader io.Reader
}

// Reader extracts report entries from artifact archives.
type Reader struct {
	cfg Config
	log *logrus.Entry
}

// New returns a Reader.
func New(cfg Config, log *logrus.Entry) *Reader {
	if cfg.MaxArchiveBytes <= 0 {
		cfg = DefaultConfig()
	}
	return &Reader{cfg: cfg, log: log}
}

// reportPatterns select archive entries that look like JUnit-family
// reports. Anything else is skipped.
var reportPatterns = []func(string) bool{
	func(p string) bool { return path.Ext(p) == ".xml" && !strings.Contains(p, "/") },
	func(p string) bool { return strings.HasPrefix(path.Base(p), "TEST-") && path.Ext(p) == ".xml" },
	func(p string) bool {
		base := strings.ToLower(path.Base(p))
		return strings.HasPrefix(base, "junit") && strings.HasSuffix(base, ".xml")
	},
	func(p string) bool { return strings.Contains(p, "surefire-reports/") && path.Ext(p) == ".xml" },
	func(p string) bool { return strings.Contains(p, "test-results/") && path.Ext(p) == ".xml" },
}

// IsReportEntry reports whether an archive entry name matches the
// report filename filter.
func IsReportEntry(name string) bool {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	for _, match := range reportPatterns {
		if match(clean) {
			return true
		}
	}
	return false
}

// Extract spools the artifact stream to disk (bounded by the archive
// cap), opens it as a zip, and invokes fn for every matching report
// entry with a reader bounded by the entry cap. Extraction of an
// oversized archive fails with ArtifactTooLarge before any entry is
// yielded.
func (r *Reader) Extract(stream io.Reader, declaredSize int64, fn func(Entry) error) (retErr error) {
	if declaredSize > r.cfg.MaxArchiveBytes {
		return flakeerrors.New(flakeerrors.ArtifactTooLarge,
			"artifact declares %d bytes, cap is %d", declaredSize, r.cfg.MaxArchiveBytes)
	}

	spool, err := os.CreateTemp("", "flakeguard-artifact-*.zip")
	if err != nil {
		return errors.Wrap(err, "creating artifact spool")
	}
	defer func() {
		spool.Close()
		if err := os.Remove(spool.Name()); err != nil && retErr == nil {
			r.log.WithError(err).Warn("failed to remove artifact spool")
		}
	}()

	// Copy with a hard cap: one byte past the limit aborts the archive.
	n, err := io.Copy(spool, io.LimitReader(stream, r.cfg.MaxArchiveBytes+1))
	if err != nil {
		return flakeerrors.Wrap(flakeerrors.UpstreamUnavailable, err, "spooling artifact")
	}
	if n > r.cfg.MaxArchiveBytes {
		return flakeerrors.New(flakeerrors.ArtifactTooLarge,
			"artifact exceeds archive cap of %d bytes", r.cfg.MaxArchiveBytes)
	}

	zr, err := zip.NewReader(spool, n)
	if err != nil {
		return flakeerrors.Wrap(flakeerrors.ParseError, err, "opening artifact zip")
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !IsReportEntry(f.Name) {
			continue
		}
		if f.UncompressedSize64 > uint64(r.cfg.MaxEntryBytes) {
			return flakeerrors.New(flakeerrors.ArtifactTooLarge,
				"entry %s declares %d bytes, entry cap is %d", f.Name, f.UncompressedSize64, r.cfg.MaxEntryBytes)
		}
		if err := r.extractEntry(f, fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) extractEntry(f *zip.File, fn func(Entry) error) error {
	rc, err := f.Open()
	if err != nil {
		return flakeerrors.Wrap(flakeerrors.ParseError, err, "opening entry "+f.Name)
	}
	defer rc.Close()
	// The declared size can lie; the limited reader enforces the cap on
	// the actual bytes.
	limited := &cappedReader{r: rc, remaining: r.cfg.MaxEntryBytes, name: f.Name}
	return fn(Entry{Path: f.Name, Reader: limited})
}

// cappedReader fails with ArtifactTooLarge once an entry exceeds the
// per-entry cap.
type cappedReader struct {
	r         io.Reader
	remaining int64
	name      string
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.remaining < 0 {
		return 0, flakeerrors.New(flakeerrors.ArtifactTooLarge, "entry %s exceeds entry cap", c.name)
	}
	if int64(len(p)) > c.remaining+1 {
		p = p[:c.remaining+1]
	}
	n, err := c.r.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, flakeerrors.New(flakeerrors.ArtifactTooLarge, "entry %s exceeds entry cap", c.name)
	}
	return n, err
}
