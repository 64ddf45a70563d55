// Package pagecache stores proxied responses as flat files named after the
// request path, with every "/" replaced by "#".
//
// A file is fresh while its modification time plus the store's TTL lies in
// the future. Stale files are left in place and simply treated as missing;
// the next successful fetch overwrites them.
package pagecache

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrWriteUnavailable is returned by Create when no cache file can be opened.
var ErrWriteUnavailable = errors.New("page cache write unavailable")

// Key canonicalizes a request path into a file name.
func Key(path string) string {
	return strings.ReplaceAll(path, "/", "#")
}

// Store is a directory of cached pages sharing one TTL.
type Store struct {
	Dir string
	TTL time.Duration

	// Now is used for freshness checks; defaults to time.Now.
	Now func() time.Time
}

// New returns a Store rooted at dir. An empty dir means the working directory.
func New(dir string, ttl time.Duration) *Store {
	if dir == "" {
		dir = "."
	}
	return &Store{Dir: dir, TTL: ttl, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// File returns the on-disk path for a request path, or "" when the key
// cannot name a regular file.
func (s *Store) File(path string) string {
	k := Key(path)
	if k == "" || k == "." || k == ".." {
		return ""
	}
	return filepath.Join(s.Dir, k)
}

// Fresh reports whether a file modified at mtime is still servable.
func (s *Store) Fresh(mtime time.Time) bool {
	return mtime.Add(s.TTL).After(s.now())
}

// Serve writes the cached page for path to dst if a fresh one exists and
// reports whether it did. The returned error describes a failed write to dst;
// the result is still a hit in that case and nothing is retried.
func (s *Store) Serve(path string, dst io.Writer) (bool, error) {
	name := s.File(path)
	if name == "" {
		return false, nil
	}
	f, err := os.Open(name)
	if err != nil {
		return false, nil
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() || !s.Fresh(fi.ModTime()) {
		return false, nil
	}
	body, err := io.ReadAll(f)
	if err != nil {
		return false, nil
	}
	if _, err := dst.Write(body); err != nil {
		return true, fmt.Errorf("write cached page %s: %w", name, err)
	}
	return true, nil
}

// Writer accumulates a page in a temp file and publishes it on Close.
type Writer struct {
	f     *os.File
	dst   string
	n     int64
	done  bool
	cause error
}

// Create opens a writer for path. The page becomes visible to Serve only
// after a successful Close.
func (s *Store) Create(path string) (*Writer, error) {
	name := s.File(path)
	if name == "" {
		return nil, fmt.Errorf("%w: path %q has no file name", ErrWriteUnavailable, path)
	}
	f, err := os.CreateTemp(s.Dir, "."+filepath.Base(name)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteUnavailable, err)
	}
	return &Writer{f: f, dst: name}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.cause != nil {
		return 0, w.cause
	}
	n, err := w.f.Write(p)
	w.n += int64(n)
	if err != nil {
		w.cause = err
	}
	return n, err
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int64 { return w.n }

// Name returns the final file path.
func (w *Writer) Name() string { return w.dst }

// Close publishes the page, replacing any previous version. After a failed
// Write, Close discards the page and returns that error.
func (w *Writer) Close() error {
	if w.done {
		return nil
	}
	if w.cause != nil {
		return w.Abort()
	}
	w.done = true
	tmp := w.f.Name()
	if err := w.f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close tmp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, w.dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename tmp %s -> %s: %w", tmp, w.dst, err)
	}
	return nil
}

// Abort discards the page. The previous version, if any, is kept.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	_ = os.Remove(w.f.Name())
	return w.cause
}

// Keys lists the cached page keys in the store directory.
func (s *Store) Keys() ([]string, error) {
	des, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, de := range des {
		if de.Type().IsRegular() && strings.HasPrefix(de.Name(), "#") {
			keys = append(keys, de.Name())
		}
	}
	sort.Strings(keys)
	return keys, nil
}
