// Package blacklist loads the list of hostnames the proxy refuses to serve.
//
// The file is line oriented: one hostname per line, blank lines and lines
// starting with "#" ignored. A request host is blocked when any entry begins
// with it.
package blacklist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultPath is the blacklist file read when none is configured.
const DefaultPath = "blacklist.txt"

// List is safe for concurrent use.
type List struct {
	path string

	mu      sync.RWMutex
	entries []string
}

// New returns a list holding entries, not backed by a file.
func New(entries ...string) *List {
	return &List{entries: entries}
}

// Load reads path into a new List. A missing file yields an empty list.
func Load(path string) (*List, error) {
	l := &List{path: path}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Parse returns the entries in r.
func Parse(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// Reload re-reads the backing file. On error the current entries are kept.
func (l *List) Reload() error {
	if l.path == "" {
		return nil
	}
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("file", l.path).Msg("blacklist file not found, blocking nothing")
		l.set(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open blacklist %s: %w", l.path, err)
	}
	defer f.Close()

	entries, err := Parse(f)
	if err != nil {
		return fmt.Errorf("read blacklist %s: %w", l.path, err)
	}
	l.set(entries)
	log.Info().Str("file", l.path).Int("entries", len(entries)).Msg("blacklist loaded")
	return nil
}

func (l *List) set(entries []string) {
	l.mu.Lock()
	l.entries = entries
	l.mu.Unlock()
}

// Entries returns a copy of the current entries.
func (l *List) Entries() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.entries...)
}

// Blocked reports whether host is a prefix of any entry. The empty host is
// never blocked.
func (l *List) Blocked(host string) bool {
	if host == "" {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if strings.HasPrefix(e, host) {
			return true
		}
	}
	return false
}

// Watch reloads the list whenever its file is written or replaced, until ctx
// is done. The parent directory is watched so editors that swap files via
// rename are picked up.
func (l *List) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create blacklist watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.Reload(); err != nil {
				log.Error().Err(err).Str("file", l.path).Msg("blacklist reload failed")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Str("file", l.path).Msg("blacklist watcher error")
		}
	}
}
