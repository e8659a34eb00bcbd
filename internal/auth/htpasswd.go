package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// ParseHtpasswd reads "user:hash" lines. Blank lines and lines starting
// with '#' are skipped. A repeated user keeps the last hash.
func ParseHtpasswd(r io.Reader) (map[string]string, error) {
	users := map[string]string{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		i := strings.IndexByte(s, ':')
		if i <= 0 || i == len(s)-1 {
			return nil, fmt.Errorf("htpasswd line %d: expected user:hash", line)
		}
		users[s[:i]] = s[i+1:]
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

// LoadHtpasswd parses the htpasswd file at path and returns an enabled
// Authenticator over it.
func LoadHtpasswd(path string) (*Authenticator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	users, err := ParseHtpasswd(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return New(true, users), nil
}

// Current holds the Authenticator in use. Readers never lock; a reload
// stores a freshly built Authenticator.
type Current struct {
	p atomic.Pointer[Authenticator]
}

func NewCurrent(a *Authenticator) *Current {
	c := &Current{}
	c.p.Store(a)
	return c
}

func (c *Current) Load() *Authenticator { return c.p.Load() }

func (c *Current) Store(a *Authenticator) { c.p.Store(a) }

// Watch reloads the htpasswd file at path whenever it changes and publishes
// the result into c. A file that fails to parse leaves the previous table in
// place. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file so that editors and
// htpasswd(1) replacing the file by rename are picked up.
func Watch(ctx context.Context, path string, c *Current, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			a, err := LoadHtpasswd(abs)
			if err != nil {
				logger.Warn("htpasswd reload failed", "path", abs, "err", err)
				continue
			}
			c.Store(a)
			logger.Info("htpasswd reloaded", "path", abs, "users", len(a.users))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("htpasswd watcher", "err", err)
		}
	}
}
