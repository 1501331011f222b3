package render

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrInvalidTemplateName is returned for package or file names that would
// escape the store root.
var ErrInvalidTemplateName = errors.New("render: invalid template name")

// Store reads template package files from a root directory and caches them.
// Watch keeps the cache coherent with the filesystem.
type Store struct {
	root string
	log  *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string, log *slog.Logger) *Store {
	return &Store{root: dir, log: log, cache: make(map[string]string)}
}

// Root returns the directory packages are read from.
func (s *Store) Root() string {
	return s.root
}

// Template implements Source.
func (s *Store) Template(pkg, name string) (string, bool, error) {
	if err := validName(pkg); err != nil {
		return "", false, err
	}
	if err := validName(name); err != nil {
		return "", false, err
	}
	key := pkg + "/" + name

	s.mu.RLock()
	text, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return text, true, nil
	}

	raw, err := os.ReadFile(filepath.Join(s.root, pkg, name))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	text = string(raw)

	s.mu.Lock()
	s.cache[key] = text
	s.mu.Unlock()
	return text, true, nil
}

// HasPackage reports whether pkg is a directory under the root.
func (s *Store) HasPackage(pkg string) bool {
	if validName(pkg) != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(s.root, pkg))
	return err == nil && info.IsDir()
}

// Invalidate drops every cached file.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[string]string)
	s.mu.Unlock()
}

func (s *Store) forget(path string) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		s.Invalidate()
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		// the root or a package directory changed
		s.Invalidate()
		return
	}
	s.mu.Lock()
	delete(s.cache, parts[0]+"/"+parts[1])
	s.mu.Unlock()
}

// Watch invalidates cached files as they change on disk. It blocks until ctx
// is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("could not create template watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.root); err != nil {
		return fmt.Errorf("could not watch %s: %w", s.root, err)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("could not list template packages: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(s.root, e.Name())); err != nil {
				return fmt.Errorf("could not watch package %s: %w", e.Name(), err)
			}
		}
	}
	s.log.Info("watching templates", "root", s.root)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := w.Add(ev.Name); err != nil {
						s.log.Warn("could not watch new package", "path", ev.Name, "error", err)
					}
				}
			}
			if ev.Has(fsnotify.Create | fsnotify.Write | fsnotify.Remove | fsnotify.Rename) {
				s.forget(ev.Name)
				s.log.Debug("template changed", "path", ev.Name, "op", ev.Op.String())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("template watcher error", "error", err)
		}
	}
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") ||
		strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidTemplateName, name)
	}
	return nil
}
