package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
)

// placeholderPage is written to a new document root that has no index yet.
const placeholderPage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Coming soon</title></head>
<body><p>This site is being prepared.</p></body></html>
`

var errOutsideRoot = errors.New("path escapes the sites root")

// Files performs every filesystem write of the agent. Paths are resolved
// against a document root, which itself must lie under the sites root.
type Files struct {
	root string
}

// NewFiles returns Files confined to root.
func NewFiles(root string) *Files {
	return &Files{root: filepath.Clean(root)}
}

// within reports whether path is base or lies beneath it.
func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func outside(path string) error {
	return failure(http.StatusForbidden, spec.CodePathOutsideRoot, fmt.Errorf("%w: %s", errOutsideRoot, path))
}

// DocumentRoot validates a document root from a request. It must be a
// directory strictly below the sites root.
func (f *Files) DocumentRoot(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", badRequest(errors.New("documentRoot required"))
	}
	if !filepath.IsAbs(raw) {
		raw = filepath.Join(f.root, raw)
	}
	clean := filepath.Clean(raw)
	if clean == f.root || !within(f.root, clean) {
		return "", outside(raw)
	}
	return clean, nil
}

// pageFile resolves pagePath and filename under docRoot.
func (f *Files) pageFile(docRoot, pagePath, filename string) (string, error) {
	if filename == "" {
		filename = "index.html"
	}
	if filename != filepath.Base(filename) || filename == "." || filename == ".." || strings.ContainsAny(filename, `/\`) {
		return "", badRequest(fmt.Errorf("invalid filename %q", filename))
	}
	if !strings.HasPrefix(pagePath, "/") {
		return "", badRequest(fmt.Errorf("pagePath must start with /: %q", pagePath))
	}
	target := filepath.Join(docRoot, filepath.FromSlash(pagePath), filename)
	if !within(docRoot, target) || target == docRoot {
		return "", outside(pagePath)
	}
	return target, nil
}

// EnsureSkeleton creates the document root and a placeholder index.
func (f *Files) EnsureSkeleton(docRoot string) error {
	if err := os.MkdirAll(docRoot, 0o755); err != nil {
		return fsError(err)
	}
	index := filepath.Join(docRoot, "index.html")
	if _, err := os.Stat(index); errors.Is(err, fs.ErrNotExist) {
		return writeAtomic(index, []byte(placeholderPage))
	} else if err != nil {
		return fsError(err)
	}
	return nil
}

// WritePage writes content to the page location, replacing any existing
// file in one rename.
func (f *Files) WritePage(docRoot, pagePath, filename, content string) (string, error) {
	target, err := f.pageFile(docRoot, pagePath, filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fsError(err)
	}
	return target, writeAtomic(target, []byte(content))
}

// RemovePage deletes a page file. A missing file is not an error. Parent
// directories left empty are removed up to the document root.
func (f *Files) RemovePage(docRoot, pagePath, filename string) (string, error) {
	target, err := f.pageFile(docRoot, pagePath, filename)
	if err != nil {
		return "", err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", fsError(err)
	}
	for dir := filepath.Dir(target); dir != docRoot && within(docRoot, dir); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return target, nil
}

// RemoveTree deletes a document root and everything in it.
func (f *Files) RemoveTree(docRoot string) error {
	if err := os.RemoveAll(docRoot); err != nil {
		return fsError(err)
	}
	return nil
}

// writeAtomic writes data to a temporary sibling of path and renames it
// into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sitefleet-*")
	if err != nil {
		return fsError(err)
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fsError(err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fsError(err)
	}
	if err := tmp.Close(); err != nil {
		return fsError(err)
	}
	if err := os.Rename(name, path); err != nil {
		return fsError(err)
	}
	return nil
}
