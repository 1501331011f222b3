package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
)

// CommandRunner runs an external program and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// run splits a configured command line and runs it. An empty line is a no-op.
func run(ctx context.Context, r CommandRunner, line string) ([]byte, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}
	return r.Run(ctx, fields[0], fields[1:]...)
}

// Reloader makes the reverse proxy pick up changed fragments.
type Reloader interface {
	Reload(ctx context.Context) error
}

// CommandReloader reloads by running a command such as "nginx -s reload".
type CommandReloader struct {
	Runner  CommandRunner
	Command string
}

func (c CommandReloader) Reload(ctx context.Context) error {
	out, err := run(ctx, c.Runner, c.Command)
	if err != nil {
		return fmt.Errorf("%s: %w: %s", c.Command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ProxyManager owns the per-domain reverse-proxy fragments.
type ProxyManager struct {
	dir      string
	validate string
	runner   CommandRunner
	reloader Reloader
	log      *slog.Logger

	// mu serialises write-validate-reload so two domains never validate
	// each other's half-written state.
	mu sync.Mutex
}

// NewProxyManager returns a manager writing fragments into dir.
func NewProxyManager(dir, validateCommand string, runner CommandRunner, reloader Reloader, log *slog.Logger) *ProxyManager {
	return &ProxyManager{dir: dir, validate: validateCommand, runner: runner, reloader: reloader, log: log}
}

func (p *ProxyManager) path(domain string) string {
	return filepath.Join(p.dir, domain+".conf")
}

// Apply installs config for domain. A fragment that fails validation is
// replaced by the previous one (or removed) and nothing is reloaded. A
// reload failure leaves the new fragment in place.
func (p *ProxyManager) Apply(ctx context.Context, domain, config string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fsError(err)
	}
	path := p.path(domain)
	previous, err := os.ReadFile(path)
	hadPrevious := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fsError(err)
	}
	if err := writeAtomic(path, []byte(config)); err != nil {
		return err
	}

	if out, err := run(ctx, p.runner, p.validate); err != nil {
		p.log.Warn("proxy config rejected, restoring previous", "domain", domain, "error", err, "output", string(out))
		if hadPrevious {
			if rerr := writeAtomic(path, previous); rerr != nil {
				p.log.Error("restore proxy config", "domain", domain, "error", rerr)
			}
		} else if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			p.log.Error("remove rejected proxy config", "domain", domain, "error", rerr)
		}
		return failure(http.StatusUnprocessableEntity, spec.CodeProxyValidationFailed,
			fmt.Errorf("proxy validation failed: %w: %s", err, strings.TrimSpace(string(out))))
	}
	return p.reload(ctx)
}

// Remove deletes the fragment of domain and reloads. A missing fragment is
// not an error.
func (p *ProxyManager) Remove(ctx context.Context, domain string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.Remove(p.path(domain)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fsError(err)
	}
	return p.reload(ctx)
}

func (p *ProxyManager) reload(ctx context.Context) error {
	if p.reloader == nil {
		return nil
	}
	if err := p.reloader.Reload(ctx); err != nil {
		return failure(http.StatusInternalServerError, spec.CodeProxyReloadFailed, fmt.Errorf("proxy reload failed: %w", err))
	}
	return nil
}
