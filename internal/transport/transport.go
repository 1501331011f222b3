// Package transport sends authenticated commands to worker nodes.
//
// Every call targets the worker's primary address first. A connection-level
// failure (dial error, timeout, reset) is retried exactly once against the
// loopback host on the same port, which covers workers co-located with the
// control plane. Application errors are never retried.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atvirokodosprendimai/sitefleet/internal/spec"
)

// Class selects the timeout of an operation.
type Class int

// Timeout classes.
const (
	Short Class = iota
	Long
)

// Operation describes one worker command.
type Operation struct {
	Name   string
	Method string
	Path   string
	Class  Class
}

// Worker operations.
var (
	OpDeploySite        = Operation{Name: "deploy", Method: http.MethodPost, Path: spec.PathDeploy, Class: Long}
	OpDeployPage        = Operation{Name: "deploy-page", Method: http.MethodPost, Path: spec.PathDeployPage, Class: Short}
	OpRemovePage        = Operation{Name: "remove-page", Method: http.MethodPost, Path: spec.PathRemovePage, Class: Short}
	OpRemoveWebsite     = Operation{Name: "remove-website", Method: http.MethodPost, Path: spec.PathRemoveWebsite, Class: Long}
	OpDeactivateWebsite = Operation{Name: "deactivate-website", Method: http.MethodPost, Path: spec.PathDeactivateWebsite, Class: Long}
	OpGenerateSSL       = Operation{Name: "generate-ssl", Method: http.MethodPost, Path: spec.PathGenerateSSL, Class: Long}
	OpRevokeSSL         = Operation{Name: "revoke-ssl", Method: http.MethodPost, Path: spec.PathRevokeSSL, Class: Long}
	OpUpdateProxyConfig = Operation{Name: "update-proxy-config", Method: http.MethodPost, Path: spec.PathUpdateProxyConfig, Class: Short}
	OpHealth            = Operation{Name: "health", Method: http.MethodGet, Path: spec.PathHealth, Class: Short}
)

// Target is a worker address and its key.
type Target struct {
	Address string
	Key     string
}

// Options configures timeouts and the fallback host.
type Options struct {
	ShortTimeout time.Duration
	LongTimeout  time.Duration
	LoopbackHost string
}

// Option customises a Transport.
type Option func(*Transport)

// WithHTTPClient overrides the HTTP client. Its Timeout should be zero;
// per-class timeouts are applied through the request context.
func WithHTTPClient(h *http.Client) Option {
	return func(t *Transport) {
		if h != nil {
			t.client = h
		}
	}
}

// Transport sends JSON commands to workers.
type Transport struct {
	client *http.Client
	opts   Options
	log    *slog.Logger
}

// New returns a Transport.
func New(opts Options, log *slog.Logger, options ...Option) *Transport {
	if opts.ShortTimeout <= 0 {
		opts.ShortTimeout = 60 * time.Second
	}
	if opts.LongTimeout <= 0 {
		opts.LongTimeout = 300 * time.Second
	}
	if opts.LoopbackHost == "" {
		opts.LoopbackHost = "127.0.0.1"
	}
	t := &Transport{client: &http.Client{}, opts: opts, log: log}
	for _, o := range options {
		o(t)
	}
	return t
}

// Timeout returns the per-attempt timeout for class.
func (t *Transport) Timeout(class Class) time.Duration {
	if class == Long {
		return t.opts.LongTimeout
	}
	return t.opts.ShortTimeout
}

// Send performs op against target. A non-nil out receives the decoded
// success body.
func (t *Transport) Send(ctx context.Context, target Target, op Operation, payload, out any) error {
	primary, err := baseURL(target.Address)
	if err != nil {
		return &TransportError{Operation: op.Name, Address: target.Address, Err: err}
	}
	var body []byte
	if payload != nil {
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("encode %s payload: %w", op.Name, err)
		}
	}

	resp, err := t.attempt(ctx, primary, target.Key, op, body)
	if err != nil {
		terr := &TransportError{Operation: op.Name, Address: primary.Host, Err: err}
		if ctx.Err() != nil {
			return terr
		}
		fallback := loopback(primary, t.opts.LoopbackHost)
		t.log.Warn("worker unreachable, trying loopback",
			"operation", op.Name, "address", primary.Host, "fallback", fallback.Host, "error", err)
		terr.Fallback = fallback.Host
		resp, err = t.attempt(ctx, fallback, target.Key, op, body)
		if err != nil {
			terr.FallbackErr = err
			return terr
		}
	}
	return decode(op, resp, out)
}

type response struct {
	status int
	body   []byte
}

func (t *Transport) attempt(ctx context.Context, base *url.URL, key string, op Operation, body []byte) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.Timeout(op.Class))
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, base.String()+op.Path, reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set(spec.HeaderWorkerKey, key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}
	return response{status: resp.StatusCode, body: data}, nil
}

func decode(op Operation, resp response, out any) error {
	if resp.status < 200 || resp.status > 299 {
		remote := &RemoteError{Operation: op.Name, StatusCode: resp.status, Body: string(resp.body)}
		var payload spec.ErrorResponse
		if err := json.Unmarshal(resp.body, &payload); err == nil {
			remote.Code = payload.Error
			remote.Message = payload.Message
		}
		if remote.Message == "" {
			remote.Message = strings.TrimSpace(string(resp.body))
		}
		return remote
	}
	if out == nil || len(bytes.TrimSpace(resp.body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op.Name, err)
	}
	return nil
}

func baseURL(address string) (*url.URL, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(address), "/")
	if trimmed == "" {
		return nil, errors.New("empty worker address")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid worker address: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid worker address %q", address)
	}
	return u, nil
}

func loopback(primary *url.URL, host string) *url.URL {
	u := *primary
	if port := primary.Port(); port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		u.Host = host
	}
	return &u
}
