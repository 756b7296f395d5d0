// Package coliru provides a Compiler that runs source on the Coliru compile service.
//
// Every Compile call issues exactly one HTTP POST. There are no retries, no
// caching and no client-side timeout; the caller's context is the only way to
// abandon a request.
package coliru

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/dontdude/coliru/internal/domain"
	"github.com/dontdude/coliru/internal/snippet"
	"github.com/dontdude/coliru/internal/toolchain"
)

// DefaultEndpoint is the public Coliru compile URL.
const DefaultEndpoint = "http://coliru.stacked-crooked.com/compile"

// ErrUnexpectedStatus is reported when the service answers with anything but 200.
var ErrUnexpectedStatus = errors.New("unexpected status from compile service")

// Request is the wire body posted to the compile service.
type Request struct {
	Cmd string `json:"cmd"`
	Src string `json:"src"`
}

// Config configures a Client.
type Config struct {
	// Endpoint is the compile URL. Default: DefaultEndpoint.
	Endpoint string

	// HTTPClient sends the request. Default: a client without a timeout.
	HTTPClient *http.Client

	// Toolchain renders the shell command. Default: toolchain.Default.
	Toolchain *toolchain.Toolchain

	// Logger receives request lifecycle events. Default: slog.Default().
	Logger *slog.Logger
}

// Client is a Compiler backed by the remote compile service.
// It holds no per-request state and is safe for concurrent use.
type Client struct {
	endpoint  string
	http      *http.Client
	toolchain toolchain.Toolchain
	logger    *slog.Logger
}

// Check if Client implements domain.Compiler
var _ domain.Compiler = (*Client)(nil)

// New creates a Client with the given configuration.
func New(cfg Config) *Client {
	c := &Client{
		endpoint:  cfg.Endpoint,
		http:      cfg.HTTPClient,
		toolchain: toolchain.Default,
		logger:    cfg.Logger,
	}
	if c.endpoint == "" {
		c.endpoint = DefaultEndpoint
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if cfg.Toolchain != nil {
		c.toolchain = *cfg.Toolchain
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Endpoint returns the configured compile URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// NewRequest builds the wire body for source and opts.
func (c *Client) NewRequest(source string, opts domain.Options) Request {
	return Request{
		Cmd: c.toolchain.Command(opts.LinkLibraries),
		Src: snippet.WithIncludes(source, opts.Includes),
	}
}

// Compile posts source to the service and returns immediately.
// Updates: connecting, running once headers arrive, then finished or error.
func (c *Client) Compile(ctx context.Context, source string, opts domain.Options) *domain.Compilation {
	comp := domain.NewCompilation()
	go c.do(ctx, c.NewRequest(source, opts), comp)
	return comp
}

// Go is the callback form of Compile. fn sees every update, the last one terminal.
func (c *Client) Go(ctx context.Context, source string, opts domain.Options, fn func(domain.Update)) {
	c.Compile(ctx, source, opts).OnUpdate(fn)
}

func (c *Client) do(ctx context.Context, payload Request, comp *domain.Compilation) {
	comp.Report(domain.StateConnecting, "")

	body, err := json.Marshal(payload)
	if err != nil {
		comp.Resolve(domain.StateError, fmt.Sprintf("encode request: %v", err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		comp.Resolve(domain.StateError, fmt.Sprintf("build request: %v", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("Sending compile request", "endpoint", c.endpoint, "bytes", len(body))
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("Compile request failed", "endpoint", c.endpoint, "error", err)
		comp.Resolve(domain.StateError, fmt.Sprintf("compile request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	comp.Report(domain.StateRunning, "")

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("Failed to read compile response", "endpoint", c.endpoint, "error", err)
		comp.Resolve(domain.StateError, fmt.Sprintf("read response: %v", err))
		return
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
		c.logger.Warn("Compile service rejected request", "status", resp.StatusCode, "error", err)
		msg := err.Error()
		if len(out) > 0 {
			msg += "\n" + string(out)
		}
		comp.Resolve(domain.StateError, msg)
		return
	}

	c.logger.Debug("Compile request finished", "endpoint", c.endpoint, "bytes", len(out))
	comp.Resolve(domain.StateFinished, string(out))
}
