// Package registry publishes server metadata to an external tool registry so
// deployed servers are discoverable. Publication is best-effort and optional.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/tannht/mcp-compliance-go/mcp"
)

// Metadata is the document published to the registry: the server handshake
// plus the endpoint clients should call.
type Metadata struct {
	mcp.ServerHandshake
	Endpoint string `json:"endpoint,omitempty"`
}

// Publisher publishes server metadata. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, md *Metadata) error
}

// Config captures registry settings sourced from the environment.
//
// ENV:
//
//	MCP_REGISTRY_URL      - registry endpoint to POST metadata to (required)
//	MCP_REGISTRY_TIMEOUT  - request timeout (default 10s)
//	MCP_SERVER_ENDPOINT   - public endpoint advertised in the metadata
type Config struct {
	RegistryURL    string        `env:"MCP_REGISTRY_URL"`
	Timeout        time.Duration `env:"MCP_REGISTRY_TIMEOUT,default=10s"`
	ServerEndpoint string        `env:"MCP_SERVER_ENDPOINT"`
}

// Option customizes an HTTPPublisher.
type Option func(*HTTPPublisher)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *HTTPPublisher) {
		if l != nil {
			p.log = l
		}
	}
}

// WithHTTPClient overrides the HTTP client used for publication.
func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPPublisher) {
		if c != nil {
			p.client = c
		}
	}
}

// HTTPPublisher POSTs metadata documents to a registry URL as JSON.
type HTTPPublisher struct {
	log      *slog.Logger
	client   *http.Client
	url      string
	endpoint string
}

var _ Publisher = (*HTTPPublisher)(nil)

// New constructs an HTTPPublisher from cfg.
func New(cfg Config, opts ...Option) (*HTTPPublisher, error) {
	if cfg.RegistryURL == "" {
		return nil, errors.New("registry url required")
	}
	u, err := url.Parse(cfg.RegistryURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid registry url %q", cfg.RegistryURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &HTTPPublisher{
		log:      slog.Default(),
		client:   &http.Client{Timeout: timeout},
		url:      cfg.RegistryURL,
		endpoint: cfg.ServerEndpoint,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// NewFromEnv constructs an HTTPPublisher from environment variables.
func NewFromEnv(opts ...Option) (*HTTPPublisher, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, opts...)
}

// Publish POSTs the metadata document. The configured server endpoint fills
// md.Endpoint when the caller left it empty.
func (p *HTTPPublisher) Publish(ctx context.Context, md *Metadata) error {
	if md == nil {
		return errors.New("metadata required")
	}
	doc := *md
	if doc.Endpoint == "" {
		doc.Endpoint = p.endpoint
	}
	body, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build registry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.ErrorContext(ctx, "registry.publish.fail", slog.String("err", err.Error()))
		return fmt.Errorf("publish metadata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		p.log.ErrorContext(ctx, "registry.publish.fail",
			slog.Int("status", resp.StatusCode),
			slog.String("url", p.url),
		)
		return fmt.Errorf("registry responded %d", resp.StatusCode)
	}
	p.log.InfoContext(ctx, "registry.publish.ok",
		slog.String("server_id", doc.ServerID),
		slog.String("url", p.url),
	)
	return nil
}
