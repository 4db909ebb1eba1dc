// Package davclient talks to a CalDAV server one resource at a time: one
// calendar collection (the container) holding one .ics object per event.
//
// The client holds no credentials. Every call takes the Credentials to use,
// so a single client can serve many organizations.
package davclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cyp0633/meetsync/internal/httpclient"
	"github.com/cyp0633/meetsync/internal/ics"
	"github.com/samber/mo"
)

// Credentials are applied as HTTP basic auth on each request.
type Credentials = httpclient.Credentials

// ResourceRef identifies a stored event.
type ResourceRef struct {
	ID   string
	URL  string
	ETag string
}

// ResourceClient defines the CalDAV operations the sync engine needs.
type ResourceClient interface {
	ContainerExists(ctx context.Context, creds Credentials, name string) (bool, error)
	CreateContainer(ctx context.Context, creds Credentials, name, displayName, description string) error
	EnsureContainer(ctx context.Context, creds Credentials, name string) error
	PutEvent(ctx context.Context, creds Credentials, container string, ev ics.Event) (ResourceRef, error)
	GetEvent(ctx context.Context, creds Credentials, container, id string) (mo.Option[ics.Event], error)
	DeleteEvent(ctx context.Context, creds Credentials, container, id string) error
}

// Options configures a ResourceClient.
type Options struct {
	// BaseURL is the collection under which containers are created,
	// e.g. https://dav.example.com/calendars/alice/.
	BaseURL string
	// HTTPClient defaults to a client with RequestTimeout.
	HTTPClient *http.Client
	// RequestTimeout bounds each remote call on top of the caller's context.
	// Zero means no extra bound.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type resourceClient struct {
	httpClient httpclient.HttpClientWrapper
	baseURL    *url.URL
	timeout    time.Duration
	logger     *slog.Logger
}

// New creates a ResourceClient for opts.BaseURL.
func New(opts Options) (ResourceClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: httpclient.NewLoggingTransport(nil, logger),
		}
	}

	wrapper, err := httpclient.NewHttpClientWrapper(client, *base, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	return &resourceClient{
		httpClient: wrapper,
		baseURL:    base,
		timeout:    opts.RequestTimeout,
		logger:     logger,
	}, nil
}

// containerURL returns the container path relative to the base URL.
func containerURL(name string) string {
	return url.PathEscape(name) + "/"
}

// eventURL returns the event object path relative to the base URL.
func eventURL(container, id string) string {
	return containerURL(container) + url.PathEscape(id) + ".ics"
}

func (c *resourceClient) absolute(rel string) string {
	ref, err := url.Parse(rel)
	if err != nil {
		return rel
	}
	return c.baseURL.ResolveReference(ref).String()
}

func (c *resourceClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}
