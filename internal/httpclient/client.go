package httpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// Credentials authenticate a single request with HTTP basic auth.
type Credentials struct {
	Username string
	Password string
}

// HttpClientWrapper wraps http.Client with CalDAV-specific functionality
type HttpClientWrapper interface {
	DoPROPFIND(ctx context.Context, creds Credentials, url string, depth int, props ...string) (*PropfindResponse, error)
	DoMKCALENDAR(ctx context.Context, creds Credentials, url string, displayName, description string) error
	DoGET(ctx context.Context, creds Credentials, url string) (data []byte, etag string, err error)
	DoPUT(ctx context.Context, creds Credentials, url string, etag string, data []byte) (newEtag string, err error)
	DoDELETE(ctx context.Context, creds Credentials, url string, etag string) error
}

type httpClientWrapper struct {
	client  *http.Client
	baseURL url.URL
	logger  *slog.Logger
}

// resolveURL resolves a URL string against the base URL
func (c *httpClientWrapper) resolveURL(urlStr string) (*url.URL, error) {
	ref, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %q: %w", urlStr, err)
	}
	return c.baseURL.ResolveReference(ref), nil
}

// newRequest resolves urlStr and builds an authenticated request.
func (c *httpClientWrapper) newRequest(ctx context.Context, creds Credentials, method, urlStr string, body io.Reader) (*http.Request, error) {
	resolvedURL, err := c.resolveURL(urlStr)
	if err != nil {
		c.logger.Debug("failed to resolve URL", "url", urlStr, "error", err)
		return nil, err
	}
	c.logger.Debug("resolved URL", "url", resolvedURL.String())

	req, err := http.NewRequestWithContext(ctx, method, resolvedURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	if creds.Username != "" || creds.Password != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}
	return req, nil
}

// do sends req and logs the response status.
func (c *httpClientWrapper) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", req.Method, "error", err)
		return nil, fmt.Errorf("failed to send %s request: %w", req.Method, err)
	}
	c.logger.Debug("received response", "method", req.Method, "status", resp.Status)
	return resp, nil
}

// unexpected drains the body and returns a StatusError for resp.
func (c *httpClientWrapper) unexpected(req *http.Request, resp *http.Response) error {
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Debug("unexpected status code",
		"method", req.Method,
		"status_code", resp.StatusCode,
		"status", resp.Status)
	return &StatusError{Method: req.Method, URL: req.URL.String(), StatusCode: resp.StatusCode}
}

// NewHttpClientWrapper creates a new client wrapper with basic auth and logging
func NewHttpClientWrapper(client *http.Client, baseURL url.URL, logger *slog.Logger) (HttpClientWrapper, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &httpClientWrapper{client: client, baseURL: baseURL, logger: logger}, nil
}
