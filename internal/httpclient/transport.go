package httpclient

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// LoggingTransport implements http.RoundTripper and logs every request and
// response at debug level. The Authorization header is never logged.
type LoggingTransport struct {
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// NewLoggingTransport creates a new LoggingTransport around transport. If
// transport is nil, http.DefaultTransport will be used.
func NewLoggingTransport(transport http.RoundTripper, logger *slog.Logger) *LoggingTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LoggingTransport{
		Transport: transport,
		Logger:    logger,
	}
}

// RoundTrip implements the http.RoundTripper interface.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}

	reqBody := ""
	if req.Body != nil && req.GetBody != nil {
		if body, err := req.GetBody(); err == nil {
			if bodyBytes, err := io.ReadAll(body); err == nil {
				reqBody = string(bodyBytes)
			}
			body.Close()
		}
	}

	t.Logger.Debug("outgoing request",
		"method", req.Method,
		"url", req.URL.String(),
		"headers", redact(req.Header),
		"body", reqBody)

	resp, err := t.Transport.RoundTrip(req)

	if err == nil && resp != nil {
		respBody := ""
		if resp.Body != nil {
			bodyBytes, err := io.ReadAll(resp.Body)
			if err == nil {
				respBody = string(bodyBytes)
			}
			resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(bodyBytes)) // Reset the body
		}

		t.Logger.Debug("incoming response",
			"status", resp.Status,
			"headers", resp.Header,
			"body", respBody)
	}

	return resp, err
}

func redact(h http.Header) http.Header {
	if h.Get("Authorization") == "" {
		return h
	}
	out := h.Clone()
	out.Set("Authorization", "[redacted]")
	return out
}
