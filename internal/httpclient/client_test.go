package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServerWrapper(t *testing.T, handler http.HandlerFunc) HttpClientWrapper {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	base, err := url.Parse(srv.URL + "/dav/")
	require.NoError(t, err)
	w, err := NewHttpClientWrapper(srv.Client(), *base, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return w
}

func TestNewHttpClientWrapperRequiresLogger(t *testing.T) {
	_, err := NewHttpClientWrapper(http.DefaultClient, url.URL{}, nil)
	assert.Error(t, err)
}

func TestDoPUT(t *testing.T) {
	creds := Credentials{Username: "alice", Password: "secret"}

	t.Run("creates without If-Match", func(t *testing.T) {
		w := newServerWrapper(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPut, r.Method)
			assert.Equal(t, "/dav/meetings/m1.ics", r.URL.Path)
			assert.Empty(t, r.Header.Get("If-Match"))
			assert.Equal(t, "text/calendar; charset=utf-8", r.Header.Get("Content-Type"))
			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "alice", user)
			assert.Equal(t, "secret", pass)
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "BEGIN:VCALENDAR", string(body))
			w.Header().Set("ETag", `"v1"`)
			w.WriteHeader(http.StatusCreated)
		})

		etag, err := w.DoPUT(context.Background(), creds, "meetings/m1.ics", "", []byte("BEGIN:VCALENDAR"))
		require.NoError(t, err)
		assert.Equal(t, `"v1"`, etag)
	})

	t.Run("sends If-Match", func(t *testing.T) {
		w := newServerWrapper(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, `"v1"`, r.Header.Get("If-Match"))
			w.WriteHeader(http.StatusPreconditionFailed)
		})

		_, err := w.DoPUT(context.Background(), creds, "meetings/m1.ics", `"v1"`, []byte("x"))
		var se *StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusPreconditionFailed, se.StatusCode)
		assert.Equal(t, http.MethodPut, se.Method)
	})
}

func TestDoGET(t *testing.T) {
	w := newServerWrapper(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dav/meetings/found.ics":
			w.Header().Set("ETag", `"e1"`)
			_, _ = w.Write([]byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	data, etag, err := w.DoGET(context.Background(), Credentials{}, "meetings/found.ics")
	require.NoError(t, err)
	assert.Equal(t, `"e1"`, etag)
	assert.True(t, strings.HasPrefix(string(data), "BEGIN:VCALENDAR"))

	_, _, err = w.DoGET(context.Background(), Credentials{}, "meetings/missing.ics")
	assert.True(t, HasStatus(err, http.StatusNotFound))
}

func TestDoDELETE(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "no content", status: http.StatusNoContent},
		{name: "ok", status: http.StatusOK},
		{name: "not found", status: http.StatusNotFound, wantErr: true},
		{name: "server error", status: http.StatusInternalServerError, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newServerWrapper(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				w.WriteHeader(tt.status)
			})
			err := w.DoDELETE(context.Background(), Credentials{}, "meetings/m1.ics", "")
			if tt.wantErr {
				assert.True(t, HasStatus(err, tt.status))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDoMKCALENDAR(t *testing.T) {
	var body []byte
	w := newServerWrapper(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "MKCALENDAR", r.Method)
		assert.Equal(t, "/dav/meetings/", r.URL.Path)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	})

	err := w.DoMKCALENDAR(context.Background(), Credentials{}, "meetings/", "Meetings", "Synced meetings")
	require.NoError(t, err)
	assert.Contains(t, string(body), "Meetings")
	assert.Contains(t, string(body), "Synced meetings")
	assert.Contains(t, string(body), `name="VEVENT"`)
}

func TestTransportFailure(t *testing.T) {
	mock := &mockTransport{err: errors.New("connection refused")}
	_, err := newTestWrapper(mock).DoPUT(context.Background(), Credentials{}, "x.ics", "", nil)
	require.Error(t, err)
	var se *StatusError
	assert.False(t, errors.As(err, &se))
}

func TestLoggingTransportRedactsAuthorization(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	mock := &mockTransport{response: &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Body:       io.NopCloser(strings.NewReader("pong")),
	}}
	client := &http.Client{Transport: NewLoggingTransport(mock, logger)}

	req, err := http.NewRequest(http.MethodPut, "http://example.com/x", strings.NewReader("ping"))
	require.NoError(t, err)
	req.SetBasicAuth("alice", "hunter2")

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(body))

	out := logs.String()
	assert.Contains(t, out, "outgoing request")
	assert.Contains(t, out, "ping")
	assert.Contains(t, out, "[redacted]")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "YWxpY2U6aHVudGVyMg")
}
