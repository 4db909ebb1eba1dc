// Package davtest runs an in-memory CalDAV server for tests. It understands
// the subset of the protocol the sync engine speaks and can be told to fail
// specific requests.
package davtest

import (
	"crypto/sha1"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
)

// Prefix is the path under which calendars live.
const Prefix = "/dav/"

type object struct {
	data []byte
	etag string
}

type calendar struct {
	displayName string
	description string
	components  []string
	objects     map[string]*object
}

type fault struct {
	method    string
	substring string
	status    int
	remaining int
}

// Server is an in-memory CalDAV server.
type Server struct {
	srv      *httptest.Server
	username string
	password string
	logger   *slog.Logger

	mu        sync.RWMutex
	calendars map[string]*calendar
	faults    []*fault
	requests  []string
}

// Option configures a Server.
type Option func(*Server)

// WithCredentials makes the server require basic auth with the given pair.
func WithCredentials(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New starts a server and stops it when the test ends.
func New(tb testing.TB, opts ...Option) *Server {
	tb.Helper()
	s := &Server{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		calendars: make(map[string]*calendar),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(s)
	tb.Cleanup(s.srv.Close)
	return s
}

// BaseURL is the collection URL to hand to the client.
func (s *Server) BaseURL() string {
	return s.srv.URL + Prefix
}

// Client returns an HTTP client for the server.
func (s *Server) Client() *http.Client {
	return s.srv.Client()
}

// Fail makes the next times requests whose method matches and whose path
// contains substring answer with status. times <= 0 fails forever.
func (s *Server) Fail(method, substring string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{method: method, substring: substring, status: status, remaining: times})
}

// ClearFaults removes all injected failures.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// Requests returns "METHOD path" for every request received so far.
func (s *Server) Requests() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.requests...)
}

// CountRequests returns how many requests used method.
func (s *Server) CountRequests(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.requests {
		if strings.HasPrefix(r, method+" ") {
			n++
		}
	}
	return n
}

// HasCalendar reports whether the calendar collection exists.
func (s *Server) HasCalendar(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.calendars[name]
	return ok
}

// CalendarCount returns the number of calendar collections.
func (s *Server) CalendarCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.calendars)
}

// CreateCalendar adds a calendar collection directly.
func (s *Server) CreateCalendar(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calendars[name]; !ok {
		s.calendars[name] = &calendar{displayName: name, objects: make(map[string]*object)}
	}
}

// PutObject stores raw iCalendar data directly, creating the calendar if
// needed.
func (s *Server) PutObject(cal, id string, data []byte) {
	s.CreateCalendar(cal)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars[cal].objects[id] = &object{data: append([]byte(nil), data...), etag: generateETag(data)}
}

// Object returns the raw data stored for an event.
func (s *Server) Object(cal, id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calendars[cal]
	if !ok {
		return nil, false
	}
	o, ok := c.objects[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), o.data...), true
}

// ObjectIDs returns the sorted event ids in a calendar.
func (s *Server) ObjectIDs(cal string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.calendars[cal]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(c.objects))
	for id := range c.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeleteObject removes an event directly, as if deleted by another client.
func (s *Server) DeleteObject(cal, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.calendars[cal]; ok {
		delete(c.objects, id)
	}
}

func generateETag(data []byte) string {
	hash := sha1.Sum(data)
	return `"` + hex.EncodeToString(hash[:]) + `"`
}
