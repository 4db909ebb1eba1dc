package davtest

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/cyp0633/meetsync/internal/xml"
	"github.com/emersion/go-ical"
)

// ServeHTTP handles incoming HTTP requests, performs authentication, parsing, and routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logger.Debug("request received", "method", r.Method, "path", r.URL.Path)

	if status, injected := s.record(r); injected {
		s.logger.Debug("injected failure", "method", r.Method, "path", r.URL.Path, "status", status)
		http.Error(w, http.StatusText(status), status)
		return
	}

	if s.username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.username || pass != s.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="davtest"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if !strings.HasPrefix(r.URL.Path, Prefix) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	cal, id := parsePath(strings.TrimPrefix(r.URL.Path, Prefix))
	if cal == "" {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	switch r.Method {
	case "PROPFIND":
		s.handlePropfind(w, r, cal, id)
	case "MKCALENDAR":
		s.handleMkCalendar(w, r, cal, id)
	case http.MethodPut:
		s.handlePut(w, r, cal, id)
	case http.MethodGet:
		s.handleGet(w, cal, id)
	case http.MethodDelete:
		s.handleDelete(w, r, cal, id)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// record logs the request and consumes a matching fault.
func (s *Server) record(r *http.Request) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)

	for i, f := range s.faults {
		if f.method != "" && f.method != r.Method {
			continue
		}
		if !strings.Contains(r.URL.Path, f.substring) {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
			if f.remaining == 0 {
				s.faults = append(s.faults[:i], s.faults[i+1:]...)
			}
		}
		return f.status, true
	}
	return 0, false
}

// parsePath splits "cal/" or "cal/id.ics". id is empty for collections.
func parsePath(rel string) (cal, id string) {
	cal, rest, _ := strings.Cut(rel, "/")
	if rest == "" {
		return cal, ""
	}
	return cal, strings.TrimSuffix(rest, ".ics")
}

func (s *Server) handlePropfind(w http.ResponseWriter, r *http.Request, cal, id string) {
	body, _ := io.ReadAll(r.Body)
	if _, err := xml.ParsePropfind(body); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	c, ok := s.calendars[cal]
	var resp xml.Response
	if ok && id == "" {
		resp = xml.Response{
			Href: r.URL.Path,
			PropStats: []xml.PropStat{{
				Props: []xml.Property{
					{Name: xml.TagResourcetype, Namespace: xml.DAV, Children: []xml.Property{
						{Name: xml.TagCollection, Namespace: xml.DAV},
						{Name: xml.TagCalendar, Namespace: xml.CalDAV},
					}},
					{Name: xml.TagDisplayname, Namespace: xml.DAV, TextContent: c.displayName},
				},
				Status: xml.StatusOK,
			}},
		}
	} else if ok {
		o, found := c.objects[id]
		ok = found
		if found {
			resp = xml.Response{
				Href: r.URL.Path,
				PropStats: []xml.PropStat{{
					Props: []xml.Property{
						{Name: xml.TagResourcetype, Namespace: xml.DAV},
						{Name: xml.TagGetetag, Namespace: xml.DAV, TextContent: o.etag},
					},
					Status: xml.StatusOK,
				}},
			}
		}
	}
	s.mu.RUnlock()

	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	data, err := (&xml.Multistatus{Responses: []xml.Response{resp}}).Bytes()
	if err != nil {
		s.logger.Error("failed to serialize multistatus", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write(data)
}

func (s *Server) handleMkCalendar(w http.ResponseWriter, r *http.Request, cal, id string) {
	if id != "" {
		http.Error(w, "Method Not Allowed: MKCALENDAR can only be used to create a calendar collection", http.StatusMethodNotAllowed)
		return
	}

	body, _ := io.ReadAll(r.Body)
	req, err := xml.ParseMkcalendar(body)
	if err != nil {
		s.logger.Warn("invalid MKCALENDAR body", "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.calendars[cal]; exists {
		http.Error(w, "Method Not Allowed: resource exists", http.StatusMethodNotAllowed)
		return
	}
	displayName := req.DisplayName
	if displayName == "" {
		displayName = cal
	}
	s.calendars[cal] = &calendar{
		displayName: displayName,
		description: req.Description,
		components:  req.Components,
		objects:     make(map[string]*object),
	}
	s.logger.Info("calendar created", "calendar", cal)

	w.Header().Set("Location", r.URL.Path)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, cal, id string) {
	if id == "" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/calendar") {
		s.logger.Warn("unsupported media type", "content_type", contentType)
		http.Error(w, "Unsupported Media Type", http.StatusUnsupportedMediaType)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	parsed, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil || len(parsed.Events()) != 1 {
		s.logger.Warn("invalid iCalendar data", "error", err)
		http.Error(w, "Invalid iCalendar data", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calendars[cal]
	if !ok {
		http.Error(w, "Conflict: calendar does not exist", http.StatusConflict)
		return
	}

	existing := c.objects[id]
	ifMatch := r.Header.Get("If-Match")
	ifNone := r.Header.Get("If-None-Match")
	if existing != nil {
		if ifMatch != "" && ifMatch != existing.etag {
			http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
			return
		}
		if ifNone == "*" {
			http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
			return
		}
	} else if ifMatch != "" {
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}

	etag := generateETag(data)
	c.objects[id] = &object{data: data, etag: etag}

	w.Header().Set("ETag", etag)
	if existing == nil {
		w.Header().Set("Location", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, cal, id string) {
	if id == "" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	var o *object
	if c, ok := s.calendars[cal]; ok {
		o = c.objects[id]
	}
	s.mu.RUnlock()

	if o == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("ETag", o.etag)
	_, _ = w.Write(o.data)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, cal, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calendars[cal]
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if id == "" {
		delete(s.calendars, cal)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	o, ok := c.objects[id]
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if ifMatch := r.Header.Get("If-Match"); ifMatch != "" && ifMatch != o.etag {
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}
	delete(c.objects, id)
	w.WriteHeader(http.StatusNoContent)
}
