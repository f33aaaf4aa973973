// Package testutil provides testing utilities for the lookup client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/lookup-client/pkg/query"
)

// Endpoint path prefixes served by the lookup service.
const (
	NamePrefix      = "/get-person-by-name/"
	ExactNamePrefix = "/get-person-by-exact-name/"
	IDPrefix        = "/get-person-by-cpf/"
)

// MockLookup is a configurable mock lookup server for testing.
type MockLookup struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	prefixes map[string]http.HandlerFunc

	// Tracking
	RequestCount      int
	LastPath          string
	LastRequestHeader http.Header
}

// NewMockLookup creates a new mock lookup server. Without custom handlers it
// answers ID lookups with DefaultResults and name searches with a short
// progress stream ending in DefaultResults.
func NewMockLookup() *MockLookup {
	mock := &MockLookup{
		handlers: make(map[string]http.HandlerFunc),
		prefixes: make(map[string]http.HandlerFunc),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastPath = r.URL.Path
		mock.LastRequestHeader = r.Header.Clone()
		mock.mu.Unlock()

		if h := mock.lookup(r.URL.Path); h != nil {
			h(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

func (m *MockLookup) lookup(path string) http.HandlerFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if h, ok := m.handlers[path]; ok {
		return h
	}
	for prefix, h := range m.prefixes {
		if strings.HasPrefix(path, prefix) {
			return h
		}
	}
	return nil
}

// URL returns the mock server URL.
func (m *MockLookup) URL() string {
	return m.server.URL
}

// Target returns the mock server address as a query target.
func (m *MockLookup) Target() query.Target {
	u, err := url.Parse(m.server.URL)
	if err != nil {
		panic(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		panic(err)
	}
	port, _ := strconv.Atoi(portStr)
	return query.Target{Host: host, Port: port}
}

// Close shuts down the mock server.
func (m *MockLookup) Close() {
	m.server.CloseClientConnections()
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockLookup) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastPath = ""
	m.LastRequestHeader = nil
}

// SetHandler sets a custom handler for an exact (decoded) path.
func (m *MockLookup) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetPrefixHandler sets a handler for every path starting with prefix.
func (m *MockLookup) SetPrefixHandler(prefix string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefixes[prefix] = handler
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockLookup) GetRequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RequestCount
}

// GetLastPath returns the decoded path of the last request.
func (m *MockLookup) GetLastPath() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastPath
}

// GetLastHeader returns the headers of the last request.
func (m *MockLookup) GetLastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastRequestHeader
}

// DefaultResults is the payload returned by the default handlers.
var DefaultResults = []query.Result{
	{ID: "12345678901", FullName: "MARIA DA SILVA", Sex: "F", BirthDate: "1980-01-02"},
	{ID: "10987654321", FullName: "MARIA SILVA SANTOS", Sex: "F", BirthDate: "1975-11-30"},
}

func (m *MockLookup) defaultHandler(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, IDPrefix):
		NewSingleHandler(DefaultResults)(w, r)
	case strings.HasPrefix(r.URL.Path, NamePrefix), strings.HasPrefix(r.URL.Path, ExactNamePrefix):
		NewStreamHandler(DefaultStream(DefaultResults), 0, 0)(w, r)
	default:
		http.NotFound(w, r)
	}
}

// Record builds one server progress record.
func Record(progress float64, status string, complete bool, results []query.Result) string {
	rec := map[string]any{
		"status":     status,
		"progress":   progress,
		"isComplete": complete,
	}
	if results != nil {
		rec["results"] = results
	}
	data, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// DefaultStream returns a short progress stream ending in a complete record.
func DefaultStream(results []query.Result) []string {
	return []string{
		Record(10, "Searching", false, nil),
		Record(50, "Searching", false, results[:1]),
		Record(90, "Formatting", false, nil),
		Record(100, "Done", true, results),
	}
}

// NewSingleHandler answers with {"results": [...]}.
func NewSingleHandler(results []query.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
	}
}

// NewStreamHandler writes records back to back without delimiters. With
// chunkSize > 0 the body is split into chunks of that many bytes, each
// flushed separately and followed by delay.
func NewStreamHandler(records []string, chunkSize int, delay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		body := []byte(strings.Join(records, ""))
		if chunkSize <= 0 {
			chunkSize = len(body)
		}

		flusher, _ := w.(http.Flusher)
		for start := 0; start < len(body); start += chunkSize {
			end := start + chunkSize
			if end > len(body) {
				end = len(body)
			}
			if _, err := w.Write(body[start:end]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-r.Context().Done():
					return
				}
			}
		}
	}
}

// NewStatusHandler answers with the given status code.
func NewStatusHandler(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		fmt.Fprintf(w, `{"error": %q}`, http.StatusText(code))
	}
}

// NewStallHandler never answers; it returns when the client goes away or
// after d.
func NewStallHandler(d time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(d):
		}
	}
}

// NewBlockingHandler waits for release to be closed before delegating to
// next.
func NewBlockingHandler(release <-chan struct{}, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
			next(w, r)
		case <-r.Context().Done():
		}
	}
}

// NewFailFirstHandler answers the first n requests with fail and the rest
// with next.
func NewFailFirstHandler(n int, fail, next http.HandlerFunc) http.HandlerFunc {
	var (
		mu    sync.Mutex
		count int
	)
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		c := count
		mu.Unlock()

		if c <= n {
			fail(w, r)
			return
		}
		next(w, r)
	}
}
