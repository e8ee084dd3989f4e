// Package testutil provides testing utilities for the eligibility extractor.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path"
	"sync"
	"time"
)

// EndpointPrefix is the path the mock serves; the identifier is the last segment.
const EndpointPrefix = "/api/eligibility/npi/"

// Endpoint is the endpoint template matching the mock.
const Endpoint = EndpointPrefix + "{npi}"

// MockResponse defines one scripted reply.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration

	// Drop closes the connection without writing a response.
	Drop bool
}

// Request is one request seen by the mock.
type Request struct {
	Identifier string
	Year       string
	Header     http.Header
	Time       time.Time
}

// MockAPI is a configurable mock eligibility API. Each identifier replays
// its scripted responses in order and then repeats the last one.
// Unscripted identifiers get a valid record.
type MockAPI struct {
	server *httptest.Server

	mu       sync.Mutex
	scripts  map[string][]MockResponse
	calls    map[string]int
	requests []Request
}

// NewMockAPI creates and starts a mock API server.
func NewMockAPI() *MockAPI {
	mock := &MockAPI{
		scripts: make(map[string][]MockResponse),
		calls:   make(map[string]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock server URL.
func (m *MockAPI) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockAPI) Close() {
	m.server.Close()
}

// Script sets the response sequence for identifier.
func (m *MockAPI) Script(identifier string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[identifier] = responses
}

// Reset clears scripts and tracking.
func (m *MockAPI) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = make(map[string][]MockResponse)
	m.calls = make(map[string]int)
	m.requests = nil
}

// RequestCount returns the number of requests made to the server.
func (m *MockAPI) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// CallsFor returns the number of requests for identifier.
func (m *MockAPI) CallsFor(identifier string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[identifier]
}

// Requests returns a copy of every request seen, in arrival order.
func (m *MockAPI) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MockAPI) handle(w http.ResponseWriter, r *http.Request) {
	id := path.Base(r.URL.Path)

	m.mu.Lock()
	m.requests = append(m.requests, Request{
		Identifier: id,
		Year:       r.URL.Query().Get("year"),
		Header:     r.Header.Clone(),
		Time:       time.Now(),
	})
	n := m.calls[id]
	m.calls[id] = n + 1
	script := m.scripts[id]
	m.mu.Unlock()

	resp := NewRecordResponse(id)
	if len(script) > 0 {
		resp = script[min(n, len(script)-1)]
	}

	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}

	if resp.Drop {
		hj, ok := w.(http.Hijacker)
		if ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		panic(http.ErrAbortHandler)
	}

	w.Header().Set("Content-Type", "application/json")
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// RecordBody returns a schema-valid response body for identifier.
func RecordBody(identifier string) string {
	return fmt.Sprintf(`{"data":{"npi":%q,"firstName":"Test","lastName":"Provider","qpStatus":"N","organizations":[{"TIN":"000123456","prvdrOrgName":"Test Clinic"}]}}`, identifier)
}

// NewRecordResponse creates a 200 response with a valid record.
func NewRecordResponse(identifier string) MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: RecordBody(identifier)}
}

// NewNotFoundResponse creates a 404 response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusNotFound, Body: `{"error":{"message":"NPI not found"}}`}
}

// NewBadRequestResponse creates a 400 response.
func NewBadRequestResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusBadRequest, Body: `{"error":{"message":"bad request"}}`}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":"Rate limit exceeded"}`,
		Headers:    map[string]string{"Retry-After": "1"},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusInternalServerError, Body: `{"error":"Internal server error"}`}
}

// NewInvalidBodyResponse creates a 200 response that fails schema validation.
func NewInvalidBodyResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusOK, Body: `{"data":{"npi":"bad"}}`}
}

// NewDroppedResponse closes the connection without answering.
func NewDroppedResponse() MockResponse {
	return MockResponse{Drop: true}
}
