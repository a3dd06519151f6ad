// Package mocktesting provides a test websocket server speaking the
// Tradovate frame protocol: the 'o' open marker, four-line request frames,
// 'a' event batches, and the literal [] client heartbeat.
package mocktesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Request is one decoded four-line client frame.
type Request struct {
	URL   string
	ID    int
	Query string
	Body  string
}

// Response is a canned reply for a handler: the status and d payload sent
// back under the request's id.
type Response struct {
	Status int
	Data   any
}

// MockServer is a single-client Tradovate websocket endpoint for tests. It
// auto-responds to authorize and routes other requests through per-URL
// handlers; anything without a handler gets no reply.
type MockServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu              sync.Mutex
	writeMu         sync.Mutex
	conn            *websocket.Conn
	requests        []Request
	heartbeats      int
	handlers        map[string]func(Request) *Response
	authorizeStatus int
	suppressOpen    bool
}

// NewMockServer starts the server. Authorize succeeds by default.
func NewMockServer() *MockServer {
	m := &MockServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		handlers:        make(map[string]func(Request) *Response),
		authorizeStatus: 200,
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWebSocket))
	return m
}

// URL returns the ws:// address clients should dial.
func (m *MockServer) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

// Close tears the server and any live connection down.
func (m *MockServer) Close() {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
	m.server.Close()
}

// SetAuthorizeStatus changes the status returned for authorize requests.
func (m *MockServer) SetAuthorizeStatus(status int) {
	m.mu.Lock()
	m.authorizeStatus = status
	m.mu.Unlock()
}

// SuppressOpen stops the server from sending the 'o' marker on connect, so
// connect-timeout behavior can be exercised.
func (m *MockServer) SuppressOpen() {
	m.mu.Lock()
	m.suppressOpen = true
	m.mu.Unlock()
}

// Handle installs a responder for one request URL. Returning nil sends no
// reply, leaving the caller waiting.
func (m *MockServer) Handle(url string, fn func(Request) *Response) {
	m.mu.Lock()
	m.handlers[url] = fn
	m.mu.Unlock()
}

// Requests returns a snapshot of every decoded client request so far,
// including authorize.
func (m *MockServer) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Heartbeats returns how many [] frames the client has sent.
func (m *MockServer) Heartbeats() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeats
}

// WaitRequests polls until at least n client requests have arrived or the
// timeout passes, returning the snapshot either way.
func (m *MockServer) WaitRequests(n int, timeout time.Duration) []Request {
	deadline := time.Now().Add(timeout)
	for {
		reqs := m.Requests()
		if len(reqs) >= n || time.Now().After(deadline) {
			return reqs
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Reply sends a correlated response batch for a single request id.
func (m *MockServer) Reply(id, status int, data any) error {
	batch := []map[string]any{{"i": id, "s": status, "d": data}}
	return m.sendBatch(batch)
}

// Push sends an uncorrelated event batch. Each element is marshalled as-is.
func (m *MockServer) Push(elements ...any) error {
	return m.sendBatch(elements)
}

// SendRaw sends a literal frame, useful for malformed-input tests.
func (m *MockServer) SendRaw(frame string) error {
	return m.write([]byte(frame))
}

// DropConnection severs the websocket without closing the HTTP server, so
// the client observes a remote failure.
func (m *MockServer) DropConnection() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (m *MockServer) sendBatch(elements any) error {
	payload, err := json.Marshal(elements)
	if err != nil {
		return err
	}
	return m.write(append([]byte("a"), payload...))
}

func (m *MockServer) write(data []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("mocktesting: no client connected")
	}
	// gorilla connections allow one writer at a time.
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *MockServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conn = conn
	suppress := m.suppressOpen
	m.mu.Unlock()

	if !suppress {
		conn.WriteMessage(websocket.TextMessage, []byte("o"))
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.handleMessage(raw)
	}
}

func (m *MockServer) handleMessage(raw []byte) {
	if string(raw) == "[]" {
		m.mu.Lock()
		m.heartbeats++
		m.mu.Unlock()
		return
	}

	req, err := parseRequest(raw)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	authorizeStatus := m.authorizeStatus
	handler := m.handlers[req.URL]
	m.mu.Unlock()

	if req.URL == "authorize" {
		data := any("authorization failed")
		if authorizeStatus == 200 {
			data = nil
		}
		m.Reply(req.ID, authorizeStatus, data)
		return
	}

	if handler != nil {
		if resp := handler(req); resp != nil {
			m.Reply(req.ID, resp.Status, resp.Data)
		}
	}
}

// parseRequest decodes the four-line client frame. The body line is optional.
func parseRequest(raw []byte) (Request, error) {
	lines := strings.SplitN(string(raw), "\n", 4)
	if len(lines) < 3 {
		return Request{}, fmt.Errorf("mocktesting: short request frame")
	}
	id, err := strconv.Atoi(lines[1])
	if err != nil {
		return Request{}, fmt.Errorf("mocktesting: bad request id: %w", err)
	}
	req := Request{URL: lines[0], ID: id, Query: lines[2]}
	if len(lines) == 4 {
		req.Body = lines[3]
	}
	return req, nil
}
