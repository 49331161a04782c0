package integration

import (
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
)

// originStub 模拟 PWA 源站：静态资源、版本接口与 API，并记录每次请求。
type originStub struct {
	server   *http.Server
	listener net.Listener
	URL      string

	mu       sync.Mutex
	requests []RecordedRequest
	failing  map[string]int
	version  string
}

// RecordedRequest 捕获每次请求的方法/路径/Headers，便于断言协调器是否回源。
type RecordedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

func newOriginStub(t *testing.T) *originStub {
	t.Helper()

	stub := &originStub{failing: make(map[string]int), version: "v1.0.3"}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		stub.mu.Lock()
		current := stub.version
		stub.mu.Unlock()
		_, _ = io.WriteString(w, `{"version":"`+current+`"}`)
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	})
	mux.HandleFunc("/old-icon.png", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/icon-192.png", http.StatusFound)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentTypeFor(r.URL.Path))
		_, _ = io.WriteString(w, "origin:"+r.URL.Path)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if stub.recordRequest(r) {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		mux.ServeHTTP(w, r)
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("unable to start origin stub listener: %v", err)
	}
	stub.server = &http.Server{Handler: handler}
	stub.listener = listener
	stub.URL = "http://" + listener.Addr().String()

	go func() {
		_ = stub.server.Serve(listener)
	}()
	t.Cleanup(stub.Close)
	return stub
}

// recordRequest 记录请求，返回 true 表示该路径被配置为失败。
func (s *originStub) recordRequest(r *http.Request) bool {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
		Body:    body,
	})
	if n := s.failing[r.URL.Path]; n > 0 {
		s.failing[r.URL.Path] = n - 1
		return true
	}
	return false
}

// failNext 让 path 接下来的 n 次请求返回 500。
func (s *originStub) failNext(path string, n int) {
	s.mu.Lock()
	s.failing[path] = n
	s.mu.Unlock()
}

func (s *originStub) hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, req := range s.requests {
		if req.Path == path {
			n++
		}
	}
	return n
}

func (s *originStub) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *originStub) Close() {
	if s.server != nil {
		_ = s.server.Close()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func contentTypeFor(path string) string {
	switch {
	case path == "/" || strings.HasSuffix(path, ".html"):
		return "text/html; charset=utf-8"
	case strings.HasSuffix(path, ".json"):
		return "application/manifest+json"
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".js"):
		return "application/javascript"
	default:
		return "text/plain; charset=utf-8"
	}
}
