package agent

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/surya-abadi/cache-coordinator/internal/cache"
	"github.com/surya-abadi/cache-coordinator/internal/config"
	"github.com/surya-abadi/cache-coordinator/internal/logging"
	"github.com/surya-abadi/cache-coordinator/internal/metrics"
)

const testOrigin = "https://absensi.surya-abadi.test"

var errOffline = errors.New("offline")

// fakeNetwork 记录每次网络调用，默认对源站路径返回 200 basic 响应。
type fakeNetwork struct {
	mu      sync.Mutex
	calls   []string
	offline bool
	handler func(req *Request) (*Response, error)
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{}
}

func (f *fakeNetwork) Fetch(_ context.Context, req *Request) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.URL)
	offline := f.offline
	handler := f.handler
	f.mu.Unlock()

	if offline {
		return nil, errOffline
	}
	if handler != nil {
		return handler(req)
	}
	return okResponse(req.URL, "body of "+req.URL), nil
}

func (f *fakeNetwork) setOffline(offline bool) {
	f.mu.Lock()
	f.offline = offline
	f.mu.Unlock()
}

func (f *fakeNetwork) setHandler(handler func(req *Request) (*Response, error)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeNetwork) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call == url {
			n++
		}
	}
	return n
}

func (f *fakeNetwork) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNetwork) reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func okResponse(url, body string) *Response {
	responseType := cache.ResponseTypeBasic
	if !strings.HasPrefix(url, testOrigin) {
		responseType = cache.ResponseTypeCORS
	}
	return &Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		Type:   responseType,
		URL:    url,
	}
}

// spyStorage 包装 Storage，统计所有读写调用，用于验证 bypass 不触碰缓存。
type spyStorage struct {
	cache.Storage

	mu      sync.Mutex
	touched int
}

func (s *spyStorage) Open(ctx context.Context, name string) (cache.Generation, error) {
	gen, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &spyGeneration{Generation: gen, spy: s}, nil
}

func (s *spyStorage) touches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

func (s *spyStorage) resetTouches() {
	s.mu.Lock()
	s.touched = 0
	s.mu.Unlock()
}

type spyGeneration struct {
	cache.Generation
	spy *spyStorage
}

func (g *spyGeneration) Match(ctx context.Context, key cache.Key) (*cache.Record, error) {
	g.spy.mu.Lock()
	g.spy.touched++
	g.spy.mu.Unlock()
	return g.Generation.Match(ctx, key)
}

func (g *spyGeneration) Put(ctx context.Context, key cache.Key, record cache.Record) error {
	g.spy.mu.Lock()
	g.spy.touched++
	g.spy.mu.Unlock()
	return g.Generation.Put(ctx, key, record)
}

type testEnv struct {
	coordinator *Coordinator
	storage     *spyStorage
	network     *fakeNetwork
	metrics     *metrics.Collector
	opener      *RecordingOpener
	notifier    *recordingNotifier
}

type recordingNotifier struct {
	mu    sync.Mutex
	shown []Notification
}

func (n *recordingNotifier) Show(_ context.Context, notification Notification) error {
	n.mu.Lock()
	n.shown = append(n.shown, notification)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) all() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.shown...)
}

func testOptions() Options {
	return Options{
		Origin:               testOrigin,
		Prefix:               "surya-abadi",
		APIMarker:            "/api/",
		BypassHosts:          config.DefaultBypassHosts(),
		VersionEndpoint:      "/api/version",
		SkipWaitingOnInstall: true,
		OutboxSize:           8,
		DefaultTitle:         "Surya Abadi",
		DefaultBody:          "Ada pembaruan baru",
	}
}

func fixedClock() func() time.Time {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	opts := testOptions()
	for _, fn := range mutate {
		fn(&opts)
	}
	storage := &spyStorage{Storage: cache.NewMemoryStorage()}
	network := newFakeNetwork()
	collector := metrics.New()
	logger := logging.Discard()
	opener := &RecordingOpener{Logger: logger}
	notifier := &recordingNotifier{}

	coordinator, err := New(opts, Dependencies{
		Storage:  storage,
		Network:  network,
		Notifier: notifier,
		Opener:   opener,
		Logger:   logger,
		Metrics:  collector,
		Now:      fixedClock(),
	})
	require.NoError(t, err)
	return &testEnv{
		coordinator: coordinator,
		storage:     storage,
		network:     network,
		metrics:     collector,
		opener:      opener,
		notifier:    notifier,
	}
}

// install 以默认清单注册 version，并断言成功。
func (e *testEnv) install(t *testing.T, version string) *Worker {
	t.Helper()
	worker, err := e.coordinator.Register(context.Background(), version, config.DefaultManifest())
	require.NoError(t, err)
	return worker
}

func (e *testEnv) storeNames(t *testing.T) []string {
	t.Helper()
	names, err := e.storage.Names(context.Background())
	require.NoError(t, err)
	return names
}

// drain 读取 outbox 中当前全部消息。
func drain(client *Client) []Outbound {
	var out []Outbound
	for {
		select {
		case msg, ok := <-client.Outbox():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func assetRequest(path string) *Request {
	return &Request{
		Method:      http.MethodGet,
		URL:         testOrigin + path,
		Header:      http.Header{"Accept": []string{"image/png"}},
		Mode:        "no-cors",
		Destination: "image",
	}
}

func navigationRequest(path string) *Request {
	return &Request{
		Method:      http.MethodGet,
		URL:         testOrigin + path,
		Header:      http.Header{"Accept": []string{"text/html,application/xhtml+xml"}},
		Mode:        "navigate",
		Destination: "document",
	}
}

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)
