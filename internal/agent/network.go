package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/surya-abadi/cache-coordinator/internal/cache"
)

// Request 描述一次被拦截的页面请求。URL 必须是绝对地址。
type Request struct {
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	Mode        string // Sec-Fetch-Mode，例如 navigate/cors/no-cors
	Destination string // Sec-Fetch-Dest，例如 document/image/script
	ClientID    string
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// Response 是网络或缓存返回的完整响应。
type Response struct {
	Status     int
	Header     http.Header
	Body       []byte
	Type       string
	URL        string
	Redirected bool
}

// OK 对应 Fetch 语义的 response.ok（2xx）。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone 复制响应，写入缓存的副本与返回给页面的原件互不影响。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

func (r *Response) record(storedAt time.Time) cache.Record {
	return cache.Record{
		Status:     r.Status,
		Header:     r.Header.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Type:       r.Type,
		URL:        r.URL,
		Redirected: r.Redirected,
		StoredAt:   storedAt,
	}
}

func responseFromRecord(rec *cache.Record) *Response {
	return &Response{
		Status:     rec.Status,
		Header:     rec.Header.Clone(),
		Body:       append([]byte(nil), rec.Body...),
		Type:       rec.Type,
		URL:        rec.URL,
		Redirected: rec.Redirected,
	}
}

// Fetcher 是注入的网络能力，测试中可替换为假实现。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

const maxRedirects = 10

// ErrNetwork wraps every transport level failure returned by HTTPFetcher.
var ErrNetwork = errors.New("network request failed")

// HTTPFetcher 通过共享 http.Client 访问网络，并按源站判定响应类型。
type HTTPFetcher struct {
	client  *http.Client
	origin  *url.URL
	timeout time.Duration
}

// NewHTTPFetcher 构建网络访问器；timeout 为 0 时不限制单次请求时长。
func NewHTTPFetcher(client *http.Client, origin string, timeout time.Duration) (*HTTPFetcher, error) {
	if client == nil {
		client = http.DefaultClient
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", origin)
	}
	return &HTTPFetcher{client: client, origin: parsed, timeout: timeout}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", req.URL, err)
	}
	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}

	finalURL := httpReq.URL.String()
	redirected := false
	client := *f.client
	next := f.client.CheckRedirect
	client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
		if next != nil {
			if err := next(r, via); err != nil {
				return err
			}
		} else if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		redirected = true
		finalURL = r.URL.String()
		return nil
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, req.method(), req.URL, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrNetwork, req.URL, err)
	}

	return &Response{
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       payload,
		Type:       f.responseType(finalURL),
		URL:        finalURL,
		Redirected: redirected,
	}, nil
}

// responseType 同源响应为 basic，其余为 cors。
func (f *HTTPFetcher) responseType(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return cache.ResponseTypeError
	}
	if strings.EqualFold(parsed.Scheme, f.origin.Scheme) && strings.EqualFold(parsed.Host, f.origin.Host) {
		return cache.ResponseTypeBasic
	}
	return cache.ResponseTypeCORS
}
