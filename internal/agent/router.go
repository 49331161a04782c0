package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/surya-abadi/cache-coordinator/internal/cache"
	"github.com/surya-abadi/cache-coordinator/internal/logging"
	"github.com/surya-abadi/cache-coordinator/internal/metrics"
)

// Strategy 是请求分类结果。
type Strategy string

const (
	StrategyBypass      Strategy = "network-only"
	StrategyNavigation  Strategy = "navigation"
	StrategyCacheFirst  Strategy = "cache-first"
	StrategyPassthrough Strategy = "passthrough"
)

// 响应来源，用于日志与指标。
const (
	SourceNetwork  = "network"
	SourceCache    = "cache"
	SourceFallback = "fallback"
	SourceError    = "error"
)

// Result 汇总一次拦截的结果。
type Result struct {
	Response   *Response
	Strategy   Strategy
	Source     string
	Generation string
}

// CacheHit 表示响应直接取自缓存（包含离线回退的根文档）。
func (r *Result) CacheHit() bool {
	return r.Source == SourceCache || r.Source == SourceFallback
}

// Router 按顺序分类请求（bypass → navigation → cache-first），首个命中的策略生效。
type Router struct {
	origin      string
	apiMarker   string
	bypassHosts []string
	network     Fetcher
	logger      *logrus.Logger
	metrics     *metrics.Collector
	now         nowFunc
}

// Classify 返回请求应使用的策略。
func (r *Router) Classify(req *Request) Strategy {
	parsed, err := url.Parse(req.URL)
	if err == nil {
		if r.apiMarker != "" && strings.Contains(parsed.Path, r.apiMarker) {
			return StrategyBypass
		}
		if r.IsBypassHost(parsed.Host) {
			return StrategyBypass
		}
	}
	if isNavigation(req) {
		return StrategyNavigation
	}
	return StrategyCacheFirst
}

// IsBypassHost 判断主机是否命中直连域名（忽略大小写与端口，包含子域名）。
func (r *Router) IsBypassHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	for _, candidate := range r.bypassHosts {
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}

// isNavigation 优先依据 Sec-Fetch-Mode；缺少 Sec-Fetch 头时退化为 GET + Accept text/html。
func isNavigation(req *Request) bool {
	if req.Mode != "" {
		return strings.EqualFold(req.Mode, "navigate")
	}
	if req.Destination != "" {
		return false
	}
	return req.method() == http.MethodGet && acceptsHTML(req.Header.Get("Accept"))
}

func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mediaType, "text/html") {
			return true
		}
	}
	return false
}

func isDocument(req *Request) bool {
	if strings.EqualFold(req.Destination, "document") {
		return true
	}
	return isNavigation(req)
}

func (r *Router) rootKey() cache.Key {
	return cache.NewKey(http.MethodGet, r.origin+"/")
}

// Route 执行分类后的策略。gen 为当前代际；为 nil 时直接访问网络（页面尚未被控制）。
func (r *Router) Route(ctx context.Context, gen cache.Generation, req *Request) (*Result, error) {
	if gen == nil {
		resp, err := r.network.Fetch(ctx, req)
		return r.finish(req, &Result{Response: resp, Strategy: StrategyPassthrough, Source: SourceNetwork}, err)
	}

	strategy := r.Classify(req)
	result := &Result{Strategy: strategy, Generation: gen.Name()}

	switch strategy {
	case StrategyBypass:
		resp, err := r.network.Fetch(ctx, req)
		result.Response, result.Source = resp, SourceNetwork
		return r.finish(req, result, err)
	case StrategyNavigation:
		return r.finish(req, result, r.navigate(ctx, gen, req, result))
	default:
		err := r.cacheFirst(ctx, gen, req, result)
		if err != nil && isDocument(req) {
			if fallback := r.matchRoot(ctx, gen); fallback != nil {
				result.Response, result.Source = fallback, SourceFallback
				err = nil
			}
		}
		return r.finish(req, result, err)
	}
}

func (r *Router) navigate(ctx context.Context, gen cache.Generation, req *Request, result *Result) error {
	resp, err := r.network.Fetch(ctx, req)
	if err == nil {
		result.Response, result.Source = resp, SourceNetwork
		return nil
	}
	if fallback := r.matchRoot(ctx, gen); fallback != nil {
		result.Response, result.Source = fallback, SourceFallback
		return nil
	}
	return err
}

func (r *Router) cacheFirst(ctx context.Context, gen cache.Generation, req *Request, result *Result) error {
	method := req.method()
	key := cache.NewKey(method, req.URL)

	if method == http.MethodGet {
		record, err := gen.Match(ctx, key)
		switch {
		case err == nil:
			result.Response, result.Source = responseFromRecord(record), SourceCache
			return nil
		case errors.Is(err, cache.ErrNotFound):
		default:
			r.logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_match_failed",
				"url":    req.URL,
			}).Warn("cache lookup failed, falling back to network")
		}
	}

	resp, err := r.network.Fetch(ctx, req)
	if err != nil {
		return err
	}
	result.Response, result.Source = resp, SourceNetwork

	if method == http.MethodGet && cacheable(resp) {
		if err := gen.Put(ctx, key, resp.Clone().record(r.now())); err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"action":     "cache_put_failed",
				"url":        req.URL,
				"generation": gen.Name(),
			}).Warn("cache insert failed")
		}
	}
	return nil
}

// cacheable 只接受 200、同源 basic、未重定向的响应。
func cacheable(resp *Response) bool {
	return resp != nil &&
		resp.Status == http.StatusOK &&
		resp.Type == cache.ResponseTypeBasic &&
		!resp.Redirected
}

func (r *Router) matchRoot(ctx context.Context, gen cache.Generation) *Response {
	record, err := gen.Match(ctx, r.rootKey())
	if err != nil {
		return nil
	}
	return responseFromRecord(record)
}

func (r *Router) finish(req *Request, result *Result, err error) (*Result, error) {
	if err != nil {
		result.Source = SourceError
	}
	r.metrics.ObserveFetch(string(result.Strategy), result.Source)

	fields := logging.RequestFields(req.method(), req.URL, string(result.Strategy), result.Generation, result.CacheHit())
	fields["action"] = "fetch"
	fields["source"] = result.Source
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("fetch_failed")
		return result, err
	}
	r.logger.WithFields(fields).Debug("fetch_complete")
	return result, nil
}
