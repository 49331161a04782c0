package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Storage 管理全部代际缓存库。Open 在库不存在时创建；Delete 一次性移除库内所有记录。
// 已删除的库在下一次 Put 时会被重新创建，与浏览器 Cache Storage 的行为一致。
type Storage interface {
	// Open 返回指定名称的缓存库句柄，不存在时创建。
	Open(ctx context.Context, name string) (Generation, error)

	// Has 判断缓存库是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Names 按字典序返回当前存在的所有缓存库名称。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除缓存库，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源（文件句柄、数据库连接）。
	Close() error
}

// Generation 是单个代际缓存库，记录按 Key 精确匹配。
type Generation interface {
	Name() string

	// Match 返回 Key 对应的记录副本，未命中时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Record, error)

	// Put 写入或覆盖 Key 对应的记录。
	Put(ctx context.Context, key Key, record Record) error

	// Keys 返回库内全部 Key，按字符串形式排序。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位一条缓存记录：请求方法 + 原样 URL。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化请求方法（大写，空值视为 GET），URL 保持原样。
func NewKey(method, url string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: url}
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// 响应类型，对应 Fetch 规范中的 Response.type。
const (
	ResponseTypeBasic  = "basic"
	ResponseTypeCORS   = "cors"
	ResponseTypeOpaque = "opaque"
	ResponseTypeError  = "error"
)

// Record 是一次响应的快照：状态码、响应头、正文以及写入时间。
type Record struct {
	Status     int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	Type       string      `json:"type"`
	URL        string      `json:"url"`
	Redirected bool        `json:"redirected"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Clone 深拷贝记录，保证缓存副本与返回给调用方的响应互不影响。
func (r Record) Clone() Record {
	cloned := r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return cloned
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// ErrInvalidName 表示缓存库名称不合法（为空或包含路径分隔符）。
var ErrInvalidName = errors.New("invalid cache name")

// NewStorage 按驱动名构建 Storage：fs 与 leveldb 落盘到 basePath，memory 仅驻留进程内。
func NewStorage(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "fs":
		return NewFileStorage(basePath)
	case "leveldb":
		return NewLevelDBStorage(basePath)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return ErrInvalidName
	}
	return nil
}
