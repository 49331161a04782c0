package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// 支持的缓存存储驱动。
const (
	StorageDriverFS      = "fs"
	StorageDriverLevelDB = "leveldb"
	StorageDriverMemory  = "memory"
)

// GlobalConfig 描述进程级运行参数：监听端口、日志与缓存落盘位置。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`
	StoragePath   string `mapstructure:"StoragePath"`
	StorageDriver string `mapstructure:"StorageDriver"`
	// FetchTimeout 为 0 时网络请求不设整体超时，挂起的请求会一直等待。
	FetchTimeout Duration `mapstructure:"FetchTimeout"`
}

// AgentConfig 决定缓存协调器的版本、预缓存清单与路由规则。
type AgentConfig struct {
	Origin               string   `mapstructure:"Origin"`
	Prefix               string   `mapstructure:"Prefix"`
	Version              string   `mapstructure:"Version"`
	Manifest             []string `mapstructure:"Manifest"`
	APIMarker            string   `mapstructure:"APIMarker"`
	BypassHosts          []string `mapstructure:"BypassHosts"`
	VersionEndpoint      string   `mapstructure:"VersionEndpoint"`
	SkipWaitingOnInstall bool     `mapstructure:"SkipWaitingOnInstall"`
	CheckInterval        Duration `mapstructure:"CheckInterval"`
	OutboxSize           int      `mapstructure:"OutboxSize"`
	DefaultTitle         string   `mapstructure:"DefaultTitle"`
	DefaultBody          string   `mapstructure:"DefaultBody"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Agent  AgentConfig  `mapstructure:"Agent"`
}

// CacheName 返回当前代际的缓存名，形如 surya-abadi-v1.0.2。
func (a AgentConfig) CacheName() string {
	return a.Prefix + "-" + a.Version
}

// DefaultManifest 是安装阶段预缓存的静态资源列表，修改时必须同步提升 Version。
func DefaultManifest() []string {
	return []string{"/", "/index.html", "/manifest.json", "/icon-192.png", "/icon-512.png"}
}

// DefaultBypassHosts 列出永远直连网络的第三方服务域名（数据库、身份、令牌刷新）。
func DefaultBypassHosts() []string {
	return []string{
		"firestore.googleapis.com",
		"identitytoolkit.googleapis.com",
		"securetoken.googleapis.com",
	}
}
