package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyAgentDefaults(&cfg.Agent)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Global.StorageDriver != StorageDriverMemory {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", StorageDriverFS)
	v.SetDefault("FetchTimeout", "0s")

	v.SetDefault("Agent.Prefix", "surya-abadi")
	v.SetDefault("Agent.Version", "v1.0.2")
	v.SetDefault("Agent.Manifest", DefaultManifest())
	v.SetDefault("Agent.APIMarker", "/api/")
	v.SetDefault("Agent.BypassHosts", DefaultBypassHosts())
	v.SetDefault("Agent.VersionEndpoint", "/api/version")
	v.SetDefault("Agent.SkipWaitingOnInstall", true)
	v.SetDefault("Agent.CheckInterval", "0s")
	v.SetDefault("Agent.OutboxSize", 64)
	v.SetDefault("Agent.DefaultTitle", "Surya Abadi")
	v.SetDefault("Agent.DefaultBody", "Ada pembaruan baru")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.LogLevel) == "" {
		g.LogLevel = "info"
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverFS
	}
	if g.FetchTimeout.DurationValue() < 0 {
		g.FetchTimeout = Duration(0)
	}
}

func applyAgentDefaults(a *AgentConfig) {
	a.Origin = strings.TrimRight(strings.TrimSpace(a.Origin), "/")
	a.Prefix = strings.TrimSpace(a.Prefix)
	a.Version = strings.TrimSpace(a.Version)
	if len(a.Manifest) == 0 {
		a.Manifest = DefaultManifest()
	}
	if a.APIMarker == "" {
		a.APIMarker = "/api/"
	}
	hosts := make([]string, 0, len(a.BypassHosts))
	for _, host := range a.BypassHosts {
		if trimmed := strings.ToLower(strings.TrimSpace(host)); trimmed != "" {
			hosts = append(hosts, trimmed)
		}
	}
	a.BypassHosts = hosts
	if a.VersionEndpoint == "" {
		a.VersionEndpoint = "/api/version"
	}
	if a.OutboxSize <= 0 {
		a.OutboxSize = 64
	}
	if a.CheckInterval.DurationValue() < 0 {
		a.CheckInterval = Duration(0)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
