package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/surya-abadi/cache-coordinator/internal/config"
)

// InitLogger 根据配置初始化 JSON 结构化日志，确保文件/控制台输出一致；
// 每条日志都会带上源站与缓存前缀，多个站点共用日志汇聚时可区分来源。
func InitLogger(cfg *config.Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	output, outErr := buildOutput(cfg.Global)
	if outErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", outErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(NewSiteHook(cfg.Agent))

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.Global.LogFilePath,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// SiteHook 为每条日志补充站点字段，调用方显式设置的同名字段不覆盖。
type SiteHook struct {
	fields logrus.Fields
}

// NewSiteHook 以 origin 与 cache_prefix 作为默认字段；空值不写入。
func NewSiteHook(agent config.AgentConfig) *SiteHook {
	fields := logrus.Fields{}
	if agent.Origin != "" {
		fields["origin"] = agent.Origin
	}
	if agent.Prefix != "" {
		fields["cache_prefix"] = agent.Prefix
	}
	return &SiteHook{fields: fields}
}

func (h *SiteHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *SiteHook) Fire(entry *logrus.Entry) error {
	for key, value := range h.fields {
		if _, ok := entry.Data[key]; !ok {
			entry.Data[key] = value
		}
	}
	return nil
}

// Discard 返回丢弃全部输出的 logger，供测试与未注入 logger 的组件使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// buildOutput 根据配置创建日志输出 Writer；失败时降级到 stdout 并返回错误。
func buildOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}

	dir := filepath.Dir(cfg.LogFilePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}
	return rotator, nil
}
