package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStorageDrivers = map[string]struct{}{
	StorageDriverFS:      {},
	StorageDriverLevelDB: {},
	StorageDriverMemory:  {},
}

const supportedStorageDriverList = "fs|leveldb|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务；
// 返回的 FieldErrors 包含发现的全部字段问题。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	var errs FieldErrors
	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		errs.add("Global.ListenPort", "必须在 1-65535")
	}
	if _, ok := supportedStorageDrivers[strings.ToLower(g.StorageDriver)]; !ok {
		errs.add("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.StorageDriver != StorageDriverMemory && g.StoragePath == "" {
		errs.add("Global.StoragePath", "不能为空")
	}
	if g.FetchTimeout.DurationValue() < 0 {
		errs.add("Global.FetchTimeout", "不能为负数")
	}

	c.Agent.validate(&errs)
	return errs.orNil()
}

func (a AgentConfig) validate(errs *FieldErrors) {
	if err := validateOrigin(a.Origin); err != nil {
		errs.add(agentField("Origin"), err.Error())
	}
	validateSegment(errs, agentField("Prefix"), a.Prefix)
	validateSegment(errs, agentField("Version"), a.Version)
	if len(a.Manifest) == 0 {
		errs.add(agentField("Manifest"), "至少需要一个资源")
	}
	seen := make(map[string]struct{}, len(a.Manifest))
	for i, entry := range a.Manifest {
		if !strings.HasPrefix(entry, "/") {
			errs.add(agentField("Manifest", i), "必须是以 / 开头的站内路径")
			continue
		}
		if _, dup := seen[entry]; dup {
			errs.add(agentField("Manifest", i), "重复")
		}
		seen[entry] = struct{}{}
	}
	if !strings.HasPrefix(a.APIMarker, "/") {
		errs.add(agentField("APIMarker"), "必须以 / 开头")
	}
	for i, host := range a.BypassHosts {
		if err := validateHost(host); err != nil {
			errs.add(agentField("BypassHosts", i), err.Error())
		}
	}
	if !strings.HasPrefix(a.VersionEndpoint, "/") {
		errs.add(agentField("VersionEndpoint"), "必须是以 / 开头的站内路径")
	}
	if a.OutboxSize <= 0 {
		errs.add(agentField("OutboxSize"), "必须大于 0")
	}
}

// validateSegment 校验会拼进缓存名的字段：非空且不含空格或路径分隔符。
func validateSegment(errs *FieldErrors, field, value string) {
	switch {
	case value == "":
		errs.add(field, "不能为空")
	case strings.ContainsAny(value, " /\\"):
		errs.add(field, "不允许包含空格或路径分隔符")
	}
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("域名不能为空")
	}
	if strings.Contains(host, "/") {
		return errors.New("域名不允许包含路径")
	}
	if strings.Contains(host, " ") {
		return errors.New("域名不允许包含空格")
	}
	if strings.HasPrefix(host, "http") && strings.Contains(host, ":") {
		return errors.New("域名不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不应包含路径: %s", raw)
	}
	return nil
}
