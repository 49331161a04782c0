package agent

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// VersionManager 负责代际命名：<prefix>-<version>，并判定哪些缓存库已过期。
type VersionManager struct {
	prefix  string
	version string
}

// NewVersionManager 校验 prefix/version 后返回管理器。
func NewVersionManager(prefix, version string) (*VersionManager, error) {
	prefix = strings.TrimSpace(prefix)
	version = strings.TrimSpace(version)
	if prefix == "" {
		return nil, errors.New("cache prefix required")
	}
	if version == "" {
		return nil, errors.New("cache version required")
	}
	if invalidNamePart(prefix) {
		return nil, fmt.Errorf("invalid cache prefix %q", prefix)
	}
	if invalidNamePart(version) {
		return nil, fmt.Errorf("invalid cache version %q", version)
	}
	return &VersionManager{prefix: prefix, version: version}, nil
}

func invalidNamePart(value string) bool {
	return strings.ContainsAny(value, `/\`) || strings.IndexFunc(value, unicode.IsSpace) >= 0
}

func (m *VersionManager) Prefix() string  { return m.prefix }
func (m *VersionManager) Version() string { return m.version }

// CurrentName 返回当前代际的缓存库名称，例如 surya-abadi-v1.0.2。
func (m *VersionManager) CurrentName() string {
	return m.prefix + "-" + m.version
}

// Owns 判断缓存库是否属于本应用（名称以 <prefix>- 开头）。
func (m *VersionManager) Owns(name string) bool {
	return strings.HasPrefix(name, m.prefix+"-")
}

// IsStale 表示缓存库属于本应用且不是当前代际。
func (m *VersionManager) IsStale(name string) bool {
	return m.Owns(name) && name != m.CurrentName()
}

// StaleNames 过滤出需要在 activate 阶段删除的缓存库，保持输入顺序。
func (m *VersionManager) StaleNames(names []string) []string {
	var stale []string
	for _, name := range names {
		if m.IsStale(name) {
			stale = append(stale, name)
		}
	}
	return stale
}
